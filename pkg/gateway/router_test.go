package gateway

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should register method successfully", func(t *testing.T) {
		handler := func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "result", nil
		}

		err := router.RegisterMethod("test.method", handler)
		assert.NoError(t, err)
		assert.True(t, router.HasMethod("test.method"))
	})

	t.Run("should reject nil handler", func(t *testing.T) {
		err := router.RegisterMethod("test.nil", nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})

	t.Run("should unregister method", func(t *testing.T) {
		router.UnregisterMethod("test.method")
		assert.False(t, router.HasMethod("test.method"))
		router.UnregisterMethod("non.existent")
	})
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should parse valid request", func(t *testing.T) {
		data := []byte(`{"id":"1","method":"test.method","params":{"key":"value"}}`)

		req, err := router.ParseRequest(data)
		require.NoError(t, err)
		assert.Equal(t, "1", req.ID)
		assert.Equal(t, "test.method", req.Method)
		assert.Equal(t, "value", req.Params["key"])
		assert.Equal(t, "2.0", req.JSONRPC)
	})

	tests := []struct {
		name    string
		data    string
		code    int
		message string
	}{
		{"malformed JSON", `{invalid json}`, ParseError, "Parse error"},
		{"missing id", `{"method":"test.method"}`, InvalidRequest, "missing id"},
		{"missing method", `{"id":"1"}`, InvalidRequest, "missing method"},
	}
	for _, tt := range tests {
		t.Run("should reject "+tt.name, func(t *testing.T) {
			_, err := router.ParseRequest([]byte(tt.data))
			require.Error(t, err)

			rpcErr, ok := err.(*RPCError)
			require.True(t, ok)
			assert.Equal(t, tt.code, rpcErr.Code)
			assert.Contains(t, rpcErr.Message, tt.message)
		})
	}
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()
	ctx := context.Background()

	require.NoError(t, router.RegisterMethod("test.echo", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"echo": params["input"]}, nil
	}))
	require.NoError(t, router.RegisterMethod("test.error", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return nil, fmt.Errorf("handler error")
	}))
	require.NoError(t, router.RegisterMethod("test.invalid", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return nil, invalidParams("Invalid params: userId (required)")
	}))

	t.Run("should route to registered handler", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{
			ID:     "1",
			Method: "test.echo",
			Params: map[string]interface{}{"input": "hello"},
		})
		assert.Equal(t, "1", resp.ID)
		require.Nil(t, resp.Error)
		assert.Equal(t, "hello", resp.Result.(map[string]interface{})["echo"])
	})

	t.Run("should return error for unknown method", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "2", Method: "unknown.method"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("should map plain errors to internal error", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "3", Method: "test.error"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "handler error")
	})

	t.Run("should keep RPC error codes", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "4", Method: "test.invalid"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("should reject nil request", func(t *testing.T) {
		resp := router.RouteRequest(ctx, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})
}

func TestRPCRouter_Idempotency(t *testing.T) {
	router := NewRPCRouter()
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	router.clock = func() time.Time { return now }

	calls := 0
	require.NoError(t, router.RegisterMethod("counter.next", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		calls++
		return calls, nil
	}))

	first := router.RouteRequest(context.Background(), &RPCRequest{ID: "a", Method: "counter.next", IdempotencyKey: "k1"})
	replay := router.RouteRequest(context.Background(), &RPCRequest{ID: "b", Method: "counter.next", IdempotencyKey: "k1"})
	assert.Equal(t, 1, first.Result)
	assert.Equal(t, 1, replay.Result)
	assert.Equal(t, "b", replay.ID)
	assert.Equal(t, 1, calls)

	other := router.RouteRequest(context.Background(), &RPCRequest{ID: "c", Method: "counter.next", IdempotencyKey: "k2"})
	assert.Equal(t, 2, other.Result)

	now = now.Add(DefaultIdempotencyTTL + time.Second)
	expired := router.RouteRequest(context.Background(), &RPCRequest{ID: "d", Method: "counter.next", IdempotencyKey: "k1"})
	assert.Equal(t, 3, expired.Result)
}

func TestRPCRouter_GetMethods(t *testing.T) {
	router := NewRPCRouter()
	assert.Empty(t, router.GetMethods())

	handler := func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return nil, nil
	}
	router.RegisterMethod("b.method", handler)
	router.RegisterMethod("a.method", handler)

	assert.Equal(t, []string{"a.method", "b.method"}, router.GetMethods())
}

func TestClientIDContext(t *testing.T) {
	assert.Empty(t, ClientIDFromContext(context.Background()))
	assert.Equal(t, "c-1", ClientIDFromContext(withClientID(context.Background(), "c-1")))
}
