package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/halte/pkg/agent"
	"github.com/harun/halte/pkg/livestate"
	"github.com/harun/halte/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTurns struct {
	mu        sync.Mutex
	locations []*session.Location
	resets    []string
}

func (f *fakeTurns) HandleTurn(ctx context.Context, userID, text string, location *session.Location) agent.TurnResult {
	f.mu.Lock()
	f.locations = append(f.locations, location)
	f.mu.Unlock()
	return agent.TurnResult{
		Reply:   "echo: " + text,
		Summary: session.Summary{UserID: userID, MessageCount: 2, HasLocation: location != nil},
	}
}

func (f *fakeTurns) ResetSession(ctx context.Context, userID string) error {
	f.mu.Lock()
	f.resets = append(f.resets, userID)
	f.mu.Unlock()
	return nil
}

func (f *fakeTurns) snapshot() ([]*session.Location, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*session.Location(nil), f.locations...), append([]string(nil), f.resets...)
}

func (f *fakeTurns) Status(userID string) session.Summary {
	return session.Summary{UserID: userID}
}

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *fakeTurns, *livestate.Tracker, *httptest.Server) {
	t.Helper()

	turns := &fakeTurns{}
	tracker := livestate.NewTracker(livestate.TrackerOptions{})
	logger := zerolog.Nop()

	cfg := Config{
		Address: "127.0.0.1:0",
		Turns:   turns,
		Live:    tracker,
		Logger:  &logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, turns, tracker, ts
}

func postRPC(t *testing.T, url string, body string) (int, RPCResponse) {
	t.Helper()

	resp, err := http.Post(url+"/rpc", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{Address: ":0"})
	assert.Error(t, err)

	_, err = NewServer(Config{Turns: &fakeTurns{}})
	assert.Error(t, err)
}

func TestServerChatMethods(t *testing.T) {
	_, turns, _, ts := newTestServer(t, nil)

	t.Run("chat.send returns reply and summary", func(t *testing.T) {
		code, resp := postRPC(t, ts.URL,
			`{"id":"1","method":"chat.send","params":{"userId":"rider-1","text":"hi","location":{"lat":1.5,"lng":2.5}}}`)
		require.Equal(t, http.StatusOK, code)
		require.Nil(t, resp.Error)

		result := resp.Result.(map[string]interface{})
		assert.Equal(t, "echo: hi", result["replyText"])
		summary := result["sessionSummary"].(map[string]interface{})
		assert.Equal(t, true, summary["hasLocation"])

		locations, _ := turns.snapshot()
		require.Len(t, locations, 1)
		assert.Equal(t, &session.Location{Lat: 1.5, Lng: 2.5}, locations[0])
	})

	t.Run("chat.send validates params", func(t *testing.T) {
		_, resp := postRPC(t, ts.URL, `{"id":"2","method":"chat.send","params":{"userId":"rider-1"}}`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "Text")

		_, resp = postRPC(t, ts.URL,
			`{"id":"3","method":"chat.send","params":{"userId":"rider-1","text":"hi","location":{"lat":95,"lng":0}}}`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("chat.reset", func(t *testing.T) {
		_, resp := postRPC(t, ts.URL, `{"id":"4","method":"chat.reset","params":{"userId":"rider-1"}}`)
		require.Nil(t, resp.Error)
		_, resets := turns.snapshot()
		assert.Equal(t, []string{"rider-1"}, resets)
	})

	t.Run("session.status", func(t *testing.T) {
		_, resp := postRPC(t, ts.URL, `{"id":"5","method":"session.status","params":{"userId":"rider-9"}}`)
		require.Nil(t, resp.Error)
		assert.Equal(t, "rider-9", resp.Result.(map[string]interface{})["userId"])
	})

	t.Run("parse errors are bad requests", func(t *testing.T) {
		code, resp := postRPC(t, ts.URL, `{"method":"chat.send"}`)
		assert.Equal(t, http.StatusBadRequest, code)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})

	t.Run("only POST is accepted", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/rpc")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestServerBusMethods(t *testing.T) {
	_, _, tracker, ts := newTestServer(t, nil)

	tracker.SetRoutes([]livestate.Route{{
		BusID: "BUS-1",
		Stops: []livestate.Stop{{Name: "A"}, {Name: "B", Latitude: 0.01}},
	}})

	_, resp := postRPC(t, ts.URL,
		`{"id":"1","method":"bus.update","params":{"busId":"BUS-1","latitude":1.0,"longitude":2.0,"speed":30}}`)
	require.Nil(t, resp.Error)

	_, resp = postRPC(t, ts.URL,
		`{"id":"2","method":"bus.update","params":{"busId":"BUS-2","latitude":120,"longitude":2.0}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	_, resp = postRPC(t, ts.URL, `{"id":"3","method":"bus.list"}`)
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.EqualValues(t, 1, result["count"])
	bus := result["buses"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "BUS-1", bus["busId"])
	assert.Equal(t, SourceGateway, bus["source"])

	_, resp = postRPC(t, ts.URL, `{"id":"4","method":"routes.list"}`)
	require.Nil(t, resp.Error)
	assert.EqualValues(t, 1, resp.Result.(map[string]interface{})["count"])
}

func TestServerWithoutLiveState(t *testing.T) {
	_, _, _, ts := newTestServer(t, func(c *Config) { c.Live = nil })

	_, resp := postRPC(t, ts.URL, `{"id":"1","method":"bus.list"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestServerHTTPRateLimit(t *testing.T) {
	_, _, _, ts := newTestServer(t, func(c *Config) {
		c.RateLimit = 0.001
		c.RateBurst = 1
	})

	code, _ := postRPC(t, ts.URL, `{"id":"1","method":"session.status","params":{"userId":"u"}}`)
	assert.Equal(t, http.StatusOK, code)

	code, resp := postRPC(t, ts.URL, `{"id":"2","method":"session.status","params":{"userId":"u"}}`)
	assert.Equal(t, http.StatusTooManyRequests, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, RateLimitExceeded, resp.Error.Code)
}

func TestServerHealth(t *testing.T) {
	_, _, tracker, ts := newTestServer(t, nil)
	require.NoError(t, tracker.UpdatePosition(livestate.BusPosition{BusID: "BUS-1", Latitude: 1, Longitude: 1}))

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["activeBuses"])
}

func TestServerWebSocket(t *testing.T) {
	s, _, tracker, ts := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var hello EventMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, EventConnected, hello.Event)

	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID:     "ws-1",
		Method: MethodChatSend,
		Params: map[string]interface{}{"userId": "rider-1", "text": "hello"},
	}))

	var resp RPCResponse
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "ws-1", resp.ID)
	require.Nil(t, resp.Error)
	assert.Equal(t, "echo: hello", resp.Result.(map[string]interface{})["replyText"])

	require.Eventually(t, func() bool { return len(s.GetConnectedClients()) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, tracker.UpdatePosition(livestate.BusPosition{BusID: "BUS-7", Latitude: 3, Longitude: 4}))

	var event EventMessage
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, EventBusPosition, event.Event)
	assert.Equal(t, "BUS-7", event.Data.(map[string]interface{})["busId"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	var parseErr RPCResponse
	require.NoError(t, conn.ReadJSON(&parseErr))
	require.NotNil(t, parseErr.Error)
	assert.Equal(t, ParseError, parseErr.Error.Code)
}

func TestServerBusWatch(t *testing.T) {
	_, _, tracker, ts := newTestServer(t, nil)

	t.Run("requires a websocket client", func(t *testing.T) {
		_, resp := postRPC(t, ts.URL, `{"id":"w1","method":"bus.watch","params":{"busIds":["BUS-7"]}}`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("filters bus.position events", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

		var hello EventMessage
		require.NoError(t, conn.ReadJSON(&hello))

		require.NoError(t, conn.WriteJSON(RPCRequest{
			ID:     "w2",
			Method: MethodBusWatch,
			Params: map[string]interface{}{"busIds": []string{"BUS-7"}},
		}))
		var resp RPCResponse
		require.NoError(t, conn.ReadJSON(&resp))
		require.Nil(t, resp.Error)
		assert.Equal(t, false, resp.Result.(map[string]interface{})["all"])

		require.NoError(t, tracker.UpdatePosition(livestate.BusPosition{BusID: "BUS-9", Latitude: 1, Longitude: 1}))
		require.NoError(t, tracker.UpdatePosition(livestate.BusPosition{BusID: "bus-7", Latitude: 2, Longitude: 2}))

		var event struct {
			Event string        `json:"event"`
			Data  PositionEvent `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&event))
		assert.Equal(t, EventBusPosition, event.Event)
		assert.Equal(t, "bus-7", event.Data.BusID)
		assert.InDelta(t, 2.0, event.Data.Latitude, 1e-9)
	})
}

func TestServerShutdown(t *testing.T) {
	s, _, _, ts := newTestServer(t, nil)

	require.NoError(t, s.Shutdown(context.Background(), nil))

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestOriginChecker(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, originChecker(nil)(req("https://evil.example")))

	check := originChecker([]string{"https://app.halte.example/"})
	assert.True(t, check(req("https://app.halte.example")))
	assert.True(t, check(req("")))
	assert.False(t, check(req("https://evil.example")))

	assert.True(t, originChecker([]string{"*"})(req("https://any.example")))
}
