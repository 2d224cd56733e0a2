package gateway

import (
	"context"

	"github.com/harun/halte/internal/tracing"
	"github.com/harun/halte/pkg/livestate"
	"github.com/harun/halte/pkg/session"
)

// SourceGateway tags positions reported through bus.update.
const SourceGateway = "gateway"

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod(MethodChatSend, s.handleChatSend)
	_ = s.RegisterMethod(MethodChatReset, s.handleChatReset)
	_ = s.RegisterMethod(MethodSessionStatus, s.handleSessionStatus)

	if s.live != nil {
		_ = s.RegisterMethod(MethodBusUpdate, s.handleBusUpdate)
		_ = s.RegisterMethod(MethodBusList, s.handleBusList)
		_ = s.RegisterMethod(MethodRoutesList, s.handleRoutesList)
		_ = s.RegisterMethod(MethodBusWatch, s.handleBusWatch)
	}
}

func (s *Server) handleChatSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p ChatSendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	var loc *session.Location
	if p.Location != nil {
		loc = &session.Location{Lat: p.Location.Lat, Lng: p.Location.Lng}
	}

	res := s.turns.HandleTurn(ctx, p.UserID, p.Text, loc)

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("client_id", ClientIDFromContext(ctx)).
		Bool("refused", res.Refused).
		Bool("retryable", res.Retryable).
		Msg("Chat turn answered")
	return res, nil
}

func (s *Server) handleChatReset(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p UserParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	if err := s.turns.ResetSession(ctx, p.UserID); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"userId": p.UserID,
		"reset":  true,
	}, nil
}

func (s *Server) handleSessionStatus(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p UserParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.turns.Status(p.UserID), nil
}

func (s *Server) handleBusUpdate(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p BusUpdateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	pos := livestate.BusPosition{
		BusID:     p.BusID,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Speed:     p.Speed,
		Heading:   p.Heading,
		Accuracy:  p.Accuracy,
		Source:    SourceGateway,
	}
	if err := s.live.UpdatePosition(pos); err != nil {
		return nil, invalidParams("%v", err)
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().Str("bus_id", p.BusID).Msg("Bus position accepted")

	return map[string]interface{}{
		"busId":    p.BusID,
		"accepted": true,
	}, nil
}

func (s *Server) handleBusList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	buses := s.live.ActiveBuses()
	return map[string]interface{}{
		"buses": buses,
		"count": len(buses),
	}, nil
}

func (s *Server) handleRoutesList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	routes := s.live.Routes()
	if routes == nil {
		routes = []livestate.Route{}
	}
	return map[string]interface{}{
		"routes": routes,
		"count":  len(routes),
	}, nil
}

// handleBusWatch narrows the calling websocket client's bus.position feed.
func (s *Server) handleBusWatch(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p BusWatchParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	client, ok := s.clients.Get(ClientIDFromContext(ctx))
	if !ok {
		return nil, invalidParams("%s requires a websocket connection", MethodBusWatch)
	}
	client.Watch(p.BusIDs)

	watching := p.BusIDs
	if watching == nil {
		watching = []string{}
	}
	return map[string]interface{}{
		"watching": watching,
		"all":      len(watching) == 0,
	}, nil
}
