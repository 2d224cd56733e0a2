package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/halte/internal/observability"
	"github.com/harun/halte/pkg/livestate"
	"github.com/rs/zerolog"
)

// PositionEvent is the bus.position payload.
type PositionEvent struct {
	BusID     string  `json:"busId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed"`
	Heading   float64 `json:"heading"`
	Source    string  `json:"source,omitempty"`
	UpdatedAt int64   `json:"updatedAt"` // unix ms
}

// NewPositionEvent maps a tracker update onto the wire payload.
func NewPositionEvent(p livestate.BusPosition) PositionEvent {
	updated := p.LastUpdate
	if updated.IsZero() {
		updated = time.Now()
	}
	return PositionEvent{
		BusID:     p.BusID,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Speed:     p.Speed,
		Heading:   p.Heading,
		Source:    p.Source,
		UpdatedAt: updated.UnixMilli(),
	}
}

// Delivery is the outcome of one broadcast. Skipped counts clients whose
// bus watch list excluded the event.
type Delivery struct {
	Seq       int64
	Delivered int
	Failed    int
	Skipped   int
}

// EventBroadcaster fans server events out to websocket clients. A client
// whose write fails is closed and dropped from the registry; its read loop
// then ends on the closed connection.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
}

// NewEventBroadcaster creates a broadcaster over the given registry.
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to every client.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) Delivery {
	return b.send(event, data, nil)
}

// BroadcastPosition sends bus.position to clients watching the bus.
func (b *EventBroadcaster) BroadcastPosition(p livestate.BusPosition) Delivery {
	return b.send(EventBusPosition, NewPositionEvent(p), func(c *Client) bool {
		return c.Watches(p.BusID)
	})
}

func (b *EventBroadcaster) send(event string, data interface{}, include func(*Client) bool) Delivery {
	d := Delivery{Seq: b.seq.Add(1)}

	frame, err := json.Marshal(EventMessage{
		Type:      "event",
		Event:     event,
		Seq:       d.Seq,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Int64("seq", d.Seq).Msg("Failed to marshal event")
		return d
	}

	for _, client := range b.clients.GetAll() {
		if include != nil && !include(client) {
			d.Skipped++
			continue
		}
		if err := client.WriteMessage(websocket.TextMessage, frame); err != nil {
			d.Failed++
			b.logger.Warn().
				Err(err).
				Str("client_id", client.ID).
				Str("event", event).
				Msg("Dropping client after failed event write")
			_ = client.Conn.Close()
			b.clients.Remove(client.ID)
			continue
		}
		d.Delivered++
	}

	observability.RecordEventDelivery(event, d.Delivered, d.Failed)
	if d.Delivered+d.Failed > 0 {
		b.logger.Debug().
			Str("event", event).
			Int64("seq", d.Seq).
			Int("delivered", d.Delivered).
			Int("failed", d.Failed).
			Int("skipped", d.Skipped).
			Msg("Event broadcast")
	}
	return d
}
