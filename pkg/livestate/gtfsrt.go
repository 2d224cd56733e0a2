package livestate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/harun/halte/internal/observability"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/proto"
)

// SourceGTFSRT tags positions decoded from a GTFS-Realtime feed.
const SourceGTFSRT = "gtfs-rt"

const maxFeedBytes = 16 << 20

// DecodeVehiclePositions extracts bus positions from a GTFS-Realtime
// FeedMessage. The bus id is the vehicle id (falling back to the entity id),
// or the trip's route id when useRouteID is set. Entities without a position
// are skipped. Speed is converted from m/s to km/h.
func DecodeVehiclePositions(data []byte, useRouteID bool) ([]BusPosition, error) {
	var fm gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(data, &fm); err != nil {
		return nil, fmt.Errorf("failed to decode feed: %w", err)
	}

	headerTS := fm.GetHeader().GetTimestamp()

	out := make([]BusPosition, 0, len(fm.GetEntity()))
	for _, e := range fm.GetEntity() {
		if e.GetIsDeleted() {
			continue
		}
		vp := e.GetVehicle()
		if vp == nil || vp.GetPosition() == nil {
			continue
		}

		id := vp.GetVehicle().GetId()
		if id == "" {
			id = e.GetId()
		}
		if useRouteID {
			if rid := vp.GetTrip().GetRouteId(); rid != "" {
				id = rid
			}
		}
		if id == "" {
			continue
		}

		ts := vp.GetTimestamp()
		if ts == 0 {
			ts = headerTS
		}
		var last time.Time
		if ts > 0 {
			last = time.Unix(int64(ts), 0)
		}

		pos := vp.GetPosition()
		p := BusPosition{
			BusID:      id,
			Latitude:   float64(pos.GetLatitude()),
			Longitude:  float64(pos.GetLongitude()),
			Speed:      float64(pos.GetSpeed()) * 3.6,
			Heading:    float64(pos.GetBearing()),
			LastUpdate: last,
			Source:     SourceGTFSRT,
		}
		if p.Validate() != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// FeedPollerOptions configures a FeedPoller.
type FeedPollerOptions struct {
	URL        string
	Headers    map[string]string
	Timeout    time.Duration
	UseRouteID bool
	Client     *http.Client
}

// FeedPoller fetches a GTFS-Realtime vehicle positions feed into a Tracker.
type FeedPoller struct {
	opts    FeedPollerOptions
	client  *http.Client
	tracker *Tracker
}

// NewFeedPoller creates a poller. A zero Timeout defaults to 10s.
func NewFeedPoller(tracker *Tracker, opts FeedPollerOptions) *FeedPoller {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &FeedPoller{opts: opts, client: client, tracker: tracker}
}

// Poll fetches the feed once and applies every decoded position. It returns
// the number of positions accepted.
func (p *FeedPoller) Poll(ctx context.Context) (int, error) {
	n, err := p.poll(ctx)
	observability.RecordFeedPoll(err == nil)
	if err != nil {
		log.Warn().Err(err).Str("url", p.opts.URL).Msg("GTFS-RT poll failed")
		return 0, err
	}
	log.Debug().Int("positions", n).Msg("GTFS-RT poll complete")
	return n, nil
}

func (p *FeedPoller) poll(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build feed request: %w", err)
	}
	req.Header.Set("Accept", "application/x-protobuf")
	for k, v := range p.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return 0, fmt.Errorf("failed to read feed: %w", err)
	}

	positions, err := DecodeVehiclePositions(data, p.opts.UseRouteID)
	if err != nil {
		return 0, err
	}

	accepted := 0
	for _, pos := range positions {
		if err := p.tracker.UpdatePosition(pos); err == nil {
			accepted++
		}
	}
	return accepted, nil
}
