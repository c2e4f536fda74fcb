package core

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bitdash/bitdash/internal/telemetry"
)

const DefaultPollInterval = 2 * time.Second

// PollingStream emulates the progress stream by re-fetching the status
// endpoint. It is the fallback for backends or proxies that cannot hold a
// long-lived connection open.
type PollingStream struct {
	fetcher  telemetry.StatusFetcher
	interval time.Duration
}

// NewPollingStream polls fetcher every interval.
func NewPollingStream(fetcher telemetry.StatusFetcher, interval time.Duration) *PollingStream {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollingStream{fetcher: fetcher, interval: interval}
}

// StreamProgress emits one progress frame per changed status payload. A
// failed poll ends the stream with an error frame.
func (p *PollingStream) StreamProgress(ctx context.Context, jobID string) (<-chan telemetry.Frame, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	limiter := rate.NewLimiter(rate.Every(p.interval), 1)
	// The caller seeded moments ago; spend the initial token.
	limiter.Allow()

	ch := make(chan telemetry.Frame)
	go func() {
		defer close(ch)
		var last []byte
		for {
			if err := limiter.Wait(ctx); err != nil {
				return
			}

			body, err := p.fetcher.FetchStatus(ctx, jobID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case ch <- telemetry.Frame{Err: fmt.Errorf("poll %s: %w", jobID, err)}:
				case <-ctx.Done():
				}
				return
			}
			if bytes.Equal(body, last) {
				continue
			}
			last = body

			select {
			case ch <- telemetry.Frame{Event: telemetry.ProgressEvent, Data: body}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, cancel, nil
}

// Transport names accepted by NewStreamer.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
	TransportPoll      = "poll"
)

// NewStreamer builds the push transport named kind for b.
func NewStreamer(kind string, b *RemoteBackend, pollInterval time.Duration) (telemetry.ProgressStreamer, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", TransportSSE:
		return NewSSEStream(b), nil
	case TransportWebSocket, "ws":
		return NewWebSocketStream(b), nil
	case TransportPoll, "polling":
		return NewPollingStream(b, pollInterval), nil
	}
	return nil, fmt.Errorf("unknown transport %q (want sse, websocket or poll)", kind)
}
