package core

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bitdash/bitdash/internal/telemetry"
)

// SSEStream opens the server-sent-event progress stream of a job.
type SSEStream struct {
	backend *RemoteBackend
}

// NewSSEStream returns an SSE streamer bound to b.
func NewSSEStream(b *RemoteBackend) *SSEStream {
	return &SSEStream{backend: b}
}

// StreamProgress connects to the progress stream of jobID. It never
// reconnects: a dropped connection is delivered as a final frame with Err
// set, a clean server close simply closes the channel.
func (s *SSEStream) StreamProgress(ctx context.Context, jobID string) (<-chan telemetry.Frame, func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := s.backend.newRequest(ctx, http.MethodGet, jobPath(jobID, "/progress"), nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")

	resp, err := s.backend.doRequest(s.backend.StreamClient, "stream", req)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	ch := make(chan telemetry.Frame)
	go func() {
		defer close(ch)
		defer func() { _ = resp.Body.Close() }()

		err := readSSE(resp.Body, func(f telemetry.Frame) bool {
			select {
			case ch <- f:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err == nil || ctx.Err() != nil {
			return
		}
		s.backend.logger.Debug().Err(err).Str("job_id", jobID).Msg("event stream read failed")
		select {
		case ch <- telemetry.Frame{Err: &telemetry.TransportError{Op: "stream", URL: req.URL.String(), Err: err}}:
		case <-ctx.Done():
		}
	}()

	return ch, cancel, nil
}

// errStopped is returned by readSSE when emit asks it to stop.
var errStopped = errors.New("sse: stopped")

// readSSE parses an event stream and calls emit once per dispatched event.
// It returns nil when the stream ends cleanly.
func readSSE(r io.Reader, emit func(telemetry.Frame) bool) error {
	reader := bufio.NewReader(r)

	eventType := ""
	var data []string
	dispatch := func() bool {
		defer func() {
			eventType = ""
			data = data[:0]
		}()
		if len(data) == 0 {
			return true
		}
		name := eventType
		if name == "" {
			name = "message"
		}
		return emit(telemetry.Frame{Event: name, Data: []byte(strings.Join(data, "\n"))})
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		eof := errors.Is(err, io.EOF)
		if eof && line == "" {
			// An incomplete trailing event is discarded.
			return nil
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if !dispatch() {
				return errStopped
			}
		case strings.HasPrefix(line, ":"):
			// Comment or heartbeat.
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				eventType = value
			case "data":
				data = append(data, value)
			}
		}

		if eof {
			return nil
		}
	}
}
