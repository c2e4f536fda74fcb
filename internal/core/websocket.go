package core

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bitdash/bitdash/internal/telemetry"
)

// wsMessage is one frame on the progress socket: {"type": ..., "data": ...}.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// WebSocketStream receives progress events over a WebSocket instead of SSE.
type WebSocketStream struct {
	backend *RemoteBackend
	dialer  *websocket.Dialer
}

// NewWebSocketStream returns a WebSocket streamer bound to b.
func NewWebSocketStream(b *RemoteBackend) *WebSocketStream {
	return &WebSocketStream{
		backend: b,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
		},
	}
}

// socketURL maps the API base URL onto the ws/wss scheme.
func (s *WebSocketStream) socketURL(jobID string) string {
	u := s.backend.url(jobPath(jobID, "/ws"))
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// StreamProgress dials the progress socket of jobID. Like the SSE stream it
// never reconnects.
func (s *WebSocketStream) StreamProgress(ctx context.Context, jobID string) (<-chan telemetry.Frame, func(), error) {
	target := s.socketURL(jobID)

	header := http.Header{}
	if s.backend.Token != "" {
		header.Set("Authorization", "Bearer "+s.backend.Token)
	}

	conn, resp, err := s.dialer.DialContext(ctx, target, header)
	if err != nil {
		te := &telemetry.TransportError{Op: "stream", URL: target, Err: err}
		if resp != nil {
			te.StatusCode = resp.StatusCode
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			_ = resp.Body.Close()
			te.Message = parseErrorBody(body)
		}
		return nil, nil, te
	}

	ctx, cancel := context.WithCancel(ctx)
	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel()
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribed"),
				time.Now().Add(time.Second),
			)
			_ = conn.Close()
		})
	}

	// ReadMessage does not observe ctx; closing the conn unblocks it.
	go func() {
		<-ctx.Done()
		release()
	}()

	ch := make(chan telemetry.Frame)
	go func() {
		defer close(ch)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return
				}
				s.backend.logger.Debug().Err(err).Str("job_id", jobID).Msg("progress socket read failed")
				select {
				case ch <- telemetry.Frame{Err: &telemetry.TransportError{Op: "stream", URL: target, Err: err}}:
				case <-ctx.Done():
				}
				return
			}

			var msg wsMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				// Hand the raw payload on so the store reports it as a
				// decode failure without dropping the socket.
				msg = wsMessage{Type: telemetry.ProgressEvent, Data: payload}
			}

			select {
			case ch <- telemetry.Frame{Event: msg.Type, Data: msg.Data}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, release, nil
}
