package telemetry

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the Store.
var (
	ErrEmptyJobID   = errors.New("telemetry: empty job id")
	ErrJobTerminal  = errors.New("telemetry: job already reached a terminal status")
	ErrJobDiscarded = errors.New("telemetry: job was discarded while seeding")
	ErrStoreClosed  = errors.New("telemetry: store closed")
)

// TransportError is a network or HTTP failure on the pull or push path.
type TransportError struct {
	Op         string // "status", "stream", ...
	URL        string
	StatusCode int    // 0 when no response was received
	Message    string // server-provided error text, if any
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s %s: %d: %s", e.Op, e.URL, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: request failed (%d)", e.Op, e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: transport failure", e.Op, e.URL)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Source identifies which path produced a payload.
type Source string

const (
	SourcePull Source = "pull"
	SourcePush Source = "push"
)

// maxPayloadExcerpt bounds how much of a bad payload is kept for reporting.
const maxPayloadExcerpt = 256

// DecodeError reports a payload that could not be parsed as a snapshot.
// On the pull path it aborts the seed; on the push path it is reported and
// the stream stays open.
type DecodeError struct {
	JobID   string
	Source  Source
	Payload string
	Err     error
}

func newDecodeError(jobID string, src Source, payload []byte, err error) *DecodeError {
	excerpt := string(payload)
	if len(excerpt) > maxPayloadExcerpt {
		excerpt = excerpt[:maxPayloadExcerpt] + "..."
	}
	return &DecodeError{JobID: jobID, Source: src, Payload: excerpt, Err: err}
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s snapshot for job %s: %v", e.Source, e.JobID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ProtocolDrift reports a status value outside the known enumeration. It is
// logged, never fatal; the status is treated as non-terminal.
type ProtocolDrift struct {
	JobID  string
	Status Status
}

func (e *ProtocolDrift) Error() string {
	return fmt.Sprintf("job %s reported unknown status %q", e.JobID, string(e.Status))
}
