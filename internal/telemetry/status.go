package telemetry

import (
	"encoding/json"
	"strings"
)

// Status is a job lifecycle state as reported by the backend. Values are
// normalized to upper case on decode because the status endpoint reports
// lower case while the progress stream reports upper case.
type Status string

// Known lifecycle states.
const (
	StatusPending     Status = "PENDING"
	StatusQueued      Status = "QUEUED"
	StatusDownloading Status = "DOWNLOADING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
)

// ParseStatus normalizes a raw status string.
func ParseStatus(raw string) Status {
	return Status(strings.ToUpper(strings.TrimSpace(raw)))
}

// InProgress reports whether more progress events are expected.
func (s Status) InProgress() bool {
	switch s {
	case StatusPending, StatusQueued, StatusDownloading:
		return true
	}
	return false
}

// Terminal reports whether s is a known terminal state. Unrecognized values
// are not terminal so the subscription stays open.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Known reports whether s belongs to the enumeration this client understands.
func (s Status) Known() bool {
	return s.InProgress() || s.Terminal()
}

func (s Status) String() string { return string(s) }

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ParseStatus(raw)
	return nil
}
