package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/bitdash/bitdash/internal/telemetry"
	"github.com/bitdash/bitdash/internal/types"
)

// SnapshotMsg carries the merged snapshot of a job after a seed or push event
type SnapshotMsg struct {
	JobID    string
	Snapshot telemetry.JobSnapshot
}

// DecodeFailedMsg reports a push payload that could not be parsed. The
// stream that produced it is still open.
type DecodeFailedMsg struct {
	JobID string
	Err   error
}

func (m DecodeFailedMsg) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		JobID string `json:"JobID"`
		Err   string `json:"Err,omitempty"`
	}{m.JobID, errString(m.Err)})
}

func (m *DecodeFailedMsg) UnmarshalJSON(data []byte) error {
	var aux struct {
		JobID string          `json:"JobID"`
		Err   json.RawMessage `json:"Err"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.JobID = aux.JobID
	m.Err = decodeErr(aux.Err)
	return nil
}

// StreamClosedMsg signals that a job's push connection is gone
type StreamClosedMsg struct {
	JobID    string
	Reason   telemetry.CloseReason
	Snapshot telemetry.JobSnapshot
	Err      error
}

// Stale reports whether the job may still be changing on the server while
// the client no longer hears about it.
func (m StreamClosedMsg) Stale() bool {
	if m.Snapshot.Terminal() {
		return false
	}
	return m.Reason == telemetry.CloseTransport || m.Reason == telemetry.CloseEOF
}

func (m StreamClosedMsg) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		JobID    string                `json:"JobID"`
		Reason   telemetry.CloseReason `json:"Reason"`
		Snapshot telemetry.JobSnapshot `json:"Snapshot"`
		Err      string                `json:"Err,omitempty"`
	}{m.JobID, m.Reason, m.Snapshot, errString(m.Err)})
}

func (m *StreamClosedMsg) UnmarshalJSON(data []byte) error {
	var aux struct {
		JobID    string                `json:"JobID"`
		Reason   telemetry.CloseReason `json:"Reason"`
		Snapshot telemetry.JobSnapshot `json:"Snapshot"`
		Err      json.RawMessage       `json:"Err"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.JobID = aux.JobID
	m.Reason = aux.Reason
	m.Snapshot = aux.Snapshot
	m.Err = decodeErr(aux.Err)
	return nil
}

// SeedFailedMsg reports a failed pull for a job
type SeedFailedMsg struct {
	JobID string
	Err   error
}

// TorrentsMsg carries a refreshed torrent list
type TorrentsMsg struct {
	Torrents []types.TorrentSummary
	Err      error
}

// DownloadStartedMsg is sent when a .torrent upload created a job
type DownloadStartedMsg struct {
	JobID   string
	Torrent string
}

// TorrentRemovedMsg is sent after a torrent was removed on the server
type TorrentRemovedMsg struct {
	InfoHash  string
	Discarded []string // job ids dropped from the store
}

// FileFetchedMsg is sent once a completed job's file was saved locally
type FileFetchedMsg struct {
	JobID string
	File  types.FetchedFile
}

// HealthMsg carries the result of a backend ping
type HealthMsg struct {
	Health types.Health
	Err    error
}

// TorrentInfoMsg carries metadata the backend parsed from a .torrent file
type TorrentInfoMsg struct {
	Path string
	Info types.TorrentInfo
}

// SeedStartedMsg is sent when the backend started seeding a torrent
type SeedStartedMsg struct {
	Result types.SeedResult
}

// TorrentCreatedMsg is sent once a generated .torrent was saved locally
type TorrentCreatedMsg struct {
	File types.FetchedFile
}

// PeersMsg carries the peer list of a torrent
type PeersMsg struct {
	List types.PeerList
	Err  error
}

// AlertLevel classifies an alert
type AlertLevel string

const (
	AlertSuccess AlertLevel = "success"
	AlertError   AlertLevel = "error"
	AlertInfo    AlertLevel = "info"
)

// AlertMsg is a transient notice shown to the user
type AlertMsg struct {
	ID    string
	Level AlertLevel
	Text  string
	At    time.Time
}

// AlertExpiredMsg removes an alert once its TTL elapses
type AlertExpiredMsg struct {
	ID string
}

// FromUpdate maps a store update onto the message the UI consumes.
func FromUpdate(u telemetry.Update) any {
	switch u.Kind {
	case telemetry.UpdateDecodeError:
		return DecodeFailedMsg{JobID: u.JobID, Err: u.Err}
	case telemetry.UpdateClosed:
		return StreamClosedMsg{JobID: u.JobID, Reason: u.Reason, Snapshot: u.Snapshot, Err: u.Err}
	}
	return SnapshotMsg{JobID: u.JobID, Snapshot: u.Snapshot}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func decodeErr(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return errors.New(s)
	}
	if r := string(raw); r != "null" {
		return errors.New(r)
	}
	return nil
}
