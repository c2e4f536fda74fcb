package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"
)

// JobSnapshot is the last known state of one download job. Every attribute
// tracks whether the backend ever reported it, so a snapshot decoded from a
// push event doubles as a partial update.
type JobSnapshot struct {
	JobID                Opt[string]     `json:"jobId,omitzero"`
	InfoHash             Opt[string]     `json:"infoHash,omitzero"`
	FileName             Opt[string]     `json:"fileName,omitzero"`
	Status               Opt[Status]     `json:"status,omitzero"`
	Progress             Opt[float64]    `json:"progress,omitzero"`
	CompletedPieces      Opt[int]        `json:"completedPieces,omitzero"`
	TotalPieces          Opt[int]        `json:"totalPieces,omitzero"`
	OverallDownloadSpeed Opt[float64]    `json:"overallDownloadSpeed,omitzero"`
	StartTime            Opt[Millis]     `json:"startTime,omitzero"`
	LastUpdateTime       Opt[Millis]     `json:"lastUpdateTime,omitzero"`
	Peers                Opt[[]PeerStat] `json:"peers,omitzero"`
	PieceSource          PieceSource     `json:"pieceSource,omitempty"`
	ErrorMessage         Opt[string]     `json:"errorMessage,omitzero"`

	// Reported by the status endpoint once a job has completed.
	FilePath Opt[string] `json:"filePath,omitzero"`
	FileSize Opt[int64]  `json:"fileSize,omitzero"`
}

// PieceSource maps a piece index to the label of the peer that supplied it.
type PieceSource map[string]string

// Indices returns the piece indices in ascending numeric order. Keys that
// are not integers sort after the numeric ones, lexically.
func (p PieceSource) Indices() []string {
	keys := slices.Collect(maps.Keys(p))
	slices.SortFunc(keys, func(a, b string) int {
		ai, aerr := strconv.Atoi(a)
		bi, berr := strconv.Atoi(b)
		switch {
		case aerr == nil && berr == nil:
			return ai - bi
		case aerr == nil:
			return -1
		case berr == nil:
			return 1
		}
		return strings.Compare(a, b)
	})
	return keys
}

// PeerStat holds per-peer transfer counters for a job.
type PeerStat struct {
	Address          string  `json:"address,omitempty"`
	IP               string  `json:"ip"`
	Port             int     `json:"port"`
	BytesDownloaded  int64   `json:"bytesDownloaded"`
	BytesUploaded    int64   `json:"bytesUploaded"`
	PiecesDownloaded int64   `json:"piecesDownloaded"`
	PiecesUploaded   int64   `json:"piecesUploaded"`
	DownloadSpeed    float64 `json:"downloadSpeed"`
	UploadSpeed      float64 `json:"uploadSpeed,omitempty"`
	IsChoked         bool    `json:"isChoked"`
	IsInterested     bool    `json:"isInterested,omitempty"`
	PeerChoking      bool    `json:"peerChoking,omitempty"`
	PeerInterested   bool    `json:"peerInterested,omitempty"`
}

// Label returns host:port for display.
func (p PeerStat) Label() string {
	if p.IP == "" {
		return p.Address
	}
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

func (p *PeerStat) UnmarshalJSON(data []byte) error {
	type plain PeerStat
	var aux struct {
		plain
		Port json.RawMessage `json:"port"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = PeerStat(aux.plain)
	port, err := decodePort(aux.Port)
	if err != nil {
		return fmt.Errorf("peer %s: %w", p.IP, err)
	}
	p.Port = port
	return nil
}

// decodePort accepts a port as a JSON number or a numeric string; the
// backend uses both depending on the endpoint.
func decodePort(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		if s == "" {
			return 0, nil
		}
		return strconv.Atoi(s)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// Millis is a timestamp carried on the wire as epoch milliseconds.
type Millis struct {
	time.Time
}

// MillisOf wraps t.
func MillisOf(t time.Time) Millis { return Millis{Time: t} }

func (m Millis) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(m.UnixMilli(), 10)), nil
}

func (m *Millis) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		m.Time = t
		return nil
	}
	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}
	m.Time = time.UnixMilli(int64(ms))
	return nil
}

var errNotObject = errors.New("payload is not a JSON object")

// DecodeSnapshot parses a full or partial job snapshot.
func DecodeSnapshot(data []byte) (JobSnapshot, error) {
	var snap JobSnapshot
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return snap, errNotObject
	}
	if err := json.Unmarshal(trimmed, &snap); err != nil {
		return JobSnapshot{}, err
	}
	return snap, nil
}

func (s *JobSnapshot) UnmarshalJSON(data []byte) error {
	type plain JobSnapshot
	var aux struct {
		plain
		// The status endpoint reports failures under "error".
		Error Opt[string] `json:"error"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = JobSnapshot(aux.plain)
	if !s.ErrorMessage.Present() && aux.Error.Present() {
		s.ErrorMessage = aux.Error
	}
	if st, ok := s.Status.Get(); ok && st == "" {
		s.Status = Opt[Status]{}
	}
	return nil
}

// ID returns the job id, or "" when unknown.
func (s JobSnapshot) ID() string { return s.JobID.Or("") }

// Terminal reports whether the snapshot's status is a known terminal state.
func (s JobSnapshot) Terminal() bool {
	st, ok := s.Status.Get()
	return ok && st.Terminal()
}

// Clone returns a deep copy that shares no slices or maps with s.
func (s JobSnapshot) Clone() JobSnapshot {
	out := s
	if peers, ok := s.Peers.Get(); ok {
		out.Peers = Some(slices.Clone(peers))
	}
	if s.PieceSource != nil {
		out.PieceSource = maps.Clone(s.PieceSource)
	}
	return out
}
