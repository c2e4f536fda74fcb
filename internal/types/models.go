package types

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// TorrentSummary is one row of the backend's torrent list
type TorrentSummary struct {
	InfoHash        string  `json:"infoHash"`
	JobID           string  `json:"jobId,omitempty"` // Empty for torrents that are only seeding
	FileName        string  `json:"fileName,omitempty"`
	Status          string  `json:"status,omitempty"`
	Progress        float64 `json:"progress"` // Percentage 0-100
	DownloadSpeed   float64 `json:"downloadSpeed,omitempty"`
	CompletedPieces int     `json:"completedPieces,omitempty"`
	TotalPieces     int     `json:"totalPieces,omitempty"`
	Type            string  `json:"type,omitempty"` // "download" or "seeding"
}

// PeerAddress is a swarm member as reported by the peers endpoint
type PeerAddress struct {
	IP   string `json:"ip"`
	Port Port   `json:"port"`
}

// Port decodes from either a JSON number or a numeric string.
type Port int

func (p *Port) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = Port(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("port: %w", err)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("port %q: %w", s, err)
	}
	*p = Port(n)
	return nil
}

// PeerList is the body of GET /torrents/{hash}/peers
type PeerList struct {
	InfoHash string        `json:"infoHash"`
	Peers    []PeerAddress `json:"peers"`
	Count    int           `json:"count"`
}

// StartResult is returned when a download job is created
type StartResult struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// FetchedFile describes a completed job's file saved to disk
type FetchedFile struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"` // Sniffed from the first bytes
	Extension   string `json:"extension,omitempty"`
}

// TorrentInfo is the metadata the backend parsed from a .torrent file
type TorrentInfo struct {
	Name        string `json:"name"`
	TrackerURL  string `json:"trackerUrl,omitempty"`
	Announce    string `json:"announce,omitempty"` // Older backends use the bencode key
	Length      int64  `json:"length"`
	PieceLength int64  `json:"pieceLength"`
	PieceCount  int    `json:"pieceCount"`
	InfoHash    string `json:"infoHash"`
}

// Tracker returns the announce URL under either key.
func (i TorrentInfo) Tracker() string {
	if i.TrackerURL != "" {
		return i.TrackerURL
	}
	return i.Announce
}

// SeedResult is returned when a seeding session starts
type SeedResult struct {
	Status   string `json:"status"`
	InfoHash string `json:"infoHash"`
	FilePath string `json:"filePath,omitempty"` // Where the backend keeps the data
	Message  string `json:"message,omitempty"`
}

// Health is the body of GET / on the API
type Health struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
