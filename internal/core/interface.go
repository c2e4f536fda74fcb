package core

import (
	"context"

	"github.com/bitdash/bitdash/internal/telemetry"
	"github.com/bitdash/bitdash/internal/types"
)

// Backend defines the operations the dashboard and CLI need from the
// BitTorrent API. The telemetry store consumes only the StatusFetcher half;
// everything else drives the torrent list and peer tools.
type Backend interface {
	telemetry.StatusFetcher

	// Ping reports whether the API is up.
	Ping(ctx context.Context) (types.Health, error)

	// ListTorrents returns active downloads and seeding torrents.
	ListTorrents(ctx context.Context) ([]types.TorrentSummary, error)

	// StartDownload uploads a .torrent file and returns the new job.
	StartDownload(ctx context.Context, torrentPath, outputName string) (types.StartResult, error)

	// Info parses a .torrent file on the backend without starting anything.
	Info(ctx context.Context, torrentPath string) (types.TorrentInfo, error)

	// Seed starts seeding dataPath as described by torrentPath.
	Seed(ctx context.Context, torrentPath, dataPath string) (types.SeedResult, error)

	// CreateTorrent builds a .torrent for payloadPath and saves it into dir.
	CreateTorrent(ctx context.Context, payloadPath, outputName, dir string) (types.FetchedFile, error)

	// FetchFile saves a completed job's file into dir.
	FetchFile(ctx context.Context, jobID, dir string) (types.FetchedFile, error)

	// Peers lists known swarm members for a torrent.
	Peers(ctx context.Context, infoHash string) (types.PeerList, error)

	// AddPeer registers a peer for a torrent by hand.
	AddPeer(ctx context.Context, infoHash, ip string, port int) error

	// Announce forces a tracker announce.
	Announce(ctx context.Context, infoHash string) error

	// RemoveTorrent stops and removes a torrent.
	RemoveTorrent(ctx context.Context, infoHash string) error
}
