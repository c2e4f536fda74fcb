package tui

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/bitdash/bitdash/internal/events"
	"github.com/bitdash/bitdash/internal/telemetry"
	"github.com/bitdash/bitdash/internal/utils"
)

// refreshTickMsg triggers a periodic torrent list refresh
type refreshTickMsg struct{}

// watchClosedMsg is sent when the store stops delivering updates
type watchClosedMsg struct{}

// backendDoneMsg wraps the result of a backend call so in-flight calls can
// be counted. Msg may be nil.
type backendDoneMsg struct {
	Msg tea.Msg
}

func listenForUpdates(ctx context.Context, updates <-chan telemetry.Update) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-ctx.Done():
			return watchClosedMsg{}
		case u, ok := <-updates:
			if !ok {
				return watchClosedMsg{}
			}
			return events.FromUpdate(u)
		}
	}
}

func scheduleRefresh(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg {
		return refreshTickMsg{}
	})
}

func newAlert(level events.AlertLevel, format string, args ...any) events.AlertMsg {
	return events.AlertMsg{
		ID:    uuid.NewString(),
		Level: level,
		Text:  fmt.Sprintf(format, args...),
		At:    time.Now(),
	}
}

func alertCmd(a events.AlertMsg) tea.Cmd {
	return func() tea.Msg { return a }
}

func expireAlert(id string, ttl time.Duration) tea.Cmd {
	return tea.Tick(ttl, func(time.Time) tea.Msg {
		return events.AlertExpiredMsg{ID: id}
	})
}

// call runs fn off the update loop and counts it as in flight until its
// result arrives.
func (m *RootModel) call(fn func(ctx context.Context) tea.Msg) tea.Cmd {
	m.inflight++
	ctx := m.ctx
	return func() tea.Msg {
		return backendDoneMsg{Msg: fn(ctx)}
	}
}

func (m *RootModel) fetchTorrents() tea.Cmd {
	backend := m.backend
	return m.call(func(ctx context.Context) tea.Msg {
		list, err := backend.ListTorrents(ctx)
		return events.TorrentsMsg{Torrents: list, Err: err}
	})
}

// trackJob seeds jobID and opens its live stream. The seeded snapshot and
// everything after it reach the model through the store watcher.
func (m *RootModel) trackJob(jobID string) tea.Cmd {
	delete(m.gone, jobID)
	store := m.store
	return m.call(func(ctx context.Context) tea.Msg {
		if _, err := store.Track(ctx, jobID); err != nil {
			return events.SeedFailedMsg{JobID: jobID, Err: err}
		}
		return nil
	})
}

func (m *RootModel) ping() tea.Cmd {
	backend := m.backend
	return m.call(func(ctx context.Context) tea.Msg {
		h, err := backend.Ping(ctx)
		return events.HealthMsg{Health: h, Err: err}
	})
}

func (m *RootModel) inspectTorrent(torrentPath string) tea.Cmd {
	backend := m.backend
	return m.call(func(ctx context.Context) tea.Msg {
		info, err := backend.Info(ctx, torrentPath)
		if err != nil {
			return newAlert(events.AlertError, "Could not read torrent: %s", describeCloseErr(err))
		}
		return events.TorrentInfoMsg{Path: torrentPath, Info: info}
	})
}

func (m *RootModel) seedTorrent(torrentPath, dataPath string) tea.Cmd {
	backend := m.backend
	return m.call(func(ctx context.Context) tea.Msg {
		res, err := backend.Seed(ctx, torrentPath, dataPath)
		if err != nil {
			return newAlert(events.AlertError, "Could not start seeding: %s", describeCloseErr(err))
		}
		return events.SeedStartedMsg{Result: res}
	})
}

func (m *RootModel) createTorrent(payloadPath, name string) tea.Cmd {
	backend, dir := m.backend, m.downloadDir
	return m.call(func(ctx context.Context) tea.Msg {
		f, err := backend.CreateTorrent(ctx, payloadPath, name, dir)
		if err != nil {
			return newAlert(events.AlertError, "Could not create torrent: %s", describeCloseErr(err))
		}
		return events.TorrentCreatedMsg{File: f}
	})
}

func (m *RootModel) startDownload(torrentPath, outputName string) tea.Cmd {
	backend := m.backend
	return m.call(func(ctx context.Context) tea.Msg {
		res, err := backend.StartDownload(ctx, torrentPath, outputName)
		if err != nil {
			return newAlert(events.AlertError, "Could not start download: %v", err)
		}
		return events.DownloadStartedMsg{JobID: res.JobID, Torrent: torrentPath}
	})
}

func (m *RootModel) removeTorrent(infoHash string) tea.Cmd {
	backend, store := m.backend, m.store
	return m.call(func(ctx context.Context) tea.Msg {
		if err := backend.RemoveTorrent(ctx, infoHash); err != nil {
			return newAlert(events.AlertError, "Remove failed: %v", err)
		}
		return events.TorrentRemovedMsg{InfoHash: infoHash, Discarded: store.DiscardInfoHash(infoHash)}
	})
}

func (m *RootModel) announce(infoHash string) tea.Cmd {
	backend := m.backend
	return m.call(func(ctx context.Context) tea.Msg {
		if err := backend.Announce(ctx, infoHash); err != nil {
			return newAlert(events.AlertError, "Announce failed: %v", err)
		}
		return newAlert(events.AlertSuccess, "Announce sent for %s", utils.ShortHash(infoHash, 10))
	})
}

func (m *RootModel) loadSwarm(infoHash string) tea.Cmd {
	backend := m.backend
	return m.call(func(ctx context.Context) tea.Msg {
		list, err := backend.Peers(ctx, infoHash)
		if list.InfoHash == "" {
			list.InfoHash = infoHash
		}
		return events.PeersMsg{List: list, Err: err}
	})
}

func (m *RootModel) fetchFile(jobID string) tea.Cmd {
	backend, dir := m.backend, m.downloadDir
	return m.call(func(ctx context.Context) tea.Msg {
		f, err := backend.FetchFile(ctx, jobID, dir)
		if err != nil {
			return newAlert(events.AlertError, "Fetch failed: %v", err)
		}
		return events.FileFetchedMsg{JobID: jobID, File: f}
	})
}

func (m RootModel) copyToClipboard(text string) tea.Cmd {
	write := m.copy
	return func() tea.Msg {
		if err := write(text); err != nil {
			return newAlert(events.AlertError, "Clipboard unavailable: %v", err)
		}
		return newAlert(events.AlertInfo, "Copied %s", text)
	}
}

// describeCloseErr renders the reason a stream ended for an alert.
func describeCloseErr(err error) string {
	var te *telemetry.TransportError
	if errors.As(err, &te) && te.Message != "" {
		return te.Message
	}
	if err != nil {
		return err.Error()
	}
	return "connection closed"
}
