package tui

import (
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/bitdash/bitdash/internal/events"
	"github.com/bitdash/bitdash/internal/telemetry"
	"github.com/bitdash/bitdash/internal/utils"
)

// Update handles messages and updates the model
func (m RootModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case backendDoneMsg:
		if m.inflight > 0 {
			m.inflight--
		}
		if msg.Msg == nil {
			return m, nil
		}
		return m.Update(msg.Msg)

	case refreshTickMsg:
		if !m.settings.Dashboard.AutoRefresh {
			return m, nil
		}
		cmd := tea.Batch(m.fetchTorrents(), scheduleRefresh(m.refreshInterval()))
		return m, cmd

	case watchClosedMsg:
		m.updates = nil
		return m, nil

	case events.TorrentsMsg:
		m.loaded = true
		if msg.Err != nil {
			first := m.listErr == nil
			m.listErr = msg.Err
			m.logger.Warn().Err(msg.Err).Msg("torrent list refresh failed")
			if first {
				cmds = append(cmds, alertCmd(newAlert(events.AlertError, "Backend unreachable: %s", describeCloseErr(msg.Err))))
			}
			return m, tea.Batch(cmds...)
		}
		m.listErr = nil
		m.torrents = msg.Torrents
		listed := make(map[string]bool, len(m.torrents))
		for _, t := range m.torrents {
			if t.JobID == "" {
				continue
			}
			listed[t.JobID] = true
			if j, ok := m.jobs[t.JobID]; ok {
				j.Listed = true
			}
			if telemetry.ParseStatus(t.Status).Terminal() {
				continue
			}
			if m.store.Phase(t.JobID) == telemetry.PhaseUnseeded {
				m.job(t.JobID).Listed = true
				cmds = append(cmds, m.trackJob(t.JobID))
			}
		}
		// Jobs started here may never be listed; only those that were
		// listed before and have now left the backend are dropped.
		for id, j := range m.jobs {
			if j.Listed && !listed[id] {
				m.store.Discard(id)
				m.forget(id)
				m.logger.Debug().Str("job_id", id).Msg("job left the torrent list")
			}
		}
		m.syncTables()
		return m, tea.Batch(cmds...)

	case events.SnapshotMsg:
		if m.dropped(msg.JobID) {
			return m, listenForUpdates(m.ctx, m.updates)
		}
		j := m.job(msg.JobID)
		j.Snapshot = msg.Snapshot
		j.Closed = nil
		if speed, ok := msg.Snapshot.OverallDownloadSpeed.Get(); ok {
			j.SpeedHistory = append(j.SpeedHistory, speed)
			if len(j.SpeedHistory) > SpeedHistoryLen {
				j.SpeedHistory = j.SpeedHistory[len(j.SpeedHistory)-SpeedHistoryLen:]
			}
		}
		m.syncTables()
		return m, listenForUpdates(m.ctx, m.updates)

	case events.DecodeFailedMsg:
		if m.dropped(msg.JobID) {
			return m, listenForUpdates(m.ctx, m.updates)
		}
		m.job(msg.JobID).LastDecodeErr = msg.Err
		m.logger.Warn().Str("job_id", msg.JobID).Err(msg.Err).Msg("unreadable progress event")
		return m, listenForUpdates(m.ctx, m.updates)

	case events.StreamClosedMsg:
		if msg.Reason == telemetry.CloseDiscarded {
			delete(m.jobs, msg.JobID)
			delete(m.gone, msg.JobID)
			m.syncTables()
			return m, listenForUpdates(m.ctx, m.updates)
		}
		j := m.job(msg.JobID)
		closed := msg
		j.Closed = &closed
		j.Snapshot = msg.Snapshot
		m.syncTables()
		cmds = append(cmds, listenForUpdates(m.ctx, m.updates))

		switch {
		case msg.Reason == telemetry.CloseTerminal:
			status, _ := msg.Snapshot.Status.Get()
			if status == telemetry.StatusCompleted {
				cmds = append(cmds, alertCmd(newAlert(events.AlertSuccess, "%s completed", jobLabel(j))))
			} else {
				cmds = append(cmds, alertCmd(newAlert(events.AlertError, "%s %s", jobLabel(j), strings.ToLower(status.String()))))
			}
		case msg.Stale():
			m.logger.Warn().Str("job_id", msg.JobID).Str("reason", string(msg.Reason)).Err(msg.Err).Msg("live updates stopped")
			cmds = append(cmds, alertCmd(newAlert(events.AlertError,
				"Live updates for %s stopped (%s). Press t to resubscribe.", jobLabel(j), describeCloseErr(msg.Err))))
		}
		return m, tea.Batch(cmds...)

	case events.SeedFailedMsg:
		if errors.Is(msg.Err, telemetry.ErrJobDiscarded) || errors.Is(msg.Err, telemetry.ErrStoreClosed) {
			return m, nil
		}
		m.logger.Warn().Str("job_id", msg.JobID).Err(msg.Err).Msg("seed failed")
		return m, alertCmd(newAlert(events.AlertError, "Could not load %s: %s", msg.JobID, describeCloseErr(msg.Err)))

	case events.DownloadStartedMsg:
		m.job(msg.JobID)
		m.syncTables()
		cmd := tea.Batch(
			alertCmd(newAlert(events.AlertSuccess, "Started %s", msg.JobID)),
			m.trackJob(msg.JobID),
			m.fetchTorrents(),
		)
		return m, cmd

	case events.TorrentRemovedMsg:
		for _, id := range msg.Discarded {
			m.forget(id)
		}
		kept := m.torrents[:0:0]
		for _, t := range m.torrents {
			if !strings.EqualFold(t.InfoHash, msg.InfoHash) {
				kept = append(kept, t)
			}
		}
		m.torrents = kept
		delete(m.swarm, msg.InfoHash)
		m.syncTables()
		if m.state == DetailState {
			m.state = DashboardState
		}
		return m, alertCmd(newAlert(events.AlertSuccess, "Removed %s", utils.ShortHash(msg.InfoHash, 10)))

	case events.PeersMsg:
		if msg.Err != nil {
			return m, alertCmd(newAlert(events.AlertError, "Peer list failed: %s", describeCloseErr(msg.Err)))
		}
		m.swarm[msg.List.InfoHash] = msg.List
		return m, alertCmd(newAlert(events.AlertInfo, "%d peers known for %s", len(msg.List.Peers), utils.ShortHash(msg.List.InfoHash, 10)))

	case events.FileFetchedMsg:
		return m, alertCmd(newAlert(events.AlertSuccess, "Saved %s (%s)", msg.File.Path, utils.ConvertBytesToHumanReadable(msg.File.Size)))

	case events.HealthMsg:
		prev := m.healthErr
		m.healthErr = msg.Err
		if msg.Err != nil {
			m.logger.Warn().Err(msg.Err).Msg("backend health check failed")
			if prev == nil && m.listErr == nil {
				return m, alertCmd(newAlert(events.AlertError, "Backend check failed: %s", describeCloseErr(msg.Err)))
			}
			return m, nil
		}
		m.health = msg.Health
		if prev != nil {
			return m, alertCmd(newAlert(events.AlertInfo, "Backend reachable"))
		}
		return m, nil

	case events.TorrentInfoMsg:
		info := msg.Info
		return m, alertCmd(newAlert(events.AlertInfo, "%s: %d pieces, %s, hash %s",
			info.Name, info.PieceCount, utils.ConvertBytesToHumanReadable(info.Length), utils.ShortHash(info.InfoHash, 10)))

	case events.SeedStartedMsg:
		cmd := tea.Batch(
			alertCmd(newAlert(events.AlertSuccess, "Seeding %s", utils.ShortHash(msg.Result.InfoHash, 10))),
			m.fetchTorrents(),
		)
		return m, cmd

	case events.TorrentCreatedMsg:
		return m, alertCmd(newAlert(events.AlertSuccess, "Created %s", msg.File.Path))

	case events.AlertMsg:
		m.alerts = append(m.alerts, msg)
		return m, expireAlert(msg.ID, m.settings.Dashboard.AlertTTL)

	case events.AlertExpiredMsg:
		for i, a := range m.alerts {
			if a.ID == msg.ID {
				m.alerts = append(m.alerts[:i:i], m.alerts[i+1:]...)
				break
			}
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case tea.KeyMsg:
		switch m.state {
		case DashboardState:
			return m.updateDashboard(msg)
		case DetailState:
			return m.updateDetail(msg)
		case InputState:
			return m.updateInput(msg)
		case SettingsState:
			return m.updateSettings(msg)
		}
	}

	return m, tea.Batch(cmds...)
}

func (m RootModel) updateDashboard(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, Keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, Keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	case key.Matches(msg, Keys.Add):
		m.openForm(formDownload)
		return m, nil
	case key.Matches(msg, Keys.Inspect):
		m.openForm(formInfo)
		return m, nil
	case key.Matches(msg, Keys.Seed):
		m.openForm(formSeed)
		return m, nil
	case key.Matches(msg, Keys.Create):
		m.openForm(formCreate)
		return m, nil
	case key.Matches(msg, Keys.Settings):
		m.state = SettingsState
		m.SettingsSelectedRow = 0
		m.SettingsEditing = false
		return m, nil
	case key.Matches(msg, Keys.Refresh):
		cmd := tea.Batch(m.fetchTorrents(), m.ping())
		return m, cmd
	case key.Matches(msg, Keys.Details):
		if _, ok := m.SelectedTorrent(); ok {
			m.state = DetailState
		}
		return m, nil
	}

	if cmd, handled := m.jobAction(msg); handled {
		return m, cmd
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	m.syncDetailTables()
	return m, cmd
}

func (m RootModel) updateDetail(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "enter", "backspace":
		m.state = DashboardState
		return m, nil
	}
	if key.Matches(msg, Keys.Quit) {
		return m, tea.Quit
	}
	if cmd, handled := m.jobAction(msg); handled {
		return m, cmd
	}

	var cmd tea.Cmd
	m.peerTable, cmd = m.peerTable.Update(msg)
	return m, cmd
}

// jobAction handles keys that act on the selected torrent.
func (m *RootModel) jobAction(msg tea.KeyMsg) (tea.Cmd, bool) {
	t, ok := m.SelectedTorrent()

	switch {
	case key.Matches(msg, Keys.Track):
		if !ok || t.JobID == "" {
			return nil, true
		}
		if j := m.jobs[t.JobID]; j != nil {
			j.Closed = nil
		}
		return m.trackJob(t.JobID), true

	case key.Matches(msg, Keys.Remove):
		if !ok || t.InfoHash == "" {
			return alertCmd(newAlert(events.AlertInfo, "Info hash not known yet")), true
		}
		return m.removeTorrent(t.InfoHash), true

	case key.Matches(msg, Keys.Announce):
		if !ok || t.InfoHash == "" {
			return nil, true
		}
		return m.announce(t.InfoHash), true

	case key.Matches(msg, Keys.Swarm):
		if !ok || t.InfoHash == "" {
			return nil, true
		}
		return m.loadSwarm(t.InfoHash), true

	case key.Matches(msg, Keys.Fetch):
		if !ok || t.JobID == "" {
			return nil, true
		}
		if telemetry.ParseStatus(t.Status) != telemetry.StatusCompleted {
			return alertCmd(newAlert(events.AlertInfo, "%s is not completed yet", t.JobID)), true
		}
		return m.fetchFile(t.JobID), true

	case key.Matches(msg, Keys.Copy):
		if !ok || t.JobID == "" {
			return nil, true
		}
		return m.copyToClipboard(t.JobID), true
	}
	return nil, false
}

func (m RootModel) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, InputKeys.Cancel):
		m.state = DashboardState
		return m, nil

	case key.Matches(msg, InputKeys.Submit):
		cmd := m.submitForm()
		return m, cmd

	case key.Matches(msg, InputKeys.Next):
		m.focusInput((m.focusedInput + 1) % len(m.inputs))
		return m, nil

	case key.Matches(msg, InputKeys.Prev):
		m.focusInput((m.focusedInput + len(m.inputs) - 1) % len(m.inputs))
		return m, nil
	}

	var cmd tea.Cmd
	m.inputs[m.focusedInput], cmd = m.inputs[m.focusedInput].Update(msg)
	return m, cmd
}

// resize fits the tables to the terminal.
func (m *RootModel) resize() {
	listHeight := m.height - HeaderHeight - FooterHeight - 4
	m.table.SetHeight(max(listHeight, 5))
	m.table.SetWidth(max(int(float64(m.width-4)*ListWidthRatio)-4, 20))

	detailRows := max((m.height-HeaderHeight-FooterHeight)/3, 4)
	m.peerTable.SetHeight(detailRows)
	m.pieceTable.SetHeight(detailRows)
}

func jobLabel(j *JobView) string {
	if name, ok := j.Snapshot.FileName.Get(); ok && name != "" {
		return name
	}
	return j.ID
}
