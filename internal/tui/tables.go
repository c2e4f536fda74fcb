package tui

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/table"

	"github.com/bitdash/bitdash/internal/telemetry"
	"github.com/bitdash/bitdash/internal/types"
	"github.com/bitdash/bitdash/internal/utils"
)

func newTorrentTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Name", Width: 24},
			{Title: "Status", Width: 12},
			{Title: "Done", Width: 7},
			{Title: "Speed", Width: 11},
			{Title: "Pieces", Width: 11},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(tableStyles())
	return t
}

func newPeerTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Peer", Width: 22},
			{Title: "Down", Width: 10},
			{Title: "Up", Width: 10},
			{Title: "Rate", Width: 11},
			{Title: "Pieces", Width: 9},
			{Title: "Choked", Width: 6},
		}),
		table.WithHeight(6),
	)
	t.SetStyles(tableStyles())
	return t
}

func newPieceTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Piece", Width: 7},
			{Title: "Source", Width: 24},
		}),
		table.WithHeight(6),
	)
	t.SetStyles(tableStyles())
	return t
}

// rows merges the backend's torrent list with jobs the store tracks. Live
// snapshot values win over the list, which is only refreshed periodically.
// Jobs the list does not know yet follow in job id order.
func (m RootModel) rows() []types.TorrentSummary {
	out := make([]types.TorrentSummary, 0, len(m.torrents)+len(m.jobs))
	listed := make(map[string]bool, len(m.torrents))

	for _, t := range m.torrents {
		if t.JobID != "" {
			listed[t.JobID] = true
			if j := m.jobs[t.JobID]; j != nil {
				t = overlaySnapshot(t, j.Snapshot)
			}
		}
		out = append(out, t)
	}

	var extra []string
	for id := range m.jobs {
		if !listed[id] {
			extra = append(extra, id)
		}
	}
	slices.Sort(extra)
	for _, id := range extra {
		out = append(out, overlaySnapshot(types.TorrentSummary{JobID: id, Type: "download"}, m.jobs[id].Snapshot))
	}
	return out
}

func overlaySnapshot(t types.TorrentSummary, s telemetry.JobSnapshot) types.TorrentSummary {
	if v, ok := s.InfoHash.Get(); ok && v != "" {
		t.InfoHash = v
	}
	if v, ok := s.FileName.Get(); ok && v != "" {
		t.FileName = v
	}
	if v, ok := s.Status.Get(); ok {
		t.Status = v.String()
	}
	if v, ok := s.Progress.Get(); ok {
		t.Progress = v
	}
	if v, ok := s.OverallDownloadSpeed.Get(); ok {
		t.DownloadSpeed = v
	}
	if v, ok := s.CompletedPieces.Get(); ok {
		t.CompletedPieces = v
	}
	if v, ok := s.TotalPieces.Get(); ok {
		t.TotalPieces = v
	}
	return t
}

func displayName(t types.TorrentSummary) string {
	switch {
	case t.FileName != "":
		return t.FileName
	case t.JobID != "":
		return t.JobID
	}
	return utils.ShortHash(t.InfoHash, 12)
}

// syncTables rebuilds table rows from the model. The torrent cursor is kept
// on the same job or hash when rows move.
func (m *RootModel) syncTables() {
	prev, hadPrev := m.SelectedTorrent()

	rows := m.rows()
	tableRows := make([]table.Row, 0, len(rows))
	cursor := m.table.Cursor()
	for i, t := range rows {
		status := strings.ToUpper(t.Status)
		if status == "" {
			status = strings.ToUpper(t.Type)
		}
		pieces := "-"
		if t.TotalPieces > 0 {
			pieces = fmt.Sprintf("%d/%d", t.CompletedPieces, t.TotalPieces)
		}
		tableRows = append(tableRows, table.Row{
			truncateString(displayName(t), 22),
			status,
			fmt.Sprintf("%.1f%%", t.Progress),
			utils.FormatSpeed(t.DownloadSpeed),
			pieces,
		})
		if hadPrev && sameTorrent(prev, t) {
			cursor = i
		}
	}
	m.visible = rows
	m.table.SetRows(tableRows)
	if len(tableRows) > 0 {
		m.table.SetCursor(min(max(cursor, 0), len(tableRows)-1))
	}

	m.syncDetailTables()
}

func sameTorrent(a, b types.TorrentSummary) bool {
	if a.JobID != "" || b.JobID != "" {
		return a.JobID == b.JobID
	}
	return strings.EqualFold(a.InfoHash, b.InfoHash)
}

// syncDetailTables fills the peer and piece tables for the selected job.
func (m *RootModel) syncDetailTables() {
	j := m.SelectedJob()
	if j == nil {
		m.peerTable.SetRows(nil)
		m.pieceTable.SetRows(nil)
		return
	}

	peers := j.Snapshot.Peers.Or(nil)
	peerRows := make([]table.Row, 0, len(peers))
	for _, p := range peers {
		choked := "no"
		if p.IsChoked {
			choked = "yes"
		}
		peerRows = append(peerRows, table.Row{
			truncateString(p.Label(), 20),
			utils.ConvertBytesToHumanReadable(p.BytesDownloaded),
			utils.ConvertBytesToHumanReadable(p.BytesUploaded),
			utils.FormatSpeed(p.DownloadSpeed),
			fmt.Sprintf("%d/%d", p.PiecesDownloaded, p.PiecesUploaded),
			choked,
		})
	}
	m.peerTable.SetRows(peerRows)

	indices := j.Snapshot.PieceSource.Indices()
	if limit := m.settings.Dashboard.PieceSourceLimit; limit > 0 && len(indices) > limit {
		indices = indices[len(indices)-limit:]
	}
	pieceRows := make([]table.Row, 0, len(indices))
	for _, idx := range indices {
		pieceRows = append(pieceRows, table.Row{idx, j.Snapshot.PieceSource[idx]})
	}
	m.pieceTable.SetRows(pieceRows)
}

func truncateString(s string, i int) string {
	runes := []rune(s)
	if len(runes) > i {
		return string(runes[:i]) + "..."
	}
	return s
}
