package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bitdash/bitdash/internal/events"
	"github.com/bitdash/bitdash/internal/telemetry"
	"github.com/bitdash/bitdash/internal/tui/components"
	"github.com/bitdash/bitdash/internal/types"
	"github.com/bitdash/bitdash/internal/utils"
)

func (m RootModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	// === Handle Modal States First ===

	if m.state == InputState {
		spec := formSpecs[m.form]
		labelStyle := lipgloss.NewStyle().Width(10).Foreground(ColorLightGray)
		rows := []string{""}
		for i, f := range spec.fields {
			rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render(f.label), m.inputs[i].View()), "")
		}
		rows = append(rows, "", m.help.View(InputKeys))
		paddedContent := lipgloss.NewStyle().Padding(0, 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
		box := renderBtopBox(spec.title, paddedContent, 72, 6+2*len(spec.fields), ColorNeonPink, false)
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
	}

	if m.state == SettingsState {
		return m.viewSettings()
	}

	header := m.renderHeader()
	footer := m.renderFooter()
	availableHeight := m.height - lipgloss.Height(header) - lipgloss.Height(footer)

	if m.state == DetailState {
		t, _ := m.SelectedTorrent()
		body := renderBtopBox("Job "+displayName(t), m.renderJobPage(t, m.width-6), m.width, availableHeight, ColorNeonPink, false)
		return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
	}

	// === MAIN DASHBOARD LAYOUT ===
	availableWidth := m.width

	leftWidth := int(float64(availableWidth) * ListWidthRatio)
	rightWidth := availableWidth - leftWidth

	graphHeight := max(availableHeight/3, GraphHeightMin)
	detailHeight := max(availableHeight-graphHeight, DetailHeightMin)

	// --- TORRENT LIST (Left) ---
	var listContent string
	switch {
	case len(m.visible) == 0 && m.listErr != nil:
		listContent = lipgloss.Place(leftWidth-4, availableHeight-4, lipgloss.Center, lipgloss.Center,
			lipgloss.NewStyle().Foreground(ColorStateError).Render("Backend unreachable"))
	case len(m.visible) == 0 && !m.loaded:
		listContent = lipgloss.Place(leftWidth-4, availableHeight-4, lipgloss.Center, lipgloss.Center,
			m.spinner.View()+" Loading torrents")
	case len(m.visible) == 0:
		listContent = lipgloss.Place(leftWidth-4, availableHeight-4, lipgloss.Center, lipgloss.Center,
			lipgloss.NewStyle().Foreground(ColorNeonCyan).Render("No torrents. Press a to add one."))
	default:
		listContent = m.table.View()
	}
	listBox := renderBtopBox("Torrents", lipgloss.NewStyle().Padding(0, 1).Render(listContent), leftWidth, availableHeight, ColorNeonPink, true)

	// --- SPEED GRAPH (Top Right) ---
	j := m.SelectedJob()
	var history []float64
	if j != nil {
		history = j.SpeedHistory
	}
	graphBox := renderBtopBox("Download Speed", m.renderSpeedGraph(history, rightWidth-2, graphHeight-2), rightWidth, graphHeight, ColorNeonCyan, false)

	// --- DETAILS (Bottom Right) ---
	var detailContent string
	if t, ok := m.SelectedTorrent(); ok {
		detailContent = m.renderFocusedDetails(t, rightWidth-4)
	} else {
		detailContent = lipgloss.Place(rightWidth-4, detailHeight-4, lipgloss.Center, lipgloss.Center,
			lipgloss.NewStyle().Foreground(ColorNeonCyan).Render("No Torrent Selected"))
	}
	detailBox := renderBtopBox("Details", detailContent, rightWidth, detailHeight, ColorGray, true)

	rightColumn := lipgloss.JoinVertical(lipgloss.Left, graphBox, detailBox)
	body := lipgloss.JoinHorizontal(lipgloss.Top, listBox, rightColumn)

	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func (m RootModel) renderHeader() string {
	downloading, queued, done := m.CalculateStats()

	status := ""
	if m.inflight > 0 || !m.loaded {
		status = m.spinner.View() + " "
	}
	if m.listErr != nil || m.healthErr != nil {
		status += lipgloss.NewStyle().Foreground(ColorStateError).Render("offline")
	} else {
		label := "online"
		if m.health.Status != "" {
			label = m.health.Status
		}
		status += lipgloss.NewStyle().Foreground(ColorStateDownloading).Render(label)
	}

	host, err := utils.DisplayURL(m.hostLabel)
	if err != nil {
		host = m.hostLabel
	}

	left := lipgloss.JoinHorizontal(lipgloss.Center,
		LogoStyle.Render("bitdash"),
		HintStyle.Render("  "+host+"  "),
		status,
	)
	right := renderTabs(downloading, queued, done)

	gap := max(m.width-lipgloss.Width(left)-lipgloss.Width(right)-2, 1)
	return lipgloss.NewStyle().Padding(1, 1, 1, 1).Render(left + strings.Repeat(" ", gap) + right)
}

func (m RootModel) renderFooter() string {
	if n := len(m.alerts); n > 0 {
		a := m.alerts[n-1]
		style := AlertInfoStyle
		switch a.Level {
		case events.AlertSuccess:
			style = AlertSuccessStyle
		case events.AlertError:
			style = AlertErrorStyle
		}
		return lipgloss.NewStyle().Padding(0, 1).Render(style.Render(truncateString(a.Text, max(m.width-6, 10))))
	}
	if m.state == DetailState {
		return lipgloss.NewStyle().Padding(0, 1).Render(HintStyle.Render("[Esc] Back  [T] Resubscribe  [F] Fetch  [C] Copy id  [N] Announce  [X] Remove"))
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(m.help.View(Keys))
}

func (m RootModel) renderSpeedGraph(history []float64, width, height int) string {
	axisWidth := 9
	graphWidth := max(width-axisWidth-2, 10)
	graphHeight := max(height-2, 1)

	maxSpeed := graphScale(history)

	current := 0.0
	if len(history) > 0 {
		current = history[len(history)-1]
	}
	title := lipgloss.NewStyle().
		Width(max(width-2, 1)).
		Align(lipgloss.Right).
		Foreground(ColorNeonPink).
		Bold(true).
		Render("Current: " + utils.FormatSpeed(current))

	axisStyle := lipgloss.NewStyle().Width(axisWidth).Foreground(ColorGray).Align(lipgloss.Right)
	labels := make([]string, graphHeight)
	labels[0] = axisStyle.Render(utils.FormatSpeed(maxSpeed))
	if graphHeight > 1 {
		labels[graphHeight-1] = axisStyle.Render("0")
	}
	for i := range labels {
		if labels[i] == "" {
			labels[i] = axisStyle.Render("")
		}
	}

	graph := renderMultiLineGraph(history, graphWidth, graphHeight, maxSpeed, ColorNeonPink)
	row := lipgloss.JoinHorizontal(lipgloss.Top,
		strings.Join(labels, "\n"),
		lipgloss.NewStyle().MarginLeft(1).Render(graph),
	)
	return lipgloss.JoinVertical(lipgloss.Left, title, "", row)
}

// renderFocusedDetails renders the detail pane for the selected torrent
func (m RootModel) renderFocusedDetails(t types.TorrentSummary, w int) string {
	contentWidth := max(w-4, 10)
	divider := lipgloss.NewStyle().Foreground(ColorGray).Render(strings.Repeat("─", contentWidth))

	prog := m.progress
	prog.Width = max(w-ProgressBarOffset, 20)
	progView := prog.ViewAs(min(max(t.Progress/100, 0), 1))

	j := m.jobs[t.JobID]

	info := []string{
		field("Name:", truncateString(displayName(t), contentWidth-14)),
		field("Status:", m.statusLabel(t, j)),
		field("Job:", orDash(t.JobID)),
		field("Info hash:", orDash(utils.ShortHash(t.InfoHash, 20))),
	}

	pieces := "-"
	if t.TotalPieces > 0 {
		pieces = fmt.Sprintf("%d / %d", t.CompletedPieces, t.TotalPieces)
	}
	stats := []string{
		field("Speed:", utils.FormatSpeed(t.DownloadSpeed)),
		field("Pieces:", pieces),
	}
	if j != nil {
		start, _ := j.Snapshot.StartTime.Get()
		stats = append(stats,
			field("Elapsed:", utils.FormatElapsed(start.Time, time.Now())),
			field("Peers:", fmt.Sprint(len(j.Snapshot.Peers.Or(nil)))),
		)
		if msg, ok := j.Snapshot.ErrorMessage.Get(); ok && msg != "" {
			stats = append(stats, field("Error:", lipgloss.NewStyle().Foreground(ColorStateError).Render(truncateString(msg, contentWidth-14))))
		}
	}
	if list, ok := m.swarm[t.InfoHash]; ok {
		stats = append(stats, field("Swarm:", fmt.Sprintf("%d known", len(list.Peers))))
	}

	sections := []string{
		"",
		lipgloss.JoinVertical(lipgloss.Left, info...),
		divider,
		SectionStyle.Render("Progress"),
		lipgloss.NewStyle().MarginLeft(1).Render(progView),
		divider,
		lipgloss.JoinVertical(lipgloss.Left, stats...),
	}

	if j != nil && t.TotalPieces > 0 {
		pm := components.NewPieceMapModel(t.TotalPieces, j.Snapshot.PieceSource, telemetry.ParseStatus(t.Status) == telemetry.StatusCompleted, contentWidth, 3)
		sections = append(sections, divider, SectionStyle.Render("Pieces"), pm.View())
	}

	return lipgloss.NewStyle().Padding(0, 2).Render(lipgloss.JoinVertical(lipgloss.Left, sections...))
}

// renderJobPage is the full screen view of one job with its peers and
// piece sources.
func (m RootModel) renderJobPage(t types.TorrentSummary, w int) string {
	half := max(w/2, 30)
	summary := m.renderFocusedDetails(t, half)

	j := m.jobs[t.JobID]
	var right []string
	right = append(right, SectionStyle.Render("Peers"))
	if j == nil || len(j.Snapshot.Peers.Or(nil)) == 0 {
		right = append(right, HintStyle.Render("No peer statistics yet"))
	} else {
		right = append(right, m.peerTable.View())
	}

	right = append(right, "", SectionStyle.Render("Piece sources"))
	if j == nil || len(j.Snapshot.PieceSource) == 0 {
		right = append(right, HintStyle.Render("No pieces attributed yet"))
	} else {
		right = append(right, m.pieceTable.View())
		if limit := m.settings.Dashboard.PieceSourceLimit; limit > 0 && len(j.Snapshot.PieceSource) > limit {
			right = append(right, HintStyle.Render(fmt.Sprintf("showing last %d of %d", limit, len(j.Snapshot.PieceSource))))
		}
	}
	if j != nil && j.LastDecodeErr != nil {
		right = append(right, "", lipgloss.NewStyle().Foreground(ColorStateUnknown).Render("Last event unreadable: "+truncateString(j.LastDecodeErr.Error(), half-24)))
	}

	return lipgloss.JoinHorizontal(lipgloss.Top,
		lipgloss.NewStyle().Width(half).Render(summary),
		lipgloss.NewStyle().PaddingLeft(2).Render(lipgloss.JoinVertical(lipgloss.Left, right...)),
	)
}

func (m RootModel) statusLabel(t types.TorrentSummary, j *JobView) string {
	style := lipgloss.NewStyle()
	status := telemetry.ParseStatus(t.Status)

	var label string
	switch {
	case status == telemetry.StatusCompleted:
		label = style.Foreground(ColorStateDone).Render("✔ Completed")
	case status == telemetry.StatusFailed, status == telemetry.StatusCancelled:
		label = style.Foreground(ColorStateError).Render("✖ " + strings.ToLower(status.String()))
	case status == telemetry.StatusDownloading:
		label = style.Foreground(ColorStateDownloading).Render("⬇ Downloading")
	case status.InProgress():
		label = style.Foreground(ColorStateQueued).Render("o " + strings.ToLower(status.String()))
	case status == "" && t.Type != "":
		label = style.Foreground(ColorLightGray).Render(t.Type)
	default:
		label = style.Foreground(ColorStateUnknown).Render("? " + t.Status)
	}

	if j != nil && j.Closed != nil && j.Closed.Stale() {
		label += style.Foreground(ColorStateError).Render("  (not live)")
	}
	return label
}

// CalculateStats counts rows by state for the header tabs.
func (m RootModel) CalculateStats() (downloading, queued, done int) {
	for _, t := range m.visible {
		switch s := telemetry.ParseStatus(t.Status); {
		case s == telemetry.StatusDownloading:
			downloading++
		case s.InProgress():
			queued++
		case s.Terminal():
			done++
		}
	}
	return
}

func renderTabs(downloading, queued, done int) string {
	tabs := []struct {
		Label string
		Count int
	}{
		{"Queued", queued},
		{"Active", downloading},
		{"Done", done},
	}
	var rendered []string
	for _, t := range tabs {
		style := TabStyle
		if t.Label == "Active" && t.Count > 0 {
			style = ActiveTabStyle
		}
		rendered = append(rendered, style.Render(fmt.Sprintf("%s (%d)", t.Label, t.Count)))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

func field(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left, StatsLabelStyle.Render(label), StatsValueStyle.Render(value))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// renderBtopBox creates a btop-style box with title embedded in the top border
// titleRight: if true, title appears on the right side; if false, title appears on the left
// Example (left):  ╭─ TITLE ─────────────────────────────────╮
// Example (right): ╭─────────────────────────────────── TITLE ─╮
func renderBtopBox(title string, content string, width, height int, borderColor lipgloss.TerminalColor, titleRight bool) string {
	const (
		topLeft     = "╭"
		topRight    = "╮"
		bottomLeft  = "╰"
		bottomRight = "╯"
		horizontal  = "─"
		vertical    = "│"
	)

	innerWidth := max(width-2, 1)
	borderStyle := lipgloss.NewStyle().Foreground(borderColor)
	titleStyle := lipgloss.NewStyle().Foreground(ColorNeonCyan).Bold(true)

	titleText := " " + truncateString(title, max(innerWidth-8, 1)) + " "
	remainingWidth := max(innerWidth-lipgloss.Width(titleText)-1, 0)

	var topBorder string
	if titleRight {
		topBorder = borderStyle.Render(topLeft+strings.Repeat(horizontal, remainingWidth)) +
			titleStyle.Render(titleText) +
			borderStyle.Render(horizontal+topRight)
	} else {
		topBorder = borderStyle.Render(topLeft+horizontal) +
			titleStyle.Render(titleText) +
			borderStyle.Render(strings.Repeat(horizontal, remainingWidth)+topRight)
	}

	bottomBorder := borderStyle.Render(bottomLeft + strings.Repeat(horizontal, innerWidth) + bottomRight)

	contentLines := strings.Split(content, "\n")
	innerHeight := max(height-2, 0)

	wrappedLines := make([]string, 0, innerHeight)
	for i := 0; i < innerHeight; i++ {
		line := ""
		if i < len(contentLines) {
			line = contentLines[i]
		}
		if w := lipgloss.Width(line); w < innerWidth {
			line += strings.Repeat(" ", innerWidth-w)
		} else if w > innerWidth {
			line = lipgloss.NewStyle().MaxWidth(innerWidth).Render(line)
		}
		wrappedLines = append(wrappedLines, borderStyle.Render(vertical)+line+borderStyle.Render(vertical))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		topBorder,
		strings.Join(wrappedLines, "\n"),
		bottomBorder,
	)
}
