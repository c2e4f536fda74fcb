package components

import (
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// PieceState is the display state of one cell of the piece map
type PieceState int

const (
	PiecePending PieceState = iota
	PiecePartial            // some pieces in the cell have a known source
	PieceDone
)

var (
	ColorPending = lipgloss.AdaptiveColor{Light: "#c0c0c0", Dark: "#3b3d4a"}
	ColorPartial = lipgloss.AdaptiveColor{Light: "#c2186a", Dark: "#ff79c6"}
	ColorDone    = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#50fa7b"}
)

// PieceMapModel visualizes which pieces of a torrent have arrived. Pieces
// listed in Sources are known to be downloaded; Complete marks every piece
// done regardless of Sources.
type PieceMapModel struct {
	Total    int               // Total pieces in the torrent
	Sources  map[string]string // Piece index -> peer that supplied it
	Complete bool
	Width    int // UI render width (columns * 2)
	Height   int // Rows available, clamped to 2..5
}

// NewPieceMapModel creates a piece map for one job.
func NewPieceMapModel(total int, sources map[string]string, complete bool, width, height int) PieceMapModel {
	return PieceMapModel{
		Total:    total,
		Sources:  sources,
		Complete: complete,
		Width:    width,
		Height:   height,
	}
}

// Cells downsamples the torrent's pieces onto cells grid positions.
func (m PieceMapModel) Cells(cells int) []PieceState {
	out := make([]PieceState, cells)
	if m.Total <= 0 || cells <= 0 {
		return out
	}

	have := make([]bool, m.Total)
	for k := range m.Sources {
		if i, err := strconv.Atoi(k); err == nil && i >= 0 && i < m.Total {
			have[i] = true
		}
	}

	perCell := float64(m.Total) / float64(cells)
	for c := range out {
		start := int(float64(c) * perCell)
		end := int(float64(c+1) * perCell)
		if end <= start {
			end = start + 1
		}
		end = min(end, m.Total)
		if start >= m.Total {
			out[c] = PiecePending
			continue
		}
		if m.Complete {
			out[c] = PieceDone
			continue
		}

		got := 0
		for i := start; i < end; i++ {
			if have[i] {
				got++
			}
		}
		switch {
		case got == end-start:
			out[c] = PieceDone
		case got > 0:
			out[c] = PiecePartial
		default:
			out[c] = PiecePending
		}
	}
	return out
}

// View renders the piece grid
func (m PieceMapModel) View() string {
	if m.Total <= 0 {
		return ""
	}

	// 2 chars per block (char + space)
	cols := max(m.Width/2, 1)
	rows := min(max(m.Height, 2), 5)
	cells := cols * rows
	if m.Total < cells {
		// Fewer pieces than cells: one cell per piece
		cells = m.Total
	}

	pendingStyle := lipgloss.NewStyle().Foreground(ColorPending)
	partialStyle := lipgloss.NewStyle().Foreground(ColorPartial)
	doneStyle := lipgloss.NewStyle().Foreground(ColorDone)

	const block = "■"

	var s strings.Builder
	for i, state := range m.Cells(cells) {
		if i > 0 && i%cols == 0 {
			s.WriteRune('\n')
		} else if i > 0 {
			s.WriteRune(' ')
		}

		switch state {
		case PieceDone:
			s.WriteString(doneStyle.Render(block))
		case PiecePartial:
			s.WriteString(partialStyle.Render(block))
		default:
			s.WriteString(pendingStyle.Render(block))
		}
	}
	return s.String()
}

// CalculateHeight returns the number of lines View needs.
func CalculateHeight(total, width, availableHeight int) int {
	if total <= 0 {
		return 0
	}
	cols := max(width/2, 1)
	rows := min(max(availableHeight, 2), 5)
	need := (total + cols - 1) / cols
	return min(rows, need)
}
