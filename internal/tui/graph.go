package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// renderMultiLineGraph draws a bar graph of speed samples, newest on the
// right, over a dashed grid. Samples above maxVal are clipped.
func renderMultiLineGraph(data []float64, width, height int, maxVal float64, color lipgloss.TerminalColor) string {
	if width < 1 || height < 1 {
		return ""
	}
	if maxVal <= 0 {
		maxVal = 1
	}

	gridStyle := lipgloss.NewStyle().Foreground(ColorGray)
	barStyle := lipgloss.NewStyle().Foreground(color)

	rows := make([][]string, height)
	for i := range rows {
		rows[i] = make([]string, width)
		for j := range rows[i] {
			if i%2 == 0 {
				rows[i][j] = gridStyle.Render("╌")
			} else {
				rows[i][j] = " "
			}
		}
	}

	visible := data
	if len(visible) > width {
		visible = visible[len(visible)-width:]
	}

	// Eighth blocks, index = filled eighths of a cell
	blocks := []string{" ", "▁", "▂", "▃", "▄", "▅", "▆", "▇", "█"}
	offset := width - len(visible)

	for x, val := range visible {
		pct := min(max(val/maxVal, 0), 1)
		eighths := int(pct * float64(height) * 8)

		for y := 0; y < height && eighths > 0; y++ {
			fill := min(eighths, 8)
			rows[height-1-y][offset+x] = barStyle.Render(blocks[fill])
			eighths -= fill
		}
	}

	lines := make([]string, height)
	for i, row := range rows {
		lines[i] = strings.Join(row, "")
	}
	return strings.Join(lines, "\n")
}

// graphScale rounds the peak of data up to a readable axis maximum.
func graphScale(data []float64) float64 {
	peak := 1.0
	for _, v := range data {
		peak = max(peak, v)
	}
	peak *= 1.1
	switch {
	case peak >= 5:
		return float64(int((peak+4.99)/5) * 5)
	default:
		return float64(int(peak + 0.99))
	}
}
