package components

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPieceMap_Cells(t *testing.T) {
	m := NewPieceMapModel(8, map[string]string{"0": "a", "1": "a", "2": "b", "7": "c"}, false, 0, 0)

	cells := m.Cells(4)
	assert.Equal(t, []PieceState{PieceDone, PiecePartial, PiecePending, PiecePartial}, cells)
}

func TestPieceMap_CompleteFillsEverything(t *testing.T) {
	m := NewPieceMapModel(10, nil, true, 0, 0)
	for _, c := range m.Cells(3) {
		assert.Equal(t, PieceDone, c)
	}
}

func TestPieceMap_IgnoresBadIndices(t *testing.T) {
	m := NewPieceMapModel(2, map[string]string{"x": "a", "-1": "a", "5": "a", "1": "b"}, false, 0, 0)
	assert.Equal(t, []PieceState{PiecePending, PieceDone}, m.Cells(2))
}

func TestPieceMap_MoreCellsThanPieces(t *testing.T) {
	m := NewPieceMapModel(3, map[string]string{"2": "a"}, false, 40, 4)

	view := m.View()
	assert.Equal(t, 3, strings.Count(view, "■"))
	assert.NotContains(t, view, "\n")
}

func TestPieceMap_ViewShape(t *testing.T) {
	m := NewPieceMapModel(1000, nil, false, 20, 3)

	lines := strings.Split(m.View(), "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, 10, strings.Count(lines[0], "■"))
	assert.Empty(t, NewPieceMapModel(0, nil, false, 20, 3).View())
}

func TestCalculateHeight(t *testing.T) {
	assert.Equal(t, 0, CalculateHeight(0, 20, 4))
	assert.Equal(t, 1, CalculateHeight(5, 20, 4))
	assert.Equal(t, 4, CalculateHeight(500, 20, 4))
	assert.Equal(t, 5, CalculateHeight(500, 20, 9))
	assert.Equal(t, 2, CalculateHeight(500, 20, 0))
}
