package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDecode(t *testing.T, payload string) JobSnapshot {
	t.Helper()
	snap, err := DecodeSnapshot([]byte(payload))
	require.NoError(t, err)
	return snap
}

func TestMerge_FieldPartial(t *testing.T) {
	first := Merge(nil, mustDecode(t, `{"status":"X"}`))
	got := Merge(&first, mustDecode(t, `{"progress":50}`))

	assert.Equal(t, Status("X"), got.Status.Or(""))
	assert.InDelta(t, 50, got.Progress.Or(0), 0.001)

	assert.False(t, got.JobID.Present())
	assert.False(t, got.FileName.Present())
	assert.False(t, got.CompletedPieces.Present())
	assert.False(t, got.Peers.Present())
	assert.Nil(t, got.PieceSource)
}

func TestMerge_Associative(t *testing.T) {
	a := mustDecode(t, `{"status":"DOWNLOADING","progress":10,"pieceSource":{"0":"p1"}}`)
	b := mustDecode(t, `{"progress":20,"fileName":"f.iso","pieceSource":{"1":"p2"}}`)
	c := mustDecode(t, `{"completedPieces":3,"pieceSource":{"0":"p3"}}`)

	ab := Merge(&a, b)
	left := Merge(&ab, c)

	bc := Merge(&b, c)
	right := Merge(&a, bc)

	assert.Equal(t, left, right)
	assert.Equal(t, PieceSource{"0": "p3", "1": "p2"}, left.PieceSource)
}

func TestMerge_PieceSourceUnion(t *testing.T) {
	first := Merge(nil, mustDecode(t, `{"pieceSource":{"0":"peerA"}}`))
	got := Merge(&first, mustDecode(t, `{"pieceSource":{"1":"peerB"}}`))

	assert.Equal(t, PieceSource{"0": "peerA", "1": "peerB"}, got.PieceSource)
}

func TestMerge_PieceSourceNullOrEmptyKeepsExisting(t *testing.T) {
	existing := Merge(nil, mustDecode(t, `{"pieceSource":{"0":"peerA"}}`))

	for _, payload := range []string{`{"pieceSource":null}`, `{"pieceSource":{}}`, `{}`} {
		got := Merge(&existing, mustDecode(t, payload))
		assert.Equal(t, PieceSource{"0": "peerA"}, got.PieceSource, payload)
	}
}

func TestMerge_NullClears(t *testing.T) {
	existing := Merge(nil, mustDecode(t, `{"status":"FAILED","errorMessage":"disk full"}`))
	got := Merge(&existing, mustDecode(t, `{"status":"DOWNLOADING","errorMessage":null}`))

	assert.True(t, got.ErrorMessage.IsNull())
	assert.Equal(t, "", got.ErrorMessage.Or(""))
	assert.Equal(t, StatusDownloading, got.Status.Or(""))
}

func TestMerge_PeersReplaced(t *testing.T) {
	existing := Merge(nil, mustDecode(t, `{"peers":[{"ip":"1.1.1.1","port":1},{"ip":"2.2.2.2","port":2}]}`))
	got := Merge(&existing, mustDecode(t, `{"peers":[{"ip":"3.3.3.3","port":3}]}`))

	peers, ok := got.Peers.Get()
	require.True(t, ok)
	require.Len(t, peers, 1)
	assert.Equal(t, "3.3.3.3", peers[0].IP)
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	existing := Merge(nil, mustDecode(t, `{"progress":1,"pieceSource":{"0":"a"}}`))
	incoming := mustDecode(t, `{"progress":2,"pieceSource":{"1":"b"}}`)

	_ = Merge(&existing, incoming)

	assert.InDelta(t, 1, existing.Progress.Or(0), 0.001)
	assert.Equal(t, PieceSource{"0": "a"}, existing.PieceSource)
	assert.Equal(t, PieceSource{"1": "b"}, incoming.PieceSource)
}
