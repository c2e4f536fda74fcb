package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSnapshot_FullProgressEvent(t *testing.T) {
	payload := `{
		"jobId": "job-1",
		"infoHash": "abc123",
		"fileName": "ubuntu.iso",
		"status": "DOWNLOADING",
		"progress": 42.5,
		"completedPieces": 17,
		"totalPieces": 40,
		"overallDownloadSpeed": 1048576,
		"startTime": 1700000000000,
		"lastUpdateTime": 1700000005000,
		"peers": [
			{"address": "10.0.0.2:6881", "ip": "10.0.0.2", "port": 6881, "bytesDownloaded": 4096,
			 "piecesDownloaded": 2, "downloadSpeed": 512, "isChoked": false, "peerChoking": true}
		],
		"pieceSource": {"0": "10.0.0.2:6881", "1": "10.0.0.3:6881"}
	}`

	snap, err := DecodeSnapshot([]byte(payload))
	require.NoError(t, err)

	assert.Equal(t, "job-1", snap.ID())
	assert.Equal(t, "abc123", snap.InfoHash.Or(""))
	st, ok := snap.Status.Get()
	require.True(t, ok)
	assert.Equal(t, StatusDownloading, st)
	assert.InDelta(t, 42.5, snap.Progress.Or(0), 0.001)
	assert.Equal(t, 17, snap.CompletedPieces.Or(0))
	assert.Equal(t, 40, snap.TotalPieces.Or(0))

	start, ok := snap.StartTime.Get()
	require.True(t, ok)
	assert.Equal(t, int64(1700000000000), start.UnixMilli())

	peers, ok := snap.Peers.Get()
	require.True(t, ok)
	require.Len(t, peers, 1)
	assert.Equal(t, 6881, peers[0].Port)
	assert.True(t, peers[0].PeerChoking)
	assert.Equal(t, "10.0.0.2:6881", peers[0].Label())

	assert.Equal(t, []string{"0", "1"}, snap.PieceSource.Indices())
	assert.False(t, snap.ErrorMessage.Present())
	assert.False(t, snap.Terminal())
}

func TestDecodeSnapshot_StatusEndpointShape(t *testing.T) {
	payload := `{"jobId":"job-9","status":"failed","progress":12,"error":"tracker unreachable"}`

	snap, err := DecodeSnapshot([]byte(payload))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, snap.Status.Or(""))
	assert.Equal(t, "tracker unreachable", snap.ErrorMessage.Or(""))
	assert.True(t, snap.Terminal())
}

func TestDecodeSnapshot_ErrorMessageWinsOverAlias(t *testing.T) {
	snap, err := DecodeSnapshot([]byte(`{"errorMessage":"primary","error":"alias"}`))
	require.NoError(t, err)
	assert.Equal(t, "primary", snap.ErrorMessage.Or(""))
}

func TestDecodeSnapshot_PartialLeavesOthersAbsent(t *testing.T) {
	snap, err := DecodeSnapshot([]byte(`{"progress":50}`))
	require.NoError(t, err)

	assert.True(t, snap.Progress.IsSet())
	assert.False(t, snap.Status.Present())
	assert.False(t, snap.JobID.Present())
	assert.False(t, snap.Peers.Present())
	assert.Nil(t, snap.PieceSource)
}

func TestDecodeSnapshot_NullIsDistinctFromAbsent(t *testing.T) {
	snap, err := DecodeSnapshot([]byte(`{"errorMessage":null}`))
	require.NoError(t, err)

	assert.True(t, snap.ErrorMessage.IsNull())
	assert.True(t, snap.ErrorMessage.Present())
	assert.False(t, snap.ErrorMessage.IsSet())
	assert.False(t, snap.FileName.Present())
}

func TestDecodeSnapshot_EmptyStatusIsAbsent(t *testing.T) {
	snap, err := DecodeSnapshot([]byte(`{"status":""}`))
	require.NoError(t, err)
	assert.False(t, snap.Status.Present())
}

func TestDecodeSnapshot_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"array", `[{"progress":1}]`},
		{"string", `"progress"`},
		{"truncated", `{"progress":`},
		{"wrong type", `{"progress":"fast"}`},
		{"bad peers", `{"peers":{"ip":"1.2.3.4"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSnapshot([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestPeerStat_PortAsString(t *testing.T) {
	var p PeerStat
	require.NoError(t, json.Unmarshal([]byte(`{"ip":"::1","port":"51413"}`), &p))
	assert.Equal(t, 51413, p.Port)
	assert.Equal(t, "[::1]:51413", p.Label())

	require.Error(t, json.Unmarshal([]byte(`{"ip":"::1","port":"http"}`), &p))
}

func TestPeerStat_LabelFallsBackToAddress(t *testing.T) {
	p := PeerStat{Address: "peer-a"}
	assert.Equal(t, "peer-a", p.Label())
}

func TestMillis_RoundTripAndRFC3339(t *testing.T) {
	m := MillisOf(time.UnixMilli(1700000001234))
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, "1700000001234", string(data))

	var parsed Millis
	require.NoError(t, json.Unmarshal([]byte(`"2024-01-02T03:04:05Z"`), &parsed))
	assert.Equal(t, 2024, parsed.Year())
}

func TestStatus_Classification(t *testing.T) {
	assert.Equal(t, StatusCompleted, ParseStatus(" completed "))
	assert.True(t, StatusPending.InProgress())
	assert.True(t, StatusQueued.InProgress())
	assert.True(t, StatusDownloading.InProgress())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())

	unknown := ParseStatus("verifying")
	assert.False(t, unknown.Known())
	assert.False(t, unknown.Terminal())
}

func TestJobSnapshot_MarshalOmitsAbsent(t *testing.T) {
	snap := JobSnapshot{
		JobID:        Some("job-1"),
		Progress:     Some(10.0),
		ErrorMessage: Null[string](),
	}
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jobId":"job-1","progress":10,"errorMessage":null}`, string(data))
}

func TestJobSnapshot_CloneIsDeep(t *testing.T) {
	snap := JobSnapshot{
		Peers:       Some([]PeerStat{{IP: "1.1.1.1", Port: 1}}),
		PieceSource: PieceSource{"0": "a"},
	}
	c := snap.Clone()

	peers, _ := c.Peers.Get()
	peers[0].IP = "changed"
	c.PieceSource["1"] = "b"

	orig, _ := snap.Peers.Get()
	assert.Equal(t, "1.1.1.1", orig[0].IP)
	assert.Len(t, snap.PieceSource, 1)
}

func TestPieceSource_IndicesOrdering(t *testing.T) {
	ps := PieceSource{"10": "a", "2": "b", "x": "c", "0": "d"}
	assert.Equal(t, []string{"0", "2", "10", "x"}, ps.Indices())
}
