package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitdash/bitdash/internal/config"
	"github.com/bitdash/bitdash/internal/testutil"
	"github.com/bitdash/bitdash/internal/types"
)

type cliResult struct {
	out    string
	errOut string
	err    error
}

// runCLI executes bitdash against fb with an isolated settings file.
func runCLI(t *testing.T, fb *testutil.FakeBackend, cfg string, args ...string) cliResult {
	t.Helper()
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	if cfg == "" {
		cfg = filepath.Join(t.TempDir(), "settings.json")
	}

	full := []string{"--config", cfg}
	if fb != nil {
		full = append(full, "--host", fb.URL())
	}
	full = append(full, args...)

	root, c := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(full)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.execute(ctx, root)
	return cliResult{out: out.String(), errOut: errOut.String(), err: err}
}

func decodeLines(t *testing.T, out string) []watchLine {
	t.Helper()
	var lines []watchLine
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var l watchLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l), sc.Text())
		lines = append(lines, l)
	}
	return lines
}

func kinds(lines []watchLine) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Kind
	}
	return out
}

// whenStreaming runs fn once jobID has a progress client connected.
func whenStreaming(t *testing.T, fb *testutil.FakeBackend, jobID string, fn func()) {
	go func() {
		if assert.Eventually(t, func() bool { return fb.OpenStreams(jobID) == 1 }, 3*time.Second, 5*time.Millisecond) {
			fn()
		}
	}()
}

func TestTorrentsCmd(t *testing.T) {
	fb := testutil.NewFakeBackendT(t, testutil.WithTorrents(
		types.TorrentSummary{InfoHash: "aaaabbbbccccdddd", JobID: "job-1", FileName: "ubuntu.iso", Status: "DOWNLOADING", Progress: 42.5, TotalPieces: 10, CompletedPieces: 4, Type: "download"},
		types.TorrentSummary{InfoHash: "eeee", Status: "", Progress: 100, Type: "seeding"},
	))

	res := runCLI(t, fb, "", "torrents")
	require.NoError(t, res.err)
	for _, want := range []string{"JOB", "job-1", "aaaabbbbcccc", "ubuntu.iso", "downloading", "42.5%", "4/10", "seeding"} {
		assert.Contains(t, res.out, want)
	}

	res = runCLI(t, fb, "", "ls", "--json")
	require.NoError(t, res.err)
	var list []types.TorrentSummary
	require.NoError(t, json.Unmarshal([]byte(res.out), &list))
	assert.Len(t, list, 2)
}

func TestTorrentsCmd_Empty(t *testing.T) {
	fb := testutil.NewFakeBackendT(t)
	res := runCLI(t, fb, "", "torrents")
	require.NoError(t, res.err)
	assert.Equal(t, "No torrents.\n", res.out)
}

func TestStatusCmd(t *testing.T) {
	fb := testutil.NewFakeBackendT(t,
		testutil.WithStatus("job-1", `{"jobId":"job-1","status":"downloading","progress":12.5,"error":null}`),
	)

	res := runCLI(t, fb, "", "status", "job-1")
	require.NoError(t, res.err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.out), &got))
	assert.Equal(t, "job-1", got["jobId"])
	assert.Equal(t, "DOWNLOADING", got["status"])
	assert.InDelta(t, 12.5, got["progress"], 0.001)

	res = runCLI(t, fb, "", "status", "job-404")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "Download job not found")
}

func TestWatchCmd_FollowsUntilTerminal(t *testing.T) {
	fb := testutil.NewFakeBackendT(t,
		testutil.WithStatus("job-1", `{"jobId":"job-1","status":"downloading","progress":0}`),
	)
	whenStreaming(t, fb, "job-1", func() {
		fb.EmitProgress("job-1", `{"progress":50,"overallDownloadSpeed":1024}`)
		fb.EmitProgress("job-1", `{"status":"COMPLETED","progress":100}`)
	})

	res := runCLI(t, fb, "", "watch", "--json", "job-1")
	require.NoError(t, res.err, res.errOut)

	lines := decodeLines(t, res.out)
	assert.Equal(t, []string{"snapshot", "snapshot", "snapshot", "closed"}, kinds(lines))
	require.NotNil(t, lines[1].Snapshot)
	assert.InDelta(t, 50.0, lines[1].Snapshot.Progress.Or(0), 0.001)
	assert.Equal(t, "terminal", string(lines[3].Reason))
}

func TestWatchCmd_MultipleJobs(t *testing.T) {
	fb := testutil.NewFakeBackendT(t,
		testutil.WithStatus("job-1", `{"jobId":"job-1","status":"downloading"}`),
		testutil.WithStatus("job-2", `{"jobId":"job-2","status":"completed","progress":100}`),
	)
	whenStreaming(t, fb, "job-1", func() {
		fb.EmitProgress("job-1", `{"status":"FAILED","errorMessage":"disk full"}`)
	})

	res := runCLI(t, fb, "", "watch", "job-1", "job-2", "job-1")
	require.NoError(t, res.err, res.errOut)
	assert.Contains(t, res.out, "job-2")
	assert.Contains(t, res.out, "COMPLETED")
	assert.Contains(t, res.out, "FAILED")
	assert.Contains(t, res.out, "error: disk full")
	assert.Contains(t, res.out, "stream closed (terminal)")
}

func TestWatchCmd_StreamDropped(t *testing.T) {
	fb := testutil.NewFakeBackendT(t,
		testutil.WithStatus("job-1", `{"jobId":"job-1","status":"downloading"}`),
	)
	whenStreaming(t, fb, "job-1", func() {
		fb.Drop("job-1")
	})

	res := runCLI(t, fb, "", "watch", "--json", "job-1")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "job-1")

	lines := decodeLines(t, res.out)
	require.NotEmpty(t, lines)
	last := lines[len(lines)-1]
	assert.Equal(t, "closed", last.Kind)
	assert.NotEqual(t, "terminal", string(last.Reason))
}

func TestWatchCmd_SeedFailure(t *testing.T) {
	fb := testutil.NewFakeBackendT(t)
	res := runCLI(t, fb, "", "watch", "missing")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "track missing")
}

func TestWatchCmd_Transports(t *testing.T) {
	t.Run("websocket", func(t *testing.T) {
		fb := testutil.NewFakeBackendT(t,
			testutil.WithStatus("job-1", `{"jobId":"job-1","status":"downloading"}`),
		)
		whenStreaming(t, fb, "job-1", func() {
			fb.EmitProgress("job-1", `{"status":"CANCELLED"}`)
		})
		res := runCLI(t, fb, "", "--transport", "websocket", "watch", "--json", "job-1")
		require.NoError(t, res.err, res.errOut)
		assert.Equal(t, "closed", decodeLines(t, res.out)[len(decodeLines(t, res.out))-1].Kind)
	})

	t.Run("poll", func(t *testing.T) {
		t.Setenv("BITDASH_BACKEND_POLL_INTERVAL", "20ms")
		fb := testutil.NewFakeBackendT(t,
			testutil.WithStatus("job-1", `{"jobId":"job-1","status":"downloading","progress":10}`),
		)
		go func() {
			time.Sleep(100 * time.Millisecond)
			fb.SetStatus("job-1", `{"jobId":"job-1","status":"completed","progress":100}`)
		}()
		res := runCLI(t, fb, "", "--transport", "poll", "watch", "job-1")
		require.NoError(t, res.err, res.errOut)
		assert.Contains(t, res.out, "COMPLETED")
	})
}

func TestDownloadCmd(t *testing.T) {
	fb := testutil.NewFakeBackendT(t)
	torrent := filepath.Join(t.TempDir(), "debian.torrent")
	require.NoError(t, os.WriteFile(torrent, []byte("d4:infod4:name3:fooee"), 0o644))

	res := runCLI(t, fb, "", "download", torrent, "-o", "debian.iso")
	require.NoError(t, res.err)
	assert.Equal(t, "job-1\n", res.out)

	uploads := fb.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "debian.torrent", uploads[0].FileName)
	assert.Equal(t, "debian.iso", uploads[0].OutputName)

	res = runCLI(t, fb, "", "download", filepath.Join(t.TempDir(), "nope.torrent"))
	require.Error(t, res.err)
	assert.Len(t, fb.Uploads(), 1)
}

func TestDownloadCmd_Watch(t *testing.T) {
	fb := testutil.NewFakeBackendT(t)
	torrent := filepath.Join(t.TempDir(), "a.torrent")
	require.NoError(t, os.WriteFile(torrent, []byte("d4:infod4:name1:aee"), 0o644))

	// The fake assigns job-1 to the first upload.
	whenStreaming(t, fb, "job-1", func() {
		fb.EmitProgress("job-1", `{"status":"COMPLETED","progress":100}`)
	})

	res := runCLI(t, fb, "", "download", torrent, "--watch")
	require.NoError(t, res.err, res.errOut)
	assert.Contains(t, res.out, "Started job-1")
	assert.Contains(t, res.out, "PENDING")
	assert.Contains(t, res.out, "COMPLETED")
}

func TestFetchCmd(t *testing.T) {
	fb := testutil.NewFakeBackendT(t,
		testutil.WithFile("job-3", "notes.txt", []byte("hello swarm")),
	)
	dir := t.TempDir()

	res := runCLI(t, fb, "", "fetch", "job-3", "--dir", dir)
	require.NoError(t, res.err)
	assert.Contains(t, res.out, "Saved")
	assert.Contains(t, res.out, "notes.txt")

	data, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello swarm", string(data))

	res = runCLI(t, fb, "", "fetch", "job-9", "--dir", dir)
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "File not available")
}

func TestPeerCommands(t *testing.T) {
	fb := testutil.NewFakeBackendT(t,
		testutil.WithPeers("abc", types.PeerAddress{IP: "10.0.0.2", Port: 6881}),
	)

	res := runCLI(t, fb, "", "peers", "abc")
	require.NoError(t, res.err)
	assert.Contains(t, res.out, "10.0.0.2")
	assert.Contains(t, res.out, "6881")

	res = runCLI(t, fb, "", "add-peer", "abc", "10.0.0.3", "51413")
	require.NoError(t, res.err)
	assert.Equal(t, []types.PeerAddress{{IP: "10.0.0.2", Port: 6881}, {IP: "10.0.0.3", Port: 51413}}, fb.Peers("abc"))

	res = runCLI(t, fb, "", "add-peer", "abc", "10.0.0.4", "http")
	require.Error(t, res.err)
	assert.Len(t, fb.Peers("abc"), 2)

	res = runCLI(t, fb, "", "peers", "abc", "--json")
	require.NoError(t, res.err)
	var list types.PeerList
	require.NoError(t, json.Unmarshal([]byte(res.out), &list))
	assert.Equal(t, 2, list.Count)

	res = runCLI(t, fb, "", "peers", "none")
	require.NoError(t, res.err)
	assert.Equal(t, "No peers.\n", res.out)
}

func TestAnnounceAndRemove(t *testing.T) {
	fb := testutil.NewFakeBackendT(t, testutil.WithTorrents(types.TorrentSummary{InfoHash: "abc", Type: "seeding"}))

	res := runCLI(t, fb, "", "announce", "abc")
	require.NoError(t, res.err)
	assert.Equal(t, []string{"abc"}, fb.Announced())

	res = runCLI(t, fb, "", "rm", "abc")
	require.NoError(t, res.err)
	assert.Equal(t, "Removed abc\n", res.out)
	assert.Equal(t, []string{"abc"}, fb.Removed())

	res = runCLI(t, fb, "", "torrents")
	require.NoError(t, res.err)
	assert.Equal(t, "No torrents.\n", res.out)
}

func TestSettingsCmd(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "settings.json")

	res := runCLI(t, nil, cfg, "settings", "set", "dashboard.piece_source_limit", "3")
	require.NoError(t, res.err)
	assert.Equal(t, "dashboard.piece_source_limit = 3\n", res.out)

	res = runCLI(t, nil, cfg, "--host", "seedbox.lan:9000", "settings")
	require.NoError(t, res.err)
	assert.Contains(t, res.out, cfg)
	assert.Contains(t, res.out, "http://seedbox.lan:9000/api")
	assert.Contains(t, res.out, "dashboard.piece_source_limit")

	// Flags apply to the run, not to what is saved.
	res = runCLI(t, nil, cfg, "--host", "seedbox.lan:9000", "settings", "set", "backend.token", "s3cret")
	require.NoError(t, res.err)
	saved, err := config.Load(config.LoadOptions{ConfigFile: cfg})
	require.NoError(t, err)
	assert.Equal(t, 3, saved.Dashboard.PieceSourceLimit)
	assert.Equal(t, "s3cret", saved.Backend.Token)
	assert.Equal(t, config.DefaultSettings().Backend.BaseURL, saved.Backend.BaseURL)

	res = runCLI(t, nil, cfg, "settings")
	require.NoError(t, res.err)
	assert.NotContains(t, res.out, "s3cret")

	res = runCLI(t, nil, cfg, "settings", "set", "backend.transport", "carrier-pigeon")
	require.Error(t, res.err)
	res = runCLI(t, nil, cfg, "settings", "set", "nope", "1")
	require.Error(t, res.err)
}

func TestHostFlag(t *testing.T) {
	fb := testutil.NewFakeBackendT(t, testutil.WithTorrents(types.TorrentSummary{InfoHash: "abc", FileName: "x.bin", Type: "seeding"}))
	hostPort := strings.TrimPrefix(fb.Server.URL, "http://")

	root := []string{"--config", filepath.Join(t.TempDir(), "settings.json"), "--host", hostPort, "torrents"}
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(root)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "x.bin")

	res := runCLI(t, nil, "", "--host", "ftp://example.com", "torrents")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "unsupported scheme")
}

func TestResolveBaseURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "localhost:8080", want: "http://localhost:8080/api"},
		{in: "https://seedbox.example", want: "https://seedbox.example/api"},
		{in: "http://10.0.0.5:8080/custom/", want: "http://10.0.0.5:8080/custom"},
		{in: "  ", wantErr: true},
		{in: "ws://host", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := resolveBaseURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsLoopbackURL(t *testing.T) {
	assert.True(t, isLoopbackURL("http://localhost:8080/api"))
	assert.True(t, isLoopbackURL("http://127.0.0.1:8080/api"))
	assert.True(t, isLoopbackURL("http://[::1]:8080/api"))
	assert.False(t, isLoopbackURL("http://seedbox.lan/api"))
	assert.False(t, isLoopbackURL("http://10.0.0.5/api"))
	assert.True(t, isHTTPS("https://seedbox.lan/api"))
	assert.False(t, isHTTPS("http://seedbox.lan/api"))
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, dedupe([]string{"a", "", "b", "a"}))
}

func TestPingCmd(t *testing.T) {
	fb := testutil.NewFakeBackendT(t)
	res := runCLI(t, fb, "", "ping")
	require.NoError(t, res.err)
	assert.Contains(t, res.out, "/api: BitTorrent API is running")

	fb.Close()
	res = runCLI(t, fb, "", "ping")
	require.Error(t, res.err)
}

func TestInfoCmd(t *testing.T) {
	fb := testutil.NewFakeBackendT(t, testutil.WithTorrentInfo(types.TorrentInfo{
		Name:        "ubuntu.iso",
		Announce:    "http://tracker.local/announce",
		Length:      2048,
		PieceLength: 1024,
		PieceCount:  2,
		InfoHash:    "abc123",
	}))
	torrent := filepath.Join(t.TempDir(), "ubuntu.torrent")
	require.NoError(t, os.WriteFile(torrent, []byte("d8:announce3:urle"), 0o644))

	res := runCLI(t, fb, "", "info", torrent)
	require.NoError(t, res.err)
	for _, want := range []string{"ubuntu.iso", "http://tracker.local/announce", "abc123", "Pieces"} {
		assert.Contains(t, res.out, want)
	}

	res = runCLI(t, fb, "", "info", "--json", torrent)
	require.NoError(t, res.err)
	var info types.TorrentInfo
	require.NoError(t, json.Unmarshal([]byte(res.out), &info))
	assert.Equal(t, 2, info.PieceCount)
}

func TestSeedCmd(t *testing.T) {
	fb := testutil.NewFakeBackendT(t, testutil.WithTorrentInfo(types.TorrentInfo{Name: "notes.txt", InfoHash: "feed"}))
	dir := t.TempDir()
	torrent := filepath.Join(dir, "notes.torrent")
	data := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(torrent, []byte("d4:infodee"), 0o644))
	require.NoError(t, os.WriteFile(data, []byte("hello"), 0o644))

	res := runCLI(t, fb, "", "seed", torrent, data)
	require.NoError(t, res.err)
	assert.Equal(t, "Seeding feed\n", res.out)
	require.Len(t, fb.Seeds(), 1)

	res = runCLI(t, fb, "", "seed", torrent, filepath.Join(dir, "missing"))
	require.ErrorIs(t, res.err, os.ErrNotExist)
	assert.Len(t, fb.Seeds(), 1)
}

func TestCreateCmd(t *testing.T) {
	fb := testutil.NewFakeBackendT(t)
	payload := filepath.Join(t.TempDir(), "album.zip")
	require.NoError(t, os.WriteFile(payload, []byte("zip"), 0o644))
	out := t.TempDir()

	res := runCLI(t, fb, "", "create", "--dir", out, "--name", "music", payload)
	require.NoError(t, res.err)
	assert.Contains(t, res.out, "Created "+filepath.Join(out, "music.torrent"))
	assert.FileExists(t, filepath.Join(out, "music.torrent"))

	created := fb.Created()
	require.Len(t, created, 1)
	assert.Equal(t, "album.zip", created[0].FileName)
	assert.Equal(t, "music", created[0].OutputName)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestExecute_ReleasesLogOnFailure(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	root, c := newRootCmd()

	closed := false
	root.AddCommand(&cobra.Command{
		Use: "explode",
		RunE: func(*cobra.Command, []string) error {
			c.closeLog = closerFunc(func() error {
				closed = true
				return nil
			})
			return errors.New("boom")
		},
	})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "settings.json"), "explode"})

	err := c.execute(context.Background(), root)
	require.EqualError(t, err, "boom")
	assert.True(t, closed)
	assert.Nil(t, c.closeLog)
}
