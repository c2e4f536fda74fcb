// Package testutil provides testing utilities for bitdash.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bitdash/bitdash/internal/types"
)

// FakeBackend is a scriptable stand-in for the BitTorrent REST/SSE API.
type FakeBackend struct {
	Server *httptest.Server

	// Configuration
	BasePath string // API prefix, "/api" by default
	Token    string // required bearer token when non-empty

	// Tracking
	RequestCount   atomic.Int64
	StatusRequests atomic.Int64
	StreamsOpened  atomic.Int64

	mu        sync.Mutex
	statuses  map[string]string
	failures  map[string]int
	torrents  []types.TorrentSummary
	peers     map[string][]types.PeerAddress
	files     map[string]FakeFile
	uploads   []Upload
	info      *types.TorrentInfo
	seeds     []SeedUpload
	created   []Upload
	announced []string
	removed   []string
	streams   map[string][]*fakeStream
	nextJob   int
}

// FakeFile is served by the file endpoint of a job.
type FakeFile struct {
	Name    string
	Content []byte
}

// Upload records one POST /torrents/download.
type Upload struct {
	JobID      string
	FileName   string
	OutputName string
	Size       int64
}

// SeedUpload records one POST /torrents/seed.
type SeedUpload struct {
	InfoHash    string
	TorrentName string
	DataName    string
	DataSize    int64
}

// FakeBackendOption is a function that configures a FakeBackend.
type FakeBackendOption func(*FakeBackend)

// WithBasePath sets the API prefix.
func WithBasePath(p string) FakeBackendOption {
	return func(f *FakeBackend) {
		f.BasePath = p
	}
}

// WithToken requires a bearer token on every request.
func WithToken(token string) FakeBackendOption {
	return func(f *FakeBackend) {
		f.Token = token
	}
}

// WithStatus sets the status body returned for jobID.
func WithStatus(jobID, body string) FakeBackendOption {
	return func(f *FakeBackend) {
		f.statuses[jobID] = body
	}
}

// WithTorrents sets the torrent list.
func WithTorrents(list ...types.TorrentSummary) FakeBackendOption {
	return func(f *FakeBackend) {
		f.torrents = list
	}
}

// WithPeers sets the peers reported for infoHash.
func WithPeers(infoHash string, peers ...types.PeerAddress) FakeBackendOption {
	return func(f *FakeBackend) {
		f.peers[infoHash] = peers
	}
}

// WithFile sets the file served for a completed job.
func WithFile(jobID, name string, content []byte) FakeBackendOption {
	return func(f *FakeBackend) {
		f.files[jobID] = FakeFile{Name: name, Content: content}
	}
}

// WithTorrentInfo sets the metadata reported for any uploaded .torrent.
// Without it the info and seed endpoints reject every upload.
func WithTorrentInfo(info types.TorrentInfo) FakeBackendOption {
	return func(f *FakeBackend) {
		f.info = &info
	}
}

// NewFakeBackendT starts a fake backend and closes it when the test ends.
func NewFakeBackendT(t *testing.T, opts ...FakeBackendOption) *FakeBackend {
	t.Helper()
	f := &FakeBackend{
		BasePath: "/api",
		statuses: make(map[string]string),
		failures: make(map[string]int),
		peers:    make(map[string][]types.PeerAddress),
		files:    make(map[string]FakeFile),
		streams:  make(map[string][]*fakeStream),
	}
	for _, opt := range opts {
		opt(f)
	}

	f.Server = NewHTTPServerT(t, f.routes())
	t.Cleanup(f.Close)
	return f
}

// URL returns the API base URL, prefix included.
func (f *FakeBackend) URL() string {
	return f.Server.URL + f.BasePath
}

// Close drops every open stream and shuts the server down.
func (f *FakeBackend) Close() {
	f.mu.Lock()
	for _, list := range f.streams {
		for _, s := range list {
			s.stop()
		}
	}
	f.mu.Unlock()
	if f.Server != nil {
		f.Server.Close()
	}
}

func (f *FakeBackend) routes() http.Handler {
	mux := http.NewServeMux()
	base := f.BasePath
	mux.HandleFunc("GET "+base+"/{$}", f.handleHealth)
	mux.HandleFunc("GET "+base+"/torrents", f.handleTorrents)
	mux.HandleFunc("POST "+base+"/torrents/info", f.handleInfo)
	mux.HandleFunc("POST "+base+"/torrents/seed", f.handleSeed)
	mux.HandleFunc("POST "+base+"/torrents/create", f.handleCreate)
	mux.HandleFunc("POST "+base+"/torrents/download", f.handleUpload)
	mux.HandleFunc("GET "+base+"/torrents/download/{id}/status", f.handleStatus)
	mux.HandleFunc("GET "+base+"/torrents/download/{id}/progress", f.handleSSE)
	mux.HandleFunc("GET "+base+"/torrents/download/{id}/ws", f.handleWebSocket)
	mux.HandleFunc("GET "+base+"/torrents/download/{id}/file", f.handleFile)
	mux.HandleFunc("GET "+base+"/torrents/{hash}/peers", f.handlePeers)
	mux.HandleFunc("POST "+base+"/torrents/{hash}/peers", f.handleAddPeer)
	mux.HandleFunc("POST "+base+"/torrents/{hash}/announce", f.handleAnnounce)
	mux.HandleFunc("DELETE "+base+"/torrents/{hash}", f.handleRemove)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.RequestCount.Add(1)
		if f.Token != "" && r.Header.Get("Authorization") != "Bearer "+f.Token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// SetStatus replaces the status body of jobID.
func (f *FakeBackend) SetStatus(jobID, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[jobID] = body
	delete(f.failures, jobID)
}

// SetTorrents replaces the torrent list.
func (f *FakeBackend) SetTorrents(list ...types.TorrentSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.torrents = append([]types.TorrentSummary(nil), list...)
}

// FailStatus makes the status endpoint of jobID answer with code.
func (f *FakeBackend) FailStatus(jobID string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[jobID] = code
}

func (f *FakeBackend) handleStatus(w http.ResponseWriter, r *http.Request) {
	f.StatusRequests.Add(1)
	id := r.PathValue("id")

	f.mu.Lock()
	body, ok := f.statuses[id]
	code := f.failures[id]
	f.mu.Unlock()

	switch {
	case code != 0:
		writeError(w, code, "simulated failure")
	case !ok:
		writeError(w, http.StatusNotFound, "Download job not found")
	default:
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func (f *FakeBackend) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "running", "message": "BitTorrent API is running"})
}

// readPart drains one uploaded file of a multipart request.
func readPart(r *http.Request, field string) (name string, content []byte, err error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = file.Close() }()
	content, err = io.ReadAll(file)
	return header.Filename, content, err
}

// parseTorrent stands in for bencode parsing: a dictionary is accepted
// when torrent info is configured.
func (f *FakeBackend) parseTorrent(content []byte) (types.TorrentInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.info == nil || len(content) == 0 || content[0] != 'd' {
		return types.TorrentInfo{}, false
	}
	return *f.info, true
}

func (f *FakeBackend) handleInfo(w http.ResponseWriter, r *http.Request) {
	_, content, err := readPart(r, "file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse torrent file: missing file")
		return
	}
	info, ok := f.parseTorrent(content)
	if !ok {
		writeError(w, http.StatusBadRequest, "Failed to parse torrent file: invalid bencode")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (f *FakeBackend) handleSeed(w http.ResponseWriter, r *http.Request) {
	torrentName, content, err := readPart(r, "torrent")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to start seeding: missing torrent")
		return
	}
	dataName, data, err := readPart(r, "file")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to start seeding: missing file")
		return
	}
	info, ok := f.parseTorrent(content)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Failed to start seeding: invalid bencode")
		return
	}

	f.mu.Lock()
	f.seeds = append(f.seeds, SeedUpload{
		InfoHash:    info.InfoHash,
		TorrentName: torrentName,
		DataName:    dataName,
		DataSize:    int64(len(data)),
	})
	f.torrents = append(f.torrents, types.TorrentSummary{
		InfoHash: info.InfoHash,
		FileName: info.Name,
		Progress: 100,
		Type:     "seeding",
	})
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "seeding",
		"infoHash": info.InfoHash,
		"filePath": "/srv/bittorrent-downloads/" + info.Name,
		"message":  "Torrent is now being seeded",
	})
}

// Seeds returns the recorded seeding uploads.
func (f *FakeBackend) Seeds() []SeedUpload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SeedUpload(nil), f.seeds...)
}

func (f *FakeBackend) handleCreate(w http.ResponseWriter, r *http.Request) {
	name, content, err := readPart(r, "file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to create torrent: missing file")
		return
	}
	f.mu.Lock()
	f.created = append(f.created, Upload{FileName: name, OutputName: r.FormValue("outputName"), Size: int64(len(content))})
	f.mu.Unlock()

	torrent := fmt.Sprintf("d8:announce30:http://localhost:8080/announce4:infod6:lengthi%de4:name%d:%see", len(content), len(name), name)
	w.Header().Set("Content-Type", "application/x-bittorrent")
	_, _ = io.WriteString(w, torrent)
}

// Created returns the recorded torrent creation uploads.
func (f *FakeBackend) Created() []Upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Upload(nil), f.created...)
}

func (f *FakeBackend) handleTorrents(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	list := append([]types.TorrentSummary{}, f.torrents...)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, list)
}

func (f *FakeBackend) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to start download: missing file")
		return
	}
	defer func() { _ = file.Close() }()
	size, _ := io.Copy(io.Discard, file)

	f.mu.Lock()
	f.nextJob++
	jobID := "job-" + strconv.Itoa(f.nextJob)
	f.uploads = append(f.uploads, Upload{
		JobID:      jobID,
		FileName:   header.Filename,
		OutputName: r.FormValue("outputFileName"),
		Size:       size,
	})
	f.statuses[jobID] = fmt.Sprintf(`{"jobId":%q,"status":"pending","progress":0}`, jobID)
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"jobId":   jobID,
		"status":  "started",
		"message": "Download started. Use /api/torrents/download/" + jobID + "/status to check progress.",
	})
}

// Uploads returns the recorded torrent uploads.
func (f *FakeBackend) Uploads() []Upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Upload(nil), f.uploads...)
}

func (f *FakeBackend) handleFile(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	file, ok := f.files[r.PathValue("id")]
	f.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "File not available")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if file.Name != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, file.Name))
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(file.Content)))
	_, _ = w.Write(file.Content)
}

func (f *FakeBackend) handlePeers(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	f.mu.Lock()
	peers := f.peers[hash]
	f.mu.Unlock()

	list := make([]map[string]string, 0, len(peers))
	for _, p := range peers {
		// The real backend reports ports as strings here.
		list = append(list, map[string]string{"ip": p.IP, "port": strconv.Itoa(int(p.Port))})
	}
	writeJSON(w, http.StatusOK, map[string]any{"infoHash": hash, "peers": list, "count": len(list)})
}

func (f *FakeBackend) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IP   string `json:"ip"`
		Port int    `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IP == "" || body.Port <= 0 {
		writeError(w, http.StatusBadRequest, "ip and port are required")
		return
	}
	hash := r.PathValue("hash")
	f.mu.Lock()
	f.peers[hash] = append(f.peers[hash], types.PeerAddress{IP: body.IP, Port: types.Port(body.Port)})
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

// Peers returns the peers known for infoHash.
func (f *FakeBackend) Peers(infoHash string) []types.PeerAddress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.PeerAddress(nil), f.peers[infoHash]...)
}

func (f *FakeBackend) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.announced = append(f.announced, r.PathValue("hash"))
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "announced"})
}

// Announced returns the info hashes announced so far.
func (f *FakeBackend) Announced() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.announced...)
}

func (f *FakeBackend) handleRemove(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	f.mu.Lock()
	f.removed = append(f.removed, hash)
	kept := f.torrents[:0]
	for _, t := range f.torrents {
		if t.InfoHash != hash {
			kept = append(kept, t)
		}
	}
	f.torrents = kept
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"infoHash": hash, "message": "removed"})
}

// Removed returns the info hashes removed so far.
func (f *FakeBackend) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

type streamCmd int

const (
	cmdEvent streamCmd = iota
	cmdRaw
	cmdEnd
	cmdDrop
)

type streamOp struct {
	cmd   streamCmd
	event string
	data  string
}

// fakeStream is one connected progress client.
type fakeStream struct {
	ops  chan streamOp
	done chan struct{}
	once sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{ops: make(chan streamOp), done: make(chan struct{})}
}

func (s *fakeStream) stop() {
	s.once.Do(func() { close(s.done) })
}

func (f *FakeBackend) register(jobID string) *fakeStream {
	s := newFakeStream()
	f.mu.Lock()
	f.streams[jobID] = append(f.streams[jobID], s)
	f.mu.Unlock()
	f.StreamsOpened.Add(1)
	return s
}

func (f *FakeBackend) unregister(jobID string, s *fakeStream) {
	s.stop()
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.streams[jobID]
	for i, cur := range list {
		if cur == s {
			f.streams[jobID] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// OpenStreams returns how many progress clients are connected for jobID.
func (f *FakeBackend) OpenStreams(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams[jobID])
}

// WaitForStreams blocks until n progress clients are connected for jobID.
func (f *FakeBackend) WaitForStreams(t *testing.T, jobID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.OpenStreams(jobID) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d open streams for %s, have %d", n, jobID, f.OpenStreams(jobID))
}

func (f *FakeBackend) send(jobID string, op streamOp) bool {
	f.mu.Lock()
	list := append([]*fakeStream(nil), f.streams[jobID]...)
	f.mu.Unlock()

	delivered := false
	for _, s := range list {
		select {
		case s.ops <- op:
			delivered = true
		case <-s.done:
		case <-time.After(2 * time.Second):
		}
	}
	return delivered
}

// Emit sends a named event to every client of jobID. It reports whether any
// client received it.
func (f *FakeBackend) Emit(jobID, event, data string) bool {
	return f.send(jobID, streamOp{cmd: cmdEvent, event: event, data: data})
}

// EmitProgress sends a "progress" event.
func (f *FakeBackend) EmitProgress(jobID, data string) bool {
	return f.Emit(jobID, "progress", data)
}

// EmitRaw writes raw bytes to SSE clients of jobID.
func (f *FakeBackend) EmitRaw(jobID, raw string) bool {
	return f.send(jobID, streamOp{cmd: cmdRaw, data: raw})
}

// End closes the streams of jobID cleanly.
func (f *FakeBackend) End(jobID string) bool {
	return f.send(jobID, streamOp{cmd: cmdEnd})
}

// Drop aborts the connections of jobID mid-stream.
func (f *FakeBackend) Drop(jobID string) bool {
	return f.send(jobID, streamOp{cmd: cmdDrop})
}

func (f *FakeBackend) handleSSE(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	f.mu.Lock()
	_, known := f.statuses[id]
	f.mu.Unlock()
	if !known {
		writeError(w, http.StatusNotFound, "Download job not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := f.register(id)
	defer f.unregister(id, s)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case op := <-s.ops:
			switch op.cmd {
			case cmdEvent:
				_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", op.event, op.data)
			case cmdRaw:
				_, _ = io.WriteString(w, op.data)
			case cmdEnd:
				return
			case cmdDrop:
				panic(http.ErrAbortHandler)
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (f *FakeBackend) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	f.mu.Lock()
	_, known := f.statuses[id]
	f.mu.Unlock()
	if !known {
		writeError(w, http.StatusNotFound, "Download job not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	s := f.register(id)
	defer f.unregister(id, s)

	// Reads detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-s.done:
			return
		case op := <-s.ops:
			switch op.cmd {
			case cmdEvent:
				msg := fmt.Sprintf(`{"type":%q,"data":%s}`, op.event, op.data)
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
			case cmdRaw:
				if err := conn.WriteMessage(websocket.TextMessage, []byte(op.data)); err != nil {
					return
				}
			case cmdEnd:
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
					time.Now().Add(time.Second),
				)
				return
			case cmdDrop:
				return
			}
		}
	}
}
