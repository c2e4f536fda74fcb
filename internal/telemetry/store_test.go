package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	errs   map[string]error
	gate   chan struct{} // when set, FetchStatus blocks until it is closed
	calls  int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{bodies: make(map[string]string), errs: make(map[string]error)}
}

func (f *fakeFetcher) set(jobID, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[jobID] = body
}

func (f *fakeFetcher) FetchStatus(ctx context.Context, jobID string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[jobID]; err != nil {
		return nil, err
	}
	body, ok := f.bodies[jobID]
	if !ok {
		return nil, &TransportError{Op: "status", URL: jobID, StatusCode: 404, Message: "job not found"}
	}
	return []byte(body), nil
}

type fakeStream struct {
	ctx      context.Context
	frames   chan Frame
	released chan struct{}
	once     sync.Once
	closed   sync.Once
}

func (s *fakeStream) release() {
	s.once.Do(func() { close(s.released) })
}

type fakeStreamer struct {
	mu      sync.Mutex
	streams map[string][]*fakeStream
	err     error
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{streams: make(map[string][]*fakeStream)}
}

func (f *fakeStreamer) StreamProgress(ctx context.Context, jobID string) (<-chan Frame, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, nil, f.err
	}
	s := &fakeStream{ctx: ctx, frames: make(chan Frame), released: make(chan struct{})}
	f.streams[jobID] = append(f.streams[jobID], s)
	return s.frames, s.release, nil
}

func (f *fakeStreamer) opened(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams[jobID])
}

func (f *fakeStreamer) stream(t *testing.T, jobID string) *fakeStream {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	streams := f.streams[jobID]
	require.NotEmpty(t, streams, "no stream opened for %s", jobID)
	return streams[len(streams)-1]
}

// push delivers one frame and reports whether the consumer accepted it.
func (s *fakeStream) push(f Frame) bool {
	select {
	case s.frames <- f:
		return true
	case <-s.ctx.Done():
		return false
	case <-time.After(waitTimeout):
		return false
	}
}

func (s *fakeStream) progress(payload string) bool {
	return s.push(Frame{Event: ProgressEvent, Data: []byte(payload)})
}

func (s *fakeStream) end() {
	s.closed.Do(func() { close(s.frames) })
}

func (s *fakeStream) waitReleased(t *testing.T) {
	t.Helper()
	select {
	case <-s.released:
	case <-time.After(waitTimeout):
		t.Fatal("stream was not released")
	}
}

func nextUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return u
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for update")
	}
	return Update{}
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *fakeFetcher, *fakeStreamer) {
	t.Helper()
	fetcher := newFakeFetcher()
	streamer := newFakeStreamer()
	store := New(fetcher, streamer, opts...)
	t.Cleanup(store.Close)
	return store, fetcher, streamer
}

func TestStore_EndToEndJob(t *testing.T) {
	store, fetcher, streamer := newTestStore(t)
	fetcher.set("job-1", `{"jobId":"job-1","status":"DOWNLOADING","progress":0,"totalPieces":10,"completedPieces":0}`)

	updates, stop := store.Watch("job-1")
	defer stop()

	snap, err := store.Track(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", snap.ID())
	assert.Equal(t, StatusDownloading, snap.Status.Or(""))
	assert.Equal(t, 10, snap.TotalPieces.Or(0))
	assert.Equal(t, PhaseActive, store.Phase("job-1"))
	assert.True(t, store.Subscribed("job-1"))

	u := nextUpdate(t, updates)
	assert.Equal(t, UpdateSnapshot, u.Kind)

	stream := streamer.stream(t, "job-1")
	require.True(t, stream.progress(`{"progress":40,"completedPieces":4}`))

	u = nextUpdate(t, updates)
	require.Equal(t, UpdateSnapshot, u.Kind)
	assert.InDelta(t, 40, u.Snapshot.Progress.Or(0), 0.001)
	assert.Equal(t, 4, u.Snapshot.CompletedPieces.Or(0))
	assert.Equal(t, 10, u.Snapshot.TotalPieces.Or(0))
	assert.Equal(t, StatusDownloading, u.Snapshot.Status.Or(""))

	require.True(t, stream.progress(`{"status":"COMPLETED","progress":100,"completedPieces":10}`))

	u = nextUpdate(t, updates)
	require.Equal(t, UpdateSnapshot, u.Kind)
	assert.Equal(t, StatusCompleted, u.Snapshot.Status.Or(""))
	assert.Equal(t, 10, u.Snapshot.CompletedPieces.Or(0))

	u = nextUpdate(t, updates)
	require.Equal(t, UpdateClosed, u.Kind)
	assert.Equal(t, CloseTerminal, u.Reason)

	stream.waitReleased(t)
	assert.False(t, store.Subscribed("job-1"))
	assert.Equal(t, PhaseTerminal, store.Phase("job-1"))

	held, ok := store.Get("job-1")
	require.True(t, ok)
	assert.InDelta(t, 100, held.Progress.Or(0), 0.001)
}

func TestStore_SeedFillsJobID(t *testing.T) {
	store, fetcher, _ := newTestStore(t)
	fetcher.set("job-2", `{"status":"pending","progress":0}`)

	snap, err := store.Seed(context.Background(), "job-2")
	require.NoError(t, err)
	assert.Equal(t, "job-2", snap.ID())
	assert.Equal(t, StatusPending, snap.Status.Or(""))
}

func TestStore_SeedErrors(t *testing.T) {
	store, fetcher, _ := newTestStore(t)

	_, err := store.Seed(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyJobID)

	_, err = store.Seed(context.Background(), "missing")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 404, te.StatusCode)
	assert.Equal(t, PhaseUnseeded, store.Phase("missing"))
	assert.Empty(t, store.Jobs())

	fetcher.set("garbled", `<html>502 bad gateway</html>`)
	_, err = store.Seed(context.Background(), "garbled")
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, SourcePull, de.Source)
	_, ok := store.Get("garbled")
	assert.False(t, ok)

	fetcher.mu.Lock()
	fetcher.errs["refused"] = errors.New("connection refused")
	fetcher.mu.Unlock()
	_, err = store.Seed(context.Background(), "refused")
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "status", te.Op)
}

func TestStore_SubscribeIsIdempotent(t *testing.T) {
	store, fetcher, streamer := newTestStore(t)
	fetcher.set("job-1", `{"jobId":"job-1","status":"DOWNLOADING"}`)

	_, err := store.Seed(context.Background(), "job-1")
	require.NoError(t, err)

	require.NoError(t, store.Subscribe("job-1"))
	require.NoError(t, store.Subscribe("job-1"))
	assert.Equal(t, 1, streamer.opened("job-1"))

	updates, stop := store.Watch("job-1")
	defer stop()

	require.True(t, streamer.stream(t, "job-1").progress(`{"progress":5}`))
	u := nextUpdate(t, updates)
	assert.InDelta(t, 5, u.Snapshot.Progress.Or(0), 0.001)

	select {
	case extra := <-updates:
		t.Fatalf("duplicate delivery: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStore_MalformedPushEventKeepsStreamOpen(t *testing.T) {
	store, fetcher, streamer := newTestStore(t)
	fetcher.set("job-1", `{"jobId":"job-1","status":"DOWNLOADING","progress":10}`)

	_, err := store.Track(context.Background(), "job-1")
	require.NoError(t, err)

	updates, stop := store.Watch("job-1")
	defer stop()

	stream := streamer.stream(t, "job-1")
	require.True(t, stream.progress(`{"progress": 4`))

	u := nextUpdate(t, updates)
	require.Equal(t, UpdateDecodeError, u.Kind)
	var de *DecodeError
	require.ErrorAs(t, u.Err, &de)
	assert.Equal(t, SourcePush, de.Source)

	held, _ := store.Get("job-1")
	assert.InDelta(t, 10, held.Progress.Or(0), 0.001)
	assert.True(t, store.Subscribed("job-1"))

	require.True(t, stream.progress(`{"progress":20}`))
	u = nextUpdate(t, updates)
	require.Equal(t, UpdateSnapshot, u.Kind)
	assert.InDelta(t, 20, u.Snapshot.Progress.Or(0), 0.001)
}

func TestStore_IgnoresOtherEvents(t *testing.T) {
	store, fetcher, streamer := newTestStore(t)
	fetcher.set("job-1", `{"jobId":"job-1","status":"DOWNLOADING","progress":10}`)

	_, err := store.Track(context.Background(), "job-1")
	require.NoError(t, err)

	updates, stop := store.Watch("job-1")
	defer stop()

	stream := streamer.stream(t, "job-1")
	require.True(t, stream.push(Frame{Event: "heartbeat", Data: []byte("ping")}))
	require.True(t, stream.push(Frame{Data: []byte(`{"progress":11}`)}))

	u := nextUpdate(t, updates)
	require.Equal(t, UpdateSnapshot, u.Kind)
	assert.InDelta(t, 11, u.Snapshot.Progress.Or(0), 0.001)
}

func TestStore_TerminalStopsMerging(t *testing.T) {
	store, fetcher, streamer := newTestStore(t)
	fetcher.set("job-1", `{"jobId":"job-1","status":"DOWNLOADING"}`)

	_, err := store.Track(context.Background(), "job-1")
	require.NoError(t, err)

	stream := streamer.stream(t, "job-1")
	require.True(t, stream.progress(`{"status":"FAILED","errorMessage":"no peers"}`))
	stream.waitReleased(t)

	// The consumer has stopped reading; nothing more can be merged.
	assert.False(t, stream.progress(`{"status":"DOWNLOADING","progress":99}`))

	held, _ := store.Get("job-1")
	assert.Equal(t, StatusFailed, held.Status.Or(""))
	assert.Equal(t, "no peers", held.ErrorMessage.Or(""))

	assert.ErrorIs(t, store.Subscribe("job-1"), ErrJobTerminal)
	assert.Equal(t, 1, streamer.opened("job-1"))

	// A re-seed re-opens the job.
	fetcher.set("job-1", `{"jobId":"job-1","status":"downloading","error":null}`)
	snap, err := store.Track(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDownloading, snap.Status.Or(""))
	assert.True(t, snap.ErrorMessage.IsNull())
	assert.Equal(t, PhaseActive, store.Phase("job-1"))
	assert.Equal(t, 2, streamer.opened("job-1"))
}

func TestStore_TrackTerminalSeedDoesNotSubscribe(t *testing.T) {
	store, fetcher, streamer := newTestStore(t)
	fetcher.set("done", `{"jobId":"done","status":"completed","progress":100,"filePath":"/data/done.iso","fileSize":2048}`)

	snap, err := store.Track(context.Background(), "done")
	require.NoError(t, err)
	assert.True(t, snap.Terminal())
	assert.Equal(t, int64(2048), snap.FileSize.Or(0))
	assert.Equal(t, 0, streamer.opened("done"))
	assert.Equal(t, PhaseTerminal, store.Phase("done"))
}

func TestStore_UnknownStatusKeepsSubscription(t *testing.T) {
	store, fetcher, streamer := newTestStore(t)
	fetcher.set("job-1", `{"jobId":"job-1","status":"DOWNLOADING"}`)

	_, err := store.Track(context.Background(), "job-1")
	require.NoError(t, err)

	updates, stop := store.Watch("job-1")
	defer stop()

	require.True(t, streamer.stream(t, "job-1").progress(`{"status":"VERIFYING"}`))
	u := nextUpdate(t, updates)
	assert.Equal(t, Status("VERIFYING"), u.Snapshot.Status.Or(""))
	assert.True(t, store.Subscribed("job-1"))
	assert.Equal(t, PhaseActive, store.Phase("job-1"))
}

func TestStore_TransportDropDoesNotReconnect(t *testing.T) {
	store, fetcher, streamer := newTestStore(t)
	fetcher.set("job-1", `{"jobId":"job-1","status":"DOWNLOADING","progress":30}`)

	_, err := store.Track(context.Background(), "job-1")
	require.NoError(t, err)

	updates, stop := store.Watch("job-1")
	defer stop()

	stream := streamer.stream(t, "job-1")
	require.True(t, stream.push(Frame{Err: errors.New("connection reset by peer")}))
	stream.end()

	u := nextUpdate(t, updates)
	require.Equal(t, UpdateClosed, u.Kind)
	assert.Equal(t, CloseTransport, u.Reason)
	var te *TransportError
	require.ErrorAs(t, u.Err, &te)
	assert.Equal(t, "stream", te.Op)
	assert.InDelta(t, 30, u.Snapshot.Progress.Or(0), 0.001)

	stream.waitReleased(t)
	assert.False(t, store.Subscribed("job-1"))
	assert.Equal(t, PhaseActive, store.Phase("job-1"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, streamer.opened("job-1"))

	require.NoError(t, store.Subscribe("job-1"))
	assert.Equal(t, 2, streamer.opened("job-1"))
}

func TestStore_CleanEndOfStream(t *testing.T) {
	store, fetcher, streamer := newTestStore(t)
	fetcher.set("job-1", `{"jobId":"job-1","status":"DOWNLOADING"}`)

	_, err := store.Track(context.Background(), "job-1")
	require.NoError(t, err)

	updates, stop := store.Watch("")
	defer stop()

	streamer.stream(t, "job-1").end()

	u := nextUpdate(t, updates)
	require.Equal(t, UpdateClosed, u.Kind)
	assert.Equal(t, CloseEOF, u.Reason)
	assert.NoError(t, u.Err)
}

func TestStore_SubscribeFailure(t *testing.T) {
	store, fetcher, streamer := newTestStore(t)
	fetcher.set("job-1", `{"jobId":"job-1","status":"DOWNLOADING"}`)
	streamer.err = errors.New("dial tcp: connection refused")

	snap, err := store.Track(context.Background(), "job-1")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "job-1", snap.ID())
	assert.False(t, store.Subscribed("job-1"))

	_, ok := store.Get("job-1")
	assert.True(t, ok)
}

func TestStore_UnsubscribeAndDiscard(t *testing.T) {
	store, fetcher, streamer := newTestStore(t)
	fetcher.set("job-1", `{"jobId":"job-1","infoHash":"ABC","status":"DOWNLOADING"}`)
	fetcher.set("job-2", `{"jobId":"job-2","infoHash":"abc","status":"DOWNLOADING"}`)
	fetcher.set("job-3", `{"jobId":"job-3","infoHash":"def","status":"DOWNLOADING"}`)

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		_, err := store.Track(context.Background(), id)
		require.NoError(t, err)
	}

	store.Unsubscribe("job-3")
	store.Unsubscribe("job-3")
	streamer.stream(t, "job-3").waitReleased(t)
	_, ok := store.Get("job-3")
	assert.True(t, ok)

	updates, stop := store.Watch("job-1")
	defer stop()

	ids := store.DiscardInfoHash("abc")
	assert.Equal(t, []string{"job-1", "job-2"}, ids)

	u := nextUpdate(t, updates)
	require.Equal(t, UpdateClosed, u.Kind)
	assert.Equal(t, CloseDiscarded, u.Reason)

	streamer.stream(t, "job-1").waitReleased(t)
	streamer.stream(t, "job-2").waitReleased(t)
	assert.Equal(t, []string{"job-3"}, store.Jobs())

	store.Discard("job-3")
	store.Discard("job-3")
	assert.Empty(t, store.Jobs())
	assert.Equal(t, PhaseUnseeded, store.Phase("job-3"))
}

func TestStore_StaleSeedDoesNotReopenTerminalJob(t *testing.T) {
	store, fetcher, streamer := newTestStore(t)
	fetcher.set("job-1", `{"jobId":"job-1","status":"DOWNLOADING"}`)

	_, err := store.Track(context.Background(), "job-1")
	require.NoError(t, err)

	gate := make(chan struct{})
	fetcher.mu.Lock()
	fetcher.gate = gate
	fetcher.mu.Unlock()

	type result struct {
		snap JobSnapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := store.Seed(context.Background(), "job-1")
		done <- result{snap, err}
	}()

	require.Eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return fetcher.calls == 2
	}, waitTimeout, 5*time.Millisecond)

	stream := streamer.stream(t, "job-1")
	require.True(t, stream.progress(`{"status":"COMPLETED","progress":100}`))
	stream.waitReleased(t)

	close(gate)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, StatusCompleted, res.snap.Status.Or(""))

	held, _ := store.Get("job-1")
	assert.Equal(t, StatusCompleted, held.Status.Or(""))
	assert.Equal(t, PhaseTerminal, store.Phase("job-1"))
}

func TestStore_SeedAfterDiscard(t *testing.T) {
	store, fetcher, _ := newTestStore(t)
	fetcher.set("job-1", `{"jobId":"job-1","status":"DOWNLOADING"}`)

	gate := make(chan struct{})
	fetcher.gate = gate

	done := make(chan error, 1)
	go func() {
		_, err := store.Seed(context.Background(), "job-1")
		done <- err
	}()

	require.Eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return fetcher.calls == 1
	}, waitTimeout, 5*time.Millisecond)

	store.Discard("job-1")
	close(gate)

	assert.ErrorIs(t, <-done, ErrJobDiscarded)
	_, ok := store.Get("job-1")
	assert.False(t, ok)
}

func TestStore_LaggingWatcherKeepsNewest(t *testing.T) {
	store, fetcher, streamer := newTestStore(t, WithWatchBuffer(1))
	fetcher.set("job-1", `{"jobId":"job-1","status":"DOWNLOADING"}`)

	_, err := store.Track(context.Background(), "job-1")
	require.NoError(t, err)

	updates, stop := store.Watch("job-1")
	defer stop()

	stream := streamer.stream(t, "job-1")
	for _, p := range []string{`{"progress":1}`, `{"progress":2}`, `{"progress":3}`} {
		require.True(t, stream.progress(p))
	}

	require.Eventually(t, func() bool {
		held, _ := store.Get("job-1")
		return held.Progress.Or(0) == 3
	}, waitTimeout, 5*time.Millisecond)

	u := nextUpdate(t, updates)
	assert.InDelta(t, 3, u.Snapshot.Progress.Or(0), 0.001)
}

func TestStore_LaggingWatcherKeepsCloseNotices(t *testing.T) {
	store, fetcher, streamer := newTestStore(t, WithWatchBuffer(2))
	for _, id := range []string{"a", "b", "c"} {
		fetcher.set(id, `{"status":"DOWNLOADING"}`)
		_, err := store.Track(context.Background(), id)
		require.NoError(t, err)
	}

	updates, stop := store.Watch("")
	defer stop()

	// Nobody reads while two jobs finish and a third keeps streaming.
	require.True(t, streamer.stream(t, "a").progress(`{"status":"COMPLETED"}`))
	for _, p := range []string{`{"progress":1}`, `{"progress":2}`, `{"progress":3}`} {
		require.True(t, streamer.stream(t, "b").progress(p))
	}
	require.True(t, streamer.stream(t, "c").progress(`{"status":"FAILED","error":"disk full"}`))
	require.Eventually(t, func() bool {
		return store.Phase("c") == PhaseTerminal
	}, waitTimeout, 5*time.Millisecond)

	closed := map[string]CloseReason{}
	terminal := map[string]bool{}
	lastB := -1.0
	for len(closed) < 2 || lastB != 3 {
		u := nextUpdate(t, updates)
		switch {
		case u.Kind == UpdateClosed:
			closed[u.JobID] = u.Reason
		case u.Snapshot.Terminal():
			terminal[u.JobID] = true
		case u.JobID == "b":
			lastB = u.Snapshot.Progress.Or(-1)
		}
	}

	assert.Equal(t, map[string]CloseReason{"a": CloseTerminal, "c": CloseTerminal}, closed)
	assert.Equal(t, map[string]bool{"a": true, "c": true}, terminal)
}

func TestStore_StopBackloggedWatcher(t *testing.T) {
	store, fetcher, streamer := newTestStore(t, WithWatchBuffer(1))
	for _, id := range []string{"a", "b"} {
		fetcher.set(id, `{"status":"DOWNLOADING"}`)
		_, err := store.Track(context.Background(), id)
		require.NoError(t, err)
	}

	updates, stop := store.Watch("")
	require.True(t, streamer.stream(t, "a").progress(`{"status":"COMPLETED"}`))
	require.True(t, streamer.stream(t, "b").progress(`{"status":"COMPLETED"}`))
	require.Eventually(t, func() bool {
		return store.Phase("b") == PhaseTerminal
	}, waitTimeout, 5*time.Millisecond)

	stop()
	stop()

	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch channel was not closed")
		}
	}
}

func TestStore_WatchFiltersByJob(t *testing.T) {
	store, fetcher, _ := newTestStore(t)
	fetcher.set("job-1", `{"jobId":"job-1","status":"DOWNLOADING"}`)
	fetcher.set("job-2", `{"jobId":"job-2","status":"DOWNLOADING"}`)

	only2, stop := store.Watch("job-2")
	defer stop()

	_, err := store.Seed(context.Background(), "job-1")
	require.NoError(t, err)
	_, err = store.Seed(context.Background(), "job-2")
	require.NoError(t, err)

	u := nextUpdate(t, only2)
	assert.Equal(t, "job-2", u.JobID)
}

func TestStore_Close(t *testing.T) {
	fetcher := newFakeFetcher()
	streamer := newFakeStreamer()
	store := New(fetcher, streamer)
	fetcher.set("job-1", `{"jobId":"job-1","status":"DOWNLOADING"}`)

	_, err := store.Track(context.Background(), "job-1")
	require.NoError(t, err)

	updates, _ := store.Watch("")
	store.Close()
	store.Close()

	streamer.stream(t, "job-1").waitReleased(t)

	u := nextUpdate(t, updates)
	assert.Equal(t, CloseShutdown, u.Reason)
	_, ok := <-updates
	assert.False(t, ok)

	_, err = store.Seed(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.Subscribe("job-1"), ErrStoreClosed)

	late, stop := store.Watch("job-1")
	stop()
	_, ok = <-late
	assert.False(t, ok)
}
