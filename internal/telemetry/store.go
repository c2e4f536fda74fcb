// Package telemetry tracks live download jobs: it seeds a snapshot with one
// pull, merges pushed progress events into it, and stops listening once the
// job can no longer change.
package telemetry

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ProgressEvent is the event name carrying snapshot updates on a push stream.
const ProgressEvent = "progress"

// Frame is one message read from a push stream.
type Frame struct {
	Event string
	Data  []byte
	Err   error // set on the last frame when the transport failed
}

// StatusFetcher performs the pull half: one full snapshot on demand.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, jobID string) ([]byte, error)
}

// ProgressStreamer opens the push half for one job. The returned channel is
// closed when the stream ends; a transport failure arrives as a final Frame
// with Err set. Implementations stop sending once ctx is done. The returned
// func releases the connection and may be called more than once.
type ProgressStreamer interface {
	StreamProgress(ctx context.Context, jobID string) (<-chan Frame, func(), error)
}

// Phase is the client-side lifecycle of a tracked job.
type Phase int

const (
	PhaseUnseeded Phase = iota
	PhaseActive
	PhaseTerminal
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseTerminal:
		return "terminal"
	}
	return "unseeded"
}

// UpdateKind tells watchers what an Update carries.
type UpdateKind int

const (
	UpdateSnapshot UpdateKind = iota
	UpdateDecodeError
	UpdateClosed
)

// CloseReason explains why a subscription ended.
type CloseReason string

const (
	CloseTerminal     CloseReason = "terminal"
	CloseTransport    CloseReason = "transport"
	CloseEOF          CloseReason = "eof"
	CloseUnsubscribed CloseReason = "unsubscribed"
	CloseDiscarded    CloseReason = "discarded"
	CloseShutdown     CloseReason = "shutdown"
)

// Update is published to watchers after every merge, rejected push payload,
// and subscription close.
type Update struct {
	JobID    string
	Kind     UpdateKind
	Snapshot JobSnapshot // merged snapshot; for UpdateClosed the last known one
	Reason   CloseReason // UpdateClosed only
	Err      error       // DecodeError for UpdateDecodeError, cause for UpdateClosed
}

type entry struct {
	jobID     string
	snapshot  *JobSnapshot
	seeded    bool
	frozen    bool
	freezeGen uint64
	sub       *subscription
}

type subscription struct {
	ctx     context.Context
	cancel  context.CancelFunc
	release func()
}

func (s *subscription) stop() {
	s.cancel()
	if s.release != nil {
		s.release()
	}
}

// Store holds one authoritative snapshot per tracked job. It is safe for
// concurrent use; all merges are serialized.
type Store struct {
	fetcher     StatusFetcher
	streamer    ProgressStreamer
	logger      zerolog.Logger
	watchBuffer int

	mu       sync.Mutex
	jobs     map[string]*entry
	watchers map[*watcher]struct{}
	drift    map[Status]bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithWatchBuffer sets the per-watcher channel capacity.
func WithWatchBuffer(size int) Option {
	return func(s *Store) {
		if size > 0 {
			s.watchBuffer = size
		}
	}
}

const defaultWatchBuffer = 32

// New creates a store backed by the given pull and push transports.
func New(fetcher StatusFetcher, streamer ProgressStreamer, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		fetcher:     fetcher,
		streamer:    streamer,
		logger:      zerolog.Nop(),
		watchBuffer: defaultWatchBuffer,
		jobs:        make(map[string]*entry),
		watchers:    make(map[*watcher]struct{}),
		drift:       make(map[Status]bool),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seed pulls the full snapshot for jobID, merges it, and returns the merged
// result. A seed re-opens a job frozen by a terminal status. Failures are
// returned as *TransportError or *DecodeError and are not retried.
func (s *Store) Seed(ctx context.Context, jobID string) (JobSnapshot, error) {
	if jobID == "" {
		return JobSnapshot{}, ErrEmptyJobID
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return JobSnapshot{}, ErrStoreClosed
	}
	e := s.entryLocked(jobID)
	gen := e.freezeGen
	s.mu.Unlock()

	body, err := s.fetcher.FetchStatus(ctx, jobID)
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) {
			err = &TransportError{Op: "status", URL: jobID, Err: err}
		}
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("seed failed")
		s.pruneIfEmpty(e)
		return JobSnapshot{}, err
	}

	snap, err := DecodeSnapshot(body)
	if err != nil {
		derr := newDecodeError(jobID, SourcePull, body, err)
		s.logger.Warn().Err(derr).Str("job_id", jobID).Msg("seed payload rejected")
		s.pruneIfEmpty(e)
		return JobSnapshot{}, derr
	}
	if id, ok := snap.JobID.Get(); !ok || id == "" {
		snap.JobID = Some(jobID)
	} else if id != jobID {
		s.logger.Warn().Str("job_id", jobID).Str("reported_id", id).Msg("status endpoint returned a different job id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return JobSnapshot{}, ErrStoreClosed
	}
	if s.jobs[jobID] != e {
		return JobSnapshot{}, ErrJobDiscarded
	}
	if e.frozen && e.freezeGen != gen {
		// A terminal status was merged while this pull was in flight; the
		// pulled data is older than what froze the job.
		return e.snapshot.Clone(), nil
	}
	e.seeded = true
	e.frozen = false
	s.applyLocked(e, snap)
	return e.snapshot.Clone(), nil
}

// Subscribe opens the push connection for jobID unless one is already open,
// in which case it does nothing. It returns ErrJobTerminal for a job frozen
// by a terminal status; Seed re-opens such a job.
func (s *Store) Subscribe(jobID string) error {
	if jobID == "" {
		return ErrEmptyJobID
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	e := s.entryLocked(jobID)
	if e.sub != nil {
		s.mu.Unlock()
		return nil
	}
	if e.frozen {
		s.mu.Unlock()
		return ErrJobTerminal
	}
	ctx, cancel := context.WithCancel(s.ctx)
	sub := &subscription{ctx: ctx, cancel: cancel}
	e.sub = sub
	s.mu.Unlock()

	frames, release, err := s.streamer.StreamProgress(ctx, jobID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs[jobID] != e || e.sub != sub {
		// Unsubscribed, discarded or closed while connecting.
		cancel()
		if release != nil {
			release()
		}
		return nil
	}
	if err != nil {
		cancel()
		e.sub = nil
		s.pruneLocked(e)
		var te *TransportError
		if !errors.As(err, &te) {
			err = &TransportError{Op: "stream", URL: jobID, Err: err}
		}
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("subscribe failed")
		return err
	}
	sub.release = release
	s.wg.Add(1)
	go s.consume(e, sub, frames)
	s.logger.Debug().Str("job_id", jobID).Msg("subscribed")
	return nil
}

// Unsubscribe closes the push connection for jobID if one is open. The
// snapshot is kept.
func (s *Store) Unsubscribe(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.jobs[jobID]; ok {
		s.closeSubLocked(e, CloseUnsubscribed, nil)
	}
}

// Track seeds jobID and, if the job is still in progress, subscribes to it.
func (s *Store) Track(ctx context.Context, jobID string) (JobSnapshot, error) {
	snap, err := s.Seed(ctx, jobID)
	if err != nil {
		return JobSnapshot{}, err
	}
	if snap.Terminal() {
		return snap, nil
	}
	if err := s.Subscribe(jobID); err != nil && !errors.Is(err, ErrJobTerminal) {
		return snap, err
	}
	return snap, nil
}

// Discard releases jobID: the connection is closed before the snapshot is
// dropped.
func (s *Store) Discard(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardLocked(jobID)
}

// DiscardInfoHash discards every job downloading the given torrent and
// returns their ids.
func (s *Store) DiscardInfoHash(infoHash string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, e := range s.jobs {
		if e.snapshot == nil {
			continue
		}
		if strings.EqualFold(e.snapshot.InfoHash.Or(""), infoHash) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		s.discardLocked(id)
	}
	slices.Sort(ids)
	return ids
}

// Get returns a copy of the held snapshot for jobID.
func (s *Store) Get(jobID string) (JobSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[jobID]
	if !ok || e.snapshot == nil {
		return JobSnapshot{}, false
	}
	return e.snapshot.Clone(), true
}

// Phase returns where jobID is in its client-side lifecycle.
func (s *Store) Phase(jobID string) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[jobID]
	switch {
	case !ok:
		return PhaseUnseeded
	case e.frozen:
		return PhaseTerminal
	case e.seeded:
		return PhaseActive
	}
	return PhaseUnseeded
}

// Subscribed reports whether a push connection is open for jobID.
func (s *Store) Subscribed(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[jobID]
	return ok && e.sub != nil
}

// Jobs returns the tracked job ids in sorted order.
func (s *Store) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Watch returns a channel of updates for jobID, or for every job when jobID
// is empty. A lagging watcher loses snapshots that a newer update of the same
// job supersedes; close notices and terminal snapshots always arrive. The
// returned func stops the watch and closes the channel.
func (s *Store) Watch(jobID string) (<-chan Update, func()) {
	w := newWatcher(jobID, s.watchBuffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(w.ch)
		return w.ch, func() {}
	}
	s.watchers[w] = struct{}{}

	return w.ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[w]; ok {
			delete(s.watchers, w)
			w.stop()
		}
	}
}

// Close releases every connection, drops all snapshots and closes all
// watcher channels. It waits for stream consumers to exit.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for id, e := range s.jobs {
		s.closeSubLocked(e, CloseShutdown, nil)
		delete(s.jobs, id)
	}
	for w := range s.watchers {
		delete(s.watchers, w)
		w.stop()
	}
	s.closed = true
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Store) consume(e *entry, sub *subscription, frames <-chan Frame) {
	defer s.wg.Done()
	for f := range frames {
		if !s.handleFrame(e, sub, f) {
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e.sub == sub {
		s.logger.Debug().Str("job_id", e.jobID).Msg("progress stream ended")
		s.closeSubLocked(e, CloseEOF, nil)
	}
}

// handleFrame merges one pushed frame and reports whether to keep reading.
func (s *Store) handleFrame(e *entry, sub *subscription, f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.sub != sub {
		return false
	}

	if f.Err != nil {
		err := f.Err
		var te *TransportError
		if !errors.As(err, &te) {
			err = &TransportError{Op: "stream", URL: e.jobID, Err: err}
		}
		s.logger.Warn().Err(err).Str("job_id", e.jobID).Msg("progress stream dropped")
		s.closeSubLocked(e, CloseTransport, err)
		return false
	}

	if f.Event != "" && f.Event != ProgressEvent {
		s.logger.Debug().Str("job_id", e.jobID).Str("event", f.Event).Msg("ignoring stream event")
		return true
	}

	snap, err := DecodeSnapshot(f.Data)
	if err != nil {
		derr := newDecodeError(e.jobID, SourcePush, f.Data, err)
		s.logger.Warn().Err(derr).Str("job_id", e.jobID).Msg("failed to parse progress event")
		s.publishLocked(Update{JobID: e.jobID, Kind: UpdateDecodeError, Err: derr})
		return true
	}

	s.applyLocked(e, snap)
	return e.sub == sub
}

// applyLocked merges incoming into e, publishes the result and closes the
// subscription once the merged status is terminal.
func (s *Store) applyLocked(e *entry, incoming JobSnapshot) {
	merged := Merge(e.snapshot, incoming)
	e.snapshot = &merged

	if st, ok := merged.Status.Get(); ok {
		if !st.Known() && !s.drift[st] {
			s.drift[st] = true
			s.logger.Warn().
				Err(&ProtocolDrift{JobID: e.jobID, Status: st}).
				Msg("unknown job status, treating as in progress")
		}
		if st.Terminal() && !e.frozen {
			e.frozen = true
			e.freezeGen++
		}
	}

	s.publishLocked(Update{JobID: e.jobID, Kind: UpdateSnapshot, Snapshot: merged.Clone()})

	if e.frozen {
		s.closeSubLocked(e, CloseTerminal, nil)
	}
}

func (s *Store) closeSubLocked(e *entry, reason CloseReason, cause error) {
	sub := e.sub
	if sub == nil {
		return
	}
	e.sub = nil
	sub.stop()

	u := Update{JobID: e.jobID, Kind: UpdateClosed, Reason: reason, Err: cause}
	if e.snapshot != nil {
		u.Snapshot = e.snapshot.Clone()
	}
	s.publishLocked(u)
	s.logger.Debug().Str("job_id", e.jobID).Str("reason", string(reason)).Msg("subscription closed")
}

func (s *Store) discardLocked(jobID string) {
	e, ok := s.jobs[jobID]
	if !ok {
		return
	}
	s.closeSubLocked(e, CloseDiscarded, nil)
	delete(s.jobs, jobID)
}

func (s *Store) publishLocked(u Update) {
	for w := range s.watchers {
		if w.jobID != "" && w.jobID != u.JobID {
			continue
		}
		if w.push(s, u) {
			s.logger.Debug().Str("job_id", u.JobID).Msg("watcher lagging, dropped superseded update")
		}
	}
}

func (s *Store) entryLocked(jobID string) *entry {
	e, ok := s.jobs[jobID]
	if !ok {
		e = &entry{jobID: jobID}
		s.jobs[jobID] = e
	}
	return e
}

// pruneLocked forgets an entry that never received any data.
func (s *Store) pruneLocked(e *entry) {
	if e.snapshot == nil && e.sub == nil && s.jobs[e.jobID] == e {
		delete(s.jobs, e.jobID)
	}
}

func (s *Store) pruneIfEmpty(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(e)
}
