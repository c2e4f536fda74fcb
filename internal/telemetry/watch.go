package telemetry

import "slices"

// watcher delivers updates to one Watch caller. Updates go straight into the
// buffered channel while it has room. A full channel first sheds updates
// that a newer one of the same job supersedes; what still does not fit waits
// in an ordered backlog that a pump goroutine feeds into the channel as the
// reader catches up. Close notices and terminal snapshots are never shed.
//
// All fields except ch are guarded by the store mutex.
type watcher struct {
	jobID string
	ch    chan Update

	backlog []queued
	seq     uint64
	pumping bool
	done    chan struct{}
}

type queued struct {
	seq uint64
	u   Update
}

func newWatcher(jobID string, size int) *watcher {
	return &watcher{
		jobID: jobID,
		ch:    make(chan Update, size),
		done:  make(chan struct{}),
	}
}

// sheddable reports whether u may be dropped once a newer update of the same
// job is queued behind it.
func (u Update) sheddable() bool {
	switch u.Kind {
	case UpdateDecodeError:
		return true
	case UpdateSnapshot:
		return !u.Snapshot.Terminal()
	}
	return false
}

// push queues u. It reports whether an older update had to be shed. The
// caller holds the store mutex.
func (w *watcher) push(s *Store, u Update) (shed bool) {
	if len(w.backlog) == 0 {
		select {
		case w.ch <- u:
			return false
		default:
		}
		if w.shedQueued(u) {
			select {
			case w.ch <- u:
				return true
			default:
			}
		}
	}

	// Order must hold, so once anything waits in the backlog every later
	// update waits there too.
	if u.sheddable() {
		if i := slices.IndexFunc(w.backlog, func(q queued) bool {
			return q.u.JobID == u.JobID && q.u.sheddable()
		}); i >= 0 {
			w.backlog = slices.Delete(w.backlog, i, i+1)
			shed = true
		}
	}
	w.seq++
	w.backlog = append(w.backlog, queued{seq: w.seq, u: u})
	if !w.pumping {
		w.pumping = true
		go w.pump(s)
	}
	return shed
}

// shedQueued removes the oldest buffered update that next supersedes. Only
// the store sends on ch and the backlog is empty, so the refill cannot
// block.
func (w *watcher) shedQueued(next Update) bool {
	held := make([]Update, 0, len(w.ch))
drain:
	for range cap(w.ch) {
		select {
		case u := <-w.ch:
			held = append(held, u)
		default:
			break drain
		}
	}

	victim := -1
	for i, u := range held {
		if !u.sheddable() {
			continue
		}
		if u.JobID == next.JobID || slices.ContainsFunc(held[i+1:], func(later Update) bool {
			return later.JobID == u.JobID
		}) {
			victim = i
			break
		}
	}
	if victim >= 0 {
		held = slices.Delete(held, victim, victim+1)
	}
	for _, u := range held {
		w.ch <- u
	}
	return victim >= 0
}

// pump moves the backlog into ch in order. An entry is removed only after it
// was delivered, and only if it was not replaced meanwhile.
func (w *watcher) pump(s *Store) {
	for {
		s.mu.Lock()
		select {
		case <-w.done:
			s.mu.Unlock()
			close(w.ch)
			return
		default:
		}
		if len(w.backlog) == 0 {
			w.pumping = false
			s.mu.Unlock()
			return
		}
		head := w.backlog[0]
		s.mu.Unlock()

		select {
		case w.ch <- head.u:
			s.mu.Lock()
			if len(w.backlog) > 0 && w.backlog[0].seq == head.seq {
				w.backlog = w.backlog[1:]
			}
			s.mu.Unlock()
		case <-w.done:
			close(w.ch)
			return
		}
	}
}

// stop ends delivery and closes ch, directly or through the running pump.
// The caller holds the store mutex and has removed w from the store.
func (w *watcher) stop() {
	close(w.done)
	if !w.pumping {
		close(w.ch)
	}
}
