package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bitdash/bitdash/internal/events"
	"github.com/bitdash/bitdash/internal/telemetry"
	"github.com/bitdash/bitdash/internal/utils"
)

// watchBuffer is large enough that a slow terminal does not make the
// watcher drop close notices.
const watchBuffer = 256

func newWatchCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "watch <jobId>...",
		Short: "Follow jobs until they finish",
		Long: `Seed each job from the status endpoint, subscribe to its progress stream and
print one line per update. Exits once every job is terminal or its stream
is gone.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runWatch(cmd.Context(), cmd.OutOrStdout(), args, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print updates as JSON lines")
	return cmd
}

// watchLine is the JSON form of one store update.
type watchLine struct {
	Time     time.Time              `json:"time"`
	JobID    string                 `json:"jobId"`
	Kind     string                 `json:"kind"`
	Reason   telemetry.CloseReason  `json:"reason,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Snapshot *telemetry.JobSnapshot `json:"snapshot,omitempty"`
}

func (c *cli) runWatch(ctx context.Context, out io.Writer, jobIDs []string, asJSON bool) error {
	store, err := c.newStore(telemetry.WithWatchBuffer(watchBuffer))
	if err != nil {
		return err
	}
	defer store.Close()

	updates, stop := store.Watch("")
	defer stop()

	jobIDs = dedupe(jobIDs)
	live := make([]bool, len(jobIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range jobIDs {
		g.Go(func() error {
			snap, err := store.Track(gctx, id)
			if err != nil {
				return fmt.Errorf("track %s: %w", id, err)
			}
			live[i] = !snap.Terminal()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// A job still in progress after Track is subscribed, so its close
	// notice is on its way even if the stream already ended.
	pending := make(map[string]bool, len(jobIDs))
	for i, id := range jobIDs {
		if live[i] {
			pending[id] = true
		}
	}

	var stale []string
	printer := newUpdatePrinter(out, asJSON)
	handle := func(u telemetry.Update) error {
		if err := printer.print(u); err != nil {
			return err
		}
		if u.Kind == telemetry.UpdateClosed {
			delete(pending, u.JobID)
			if closed := (events.StreamClosedMsg{Reason: u.Reason, Snapshot: u.Snapshot}); closed.Stale() {
				stale = append(stale, u.JobID)
			}
		}
		return nil
	}

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return telemetry.ErrStoreClosed
			}
			if err := handle(u); err != nil {
				return err
			}
		}
	}

	// Print whatever is still queued, such as the seeds of jobs that were
	// already finished.
	for drained := false; !drained; {
		select {
		case u := <-updates:
			if err := handle(u); err != nil {
				return err
			}
		default:
			drained = true
		}
	}

	if len(stale) > 0 {
		return fmt.Errorf("live updates stopped before %s finished", strings.Join(stale, ", "))
	}
	return nil
}

type updatePrinter struct {
	out    io.Writer
	enc    *json.Encoder
	asJSON bool
}

func newUpdatePrinter(out io.Writer, asJSON bool) *updatePrinter {
	return &updatePrinter{out: out, enc: json.NewEncoder(out), asJSON: asJSON}
}

func (p *updatePrinter) print(u telemetry.Update) error {
	if p.asJSON {
		line := watchLine{Time: time.Now().UTC(), JobID: u.JobID}
		switch u.Kind {
		case telemetry.UpdateSnapshot:
			line.Kind = "snapshot"
			line.Snapshot = &u.Snapshot
		case telemetry.UpdateDecodeError:
			line.Kind = "decode_error"
		case telemetry.UpdateClosed:
			line.Kind = "closed"
			line.Reason = u.Reason
		}
		if u.Err != nil {
			line.Error = u.Err.Error()
		}
		return p.enc.Encode(line)
	}

	var text string
	switch u.Kind {
	case telemetry.UpdateSnapshot:
		text = describeSnapshot(u.Snapshot)
	case telemetry.UpdateDecodeError:
		text = "unreadable event: " + u.Err.Error()
	case telemetry.UpdateClosed:
		text = "stream closed (" + string(u.Reason) + ")"
		if u.Err != nil {
			text += ": " + u.Err.Error()
		}
	}
	_, err := fmt.Fprintf(p.out, "%s  %-10s %s\n", time.Now().Format(time.TimeOnly), u.JobID, text)
	return err
}

// describeSnapshot renders the headline numbers of a job on one line.
func describeSnapshot(s telemetry.JobSnapshot) string {
	parts := []string{s.Status.Or("UNKNOWN").String()}
	if p, ok := s.Progress.Get(); ok {
		parts = append(parts, fmt.Sprintf("%5.1f%%", p))
	}
	if speed, ok := s.OverallDownloadSpeed.Get(); ok {
		parts = append(parts, utils.FormatSpeed(speed))
	}
	if total, ok := s.TotalPieces.Get(); ok {
		parts = append(parts, fmt.Sprintf("%d/%d pieces", s.CompletedPieces.Or(0), total))
	}
	if peers, ok := s.Peers.Get(); ok {
		parts = append(parts, fmt.Sprintf("%d peers", len(peers)))
	}
	if msg, ok := s.ErrorMessage.Get(); ok && msg != "" {
		parts = append(parts, "error: "+msg)
	}
	return strings.Join(parts, "  ")
}
