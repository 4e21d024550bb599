// Package coordinator is the single mutation path for both front-ends. It
// wraps store writes with bounded conflict retry and owns the roster, the
// shared settings and the task lifecycle.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/aqasem/rollcall/core/logger"
	"github.com/aqasem/rollcall/core/store"
)

// TaskQueue receives validated tasks for execution. Implemented by the
// automation runner; nil in the web process, where tasks are only persisted
// and the bot process picks them up.
type TaskQueue interface {
	Enqueue(task store.Task) error
}

// DocStore is the slice of the document store the coordinator needs.
type DocStore interface {
	Read() (*store.Document, error)
	Write(expectedVersion uint64, mutate func(*store.Document) error) (uint64, error)
}

// Options tunes the coordinator.
type Options struct {
	// MaxApplyAttempts bounds conflict retries per Apply call; <=0 -> 5.
	MaxApplyAttempts int
	Now              func() time.Time
}

// Coordinator serializes all document mutations for one process.
type Coordinator struct {
	st       DocStore
	queue    TaskQueue
	attempts int
	now      func() time.Time
}

// New builds a coordinator over the given store.
func New(st DocStore, opts Options) *Coordinator {
	attempts := opts.MaxApplyAttempts
	if attempts <= 0 {
		attempts = 5
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{st: st, attempts: attempts, now: now}
}

// AttachQueue wires the task queue after construction. Must be called before
// the first submit; the runner itself needs the coordinator to update task
// records, hence the two-step wiring.
func (c *Coordinator) AttachQueue(q TaskQueue) {
	c.queue = q
}

// State returns a fresh snapshot of the shared document.
func (c *Coordinator) State(ctx context.Context) (*store.Document, error) {
	doc, err := c.st.Read()
	if err != nil {
		logger.LogEvent(ctx, logger.Coord, slog.LevelError, "state_read_failed",
			slog.String("err", err.Error()))
		return nil, err
	}
	return doc, nil
}

// Apply runs mutate against a fresh document and writes it back with a
// version compare-and-swap. On conflict it re-reads and re-applies, up to
// the configured bound, then surfaces store.ErrConflict. Records touched by
// mutate are stamped with caller and the current time.
func (c *Coordinator) Apply(ctx context.Context, caller string, mutate func(*store.Document) error) (*store.Document, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := c.st.Read()
		if err != nil {
			return nil, err
		}
		version := doc.Version

		var out *store.Document
		_, err = c.st.Write(version, func(d *store.Document) error {
			// deep copy: mutate may edit attr maps in place
			before := d.Clone().Records
			if err := mutate(d); err != nil {
				return err
			}
			c.stampTouched(d, before, caller)
			out = d.Clone()
			return nil
		})
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		lastErr = err
		logger.LogEvent(ctx, logger.Coord, slog.LevelDebug, "apply_conflict",
			slog.String("caller", caller),
			slog.Uint64("version", version),
			slog.Int("attempts", attempt))
	}
	logger.LogEvent(ctx, logger.Coord, slog.LevelWarn, "apply_gave_up",
		slog.String("caller", caller),
		slog.Int("attempts", c.attempts))
	return nil, fmt.Errorf("apply after %d attempts: %w", c.attempts, lastErr)
}

func (c *Coordinator) stampTouched(d *store.Document, before map[string]store.Record, caller string) {
	now := c.now().UTC()
	for id, rec := range d.Records {
		prev, existed := before[id]
		if existed && reflect.DeepEqual(prev, rec) {
			continue
		}
		rec.UpdatedAt = now
		rec.UpdatedBy = caller
		d.Records[id] = rec
	}
}
