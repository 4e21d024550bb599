package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aqasem/rollcall/core/logger"
	"github.com/aqasem/rollcall/core/store"
)

// TaskSpec describes one check-in run for one student.
type TaskSpec struct {
	StudentID string
	Subject   string
	TargetURL string
	// SubmittedBy identifies the caller, e.g. "tg:42" or "web:admin".
	SubmittedBy string
}

func (s TaskSpec) validate() error {
	if strings.TrimSpace(s.StudentID) == "" {
		return invalid("student_id", "must not be empty")
	}
	if strings.TrimSpace(s.Subject) == "" {
		return invalid("subject", "must not be empty")
	}
	return nil
}

// SubmitCheckIn validates the request, persists a pending task and hands it to
// the runner. The task id is returned immediately; completion is observed
// through the task record.
func (c *Coordinator) SubmitCheckIn(ctx context.Context, spec TaskSpec) (string, error) {
	if err := spec.validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	task := store.Task{
		ID:          id,
		Status:      store.TaskPending,
		StudentID:   spec.StudentID,
		Subject:     spec.Subject,
		TargetURL:   spec.TargetURL,
		SubmittedBy: spec.SubmittedBy,
		SubmittedAt: c.now().UTC(),
	}

	_, err := c.Apply(ctx, spec.SubmittedBy, func(d *store.Document) error {
		rec, ok := d.Records[spec.StudentID]
		if !ok {
			return notFound("student", spec.StudentID)
		}
		if IsPending(rec) {
			return invalid("student_id", "awaiting approval")
		}
		if task.TargetURL == "" {
			task.TargetURL = settingsFromDoc(d).URL
		}
		if task.TargetURL == "" {
			return invalid("target_url", "no portal url configured")
		}
		for _, t := range d.Tasks {
			if t.Status.Terminal() {
				continue
			}
			if t.StudentID == spec.StudentID && strings.EqualFold(t.Subject, spec.Subject) {
				return invalid("subject", "run already pending for this student")
			}
		}
		d.Tasks[id] = task
		return nil
	})
	if err != nil {
		return "", err
	}

	if c.queue != nil {
		if qerr := c.queue.Enqueue(task); qerr != nil {
			_, _ = c.Apply(ctx, spec.SubmittedBy, func(d *store.Document) error {
				failTaskIn(d, id, store.ReasonInternal, qerr.Error(), c.now)
				return nil
			})
			return "", qerr
		}
	}
	logger.LogEvent(ctx, logger.Coord, slog.LevelInfo, "task_submitted",
		slog.String("task_id", id),
		slog.String("student_id", spec.StudentID),
		slog.String("subject", spec.Subject))
	return id, nil
}

// SubmitRun fans a subject run out to every approved student enrolled in the
// subject and returns the created task ids. Students already queued for the
// subject are skipped rather than failing the whole run.
func (c *Coordinator) SubmitRun(ctx context.Context, caller, subject, targetURL string) ([]string, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, invalid("subject", "must not be empty")
	}
	doc, err := c.State(ctx)
	if err != nil {
		return nil, err
	}
	var enrolled []string
	for id, rec := range doc.Records {
		if id == store.SettingsID || IsPending(rec) {
			continue
		}
		if HasSubject(rec, subject) {
			enrolled = append(enrolled, id)
		}
	}
	if len(enrolled) == 0 {
		return nil, invalid("subject", "no approved students enrolled")
	}
	sort.Strings(enrolled)

	ids := make([]string, 0, len(enrolled))
	for _, studentID := range enrolled {
		id, err := c.SubmitCheckIn(ctx, TaskSpec{
			StudentID:   studentID,
			Subject:     subject,
			TargetURL:   targetURL,
			SubmittedBy: caller,
		})
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) && verr.Field == "subject" {
				continue
			}
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CancelTask fails a still-pending task with reason cancelled. Running tasks
// are bounded by their timeout instead; terminal tasks are immutable.
func (c *Coordinator) CancelTask(ctx context.Context, caller, id string) error {
	_, err := c.Apply(ctx, caller, func(d *store.Document) error {
		t, ok := d.Tasks[id]
		if !ok {
			return notFound("task", id)
		}
		if t.Status != store.TaskPending {
			return invalid("task_id", "only pending tasks can be cancelled")
		}
		failTaskIn(d, id, store.ReasonCancelled, "cancelled by "+caller, c.now)
		return nil
	})
	if err == nil {
		logger.LogEvent(ctx, logger.Coord, slog.LevelInfo, "task_cancelled",
			slog.String("task_id", id))
	}
	return err
}

// TaskByID returns a task snapshot.
func (c *Coordinator) TaskByID(ctx context.Context, id string) (store.Task, error) {
	doc, err := c.State(ctx)
	if err != nil {
		return store.Task{}, err
	}
	t, ok := doc.Tasks[id]
	if !ok {
		return store.Task{}, notFound("task", id)
	}
	return t, nil
}

// RecentTasks returns up to n tasks, newest submission first.
func (c *Coordinator) RecentTasks(ctx context.Context, n int) ([]store.Task, error) {
	doc, err := c.State(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]store.Task, 0, len(doc.Tasks))
	for _, t := range doc.Tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// BeginTaskAttempt moves a task to running and counts the attempt. The
// refreshed task is returned so the runner sees current roster credentials.
// A task already cancelled (or otherwise terminal) comes back with ok=false.
func (c *Coordinator) BeginTaskAttempt(ctx context.Context, id string) (store.Task, bool, error) {
	var out store.Task
	var ok bool
	_, err := c.Apply(ctx, "runner", func(d *store.Document) error {
		t, exists := d.Tasks[id]
		if !exists {
			return notFound("task", id)
		}
		if t.Status.Terminal() {
			ok = false
			out = t
			return nil
		}
		now := c.now().UTC()
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
		t.Status = store.TaskRunning
		t.Attempts++
		d.Tasks[id] = t
		out = t
		ok = true
		return nil
	})
	if err != nil {
		return store.Task{}, false, err
	}
	return out, ok, nil
}

// CompleteTask marks a task succeeded with its artifact reference.
func (c *Coordinator) CompleteTask(ctx context.Context, id, artifactRef string) error {
	_, err := c.Apply(ctx, "runner", func(d *store.Document) error {
		t, ok := d.Tasks[id]
		if !ok {
			return notFound("task", id)
		}
		if t.Status.Terminal() {
			return nil
		}
		now := c.now().UTC()
		t.Status = store.TaskSucceeded
		t.CompletedAt = &now
		t.ArtifactRef = artifactRef
		t.Error = ""
		t.FailureReason = ""
		d.Tasks[id] = t
		return nil
	})
	return err
}

// FailTask marks a task failed with a structured reason.
func (c *Coordinator) FailTask(ctx context.Context, id, reason, msg string) error {
	_, err := c.Apply(ctx, "runner", func(d *store.Document) error {
		t, ok := d.Tasks[id]
		if !ok {
			return notFound("task", id)
		}
		if t.Status.Terminal() {
			return nil
		}
		failTaskIn(d, id, reason, msg, c.now)
		return nil
	})
	return err
}

// PruneTasks deletes terminal tasks whose completion is older than maxAge
// and reports how many were removed. Pending and running tasks are never
// touched; the Postgres archive is where pruned runs live on.
func (c *Coordinator) PruneTasks(ctx context.Context, caller string, maxAge time.Duration) (int, error) {
	cutoff := c.now().UTC().Add(-maxAge)
	removed := 0
	_, err := c.Apply(ctx, caller, func(d *store.Document) error {
		removed = 0
		for id, t := range d.Tasks {
			if !t.Status.Terminal() || t.CompletedAt == nil {
				continue
			}
			if t.CompletedAt.Before(cutoff) {
				delete(d.Tasks, id)
				removed++
			}
		}
		if removed == 0 {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	logger.LogEvent(ctx, logger.Coord, slog.LevelInfo, "tasks_pruned",
		slog.Int("count", removed),
		slog.Duration("max_age", maxAge))
	return removed, nil
}

// RunPruner prunes expired terminal tasks at the given interval until ctx
// is cancelled. One pass runs immediately on start.
func (c *Coordinator) RunPruner(ctx context.Context, maxAge, interval time.Duration) {
	prune := func() {
		if _, err := c.PruneTasks(ctx, "pruner", maxAge); err != nil {
			logger.LogEvent(ctx, logger.Coord, slog.LevelWarn, "prune_failed",
				slog.String("err", err.Error()))
		}
	}
	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// StudentRecord returns the raw record for a student, for credential reads.
func (c *Coordinator) StudentRecord(ctx context.Context, id string) (store.Record, error) {
	doc, err := c.State(ctx)
	if err != nil {
		return store.Record{}, err
	}
	rec, ok := doc.Records[id]
	if !ok {
		return store.Record{}, notFound("student", id)
	}
	return rec, nil
}

func failTaskIn(d *store.Document, id, reason, msg string, now func() time.Time) {
	t, ok := d.Tasks[id]
	if !ok || t.Status.Terminal() {
		return
	}
	ts := now().UTC()
	t.Status = store.TaskFailed
	t.CompletedAt = &ts
	t.FailureReason = reason
	t.Error = msg
	d.Tasks[id] = t
}
