// Package automation executes check-in tasks against the portal with a
// bounded pool of browser sessions. Tasks run in submission order; each
// attempt is bounded by a wall-clock timeout and transient failures are
// retried with linear backoff.
package automation

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/aqasem/rollcall/core/coordinator"
	"github.com/aqasem/rollcall/core/logger"
	"github.com/aqasem/rollcall/core/netutil"
	"github.com/aqasem/rollcall/core/store"
)

// CheckInJob is everything one browser session needs for one attempt.
type CheckInJob struct {
	TaskID    string
	StudentID string
	Username  string
	Password  string
	Subject   string
	TargetURL string
	Headless  bool
	Geo       coordinator.Settings
}

// Browser runs one check-in attempt and returns the verification screenshot.
// Implementations classify failures via *TaskError.
type Browser interface {
	CheckIn(ctx context.Context, job CheckInJob) ([]byte, error)
}

// Artifacts persists verification screenshots by task id.
type Artifacts interface {
	Put(taskID string, data []byte) (string, error)
}

// TerminalHook observes tasks reaching a terminal status. Used for Telegram
// notifications and the history archive; hooks must not block for long.
type TerminalHook func(ctx context.Context, task store.Task)

// Options tunes the runner.
type Options struct {
	// MaxSessions caps concurrent browser sessions; <=0 -> 2.
	MaxSessions int
	// QueueSize bounds pending tasks; <=0 -> 32.
	QueueSize int
	// TaskTimeout bounds one attempt wall-clock; <=0 -> 3m.
	TaskTimeout time.Duration
	// MaxRetries is extra attempts after the first on transient failures.
	MaxRetries int
	// RetryBackoff scales linearly with the attempt number; <=0 -> 2s.
	RetryBackoff time.Duration
	Hooks        []TerminalHook
}

func (o *Options) normalize() {
	if o.MaxSessions <= 0 {
		o.MaxSessions = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 32
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 3 * time.Minute
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
}

// Runner is the task executor. Wire it to the coordinator with AttachQueue.
type Runner struct {
	coord     *coordinator.Coordinator
	browser   Browser
	artifacts Artifacts
	opts      Options

	queue   chan store.Task
	startMu sync.Mutex
	started bool
	wg      sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewRunner builds a runner. Start must be called before tasks flow.
func NewRunner(coord *coordinator.Coordinator, browser Browser, artifacts Artifacts, opts Options) *Runner {
	opts.normalize()
	return &Runner{
		coord:     coord,
		browser:   browser,
		artifacts: artifacts,
		opts:      opts,
		queue:     make(chan store.Task, opts.QueueSize),
		inflight:  make(map[string]struct{}),
	}
}

// Start launches the worker pool. Workers drain until ctx is cancelled;
// Wait blocks until they exit.
func (r *Runner) Start(ctx context.Context) {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.started {
		return
	}
	r.started = true
	for i := 0; i < r.opts.MaxSessions; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}
	logger.LogEvent(ctx, logger.Run, slog.LevelInfo, "runner_started",
		slog.Int("workers", r.opts.MaxSessions),
		slog.Int("queued", r.opts.QueueSize))
}

// Wait blocks until all workers have exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Enqueue adds a task without blocking. Implements coordinator.TaskQueue.
// Tasks already queued or executing are skipped, which lets the rescan loop
// re-offer store state without double-running anything.
func (r *Runner) Enqueue(task store.Task) error {
	r.startMu.Lock()
	started := r.started
	r.startMu.Unlock()
	if !started {
		return ErrNotRunning
	}

	r.inflightMu.Lock()
	if _, dup := r.inflight[task.ID]; dup {
		r.inflightMu.Unlock()
		return nil
	}
	r.inflight[task.ID] = struct{}{}
	r.inflightMu.Unlock()

	select {
	case r.queue <- task:
		return nil
	default:
		r.release(task.ID)
		return ErrQueueFull
	}
}

func (r *Runner) release(id string) {
	r.inflightMu.Lock()
	delete(r.inflight, id)
	r.inflightMu.Unlock()
}

// RunRescan periodically re-reads the shared document and enqueues pending
// tasks this process has not seen. This is how submissions from the admin
// panel, which runs without a runner, get picked up.
func (r *Runner) RunRescan(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.rescanOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) rescanOnce(ctx context.Context) {
	doc, err := r.coord.State(ctx)
	if err != nil {
		logger.LogEvent(ctx, logger.Run, slog.LevelWarn, "rescan_failed",
			slog.String("err", err.Error()))
		return
	}
	pending := make([]store.Task, 0)
	for _, t := range doc.Tasks {
		if t.Status == store.TaskPending {
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].SubmittedAt.Equal(pending[j].SubmittedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].SubmittedAt.Before(pending[j].SubmittedAt)
	})
	for _, t := range pending {
		// full queue or stopped runner: try again next tick
		if err := r.Enqueue(t); err != nil {
			return
		}
	}
}

func (r *Runner) worker(ctx context.Context, n int) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-r.queue:
			if !ok {
				return
			}
			r.runTask(ctx, task)
			r.release(task.ID)
		}
	}
}

// runTask drives one task through its attempts. Panics from the browser
// layer fail the task, never the worker.
func (r *Runner) runTask(ctx context.Context, task store.Task) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.LogEvent(ctx, logger.Run, slog.LevelError, "task_panic",
				slog.String("task_id", task.ID),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			r.failTask(ctx, task.ID, store.ReasonInternal, "panic during execution")
		}
	}()

	maxAttempts := r.opts.MaxRetries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cur, active, err := r.coord.BeginTaskAttempt(ctx, task.ID)
		if err != nil {
			logger.LogEvent(ctx, logger.Run, slog.LevelError, "task_begin_failed",
				slog.String("task_id", task.ID),
				slog.String("err", err.Error()))
			return
		}
		if !active {
			// cancelled while queued
			logger.LogEvent(ctx, logger.Run, slog.LevelDebug, "task_skipped",
				slog.String("task_id", task.ID),
				slog.String("status", string(cur.Status)))
			return
		}

		err = r.attempt(ctx, cur)
		if err == nil {
			return
		}

		reason, transient := classify(err)
		retryable := transient && attempt < maxAttempts && ctx.Err() == nil
		logger.LogEvent(ctx, logger.Run, slog.LevelWarn, "task_attempt_failed",
			slog.String("task_id", task.ID),
			slog.String("reason", reason),
			slog.Int("attempts", cur.Attempts),
			slog.Bool("retryable", retryable),
			slog.String("err", err.Error()))
		if !retryable {
			r.failTask(ctx, task.ID, reason, err.Error())
			return
		}
		if !sleepCtx(ctx, time.Duration(attempt)*r.opts.RetryBackoff) {
			r.failTask(ctx, task.ID, reason, err.Error())
			return
		}
	}
}

// attempt runs one bounded execution and records the outcome on success.
func (r *Runner) attempt(ctx context.Context, task store.Task) error {
	job, err := r.buildJob(ctx, task)
	if err != nil {
		return err
	}

	tctx, cancel := context.WithTimeout(ctx, r.opts.TaskTimeout)
	shot, err := r.browser.CheckIn(tctx, job)
	cancel()
	if err != nil {
		if tctx.Err() == context.DeadlineExceeded {
			return Fail(store.ReasonTimeout, err)
		}
		return err
	}

	ref := ""
	if r.artifacts != nil && len(shot) > 0 {
		ref, err = r.artifacts.Put(task.ID, shot)
		if err != nil {
			// the check-in itself went through; keep the success
			logger.LogEvent(ctx, logger.Run, slog.LevelWarn, "artifact_store_failed",
				slog.String("task_id", task.ID),
				slog.String("err", err.Error()))
			ref = ""
		}
	}
	if err := r.coord.CompleteTask(ctx, task.ID, ref); err != nil {
		return err
	}
	logger.LogEvent(ctx, logger.Run, slog.LevelInfo, "task_succeeded",
		slog.String("task_id", task.ID),
		slog.String("student_id", task.StudentID),
		slog.String("subject", task.Subject),
		slog.Int("attempts", task.Attempts),
		slog.String("artifact", ref))
	r.notify(ctx, task.ID)
	return nil
}

func (r *Runner) buildJob(ctx context.Context, task store.Task) (CheckInJob, error) {
	rec, err := r.coord.StudentRecord(ctx, task.StudentID)
	if err != nil {
		return CheckInJob{}, Fail(store.ReasonRejected, err)
	}
	settings, err := r.coord.GetSettings(ctx)
	if err != nil {
		return CheckInJob{}, Retryable(store.ReasonSession, err)
	}
	username, password := coordinator.Credentials(rec)
	return CheckInJob{
		TaskID:    task.ID,
		StudentID: task.StudentID,
		Username:  username,
		Password:  password,
		Subject:   task.Subject,
		TargetURL: task.TargetURL,
		Headless:  settings.Headless,
		Geo:       settings,
	}, nil
}

func (r *Runner) failTask(ctx context.Context, id, reason, msg string) {
	if err := r.coord.FailTask(ctx, id, reason, msg); err != nil {
		logger.LogEvent(ctx, logger.Run, slog.LevelError, "task_fail_record_failed",
			slog.String("task_id", id),
			slog.String("err", err.Error()))
		return
	}
	r.notify(ctx, id)
}

// notify re-reads the terminal task record and fans it to the hooks.
func (r *Runner) notify(ctx context.Context, id string) {
	if len(r.opts.Hooks) == 0 {
		return
	}
	task, err := r.coord.TaskByID(ctx, id)
	if err != nil || !task.Status.Terminal() {
		return
	}
	for _, hook := range r.opts.Hooks {
		hook(ctx, task)
	}
}

func classify(err error) (reason string, transient bool) {
	var terr *TaskError
	if errors.As(err, &terr) {
		return terr.Reason, terr.Transient
	}
	if netutil.ShouldRetry(err) {
		return store.ReasonNavigation, true
	}
	return store.ReasonInternal, false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
