package automation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqasem/rollcall/core/coordinator"
	"github.com/aqasem/rollcall/core/store"
)

// fakeBrowser scripts outcomes per student and records execution order and
// peak concurrency.
type fakeBrowser struct {
	mu      sync.Mutex
	order   []string
	active  int
	peak    int
	delay   time.Duration
	scripts map[string]func(call int) error
	calls   map[string]int
}

func (b *fakeBrowser) CheckIn(ctx context.Context, job CheckInJob) ([]byte, error) {
	b.mu.Lock()
	b.order = append(b.order, job.StudentID)
	b.active++
	if b.active > b.peak {
		b.peak = b.active
	}
	if b.calls == nil {
		b.calls = make(map[string]int)
	}
	b.calls[job.StudentID]++
	call := b.calls[job.StudentID]
	script := b.scripts[job.StudentID]
	delay := b.delay
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if script != nil {
		if err := script(call); err != nil {
			return nil, err
		}
	}
	return []byte("png"), nil
}

type memArtifacts struct {
	mu   sync.Mutex
	blob map[string][]byte
}

func (a *memArtifacts) Put(taskID string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.blob == nil {
		a.blob = make(map[string][]byte)
	}
	a.blob[taskID] = data
	return taskID + ".png", nil
}

func newRunnerHarness(t *testing.T, browser Browser, opts Options) (*coordinator.Coordinator, *Runner) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	coord := coordinator.New(st, coordinator.Options{})
	r := NewRunner(coord, browser, &memArtifacts{}, opts)
	coord.AttachQueue(r)
	return coord, r
}

func seed(t *testing.T, coord *coordinator.Coordinator, ids ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, coord.UpdateSettings(ctx, "test", coordinator.Settings{
		URL: "https://portal.example.edu", GeoSource: "browser",
	}))
	for _, id := range ids {
		require.NoError(t, coord.AddStudent(ctx, "test", coordinator.StudentInput{
			ID: id, Username: "u" + id, Password: "pw", Subjects: []string{"EN101"},
		}))
	}
}

func waitTerminal(t *testing.T, coord *coordinator.Coordinator, ids ...string) map[string]store.Task {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		doc, err := coord.State(context.Background())
		require.NoError(t, err)
		done := true
		for _, id := range ids {
			if !doc.Tasks[id].Status.Terminal() {
				done = false
				break
			}
		}
		if done {
			out := make(map[string]store.Task, len(ids))
			for _, id := range ids {
				out[id] = doc.Tasks[id]
			}
			return out
		}
		select {
		case <-deadline:
			t.Fatal("tasks did not finish")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRunnerFIFOAndConcurrencyLimit(t *testing.T) {
	browser := &fakeBrowser{delay: 30 * time.Millisecond}
	coord, r := newRunnerHarness(t, browser, Options{MaxSessions: 2, QueueSize: 16, TaskTimeout: time.Second})

	students := []string{"01", "02", "03", "04", "05", "06"}
	seed(t, coord, students...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	var ids []string
	for _, s := range students {
		id, err := coord.SubmitCheckIn(ctx, coordinator.TaskSpec{StudentID: s, Subject: "EN101", SubmittedBy: "test"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	tasks := waitTerminal(t, coord, ids...)
	for id, task := range tasks {
		assert.Equal(t, store.TaskSucceeded, task.Status, "task %s", id)
		assert.Equal(t, 1, task.Attempts)
		assert.NotEmpty(t, task.ArtifactRef)
	}
	assert.LessOrEqual(t, browser.peak, 2)
	// with two workers draining one queue, start order tracks submission
	// order pairwise; the first two picked up must be the first two submitted
	require.Len(t, browser.order, len(students))
	assert.ElementsMatch(t, students[:2], browser.order[:2])
	assert.ElementsMatch(t, students, browser.order)
}

func TestRunnerStrictFIFOSingleWorker(t *testing.T) {
	browser := &fakeBrowser{}
	coord, r := newRunnerHarness(t, browser, Options{MaxSessions: 1, QueueSize: 16, TaskTimeout: time.Second})

	students := []string{"01", "02", "03", "04"}
	seed(t, coord, students...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ids []string
	// submit before Start so ordering cannot race the workers
	r.Start(ctx)
	for _, s := range students {
		id, err := coord.SubmitCheckIn(ctx, coordinator.TaskSpec{StudentID: s, Subject: "EN101", SubmittedBy: "test"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	waitTerminal(t, coord, ids...)
	assert.Equal(t, students, browser.order)
	assert.Equal(t, 1, browser.peak)
}

func TestRunnerTimeout(t *testing.T) {
	browser := &fakeBrowser{delay: time.Second}
	coord, r := newRunnerHarness(t, browser, Options{
		MaxSessions: 1, QueueSize: 4, TaskTimeout: 50 * time.Millisecond, MaxRetries: 2,
	})
	seed(t, coord, "01", "02")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	id, err := coord.SubmitCheckIn(ctx, coordinator.TaskSpec{StudentID: "01", Subject: "EN101", SubmittedBy: "test"})
	require.NoError(t, err)
	task := waitTerminal(t, coord, id)[id]
	assert.Equal(t, store.TaskFailed, task.Status)
	assert.Equal(t, store.ReasonTimeout, task.FailureReason)
	// timeouts are not retried
	assert.Equal(t, 1, task.Attempts)

	// the session was released: the next task still runs
	browser.mu.Lock()
	browser.delay = 0
	browser.mu.Unlock()
	id2, err := coord.SubmitCheckIn(ctx, coordinator.TaskSpec{StudentID: "02", Subject: "EN101", SubmittedBy: "test"})
	require.NoError(t, err)
	task2 := waitTerminal(t, coord, id2)[id2]
	assert.Equal(t, store.TaskSucceeded, task2.Status)
}

func TestRunnerTransientRetry(t *testing.T) {
	browser := &fakeBrowser{scripts: map[string]func(int) error{
		"01": func(call int) error {
			if call <= 2 {
				return Retryable(store.ReasonNavigation, errors.New("connection reset"))
			}
			return nil
		},
	}}
	coord, r := newRunnerHarness(t, browser, Options{
		MaxSessions: 1, QueueSize: 4, TaskTimeout: time.Second,
		MaxRetries: 2, RetryBackoff: time.Millisecond,
	})
	seed(t, coord, "01")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	id, err := coord.SubmitCheckIn(ctx, coordinator.TaskSpec{StudentID: "01", Subject: "EN101", SubmittedBy: "test"})
	require.NoError(t, err)
	task := waitTerminal(t, coord, id)[id]
	assert.Equal(t, store.TaskSucceeded, task.Status)
	assert.Equal(t, 3, task.Attempts)
}

func TestRunnerTransientExhaustsRetries(t *testing.T) {
	browser := &fakeBrowser{scripts: map[string]func(int) error{
		"01": func(int) error { return Retryable(store.ReasonSession, errors.New("chrome went away")) },
	}}
	coord, r := newRunnerHarness(t, browser, Options{
		MaxSessions: 1, QueueSize: 4, TaskTimeout: time.Second,
		MaxRetries: 2, RetryBackoff: time.Millisecond,
	})
	seed(t, coord, "01")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	id, err := coord.SubmitCheckIn(ctx, coordinator.TaskSpec{StudentID: "01", Subject: "EN101", SubmittedBy: "test"})
	require.NoError(t, err)
	task := waitTerminal(t, coord, id)[id]
	assert.Equal(t, store.TaskFailed, task.Status)
	assert.Equal(t, store.ReasonSession, task.FailureReason)
	assert.Equal(t, 3, task.Attempts)
}

func TestRunnerPermanentFailureNoRetry(t *testing.T) {
	browser := &fakeBrowser{scripts: map[string]func(int) error{
		"01": func(int) error { return Fail(store.ReasonLogin, errors.New("bad credentials")) },
	}}
	coord, r := newRunnerHarness(t, browser, Options{
		MaxSessions: 1, QueueSize: 4, TaskTimeout: time.Second, MaxRetries: 5,
	})
	seed(t, coord, "01")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	id, err := coord.SubmitCheckIn(ctx, coordinator.TaskSpec{StudentID: "01", Subject: "EN101", SubmittedBy: "test"})
	require.NoError(t, err)
	task := waitTerminal(t, coord, id)[id]
	assert.Equal(t, store.TaskFailed, task.Status)
	assert.Equal(t, store.ReasonLogin, task.FailureReason)
	assert.Equal(t, 1, task.Attempts)
}

func TestRunnerQueueFull(t *testing.T) {
	browser := &fakeBrowser{delay: time.Second}
	coord, r := newRunnerHarness(t, browser, Options{MaxSessions: 1, QueueSize: 1, TaskTimeout: 2 * time.Second})
	seed(t, coord, "01", "02", "03", "04")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	// first task occupies the worker, second fills the queue; a later one
	// must be refused
	_, err := coord.SubmitCheckIn(ctx, coordinator.TaskSpec{StudentID: "01", Subject: "EN101", SubmittedBy: "test"})
	require.NoError(t, err)
	var sawFull bool
	for _, s := range []string{"02", "03", "04"} {
		_, err = coord.SubmitCheckIn(ctx, coordinator.TaskSpec{StudentID: s, Subject: "EN101", SubmittedBy: "test"})
		if errors.Is(err, ErrQueueFull) {
			sawFull = true
			break
		}
		require.NoError(t, err)
	}
	assert.True(t, sawFull)
}

func TestRunnerEnqueueBeforeStart(t *testing.T) {
	browser := &fakeBrowser{}
	_, r := newRunnerHarness(t, browser, Options{})
	err := r.Enqueue(store.Task{ID: "x"})
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestRunnerSkipsCancelledTask(t *testing.T) {
	browser := &fakeBrowser{delay: 150 * time.Millisecond}
	coord, r := newRunnerHarness(t, browser, Options{MaxSessions: 1, QueueSize: 8, TaskTimeout: time.Second})
	seed(t, coord, "01", "02")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	id1, err := coord.SubmitCheckIn(ctx, coordinator.TaskSpec{StudentID: "01", Subject: "EN101", SubmittedBy: "test"})
	require.NoError(t, err)
	id2, err := coord.SubmitCheckIn(ctx, coordinator.TaskSpec{StudentID: "02", Subject: "EN101", SubmittedBy: "test"})
	require.NoError(t, err)

	// cancel the queued task while the first occupies the worker
	require.NoError(t, coord.CancelTask(ctx, "test", id2))

	tasks := waitTerminal(t, coord, id1, id2)
	assert.Equal(t, store.TaskSucceeded, tasks[id1].Status)
	assert.Equal(t, store.TaskFailed, tasks[id2].Status)
	assert.Equal(t, store.ReasonCancelled, tasks[id2].FailureReason)
	assert.Equal(t, 0, tasks[id2].Attempts)

	browser.mu.Lock()
	order := append([]string(nil), browser.order...)
	browser.mu.Unlock()
	assert.NotContains(t, order, "02")
}

func TestRunnerTerminalHooks(t *testing.T) {
	var mu sync.Mutex
	var seen []store.Task
	browser := &fakeBrowser{}
	coord, r := newRunnerHarness(t, browser, Options{
		MaxSessions: 1, QueueSize: 4, TaskTimeout: time.Second,
		Hooks: []TerminalHook{func(_ context.Context, task store.Task) {
			mu.Lock()
			seen = append(seen, task)
			mu.Unlock()
		}},
	})
	seed(t, coord, "01")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	id, err := coord.SubmitCheckIn(ctx, coordinator.TaskSpec{StudentID: "01", Subject: "EN101", SubmittedBy: "test"})
	require.NoError(t, err)
	waitTerminal(t, coord, id)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, store.TaskSucceeded, seen[0].Status)
	mu.Unlock()
}

func TestRunnerRescanPicksUpForeignSubmissions(t *testing.T) {
	browser := &fakeBrowser{}
	st, err := store.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	// the submitting side has no queue attached, like the admin panel process
	submitter := coordinator.New(st, coordinator.Options{})
	seed(t, submitter, "01")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	id, err := submitter.SubmitCheckIn(ctx, coordinator.TaskSpec{StudentID: "01", Subject: "EN101", SubmittedBy: "web:admin"})
	require.NoError(t, err)

	executor := coordinator.New(st, coordinator.Options{})
	r := NewRunner(executor, browser, &memArtifacts{}, Options{MaxSessions: 1, QueueSize: 4, TaskTimeout: time.Second})
	executor.AttachQueue(r)
	r.Start(ctx)

	r.rescanOnce(ctx)
	tasks := waitTerminal(t, executor, id)
	assert.Equal(t, store.TaskSucceeded, tasks[id].Status)
}

func TestRunnerEnqueueDeduplicates(t *testing.T) {
	browser := &fakeBrowser{delay: 200 * time.Millisecond}
	coord, r := newRunnerHarness(t, browser, Options{MaxSessions: 1, QueueSize: 8, TaskTimeout: time.Second})
	seed(t, coord, "01")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	id, err := coord.SubmitCheckIn(ctx, coordinator.TaskSpec{StudentID: "01", Subject: "EN101", SubmittedBy: "test"})
	require.NoError(t, err)

	// a rescan racing the original submission must not double-run the task
	r.rescanOnce(ctx)
	r.rescanOnce(ctx)

	tasks := waitTerminal(t, coord, id)
	assert.Equal(t, store.TaskSucceeded, tasks[id].Status)
	assert.Equal(t, 1, tasks[id].Attempts)

	browser.mu.Lock()
	calls := browser.calls["01"]
	browser.mu.Unlock()
	assert.Equal(t, 1, calls)
}
