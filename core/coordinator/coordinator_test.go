package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqasem/rollcall/core/store"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return New(st, Options{})
}

type captureQueue struct {
	mu    sync.Mutex
	tasks []store.Task
	err   error
}

func (q *captureQueue) Enqueue(task store.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

// conflictingStore rejects the first n writes as if another process had
// moved the version, then delegates.
type conflictingStore struct {
	*store.Store
	conflicts int
	calls     int
}

func (s *conflictingStore) Write(expected uint64, mutate func(*store.Document) error) (uint64, error) {
	s.calls++
	if s.calls <= s.conflicts {
		return 0, &store.ConflictError{Expected: expected, Current: expected + 1}
	}
	return s.Store.Write(expected, mutate)
}

func seedStudent(t *testing.T, c *Coordinator, id string, subjects ...string) {
	t.Helper()
	require.NoError(t, c.AddStudent(context.Background(), "test", StudentInput{
		ID:       id,
		Username: "user-" + id,
		Password: "pw",
		Subjects: subjects,
	}))
}

func seedURL(t *testing.T, c *Coordinator) {
	t.Helper()
	require.NoError(t, c.UpdateSettings(context.Background(), "test", Settings{
		URL:       "https://portal.example.edu/checkin",
		GeoSource: "browser",
	}))
}

func TestApplyStampsTouchedRecords(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	seedStudent(t, c, "1001")
	seedStudent(t, c, "1002")

	doc, err := c.Apply(ctx, "web:admin", func(d *store.Document) error {
		rec := d.Records["1001"]
		rec.Attrs["phone"] = "0123456789"
		d.Records["1001"] = rec
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "web:admin", doc.Records["1001"].UpdatedBy)
	assert.False(t, doc.Records["1001"].UpdatedAt.IsZero())
	// untouched record keeps its original stamp
	assert.Equal(t, "test", doc.Records["1002"].UpdatedBy)
}

func TestConcurrentAppliesAllLand(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	const writers = 10
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			_, errs[n] = c.Apply(ctx, "test", func(d *store.Document) error {
				d.Records[id] = store.Record{ID: id, Attrs: map[string]any{"n": n}}
				return nil
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}
	doc, err := c.State(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.Records, writers)
	assert.Equal(t, uint64(writers), doc.Version)
}

func TestApplyGivesUpAfterBoundedRetries(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	flaky := &conflictingStore{Store: st, conflicts: 2}
	c := New(flaky, Options{MaxApplyAttempts: 3})
	ctx := context.Background()

	// two conflicts then success: the retry absorbs them
	_, err = c.Apply(ctx, "test", func(d *store.Document) error {
		d.Records["r"] = store.Record{ID: "r"}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls)

	// persistent contention surfaces the conflict after the bound
	flaky.conflicts = 1 << 30
	flaky.calls = 0
	_, err = c.Apply(ctx, "test", func(d *store.Document) error { return nil })
	require.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, 3, flaky.calls)
}

func TestSubmitCheckIn(t *testing.T) {
	c := newTestCoordinator(t)
	q := &captureQueue{}
	c.AttachQueue(q)
	ctx := context.Background()

	seedStudent(t, c, "1001", "EN101")
	seedURL(t, c)

	id, err := c.SubmitCheckIn(ctx, TaskSpec{StudentID: "1001", Subject: "EN101", SubmittedBy: "tg:42"})
	require.NoError(t, err)
	require.Len(t, q.tasks, 1)
	assert.Equal(t, id, q.tasks[0].ID)
	assert.Equal(t, "https://portal.example.edu/checkin", q.tasks[0].TargetURL)

	task, err := c.TaskByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, task.Status)
	assert.Equal(t, "tg:42", task.SubmittedBy)

	// second submit for the same student+subject is refused while active
	_, err = c.SubmitCheckIn(ctx, TaskSpec{StudentID: "1001", Subject: "EN101", SubmittedBy: "tg:42"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSubmitCheckInValidation(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.SubmitCheckIn(ctx, TaskSpec{Subject: "EN101"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = c.SubmitCheckIn(ctx, TaskSpec{StudentID: "nope", Subject: "EN101"})
	require.ErrorIs(t, err, ErrNotFound)

	// no portal url anywhere
	seedStudent(t, c, "1001", "EN101")
	_, err = c.SubmitCheckIn(ctx, TaskSpec{StudentID: "1001", Subject: "EN101"})
	require.ErrorIs(t, err, ErrValidation)

	// pending students cannot run
	require.NoError(t, c.RequestStudent(ctx, "tg:7", StudentInput{ID: "2002", Password: "pw"}, 7))
	seedURL(t, c)
	_, err = c.SubmitCheckIn(ctx, TaskSpec{StudentID: "2002", Subject: "EN101"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSubmitRunFansOut(t *testing.T) {
	c := newTestCoordinator(t)
	q := &captureQueue{}
	c.AttachQueue(q)
	ctx := context.Background()

	seedStudent(t, c, "1001", "EN101")
	seedStudent(t, c, "1002", "EN101", "MA201")
	seedStudent(t, c, "1003", "MA201")
	seedURL(t, c)

	ids, err := c.SubmitRun(ctx, "tg:42", "EN101", "")
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Len(t, q.tasks, 2)
	// FIFO by student id
	assert.Equal(t, "1001", q.tasks[0].StudentID)
	assert.Equal(t, "1002", q.tasks[1].StudentID)

	_, err = c.SubmitRun(ctx, "tg:42", "PH999", "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestQueueFullFailsTask(t *testing.T) {
	c := newTestCoordinator(t)
	q := &captureQueue{err: errors.New("queue full")}
	c.AttachQueue(q)
	ctx := context.Background()

	seedStudent(t, c, "1001", "EN101")
	seedURL(t, c)

	_, err := c.SubmitCheckIn(ctx, TaskSpec{StudentID: "1001", Subject: "EN101"})
	require.Error(t, err)

	tasks, err := c.RecentTasks(ctx, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, store.TaskFailed, tasks[0].Status)
	assert.Equal(t, store.ReasonInternal, tasks[0].FailureReason)
}

func TestTaskLifecycle(t *testing.T) {
	c := newTestCoordinator(t)
	q := &captureQueue{}
	c.AttachQueue(q)
	ctx := context.Background()

	seedStudent(t, c, "1001", "EN101")
	seedURL(t, c)
	id, err := c.SubmitCheckIn(ctx, TaskSpec{StudentID: "1001", Subject: "EN101"})
	require.NoError(t, err)

	task, ok, err := c.BeginTaskAttempt(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.TaskRunning, task.Status)
	assert.Equal(t, 1, task.Attempts)
	require.NotNil(t, task.StartedAt)

	task, ok, err = c.BeginTaskAttempt(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, task.Attempts)

	require.NoError(t, c.CompleteTask(ctx, id, "1001-checkin.png"))
	task, err = c.TaskByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskSucceeded, task.Status)
	assert.Equal(t, "1001-checkin.png", task.ArtifactRef)
	require.NotNil(t, task.CompletedAt)

	// terminal tasks are immutable
	require.NoError(t, c.FailTask(ctx, id, store.ReasonTimeout, "late"))
	task, err = c.TaskByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskSucceeded, task.Status)

	_, ok, err = c.BeginTaskAttempt(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelTask(t *testing.T) {
	c := newTestCoordinator(t)
	q := &captureQueue{}
	c.AttachQueue(q)
	ctx := context.Background()

	seedStudent(t, c, "1001", "EN101")
	seedURL(t, c)
	id, err := c.SubmitCheckIn(ctx, TaskSpec{StudentID: "1001", Subject: "EN101"})
	require.NoError(t, err)

	require.NoError(t, c.CancelTask(ctx, "web:admin", id))
	task, err := c.TaskByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, task.Status)
	assert.Equal(t, store.ReasonCancelled, task.FailureReason)

	// cancelled task no longer begins attempts
	_, ok, err := c.BeginTaskAttempt(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	// only pending tasks cancel
	id2, err := c.SubmitCheckIn(ctx, TaskSpec{StudentID: "1001", Subject: "MA201"})
	require.NoError(t, err)
	_, ok, err = c.BeginTaskAttempt(ctx, id2)
	require.NoError(t, err)
	require.True(t, ok)
	require.ErrorIs(t, c.CancelTask(ctx, "web:admin", id2), ErrValidation)

	require.ErrorIs(t, c.CancelTask(ctx, "web:admin", "missing"), ErrNotFound)
}

func TestRosterFlows(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.RequestStudent(ctx, "tg:7", StudentInput{ID: "2002", Username: "lee", Password: "pw"}, 7))
	students, err := c.ListStudents(ctx)
	require.NoError(t, err)
	require.Len(t, students, 1)
	assert.True(t, students[0].Pending)

	require.NoError(t, c.ApproveStudent(ctx, "tg:42", "2002"))
	students, err = c.ListStudents(ctx)
	require.NoError(t, err)
	assert.False(t, students[0].Pending)

	// reject only applies to pending entries
	require.ErrorIs(t, c.RejectStudent(ctx, "tg:42", "2002"), ErrValidation)

	require.NoError(t, c.AssignSubject(ctx, "tg:42", "2002", "EN101"))
	require.NoError(t, c.AssignSubject(ctx, "tg:42", "2002", "EN101")) // idempotent
	students, err = c.ListStudents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"EN101"}, students[0].Subjects)

	settings, err := c.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"EN101"}, settings.SubjectsLibrary)

	require.NoError(t, c.UnassignSubject(ctx, "tg:42", "2002", "en101"))
	students, err = c.ListStudents(ctx)
	require.NoError(t, err)
	assert.Empty(t, students[0].Subjects)

	require.NoError(t, c.DeleteStudent(ctx, "tg:42", "2002"))
	students, err = c.ListStudents(ctx)
	require.NoError(t, err)
	assert.Empty(t, students)

	require.ErrorIs(t, c.DeleteStudent(ctx, "tg:42", "2002"), ErrNotFound)
}

func TestAddStudentDuplicate(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	seedStudent(t, c, "1001")
	err := c.AddStudent(ctx, "test", StudentInput{ID: "1001", Password: "pw"})
	require.ErrorIs(t, err, ErrValidation)
}

// interposingStore sneaks a competing write into the underlying store before
// the first write attempt, then reports a conflict so Apply must re-read.
type interposingStore struct {
	*store.Store
	interpose func()
	done      bool
}

func (s *interposingStore) Write(expected uint64, mutate func(*store.Document) error) (uint64, error) {
	if !s.done && s.interpose != nil {
		s.done = true
		s.interpose()
		return 0, &store.ConflictError{Expected: expected, Current: expected + 1}
	}
	return s.Store.Write(expected, mutate)
}

func TestMutateSettingsSurvivesConcurrentEdit(t *testing.T) {
	base, err := store.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	ipose := &interposingStore{Store: base}
	c := New(ipose, Options{})
	other := New(base, Options{})
	ctx := context.Background()

	require.NoError(t, other.UpdateSettings(ctx, "web:admin", Settings{
		URL:       "https://old.example.edu/checkin",
		GeoSource: "browser",
	}))

	// another caller moves the URL between our read and our write
	ipose.interpose = func() {
		require.NoError(t, other.MutateSettings(ctx, "web:admin", func(s *Settings) {
			s.URL = "https://new.example.edu/checkin"
		}))
	}

	require.NoError(t, c.MutateSettings(ctx, "tg:42", func(s *Settings) {
		s.Headless = true
	}))

	got, err := other.GetSettings(ctx)
	require.NoError(t, err)
	assert.True(t, got.Headless)
	assert.Equal(t, "https://new.example.edu/checkin", got.URL)
}

func TestSeedSettings(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	def := Settings{Headless: true, GeoSource: "fixed", GeoLatitude: 3.045, GeoLongitude: 101.585, GeoAccuracy: 25}
	require.NoError(t, c.SeedSettings(ctx, "bootstrap", def))

	got, err := c.GetSettings(ctx)
	require.NoError(t, err)
	assert.True(t, got.Headless)
	assert.Equal(t, "fixed", got.GeoSource)
	assert.InDelta(t, 3.045, got.GeoLatitude, 1e-9)
}

func TestSeedSettingsNeverOverwrites(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.UpdateSettings(ctx, "web:admin", Settings{
		URL:       "https://portal.example.edu/checkin",
		GeoSource: "ip",
	}))
	before, err := c.State(ctx)
	require.NoError(t, err)

	require.NoError(t, c.SeedSettings(ctx, "bootstrap", Settings{GeoSource: "browser", Headless: true}))

	after, err := c.State(ctx)
	require.NoError(t, err)
	// existing record wins and the no-op must not rewrite the document
	assert.Equal(t, before.Version, after.Version)

	got, err := c.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ip", got.GeoSource)
	assert.Equal(t, "https://portal.example.edu/checkin", got.URL)
	assert.False(t, got.Headless)
}

func TestPruneTasksDropsExpiredTerminal(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	now := time.Now()
	c := New(st, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	seedStudent(t, c, "1001", "EN101")
	seedURL(t, c)

	oldID, err := c.SubmitCheckIn(ctx, TaskSpec{StudentID: "1001", Subject: "EN101"})
	require.NoError(t, err)
	_, _, err = c.BeginTaskAttempt(ctx, oldID)
	require.NoError(t, err)
	require.NoError(t, c.CompleteTask(ctx, oldID, "old.png"))

	pendingID, err := c.SubmitCheckIn(ctx, TaskSpec{StudentID: "1001", Subject: "MA201"})
	require.NoError(t, err)

	now = now.Add(48 * time.Hour)
	recentID, err := c.SubmitCheckIn(ctx, TaskSpec{StudentID: "1001", Subject: "EN101"})
	require.NoError(t, err)
	_, _, err = c.BeginTaskAttempt(ctx, recentID)
	require.NoError(t, err)
	require.NoError(t, c.CompleteTask(ctx, recentID, "recent.png"))

	removed, err := c.PruneTasks(ctx, "pruner", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = c.TaskByID(ctx, oldID)
	require.ErrorIs(t, err, ErrNotFound)

	// fresh terminal and non-terminal tasks survive regardless of age
	_, err = c.TaskByID(ctx, recentID)
	require.NoError(t, err)
	_, err = c.TaskByID(ctx, pendingID)
	require.NoError(t, err)
}

func TestPruneTasksNoopLeavesDocumentAlone(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	seedStudent(t, c, "1001", "EN101")
	seedURL(t, c)
	_, err := c.SubmitCheckIn(ctx, TaskSpec{StudentID: "1001", Subject: "EN101"})
	require.NoError(t, err)

	before, err := c.State(ctx)
	require.NoError(t, err)

	removed, err := c.PruneTasks(ctx, "pruner", 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	after, err := c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
}
