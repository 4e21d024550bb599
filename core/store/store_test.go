package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return s
}

func TestReadMissingFile(t *testing.T) {
	s := newTestStore(t)
	doc, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), doc.Version)
	assert.Empty(t, doc.Records)
	assert.Empty(t, doc.Tasks)
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	v, err := s.Write(0, func(d *Document) error {
		d.Records["1001"] = Record{
			ID:        "1001",
			Attrs:     map[string]any{"username": "amira", "subjects": []any{"EN101"}},
			UpdatedAt: now,
			UpdatedBy: "web:admin",
		}
		d.Tasks["t1"] = Task{ID: "t1", Status: TaskPending, Subject: "EN101", SubmittedAt: now}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	doc, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), doc.Version)
	assert.Equal(t, "amira", doc.Records["1001"].Attrs["username"])
	assert.Equal(t, []any{"EN101"}, doc.Records["1001"].Attrs["subjects"])
	assert.Equal(t, "web:admin", doc.Records["1001"].UpdatedBy)
	assert.True(t, doc.Records["1001"].UpdatedAt.Equal(now))
	assert.Equal(t, TaskPending, doc.Tasks["t1"].Status)
}

func TestWriteStaleVersionConflicts(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Write(0, func(d *Document) error {
		d.Records["a"] = Record{ID: "a"}
		return nil
	})
	require.NoError(t, err)

	_, err = s.Write(0, func(d *Document) error {
		d.Records["b"] = Record{ID: "b"}
		return nil
	})
	require.ErrorIs(t, err, ErrConflict)

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, uint64(0), ce.Expected)
	assert.Equal(t, uint64(1), ce.Current)

	// the losing write must not have touched the file
	doc, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), doc.Version)
	assert.NotContains(t, doc.Records, "b")
}

func TestWriteMutateErrorAborts(t *testing.T) {
	s := newTestStore(t)
	boom := errors.New("boom")
	_, err := s.Write(0, func(d *Document) error {
		d.Records["x"] = Record{ID: "x"}
		return boom
	})
	require.ErrorIs(t, err, boom)

	doc, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), doc.Version)
	assert.Empty(t, doc.Records)
}

func TestReadCorruptedFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o644))

	_, err := s.Read()
	require.ErrorIs(t, err, ErrCorrupted)
	var ce *CorruptError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, s.Path(), ce.Path)

	// a write against a corrupt file must surface the same error and not reset it
	_, err = s.Write(0, func(d *Document) error { return nil })
	require.ErrorIs(t, err, ErrCorrupted)
	raw, rerr := os.ReadFile(s.Path())
	require.NoError(t, rerr)
	assert.Equal(t, "{not json", string(raw))
}

func TestConcurrentWritersSingleWinner(t *testing.T) {
	s := newTestStore(t)
	const writers = 8
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func(n int) {
			_, err := s.Write(0, func(d *Document) error {
				d.Records["seat"] = Record{ID: "seat", Attrs: map[string]any{"n": n}}
				return nil
			})
			results <- err
		}(i)
	}
	wins, conflicts := 0, 0
	for i := 0; i < writers; i++ {
		if err := <-results; err == nil {
			wins++
		} else if errors.Is(err, ErrConflict) {
			conflicts++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)

	doc, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), doc.Version)
}

func TestCloneIsolation(t *testing.T) {
	d := NewDocument()
	d.Records["r"] = Record{ID: "r", Attrs: map[string]any{"subjects": []any{"A"}, "nested": map[string]any{"k": "v"}}}
	ts := time.Now()
	d.Tasks["t"] = Task{ID: "t", StartedAt: &ts}

	cp := d.Clone()
	cp.Records["r"].Attrs["subjects"].([]any)[0] = "B"
	cp.Records["r"].Attrs["nested"].(map[string]any)["k"] = "w"
	*cp.Tasks["t"].StartedAt = ts.Add(time.Hour)

	assert.Equal(t, "A", d.Records["r"].Attrs["subjects"].([]any)[0])
	assert.Equal(t, "v", d.Records["r"].Attrs["nested"].(map[string]any)["k"])
	assert.True(t, d.Tasks["t"].StartedAt.Equal(ts))
}
