package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqasem/rollcall/core/artifacts"
	"github.com/aqasem/rollcall/core/automation"
	"github.com/aqasem/rollcall/core/coordinator"
	"github.com/aqasem/rollcall/core/store"
)

func newTestServer(t *testing.T) (*coordinator.Coordinator, *artifacts.Store, http.Handler) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	coord := coordinator.New(st, coordinator.Options{})
	art, err := artifacts.Open(t.TempDir(), artifacts.Options{})
	require.NoError(t, err)
	srv := NewServer(coord,
		WithArtifacts(art),
		WithBasicAuth("admin", "secret"),
	)
	return coord, art, srv
}

func do(t *testing.T, srv http.Handler, method, path string, body any, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if auth {
		req.SetBasicAuth("admin", "secret")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthNeedsNoAuth(t *testing.T) {
	_, _, srv := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/healthz", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRejectsMissingAuth(t *testing.T) {
	_, _, srv := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/api/state", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStudentCRUD(t *testing.T) {
	_, _, srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/students/", studentBody{
		ID: "1001", Username: "amira", Password: "pw", Subjects: []string{"EN101"},
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	// duplicate id -> 400 with field
	rec = do(t, srv, http.MethodPost, "/api/students/", studentBody{ID: "1001", Password: "pw"}, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var eb errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eb))
	assert.Equal(t, "student_id", eb.Field)

	rec = do(t, srv, http.MethodGet, "/api/students/", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var students []coordinator.Student
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &students))
	require.Len(t, students, 1)
	assert.Equal(t, "amira", students[0].Username)
	assert.NotContains(t, rec.Body.String(), "pw")

	rec = do(t, srv, http.MethodPut, "/api/students/1001", studentBody{Username: "amira-k", Phone: "0123"}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodDelete, "/api/students/1001", nil, true)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, srv, http.MethodDelete, "/api/students/1001", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApproveRejectFlow(t *testing.T) {
	coord, _, srv := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, coord.RequestStudent(ctx, "tg:9", coordinator.StudentInput{ID: "2002", Password: "pw"}, 9))
	require.NoError(t, coord.RequestStudent(ctx, "tg:9", coordinator.StudentInput{ID: "2003", Password: "pw"}, 9))

	rec := do(t, srv, http.MethodPost, "/api/students/2002/approve", nil, true)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, srv, http.MethodPost, "/api/students/2003/reject", nil, true)
	require.Equal(t, http.StatusNoContent, rec.Code)

	students, err := coord.ListStudents(ctx)
	require.NoError(t, err)
	require.Len(t, students, 1)
	assert.Equal(t, "2002", students[0].ID)
	assert.False(t, students[0].Pending)
}

func TestSettingsRoundTrip(t *testing.T) {
	_, _, srv := newTestServer(t)

	rec := do(t, srv, http.MethodPut, "/api/settings", coordinator.Settings{
		URL:       "https://portal.example.edu",
		GeoSource: "fixed",
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/settings", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var s coordinator.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, "https://portal.example.edu", s.URL)

	rec = do(t, srv, http.MethodPut, "/api/settings", coordinator.Settings{GeoSource: "satellite"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitAndCancelTask(t *testing.T) {
	coord, _, srv := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, coord.AddStudent(ctx, "test", coordinator.StudentInput{
		ID: "1001", Password: "pw", Subjects: []string{"EN101"},
	}))
	require.NoError(t, coord.UpdateSettings(ctx, "test", coordinator.Settings{
		URL: "https://portal.example.edu", GeoSource: "browser",
	}))

	rec := do(t, srv, http.MethodPost, "/api/tasks/", submitBody{StudentID: "1001", Subject: "EN101"}, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		TaskIDs []string `json:"task_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.TaskIDs, 1)
	id := resp.TaskIDs[0]

	rec = do(t, srv, http.MethodGet, "/api/tasks/"+id, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var task store.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, store.TaskPending, task.Status)
	assert.Equal(t, "web:admin", task.SubmittedBy)

	rec = do(t, srv, http.MethodDelete, "/api/tasks/"+id, nil, true)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, srv, http.MethodDelete, "/api/tasks/"+id, nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// fan-out submit without student_id
	rec = do(t, srv, http.MethodPost, "/api/tasks/", submitBody{Subject: "EN101"}, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSubjectLibrary(t *testing.T) {
	_, _, srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/subjects/", subjectBody{Subject: "EN101"}, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(t, srv, http.MethodPost, "/api/subjects/", subjectBody{Subject: "MA201"}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/subjects/", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var subjects []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &subjects))
	assert.Equal(t, []string{"EN101", "MA201"}, subjects)

	rec = do(t, srv, http.MethodDelete, "/api/subjects/MA201", nil, true)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestArtifactServing(t *testing.T) {
	_, art, srv := newTestServer(t)

	ref, err := art.Put("task1", []byte("png-bytes"))
	require.NoError(t, err)

	rec := do(t, srv, http.MethodGet, "/artifacts/"+ref, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "png-bytes", rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/artifacts/nope.png", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWriteErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&coordinator.ValidationError{Field: "subject", Msg: "empty"}, http.StatusBadRequest},
		{coordinator.ErrNotFound, http.StatusNotFound},
		{&store.ConflictError{Expected: 1, Current: 2}, http.StatusConflict},
		{automation.ErrQueueFull, http.StatusServiceUnavailable},
		{&store.CorruptError{Path: "x", Err: errors.New("bad json")}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		assert.Equal(t, tc.code, rec.Code, "err %v", tc.err)
	}
}
