package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aqasem/rollcall/core/artifacts"
	"github.com/aqasem/rollcall/core/automation"
	"github.com/aqasem/rollcall/core/coordinator"
	"github.com/aqasem/rollcall/core/history"
	"github.com/aqasem/rollcall/core/logger"
	"github.com/aqasem/rollcall/core/store"
)

type handlers struct {
	coord     *coordinator.Coordinator
	artifacts *artifacts.Store
	history   *history.Archiver
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP codes: validation 400,
// not found 404, version conflict 409, saturated queue 503, the rest 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Error: err.Error()}
	var verr *coordinator.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, coordinator.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, coordinator.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, automation.ErrQueueFull):
		code = http.StatusServiceUnavailable
	case errors.Is(err, store.ErrCorrupted):
		logger.LogEvent(r.Context(), logger.Web, slog.LevelError, "store_corrupted",
			slog.String("err", err.Error()))
	}
	writeJSON(w, code, body)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &coordinator.ValidationError{Field: "body", Msg: err.Error()}
	}
	return nil
}

func caller(r *http.Request) string {
	if user, _, ok := r.BasicAuth(); ok && user != "" {
		return "web:" + user
	}
	return "web"
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type stateView struct {
	Version  uint64                `json:"version"`
	Students []coordinator.Student `json:"students"`
	Settings coordinator.Settings  `json:"settings"`
	Tasks    []store.Task          `json:"tasks"`
}

func (h *handlers) state(w http.ResponseWriter, r *http.Request) {
	doc, err := h.coord.State(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	students, err := h.coord.ListStudents(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	tasks, err := h.coord.RecentTasks(r.Context(), 50)
	if err != nil {
		writeError(w, r, err)
		return
	}
	settings, err := h.coord.GetSettings(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stateView{
		Version:  doc.Version,
		Students: students,
		Settings: settings,
		Tasks:    tasks,
	})
}

func (h *handlers) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.coord.GetSettings(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *handlers) putSettings(w http.ResponseWriter, r *http.Request) {
	var s coordinator.Settings
	if err := decode(r, &s); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.coord.UpdateSettings(r.Context(), caller(r), s); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type studentBody struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	Phone    string   `json:"phone"`
	Subjects []string `json:"subjects"`
}

func (b studentBody) input(id string) coordinator.StudentInput {
	if id == "" {
		id = b.ID
	}
	return coordinator.StudentInput{
		ID:       id,
		Username: b.Username,
		Password: b.Password,
		Phone:    b.Phone,
		Subjects: b.Subjects,
	}
}

func (h *handlers) listStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.coord.ListStudents(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, students)
}

func (h *handlers) addStudent(w http.ResponseWriter, r *http.Request) {
	var body studentBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.coord.AddStudent(r.Context(), caller(r), body.input("")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": body.ID})
}

func (h *handlers) updateStudent(w http.ResponseWriter, r *http.Request) {
	var body studentBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.coord.UpdateStudent(r.Context(), caller(r), body.input(id)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (h *handlers) deleteStudent(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.DeleteStudent(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) approveStudent(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.ApproveStudent(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) rejectStudent(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.RejectStudent(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type subjectBody struct {
	Subject string `json:"subject"`
}

func (h *handlers) assignSubject(w http.ResponseWriter, r *http.Request) {
	var body subjectBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.coord.AssignSubject(r.Context(), caller(r), chi.URLParam(r, "id"), body.Subject); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) unassignSubject(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.UnassignSubject(r.Context(), caller(r), chi.URLParam(r, "id"), chi.URLParam(r, "subject")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listSubjects(w http.ResponseWriter, r *http.Request) {
	settings, err := h.coord.GetSettings(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	subjects := settings.SubjectsLibrary
	if subjects == nil {
		subjects = []string{}
	}
	writeJSON(w, http.StatusOK, subjects)
}

func (h *handlers) addSubject(w http.ResponseWriter, r *http.Request) {
	var body subjectBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.coord.AddSubject(r.Context(), caller(r), body.Subject); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *handlers) removeSubject(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.RemoveSubject(r.Context(), caller(r), chi.URLParam(r, "subject")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitBody struct {
	StudentID string `json:"student_id"`
	Subject   string `json:"subject"`
	TargetURL string `json:"target_url"`
}

// submitTasks submits one check-in when student_id is set, otherwise fans
// the subject out to every enrolled student.
func (h *handlers) submitTasks(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.StudentID != "" {
		id, err := h.coord.SubmitCheckIn(r.Context(), coordinator.TaskSpec{
			StudentID:   body.StudentID,
			Subject:     body.Subject,
			TargetURL:   body.TargetURL,
			SubmittedBy: caller(r),
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"task_ids": []string{id}})
		return
	}
	ids, err := h.coord.SubmitRun(r.Context(), caller(r), body.Subject, body.TargetURL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_ids": ids})
}

func (h *handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	tasks, err := h.coord.RecentTasks(r.Context(), n)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *handlers) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.coord.TaskByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.CancelTask(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) archivedTasks(w http.ResponseWriter, r *http.Request) {
	n := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	rows, err := h.history.Recent(r.Context(), n)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *handlers) artifact(w http.ResponseWriter, r *http.Request) {
	path, err := h.artifacts.Path(chi.URLParam(r, "ref"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "artifact not found"})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, path)
}
