package store

import "time"

// TaskStatus is the lifecycle state of an automation task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether a task in this status can still change.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// Failure reasons recorded on failed tasks.
const (
	ReasonTimeout    = "timeout"
	ReasonNavigation = "navigation"
	ReasonLogin      = "login"
	ReasonCheckin    = "checkin"
	ReasonRejected   = "rejected"
	ReasonSession    = "session"
	ReasonCancelled  = "cancelled"
	ReasonInternal   = "internal"
)

// SettingsID keys the single shared-settings record.
const SettingsID = "settings"

// Record is one roster or settings entry. Attrs is schemaless on purpose:
// both front-ends evolve fields without store migrations.
type Record struct {
	ID        string         `json:"id"`
	Attrs     map[string]any `json:"attrs"`
	UpdatedAt time.Time      `json:"updated_at"`
	UpdatedBy string         `json:"updated_by"`
}

// Task is one automation run, from submission to terminal status. Terminal
// tasks are immutable and double as the run history.
type Task struct {
	ID            string     `json:"id"`
	Status        TaskStatus `json:"status"`
	StudentID     string     `json:"student_id"`
	Subject       string     `json:"subject"`
	TargetURL     string     `json:"target_url"`
	SubmittedBy   string     `json:"submitted_by"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Attempts      int        `json:"attempts"`
	ArtifactRef   string     `json:"artifact_ref,omitempty"`
	Error         string     `json:"error,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// Document is the full persisted state. Version increases by exactly one on
// every successful write and is the optimistic-concurrency token.
type Document struct {
	Version uint64            `json:"version"`
	Records map[string]Record `json:"records"`
	Tasks   map[string]Task   `json:"tasks"`
}

// NewDocument returns an empty document at version zero.
func NewDocument() *Document {
	return &Document{
		Records: make(map[string]Record),
		Tasks:   make(map[string]Task),
	}
}

func (d *Document) init() {
	if d.Records == nil {
		d.Records = make(map[string]Record)
	}
	if d.Tasks == nil {
		d.Tasks = make(map[string]Task)
	}
}

// Clone deep-copies the document so callers can hold snapshots while the
// store moves on.
func (d *Document) Clone() *Document {
	out := &Document{
		Version: d.Version,
		Records: make(map[string]Record, len(d.Records)),
		Tasks:   make(map[string]Task, len(d.Tasks)),
	}
	for id, r := range d.Records {
		cp := r
		cp.Attrs = cloneAttrs(r.Attrs)
		out.Records[id] = cp
	}
	for id, t := range d.Tasks {
		cp := t
		if t.StartedAt != nil {
			ts := *t.StartedAt
			cp.StartedAt = &ts
		}
		if t.CompletedAt != nil {
			ts := *t.CompletedAt
			cp.CompletedAt = &ts
		}
		out.Tasks[id] = cp
	}
	return out
}

func cloneAttrs(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = cloneAttrs(vv)
		case []any:
			cp := make([]any, len(vv))
			copy(cp, vv)
			out[k] = cp
		case []string:
			cp := make([]string, len(vv))
			copy(cp, vv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
