// Package history keeps a long-term Postgres archive of terminal tasks.
// The document store stays the source of truth; this exists for reporting
// after the store's task map gets pruned.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/aqasem/rollcall/core/logger"
	"github.com/aqasem/rollcall/core/store"
)

// Row is one archived task.
type Row struct {
	ID            string     `db:"id" json:"id"`
	Status        string     `db:"status" json:"status"`
	StudentID     string     `db:"student_id" json:"student_id"`
	Subject       string     `db:"subject" json:"subject"`
	TargetURL     string     `db:"target_url" json:"target_url"`
	SubmittedBy   string     `db:"submitted_by" json:"submitted_by"`
	SubmittedAt   time.Time  `db:"submitted_at" json:"submitted_at"`
	StartedAt     *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Attempts      int        `db:"attempts" json:"attempts"`
	ArtifactRef   string     `db:"artifact_ref" json:"artifact_ref,omitempty"`
	Error         string     `db:"error" json:"error,omitempty"`
	FailureReason string     `db:"failure_reason" json:"failure_reason,omitempty"`
}

// Archiver writes terminal tasks into Postgres.
type Archiver struct {
	db *sqlx.DB
}

// New wraps an open connection.
func New(db *sqlx.DB) *Archiver {
	return &Archiver{db: db}
}

const upsertQuery = `
INSERT INTO archived_tasks (
	id, status, student_id, subject, target_url, submitted_by,
	submitted_at, started_at, completed_at, attempts, artifact_ref,
	error, failure_reason
) VALUES (
	:id, :status, :student_id, :subject, :target_url, :submitted_by,
	:submitted_at, :started_at, :completed_at, :attempts, :artifact_ref,
	:error, :failure_reason
)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	completed_at = EXCLUDED.completed_at,
	attempts = EXCLUDED.attempts,
	artifact_ref = EXCLUDED.artifact_ref,
	error = EXCLUDED.error,
	failure_reason = EXCLUDED.failure_reason`

// Record archives one task. Non-terminal tasks are ignored.
func (a *Archiver) Record(ctx context.Context, task store.Task) error {
	if !task.Status.Terminal() {
		return nil
	}
	row := Row{
		ID:            task.ID,
		Status:        string(task.Status),
		StudentID:     task.StudentID,
		Subject:       task.Subject,
		TargetURL:     task.TargetURL,
		SubmittedBy:   task.SubmittedBy,
		SubmittedAt:   task.SubmittedAt,
		StartedAt:     task.StartedAt,
		CompletedAt:   task.CompletedAt,
		Attempts:      task.Attempts,
		ArtifactRef:   task.ArtifactRef,
		Error:         task.Error,
		FailureReason: task.FailureReason,
	}
	if _, err := a.db.NamedExecContext(ctx, upsertQuery, row); err != nil {
		return fmt.Errorf("history: archive task %s: %w", task.ID, err)
	}
	return nil
}

// Recent returns the latest archived tasks, newest first.
func (a *Archiver) Recent(ctx context.Context, n int) ([]Row, error) {
	if n <= 0 {
		n = 100
	}
	rows := []Row{}
	err := a.db.SelectContext(ctx, &rows,
		`SELECT * FROM archived_tasks ORDER BY submitted_at DESC, id LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	return rows, nil
}

// Hook adapts the archiver to the runner's terminal hook shape. Archive
// failures are logged, never propagated into the task path.
func (a *Archiver) Hook() func(ctx context.Context, task store.Task) {
	return func(ctx context.Context, task store.Task) {
		if err := a.Record(ctx, task); err != nil {
			logger.LogEvent(ctx, logger.DB, slog.LevelWarn, "archive_failed",
				slog.String("task_id", task.ID),
				slog.String("err", err.Error()))
		}
	}
}
