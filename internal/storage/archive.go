package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/DaveCBeck/thala-sub003/internal/model"
)

// ArchiveRecord is a historical record of a task that reached a terminal
// status. The queue document stays authoritative; the archive is additive.
type ArchiveRecord struct {
	TaskID      string           `json:"task_id"`
	TaskType    string           `json:"task_type"`
	Category    string           `json:"category"`
	Status      model.TaskStatus `json:"status"`
	Quality     string           `json:"quality,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Duration    time.Duration    `json:"duration,omitempty"`
}

// SQLiteArchive stores terminal task executions in SQLite
type SQLiteArchive struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteArchive opens (or creates) the archive database at dbPath.
func NewSQLiteArchive(dbPath string, logger *zap.Logger) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	archive := &SQLiteArchive{
		logger: logger.Named("archive"),
		db:     db,
	}

	if err := archive.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return archive, nil
}

func (a *SQLiteArchive) initialize() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_archive (
			task_id TEXT PRIMARY KEY,
			task_type TEXT NOT NULL,
			category TEXT NOT NULL,
			status TEXT NOT NULL,
			quality TEXT,
			error TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			duration INTEGER,
			archived_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_task_archive_category ON task_archive(category);
		CREATE INDEX IF NOT EXISTS idx_task_archive_status ON task_archive(status);
		CREATE INDEX IF NOT EXISTS idx_task_archive_completed_at ON task_archive(completed_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize archive database: %w", err)
	}
	return nil
}

// Record archives a task that reached a terminal status. Re-recording the
// same task id overwrites the prior row.
func (a *SQLiteArchive) Record(ctx context.Context, task *model.Task) error {
	if !task.Status.Terminal() {
		return fmt.Errorf("cannot archive task %s in non-terminal status %s", task.ID, task.Status)
	}

	var duration time.Duration
	if task.StartedAt != nil && task.CompletedAt != nil {
		duration = task.CompletedAt.Sub(*task.StartedAt)
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO task_archive (
			task_id, task_type, category, status, quality, error,
			created_at, started_at, completed_at, duration
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.TaskType,
		task.Category,
		task.Status,
		sql.NullString{String: task.Quality, Valid: task.Quality != ""},
		sql.NullString{String: task.ErrorMessage, Valid: task.ErrorMessage != ""},
		task.CreatedAt,
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
		sql.NullInt64{Int64: int64(duration), Valid: duration != 0},
	)
	if err != nil {
		return fmt.Errorf("failed to archive task %s: %w", task.ID, err)
	}

	a.logger.Debug("Task archived",
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)))
	return nil
}

// List returns the most recent archive records, newest first.
func (a *SQLiteArchive) List(ctx context.Context, limit int) ([]*ArchiveRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT task_id, task_type, category, status, quality, error,
		       created_at, started_at, completed_at, duration
		FROM task_archive
		ORDER BY archived_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive: %w", err)
	}
	defer rows.Close()

	var records []*ArchiveRecord
	for rows.Next() {
		record := &ArchiveRecord{}
		var quality, errorStr sql.NullString
		var startedAt, completedAt sql.NullTime
		var durationNanos sql.NullInt64

		err := rows.Scan(
			&record.TaskID,
			&record.TaskType,
			&record.Category,
			&record.Status,
			&quality,
			&errorStr,
			&record.CreatedAt,
			&startedAt,
			&completedAt,
			&durationNanos,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archive record: %w", err)
		}

		if quality.Valid {
			record.Quality = quality.String
		}
		if errorStr.Valid {
			record.Error = errorStr.String
		}
		if startedAt.Valid {
			record.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			record.CompletedAt = &completedAt.Time
		}
		if durationNanos.Valid {
			record.Duration = time.Duration(durationNanos.Int64)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

// DeleteBefore removes archive rows completed before the given time.
func (a *SQLiteArchive) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := a.db.ExecContext(ctx, "DELETE FROM task_archive WHERE completed_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to prune archive: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	a.logger.Info("Pruned old archive records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))
	return nil
}

// Close closes the database connection.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
