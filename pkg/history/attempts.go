package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status of a recorded attempt.
const (
	StatusRunning = "running"
)

// Attempt is one recorded stage launch.
type Attempt struct {
	AttemptID    string     `json:"attempt_id"`
	InvocationID string     `json:"invocation_id"`
	Prefix       string     `json:"prefix"`
	Stage        string     `json:"stage"`
	StageIndex   int        `json:"stage_index"`
	BackupIndex  int        `json:"backup_index"`
	ResumedSteps int        `json:"resumed_steps"`
	Command      string     `json:"command"`
	Status       string     `json:"status"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// Begin inserts a running attempt and returns its id.
func (s *Store) Begin(ctx context.Context, a Attempt) (string, error) {
	if a.AttemptID == "" {
		a.AttemptID = uuid.New().String()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO attempts
		(attempt_id, invocation_id, prefix, stage, stage_index, backup_index, resumed_steps, command, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AttemptID, a.InvocationID, a.Prefix, a.Stage, a.StageIndex, a.BackupIndex, a.ResumedSteps,
		a.Command, StatusRunning, a.StartedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("insert attempt: %w", err)
	}
	return a.AttemptID, nil
}

// Finish records the outcome of an attempt.
func (s *Store) Finish(ctx context.Context, attemptID, status string, exitCode int, errMsg string, endedAt time.Time) error {
	if endedAt.IsZero() {
		endedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE attempts
		SET status=?, exit_code=?, error=?, ended_at=?
		WHERE attempt_id=?`,
		status, exitCode, nullString(errMsg), endedAt.UTC().Format(time.RFC3339Nano), attemptID)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("attempt %s not found", attemptID)
	}
	return nil
}

// Filter narrows List.
type Filter struct {
	Prefix string
	Stage  string
	Limit  int
}

// List returns attempts, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Attempt, error) {
	var (
		where []string
		args  []any
	)
	if f.Prefix != "" {
		where = append(where, "prefix = ?")
		args = append(args, f.Prefix)
	}
	if f.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, f.Stage)
	}
	q := `SELECT attempt_id, invocation_id, prefix, stage, stage_index, backup_index, resumed_steps,
		command, status, exit_code, error, started_at, ended_at FROM attempts`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, stage_index DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Attempt
	for rows.Next() {
		var (
			a        Attempt
			exitCode sql.NullInt64
			errMsg   sql.NullString
			started  string
			ended    sql.NullString
		)
		if err := rows.Scan(&a.AttemptID, &a.InvocationID, &a.Prefix, &a.Stage, &a.StageIndex, &a.BackupIndex,
			&a.ResumedSteps, &a.Command, &a.Status, &exitCode, &errMsg, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if exitCode.Valid {
			v := int(exitCode.Int64)
			a.ExitCode = &v
		}
		a.Error = errMsg.String
		if a.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if ended.Valid {
			t, err := time.Parse(time.RFC3339Nano, ended.String)
			if err != nil {
				return nil, fmt.Errorf("parse ended_at: %w", err)
			}
			a.EndedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
