// Package output provides the JSONL event stream of a run.
//
// Each line is a self-contained envelope carrying a typed payload, so a
// long-running pipeline can be followed with tail -f and parsed line by line.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants follow the pattern autorun.<type>.v<version>.
const (
	// TypeStage identifies stage lifecycle records.
	TypeStage = "autorun.stage.v1"

	// TypeProgress identifies engine progress snapshots.
	TypeProgress = "autorun.progress.v1"

	// TypeSummary identifies the final run summary.
	TypeSummary = "autorun.summary.v1"

	// TypeError identifies error records.
	TypeError = "autorun.error.v1"

	// TypeArchive identifies uploaded artifact records.
	TypeArchive = "autorun.archive.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the payload (e.g., "autorun.stage.v1").
	Type string `json:"type"`

	// TS is when the record was created.
	TS time.Time `json:"ts"`

	// InvocationID correlates every record of one autorun invocation.
	InvocationID string `json:"invocation_id"`

	// Prefix is the run prefix.
	Prefix string `json:"prefix"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// Stage lifecycle events.
const (
	StageSkipped  = "skipped"
	StageStarted  = "started"
	StageFinished = "finished"
	StageNotice   = "notice"
)

// StageRecord is the payload of a stage lifecycle event.
type StageRecord struct {
	Stage        string `json:"stage"`
	Index        int    `json:"index"`
	Event        string `json:"event"`
	Title        string `json:"title,omitempty"`
	BackupIndex  int    `json:"backup_index,omitempty"`
	ResumedSteps int    `json:"resumed_steps,omitempty"`
	Command      string `json:"command,omitempty"`

	// Status and ExitCode are set on finished events.
	Status   string `json:"status,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`

	// Duration is set on finished events.
	Duration time.Duration `json:"duration_ns,omitempty"`

	// Message carries the skip reason or notice text.
	Message string `json:"message,omitempty"`
}

// ProgressRecord is the payload of an engine progress snapshot.
type ProgressRecord struct {
	Stage     string `json:"stage"`
	Total     int    `json:"total_steps"`
	Completed int    `json:"completed_steps"`
	Remaining int    `json:"remaining_steps"`
	ETA       string `json:"eta,omitempty"`
}

// SummaryRecord is emitted once at the end of a run.
type SummaryRecord struct {
	Outcome       string        `json:"outcome"`
	Prepared      []string      `json:"prepared,omitempty"`
	Ran           []string      `json:"ran,omitempty"`
	Skipped       []string      `json:"skipped,omitempty"`
	StoppedAt     string        `json:"stopped_at,omitempty"`
	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
	Error         string        `json:"error,omitempty"`
}

// ErrorRecord is the payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Stage is the stage that failed, if any.
	Stage string `json:"stage,omitempty"`

	// Path is the file involved, if any.
	Path string `json:"path,omitempty"`

	// Hint is diagnostic guidance for the operator.
	Hint string `json:"hint,omitempty"`
}

// ArchiveRecord is the payload for one uploaded artifact.
type ArchiveRecord struct {
	Stage  string `json:"stage"`
	Path   string `json:"path"`
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	ETag   string `json:"etag,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
