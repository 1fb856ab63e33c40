package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/autorun/internal/errors"
	"github.com/3leaps/autorun/pkg/catalog"
	"github.com/3leaps/autorun/pkg/history"
	"github.com/3leaps/autorun/pkg/launcher"
	"github.com/3leaps/autorun/pkg/output"
	"github.com/3leaps/autorun/pkg/sequencer"
)

// logObserver reports stage lifecycle through zap and the status line.
type logObserver struct {
	log    *zap.Logger
	status *launcher.StatusLine
}

func (o *logObserver) StageSkipped(s catalog.Stage, reason string) {
	o.log.Info("Skipping stage", zap.String("stage", s.Name), zap.String("reason", reason))
}

func (o *logObserver) StageStarted(a sequencer.Attempt) {
	fields := []zap.Field{
		zap.String("stage", a.Stage.Name),
		zap.String("title", a.Stage.Title),
		zap.String("command", a.Command.String()),
	}
	if a.BackupIndex > 0 {
		fields = append(fields, zap.Int("backup_index", a.BackupIndex))
	}
	if a.ResumedSteps > 0 {
		fields = append(fields, zap.Int("resumed_steps", a.ResumedSteps))
	}
	o.log.Info("Starting stage", fields...)
}

func (o *logObserver) StageProgress(a sequencer.Attempt, p launcher.Progress) {
	o.status.Update(p.Line(a.Stage.Name))
}

func (o *logObserver) StageFinished(a sequencer.Attempt, res launcher.Result, err error) {
	o.status.Done()
	fields := []zap.Field{
		zap.String("stage", a.Stage.Name),
		zap.String("status", string(res.Status)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration.Round(time.Second)),
	}
	if err != nil {
		o.log.Error("Stage failed", append(fields, zap.Error(err))...)
		return
	}
	o.log.Info("Stage complete", fields...)
}

func (o *logObserver) Notice(s catalog.Stage, msg string, err error) {
	if err != nil {
		o.log.Warn(msg, zap.String("stage", s.Name), zap.Error(err))
		return
	}
	o.log.Info(msg, zap.String("stage", s.Name))
}

// eventObserver mirrors lifecycle callbacks into the JSONL event stream.
type eventObserver struct {
	ctx context.Context
	w   output.Writer
	log *zap.Logger

	mu   sync.Mutex
	last time.Time
	// every throttles progress records.
	every time.Duration
}

func (o *eventObserver) write(fn func() error) {
	if err := fn(); err != nil {
		o.log.Warn("Failed to write event", zap.Error(err))
	}
}

func (o *eventObserver) StageSkipped(s catalog.Stage, reason string) {
	o.write(func() error {
		return o.w.WriteStage(o.ctx, &output.StageRecord{
			Stage: s.Name, Index: s.Index, Event: output.StageSkipped, Title: s.Title, Message: reason,
		})
	})
}

func (o *eventObserver) StageStarted(a sequencer.Attempt) {
	o.write(func() error {
		return o.w.WriteStage(o.ctx, &output.StageRecord{
			Stage:        a.Stage.Name,
			Index:        a.Stage.Index,
			Event:        output.StageStarted,
			Title:        a.Stage.Title,
			BackupIndex:  a.BackupIndex,
			ResumedSteps: a.ResumedSteps,
			Command:      a.Command.String(),
		})
	})
}

func (o *eventObserver) StageProgress(a sequencer.Attempt, p launcher.Progress) {
	o.mu.Lock()
	now := time.Now()
	if o.every > 0 && now.Sub(o.last) < o.every {
		o.mu.Unlock()
		return
	}
	o.last = now
	o.mu.Unlock()

	o.write(func() error {
		return o.w.WriteProgress(o.ctx, &output.ProgressRecord{
			Stage: a.Stage.Name, Total: p.Total, Completed: p.Completed, Remaining: p.Remaining, ETA: p.ETA,
		})
	})
}

func (o *eventObserver) StageFinished(a sequencer.Attempt, res launcher.Result, err error) {
	code := res.ExitCode
	rec := &output.StageRecord{
		Stage:    a.Stage.Name,
		Index:    a.Stage.Index,
		Event:    output.StageFinished,
		Status:   string(res.Status),
		ExitCode: &code,
		Duration: res.Duration,
	}
	if err != nil {
		rec.Message = err.Error()
	}
	o.write(func() error { return o.w.WriteStage(o.ctx, rec) })
}

func (o *eventObserver) Notice(s catalog.Stage, msg string, err error) {
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	o.write(func() error {
		return o.w.WriteStage(o.ctx, &output.StageRecord{
			Stage: s.Name, Index: s.Index, Event: output.StageNotice, Message: msg,
		})
	})
}

// historyObserver records each attempt in the history database.
type historyObserver struct {
	ctx          context.Context
	store        *history.Store
	invocationID string
	prefix       string
	log          *zap.Logger

	mu      sync.Mutex
	pending map[string]string
}

func newHistoryObserver(ctx context.Context, store *history.Store, invocationID, prefix string) *historyObserver {
	return &historyObserver{
		ctx:          ctx,
		store:        store,
		invocationID: invocationID,
		prefix:       prefix,
		log:          zap.NewNop(),
		pending:      make(map[string]string),
	}
}

func (o *historyObserver) StageSkipped(catalog.Stage, string)                 {}
func (o *historyObserver) StageProgress(sequencer.Attempt, launcher.Progress) {}
func (o *historyObserver) Notice(catalog.Stage, string, error)                {}

func (o *historyObserver) StageStarted(a sequencer.Attempt) {
	id, err := o.store.Begin(o.ctx, history.Attempt{
		InvocationID: o.invocationID,
		Prefix:       o.prefix,
		Stage:        a.Stage.Name,
		StageIndex:   a.Stage.Index,
		BackupIndex:  a.BackupIndex,
		ResumedSteps: a.ResumedSteps,
		Command:      a.Command.String(),
		StartedAt:    a.StartedAt,
	})
	if err != nil {
		o.log.Warn("Failed to record attempt", zap.String("stage", a.Stage.Name), zap.Error(err))
		return
	}
	o.mu.Lock()
	o.pending[a.Stage.Name] = id
	o.mu.Unlock()
}

func (o *historyObserver) StageFinished(a sequencer.Attempt, res launcher.Result, err error) {
	o.mu.Lock()
	id, ok := o.pending[a.Stage.Name]
	delete(o.pending, a.Stage.Name)
	o.mu.Unlock()
	if !ok {
		return
	}

	status := string(res.Status)
	msg := ""
	if err != nil {
		msg = err.Error()
		if res.Status == launcher.StatusSucceeded {
			// The process exited cleanly but left invalid artifacts.
			status = string(apperrors.KindValidation)
		}
	}
	// The run context may already be canceled; the row must still close.
	ctx := context.WithoutCancel(o.ctx)
	if ferr := o.store.Finish(ctx, id, status, res.ExitCode, msg, time.Now()); ferr != nil {
		o.log.Warn("Failed to finish attempt record", zap.String("stage", a.Stage.Name), zap.Error(ferr))
	}
}
