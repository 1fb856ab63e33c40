package sequencer

import (
	"time"

	"github.com/3leaps/autorun/pkg/catalog"
	"github.com/3leaps/autorun/pkg/launcher"
)

// Attempt describes one launch of a stage.
type Attempt struct {
	Stage        catalog.Stage
	BackupIndex  int
	ResumedSteps int
	Input        string
	Command      launcher.Command
	StartedAt    time.Time
}

// Observer receives lifecycle callbacks. Implementations must not block.
type Observer interface {
	StageSkipped(s catalog.Stage, reason string)
	StageStarted(a Attempt)
	StageProgress(a Attempt, p launcher.Progress)
	StageFinished(a Attempt, res launcher.Result, err error)
	Notice(s catalog.Stage, msg string, err error)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) StageSkipped(catalog.Stage, string)            {}
func (NopObserver) StageStarted(Attempt)                          {}
func (NopObserver) StageProgress(Attempt, launcher.Progress)      {}
func (NopObserver) StageFinished(Attempt, launcher.Result, error) {}
func (NopObserver) Notice(catalog.Stage, string, error)           {}

// Observers fans callbacks out in order.
type Observers []Observer

func (o Observers) StageSkipped(s catalog.Stage, reason string) {
	for _, x := range o {
		x.StageSkipped(s, reason)
	}
}

func (o Observers) StageStarted(a Attempt) {
	for _, x := range o {
		x.StageStarted(a)
	}
}

func (o Observers) StageProgress(a Attempt, p launcher.Progress) {
	for _, x := range o {
		x.StageProgress(a, p)
	}
}

func (o Observers) StageFinished(a Attempt, res launcher.Result, err error) {
	for _, x := range o {
		x.StageFinished(a, res, err)
	}
}

func (o Observers) Notice(s catalog.Stage, msg string, err error) {
	for _, x := range o {
		x.Notice(s, msg, err)
	}
}
