package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/afero"
)

// Status is the outcome of a finished task.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCanceled  Status = "canceled"
)

// Result is the typed outcome of an external run.
type Result struct {
	Status   Status
	ExitCode int
	Err      error
	Duration time.Duration
	Progress Progress
}

// StartOptions controls how a command is started.
type StartOptions struct {
	// InfoPath is the progress side-channel file polled while waiting.
	InfoPath string
	Stdout   io.Writer
	Stderr   io.Writer
	Dir      string
}

// Starter starts commands. The sequencer depends on this interface so tests
// can substitute a fake engine.
type Starter interface {
	Start(ctx context.Context, cmd Command, opts StartOptions) (Waiter, error)
}

// Waiter waits for a started command.
type Waiter interface {
	Wait(ctx context.Context, onProgress func(Progress)) Result
}

// Launcher starts real processes.
type Launcher struct {
	fs           afero.Fs
	pollInterval time.Duration
	timeout      time.Duration
}

// New returns a launcher reading progress files through fs.
func New(fs afero.Fs, s Settings) *Launcher {
	interval := s.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Launcher{fs: fs, pollInterval: interval, timeout: s.Timeout}
}

// Start launches cmd asynchronously. Only a failure to start is reported
// here; the run outcome comes from Wait.
func (l *Launcher) Start(ctx context.Context, cmd Command, opts StartOptions) (Waiter, error) {
	if len(cmd.Args) == 0 {
		return nil, errors.New("empty command")
	}
	c := exec.Command(cmd.Args[0], cmd.Args[1:]...)
	c.Env = append(os.Environ(), cmd.Env...)
	c.Dir = opts.Dir
	c.Stdout = opts.Stdout
	c.Stderr = opts.Stderr
	configureProcess(c)

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Args[0], err)
	}

	t := &Task{
		cmd:      c,
		fs:       l.fs,
		infoPath: opts.InfoPath,
		interval: l.pollInterval,
		timeout:  l.timeout,
		started:  time.Now(),
		done:     make(chan error, 1),
	}
	go func() { t.done <- c.Wait() }()
	return t, nil
}

// Task is a running external process.
type Task struct {
	cmd      *exec.Cmd
	fs       afero.Fs
	infoPath string
	interval time.Duration
	timeout  time.Duration
	started  time.Time
	done     chan error
}

// PID returns the child process id.
func (t *Task) PID() int {
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Wait polls the info file every interval, reporting each snapshot to
// onProgress, until the process exits, the context is cancelled or the
// timeout elapses. Cancellation and timeout kill the process group.
func (t *Task) Wait(ctx context.Context, onProgress func(Progress)) Result {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if t.timeout > 0 {
		timer := time.NewTimer(t.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var last Progress
	poll := func() {
		p, ok := t.readProgress()
		if !ok {
			return
		}
		last = p
		if onProgress != nil {
			onProgress(p)
		}
	}

	for {
		select {
		case err := <-t.done:
			poll()
			return t.result(err, last)
		case <-ticker.C:
			poll()
		case <-deadline:
			terminateProcess(t.cmd)
			<-t.done
			return Result{Status: StatusTimeout, ExitCode: -1, Err: fmt.Errorf("timed out after %s", t.timeout), Duration: time.Since(t.started), Progress: last}
		case <-ctx.Done():
			terminateProcess(t.cmd)
			<-t.done
			return Result{Status: StatusCanceled, ExitCode: -1, Err: ctx.Err(), Duration: time.Since(t.started), Progress: last}
		}
	}
}

func (t *Task) readProgress() (Progress, bool) {
	if t.infoPath == "" || t.fs == nil {
		return Progress{}, false
	}
	data, err := afero.ReadFile(t.fs, t.infoPath)
	if err != nil || len(data) == 0 {
		return Progress{}, false
	}
	return ParseProgress(data), true
}

func (t *Task) result(err error, last Progress) Result {
	res := Result{Status: StatusSucceeded, Duration: time.Since(t.started), Progress: last}
	if err == nil {
		return res
	}
	res.Status = StatusFailed
	res.Err = err
	res.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}
	return res
}

// Snapshot writes a PDB snapshot of checkpoint to out using the snapshot
// binary (ambpdb).
func Snapshot(ctx context.Context, s Settings, topology, checkpoint string, out io.Writer) error {
	c := exec.CommandContext(ctx, s.BinaryPath(s.snapshotName()), "-p", topology, "-c", checkpoint)
	c.Stdout = out
	var stderr limitedBuffer
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		if msg := stderr.String(); msg != "" {
			return fmt.Errorf("%s: %w: %s", s.snapshotName(), err, msg)
		}
		return fmt.Errorf("%s: %w", s.snapshotName(), err)
	}
	return nil
}

// limitedBuffer keeps the first 4 KiB written to it.
type limitedBuffer struct {
	buf []byte
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	const max = 4096
	if room := max - len(b.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		b.buf = append(b.buf, p[:room]...)
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return string(b.buf) }
