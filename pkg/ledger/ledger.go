// Package ledger reconstructs run state from the files in a run directory.
//
// The directory is the database: a stage is complete when its expected
// artifacts exist, are non-empty and its log carries the completion marker.
// Superseded artifacts are moved to numbered backup slots
// ({prefix}.{stage}.{ext}_bkp{n}) so every attempt is preserved.
//
// All file access goes through an afero.Fs so tests can run on an in-memory
// filesystem.
package ledger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/3leaps/autorun/pkg/catalog"
)

// CompletionMarker is written by the MD engine at the very end of a
// successful run.
const CompletionMarker = "Total wall time"

const (
	backupSep = "_bkp"

	// markerTail bounds how much of a log is read when looking for the
	// completion marker.
	markerTail = 64 * 1024
)

// Ledger answers questions about one run directory.
type Ledger struct {
	fs     afero.Fs
	dir    string
	prefix string
}

// New returns a ledger for run prefix in dir.
func New(fs afero.Fs, dir, prefix string) *Ledger {
	return &Ledger{fs: fs, dir: filepath.Clean(dir), prefix: strings.TrimSpace(prefix)}
}

// Fs returns the underlying filesystem.
func (l *Ledger) Fs() afero.Fs { return l.fs }

// Dir returns the run directory.
func (l *Ledger) Dir() string { return l.dir }

// Prefix returns the run prefix.
func (l *Ledger) Prefix() string { return l.prefix }

// Path returns the current artifact path for a stage.
func (l *Ledger) Path(stage string, kind catalog.ArtifactKind) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s.%s.%s", l.prefix, stage, kind))
}

// BackupPath returns the path of backup n of an artifact.
func (l *Ledger) BackupPath(stage string, kind catalog.ArtifactKind, n int) string {
	return l.Path(stage, kind) + backupSep + strconv.Itoa(n)
}

// StructurePath is the run's input structure.
func (l *Ledger) StructurePath() string {
	return filepath.Join(l.dir, l.prefix+".pdb")
}

// TopologyPath is the run's topology.
func (l *Ledger) TopologyPath() string {
	return filepath.Join(l.dir, l.prefix+".prmtop")
}

// CoordinatesPath is the run's initial coordinates.
func (l *Ledger) CoordinatesPath() string {
	return filepath.Join(l.dir, l.prefix+".inpcrd")
}

// NonEmpty reports whether path exists and has content.
func (l *Ledger) NonEmpty(path string) bool {
	fi, err := l.fs.Stat(path)
	if err != nil {
		return false
	}
	return !fi.IsDir() && fi.Size() > 0
}

// Exists reports whether path exists.
func (l *Ledger) Exists(path string) bool {
	ok, err := afero.Exists(l.fs, path)
	return err == nil && ok
}

// ReadFile reads a file through the ledger filesystem.
func (l *Ledger) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(l.fs, path)
}

// WriteFile writes a file through the ledger filesystem.
func (l *Ledger) WriteFile(path string, data []byte) error {
	if err := l.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	return afero.WriteFile(l.fs, path, data, 0o644)
}

// HasCompletionMarker reports whether the log at path ends with the marker.
func (l *Ledger) HasCompletionMarker(path string) (bool, error) {
	f, err := l.fs.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return false, err
	}
	if off := fi.Size() - markerTail; off > 0 {
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			return false, err
		}
	}
	tail, err := io.ReadAll(f)
	if err != nil {
		return false, err
	}
	return strings.Contains(string(tail), CompletionMarker), nil
}

// StageStatus is a snapshot of one stage's artifacts.
type StageStatus struct {
	Stage         string                 `json:"stage"`
	Configured    bool                   `json:"configured"`
	Complete      bool                   `json:"complete"`
	Missing       []catalog.ArtifactKind `json:"missing,omitempty"`
	Empty         []catalog.ArtifactKind `json:"empty,omitempty"`
	MarkerMissing bool                   `json:"marker_missing,omitempty"`
	Partial       bool                   `json:"partial,omitempty"`
	Backups       []int                  `json:"backups,omitempty"`
}

// State folds the status into the stage state machine.
func (s StageStatus) State() State {
	switch {
	case s.Complete:
		return StateComplete
	case !s.Configured:
		return StateNotStarted
	case s.Partial || len(s.Backups) > 0:
		return StateIncomplete
	default:
		return StateConfigured
	}
}

// Status scans the directory for the artifacts of stage s.
func (l *Ledger) Status(s catalog.Stage) (StageStatus, error) {
	st := StageStatus{
		Stage:      s.Name,
		Configured: l.NonEmpty(l.Path(s.Name, catalog.ArtifactConfig)),
	}
	for _, kind := range s.Expected() {
		path := l.Path(s.Name, kind)
		fi, err := l.fs.Stat(path)
		switch {
		case err != nil && os.IsNotExist(err):
			st.Missing = append(st.Missing, kind)
		case err != nil:
			return st, fmt.Errorf("stat %s: %w", path, err)
		case fi.Size() == 0:
			st.Empty = append(st.Empty, kind)
		}
	}
	st.Partial = len(st.Missing) < len(s.Expected())
	if len(st.Missing) == 0 && len(st.Empty) == 0 {
		ok, err := l.HasCompletionMarker(l.Path(s.Name, catalog.ArtifactLog))
		if err != nil {
			return st, fmt.Errorf("read log: %w", err)
		}
		st.MarkerMissing = !ok
		st.Complete = ok
	}
	backups, err := l.BackupIndices(s.Name)
	if err != nil {
		return st, err
	}
	st.Backups = backups
	return st, nil
}

// Complete reports whether stage s has valid artifacts.
func (l *Ledger) Complete(s catalog.Stage) (bool, error) {
	st, err := l.Status(s)
	if err != nil {
		return false, err
	}
	return st.Complete, nil
}

// BackupIndices returns every backup index in use for a stage, across all
// artifact kinds, ascending.
func (l *Ledger) BackupIndices(stage string) ([]int, error) {
	entries, err := afero.ReadDir(l.fs, l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run dir: %w", err)
	}

	pattern := l.backupPattern(stage)
	seen := make(map[int]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ok, err := doublestar.Match(pattern, name)
		if err != nil {
			return nil, fmt.Errorf("match backups: %w", err)
		}
		if !ok {
			continue
		}
		idx := strings.LastIndex(name, backupSep)
		n, err := strconv.Atoi(name[idx+len(backupSep):])
		if err != nil || n <= 0 {
			continue
		}
		seen[n] = true
	}

	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// NextBackupIndex returns max existing backup index + 1.
func (l *Ledger) NextBackupIndex(stage string) (int, error) {
	idx, err := l.BackupIndices(stage)
	if err != nil {
		return 0, err
	}
	if len(idx) == 0 {
		return 1, nil
	}
	return idx[len(idx)-1] + 1, nil
}

// Rotate moves every current output artifact of a stage into one new backup
// slot and returns its index. When the stage has no current artifacts
// nothing moves and 0 is returned.
func (l *Ledger) Rotate(stage string) (int, error) {
	var present []catalog.ArtifactKind
	for _, kind := range catalog.OutputKinds {
		if l.Exists(l.Path(stage, kind)) {
			present = append(present, kind)
		}
	}
	if len(present) == 0 {
		return 0, nil
	}

	n, err := l.NextBackupIndex(stage)
	if err != nil {
		return 0, err
	}
	for _, kind := range present {
		from := l.Path(stage, kind)
		to := l.BackupPath(stage, kind, n)
		if err := l.fs.Rename(from, to); err != nil {
			return n, fmt.Errorf("backup %s: %w", from, err)
		}
	}
	return n, nil
}

// Checkpoint is one backed-up attempt that may serve as a resume point.
type Checkpoint struct {
	Index      int
	Checkpoint string
	Log        string
	// Valid is true when both the checkpoint and its paired log are
	// present and non-empty.
	Valid bool
}

// Checkpoints lists the backed-up attempts of a stage, newest first.
func (l *Ledger) Checkpoints(stage string) ([]Checkpoint, error) {
	idx, err := l.BackupIndices(stage)
	if err != nil {
		return nil, err
	}
	out := make([]Checkpoint, 0, len(idx))
	for i := len(idx) - 1; i >= 0; i-- {
		n := idx[i]
		cp := Checkpoint{
			Index:      n,
			Checkpoint: l.BackupPath(stage, catalog.ArtifactCheckpoint, n),
			Log:        l.BackupPath(stage, catalog.ArtifactLog, n),
		}
		cp.Valid = l.NonEmpty(cp.Checkpoint) && l.NonEmpty(cp.Log)
		out = append(out, cp)
	}
	return out, nil
}

// PendingCheckpoints lists the checkpoints as Checkpoints would after
// Rotate, without moving anything. The attempt Rotate would back up comes
// first and still carries its current paths.
func (l *Ledger) PendingCheckpoints(stage string) ([]Checkpoint, error) {
	cps, err := l.Checkpoints(stage)
	if err != nil {
		return nil, err
	}
	present := false
	for _, kind := range catalog.OutputKinds {
		if l.Exists(l.Path(stage, kind)) {
			present = true
			break
		}
	}
	if !present {
		return cps, nil
	}
	n, err := l.NextBackupIndex(stage)
	if err != nil {
		return nil, err
	}
	cp := Checkpoint{
		Index:      n,
		Checkpoint: l.Path(stage, catalog.ArtifactCheckpoint),
		Log:        l.Path(stage, catalog.ArtifactLog),
	}
	cp.Valid = l.NonEmpty(cp.Checkpoint) && l.NonEmpty(cp.Log)
	return append([]Checkpoint{cp}, cps...), nil
}

func (l *Ledger) backupPattern(stage string) string {
	exts := make([]string, 0, len(catalog.OutputKinds))
	for _, k := range catalog.OutputKinds {
		exts = append(exts, string(k))
	}
	return fmt.Sprintf("%s.%s.{%s}%s*", escapeMeta(l.prefix), escapeMeta(stage), strings.Join(exts, ","), backupSep)
}

func escapeMeta(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '{', '}', '\\', ',':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
