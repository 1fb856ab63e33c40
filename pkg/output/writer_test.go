package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "inv-123", "cplx")

	assert.NotNil(t, w)
	assert.Equal(t, "inv-123", w.invocationID)
	assert.Equal(t, "cplx", w.prefix)
}

func TestJSONLWriter_WriteStage(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "inv-123", "cplx")

	code := 0
	err := w.WriteStage(context.Background(), &StageRecord{
		Stage:    "heat",
		Index:    2,
		Event:    StageFinished,
		Status:   "succeeded",
		ExitCode: &code,
		Duration: 90 * time.Second,
	})
	require.NoError(t, err)

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeStage, record.Type)
	assert.Equal(t, "inv-123", record.InvocationID)
	assert.Equal(t, "cplx", record.Prefix)
	assert.False(t, record.TS.IsZero())

	var data StageRecord
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, "heat", data.Stage)
	assert.Equal(t, StageFinished, data.Event)
	require.NotNil(t, data.ExitCode)
	assert.Equal(t, 0, *data.ExitCode)
	assert.Equal(t, 90*time.Second, data.Duration)
}

func TestJSONLWriter_WriteProgress(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "inv-123", "cplx")

	require.NoError(t, w.WriteProgress(context.Background(), &ProgressRecord{Stage: "prod", Total: 100, Completed: 40, Remaining: 60, ETA: "2.0 hours"}))

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeProgress, record.Type)
	assert.Contains(t, string(record.Data), `"completed_steps":40`)
	assert.Contains(t, string(record.Data), `"eta":"2.0 hours"`)
}

func TestJSONLWriter_WriteSummaryAndError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "inv-123", "cplx")

	require.NoError(t, w.WriteError(context.Background(), &ErrorRecord{Code: "validation", Message: "log lacks marker", Stage: "heat", Hint: "ulimit -s unlimited"}))
	require.NoError(t, w.WriteSummary(context.Background(), &SummaryRecord{Outcome: "completed", Ran: []string{"min1"}, Duration: time.Minute, DurationHuman: "1m0s"}))
	require.NoError(t, w.WriteArchive(context.Background(), &ArchiveRecord{Stage: "min1", Bucket: "b", Key: "k", Size: 10}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	types := make([]string, 0, len(lines))
	for _, line := range lines {
		var record Record
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		types = append(types, record.Type)
	}
	assert.Equal(t, []string{TypeError, TypeSummary, TypeArchive}, types)
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "inv-123", "cplx")

	require.NoError(t, w.Close())
	err := w.WriteStage(context.Background(), &StageRecord{Stage: "min1"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "inv-123", "cplx")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteProgress(context.Background(), &ProgressRecord{Stage: "prod", Completed: writerID*writesPerWriter + j})
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)
	for i, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record), "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "inv-123", "cplx")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteStage(ctx, &StageRecord{Stage: "min1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "inv-123", "cplx")

	err := w.WriteStage(context.Background(), &StageRecord{Stage: "min1"})
	require.Error(t, err)
	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	sw := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(sw, "inv-123", "cplx")

	require.NoError(t, w.WriteStage(context.Background(), &StageRecord{Stage: "equil3", Event: StageStarted, Command: "pmemd.cuda -O -i cplx.equil3.mdin"}))

	lines := strings.Split(strings.TrimSpace(sw.buf.String()), "\n")
	require.Len(t, lines, 1)
	var record Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, TypeStage, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{}, "inv-123", "cplx")

	err := w.WriteStage(context.Background(), &StageRecord{Stage: "min1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestStageRecord_OmitEmpty(t *testing.T) {
	b, err := json.Marshal(&StageRecord{Stage: "min1", Event: StageSkipped})
	require.NoError(t, err)
	s := string(b)
	assert.NotContains(t, s, "exit_code")
	assert.NotContains(t, s, "command")
	assert.NotContains(t, s, "duration_ns")
}
