package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs run events as JSONL.
//
// Implementations must be safe for concurrent use. Each Write* method emits
// a complete record as a single line of JSON followed by a newline.
type Writer interface {
	WriteStage(ctx context.Context, rec *StageRecord) error
	WriteProgress(ctx context.Context, rec *ProgressRecord) error
	WriteSummary(ctx context.Context, rec *SummaryRecord) error
	WriteError(ctx context.Context, rec *ErrorRecord) error
	WriteArchive(ctx context.Context, rec *ArchiveRecord) error
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
// Writes are serialized so lines never interleave.
type JSONLWriter struct {
	w            io.Writer
	invocationID string
	prefix       string
	mu           sync.Mutex
	closed       bool
}

// NewJSONLWriter creates a JSONL writer stamping every record with the
// invocation id and run prefix.
func NewJSONLWriter(w io.Writer, invocationID, prefix string) *JSONLWriter {
	return &JSONLWriter{
		w:            w,
		invocationID: invocationID,
		prefix:       prefix,
	}
}

func (jw *JSONLWriter) WriteStage(ctx context.Context, rec *StageRecord) error {
	return jw.writeRecord(ctx, TypeStage, rec)
}

func (jw *JSONLWriter) WriteProgress(ctx context.Context, rec *ProgressRecord) error {
	return jw.writeRecord(ctx, TypeProgress, rec)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, rec *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, rec)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, rec *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, rec)
}

func (jw *JSONLWriter) WriteArchive(ctx context.Context, rec *ArchiveRecord) error {
	return jw.writeRecord(ctx, TypeArchive, rec)
}

// Close marks the writer as closed. The underlying writer is not closed.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line while holding
// the mutex.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := Record{
		Type:         recordType,
		TS:           time.Now().UTC(),
		InvocationID: jw.invocationID,
		Prefix:       jw.prefix,
		Data:         dataBytes,
	}
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// writeAll writes all bytes to w, handling short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Discard is a Writer that drops every record.
type Discard struct{}

func (Discard) WriteStage(context.Context, *StageRecord) error       { return nil }
func (Discard) WriteProgress(context.Context, *ProgressRecord) error { return nil }
func (Discard) WriteSummary(context.Context, *SummaryRecord) error   { return nil }
func (Discard) WriteError(context.Context, *ErrorRecord) error       { return nil }
func (Discard) WriteArchive(context.Context, *ArchiveRecord) error   { return nil }
func (Discard) Close() error                                         { return nil }

var (
	_ Writer = (*JSONLWriter)(nil)
	_ Writer = Discard{}
)
