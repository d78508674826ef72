package loggers

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// JSONLConfig holds configuration for the JSONL logger.
type JSONLConfig struct {
	// OutputPath is the path to write JSONL output. Empty discards.
	OutputPath string

	// BufferSize is the write buffer size in bytes.
	BufferSize int

	// SyncOnWrite forces sync after each write.
	SyncOnWrite bool
}

// DefaultJSONLConfig returns sensible defaults for the JSONL logger.
func DefaultJSONLConfig() *JSONLConfig {
	return &JSONLConfig{
		BufferSize:  64 * 1024, // 64KB buffer
		SyncOnWrite: false,
	}
}

// JSONLLogger appends metrics-log/v1 records to a newline-delimited
// JSON file, one record per line.
type JSONLLogger struct {
	config *JSONLConfig
	writer *bufio.Writer
	file   *os.File
	mu     sync.Mutex

	totalWritten atomic.Int64
	totalBytes   atomic.Int64
	writeErrors  atomic.Int64
}

// NewJSONLLogger opens (or creates) the configured output file in
// append mode. A nil config or empty OutputPath yields a logger that
// silently discards records.
func NewJSONLLogger(config *JSONLConfig) (*JSONLLogger, error) {
	if config == nil {
		config = DefaultJSONLConfig()
	}

	l := &JSONLLogger{
		config: config,
	}

	if config.OutputPath != "" {
		f, err := os.OpenFile(config.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		l.file = f
		l.writer = bufio.NewWriterSize(f, config.BufferSize)
	}

	return l, nil
}

// NewJSONLLoggerWithWriter wraps an existing writer, mainly for tests.
func NewJSONLLoggerWithWriter(w io.Writer, config *JSONLConfig) *JSONLLogger {
	if config == nil {
		config = DefaultJSONLConfig()
	}

	return &JSONLLogger{
		config: config,
		writer: bufio.NewWriterSize(w, config.BufferSize),
	}
}

func (l *JSONLLogger) Name() string { return "jsonl" }

func (l *JSONLLogger) LogHyperparams(ctx context.Context, params map[string]any) error {
	rec := &HyperparamsRecord{
		Version:     MetricsLogVersion,
		Timestamp:   time.Now().UTC(),
		Kind:        "hparams",
		Hyperparams: params,
	}

	data, err := rec.MarshalJSONL()
	if err != nil {
		l.writeErrors.Add(1)
		return err
	}

	return l.writeLine(data)
}

func (l *JSONLLogger) LogMetrics(ctx context.Context, metrics map[string]float64, step int) error {
	rec := &MetricsRecord{
		Version:   MetricsLogVersion,
		Timestamp: time.Now().UTC(),
		Kind:      "metrics",
		Step:      step,
		Metrics:   metrics,
	}

	data, err := rec.MarshalJSONL()
	if err != nil {
		l.writeErrors.Add(1)
		return err
	}

	return l.writeLine(data)
}

func (l *JSONLLogger) Save(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

// Finalize writes a terminal status record, flushes and closes the
// underlying file.
func (l *JSONLLogger) Finalize(ctx context.Context, status string) error {
	rec := &StatusRecord{
		Version:   MetricsLogVersion,
		Timestamp: time.Now().UTC(),
		Kind:      "status",
		Status:    status,
	}

	data, err := rec.MarshalJSONL()
	if err != nil {
		l.writeErrors.Add(1)
		return err
	}

	if err := l.writeLine(data); err != nil {
		return err
	}

	return l.Close()
}

func (l *JSONLLogger) writeLine(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == nil {
		return nil
	}

	if _, err := l.writer.Write(data); err != nil {
		l.writeErrors.Add(1)
		return err
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		l.writeErrors.Add(1)
		return err
	}

	l.totalWritten.Add(1)
	l.totalBytes.Add(int64(len(data) + 1))

	if l.config.SyncOnWrite {
		return l.flushLocked()
	}

	return nil
}

func (l *JSONLLogger) flushLocked() error {
	if l.writer == nil {
		return nil
	}

	if err := l.writer.Flush(); err != nil {
		return err
	}

	if l.file != nil {
		return l.file.Sync()
	}

	return nil
}

// Close flushes buffered records and closes the output file.
func (l *JSONLLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		if err := l.writer.Flush(); err != nil {
			return err
		}
	}

	if l.file != nil {
		return l.file.Close()
	}

	return nil
}

// JSONLStats reports write counters for the logger.
type JSONLStats struct {
	TotalWritten int64
	TotalBytes   int64
	WriteErrors  int64
}

// Stats returns a snapshot of the logger's write counters.
func (l *JSONLLogger) Stats() JSONLStats {
	return JSONLStats{
		TotalWritten: l.totalWritten.Load(),
		TotalBytes:   l.totalBytes.Load(),
		WriteErrors:  l.writeErrors.Load(),
	}
}
