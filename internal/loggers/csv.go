package loggers

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	metricsFilename = "metrics.csv"
	hparamsFilename = "hparams.yaml"
)

// CSVLogger writes metrics to {dir}/metrics.csv and hyperparameters to
// {dir}/hparams.yaml. The column set grows as new metric keys appear;
// the file is rewritten with the union header on every Save so earlier
// rows stay aligned.
type CSVLogger struct {
	dir string

	mu     sync.Mutex
	keys   []string
	keySet map[string]struct{}
	rows   []csvRow
}

type csvRow struct {
	step    int
	metrics map[string]float64
}

// NewCSVLogger creates a CSV logger rooted at dir, creating the
// directory if needed.
func NewCSVLogger(dir string) (*CSVLogger, error) {
	if dir == "" {
		return nil, fmt.Errorf("csv logger: directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("csv logger: failed to create directory: %w", err)
	}

	return &CSVLogger{
		dir:    dir,
		keySet: make(map[string]struct{}),
	}, nil
}

func (l *CSVLogger) Name() string { return "csv" }

// Dir returns the logger's output directory.
func (l *CSVLogger) Dir() string { return l.dir }

// MetricsPath returns the path of the metrics CSV file.
func (l *CSVLogger) MetricsPath() string { return filepath.Join(l.dir, metricsFilename) }

func (l *CSVLogger) LogHyperparams(ctx context.Context, params map[string]any) error {
	data, err := yaml.Marshal(params)
	if err != nil {
		return fmt.Errorf("csv logger: failed to marshal hyperparameters: %w", err)
	}

	path := filepath.Join(l.dir, hparamsFilename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("csv logger: failed to write %s: %w", hparamsFilename, err)
	}

	return nil
}

func (l *CSVLogger) LogMetrics(ctx context.Context, metrics map[string]float64, step int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := csvRow{step: step, metrics: make(map[string]float64, len(metrics))}

	// Register unseen keys in sorted order so the column layout does
	// not depend on map iteration.
	var newKeys []string
	for k, v := range metrics {
		row.metrics[k] = v
		if _, ok := l.keySet[k]; !ok {
			newKeys = append(newKeys, k)
			l.keySet[k] = struct{}{}
		}
	}
	sort.Strings(newKeys)
	l.keys = append(l.keys, newKeys...)

	l.rows = append(l.rows, row)
	return nil
}

// Save rewrites the metrics file with all rows recorded so far.
func (l *CSVLogger) Save(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked()
}

func (l *CSVLogger) saveLocked() error {
	if len(l.rows) == 0 {
		return nil
	}

	f, err := os.Create(l.MetricsPath())
	if err != nil {
		return fmt.Errorf("csv logger: failed to create metrics file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)

	header := make([]string, 0, len(l.keys)+1)
	header = append(header, "step")
	header = append(header, l.keys...)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("csv logger: failed to write header: %w", err)
	}

	record := make([]string, len(header))
	for _, row := range l.rows {
		record[0] = strconv.Itoa(row.step)
		for i, key := range l.keys {
			if v, ok := row.metrics[key]; ok {
				record[i+1] = strconv.FormatFloat(v, 'g', -1, 64)
			} else {
				record[i+1] = ""
			}
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("csv logger: failed to write row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("csv logger: failed to flush metrics file: %w", err)
	}

	return f.Sync()
}

func (l *CSVLogger) Finalize(ctx context.Context, status string) error {
	return l.Save(ctx)
}
