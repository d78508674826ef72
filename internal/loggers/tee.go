package loggers

import "context"

// TeeLogger fans every call out to all wrapped loggers. Each backend
// is always invoked; the first error encountered is returned.
type TeeLogger struct {
	loggers []Logger
}

// NewTeeLogger wraps the given loggers. Nil entries are dropped.
func NewTeeLogger(loggers ...Logger) *TeeLogger {
	kept := make([]Logger, 0, len(loggers))
	for _, l := range loggers {
		if l != nil {
			kept = append(kept, l)
		}
	}
	return &TeeLogger{loggers: kept}
}

func (t *TeeLogger) Name() string { return "tee" }

// Loggers returns the wrapped backends.
func (t *TeeLogger) Loggers() []Logger { return t.loggers }

func (t *TeeLogger) LogHyperparams(ctx context.Context, params map[string]any) error {
	var firstErr error
	for _, l := range t.loggers {
		if err := l.LogHyperparams(ctx, params); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *TeeLogger) LogMetrics(ctx context.Context, metrics map[string]float64, step int) error {
	var firstErr error
	for _, l := range t.loggers {
		if err := l.LogMetrics(ctx, metrics, step); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *TeeLogger) Save(ctx context.Context) error {
	var firstErr error
	for _, l := range t.loggers {
		if err := l.Save(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *TeeLogger) Finalize(ctx context.Context, status string) error {
	var firstErr error
	for _, l := range t.loggers {
		if err := l.Finalize(ctx, status); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
