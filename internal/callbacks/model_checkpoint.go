package callbacks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/strideml/stride/internal/checkpoint"
	"github.com/strideml/stride/internal/events"
	"github.com/strideml/stride/internal/otel"
)

// LastCheckpointName is the filename of the rolling "most recent"
// checkpoint written when SaveLast is enabled.
const LastCheckpointName = "last.json"

// ModelCheckpointConfig configures the ModelCheckpoint callback.
type ModelCheckpointConfig struct {
	// Store persists the checkpoints. Required.
	Store checkpoint.Store

	// Monitor ranks checkpoints by this metric. Empty keeps the most
	// recent ones instead.
	Monitor string

	// Mode says whether Monitor improves by decreasing (min) or
	// increasing (max). Defaults to min.
	Mode Mode

	// SaveTopK bounds how many ranked checkpoints to keep. -1 keeps
	// all, 0 disables ranked saving (SaveLast still applies).
	SaveTopK int

	// SaveLast additionally maintains a last.json checkpoint,
	// overwritten on every save.
	SaveLast bool

	// EveryNEpochs saves only every n-th epoch. Defaults to 1.
	EveryNEpochs int
}

// SavedCheckpoint records one persisted checkpoint and its rank score.
type SavedCheckpoint struct {
	Path  string   `json:"path"`
	Score *float64 `json:"score,omitempty"`
	Epoch int      `json:"epoch"`
	Step  int      `json:"step"`
}

// ModelCheckpoint saves checkpoints at validation or epoch boundaries
// and prunes them down to the configured top-k, deleting the worst
// ranked file first.
type ModelCheckpoint struct {
	Base

	config ModelCheckpointConfig

	saved          []SavedCheckpoint
	bestPath       string
	bestScore      *float64
	lastPath       string
	lastSavedEpoch int
}

// NewModelCheckpoint validates the config and applies defaults.
func NewModelCheckpoint(config ModelCheckpointConfig) (*ModelCheckpoint, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("model checkpoint: store is required")
	}
	if config.Mode == "" {
		config.Mode = ModeMin
	}
	if !config.Mode.Valid() {
		return nil, fmt.Errorf("model checkpoint: invalid mode %q", config.Mode)
	}
	if config.SaveTopK < -1 {
		return nil, fmt.Errorf("model checkpoint: save top k must be >= -1, got %d", config.SaveTopK)
	}
	if config.EveryNEpochs < 0 {
		return nil, fmt.Errorf("model checkpoint: every n epochs cannot be negative")
	}
	if config.EveryNEpochs == 0 {
		config.EveryNEpochs = 1
	}

	return &ModelCheckpoint{
		config:         config,
		lastSavedEpoch: -1,
	}, nil
}

// BestModelPath returns the path of the best ranked checkpoint, or ""
// before any save.
func (m *ModelCheckpoint) BestModelPath() string { return m.bestPath }

// BestModelScore returns the best ranked score, if any.
func (m *ModelCheckpoint) BestModelScore() (float64, bool) {
	if m.bestScore == nil {
		return 0, false
	}
	return *m.bestScore, true
}

// LastModelPath returns the path of the last.json checkpoint, or ""
// when SaveLast is disabled.
func (m *ModelCheckpoint) LastModelPath() string { return m.lastPath }

// Saved returns the currently retained ranked checkpoints.
func (m *ModelCheckpoint) Saved() []SavedCheckpoint {
	out := make([]SavedCheckpoint, len(m.saved))
	copy(out, m.saved)
	return out
}

func (m *ModelCheckpoint) saveEpoch(epoch int) bool {
	return (epoch+1)%m.config.EveryNEpochs == 0
}

func (m *ModelCheckpoint) OnValidationEnd(ctx context.Context, run Run, metrics map[string]float64) error {
	state := run.State()
	if !m.saveEpoch(state.CurrentEpoch) {
		return nil
	}
	m.lastSavedEpoch = state.CurrentEpoch
	return m.save(ctx, run, metrics)
}

// OnTrainEpochEnd covers runs without validation: if validation
// already saved this epoch the hook does nothing.
func (m *ModelCheckpoint) OnTrainEpochEnd(ctx context.Context, run Run, metrics map[string]float64) error {
	state := run.State()
	if state.CurrentEpoch == m.lastSavedEpoch {
		return nil
	}
	if !m.saveEpoch(state.CurrentEpoch) {
		return nil
	}
	m.lastSavedEpoch = state.CurrentEpoch
	return m.save(ctx, run, metrics)
}

func (m *ModelCheckpoint) save(ctx context.Context, run Run, metrics map[string]float64) error {
	ranked := m.config.SaveTopK != 0
	var score *float64
	if ranked && m.config.Monitor != "" {
		v, ok := metrics[m.config.Monitor]
		if !ok {
			log.Printf("[ModelCheckpoint] Monitored metric %q missing, skipping ranked save", m.config.Monitor)
			ranked = false
		} else {
			score = &v
		}
	}

	if !ranked && !m.config.SaveLast {
		return nil
	}

	ckpt, err := run.BuildCheckpoint()
	if err != nil {
		return fmt.Errorf("model checkpoint: failed to build checkpoint: %w", err)
	}
	ckpt.Metrics = metrics

	state := run.State()

	if ranked {
		filename := fmt.Sprintf("epoch=%d-step=%d.json", state.CurrentEpoch, state.GlobalStep)
		info, err := m.config.Store.Save(run.RunID(), filename, ckpt)
		if err != nil {
			return fmt.Errorf("model checkpoint: failed to save: %w", err)
		}

		m.track(SavedCheckpoint{Path: info.Path, Score: score, Epoch: state.CurrentEpoch, Step: state.GlobalStep})
		m.prune()

		events.GetGlobalEventLogger().LogCheckpointSaved(info.Path, state.CurrentEpoch, state.GlobalStep)
		otel.RecordCheckpoint(otel.GetGlobalTracer().SpanFromContext(ctx), info.Path, state.GlobalStep)
	}

	if m.config.SaveLast {
		info, err := m.config.Store.Save(run.RunID(), LastCheckpointName, ckpt)
		if err != nil {
			return fmt.Errorf("model checkpoint: failed to save %s: %w", LastCheckpointName, err)
		}
		m.lastPath = info.Path
	}

	return nil
}

func (m *ModelCheckpoint) track(entry SavedCheckpoint) {
	// Re-saving the same epoch/step overwrites the file, so replace
	// the bookkeeping entry too.
	replaced := false
	for i := range m.saved {
		if m.saved[i].Path == entry.Path {
			m.saved[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		m.saved = append(m.saved, entry)
	}

	if entry.Score != nil && (m.bestScore == nil || m.config.Mode.Better(*entry.Score, *m.bestScore)) {
		m.bestPath = entry.Path
		score := *entry.Score
		m.bestScore = &score
	}
	if entry.Score == nil {
		// Recency mode: the newest checkpoint is the best one.
		m.bestPath = entry.Path
	}
}

func (m *ModelCheckpoint) prune() {
	if m.config.SaveTopK <= 0 {
		return
	}

	for len(m.saved) > m.config.SaveTopK {
		worst := 0
		for i := 1; i < len(m.saved); i++ {
			if m.saved[worst].Score == nil {
				// Recency mode: the oldest entry goes first.
				break
			}
			if m.config.Mode.Better(*m.saved[worst].Score, *m.saved[i].Score) {
				worst = i
			}
		}

		victim := m.saved[worst]
		m.saved = append(m.saved[:worst], m.saved[worst+1:]...)

		if err := m.config.Store.Delete(victim.Path); err != nil {
			log.Printf("[ModelCheckpoint] Failed to delete %s: %v", victim.Path, err)
			continue
		}
		log.Printf("[ModelCheckpoint] Deleted checkpoint %s (keeping top %d)", victim.Path, m.config.SaveTopK)
	}
}

type modelCheckpointState struct {
	Saved          []SavedCheckpoint `json:"saved"`
	BestPath       string            `json:"best_model_path,omitempty"`
	BestScore      *float64          `json:"best_score,omitempty"`
	LastPath       string            `json:"last_model_path,omitempty"`
	LastSavedEpoch int               `json:"last_saved_epoch"`
}

func (m *ModelCheckpoint) StateKey() string {
	if m.config.Monitor == "" {
		return "model_checkpoint"
	}
	return "model_checkpoint:" + m.config.Monitor
}

func (m *ModelCheckpoint) SaveState() (json.RawMessage, error) {
	return json.Marshal(modelCheckpointState{
		Saved:          m.saved,
		BestPath:       m.bestPath,
		BestScore:      m.bestScore,
		LastPath:       m.lastPath,
		LastSavedEpoch: m.lastSavedEpoch,
	})
}

func (m *ModelCheckpoint) LoadState(data json.RawMessage) error {
	var state modelCheckpointState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("model checkpoint: failed to restore state: %w", err)
	}
	m.saved = state.Saved
	m.bestPath = state.BestPath
	m.bestScore = state.BestScore
	m.lastPath = state.LastPath
	m.lastSavedEpoch = state.LastSavedEpoch
	return nil
}
