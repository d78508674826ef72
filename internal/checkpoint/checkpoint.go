// Package checkpoint persists and restores the durable state of a fit:
// loop progress, module parameters, optimizer and callback state.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
)

// FormatVersion is bumped when the checkpoint layout changes.
const FormatVersion = 1

// Checkpoint is one durable snapshot of a run. Module and optimizer
// states are opaque bytes produced by their owners.
type Checkpoint struct {
	FormatVersion   int                        `json:"format_version"`
	RunID           string                     `json:"run_id"`
	ModuleName      string                     `json:"module_name"`
	Epoch           int                        `json:"epoch"`
	GlobalStep      int                        `json:"global_step"`
	ModuleState     json.RawMessage            `json:"module_state,omitempty"`
	OptimizerStates []json.RawMessage          `json:"optimizer_states,omitempty"`
	CallbackStates  map[string]json.RawMessage `json:"callback_states,omitempty"`
	Hyperparams     map[string]any             `json:"hyperparams,omitempty"`
	Metrics         map[string]float64         `json:"metrics,omitempty"`
	CreatedAtMs     int64                      `json:"created_at_ms"`
}

// Encode serializes the checkpoint.
func (c *Checkpoint) Encode() ([]byte, error) {
	if c.FormatVersion == 0 {
		c.FormatVersion = FormatVersion
	}
	return json.MarshalIndent(c, "", "  ")
}

// Decode parses a checkpoint and verifies its format version.
func Decode(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	if c.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("unsupported checkpoint format version %d", c.FormatVersion)
	}
	return &c, nil
}

// LoadFile reads and decodes a checkpoint from an arbitrary path,
// without going through a Store.
func LoadFile(path string) (*Checkpoint, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checkpoint not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return Decode(data)
}
