package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Info contains metadata about a stored checkpoint file.
type Info struct {
	RunID     string `json:"run_id"`
	Filename  string `json:"filename"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// Store defines the interface for checkpoint storage.
type Store interface {
	// Save persists a checkpoint for a run. Creates directories as
	// needed and overwrites an existing file of the same name.
	Save(runID, filename string, ckpt *Checkpoint) (*Info, error)

	// Load reads a checkpoint from a path. The path does not have to
	// live under the store, so runs can resume from foreign files.
	Load(path string) (*Checkpoint, error)

	// List lists all checkpoints of a run.
	List(runID string) ([]Info, error)

	// Delete removes a single checkpoint file. Missing files are not an
	// error.
	Delete(path string) error

	// DeleteRun removes every checkpoint of a run.
	DeleteRun(runID string) error
}

// FilesystemStore implements Store using the local filesystem.
// Checkpoints are stored in {baseDir}/{runID}/checkpoints/{filename}.
type FilesystemStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFilesystemStore creates a new FilesystemStore with the given base
// directory. The base directory will be created if it doesn't exist.
func NewFilesystemStore(baseDir string) (*FilesystemStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory cannot be empty")
	}

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FilesystemStore{
		baseDir: baseDir,
	}, nil
}

// Save persists a checkpoint for a run. Thread-safe for concurrent
// writes.
func (fs *FilesystemStore) Save(runID, filename string, ckpt *Checkpoint) (*Info, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID cannot be empty")
	}
	if filename == "" {
		return nil, fmt.Errorf("filename cannot be empty")
	}
	if filepath.Base(filename) != filename {
		return nil, fmt.Errorf("filename cannot contain path separators")
	}

	data, err := ckpt.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := filepath.Join(fs.baseDir, runID, "checkpoints")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	filePath := filepath.Join(dir, filename)
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write checkpoint: %w", err)
	}

	return &Info{
		RunID:     runID,
		Filename:  filename,
		Path:      filePath,
		SizeBytes: int64(len(data)),
	}, nil
}

// Load reads and decodes a checkpoint file.
func (fs *FilesystemStore) Load(path string) (*Checkpoint, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	return LoadFile(path)
}

// List lists all checkpoints of a run.
func (fs *FilesystemStore) List(runID string) ([]Info, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID cannot be empty")
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	dir := filepath.Join(fs.baseDir, runID, "checkpoints")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			RunID:     runID,
			Filename:  entry.Name(),
			Path:      filepath.Join(dir, entry.Name()),
			SizeBytes: fi.Size(),
		})
	}

	return infos, nil
}

// Delete removes a single checkpoint file.
func (fs *FilesystemStore) Delete(path string) error {
	if path == "" {
		return fmt.Errorf("checkpoint path cannot be empty")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// DeleteRun removes every checkpoint of a run.
func (fs *FilesystemStore) DeleteRun(runID string) error {
	if runID == "" {
		return fmt.Errorf("run ID cannot be empty")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	runDir := filepath.Join(fs.baseDir, runID)
	if _, err := os.Stat(runDir); os.IsNotExist(err) {
		return nil
	}

	if err := os.RemoveAll(runDir); err != nil {
		return fmt.Errorf("failed to delete run checkpoints: %w", err)
	}
	return nil
}

// BaseDir returns the base directory of the store.
func (fs *FilesystemStore) BaseDir() string {
	return fs.baseDir
}
