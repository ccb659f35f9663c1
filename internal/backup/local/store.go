// Package local implements a filesystem-backed backup stats store.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/crawlwatch/internal/backup"
	"github.com/JakeFAU/crawlwatch/internal/jobstats"
)

// Config captures the parameters for the local backup store.
type Config struct {
	// BaseDir is the root directory where snapshots will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Store keeps one JSON snapshot per job under BaseDir.
type Store struct {
	baseDir string
}

// New creates a local backup store, creating BaseDir when it does not exist.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	// Check for write permissions.
	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Store{baseDir: cfg.BaseDir}, nil
}

// Path returns the file that holds the snapshot for key.
func (s *Store) Path(key jobstats.JobKey) (string, error) {
	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(backup.RelPath(key)))

	// Clean the path and verify it's within baseDir to prevent path traversal.
	cleanBaseDir := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

// Load reads the snapshot stored for key. It returns jobstats.ErrNotFound when
// no snapshot has been saved yet.
func (s *Store) Load(_ context.Context, key jobstats.JobKey) (jobstats.Snapshot, error) {
	path, err := s.Path(key)
	if err != nil {
		return jobstats.Snapshot{}, err
	}
	// #nosec G304 -- path is confined to baseDir by Path.
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return jobstats.Snapshot{}, fmt.Errorf("load %s: %w", path, jobstats.ErrNotFound)
		}
		return jobstats.Snapshot{}, fmt.Errorf("read backup stats: %w", err)
	}
	var snap jobstats.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return jobstats.Snapshot{}, fmt.Errorf("decode backup stats %s: %w", path, err)
	}
	return snap, nil
}

// Save writes the snapshot for key. The data goes to a temporary file in the
// target directory that is renamed into place, so readers never observe a
// partially written snapshot. On failure the temporary file is removed.
func (s *Store) Save(_ context.Context, key jobstats.JobKey, snapshot jobstats.Snapshot) error {
	path, err := s.Path(key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode backup stats: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".stats-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if err := writeAndClose(tmp, data); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename backup stats into place: %w", err)
	}
	return nil
}

func writeAndClose(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write backup stats: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync backup stats: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close backup stats: %w", err)
	}
	return nil
}
