package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LocalBackend stores objects as files under a base directory
type LocalBackend struct {
	basePath string
	logger   zerolog.Logger

	// directories already created, so hot flush paths skip MkdirAll
	dirMu sync.RWMutex
	dirs  map[string]bool
}

// NewLocalBackend creates basePath if needed
func NewLocalBackend(basePath string, logger zerolog.Logger) (*LocalBackend, error) {
	if basePath == "" {
		basePath = "./data"
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	return &LocalBackend{
		basePath: abs,
		logger:   logger.With().Str("component", "local-storage").Logger(),
		dirs:     make(map[string]bool),
	}, nil
}

// Write stores data atomically: temp file in the target directory, then rename
func (b *LocalBackend) Write(ctx context.Context, path string, data []byte) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(full)
	if err := b.ensureDir(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".loadsim-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", writeErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}
	if err := os.Rename(tmpPath, full); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	b.logger.Debug().Str("path", path).Int("size", len(data)).Msg("Wrote file")
	return nil
}

func (b *LocalBackend) ensureDir(dir string) error {
	b.dirMu.RLock()
	ok := b.dirs[dir]
	b.dirMu.RUnlock()
	if ok {
		return nil
	}

	b.dirMu.Lock()
	defer b.dirMu.Unlock()
	if b.dirs[dir] {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	b.dirs[dir] = true
	return nil
}

// Exists reports whether a file is stored at path
func (b *LocalBackend) Exists(ctx context.Context, path string) (bool, error) {
	full, err := b.resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
	return true, nil
}

// Delete removes the file at path
func (b *LocalBackend) Delete(ctx context.Context, path string) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// List returns slash-separated paths relative to the base directory.
// Temp files from in-progress writes are skipped.
func (b *LocalBackend) List(ctx context.Context, prefix string) ([]string, error) {
	root, err := b.resolve(prefix)
	if err != nil {
		return nil, err
	}

	var out []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(b.basePath, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return out, nil
}

// Close is a no-op
func (b *LocalBackend) Close() error { return nil }

// Type returns "local"
func (b *LocalBackend) Type() string { return "local" }

// BasePath returns the absolute base directory
func (b *LocalBackend) BasePath() string { return b.basePath }

// resolve maps path under the base directory and rejects anything escaping it
func (b *LocalBackend) resolve(path string) (string, error) {
	path = strings.ReplaceAll(path, "\x00", "")
	full := filepath.Join(b.basePath, filepath.FromSlash(strings.TrimPrefix(path, "/")))

	rel, err := filepath.Rel(b.basePath, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path %q: escapes base directory", path)
	}
	return full, nil
}
