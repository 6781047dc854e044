package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LocalArchive stores deliveries on the local filesystem. All files stay
// within baseDir.
type LocalArchive struct {
	baseDir string
	keys    keyNamer
}

// NewLocalArchive resolves baseDir to an absolute path and creates it.
func NewLocalArchive(baseDir, prefix string) (*LocalArchive, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("%w: directory is required", ErrInvalidConfig)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToWrite, err)
	}
	return &LocalArchive{baseDir: abs, keys: keyNamer{prefix: prefix, now: time.Now}}, nil
}

func (a *LocalArchive) Archive(ctx context.Context, provider, eventID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := a.keys.key(provider, eventID)
	if err != nil {
		return err
	}

	p := a.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToWrite, err)
	}
	// Write to a temp file first so readers never see a partial payload.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToWrite, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrFailedToWrite, err)
	}
	return nil
}

func (a *LocalArchive) Get(_ context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(a.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToRead, err)
	}
	return data, nil
}

func (a *LocalArchive) List(_ context.Context, provider string, day time.Time) ([]string, error) {
	prefix, err := a.keys.dayPrefix(provider, day)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(a.path(prefix))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToRead, err)
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		keys = append(keys, prefix+e.Name())
	}
	sort.Strings(keys)
	return keys, nil
}

func (a *LocalArchive) path(key string) string {
	return filepath.Join(a.baseDir, filepath.FromSlash(strings.TrimPrefix(key, "/")))
}
