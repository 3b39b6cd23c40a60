package schedule

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/napryag/fitness_portal_bot/pkg/utils/errs"
)

// ErrNoSnapshot is returned by Load before the first refresh has been written.
var ErrNoSnapshot = errs.New("schedule snapshot not found")

// Snapshot is the near-term schedule pulled for the cache identity, keyed by direction.
type Snapshot struct {
	UpdatedAt time.Time          `json:"updated_at"`
	ClubID    string             `json:"club_id"`
	Phone     string             `json:"phone"`
	Data      map[string][]Entry `json:"data"`
}

// Age returns how old the snapshot is at now.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.UpdatedAt)
}

type Cache interface {
	Load() (*Snapshot, error)
	Store(s *Snapshot) error
}

// FileCache keeps the snapshot in one JSON file, replaced atomically.
type FileCache struct {
	path string
	mu   sync.RWMutex
}

func NewFileCache(path string) *FileCache {
	return &FileCache{path: path}
}

func (c *FileCache) Load() (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	raw, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, errs.New("read schedule snapshot").Arg("path", c.path).Wrap(err)
	}

	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errs.New("decode schedule snapshot").Arg("path", c.path).Kind(errs.KindIntegrity).Wrap(err)
	}
	return &s, nil
}

func (c *FileCache) Store(s *Snapshot) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errs.New("encode schedule snapshot").Wrap(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if dir := filepath.Dir(c.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errs.New("create snapshot dir").Arg("dir", dir).Wrap(err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return errs.New("create temp snapshot").Wrap(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return errs.New("write temp snapshot").Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return errs.New("close temp snapshot").Wrap(err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return errs.New("replace schedule snapshot").Arg("path", c.path).Wrap(err)
	}
	return nil
}
