package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/napryag/fitness_portal_bot/pkg/repository/model"
	"github.com/napryag/fitness_portal_bot/pkg/utils/errs"
)

// FileRepo keeps all profiles in one JSON object keyed by chat id.
// The file is read once at start and rewritten in full on every save.
type FileRepo struct {
	path     string
	mu       sync.Mutex
	profiles map[int64]*model.Profile
}

func NewFileRepo(path string) (*FileRepo, error) {
	r := &FileRepo{path: path, profiles: make(map[int64]*model.Profile)}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, errs.New("read profile store").Arg("path", path).Wrap(err)
	}
	if len(raw) == 0 {
		return r, nil
	}

	var stored map[string]*model.Profile
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, errs.New("decode profile store").Arg("path", path).Kind(errs.KindIntegrity).Wrap(err)
	}
	for key, p := range stored {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil || p == nil {
			continue
		}
		p.ChatID = id
		r.profiles[id] = p
	}
	return r, nil
}

func (r *FileRepo) Get(_ context.Context, chatID int64) (*model.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[chatID]
	if !ok {
		return nil, model.ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (r *FileRepo) Save(_ context.Context, p *model.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.profiles[p.ChatID]
	r.profiles[p.ChatID] = p.Clone()
	if err := r.flush(); err != nil {
		if had {
			r.profiles[p.ChatID] = prev
		} else {
			delete(r.profiles, p.ChatID)
		}
		return err
	}
	return nil
}

func (r *FileRepo) Close() error { return nil }

func (r *FileRepo) flush() error {
	out := make(map[string]*model.Profile, len(r.profiles))
	for id, p := range r.profiles {
		out[strconv.FormatInt(id, 10)] = p
	}
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errs.New("encode profile store").Wrap(err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.New("create store dir").Arg("dir", dir).Wrap(err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return errs.New("create temp store").Wrap(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return errs.New("write temp store").Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return errs.New("close temp store").Wrap(err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return errs.New("replace profile store").Arg("path", r.path).Wrap(err)
	}
	return nil
}
