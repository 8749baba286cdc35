package auth

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

type FileRepository struct {
	path string
	mu   sync.Mutex
}

func NewFileRepository(path string) (*FileRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure dir: %w", err)
	}
	// Touch file if not exists
	f, err := os.OpenFile(path, os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("touch file: %w", err)
	}
	_ = f.Close()
	return &FileRepository{path: path}, nil
}

func (r *FileRepository) LoadAll() ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadUnlocked()
}

func (r *FileRepository) Upsert(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs, _ := r.loadUnlocked()
	updated := false
	for i, x := range recs {
		if x.ID == rec.ID {
			recs[i] = rec
			updated = true
			break
		}
	}
	if !updated {
		recs = append(recs, rec)
	}
	return r.saveUnlocked(recs)
}

func (r *FileRepository) Remove(userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs, _ := r.loadUnlocked()
	var out []Record
	for _, x := range recs {
		if x.ID != userID {
			out = append(out, x)
		}
	}
	return r.saveUnlocked(out)
}

func (r *FileRepository) loadUnlocked() ([]Record, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer func() { _ = f.Close() }()
	var recs []Record
	dec := json.NewDecoder(f)
	if err := dec.Decode(&recs); err != nil {
		if err == io.EOF {
			return []Record{}, nil
		}
		// empty or malformed -> start fresh
		return []Record{}, nil
	}
	return recs, nil
}

func (r *FileRepository) saveUnlocked(recs []Record) error {
	f, err := os.OpenFile(r.path, os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(recs)
}
