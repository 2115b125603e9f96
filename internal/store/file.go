package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cchalm/stockchat/internal/auth"
	"github.com/cchalm/stockchat/internal/persist"
)

// FileStore keeps each conversation as a JSON file in a directory
type FileStore struct {
	dir string // The directory conversation files live in

	mu sync.Mutex
}

// NewFileStore creates a file store rooted at dir, creating the directory if needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) path(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid conversation ID %q", id)
	}
	return filepath.Join(fs.dir, id+".json"), nil
}

// read returns the record stored under id, or nil if there is nothing stored
func (fs *FileStore) read(id string) (*persist.Record, error) {
	path, err := fs.path(id)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var rec persist.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &rec, nil
}

// UpsertConversation writes rec to a temporary file and renames it into place, so readers never see a partial write
func (fs *FileStore) UpsertConversation(ctx context.Context, rec persist.Record) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	existing, err := fs.read(rec.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Owner != rec.Owner {
			return ErrWrongOwner
		}
		rec.CreatedAt = existing.CreatedAt
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	path, err := fs.path(rec.ID)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(fs.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

func (fs *FileStore) GetConversation(_ context.Context, owner auth.Identity, id string) (persist.Record, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, err := fs.read(id)
	if err != nil {
		return persist.Record{}, err
	}
	if rec == nil || rec.Owner != owner {
		return persist.Record{}, ErrNotFound
	}
	return *rec, nil
}

func (fs *FileStore) ListConversations(_ context.Context, owner auth.Identity) ([]Summary, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	summaries := []Summary{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		rec, err := fs.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		if rec == nil || rec.Owner != owner {
			continue
		}
		summaries = append(summaries, Summary{
			ID:           rec.ID,
			Title:        rec.Title,
			CreatedAt:    rec.CreatedAt,
			UpdatedAt:    rec.UpdatedAt,
			MessageCount: len(rec.Messages),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
		}
		return summaries[i].ID < summaries[j].ID
	})
	return summaries, nil
}

func (fs *FileStore) DeleteConversation(_ context.Context, owner auth.Identity, id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, err := fs.read(id)
	if err != nil {
		return err
	}
	if rec == nil || rec.Owner != owner {
		return ErrNotFound
	}
	path, err := fs.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}
