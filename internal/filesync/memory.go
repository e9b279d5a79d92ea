package filesync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dimitrije/nikode-collab/internal/models"
	"github.com/google/uuid"
)

type pathKey struct {
	groupID uuid.UUID
	path    string
}

// MemoryStore is a Store kept in process memory. Every operation holds one
// mutex, which makes the version compare-and-swap linearizable.
type MemoryStore struct {
	mu    sync.Mutex
	files map[uuid.UUID]models.CollaborationFile
	paths map[pathKey]uuid.UUID
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files: make(map[uuid.UUID]models.CollaborationFile),
		paths: make(map[pathKey]uuid.UUID),
	}
}

func (s *MemoryStore) GetFile(ctx context.Context, id uuid.UUID) (*models.CollaborationFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, ok := s.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &file, nil
}

func (s *MemoryStore) ListFiles(ctx context.Context, groupID uuid.UUID) ([]models.CollaborationFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	files := make([]models.CollaborationFile, 0)
	for _, file := range s.files {
		if file.GroupID == groupID {
			files = append(files, file)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (s *MemoryStore) InsertFile(ctx context.Context, file models.CollaborationFile) (*models.CollaborationFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pathKey{groupID: file.GroupID, path: file.Path}
	if _, taken := s.paths[key]; taken {
		return nil, ErrDuplicatePath
	}
	s.files[file.ID] = file
	s.paths[key] = file.ID
	return &file, nil
}

func (s *MemoryStore) ConditionalUpdateFile(ctx context.Context, id uuid.UUID, patch Patch, expectedVersion int, updatedAt time.Time) (*models.CollaborationFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, ok := s.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	if file.Version != expectedVersion {
		return nil, &VersionConflictError{Expected: expectedVersion, Actual: file.Version}
	}
	if patch.Content != nil {
		file.Content = *patch.Content
	}
	if patch.Language != nil {
		file.Language = *patch.Language
	}
	file.Version++
	file.UpdatedAt = updatedAt
	s.files[id] = file
	return &file, nil
}

func (s *MemoryStore) RenameFile(ctx context.Context, id uuid.UUID, name, path string, updatedAt time.Time) (*models.CollaborationFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, ok := s.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	oldKey := pathKey{groupID: file.GroupID, path: file.Path}
	newKey := pathKey{groupID: file.GroupID, path: path}
	if owner, taken := s.paths[newKey]; taken && owner != id {
		return nil, ErrDuplicatePath
	}
	delete(s.paths, oldKey)
	s.paths[newKey] = id
	file.Name = name
	file.Path = path
	file.Version++
	file.UpdatedAt = updatedAt
	s.files[id] = file
	return &file, nil
}

func (s *MemoryStore) DeleteFile(ctx context.Context, id uuid.UUID) (*models.CollaborationFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, ok := s.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.files, id)
	delete(s.paths, pathKey{groupID: file.GroupID, path: file.Path})
	return &file, nil
}
