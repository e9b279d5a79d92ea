package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/dimitrije/nikode-collab/internal/database"
	"github.com/dimitrije/nikode-collab/internal/models"
	"github.com/google/uuid"
)

// Fixtures provides factory methods for creating test data
type Fixtures struct {
	db      *database.DB
	counter int
}

// NewFixtures creates a new fixtures factory
func NewFixtures(db *database.DB) *Fixtures {
	return &Fixtures{db: db}
}

// FileOption customizes a fixture file before it is inserted
type FileOption func(*models.CollaborationFile)

func WithPath(path string) FileOption {
	return func(f *models.CollaborationFile) {
		f.Path = path
	}
}

func WithContent(content string) FileOption {
	return func(f *models.CollaborationFile) {
		f.Content = content
	}
}

func WithCreator(userID uuid.UUID) FileOption {
	return func(f *models.CollaborationFile) {
		f.CreatedBy = userID
	}
}

// CreateFile inserts a version 1 file into groupID
func (f *Fixtures) CreateFile(t *testing.T, groupID uuid.UUID, opts ...FileOption) *models.CollaborationFile {
	t.Helper()
	f.counter++

	file := &models.CollaborationFile{
		GroupID:   groupID,
		Name:      fmt.Sprintf("file%d.txt", f.counter),
		Path:      fmt.Sprintf("/file%d.txt", f.counter),
		Language:  "plaintext",
		CreatedBy: uuid.New(),
	}

	for _, opt := range opts {
		opt(file)
	}

	ctx := context.Background()
	err := f.db.Pool.QueryRow(ctx, `
		INSERT INTO collaboration_files (group_id, name, path, content, language, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, version, created_at, updated_at
	`, file.GroupID, file.Name, file.Path, file.Content, file.Language, file.CreatedBy).Scan(
		&file.ID, &file.Version, &file.CreatedAt, &file.UpdatedAt,
	)
	if err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	return file
}
