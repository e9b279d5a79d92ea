package services

import (
	"context"
	"errors"
	"time"

	"github.com/dimitrije/nikode-collab/internal/database"
	"github.com/dimitrije/nikode-collab/internal/filesync"
	"github.com/dimitrije/nikode-collab/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const fileColumns = `id, group_id, name, path, content, language, created_by, version, created_at, updated_at`

// FileStore keeps collaboration files in Postgres. Version checks are single
// row conditional updates, so concurrent writers are serialized by the row
// lock.
type FileStore struct {
	db *database.DB
}

var _ filesync.Store = (*FileStore)(nil)

func NewFileStore(db *database.DB) *FileStore {
	return &FileStore{db: db}
}

func scanFile(row pgx.Row) (*models.CollaborationFile, error) {
	var f models.CollaborationFile
	if err := row.Scan(
		&f.ID, &f.GroupID, &f.Name, &f.Path, &f.Content, &f.Language,
		&f.CreatedBy, &f.Version, &f.CreatedAt, &f.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &f, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *FileStore) GetFile(ctx context.Context, id uuid.UUID) (*models.CollaborationFile, error) {
	file, err := scanFile(s.db.Pool.QueryRow(ctx, `
		SELECT `+fileColumns+`
		FROM collaboration_files WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, filesync.ErrNotFound
	}
	return file, err
}

func (s *FileStore) ListFiles(ctx context.Context, groupID uuid.UUID) ([]models.CollaborationFile, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+fileColumns+`
		FROM collaboration_files WHERE group_id = $1
		ORDER BY path
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := make([]models.CollaborationFile, 0)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

func (s *FileStore) InsertFile(ctx context.Context, file models.CollaborationFile) (*models.CollaborationFile, error) {
	created, err := scanFile(s.db.Pool.QueryRow(ctx, `
		INSERT INTO collaboration_files (id, group_id, name, path, content, language, created_by, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+fileColumns,
		file.ID, file.GroupID, file.Name, file.Path, file.Content, file.Language,
		file.CreatedBy, file.Version, file.CreatedAt, file.UpdatedAt,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, filesync.ErrDuplicatePath
		}
		return nil, err
	}
	return created, nil
}

func (s *FileStore) ConditionalUpdateFile(ctx context.Context, id uuid.UUID, patch filesync.Patch, expectedVersion int, updatedAt time.Time) (*models.CollaborationFile, error) {
	if patch.Empty() {
		return nil, filesync.ErrNoFieldsToUpdate
	}

	file, err := scanFile(s.db.Pool.QueryRow(ctx, `
		UPDATE collaboration_files
		SET content = COALESCE($1, content), language = COALESCE($2, language),
			version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5
		RETURNING `+fileColumns,
		patch.Content, patch.Language, updatedAt, id, expectedVersion,
	))
	if err != nil {
		return nil, s.checkVersionConflict(ctx, id, expectedVersion, err)
	}
	return file, nil
}

// checkVersionConflict explains a conditional update that matched no row.
func (s *FileStore) checkVersionConflict(ctx context.Context, id uuid.UUID, expectedVersion int, originalErr error) error {
	if !errors.Is(originalErr, pgx.ErrNoRows) {
		return originalErr
	}
	var currentVersion int
	err := s.db.Pool.QueryRow(ctx, `SELECT version FROM collaboration_files WHERE id = $1`, id).Scan(&currentVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return filesync.ErrNotFound
	}
	if err != nil {
		return err
	}
	if currentVersion != expectedVersion {
		return &filesync.VersionConflictError{Expected: expectedVersion, Actual: currentVersion}
	}
	return originalErr
}

func (s *FileStore) RenameFile(ctx context.Context, id uuid.UUID, name, path string, updatedAt time.Time) (*models.CollaborationFile, error) {
	file, err := scanFile(s.db.Pool.QueryRow(ctx, `
		UPDATE collaboration_files
		SET name = $1, path = $2, version = version + 1, updated_at = $3
		WHERE id = $4
		RETURNING `+fileColumns,
		name, path, updatedAt, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, filesync.ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, filesync.ErrDuplicatePath
		}
		return nil, err
	}
	return file, nil
}

func (s *FileStore) DeleteFile(ctx context.Context, id uuid.UUID) (*models.CollaborationFile, error) {
	file, err := scanFile(s.db.Pool.QueryRow(ctx, `
		DELETE FROM collaboration_files WHERE id = $1
		RETURNING `+fileColumns,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, filesync.ErrNotFound
	}
	return file, err
}
