package testutil

import (
	"context"

	"github.com/dimitrije/nikode-collab/internal/filesync"
	"github.com/dimitrije/nikode-collab/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockFileService mocks the filesync.Service
type MockFileService struct {
	mock.Mock
}

func (m *MockFileService) Create(ctx context.Context, params filesync.CreateParams) (*models.CollaborationFile, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CollaborationFile), args.Error(1)
}

func (m *MockFileService) Get(ctx context.Context, id uuid.UUID) (*models.CollaborationFile, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CollaborationFile), args.Error(1)
}

func (m *MockFileService) List(ctx context.Context, groupID uuid.UUID) ([]models.CollaborationFile, error) {
	args := m.Called(ctx, groupID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.CollaborationFile), args.Error(1)
}

func (m *MockFileService) Update(ctx context.Context, id uuid.UUID, patch filesync.Patch, expectedVersion int, actor uuid.UUID) (*models.CollaborationFile, error) {
	args := m.Called(ctx, id, patch, expectedVersion, actor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CollaborationFile), args.Error(1)
}

func (m *MockFileService) Delete(ctx context.Context, id uuid.UUID, actor uuid.UUID) error {
	args := m.Called(ctx, id, actor)
	return args.Error(0)
}

func (m *MockFileService) Rename(ctx context.Context, id uuid.UUID, name, path string, actor uuid.UUID) (*models.CollaborationFile, error) {
	args := m.Called(ctx, id, name, path, actor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CollaborationFile), args.Error(1)
}
