// Package filesync owns durable collaboration files. Content changes are
// guarded by optimistic concurrency on the file version: an update names the
// version it was based on and is rejected when that is no longer current.
// Conflicting writes are never merged.
package filesync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dimitrije/nikode-collab/internal/clock"
	"github.com/dimitrije/nikode-collab/internal/models"
	"github.com/dimitrije/nikode-collab/internal/transport"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/dimitrije/nikode-collab/internal/filesync"

type Options struct {
	Clock          clock.Clock
	Logger         logrus.FieldLogger
	TracerProvider trace.TracerProvider
}

type Service struct {
	store     Store
	transport transport.Transport
	clock     clock.Clock
	log       logrus.FieldLogger
	tracer    trace.Tracer
}

// NewService builds a file service. t may be nil, in which case changes are
// not broadcast.
func NewService(store Store, t transport.Transport, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	return &Service{
		store:     store,
		transport: t,
		clock:     opts.Clock,
		log:       opts.Logger.WithField("component", "filesync"),
		tracer:    opts.TracerProvider.Tracer(tracerName),
	}
}

type CreateParams struct {
	GroupID   uuid.UUID
	Name      string
	Path      string
	Language  string
	Content   string
	CreatedBy uuid.UUID
}

func (s *Service) Create(ctx context.Context, params CreateParams) (file *models.CollaborationFile, err error) {
	ctx, span := s.tracer.Start(ctx, "filesync.Create", trace.WithAttributes(
		attribute.String("file.group_id", params.GroupID.String()),
		attribute.String("file.path", params.Path),
	))
	defer func() { endSpan(span, err) }()

	name := strings.TrimSpace(params.Name)
	path := strings.TrimSpace(params.Path)
	if name == "" || path == "" || params.GroupID == uuid.Nil {
		return nil, fmt.Errorf("%w: group, name and path are required", ErrInvalidFile)
	}
	language := params.Language
	if language == "" {
		language = DetectLanguage(name)
	}

	now := s.clock.Now().UTC()
	file, err = s.store.InsertFile(ctx, models.CollaborationFile{
		ID:        uuid.New(),
		GroupID:   params.GroupID,
		Name:      name,
		Path:      path,
		Content:   params.Content,
		Language:  language,
		CreatedBy: params.CreatedBy,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("file.id", file.ID.String()))
	s.publish(ctx, transport.EventFileCreated, file, params.CreatedBy)
	return file, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (file *models.CollaborationFile, err error) {
	ctx, span := s.tracer.Start(ctx, "filesync.Get", trace.WithAttributes(
		attribute.String("file.id", id.String()),
	))
	defer func() { endSpan(span, err) }()

	return s.store.GetFile(ctx, id)
}

func (s *Service) List(ctx context.Context, groupID uuid.UUID) (files []models.CollaborationFile, err error) {
	ctx, span := s.tracer.Start(ctx, "filesync.List", trace.WithAttributes(
		attribute.String("file.group_id", groupID.String()),
	))
	defer func() { endSpan(span, err) }()

	files, err = s.store.ListFiles(ctx, groupID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("file.count", len(files)))
	return files, nil
}

// Update applies patch if the stored version still equals expectedVersion.
// On mismatch it returns a *VersionConflictError and writes nothing.
func (s *Service) Update(ctx context.Context, id uuid.UUID, patch Patch, expectedVersion int, actor uuid.UUID) (file *models.CollaborationFile, err error) {
	ctx, span := s.tracer.Start(ctx, "filesync.Update", trace.WithAttributes(
		attribute.String("file.id", id.String()),
		attribute.Int("file.expected_version", expectedVersion),
	))
	defer func() { endSpan(span, err) }()

	if patch.Empty() {
		return nil, ErrNoFieldsToUpdate
	}

	file, err = s.store.ConditionalUpdateFile(ctx, id, patch, expectedVersion, s.clock.Now().UTC())
	if err != nil {
		var conflict *VersionConflictError
		if errors.As(err, &conflict) {
			span.SetAttributes(attribute.Int("file.current_version", conflict.Actual))
			s.log.WithFields(logrus.Fields{
				"file_id":          id,
				"expected_version": conflict.Expected,
				"current_version":  conflict.Actual,
			}).Info("Rejected stale update")
		}
		return nil, err
	}

	s.publish(ctx, transport.EventFileUpdated, file, actor)
	return file, nil
}

// Delete removes the file regardless of its version.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, actor uuid.UUID) (err error) {
	ctx, span := s.tracer.Start(ctx, "filesync.Delete", trace.WithAttributes(
		attribute.String("file.id", id.String()),
	))
	defer func() { endSpan(span, err) }()

	file, err := s.store.DeleteFile(ctx, id)
	if err != nil {
		return err
	}

	s.publish(ctx, transport.EventFileDeleted, file, actor)
	return nil
}

// Rename changes name and path without a version check. The path must stay
// unique within the group; the version is bumped.
func (s *Service) Rename(ctx context.Context, id uuid.UUID, name, path string, actor uuid.UUID) (file *models.CollaborationFile, err error) {
	ctx, span := s.tracer.Start(ctx, "filesync.Rename", trace.WithAttributes(
		attribute.String("file.id", id.String()),
		attribute.String("file.path", path),
	))
	defer func() { endSpan(span, err) }()

	name = strings.TrimSpace(name)
	path = strings.TrimSpace(path)
	if name == "" || path == "" {
		return nil, fmt.Errorf("%w: name and path are required", ErrInvalidFile)
	}

	file, err = s.store.RenameFile(ctx, id, name, path, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.publish(ctx, transport.EventFileRenamed, file, actor)
	return file, nil
}

func (s *Service) publish(ctx context.Context, event string, file *models.CollaborationFile, actor uuid.UUID) {
	if s.transport == nil {
		return
	}
	change := models.FileChange{
		FileID:  file.ID,
		GroupID: file.GroupID,
		Version: file.Version,
		Actor:   actor,
	}
	if err := s.transport.Send(ctx, transport.FilesTopic(file.GroupID), event, change); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"event":   event,
			"file_id": file.ID,
		}).Warn("Failed to broadcast file change")
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
