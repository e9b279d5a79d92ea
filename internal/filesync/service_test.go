package filesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dimitrije/nikode-collab/internal/clock"
	"github.com/dimitrije/nikode-collab/internal/hub"
	"github.com/dimitrije/nikode-collab/internal/models"
	"github.com/dimitrije/nikode-collab/internal/transport"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	svc      *Service
	store    *MemoryStore
	hub      *hub.Hub
	clock    *clock.FakeClock
	spans    *tracetest.SpanRecorder
	groupID  uuid.UUID
	userID   uuid.UUID
	mu       sync.Mutex
	received []transport.Message
}

func setupService(t *testing.T) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	h := hub.NewHub(logger)
	t.Cleanup(h.Close)

	spans := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	hs := &harness{
		store:   NewMemoryStore(),
		hub:     h,
		clock:   clock.Fake(epoch),
		spans:   spans,
		groupID: uuid.New(),
		userID:  uuid.New(),
	}
	hs.svc = NewService(hs.store, h, Options{Clock: hs.clock, Logger: logger, TracerProvider: provider})

	for _, event := range transport.FileEvents {
		unsubscribe := h.Subscribe(transport.FilesTopic(hs.groupID), event, func(msg transport.Message) {
			hs.mu.Lock()
			defer hs.mu.Unlock()
			hs.received = append(hs.received, msg)
		})
		t.Cleanup(unsubscribe)
	}
	return hs
}

func (h *harness) events() []transport.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transport.Message(nil), h.received...)
}

func (h *harness) create(t *testing.T, name, path, content string) *models.CollaborationFile {
	t.Helper()
	file, err := h.svc.Create(context.Background(), CreateParams{
		GroupID:   h.groupID,
		Name:      name,
		Path:      path,
		Content:   content,
		CreatedBy: h.userID,
	})
	require.NoError(t, err)
	return file
}

func strPtr(s string) *string { return &s }

func TestService_CreateThenGet(t *testing.T) {
	h := setupService(t)
	ctx := context.Background()

	created := h.create(t, "app.js", "/app.js", "console.log(1)")

	got, err := h.svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, "console.log(1)", got.Content)
	assert.Equal(t, "javascript", got.Language)
	assert.Equal(t, h.userID, got.CreatedBy)
	assert.Equal(t, epoch, got.CreatedAt)
	assert.Equal(t, epoch, got.UpdatedAt)
}

func TestService_CreateExplicitLanguage(t *testing.T) {
	h := setupService(t)

	file, err := h.svc.Create(context.Background(), CreateParams{
		GroupID:  h.groupID,
		Name:     "notes",
		Path:     "/notes",
		Language: "markdown",
	})

	require.NoError(t, err)
	assert.Equal(t, "markdown", file.Language)
}

func TestService_CreateDuplicatePath(t *testing.T) {
	h := setupService(t)
	h.create(t, "app.js", "/app.js", "")

	_, err := h.svc.Create(context.Background(), CreateParams{
		GroupID:  h.groupID,
		Name:     "app",
		Path:     "/app.js",
		Language: "javascript",
	})

	assert.ErrorIs(t, err, ErrDuplicatePath)
}

func TestService_CreateSamePathOtherGroup(t *testing.T) {
	h := setupService(t)
	h.create(t, "app.js", "/app.js", "")

	_, err := h.svc.Create(context.Background(), CreateParams{
		GroupID: uuid.New(),
		Name:    "app.js",
		Path:    "/app.js",
	})

	assert.NoError(t, err)
}

func TestService_CreateValidation(t *testing.T) {
	h := setupService(t)

	_, err := h.svc.Create(context.Background(), CreateParams{GroupID: h.groupID, Name: " ", Path: "/x"})
	assert.ErrorIs(t, err, ErrInvalidFile)

	_, err = h.svc.Create(context.Background(), CreateParams{Name: "x", Path: "/x"})
	assert.ErrorIs(t, err, ErrInvalidFile)
}

func TestService_GetNotFound(t *testing.T) {
	h := setupService(t)

	_, err := h.svc.Get(context.Background(), uuid.New())

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_List(t *testing.T) {
	h := setupService(t)
	h.create(t, "b.go", "/b.go", "")
	h.create(t, "a.go", "/a.go", "")

	files, err := h.svc.List(context.Background(), h.groupID)

	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "/a.go", files[0].Path)
	assert.Equal(t, "/b.go", files[1].Path)
}

func TestService_UpdateBumpsVersion(t *testing.T) {
	h := setupService(t)
	ctx := context.Background()
	file := h.create(t, "app.js", "/app.js", "a")
	h.clock.Advance(time.Minute)

	updated, err := h.svc.Update(ctx, file.ID, Patch{Content: strPtr("b"), Language: strPtr("typescript")}, 1, h.userID)

	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "b", updated.Content)
	assert.Equal(t, "typescript", updated.Language)
	assert.Equal(t, epoch.Add(time.Minute), updated.UpdatedAt)
	assert.Equal(t, epoch, updated.CreatedAt)
}

func TestService_UpdateStaleVersionConflicts(t *testing.T) {
	h := setupService(t)
	ctx := context.Background()
	file := h.create(t, "app.js", "/app.js", "a")
	_, err := h.svc.Update(ctx, file.ID, Patch{Content: strPtr("b")}, 1, h.userID)
	require.NoError(t, err)

	_, err = h.svc.Update(ctx, file.ID, Patch{Content: strPtr("c")}, 1, h.userID)

	require.ErrorIs(t, err, ErrVersionConflict)
	var conflict *VersionConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 1, conflict.Expected)
	assert.Equal(t, 2, conflict.Actual)

	stored, err := h.svc.Get(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", stored.Content)
	assert.Equal(t, 2, stored.Version)
}

func TestService_TwoClientsRace(t *testing.T) {
	h := setupService(t)
	ctx := context.Background()
	f := h.create(t, "F.txt", "/F.txt", "")
	clientA := uuid.New()
	clientB := uuid.New()

	readA, err := h.svc.Get(ctx, f.ID)
	require.NoError(t, err)
	readB, err := h.svc.Get(ctx, f.ID)
	require.NoError(t, err)

	updated, err := h.svc.Update(ctx, f.ID, Patch{Content: strPtr("x")}, readA.Version, clientA)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	_, err = h.svc.Update(ctx, f.ID, Patch{Content: strPtr("y")}, readB.Version, clientB)
	var conflict *VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, VersionConflictError{Expected: 1, Actual: 2}, *conflict)

	stored, err := h.svc.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "x", stored.Content)
}

func TestService_ConcurrentUpdatesOneWins(t *testing.T) {
	h := setupService(t)
	ctx := context.Background()
	f := h.create(t, "F.txt", "/F.txt", "")

	const writers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	conflicts := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Update(ctx, f.ID, Patch{Content: strPtr("w")}, 1, uuid.New())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, ErrVersionConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)
}

func TestService_UpdateEmptyPatch(t *testing.T) {
	h := setupService(t)
	file := h.create(t, "app.js", "/app.js", "")

	_, err := h.svc.Update(context.Background(), file.ID, Patch{}, 1, h.userID)

	assert.ErrorIs(t, err, ErrNoFieldsToUpdate)
}

func TestService_UpdateNotFound(t *testing.T) {
	h := setupService(t)

	_, err := h.svc.Update(context.Background(), uuid.New(), Patch{Content: strPtr("x")}, 1, h.userID)

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_DeleteIgnoresVersion(t *testing.T) {
	h := setupService(t)
	ctx := context.Background()
	file := h.create(t, "app.js", "/app.js", "")
	_, err := h.svc.Update(ctx, file.ID, Patch{Content: strPtr("b")}, 1, h.userID)
	require.NoError(t, err)

	require.NoError(t, h.svc.Delete(ctx, file.ID, h.userID))

	_, err = h.svc.Get(ctx, file.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, h.svc.Delete(ctx, file.ID, h.userID), ErrNotFound)

	// The path is free again.
	h.create(t, "app.js", "/app.js", "")
}

func TestService_Rename(t *testing.T) {
	h := setupService(t)
	ctx := context.Background()
	file := h.create(t, "app.js", "/app.js", "body")

	renamed, err := h.svc.Rename(ctx, file.ID, "main.js", "/src/main.js", h.userID)

	require.NoError(t, err)
	assert.Equal(t, "main.js", renamed.Name)
	assert.Equal(t, "/src/main.js", renamed.Path)
	assert.Equal(t, 2, renamed.Version)
	assert.Equal(t, "body", renamed.Content)

	// Old path is released.
	h.create(t, "app.js", "/app.js", "")
}

func TestService_RenameToTakenPath(t *testing.T) {
	h := setupService(t)
	ctx := context.Background()
	h.create(t, "a.js", "/a.js", "")
	b := h.create(t, "b.js", "/b.js", "")

	_, err := h.svc.Rename(ctx, b.ID, "a.js", "/a.js", h.userID)
	assert.ErrorIs(t, err, ErrDuplicatePath)

	_, err = h.svc.Rename(ctx, b.ID, "B.js", "/b.js", h.userID)
	assert.NoError(t, err)

	_, err = h.svc.Rename(ctx, uuid.New(), "x", "/x", h.userID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.Rename(ctx, b.ID, "", "/x", h.userID)
	assert.ErrorIs(t, err, ErrInvalidFile)
}

func TestService_PublishesChanges(t *testing.T) {
	h := setupService(t)
	ctx := context.Background()

	file := h.create(t, "app.js", "/app.js", "")
	_, err := h.svc.Update(ctx, file.ID, Patch{Content: strPtr("x")}, 1, h.userID)
	require.NoError(t, err)
	_, err = h.svc.Rename(ctx, file.ID, "main.js", "/main.js", h.userID)
	require.NoError(t, err)
	require.NoError(t, h.svc.Delete(ctx, file.ID, h.userID))

	require.Eventually(t, func() bool { return len(h.events()) == 4 }, time.Second, 5*time.Millisecond)
	events := h.events()
	assert.Equal(t, transport.EventFileCreated, events[0].Event)
	assert.Equal(t, transport.EventFileUpdated, events[1].Event)
	assert.Equal(t, transport.EventFileRenamed, events[2].Event)
	assert.Equal(t, transport.EventFileDeleted, events[3].Event)

	var change models.FileChange
	require.NoError(t, events[2].Decode(&change))
	assert.Equal(t, file.ID, change.FileID)
	assert.Equal(t, h.groupID, change.GroupID)
	assert.Equal(t, 3, change.Version)
	assert.Equal(t, h.userID, change.Actor)
}

func TestService_FailedWriteNotPublished(t *testing.T) {
	h := setupService(t)
	ctx := context.Background()
	file := h.create(t, "app.js", "/app.js", "")

	_, err := h.svc.Update(ctx, file.ID, Patch{Content: strPtr("x")}, 7, h.userID)
	require.Error(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.events(), 1)
}

func TestService_PublishFailureNotSurfaced(t *testing.T) {
	h := setupService(t)
	h.hub.SetConnected(false)

	file, err := h.svc.Create(context.Background(), CreateParams{GroupID: h.groupID, Name: "a.go", Path: "/a.go"})

	require.NoError(t, err)
	assert.Equal(t, 1, file.Version)
}

func TestService_WithoutTransport(t *testing.T) {
	logger, _ := test.NewNullLogger()
	svc := NewService(NewMemoryStore(), nil, Options{Logger: logger})

	file, err := svc.Create(context.Background(), CreateParams{GroupID: uuid.New(), Name: "a.go", Path: "/a.go"})

	require.NoError(t, err)
	assert.Equal(t, "go", file.Language)
}

func TestService_RecordsSpans(t *testing.T) {
	h := setupService(t)
	ctx := context.Background()
	file := h.create(t, "app.js", "/app.js", "")
	_, _ = h.svc.Update(ctx, file.ID, Patch{Content: strPtr("x")}, 5, h.userID)

	ended := h.spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "filesync.Create", ended[0].Name())
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
	assert.Equal(t, "filesync.Update", ended[1].Name())
	assert.Equal(t, codes.Error, ended[1].Status().Code)
}
