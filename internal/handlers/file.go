package handlers

import (
	"errors"
	"net/http"

	"github.com/dimitrije/nikode-collab/internal/filesync"
	"github.com/dimitrije/nikode-collab/internal/middleware"
	"github.com/dimitrije/nikode-collab/pkg/dto"
	"github.com/google/uuid"
	"github.com/m1z23r/drift/pkg/drift"
	"github.com/sirupsen/logrus"
)

type FileHandler struct {
	fileService FileServiceInterface
	log         logrus.FieldLogger
}

func NewFileHandler(fileService FileServiceInterface, log logrus.FieldLogger) *FileHandler {
	return &FileHandler{
		fileService: fileService,
		log:         log.WithField("handler", "files"),
	}
}

func (h *FileHandler) Create(c *drift.Context) {
	userID := middleware.GetUserID(c)
	if userID == uuid.Nil {
		c.Unauthorized("not authenticated")
		return
	}

	groupID, err := uuid.Parse(c.Param("groupId"))
	if err != nil {
		c.BadRequest("invalid group id")
		return
	}

	var req dto.CreateFileRequest
	if err := c.BindJSON(&req); err != nil {
		c.BadRequest("invalid request body")
		return
	}

	if req.Name == "" || req.Path == "" {
		c.BadRequest("name and path are required")
		return
	}

	file, err := h.fileService.Create(c.Request.Context(), filesync.CreateParams{
		GroupID:   groupID,
		Name:      req.Name,
		Path:      req.Path,
		Language:  req.Language,
		Content:   req.Content,
		CreatedBy: userID,
	})
	if err != nil {
		h.writeError(c, err, "failed to create file")
		return
	}

	_ = c.JSON(http.StatusCreated, dto.NewFileResponse(file))
}

func (h *FileHandler) List(c *drift.Context) {
	if middleware.GetUserID(c) == uuid.Nil {
		c.Unauthorized("not authenticated")
		return
	}

	groupID, err := uuid.Parse(c.Param("groupId"))
	if err != nil {
		c.BadRequest("invalid group id")
		return
	}

	files, err := h.fileService.List(c.Request.Context(), groupID)
	if err != nil {
		h.writeError(c, err, "failed to list files")
		return
	}

	response := make([]dto.FileResponse, len(files))
	for i := range files {
		response[i] = dto.NewFileResponse(&files[i])
	}

	_ = c.JSON(http.StatusOK, response)
}

func (h *FileHandler) Get(c *drift.Context) {
	if middleware.GetUserID(c) == uuid.Nil {
		c.Unauthorized("not authenticated")
		return
	}

	fileID, err := uuid.Parse(c.Param("fileId"))
	if err != nil {
		c.BadRequest("invalid file id")
		return
	}

	file, err := h.fileService.Get(c.Request.Context(), fileID)
	if err != nil {
		h.writeError(c, err, "failed to get file")
		return
	}

	_ = c.JSON(http.StatusOK, dto.NewFileResponse(file))
}

func (h *FileHandler) Update(c *drift.Context) {
	userID := middleware.GetUserID(c)
	if userID == uuid.Nil {
		c.Unauthorized("not authenticated")
		return
	}

	fileID, err := uuid.Parse(c.Param("fileId"))
	if err != nil {
		c.BadRequest("invalid file id")
		return
	}

	var req dto.UpdateFileRequest
	if err := c.BindJSON(&req); err != nil {
		c.BadRequest("invalid request body")
		return
	}

	if req.Version <= 0 {
		c.BadRequest("version is required for optimistic locking")
		return
	}

	patch := filesync.Patch{Content: req.Content, Language: req.Language}
	file, err := h.fileService.Update(c.Request.Context(), fileID, patch, req.Version, userID)
	if err != nil {
		h.writeError(c, err, "failed to update file")
		return
	}

	_ = c.JSON(http.StatusOK, dto.NewFileResponse(file))
}

func (h *FileHandler) Rename(c *drift.Context) {
	userID := middleware.GetUserID(c)
	if userID == uuid.Nil {
		c.Unauthorized("not authenticated")
		return
	}

	fileID, err := uuid.Parse(c.Param("fileId"))
	if err != nil {
		c.BadRequest("invalid file id")
		return
	}

	var req dto.RenameFileRequest
	if err := c.BindJSON(&req); err != nil {
		c.BadRequest("invalid request body")
		return
	}

	if req.Name == "" || req.Path == "" {
		c.BadRequest("name and path are required")
		return
	}

	file, err := h.fileService.Rename(c.Request.Context(), fileID, req.Name, req.Path, userID)
	if err != nil {
		h.writeError(c, err, "failed to rename file")
		return
	}

	_ = c.JSON(http.StatusOK, dto.NewFileResponse(file))
}

func (h *FileHandler) Delete(c *drift.Context) {
	userID := middleware.GetUserID(c)
	if userID == uuid.Nil {
		c.Unauthorized("not authenticated")
		return
	}

	fileID, err := uuid.Parse(c.Param("fileId"))
	if err != nil {
		c.BadRequest("invalid file id")
		return
	}

	if err := h.fileService.Delete(c.Request.Context(), fileID, userID); err != nil {
		h.writeError(c, err, "failed to delete file")
		return
	}

	_ = c.JSON(http.StatusOK, map[string]string{"message": "file deleted"})
}

func (h *FileHandler) writeError(c *drift.Context, err error, fallback string) {
	var conflict *filesync.VersionConflictError
	switch {
	case errors.As(err, &conflict):
		_ = c.JSON(http.StatusConflict, dto.VersionConflictResponse{
			Code:            "VERSION_CONFLICT",
			Message:         "file has been modified by another user",
			ExpectedVersion: conflict.Expected,
			CurrentVersion:  conflict.Actual,
		})
	case errors.Is(err, filesync.ErrDuplicatePath):
		_ = c.JSON(http.StatusConflict, dto.ErrorResponse{
			Code:    "DUPLICATE_PATH",
			Message: "a file with this path already exists in the group",
		})
	case errors.Is(err, filesync.ErrNotFound):
		c.NotFound("file not found")
	case errors.Is(err, filesync.ErrNoFieldsToUpdate):
		c.BadRequest("no fields to update")
	case errors.Is(err, filesync.ErrInvalidFile):
		c.BadRequest(err.Error())
	default:
		h.log.WithError(err).Error(fallback)
		c.InternalServerError(fallback)
	}
}
