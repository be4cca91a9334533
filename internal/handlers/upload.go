package handlers

import (
	"errors"
	"log"
	"strconv"

	"github.com/gestordoc/backend/internal/database"
	"github.com/gestordoc/backend/internal/middleware"
	"github.com/gestordoc/backend/internal/models"
	"github.com/gestordoc/backend/internal/services"
	"github.com/gofiber/fiber/v2"
)

// UploadHandler exposes the chunked upload flow. Documents go through the
// document store; the avatar store uses smaller chunks and per-user
// directories and skips file/folder bookkeeping.
type UploadHandler struct {
	documents *services.UploadStore
	avatars   *services.UploadStore
	errorLog  *services.ErrorLogService
}

func NewUploadHandler(documents, avatars *services.UploadStore, errorLog *services.ErrorLogService) *UploadHandler {
	return &UploadHandler{
		documents: documents,
		avatars:   avatars,
		errorLog:  errorLog,
	}
}

// CreateSessionRequest represents a new upload session request
type CreateSessionRequest struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	FolderID *uint  `json:"folderId"`
}

// CreateSession starts a chunked upload session for a document
func (h *UploadHandler) CreateSession(c *fiber.Ctx) error {
	userID := middleware.GetCurrentUserID(c)

	var req CreateSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	if req.FolderID != nil && database.DB != nil {
		var folder models.Folder
		if err := database.DB.First(&folder, *req.FolderID).Error; err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"success": false,
				"message": "Folder not found",
			})
		}
	}

	meta, err := h.documents.CreateSession(req.FileName, req.FileSize, userID, req.FolderID)
	if err != nil {
		return uploadError(c, err)
	}

	if database.DB != nil {
		session := models.UploadSession{
			SessionID:   meta.SessionID,
			FileName:    meta.FileName,
			FileSize:    meta.FileSize,
			ChunkSize:   meta.ChunkSize,
			TotalChunks: meta.TotalChunks,
			OwnerID:     userID,
			FolderID:    req.FolderID,
		}
		if err := database.DB.Create(&session).Error; err != nil {
			log.Printf("UploadHandler: Failed to record session %s: %v", meta.SessionID, err)
		}
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"sessionId":   meta.SessionID,
			"chunkSize":   meta.ChunkSize,
			"totalChunks": meta.TotalChunks,
		},
	})
}

// UploadChunk receives one chunk of an active session as multipart form data
// (fields: sessionId, chunkIndex, chunk)
func (h *UploadHandler) UploadChunk(c *fiber.Ctx) error {
	userID := middleware.GetCurrentUserID(c)

	sessionID := c.FormValue("sessionId")
	indexStr := c.FormValue("chunkIndex")
	index, err := strconv.Atoi(indexStr)
	if sessionID == "" || indexStr == "" || err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "sessionId and chunkIndex are required",
		})
	}

	fileHeader, err := c.FormFile("chunk")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Chunk payload is required",
		})
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Failed to read chunk payload",
		})
	}
	defer src.Close()

	uploaded, total, err := h.documents.WriteChunk(sessionID, userID, index, src)
	if err != nil {
		return uploadError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"chunkIndex":     index,
			"uploadedChunks": uploaded,
			"totalChunks":    total,
		},
	})
}

// CompleteRequest represents a session completion request
type CompleteRequest struct {
	SessionID string `json:"sessionId"`
}

// Complete assembles a finished session into its final document
func (h *UploadHandler) Complete(c *fiber.Ctx) error {
	userID := middleware.GetCurrentUserID(c)

	var req CompleteRequest
	if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "sessionId is required",
		})
	}

	assembled, err := h.documents.Complete(req.SessionID, userID)
	if err != nil {
		return uploadError(c, err)
	}

	var fileID uint
	if database.DB != nil {
		file := models.File{
			OriginalName: assembled.OriginalName,
			Filename:     assembled.Filename,
			Path:         assembled.Path,
			Size:         assembled.Size,
			FolderID:     assembled.FolderID,
			OwnerID:      assembled.OwnerID,
		}
		if err := database.DB.Create(&file).Error; err != nil {
			log.Printf("UploadHandler: Failed to record file %s: %v", assembled.Filename, err)
			h.errorLog.Record(models.ErrorTypeUpload,
				"assembled file could not be recorded",
				map[string]string{"filename": assembled.Filename, "error": err.Error()})
		} else {
			fileID = file.ID
		}

		database.DB.Where("session_id = ?", req.SessionID).Delete(&models.UploadSession{})

		user := middleware.GetCurrentUser(c)
		if user != nil {
			auditLog := models.AuditLog{
				UserID:      user.ID,
				Username:    user.Username,
				UserType:    user.UserType,
				Action:      models.AuditActionUpload,
				EntityType:  "file",
				EntityID:    fileID,
				EntityName:  assembled.OriginalName,
				Description: "File uploaded via chunked session",
				IPAddress:   c.IP(),
				UserAgent:   c.Get("User-Agent"),
			}
			database.DB.Create(&auditLog)
		}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"file": fiber.Map{
				"id":           fileID,
				"originalName": assembled.OriginalName,
				"filename":     assembled.Filename,
				"size":         assembled.Size,
				"url":          "/api/files/" + assembled.Filename + "/download",
			},
		},
	})
}

// Progress reports how many chunks a session has received
func (h *UploadHandler) Progress(c *fiber.Ctx) error {
	userID := middleware.GetCurrentUserID(c)
	sessionID := c.Params("id")

	uploaded, total, err := h.documents.Progress(sessionID, userID)
	if err != nil {
		return uploadError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"uploadedChunks": uploaded,
			"totalChunks":    total,
		},
	})
}

// Abandon cancels an in-progress session and deletes its chunks
func (h *UploadHandler) Abandon(c *fiber.Ctx) error {
	userID := middleware.GetCurrentUserID(c)
	sessionID := c.Params("id")

	if err := h.documents.Abandon(sessionID, userID); err != nil {
		return uploadError(c, err)
	}

	if database.DB != nil {
		database.DB.Where("session_id = ?", sessionID).Delete(&models.UploadSession{})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Upload session abandoned",
	})
}

// CreateAvatarSession starts a chunked upload session in the per-user
// avatar store
func (h *UploadHandler) CreateAvatarSession(c *fiber.Ctx) error {
	userID := middleware.GetCurrentUserID(c)

	var req CreateSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	meta, err := h.avatars.CreateSession(req.FileName, req.FileSize, userID, nil)
	if err != nil {
		return uploadError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"sessionId":   meta.SessionID,
			"chunkSize":   meta.ChunkSize,
			"totalChunks": meta.TotalChunks,
		},
	})
}

// UploadAvatarChunk receives one avatar chunk
func (h *UploadHandler) UploadAvatarChunk(c *fiber.Ctx) error {
	userID := middleware.GetCurrentUserID(c)

	sessionID := c.FormValue("sessionId")
	indexStr := c.FormValue("chunkIndex")
	index, err := strconv.Atoi(indexStr)
	if sessionID == "" || indexStr == "" || err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "sessionId and chunkIndex are required",
		})
	}

	fileHeader, err := c.FormFile("chunk")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Chunk payload is required",
		})
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Failed to read chunk payload",
		})
	}
	defer src.Close()

	uploaded, total, err := h.avatars.WriteChunk(sessionID, userID, index, src)
	if err != nil {
		return uploadError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"chunkIndex":     index,
			"uploadedChunks": uploaded,
			"totalChunks":    total,
		},
	})
}

// CompleteAvatar assembles a finished avatar session
func (h *UploadHandler) CompleteAvatar(c *fiber.Ctx) error {
	userID := middleware.GetCurrentUserID(c)

	var req CompleteRequest
	if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "sessionId is required",
		})
	}

	assembled, err := h.avatars.Complete(req.SessionID, userID)
	if err != nil {
		return uploadError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"filename": assembled.Filename,
			"size":     assembled.Size,
		},
	})
}

// uploadError maps store errors onto HTTP responses
func uploadError(c *fiber.Ctx, err error) error {
	var incomplete *services.IncompleteError
	if errors.As(err, &incomplete) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Upload is not complete",
			"data": fiber.Map{
				"uploadedChunks": incomplete.Uploaded,
				"totalChunks":    incomplete.Total,
			},
		})
	}

	var missing *services.MissingChunkError
	if errors.As(err, &missing) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
			"data": fiber.Map{
				"missingChunk": missing.Index,
			},
		})
	}

	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Upload session not found",
		})
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"success": false,
			"message": "Upload session belongs to another user",
		})
	case errors.Is(err, services.ErrQuotaExceeded):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "File size exceeds the configured maximum",
		})
	case errors.Is(err, services.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	default:
		log.Printf("UploadHandler: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Upload operation failed",
		})
	}
}
