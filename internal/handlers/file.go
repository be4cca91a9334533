package handlers

import (
	"os"
	"strconv"
	"strings"

	"github.com/gestordoc/backend/internal/database"
	"github.com/gestordoc/backend/internal/middleware"
	"github.com/gestordoc/backend/internal/models"
	"github.com/gofiber/fiber/v2"
)

type FileHandler struct{}

func NewFileHandler() *FileHandler {
	return &FileHandler{}
}

// List returns stored files, optionally filtered by folder
func (h *FileHandler) List(c *fiber.Ctx) error {
	query := database.DB.Order("created_at DESC")

	if folderStr := c.Query("folderId"); folderStr != "" {
		folderID, err := strconv.Atoi(folderStr)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": "Invalid folder id",
			})
		}
		query = query.Where("folder_id = ?", folderID)
	}

	var files []models.File
	if err := query.Find(&files).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to load files",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    files,
	})
}

// Download streams a stored file by its on-disk name
func (h *FileHandler) Download(c *fiber.Ctx) error {
	filename := c.Params("filename")
	if filename == "" || strings.ContainsAny(filename, "/\\") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid filename",
		})
	}

	var file models.File
	if err := database.DB.Where("filename = ?", filename).First(&file).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "File not found",
		})
	}

	if _, err := os.Stat(file.Path); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "File is missing from storage",
		})
	}

	c.Set("Content-Disposition", `attachment; filename="`+file.OriginalName+`"`)
	return c.SendFile(file.Path)
}

// Delete removes a stored file from disk and the database
func (h *FileHandler) Delete(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid file id",
		})
	}

	var file models.File
	if err := database.DB.First(&file, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "File not found",
		})
	}

	user := middleware.GetCurrentUser(c)
	if user != nil && user.UserType != models.UserTypeAdmin && file.OwnerID != user.ID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"success": false,
			"message": "You can only delete your own files",
		})
	}

	if err := database.DB.Delete(&file).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to delete file",
		})
	}
	os.Remove(file.Path)

	if user != nil {
		auditLog := models.AuditLog{
			UserID:      user.ID,
			Username:    user.Username,
			UserType:    user.UserType,
			Action:      models.AuditActionDelete,
			EntityType:  "file",
			EntityID:    file.ID,
			EntityName:  file.OriginalName,
			Description: "File deleted",
			IPAddress:   c.IP(),
			UserAgent:   c.Get("User-Agent"),
		}
		database.DB.Create(&auditLog)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "File deleted",
	})
}

// ListFolders returns all folders
func (h *FileHandler) ListFolders(c *fiber.Ctx) error {
	var folders []models.Folder
	if err := database.DB.Order("name ASC").Find(&folders).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to load folders",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    folders,
	})
}

// CreateFolder creates a folder
func (h *FileHandler) CreateFolder(c *fiber.Ctx) error {
	userID := middleware.GetCurrentUserID(c)

	var req struct {
		Name     string `json:"name"`
		ParentID *uint  `json:"parentId"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Name is required",
		})
	}

	if req.ParentID != nil {
		var parent models.Folder
		if err := database.DB.First(&parent, *req.ParentID).Error; err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"success": false,
				"message": "Parent folder not found",
			})
		}
	}

	folder := models.Folder{
		Name:     req.Name,
		ParentID: req.ParentID,
		OwnerID:  userID,
	}
	if err := database.DB.Create(&folder).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to create folder",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    folder,
	})
}
