package handlers

import (
	"log"

	"github.com/gestordoc/backend/internal/database"
	"github.com/gestordoc/backend/internal/middleware"
	"github.com/gestordoc/backend/internal/models"
	"github.com/gestordoc/backend/internal/services"
	"github.com/gofiber/fiber/v2"
)

type BackupHandler struct {
	backupSvc *services.BackupService
}

func NewBackupHandler(backupSvc *services.BackupService) *BackupHandler {
	return &BackupHandler{backupSvc: backupSvc}
}

// Create triggers a backup for one sucursal (or all when no id is given)
func (h *BackupHandler) Create(c *fiber.Ctx) error {
	var req struct {
		SucursalID *uint `json:"sucursalId"`
	}
	c.BodyParser(&req)

	var sucursals []models.Sucursal
	query := database.DB
	if req.SucursalID != nil {
		query = query.Where("id = ?", *req.SucursalID)
	}
	if err := query.Find(&sucursals).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to load sucursals",
		})
	}
	if len(sucursals) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Sucursal not found",
		})
	}

	results := h.backupSvc.CreateAllBackups(sucursals)
	if results == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": "A backup run is already in progress",
		})
	}

	user := middleware.GetCurrentUser(c)
	if user != nil {
		auditLog := models.AuditLog{
			UserID:      user.ID,
			Username:    user.Username,
			UserType:    user.UserType,
			Action:      models.AuditActionBackup,
			EntityType:  "backup",
			Description: "Manual backup triggered",
			IPAddress:   c.IP(),
			UserAgent:   c.Get("User-Agent"),
		}
		database.DB.Create(&auditLog)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    results,
	})
}

// List returns retained local backup files for a sucursal
func (h *BackupHandler) List(c *fiber.Ctx) error {
	name := c.Query("sucursal")
	if name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "sucursal query parameter is required",
		})
	}

	files := h.backupSvc.LocalBackups(name)
	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"sucursal": name,
			"backups":  files,
		},
	})
}

// Status reports retained backup files per sucursal, at most 10 listed each
func (h *BackupHandler) Status(c *fiber.Ctx) error {
	var sucursals []models.Sucursal
	if err := database.DB.Find(&sucursals).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to load sucursals",
		})
	}

	type sucursalStatus struct {
		Sucursal          string   `json:"sucursal"`
		HasRemoteURL      bool     `json:"hasRemoteUrl"`
		RemoteURL         string   `json:"remoteUrl,omitempty"`
		LocalBackups      []string `json:"localBackups"`
		TotalLocalBackups int      `json:"totalLocalBackups"`
	}

	statuses := make([]sucursalStatus, 0, len(sucursals))
	for _, s := range sucursals {
		files := h.backupSvc.LocalBackups(s.Name)
		listed := files
		if len(listed) > 10 {
			listed = listed[:10]
		}
		statuses = append(statuses, sucursalStatus{
			Sucursal:          s.Name,
			HasRemoteURL:      s.ServerURL != "",
			RemoteURL:         s.ServerURL,
			LocalBackups:      listed,
			TotalLocalBackups: len(files),
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    statuses,
	})
}

// Sync retries transmission of pending backup files for all sucursals
func (h *BackupHandler) Sync(c *fiber.Ctx) error {
	var sucursals []models.Sucursal
	if err := database.DB.Find(&sucursals).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to load sucursals",
		})
	}

	synced, failed, skipped := h.backupSvc.SyncPendingBackups(sucursals)
	if skipped {
		return c.JSON(fiber.Map{
			"success": true,
			"message": "No connectivity, sync skipped",
			"data": fiber.Map{
				"skipped": true,
			},
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"synced": synced,
			"failed": failed,
		},
	})
}

// Cleanup deletes old backup files beyond the retention window
func (h *BackupHandler) Cleanup(c *fiber.Ctx) error {
	removed := h.backupSvc.CleanupOldBackups()
	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"removed": removed,
		},
	})
}

// Delete removes one retained backup file
func (h *BackupHandler) Delete(c *fiber.Ctx) error {
	filename := c.Params("filename")
	if err := h.backupSvc.DeleteLocal(filename); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Backup file not found",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Backup deleted",
	})
}

// Receive accepts a backup file pushed by a peer sucursal. This endpoint
// is unauthenticated; peers do not share credentials.
func (h *BackupHandler) Receive(c *fiber.Ctx) error {
	sucursalName := c.FormValue("sucursalName")
	timestamp := c.FormValue("timestamp")
	fileHeader, err := c.FormFile("backup")
	if sucursalName == "" || timestamp == "" || err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "sucursalName, timestamp and backup file are required",
		})
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Failed to read backup payload",
		})
	}
	defer src.Close()

	path, err := h.backupSvc.SaveReceived(sucursalName, timestamp, src)
	if err != nil {
		log.Printf("BackupHandler: Failed to store backup from %s: %v", sucursalName, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to store backup",
		})
	}

	log.Printf("BackupHandler: Received backup from %s (%s)", sucursalName, path)
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Backup received",
	})
}
