package handlers

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gestordoc/backend/internal/database"
	"github.com/gestordoc/backend/internal/middleware"
	"github.com/gestordoc/backend/internal/models"
	"github.com/gestordoc/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// SucursalHandler manages the branch registry. Registration fans out to
// connected peers on a best-effort basis: the local write always wins and
// peer notification failures only produce error log entries.
type SucursalHandler struct {
	localName  string
	errorLog   *services.ErrorLogService
	httpClient *http.Client
}

func NewSucursalHandler(localName string, errorLog *services.ErrorLogService) *SucursalHandler {
	return &SucursalHandler{
		localName: localName,
		errorLog:  errorLog,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SucursalRequest represents a create/update request body
type SucursalRequest struct {
	Name                 string `json:"name"`
	Description          string `json:"description"`
	Location             string `json:"location"`
	ServerURL            string `json:"serverUrl"`
	ConnectedSucursalIDs []uint `json:"connectedSucursalIds"`
}

// List returns all registered sucursals
func (h *SucursalHandler) List(c *fiber.Ctx) error {
	// Peer discovery sweeps hit this endpoint every cycle; serve the
	// listing from cache when fresh
	var cached []models.SucursalInfo
	if database.Redis != nil {
		if err := database.CacheGet(database.CacheKeySucursalList, &cached); err == nil {
			return c.JSON(fiber.Map{
				"success": true,
				"data":    cached,
			})
		}
	}

	var sucursals []models.Sucursal
	if err := database.DB.Preload("Connections").Order("name ASC").Find(&sucursals).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to load sucursals",
		})
	}

	infos := make([]models.SucursalInfo, 0, len(sucursals))
	for _, s := range sucursals {
		infos = append(infos, models.SucursalInfo{
			SucursalID:  s.ID,
			Name:        s.Name,
			Description: s.Description,
			Location:    s.Location,
			ServerURL:   s.ServerURL,
		})
	}

	if database.Redis != nil {
		database.CacheSet(database.CacheKeySucursalList, infos, database.CacheTTLSucursal)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    infos,
	})
}

// Get returns one sucursal with its connections
func (h *SucursalHandler) Get(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid sucursal id",
		})
	}

	var sucursal models.Sucursal
	if err := database.DB.Preload("Connections").First(&sucursal, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Sucursal not found",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    sucursal,
	})
}

// Create registers a new sucursal, optionally connecting it to an
// existing one in the same transaction, then notifies connected peers
func (h *SucursalHandler) Create(c *fiber.Ctx) error {
	var req SucursalRequest
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

	var count int64
	database.DB.Model(&models.Sucursal{}).Where("name = ?", req.Name).Count(&count)
	if count > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "A sucursal with this name already exists",
		})
	}
	if req.ServerURL != "" {
		database.DB.Model(&models.Sucursal{}).Where("server_url = ?", req.ServerURL).Count(&count)
		if count > 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": "A sucursal with this server URL already exists",
			})
		}
	}

	sucursal := models.Sucursal{
		Name:        req.Name,
		Description: req.Description,
		Location:    req.Location,
		ServerURL:   req.ServerURL,
	}

	// Branch row and its connection edges commit together
	err := database.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&sucursal).Error; err != nil {
			return err
		}
		for _, targetID := range req.ConnectedSucursalIDs {
			var target models.Sucursal
			if err := tx.First(&target, targetID).Error; err != nil {
				return err
			}
			conn := models.SucursalConnection{
				SucursalID:       sucursal.ID,
				TargetSucursalID: target.ID,
			}
			if err := tx.Create(&conn).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to create sucursal",
		})
	}

	database.InvalidateSucursalCache()
	h.audit(c, models.AuditActionCreate, sucursal.ID, sucursal.Name, "Sucursal registered")

	// Fan out to connected peers without holding up the response
	go h.notifyPeers(&sucursal)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    sucursal,
	})
}

// Update modifies a sucursal's details
func (h *SucursalHandler) Update(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid sucursal id",
		})
	}

	var sucursal models.Sucursal
	if err := database.DB.First(&sucursal, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Sucursal not found",
		})
	}

	var req SucursalRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name != "" && req.Name != sucursal.Name {
		var count int64
		database.DB.Model(&models.Sucursal{}).
			Where("name = ? AND id != ?", req.Name, sucursal.ID).Count(&count)
		if count > 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": "A sucursal with this name already exists",
			})
		}
		sucursal.Name = req.Name
	}
	sucursal.Description = req.Description
	sucursal.Location = req.Location
	sucursal.ServerURL = req.ServerURL

	if err := database.DB.Save(&sucursal).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to update sucursal",
		})
	}

	database.InvalidateSucursalCache()
	h.audit(c, models.AuditActionUpdate, sucursal.ID, sucursal.Name, "Sucursal updated")

	return c.JSON(fiber.Map{
		"success": true,
		"data":    sucursal,
	})
}

// Delete removes a sucursal and its connection edges
func (h *SucursalHandler) Delete(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid sucursal id",
		})
	}

	var sucursal models.Sucursal
	if err := database.DB.First(&sucursal, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Sucursal not found",
		})
	}

	if sucursal.Name == h.localName {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Cannot delete this server's own sucursal",
		})
	}

	err = database.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("sucursal_id = ? OR target_sucursal_id = ?", id, id).
			Delete(&models.SucursalConnection{}).Error; err != nil {
			return err
		}
		return tx.Delete(&sucursal).Error
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to delete sucursal",
		})
	}

	database.InvalidateSucursalCache()
	h.audit(c, models.AuditActionDelete, sucursal.ID, sucursal.Name, "Sucursal deleted")

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Sucursal deleted",
	})
}

// ConnectRequest represents a connection request body
type ConnectRequest struct {
	TargetSucursalID uint `json:"targetSucursalId"`
}

// Connect creates a connection edge between two sucursals. Edges are
// undirected: a duplicate in either direction is rejected.
func (h *SucursalHandler) Connect(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid sucursal id",
		})
	}
	sucursalID := uint(id)

	var req ConnectRequest
	if err := c.BodyParser(&req); err != nil || req.TargetSucursalID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "targetSucursalId is required",
		})
	}

	if sucursalID == req.TargetSucursalID {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "A sucursal cannot connect to itself",
		})
	}

	var a, b models.Sucursal
	if err := database.DB.First(&a, sucursalID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Sucursal not found",
		})
	}
	if err := database.DB.First(&b, req.TargetSucursalID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Target sucursal not found",
		})
	}

	var count int64
	database.DB.Model(&models.SucursalConnection{}).
		Where("(sucursal_id = ? AND target_sucursal_id = ?) OR (sucursal_id = ? AND target_sucursal_id = ?)",
			sucursalID, req.TargetSucursalID, req.TargetSucursalID, sucursalID).
		Count(&count)
	if count > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "These sucursals are already connected",
		})
	}

	conn := models.SucursalConnection{
		SucursalID:       sucursalID,
		TargetSucursalID: req.TargetSucursalID,
	}
	if err := database.DB.Create(&conn).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to create connection",
		})
	}

	h.audit(c, models.AuditActionConnect, a.ID, a.Name+" <-> "+b.Name, "Sucursals connected")

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    conn,
	})
}

// Disconnect removes a connection edge (checked in both directions)
func (h *SucursalHandler) Disconnect(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	targetID, err2 := strconv.Atoi(c.Params("targetId"))
	if err != nil || err2 != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid sucursal id",
		})
	}

	result := database.DB.
		Where("(sucursal_id = ? AND target_sucursal_id = ?) OR (sucursal_id = ? AND target_sucursal_id = ?)",
			id, targetID, targetID, id).
		Delete(&models.SucursalConnection{})
	if result.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to remove connection",
		})
	}
	if result.RowsAffected == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Connection not found",
		})
	}

	h.audit(c, models.AuditActionDisconnect, uint(id), "", "Sucursals disconnected")

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Connection removed",
	})
}

// CurrentInfo returns this server's own sucursal record. Peers poll this
// endpoint during sync sweeps, so the response is cached in Redis.
func (h *SucursalHandler) CurrentInfo(c *fiber.Ctx) error {
	var cached models.SucursalInfo
	if database.Redis != nil {
		if err := database.CacheGet(database.CacheKeySucursalInfo, &cached); err == nil {
			return c.JSON(fiber.Map{
				"success": true,
				"data":    cached,
			})
		}
	}

	var sucursal models.Sucursal
	if err := database.DB.Where("name = ?", h.localName).First(&sucursal).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "This server's sucursal is not registered",
		})
	}

	info := models.SucursalInfo{
		SucursalID:  sucursal.ID,
		Name:        sucursal.Name,
		Description: sucursal.Description,
		Location:    sucursal.Location,
		ServerURL:   sucursal.ServerURL,
	}

	if database.Redis != nil {
		database.CacheSet(database.CacheKeySucursalInfo, info, database.CacheTTLSucursal)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    info,
	})
}

// NotifyNew receives a registration announcement from a peer and upserts
// the branch locally. Unauthenticated; peers do not share credentials.
func (h *SucursalHandler) NotifyNew(c *fiber.Ctx) error {
	var info models.SucursalInfo
	if err := c.BodyParser(&info); err != nil || info.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid sucursal payload",
		})
	}

	var existing models.Sucursal
	err := database.DB.Where("name = ?", info.Name).First(&existing).Error
	if err == nil {
		// Known branch, refresh its details
		existing.Description = info.Description
		existing.Location = info.Location
		if info.ServerURL != "" {
			existing.ServerURL = info.ServerURL
		}
		if err := database.DB.Save(&existing).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"message": "Failed to update sucursal",
			})
		}
		database.InvalidateSucursalCache()
		return c.JSON(fiber.Map{
			"success": true,
			"message": "Sucursal updated",
		})
	}

	branch := models.Sucursal{
		Name:        info.Name,
		Description: info.Description,
		Location:    info.Location,
		ServerURL:   info.ServerURL,
	}
	if err := database.DB.Create(&branch).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to register sucursal",
		})
	}

	database.InvalidateSucursalCache()
	log.Printf("SucursalHandler: Registered sucursal %s announced by peer", info.Name)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": "Sucursal registered",
	})
}

// ReceiveErrorLogs accepts replicated error log entries from a peer.
// Unauthenticated, like the backup receive endpoint.
func (h *SucursalHandler) ReceiveErrorLogs(c *fiber.Ctx) error {
	var entries []models.ErrorLog
	if err := c.BodyParser(&entries); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid error log payload",
		})
	}

	stored := 0
	for i := range entries {
		entry := models.ErrorLog{
			Type:         entries[i].Type,
			Description:  entries[i].Description,
			Details:      entries[i].Details,
			SucursalName: entries[i].SucursalName,
			SentToRemote: true,
		}
		if err := database.DB.Create(&entry).Error; err != nil {
			log.Printf("SucursalHandler: Failed to store replicated error log: %v", err)
			continue
		}
		stored++
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"stored": stored,
		},
	})
}

// notifyPeers announces a newly registered sucursal to its connected
// peers' server URLs. Failures are recorded and skipped.
func (h *SucursalHandler) notifyPeers(newSucursal *models.Sucursal) {
	if database.DB == nil {
		return
	}

	var edges []models.SucursalConnection
	if err := database.DB.
		Where("sucursal_id = ? OR target_sucursal_id = ?", newSucursal.ID, newSucursal.ID).
		Find(&edges).Error; err != nil {
		return
	}
	peerIDs := make([]uint, 0, len(edges))
	for _, e := range edges {
		if e.SucursalID == newSucursal.ID {
			peerIDs = append(peerIDs, e.TargetSucursalID)
		} else {
			peerIDs = append(peerIDs, e.SucursalID)
		}
	}
	if len(peerIDs) == 0 {
		return
	}

	var peers []models.Sucursal
	if err := database.DB.
		Where("id IN ? AND server_url != ''", peerIDs).
		Find(&peers).Error; err != nil {
		return
	}

	info := models.SucursalInfo{
		SucursalID:  newSucursal.ID,
		Name:        newSucursal.Name,
		Description: newSucursal.Description,
		Location:    newSucursal.Location,
		ServerURL:   newSucursal.ServerURL,
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return
	}

	for _, peer := range peers {
		url := strings.TrimRight(peer.ServerURL, "/") + "/api/sucursals/notify-new"
		resp, err := h.httpClient.Post(url, "application/json", bytes.NewReader(payload))
		if err != nil {
			log.Printf("SucursalHandler: Failed to notify %s of new sucursal: %v", peer.Name, err)
			h.errorLog.Record(models.ErrorTypePeerNotify,
				"peer notification failed for "+peer.Name,
				map[string]string{"peer": peer.Name, "sucursal": newSucursal.Name, "error": err.Error()})
			continue
		}
		resp.Body.Close()
	}
}

func (h *SucursalHandler) audit(c *fiber.Ctx, action models.AuditAction, entityID uint, entityName, description string) {
	user := middleware.GetCurrentUser(c)
	if user == nil || database.DB == nil {
		return
	}
	auditLog := models.AuditLog{
		UserID:      user.ID,
		Username:    user.Username,
		UserType:    user.UserType,
		Action:      action,
		EntityType:  "sucursal",
		EntityID:    entityID,
		EntityName:  entityName,
		Description: description,
		IPAddress:   c.IP(),
		UserAgent:   c.Get("User-Agent"),
	}
	database.DB.Create(&auditLog)
}
