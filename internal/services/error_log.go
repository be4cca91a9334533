package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gestordoc/backend/internal/database"
	"github.com/gestordoc/backend/internal/models"
)

// ErrorLogService records operational errors locally and replicates them
// to the sucursal's configured peer with the same best-effort semantics
// as backup files: one immediate attempt, then batched retries from the
// sync sweep. Remote failures never propagate to the caller.
type ErrorLogService struct {
	localName  string
	httpClient *http.Client
}

// NewErrorLogService creates an error log service for this sucursal
func NewErrorLogService(localName string) *ErrorLogService {
	return &ErrorLogService{
		localName: localName,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Record writes an error log entry locally. Details may be any
// JSON-marshalable payload.
func (s *ErrorLogService) Record(errType models.ErrorType, description string, details interface{}) *models.ErrorLog {
	entry := &models.ErrorLog{
		Type:         errType,
		Description:  description,
		SucursalName: s.localName,
	}
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			entry.Details = data
		}
	}

	if database.DB == nil {
		log.Printf("ErrorLog: [%s] %s", errType, description)
		return entry
	}
	if err := database.DB.Create(entry).Error; err != nil {
		log.Printf("ErrorLog: Failed to persist entry: %v", err)
	}
	return entry
}

// RecordAndSend records locally and makes one immediate best-effort send
// to remoteURL. The entry stays marked unsent on failure so the batched
// retry picks it up later.
func (s *ErrorLogService) RecordAndSend(errType models.ErrorType, description string, details interface{}, remoteURL string) {
	entry := s.Record(errType, description, details)
	if remoteURL == "" || entry.ID == 0 {
		return
	}
	if err := s.send(remoteURL, []models.ErrorLog{*entry}); err != nil {
		log.Printf("ErrorLog: Immediate send failed (will retry): %v", err)
		return
	}
	database.DB.Model(&models.ErrorLog{}).Where("id = ?", entry.ID).Update("sent_to_remote", true)
}

// SendPending transmits up to limit unsent entries to remoteURL and marks
// the batch sent on success. Returns how many entries were replicated.
func (s *ErrorLogService) SendPending(remoteURL string, limit int) (int, error) {
	if database.DB == nil || remoteURL == "" {
		return 0, nil
	}
	if limit <= 0 {
		limit = 50
	}

	var entries []models.ErrorLog
	if err := database.DB.Where("sent_to_remote = ?", false).
		Order("created_at ASC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return 0, fmt.Errorf("failed to load pending error logs: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	if err := s.send(remoteURL, entries); err != nil {
		return 0, err
	}

	ids := make([]uint, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	database.DB.Model(&models.ErrorLog{}).Where("id IN ?", ids).Update("sent_to_remote", true)
	return len(entries), nil
}

func (s *ErrorLogService) send(remoteURL string, entries []models.ErrorLog) error {
	payload, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	url := strings.TrimRight(remoteURL, "/") + "/api/error-logs/receive"
	resp, err := s.httpClient.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("error log send failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("error log send rejected (HTTP %d)", resp.StatusCode)
	}
	return nil
}
