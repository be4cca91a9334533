package services

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gestordoc/backend/internal/database"
	"github.com/gestordoc/backend/internal/models"
)

// SucursalSyncService keeps the local branch registry loosely consistent
// with the rest of the network. Each sweep refreshes connected peers,
// discovers branches known to them but not to us, and retries pending
// backup and error log replication. All of it is best effort: an
// unreachable peer is logged and skipped, never fatal.
type SucursalSyncService struct {
	localName  string
	interval   time.Duration
	httpClient *http.Client
	backupSvc  *BackupService
	errorLog   *ErrorLogService
	stopChan   chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	isRunning  bool
	syncMu     sync.Mutex
}

// NewSucursalSyncService creates the sync scheduler
func NewSucursalSyncService(localName string, intervalHours int, backupSvc *BackupService, errorLog *ErrorLogService) *SucursalSyncService {
	if intervalHours <= 0 {
		intervalHours = 12
	}
	return &SucursalSyncService{
		localName: localName,
		interval:  time.Duration(intervalHours) * time.Hour,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		backupSvc: backupSvc,
		errorLog:  errorLog,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the periodic sync service
func (s *SucursalSyncService) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	log.Printf("SucursalSyncService started (interval: %v)", s.interval)
}

// Stop stops the sync service
func (s *SucursalSyncService) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	log.Println("SucursalSyncService stopped")
}

func (s *SucursalSyncService) run() {
	defer s.wg.Done()

	// First sweep after a short delay so the API is up before we start
	// calling peers
	select {
	case <-time.After(2 * time.Minute):
		s.SyncNow()
	case <-s.stopChan:
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.SyncNow()
		}
	}
}

// SyncNow runs one full sweep immediately. Concurrent calls are
// serialized so a manual trigger cannot overlap the scheduled one.
func (s *SucursalSyncService) SyncNow() {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	if database.DB == nil {
		return
	}

	var sucursals []models.Sucursal
	if err := database.DB.Find(&sucursals).Error; err != nil {
		log.Printf("SucursalSync: Failed to load sucursals: %v", err)
		return
	}

	s.refreshPeers(sucursals)
	s.discoverBranches(sucursals)

	if s.backupSvc != nil {
		synced, failed, skipped := s.backupSvc.SyncPendingBackups(sucursals)
		if !skipped && (synced > 0 || failed > 0) {
			log.Printf("SucursalSync: Pending backups synced=%d failed=%d", synced, failed)
		}
	}

	if s.errorLog != nil {
		if remote := s.remoteForErrorLogs(sucursals); remote != "" {
			if sent, err := s.errorLog.SendPending(remote, 50); err != nil {
				log.Printf("SucursalSync: Error log sync failed: %v", err)
			} else if sent > 0 {
				log.Printf("SucursalSync: Replicated %d pending error logs", sent)
			}
		}
	}
}

// refreshPeers pulls current info from every reachable sucursal and
// updates the local registry when name, location or URL changed
func (s *SucursalSyncService) refreshPeers(sucursals []models.Sucursal) {
	for i := range sucursals {
		suc := &sucursals[i]
		if suc.ServerURL == "" || suc.Name == s.localName {
			continue
		}

		info, err := s.fetchCurrentInfo(suc.ServerURL)
		if err != nil {
			log.Printf("SucursalSync: Peer %s unreachable: %v", suc.Name, err)
			s.errorLog.Record(models.ErrorTypePeerNotify,
				fmt.Sprintf("peer %s unreachable during sync", suc.Name),
				map[string]string{"serverUrl": suc.ServerURL, "error": err.Error()})
			continue
		}

		updates := map[string]interface{}{}
		if info.Name != "" && info.Name != suc.Name {
			updates["name"] = info.Name
		}
		if info.Description != suc.Description {
			updates["description"] = info.Description
		}
		if info.Location != suc.Location {
			updates["location"] = info.Location
		}
		if info.ServerURL != "" && info.ServerURL != suc.ServerURL {
			updates["server_url"] = info.ServerURL
		}
		if len(updates) == 0 {
			continue
		}

		if err := database.DB.Model(&models.Sucursal{}).
			Where("id = ?", suc.ID).
			Updates(updates).Error; err != nil {
			log.Printf("SucursalSync: Failed to update %s: %v", suc.Name, err)
			continue
		}
		database.InvalidateSucursalCache()
		log.Printf("SucursalSync: Refreshed info for %s", suc.Name)
	}
}

// discoverBranches asks each known peer for its full branch list and
// registers any branch we have never heard of
func (s *SucursalSyncService) discoverBranches(sucursals []models.Sucursal) {
	known := make(map[string]bool, len(sucursals)+1)
	known[s.localName] = true
	for i := range sucursals {
		known[sucursals[i].Name] = true
	}

	for i := range sucursals {
		suc := &sucursals[i]
		if suc.ServerURL == "" || suc.Name == s.localName {
			continue
		}

		remote, err := s.fetchBranchList(suc.ServerURL)
		if err != nil {
			s.errorLog.Record(models.ErrorTypeDiscovery,
				fmt.Sprintf("branch discovery via %s failed", suc.Name),
				map[string]string{"serverUrl": suc.ServerURL, "error": err.Error()})
			continue
		}

		for _, info := range remote {
			if info.Name == "" || known[info.Name] {
				continue
			}
			branch := models.Sucursal{
				Name:        info.Name,
				Description: info.Description,
				Location:    info.Location,
				ServerURL:   info.ServerURL,
			}
			if err := database.DB.Create(&branch).Error; err != nil {
				log.Printf("SucursalSync: Failed to register discovered branch %s: %v", info.Name, err)
				continue
			}
			known[info.Name] = true
			database.InvalidateSucursalCache()
			log.Printf("SucursalSync: Discovered branch %s via %s", info.Name, suc.Name)
		}
	}
}

// remoteForErrorLogs picks the first connected peer with a server URL as
// the replication target for unsent error logs
func (s *SucursalSyncService) remoteForErrorLogs(sucursals []models.Sucursal) string {
	for i := range sucursals {
		if sucursals[i].Name != s.localName && sucursals[i].ServerURL != "" {
			return sucursals[i].ServerURL
		}
	}
	return ""
}

func (s *SucursalSyncService) fetchCurrentInfo(serverURL string) (*models.SucursalInfo, error) {
	url := strings.TrimRight(serverURL, "/") + "/api/sucursals/current/info"
	var envelope struct {
		Success bool                `json:"success"`
		Data    models.SucursalInfo `json:"data"`
	}
	if err := s.getJSON(url, &envelope); err != nil {
		return nil, err
	}
	if !envelope.Success {
		return nil, fmt.Errorf("peer returned unsuccessful response")
	}
	return &envelope.Data, nil
}

func (s *SucursalSyncService) fetchBranchList(serverURL string) ([]models.SucursalInfo, error) {
	url := strings.TrimRight(serverURL, "/") + "/api/sucursals"
	var envelope struct {
		Success bool                  `json:"success"`
		Data    []models.SucursalInfo `json:"data"`
	}
	if err := s.getJSON(url, &envelope); err != nil {
		return nil, err
	}
	if !envelope.Success {
		return nil, fmt.Errorf("peer returned unsuccessful response")
	}
	return envelope.Data, nil
}

func (s *SucursalSyncService) getJSON(url string, out interface{}) error {
	resp, err := s.httpClient.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
