package services

import (
	"log"
	"sync"
	"time"

	"github.com/gestordoc/backend/internal/database"
	"github.com/gestordoc/backend/internal/models"
)

// SessionReaperService periodically removes upload sessions that were
// never completed or abandoned. Clients that crash mid-upload would
// otherwise leave chunk directories behind forever.
type SessionReaperService struct {
	stores        []*UploadStore
	sessionTTL    time.Duration
	checkInterval time.Duration
	stopChan      chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	isRunning     bool
}

// NewSessionReaperService creates a reaper over the given stores
func NewSessionReaperService(ttlHours int, stores ...*UploadStore) *SessionReaperService {
	if ttlHours <= 0 {
		ttlHours = 24
	}
	return &SessionReaperService{
		stores:        stores,
		sessionTTL:    time.Duration(ttlHours) * time.Hour,
		checkInterval: 1 * time.Hour,
		stopChan:      make(chan struct{}),
	}
}

// Start begins the reaper service
func (s *SessionReaperService) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	log.Printf("SessionReaperService started (ttl: %v, interval: %v)", s.sessionTTL, s.checkInterval)
}

// Stop stops the reaper service
func (s *SessionReaperService) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	log.Println("SessionReaperService stopped")
}

func (s *SessionReaperService) run() {
	defer s.wg.Done()

	// Run first sweep after a short delay (let system stabilize)
	select {
	case <-time.After(5 * time.Minute):
		s.sweep()
	case <-s.stopChan:
		return
	}

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *SessionReaperService) sweep() {
	for _, store := range s.stores {
		removed := store.SweepExpired(s.sessionTTL)
		if len(removed) == 0 {
			continue
		}
		log.Printf("SessionReaper: Removed %d expired upload sessions", len(removed))

		if database.DB == nil {
			continue
		}
		if err := database.DB.Where("session_id IN ?", removed).
			Delete(&models.UploadSession{}).Error; err != nil {
			log.Printf("SessionReaper: Failed to delete session rows: %v", err)
		}
	}
}
