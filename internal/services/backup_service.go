package services

import (
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gestordoc/backend/internal/config"
	"github.com/gestordoc/backend/internal/models"
	"github.com/jlaffaye/ftp"
)

// BackupStatus is the outcome of a single backup attempt
type BackupStatus string

const (
	BackupLocalOnly    BackupStatus = "local_only"
	BackupSent         BackupStatus = "sent"
	BackupPendingRetry BackupStatus = "pending_retry"
	BackupFailed       BackupStatus = "failed"
)

// BackupResult reports the outcome of one backup run for one sucursal
type BackupResult struct {
	Sucursal     string       `json:"sucursal"`
	Filename     string       `json:"filename"`
	Status       BackupStatus `json:"status"`
	SentToRemote bool         `json:"sent_to_remote"`
	LocalPath    string       `json:"local_path,omitempty"`
	Error        string       `json:"error,omitempty"`
}

const backupRetention = 10 // newest files kept per sucursal by cleanup

// BackupService snapshots the database and replicates the snapshot to the
// sucursal's configured server URL. Remote failures are never fatal: the
// file stays on disk and SyncPendingBackups retries it on the next manual
// trigger or scheduler sweep.
type BackupService struct {
	cfg       *config.Config
	backupDir string

	httpClient  *http.Client
	probeClient *http.Client
	errorLog    *ErrorLogService

	// snapshot produces the database dump; replaced in tests
	snapshot func(destPath string) error

	mu        sync.Mutex
	isRunning bool
}

// NewBackupService creates a backup service rooted at cfg.BackupsDir
func NewBackupService(cfg *config.Config, errorLog *ErrorLogService) *BackupService {
	os.MkdirAll(cfg.BackupsDir, 0755)
	os.MkdirAll(filepath.Join(cfg.BackupsDir, "received"), 0755)

	s := &BackupService{
		cfg:         cfg,
		backupDir:   cfg.BackupsDir,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		probeClient: &http.Client{Timeout: 3 * time.Second},
		errorLog:    errorLog,
	}
	s.snapshot = s.pgDump
	return s
}

// CreateBackup snapshots the database for one sucursal. With no server
// URL configured the snapshot is kept locally; otherwise one transmission
// is attempted and the local copy removed on success.
func (s *BackupService) CreateBackup(sucursal *models.Sucursal) *BackupResult {
	timestamp := time.Now().UTC().Format("2006-01-02T15-04-05Z")
	filename := fmt.Sprintf("%s_%s_db", sucursal.Name, timestamp)
	localPath := filepath.Join(s.backupDir, filename)

	if err := s.snapshot(localPath); err != nil {
		log.Printf("BackupService: Snapshot failed for %s: %v", sucursal.Name, err)
		s.errorLog.Record(models.ErrorTypeInternal,
			fmt.Sprintf("database snapshot failed for %s", sucursal.Name),
			map[string]string{"error": err.Error()})
		return &BackupResult{
			Sucursal: sucursal.Name,
			Filename: filename,
			Status:   BackupFailed,
			Error:    err.Error(),
		}
	}

	// Offsite FTP copy is independent of peer replication; failure is
	// logged and the backup continues
	if s.cfg.FTPEnabled {
		if err := s.uploadToFTP(localPath, filename); err != nil {
			log.Printf("BackupService: FTP upload failed for %s: %v", filename, err)
		}
	}

	if sucursal.ServerURL == "" {
		log.Printf("BackupService: No server URL for %s, backup kept locally (%s)", sucursal.Name, filename)
		return &BackupResult{
			Sucursal:  sucursal.Name,
			Filename:  filename,
			Status:    BackupLocalOnly,
			LocalPath: localPath,
		}
	}

	if err := s.transmit(sucursal.ServerURL, sucursal.Name, timestamp, localPath); err != nil {
		log.Printf("BackupService: Transmission failed for %s (kept for retry): %v", filename, err)
		s.errorLog.RecordAndSend(models.ErrorTypeBackupSend,
			fmt.Sprintf("backup transmission to %s failed", sucursal.Name),
			map[string]string{"filename": filename, "error": err.Error()},
			"")
		return &BackupResult{
			Sucursal:  sucursal.Name,
			Filename:  filename,
			Status:    BackupPendingRetry,
			LocalPath: localPath,
			Error:     err.Error(),
		}
	}

	os.Remove(localPath)
	log.Printf("BackupService: Backup %s sent to %s", filename, sucursal.ServerURL)
	return &BackupResult{
		Sucursal:     sucursal.Name,
		Filename:     filename,
		Status:       BackupSent,
		SentToRemote: true,
	}
}

// CreateAllBackups runs CreateBackup for every sucursal sequentially.
// Overlapping sweeps are skipped, not queued.
func (s *BackupService) CreateAllBackups(sucursals []models.Sucursal) []BackupResult {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		log.Println("BackupService: Backup sweep already running, skipping")
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
	}()

	results := make([]BackupResult, 0, len(sucursals))
	for i := range sucursals {
		results = append(results, *s.CreateBackup(&sucursals[i]))
	}
	return results
}

// SyncPendingBackups retries transmission of retained backup files,
// oldest first. A single connectivity probe gates the whole sweep.
func (s *BackupService) SyncPendingBackups(sucursals []models.Sucursal) (synced, failed int, skipped bool) {
	if !s.probeConnectivity() {
		log.Println("BackupService: No connectivity, skipping pending backup sync")
		return 0, 0, true
	}

	for i := range sucursals {
		suc := &sucursals[i]
		if suc.ServerURL == "" {
			continue
		}
		for _, path := range s.pendingFiles(suc.Name) {
			filename := filepath.Base(path)
			timestamp := timestampFromFilename(filename, suc.Name)
			if err := s.transmit(suc.ServerURL, suc.Name, timestamp, path); err != nil {
				log.Printf("BackupService: Retry failed for %s: %v", filename, err)
				failed++
				continue
			}
			os.Remove(path)
			synced++
			log.Printf("BackupService: Pending backup %s synced", filename)
		}
	}
	return synced, failed, false
}

// CleanupOldBackups keeps the newest files per sucursal name prefix and
// deletes the rest. Purely local; nothing is transmitted.
func (s *BackupService) CleanupOldBackups() int {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return 0
	}

	type backupFile struct {
		name    string
		modTime time.Time
	}
	groups := make(map[string][]backupFile)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "_db") {
			continue
		}
		prefix := sucursalPrefix(entry.Name())
		if prefix == "" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		groups[prefix] = append(groups[prefix], backupFile{entry.Name(), info.ModTime()})
	}

	removed := 0
	for _, files := range groups {
		if len(files) <= backupRetention {
			continue
		}
		// Newest first, delete the tail
		sort.Slice(files, func(i, j int) bool {
			return files[i].modTime.After(files[j].modTime)
		})
		for _, f := range files[backupRetention:] {
			if err := os.Remove(filepath.Join(s.backupDir, f.name)); err != nil {
				log.Printf("BackupService: Failed to delete old backup %s: %v", f.name, err)
				continue
			}
			removed++
			log.Printf("BackupService: Deleted old backup %s", f.name)
		}
	}
	return removed
}

// LocalBackups lists retained backup files for a sucursal, newest first
func (s *BackupService) LocalBackups(sucursalName string) []string {
	files := s.pendingFiles(sucursalName)
	names := make([]string, 0, len(files))
	for i := len(files) - 1; i >= 0; i-- {
		names = append(names, filepath.Base(files[i]))
	}
	return names
}

// SaveReceived stores a backup file pushed by a peer under the received
// directory and returns the stored path
func (s *BackupService) SaveReceived(sucursalName, timestamp string, src io.Reader) (string, error) {
	if sucursalName == "" || timestamp == "" {
		return "", ErrInvalidInput
	}
	name := sanitizeFilename(sucursalName)
	ts := sanitizeFilename(timestamp)
	// filepath.Base collapses pure separator input to "."
	if name == "." || ts == "." {
		return "", ErrInvalidInput
	}

	dir := filepath.Join(s.backupDir, "received")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create received directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_%s_db", name, ts))
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create received backup: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to store received backup: %w", err)
	}
	return path, nil
}

// DeleteLocal removes one retained backup file by name
func (s *BackupService) DeleteLocal(filename string) error {
	filename = filepath.Base(filename)
	if !strings.HasSuffix(filename, "_db") {
		return ErrInvalidInput
	}
	return os.Remove(filepath.Join(s.backupDir, filename))
}

// pendingFiles returns local backups for one sucursal, oldest first
func (s *BackupService) pendingFiles(sucursalName string) []string {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return nil
	}

	type backupFile struct {
		path    string
		modTime time.Time
	}
	var files []backupFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, sucursalName+"_") || !strings.HasSuffix(name, "_db") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, backupFile{filepath.Join(s.backupDir, name), info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.path)
	}
	return paths
}

// transmit sends one backup file to a peer's receive endpoint as a
// multipart upload within the transmission timeout
func (s *BackupService) transmit(serverURL, sucursalName, timestamp, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open backup file: %v", err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		var werr error
		defer func() { pw.CloseWithError(werr) }()

		if werr = writer.WriteField("sucursalName", sucursalName); werr != nil {
			return
		}
		if werr = writer.WriteField("timestamp", timestamp); werr != nil {
			return
		}
		part, err := writer.CreateFormFile("backup", filepath.Base(path))
		if err != nil {
			werr = err
			return
		}
		if _, werr = io.Copy(part, file); werr != nil {
			return
		}
		werr = writer.Close()
	}()

	url := strings.TrimRight(serverURL, "/") + "/api/backups/receive"
	req, err := http.NewRequest(http.MethodPost, url, pr)
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backup transmission failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backup rejected (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// probeConnectivity makes a single short request to the configured probe
// URL; any response at all counts as reachable
func (s *BackupService) probeConnectivity() bool {
	if s.cfg.ProbeURL == "" {
		return true
	}
	resp, err := s.probeClient.Head(s.cfg.ProbeURL)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// pgDump snapshots the database in custom format (compressed binary)
func (s *BackupService) pgDump(destPath string) error {
	cmd := exec.Command("pg_dump",
		"-h", s.cfg.DBHost,
		"-p", strconv.Itoa(s.cfg.DBPort),
		"-U", s.cfg.DBUser,
		"-d", s.cfg.DBName,
		"-Fc",
		"-f", destPath,
		"--no-owner",
		"--no-acl",
	)
	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", s.cfg.DBPassword))

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s", err.Error(), string(output))
	}
	return nil
}

// uploadToFTP copies a backup file to the configured offsite FTP server
func (s *BackupService) uploadToFTP(localPath, filename string) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.FTPHost, s.cfg.FTPPort)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return fmt.Errorf("FTP connection failed: %v", err)
	}
	defer conn.Quit()

	if err := conn.Login(s.cfg.FTPUsername, s.cfg.FTPPassword); err != nil {
		return fmt.Errorf("FTP login failed: %v", err)
	}

	if s.cfg.FTPPath != "" && s.cfg.FTPPath != "/" {
		if err := conn.ChangeDir(s.cfg.FTPPath); err != nil {
			conn.MakeDir(s.cfg.FTPPath)
			if err := conn.ChangeDir(s.cfg.FTPPath); err != nil {
				return fmt.Errorf("FTP directory change failed: %v", err)
			}
		}
	}

	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %v", err)
	}
	defer file.Close()

	if err := conn.Stor(filename, file); err != nil {
		return fmt.Errorf("FTP upload failed: %v", err)
	}

	log.Printf("BackupService: Uploaded %s to FTP %s", filename, s.cfg.FTPHost)
	return nil
}

// sucursalPrefix extracts the sucursal name from a backup filename
// ({name}_{timestamp}_db); the timestamp contains no underscores
func sucursalPrefix(filename string) string {
	trimmed := strings.TrimSuffix(filename, "_db")
	idx := strings.LastIndex(trimmed, "_")
	if idx <= 0 {
		return ""
	}
	return trimmed[:idx]
}

// timestampFromFilename recovers the timestamp portion of a backup filename
func timestampFromFilename(filename, sucursalName string) string {
	trimmed := strings.TrimSuffix(filename, "_db")
	return strings.TrimPrefix(trimmed, sucursalName+"_")
}
