package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Upload store errors. Handlers map these onto HTTP status codes.
var (
	ErrSessionNotFound = errors.New("upload session not found")
	ErrForbidden       = errors.New("upload session belongs to another user")
	ErrInvalidInput    = errors.New("invalid input")
	ErrQuotaExceeded   = errors.New("file size exceeds the configured maximum")
)

// IncompleteError reports how far an incomplete session has progressed
type IncompleteError struct {
	Uploaded int
	Total    int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("upload incomplete: %d of %d chunks received", e.Uploaded, e.Total)
}

// MissingChunkError reports a chunk file absent from disk at assembly time
type MissingChunkError struct {
	Index int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("chunk %d is missing from disk", e.Index)
}

// SessionMeta is the session.json marker persisted in each session directory.
// Received holds the deduplicated chunk indices recorded so far.
type SessionMeta struct {
	SessionID   string    `json:"session_id"`
	FileName    string    `json:"file_name"`
	FileSize    int64     `json:"file_size"`
	ChunkSize   int64     `json:"chunk_size"`
	TotalChunks int       `json:"total_chunks"`
	OwnerID     uint      `json:"owner_id"`
	FolderID    *uint     `json:"folder_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Received    []int     `json:"received"`
}

// AssembledFile describes the output of a completed session
type AssembledFile struct {
	OriginalName string
	Filename     string
	Path         string
	Size         int64
	OwnerID      uint
	FolderID     *uint
}

// keyedMutex hands out one mutex per session id so the write-then-record
// step is serialized within a session without blocking other sessions.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (k *keyedMutex) forget(key string) {
	k.mu.Lock()
	delete(k.locks, key)
	k.mu.Unlock()
}

// UploadStore tracks chunked upload sessions under a base directory.
// Layout: {base}/{sessionID}/session.json + chunk_{n}, or with perUser set,
// {base}/{ownerID}/chunks/{sessionID}/... and final files under
// {base}/{ownerID}/.
type UploadStore struct {
	baseDir     string
	finalDir    string
	chunkSize   int64
	maxFileSize int64
	perUser     bool
	locks       *keyedMutex
}

// NewUploadStore creates a store for the generic document upload flow
func NewUploadStore(baseDir, finalDir string, chunkSize, maxFileSize int64) *UploadStore {
	os.MkdirAll(baseDir, 0755)
	os.MkdirAll(finalDir, 0755)
	return &UploadStore{
		baseDir:     baseDir,
		finalDir:    finalDir,
		chunkSize:   chunkSize,
		maxFileSize: maxFileSize,
		locks:       newKeyedMutex(),
	}
}

// NewUserUploadStore creates a store with per-user session directories
// (used for the smaller avatar-style uploads)
func NewUserUploadStore(baseDir string, chunkSize, maxFileSize int64) *UploadStore {
	os.MkdirAll(baseDir, 0755)
	return &UploadStore{
		baseDir:     baseDir,
		chunkSize:   chunkSize,
		maxFileSize: maxFileSize,
		perUser:     true,
		locks:       newKeyedMutex(),
	}
}

// ChunkSize returns the fixed chunk size used by this store
func (s *UploadStore) ChunkSize() int64 {
	return s.chunkSize
}

func (s *UploadStore) sessionDir(ownerID uint, sessionID string) string {
	if s.perUser {
		return filepath.Join(s.baseDir, fmt.Sprint(ownerID), "chunks", sessionID)
	}
	return filepath.Join(s.baseDir, sessionID)
}

func (s *UploadStore) outputDir(ownerID uint) string {
	if s.perUser {
		return filepath.Join(s.baseDir, fmt.Sprint(ownerID))
	}
	return s.finalDir
}

// CreateSession validates the declared size, computes the chunk count and
// persists the session marker. The session id is the caller's handle for
// all subsequent chunk uploads.
func (s *UploadStore) CreateSession(fileName string, fileSize int64, ownerID uint, folderID *uint) (*SessionMeta, error) {
	if fileName == "" || fileSize <= 0 || ownerID == 0 {
		return nil, ErrInvalidInput
	}
	if fileSize > s.maxFileSize {
		return nil, ErrQuotaExceeded
	}

	totalChunks := int((fileSize + s.chunkSize - 1) / s.chunkSize)

	meta := &SessionMeta{
		SessionID:   uuid.New().String(),
		FileName:    filepath.Base(fileName),
		FileSize:    fileSize,
		ChunkSize:   s.chunkSize,
		TotalChunks: totalChunks,
		OwnerID:     ownerID,
		FolderID:    folderID,
		CreatedAt:   time.Now().UTC(),
		Received:    []int{},
	}

	dir := s.sessionDir(ownerID, meta.SessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := s.writeMeta(dir, meta); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	return meta, nil
}

// WriteChunk persists one chunk payload. The chunk file is fully written
// (to a temp name, then renamed into place) before the index is recorded,
// so a recorded index always has its bytes on disk. Re-uploading an index
// overwrites the previous payload and does not double-count.
func (s *UploadStore) WriteChunk(sessionID string, ownerID uint, index int, r io.Reader) (uploaded, total int, err error) {
	dir, meta, err := s.findSession(sessionID)
	if err != nil {
		return 0, 0, err
	}
	if meta.OwnerID != ownerID {
		return 0, 0, ErrForbidden
	}
	if index < 0 || index >= meta.TotalChunks {
		return 0, 0, fmt.Errorf("%w: chunk index %d out of range [0,%d)", ErrInvalidInput, index, meta.TotalChunks)
	}

	unlock := s.locks.lock(sessionID)
	defer unlock()

	// Write-then-record: payload first, atomically via rename
	chunkPath := filepath.Join(dir, fmt.Sprintf("chunk_%d", index))
	tmpPath := chunkPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create chunk file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, 0, fmt.Errorf("failed to write chunk: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, 0, fmt.Errorf("failed to sync chunk: %w", err)
	}
	f.Close()
	if err := os.Rename(tmpPath, chunkPath); err != nil {
		os.Remove(tmpPath)
		return 0, 0, fmt.Errorf("failed to place chunk: %w", err)
	}

	// Re-read the marker under the lock and record the index
	meta, err = s.readMeta(dir)
	if err != nil {
		return 0, 0, err
	}
	seen := false
	for _, i := range meta.Received {
		if i == index {
			seen = true
			break
		}
	}
	if !seen {
		meta.Received = append(meta.Received, index)
		sort.Ints(meta.Received)
		if err := s.writeMeta(dir, meta); err != nil {
			return 0, 0, err
		}
	}

	return len(meta.Received), meta.TotalChunks, nil
}

// Progress reports uploaded/total chunk counts for a session
func (s *UploadStore) Progress(sessionID string, ownerID uint) (uploaded, total int, err error) {
	_, meta, err := s.findSession(sessionID)
	if err != nil {
		return 0, 0, err
	}
	if meta.OwnerID != ownerID {
		return 0, 0, ErrForbidden
	}
	return len(meta.Received), meta.TotalChunks, nil
}

// Complete assembles the chunks in index order into the final file and
// removes the session directory. The received set must be exactly
// {0..TotalChunks-1}, and each chunk file is verified on disk before any
// byte is written.
func (s *UploadStore) Complete(sessionID string, ownerID uint) (*AssembledFile, error) {
	dir, meta, err := s.findSession(sessionID)
	if err != nil {
		return nil, err
	}
	if meta.OwnerID != ownerID {
		return nil, ErrForbidden
	}

	unlock := s.locks.lock(sessionID)
	defer unlock()

	// Marker may have advanced while waiting on the lock
	meta, err = s.readMeta(dir)
	if err != nil {
		return nil, err
	}
	if !hasAllChunks(meta.Received, meta.TotalChunks) {
		return nil, &IncompleteError{Uploaded: len(meta.Received), Total: meta.TotalChunks}
	}
	for i := 0; i < meta.TotalChunks; i++ {
		if _, err := os.Stat(filepath.Join(dir, fmt.Sprintf("chunk_%d", i))); err != nil {
			return nil, &MissingChunkError{Index: i}
		}
	}

	outDir := s.outputDir(ownerID)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	filename := fmt.Sprintf("%s_%s", meta.SessionID, sanitizeFilename(meta.FileName))
	outPath := filepath.Join(outDir, filename)

	out, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	var written int64
	for i := 0; i < meta.TotalChunks; i++ {
		chunk, err := os.Open(filepath.Join(dir, fmt.Sprintf("chunk_%d", i)))
		if err != nil {
			out.Close()
			os.Remove(outPath)
			return nil, &MissingChunkError{Index: i}
		}
		n, err := io.Copy(out, chunk)
		chunk.Close()
		if err != nil {
			out.Close()
			os.Remove(outPath)
			return nil, fmt.Errorf("failed to assemble chunk %d: %w", i, err)
		}
		written += n
	}

	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(outPath)
		return nil, fmt.Errorf("failed to sync output file: %w", err)
	}
	out.Close()

	if written != meta.FileSize {
		// Size mismatch against the declared session size is logged but
		// the assembled file is kept; the chunks are the source of truth
		log.Printf("UploadStore: session %s assembled %d bytes, declared %d", meta.SessionID, written, meta.FileSize)
	}

	if err := os.RemoveAll(dir); err != nil {
		log.Printf("UploadStore: failed to remove session dir %s: %v", dir, err)
	}
	s.locks.forget(sessionID)

	return &AssembledFile{
		OriginalName: meta.FileName,
		Filename:     filename,
		Path:         outPath,
		Size:         written,
		OwnerID:      meta.OwnerID,
		FolderID:     meta.FolderID,
	}, nil
}

// Abandon removes an in-progress session and its chunks
func (s *UploadStore) Abandon(sessionID string, ownerID uint) error {
	dir, meta, err := s.findSession(sessionID)
	if err != nil {
		return err
	}
	if meta.OwnerID != ownerID {
		return ErrForbidden
	}
	s.locks.forget(sessionID)
	return os.RemoveAll(dir)
}

// SweepExpired deletes session directories older than ttl and returns the
// session ids that were removed
func (s *UploadStore) SweepExpired(ttl time.Duration) []string {
	pattern := filepath.Join(s.baseDir, "*")
	if s.perUser {
		pattern = filepath.Join(s.baseDir, "*", "chunks", "*")
	}
	dirs, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}

	cutoff := time.Now().UTC().Add(-ttl)
	var removed []string
	for _, dir := range dirs {
		meta, err := s.readMeta(dir)
		if err != nil {
			continue
		}
		if meta.CreatedAt.Before(cutoff) {
			if err := os.RemoveAll(dir); err != nil {
				log.Printf("UploadStore: failed to remove expired session %s: %v", meta.SessionID, err)
				continue
			}
			s.locks.forget(meta.SessionID)
			removed = append(removed, meta.SessionID)
		}
	}
	return removed
}

func (s *UploadStore) findSession(sessionID string) (string, *SessionMeta, error) {
	// Session ids are uuids; refuse anything that could traverse paths
	if sessionID == "" || strings.ContainsAny(sessionID, "/\\.") {
		return "", nil, ErrSessionNotFound
	}

	if !s.perUser {
		dir := filepath.Join(s.baseDir, sessionID)
		meta, err := s.readMeta(dir)
		if err != nil {
			return "", nil, ErrSessionNotFound
		}
		return dir, meta, nil
	}

	matches, err := filepath.Glob(filepath.Join(s.baseDir, "*", "chunks", sessionID))
	if err != nil || len(matches) == 0 {
		return "", nil, ErrSessionNotFound
	}
	meta, err := s.readMeta(matches[0])
	if err != nil {
		return "", nil, ErrSessionNotFound
	}
	return matches[0], meta, nil
}

func (s *UploadStore) readMeta(dir string) (*SessionMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, "session.json"))
	if err != nil {
		return nil, err
	}
	var meta SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("corrupt session marker in %s: %w", dir, err)
	}
	return &meta, nil
}

func (s *UploadStore) writeMeta(dir string, meta *SessionMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, "session.json.tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write session marker: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, "session.json"))
}

// hasAllChunks reports whether received is exactly {0..total-1}
func hasAllChunks(received []int, total int) bool {
	if len(received) != total {
		return false
	}
	seen := make(map[int]bool, total)
	for _, i := range received {
		if i < 0 || i >= total || seen[i] {
			return false
		}
		seen[i] = true
	}
	return true
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}
