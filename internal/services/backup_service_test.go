package services

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gestordoc/backend/internal/config"
	"github.com/gestordoc/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackupService(t *testing.T) *BackupService {
	t.Helper()
	cfg := &config.Config{
		BackupsDir:   t.TempDir(),
		SucursalName: "alpha",
	}
	svc := NewBackupService(cfg, NewErrorLogService("alpha"))
	svc.snapshot = func(dest string) error {
		return os.WriteFile(dest, []byte("dump-data"), 0644)
	}
	return svc
}

func backupFilesFor(t *testing.T, svc *BackupService, name string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(svc.backupDir, name+"_*_db"))
	require.NoError(t, err)
	return matches
}

func TestCreateBackupLocalOnly(t *testing.T) {
	svc := newTestBackupService(t)

	result := svc.CreateBackup(&models.Sucursal{Name: "alpha"})
	assert.Equal(t, BackupLocalOnly, result.Status)
	assert.False(t, result.SentToRemote)
	assert.True(t, strings.HasPrefix(result.Filename, "alpha_"))
	assert.True(t, strings.HasSuffix(result.Filename, "_db"))

	files := backupFilesFor(t, svc, "alpha")
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, "dump-data", string(data))
}

func TestCreateBackupSentDeletesLocalCopy(t *testing.T) {
	svc := newTestBackupService(t)

	var receivedName, receivedBody string
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/backups/receive", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		receivedName = r.FormValue("sucursalName")
		file, _, err := r.FormFile("backup")
		require.NoError(t, err)
		defer file.Close()
		body, _ := io.ReadAll(file)
		receivedBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer peer.Close()

	result := svc.CreateBackup(&models.Sucursal{Name: "beta", ServerURL: peer.URL})
	assert.Equal(t, BackupSent, result.Status)
	assert.True(t, result.SentToRemote)
	assert.Equal(t, "beta", receivedName)
	assert.Equal(t, "dump-data", receivedBody)

	assert.Empty(t, backupFilesFor(t, svc, "beta"))
}

func TestCreateBackupUnreachablePeerKeepsFile(t *testing.T) {
	svc := newTestBackupService(t)

	result := svc.CreateBackup(&models.Sucursal{
		Name:      "beta",
		ServerURL: "http://127.0.0.1:1",
	})
	assert.Equal(t, BackupPendingRetry, result.Status)
	assert.NotEmpty(t, result.Error)

	files := backupFilesFor(t, svc, "beta")
	assert.Len(t, files, 1)
}

func TestCreateBackupRejectedByPeerKeepsFile(t *testing.T) {
	svc := newTestBackupService(t)

	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "disk full", http.StatusInternalServerError)
	}))
	defer peer.Close()

	result := svc.CreateBackup(&models.Sucursal{Name: "beta", ServerURL: peer.URL})
	assert.Equal(t, BackupPendingRetry, result.Status)
	assert.Len(t, backupFilesFor(t, svc, "beta"), 1)
}

func TestSyncPendingBackups(t *testing.T) {
	svc := newTestBackupService(t)
	svc.cfg.ProbeURL = ""

	// Two retained backups from failed transmissions
	svc.CreateBackup(&models.Sucursal{Name: "beta", ServerURL: "http://127.0.0.1:1"})
	time.Sleep(10 * time.Millisecond)
	svc.CreateBackup(&models.Sucursal{Name: "beta", ServerURL: "http://127.0.0.1:1"})
	require.Len(t, backupFilesFor(t, svc, "beta"), 2)

	var received int32
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer peer.Close()

	synced, failed, skipped := svc.SyncPendingBackups([]models.Sucursal{
		{Name: "beta", ServerURL: peer.URL},
	})
	assert.False(t, skipped)
	assert.Equal(t, 2, synced)
	assert.Equal(t, 0, failed)
	assert.Equal(t, int32(2), atomic.LoadInt32(&received))
	assert.Empty(t, backupFilesFor(t, svc, "beta"))
}

func TestSyncPendingBackupsSkippedWithoutConnectivity(t *testing.T) {
	svc := newTestBackupService(t)
	svc.cfg.ProbeURL = "http://127.0.0.1:1/generate_204"

	svc.CreateBackup(&models.Sucursal{Name: "beta", ServerURL: "http://127.0.0.1:1"})

	synced, failed, skipped := svc.SyncPendingBackups([]models.Sucursal{
		{Name: "beta", ServerURL: "http://127.0.0.1:1"},
	})
	assert.True(t, skipped)
	assert.Zero(t, synced)
	assert.Zero(t, failed)
	assert.Len(t, backupFilesFor(t, svc, "beta"), 1)
}

func TestCreateAllBackupsOverlapSkipped(t *testing.T) {
	svc := newTestBackupService(t)

	started := make(chan struct{})
	release := make(chan struct{})
	svc.snapshot = func(dest string) error {
		close(started)
		<-release
		return os.WriteFile(dest, []byte("dump"), 0644)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.CreateAllBackups([]models.Sucursal{{Name: "alpha"}})
	}()

	<-started
	// Second sweep while the first holds the running flag
	results := svc.CreateAllBackups([]models.Sucursal{{Name: "alpha"}})
	assert.Nil(t, results)

	close(release)
	wg.Wait()

	assert.Len(t, backupFilesFor(t, svc, "alpha"), 1)
}

func TestCleanupOldBackupsKeepsNewestTen(t *testing.T) {
	svc := newTestBackupService(t)

	base := time.Now().Add(-24 * time.Hour)
	for i := 0; i < 15; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		name := "alpha_" + ts.UTC().Format("2006-01-02T15-04-05Z") + "_db"
		path := filepath.Join(svc.backupDir, name)
		require.NoError(t, os.WriteFile(path, []byte("dump"), 0644))
		require.NoError(t, os.Chtimes(path, ts, ts))
	}
	// A different sucursal under the retention limit stays untouched
	otherPath := filepath.Join(svc.backupDir, "beta_2026-01-01T00-00-00Z_db")
	require.NoError(t, os.WriteFile(otherPath, []byte("dump"), 0644))

	removed := svc.CleanupOldBackups()
	assert.Equal(t, 5, removed)
	assert.Len(t, backupFilesFor(t, svc, "alpha"), 10)
	assert.Len(t, backupFilesFor(t, svc, "beta"), 1)

	// The survivors are the newest ones
	for _, f := range backupFilesFor(t, svc, "alpha") {
		info, err := os.Stat(f)
		require.NoError(t, err)
		assert.True(t, info.ModTime().After(base.Add(4*time.Minute)))
	}
}

func TestSaveReceived(t *testing.T) {
	svc := newTestBackupService(t)

	path, err := svc.SaveReceived("beta", "2026-08-31T10-00-00Z", strings.NewReader("payload"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(svc.backupDir, "received", "beta_2026-08-31T10-00-00Z_db"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestSaveReceivedRejectsBadNames(t *testing.T) {
	svc := newTestBackupService(t)

	_, err := svc.SaveReceived("", "2026-08-31T10-00-00Z", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.SaveReceived("beta", "", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	// "." would otherwise survive sanitizing and produce a hidden file
	_, err = svc.SaveReceived(".", "2026-08-31T10-00-00Z", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	entries, err := os.ReadDir(filepath.Join(svc.backupDir, "received"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSucursalPrefixParsing(t *testing.T) {
	assert.Equal(t, "alpha", sucursalPrefix("alpha_2026-08-31T10-00-00Z_db"))
	// Underscores in the sucursal name stay with the name
	assert.Equal(t, "sucursal_norte", sucursalPrefix("sucursal_norte_2026-08-31T10-00-00Z_db"))
	assert.Equal(t, "2026-08-31T10-00-00Z",
		timestampFromFilename("alpha_2026-08-31T10-00-00Z_db", "alpha"))
}
