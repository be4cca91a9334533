package services

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, chunkSize, maxFileSize int64) *UploadStore {
	t.Helper()
	base := t.TempDir()
	return NewUploadStore(
		filepath.Join(base, "sessions"),
		filepath.Join(base, "files"),
		chunkSize, maxFileSize,
	)
}

func TestCreateSessionChunkCount(t *testing.T) {
	store := newTestStore(t, 5, 1000)

	cases := []struct {
		fileSize int64
		want     int
	}{
		{1, 1},
		{5, 1},
		{6, 2},
		{10, 2},
		{11, 3},
	}
	for _, tc := range cases {
		meta, err := store.CreateSession("doc.pdf", tc.fileSize, 1, nil)
		require.NoError(t, err)
		assert.Equal(t, tc.want, meta.TotalChunks, "fileSize=%d", tc.fileSize)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	store := newTestStore(t, 5, 100)

	_, err := store.CreateSession("", 10, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = store.CreateSession("doc.pdf", 0, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = store.CreateSession("doc.pdf", 10, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = store.CreateSession("doc.pdf", 101, 1, nil)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestWriteChunkDuplicateDoesNotDoubleCount(t *testing.T) {
	store := newTestStore(t, 5, 1000)
	meta, err := store.CreateSession("doc.pdf", 12, 1, nil)
	require.NoError(t, err)
	require.Equal(t, 3, meta.TotalChunks)

	uploaded, total, err := store.WriteChunk(meta.SessionID, 1, 0, strings.NewReader("aaaaa"))
	require.NoError(t, err)
	assert.Equal(t, 1, uploaded)
	assert.Equal(t, 3, total)

	// Same index again with a different payload: count stays at 1,
	// payload is overwritten
	uploaded, _, err = store.WriteChunk(meta.SessionID, 1, 0, strings.NewReader("bbbbb"))
	require.NoError(t, err)
	assert.Equal(t, 1, uploaded)
}

func TestWriteChunkOutOfRange(t *testing.T) {
	store := newTestStore(t, 5, 1000)
	meta, err := store.CreateSession("doc.pdf", 12, 1, nil)
	require.NoError(t, err)

	_, _, err = store.WriteChunk(meta.SessionID, 1, 3, strings.NewReader("xx"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = store.WriteChunk(meta.SessionID, 1, -1, strings.NewReader("xx"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestWriteChunkWrongOwner(t *testing.T) {
	store := newTestStore(t, 5, 1000)
	meta, err := store.CreateSession("doc.pdf", 12, 1, nil)
	require.NoError(t, err)

	_, _, err = store.WriteChunk(meta.SessionID, 2, 0, strings.NewReader("xx"))
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = store.Complete(meta.SessionID, 2)
	assert.ErrorIs(t, err, ErrForbidden)

	err = store.Abandon(meta.SessionID, 2)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCompleteOutOfOrderAssemblesInIndexOrder(t *testing.T) {
	store := newTestStore(t, 5, 1000)
	meta, err := store.CreateSession("doc.pdf", 12, 1, nil)
	require.NoError(t, err)

	// Upload in order 2, 0, 1
	_, _, err = store.WriteChunk(meta.SessionID, 1, 2, strings.NewReader("cc"))
	require.NoError(t, err)
	_, _, err = store.WriteChunk(meta.SessionID, 1, 0, strings.NewReader("aaaaa"))
	require.NoError(t, err)
	uploaded, total, err := store.WriteChunk(meta.SessionID, 1, 1, strings.NewReader("bbbbb"))
	require.NoError(t, err)
	assert.Equal(t, 3, uploaded)
	assert.Equal(t, 3, total)

	assembled, err := store.Complete(meta.SessionID, 1)
	require.NoError(t, err)
	assert.Equal(t, "doc.pdf", assembled.OriginalName)
	assert.Equal(t, int64(12), assembled.Size)

	data, err := os.ReadFile(assembled.Path)
	require.NoError(t, err)
	assert.Equal(t, "aaaaabbbbbcc", string(data))

	// Session directory is gone afterwards
	_, _, err = store.Progress(meta.SessionID, 1)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCompleteIncomplete(t *testing.T) {
	store := newTestStore(t, 5, 1000)
	meta, err := store.CreateSession("doc.pdf", 18, 1, nil)
	require.NoError(t, err)
	require.Equal(t, 4, meta.TotalChunks)

	_, _, err = store.WriteChunk(meta.SessionID, 1, 0, strings.NewReader("aaaaa"))
	require.NoError(t, err)
	_, _, err = store.WriteChunk(meta.SessionID, 1, 1, strings.NewReader("bbbbb"))
	require.NoError(t, err)

	_, err = store.Complete(meta.SessionID, 1)
	var incomplete *IncompleteError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, 2, incomplete.Uploaded)
	assert.Equal(t, 4, incomplete.Total)

	// Finish the remaining chunks and complete successfully
	_, _, err = store.WriteChunk(meta.SessionID, 1, 2, strings.NewReader("ccccc"))
	require.NoError(t, err)
	_, _, err = store.WriteChunk(meta.SessionID, 1, 3, strings.NewReader("ddd"))
	require.NoError(t, err)

	assembled, err := store.Complete(meta.SessionID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(18), assembled.Size)
}

func TestCompleteMissingChunkOnDisk(t *testing.T) {
	store := newTestStore(t, 5, 1000)
	meta, err := store.CreateSession("doc.pdf", 10, 1, nil)
	require.NoError(t, err)

	_, _, err = store.WriteChunk(meta.SessionID, 1, 0, strings.NewReader("aaaaa"))
	require.NoError(t, err)
	_, _, err = store.WriteChunk(meta.SessionID, 1, 1, strings.NewReader("bbbbb"))
	require.NoError(t, err)

	// Simulate a chunk file vanishing after being recorded
	dir, _, err := store.findSession(meta.SessionID)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, "chunk_1")))

	_, err = store.Complete(meta.SessionID, 1)
	var missing *MissingChunkError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, 1, missing.Index)
}

func TestLargeFileScenario(t *testing.T) {
	chunkSize := int64(5 * 1024 * 1024)
	store := newTestStore(t, chunkSize, 20*1024*1024)

	fileSize := int64(12 * 1024 * 1024)
	meta, err := store.CreateSession("video.mp4", fileSize, 7, nil)
	require.NoError(t, err)
	require.Equal(t, 3, meta.TotalChunks)

	full := chunkSize
	payloads := [][]byte{
		bytes.Repeat([]byte{'a'}, int(full)),
		bytes.Repeat([]byte{'b'}, int(full)),
		bytes.Repeat([]byte{'c'}, int(fileSize-2*full)),
	}
	for i, p := range payloads {
		_, _, err := store.WriteChunk(meta.SessionID, 7, i, bytes.NewReader(p))
		require.NoError(t, err)
	}

	assembled, err := store.Complete(meta.SessionID, 7)
	require.NoError(t, err)
	assert.Equal(t, fileSize, assembled.Size)

	info, err := os.Stat(assembled.Path)
	require.NoError(t, err)
	assert.Equal(t, fileSize, info.Size())
}

func TestAbandonRemovesSession(t *testing.T) {
	store := newTestStore(t, 5, 1000)
	meta, err := store.CreateSession("doc.pdf", 10, 1, nil)
	require.NoError(t, err)

	_, _, err = store.WriteChunk(meta.SessionID, 1, 0, strings.NewReader("aaaaa"))
	require.NoError(t, err)

	require.NoError(t, store.Abandon(meta.SessionID, 1))

	_, _, err = store.Progress(meta.SessionID, 1)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFindSessionRejectsPathTraversal(t *testing.T) {
	store := newTestStore(t, 5, 1000)

	for _, id := range []string{"", "../etc", "a/b", `a\b`, "a.b"} {
		_, _, err := store.Progress(id, 1)
		assert.ErrorIs(t, err, ErrSessionNotFound, "id=%q", id)
	}
}

func TestSweepExpired(t *testing.T) {
	store := newTestStore(t, 5, 1000)

	old, err := store.CreateSession("old.pdf", 10, 1, nil)
	require.NoError(t, err)
	fresh, err := store.CreateSession("fresh.pdf", 10, 1, nil)
	require.NoError(t, err)

	// Age the first session's marker
	dir, meta, err := store.findSession(old.SessionID)
	require.NoError(t, err)
	meta.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.writeMeta(dir, meta))

	removed := store.SweepExpired(24 * time.Hour)
	require.Len(t, removed, 1)
	assert.Equal(t, old.SessionID, removed[0])

	_, _, err = store.Progress(old.SessionID, 1)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, _, err = store.Progress(fresh.SessionID, 1)
	assert.NoError(t, err)
}

func TestUserUploadStorePerUserLayout(t *testing.T) {
	base := t.TempDir()
	store := NewUserUploadStore(base, 5, 1000)

	meta, err := store.CreateSession("avatar.png", 8, 42, nil)
	require.NoError(t, err)

	_, _, err = store.WriteChunk(meta.SessionID, 42, 0, strings.NewReader("aaaaa"))
	require.NoError(t, err)
	_, _, err = store.WriteChunk(meta.SessionID, 42, 1, strings.NewReader("bbb"))
	require.NoError(t, err)

	assembled, err := store.Complete(meta.SessionID, 42)
	require.NoError(t, err)

	// Final file lives under the owner's directory
	assert.Equal(t, filepath.Join(base, "42"), filepath.Dir(assembled.Path))

	data, err := os.ReadFile(assembled.Path)
	require.NoError(t, err)
	assert.Equal(t, "aaaaabbb", string(data))
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "a_b_c", sanitizeFilename(`a:b*c`))
	assert.Equal(t, "passwd", sanitizeFilename("../../etc/passwd"))
}
