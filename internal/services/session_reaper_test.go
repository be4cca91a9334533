package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionReaperStartStopIdempotent(t *testing.T) {
	store := newTestStore(t, 5, 1000)
	svc := NewSessionReaperService(24, store)

	svc.Start()
	svc.Start()
	svc.Stop()
	svc.Stop()
}

func TestSessionReaperDefaultTTL(t *testing.T) {
	svc := NewSessionReaperService(0)
	assert.Equal(t, 24*time.Hour, svc.sessionTTL)
}

func TestSessionReaperSweepRemovesExpired(t *testing.T) {
	store := newTestStore(t, 5, 1000)
	svc := NewSessionReaperService(24, store)

	meta, err := store.CreateSession("stale.pdf", 10, 1, nil)
	require.NoError(t, err)

	dir, m, err := store.findSession(meta.SessionID)
	require.NoError(t, err)
	m.CreatedAt = time.Now().UTC().Add(-30 * time.Hour)
	require.NoError(t, store.writeMeta(dir, m))

	svc.sweep()

	_, _, err = store.Progress(meta.SessionID, 1)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
