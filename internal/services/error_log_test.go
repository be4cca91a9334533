package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gestordoc/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWithoutDatabase(t *testing.T) {
	svc := NewErrorLogService("alpha")

	entry := svc.Record(models.ErrorTypeUpload, "chunk write failed", map[string]string{"session": "abc"})
	require.NotNil(t, entry)
	assert.Equal(t, models.ErrorTypeUpload, entry.Type)
	assert.Equal(t, "alpha", entry.SucursalName)
	assert.False(t, entry.SentToRemote)

	var details map[string]string
	require.NoError(t, json.Unmarshal(entry.Details, &details))
	assert.Equal(t, "abc", details["session"])
}

func TestRecordNilDetails(t *testing.T) {
	svc := NewErrorLogService("alpha")

	entry := svc.Record(models.ErrorTypeInternal, "something broke", nil)
	require.NotNil(t, entry)
	assert.Nil(t, entry.Details)
}

func TestSendPendingWithoutDatabase(t *testing.T) {
	svc := NewErrorLogService("alpha")

	sent, err := svc.SendPending("http://peer.example", 50)
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestSendPostsBatchToPeer(t *testing.T) {
	var got []models.ErrorLog
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/error-logs/receive", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer peer.Close()

	svc := NewErrorLogService("alpha")
	entries := []models.ErrorLog{
		{Type: models.ErrorTypeBackupSend, Description: "transmission failed", SucursalName: "alpha"},
		{Type: models.ErrorTypeDiscovery, Description: "peer timeout", SucursalName: "alpha"},
	}
	require.NoError(t, svc.send(peer.URL, entries))
	require.Len(t, got, 2)
	assert.Equal(t, models.ErrorTypeBackupSend, got[0].Type)
}

func TestSendRejectedByPeer(t *testing.T) {
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer peer.Close()

	svc := NewErrorLogService("alpha")
	err := svc.send(peer.URL, []models.ErrorLog{{Type: models.ErrorTypeInternal}})
	assert.Error(t, err)
}
