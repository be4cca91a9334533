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

func TestSucursalSyncStartStopIdempotent(t *testing.T) {
	svc := NewSucursalSyncService("alpha", 12, nil, nil)

	svc.Start()
	svc.Start() // second call is a no-op
	svc.Stop()
	svc.Stop() // stopping twice must not panic or block
}

func TestSyncNowWithoutDatabaseIsNoOp(t *testing.T) {
	svc := NewSucursalSyncService("alpha", 12, nil, nil)
	svc.SyncNow()
}

func TestFetchCurrentInfo(t *testing.T) {
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sucursals/current/info", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data": models.SucursalInfo{
				SucursalID: 3,
				Name:       "beta",
				Location:   "north",
				ServerURL:  "http://beta.example",
			},
		})
	}))
	defer peer.Close()

	svc := NewSucursalSyncService("alpha", 12, nil, nil)
	info, err := svc.fetchCurrentInfo(peer.URL)
	require.NoError(t, err)
	assert.Equal(t, "beta", info.Name)
	assert.Equal(t, "north", info.Location)
	assert.Equal(t, "http://beta.example", info.ServerURL)
}

func TestFetchCurrentInfoUnsuccessfulEnvelope(t *testing.T) {
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"success": false})
	}))
	defer peer.Close()

	svc := NewSucursalSyncService("alpha", 12, nil, nil)
	_, err := svc.fetchCurrentInfo(peer.URL)
	assert.Error(t, err)
}

func TestFetchBranchList(t *testing.T) {
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sucursals", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data": []models.SucursalInfo{
				{Name: "beta", ServerURL: "http://beta.example"},
				{Name: "gamma"},
			},
		})
	}))
	defer peer.Close()

	svc := NewSucursalSyncService("alpha", 12, nil, nil)
	list, err := svc.fetchBranchList(peer.URL)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "beta", list[0].Name)
	assert.Equal(t, "gamma", list[1].Name)
}

func TestFetchBranchListHTTPError(t *testing.T) {
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer peer.Close()

	svc := NewSucursalSyncService("alpha", 12, nil, nil)
	_, err := svc.fetchBranchList(peer.URL)
	assert.Error(t, err)
}

func TestRemoteForErrorLogsPicksFirstPeerWithURL(t *testing.T) {
	svc := NewSucursalSyncService("alpha", 12, nil, nil)

	remote := svc.remoteForErrorLogs([]models.Sucursal{
		{Name: "alpha", ServerURL: "http://self.example"},
		{Name: "beta"},
		{Name: "gamma", ServerURL: "http://gamma.example"},
	})
	assert.Equal(t, "http://gamma.example", remote)

	assert.Empty(t, svc.remoteForErrorLogs([]models.Sucursal{
		{Name: "alpha", ServerURL: "http://self.example"},
	}))
}
