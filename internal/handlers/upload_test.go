package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gestordoc/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUploadTestApp(t *testing.T) *fiber.App {
	t.Helper()
	base := t.TempDir()
	store := services.NewUploadStore(
		filepath.Join(base, "sessions"),
		filepath.Join(base, "files"),
		5*1024*1024, 10*1024*1024*1024,
	)
	handler := NewUploadHandler(store, store, services.NewErrorLogService("alpha"))

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("userID", uint(1))
		return c.Next()
	})
	app.Post("/api/uploads/sessions", handler.CreateSession)
	return app
}

func postSession(t *testing.T, app *fiber.App, body CreateSessionRequest) (int, map[string]interface{}) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/uploads/sessions", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &decoded))
	return resp.StatusCode, decoded
}

func TestCreateSessionEndpoint(t *testing.T) {
	app := newUploadTestApp(t)

	status, decoded := postSession(t, app, CreateSessionRequest{
		FileName: "doc.pdf",
		FileSize: 12 * 1024 * 1024,
	})
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, true, decoded["success"])

	data := decoded["data"].(map[string]interface{})
	assert.NotEmpty(t, data["sessionId"])
	assert.Equal(t, float64(3), data["totalChunks"])
}

func TestCreateSessionOverLimitReturns400(t *testing.T) {
	app := newUploadTestApp(t)

	status, decoded := postSession(t, app, CreateSessionRequest{
		FileName: "huge.bin",
		FileSize: 10*1024*1024*1024 + 1,
	})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, false, decoded["success"])
}

func TestCreateSessionMissingFieldsReturns400(t *testing.T) {
	app := newUploadTestApp(t)

	status, _ := postSession(t, app, CreateSessionRequest{FileName: "doc.pdf"})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = postSession(t, app, CreateSessionRequest{FileSize: 100})
	assert.Equal(t, fiber.StatusBadRequest, status)
}
