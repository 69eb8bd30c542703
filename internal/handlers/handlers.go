package handlers

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/postbridge-app/backend/internal/platforms"
)

// Handler holds the shared dependencies for all endpoints: the database,
// the realtime hub, the platform publish adapters, the disk-backed asset
// store and the in-memory OAuth session table.
type Handler struct {
	db       *sql.DB
	rt       *realtimeHub
	adapters map[string]platforms.Adapter
	assets   *assetStore
	auth     *authSessions
}

func New(db *sql.DB) *Handler {
	h := &Handler{
		db:     db,
		rt:     newRealtimeHub(),
		assets: newAssetStore("media"),
		auth:   newAuthSessions(),
	}
	creds := h.credentialsFromDB
	h.adapters = map[string]platforms.Adapter{
		"facebook":  platforms.NewFacebook(creds),
		"instagram": platforms.NewInstagram(creds),
		"pinterest": platforms.NewPinterest(creds),
	}
	return h
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func randHex(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max]
}
