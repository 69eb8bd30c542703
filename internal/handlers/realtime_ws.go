package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/postbridge-app/backend/internal/models"
)

type realtimeHub struct {
	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{}
}

func newRealtimeHub() *realtimeHub {
	return &realtimeHub{
		conns: make(map[string]map[*websocket.Conn]struct{}),
	}
}

func (h *realtimeHub) add(ownerID string, c *websocket.Conn) {
	if h == nil || c == nil || strings.TrimSpace(ownerID) == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[ownerID]
	if m == nil {
		m = make(map[*websocket.Conn]struct{})
		h.conns[ownerID] = m
	}
	m[c] = struct{}{}
}

func (h *realtimeHub) remove(ownerID string, c *websocket.Conn) {
	if h == nil || c == nil || strings.TrimSpace(ownerID) == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[ownerID]
	if m == nil {
		return
	}
	delete(m, c)
	if len(m) == 0 {
		delete(h.conns, ownerID)
	}
}

func (h *realtimeHub) broadcast(ownerID string, msg []byte) {
	if h == nil || strings.TrimSpace(ownerID) == "" || len(msg) == 0 {
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, 8)
	for c := range h.conns[ownerID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := websocket.Message.Send(c, string(msg)); err != nil {
			_ = c.Close()
			h.remove(ownerID, c)
		}
	}
}

func (h *realtimeHub) count(ownerID string) int {
	if h == nil || strings.TrimSpace(ownerID) == "" {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[ownerID])
}

func isLocalhostRemoteAddr(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil && h != "" {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// internalCallAllowed gates the internal surface (realtime WS, publish-due).
// In production, set INTERNAL_API_SECRET and send it via X-Internal-Secret.
func internalCallAllowed(r *http.Request) bool {
	sec := strings.TrimSpace(os.Getenv("INTERNAL_API_SECRET"))
	// Dev convenience: loopback connections are always allowed so a local
	// frontend or worker can connect without configuring the secret.
	if isLocalhostRemoteAddr(r.RemoteAddr) {
		return true
	}
	if sec == "" {
		return false
	}
	return strings.TrimSpace(r.Header.Get("X-Internal-Secret")) == sec
}

// snapshotEvent is the only event shape subscribers receive: the owner's
// entire post list, ordered by schedule time. Clients replace local state
// wholesale instead of patching, which keeps them correct across missed
// messages and reconnects.
type snapshotEvent struct {
	Type    string                 `json:"type"`
	OwnerID string                 `json:"ownerId"`
	Posts   []models.ScheduledPost `json:"posts"`
	At      string                 `json:"at"`
}

// EventsWebSocket streams post snapshots for one owner.
//
// URL: /api/events/ws?ownerId=...
// Auth: X-Internal-Secret (or localhost-only if INTERNAL_API_SECRET is unset)
func (h *Handler) EventsWebSocket(w http.ResponseWriter, r *http.Request) {
	if !internalCallAllowed(r) {
		log.Printf("[RealtimeWS] forbidden remote=%s host=%s", r.RemoteAddr, r.Host)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	ownerID := strings.TrimSpace(r.URL.Query().Get("ownerId"))
	if ownerID == "" {
		http.Error(w, "missing_ownerId", http.StatusBadRequest)
		return
	}

	// golang.org/x/net/websocket's default origin check 403s when Origin
	// doesn't match Host; this endpoint is internal, so accept any origin
	// (auth is handled by internalCallAllowed).
	wsServer := websocket.Server{
		Handshake: func(cfg *websocket.Config, req *http.Request) error {
			return nil
		},
		Handler: func(c *websocket.Conn) {
			log.Printf("[RealtimeWS] connect ownerId=%s remote=%s ua=%q", ownerID, r.RemoteAddr, truncate(r.UserAgent(), 120))
			h.rt.add(ownerID, c)
			defer h.rt.remove(ownerID, c)
			defer log.Printf("[RealtimeWS] disconnect ownerId=%s remote=%s", ownerID, r.RemoteAddr)

			// New subscribers get the current snapshot immediately.
			if b, err := h.snapshotPayload(r.Context(), ownerID); err == nil {
				_ = websocket.Message.Send(c, string(b))
			} else {
				log.Printf("[RealtimeWS] initial_snapshot_failed ownerId=%s err=%v", ownerID, err)
			}

			// Read loop keeps the connection open and detects disconnects.
			for {
				var ignored string
				if err := websocket.Message.Receive(c, &ignored); err != nil {
					break
				}
			}
		},
	}

	wsServer.ServeHTTP(w, r)
}

func (h *Handler) snapshotPayload(ctx context.Context, ownerID string) ([]byte, error) {
	posts, err := h.listPosts(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(snapshotEvent{
		Type:    "snapshot",
		OwnerID: ownerID,
		Posts:   posts,
		At:      time.Now().UTC().Format(time.RFC3339),
	})
}

// pushSnapshot re-reads the owner's posts and fans the fresh snapshot out to
// every open subscription. Called after every mutation; a push failure is
// logged, never surfaced, because the write it follows already succeeded.
func (h *Handler) pushSnapshot(ctx context.Context, ownerID string) {
	if h == nil || h.rt == nil || strings.TrimSpace(ownerID) == "" {
		return
	}
	if h.rt.count(ownerID) == 0 {
		return
	}
	b, err := h.snapshotPayload(ctx, ownerID)
	if err != nil {
		log.Printf("[Realtime] snapshot_failed ownerId=%s err=%v", ownerID, err)
		return
	}
	log.Printf("[Realtime] push ownerId=%s subs=%d bytes=%d", ownerID, h.rt.count(ownerID), len(b))
	h.rt.broadcast(ownerID, b)
}
