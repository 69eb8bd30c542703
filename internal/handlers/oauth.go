package handlers

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/postbridge-app/backend/internal/models"
	"github.com/postbridge-app/backend/internal/platforms"
)

// Auth session states. opened/polling are transient; the other four are
// terminal and never transition again.
const (
	authStateOpened              = "opened"
	authStatePolling             = "polling"
	authStateSucceeded           = "succeeded"
	authStateFailed              = "failed"
	authStateTimedOut            = "timed_out"
	authStateClosedWithoutResult = "closed_without_result"
)

const (
	// authSessionTimeout bounds how long we wait for the provider redirect.
	authSessionTimeout = 5 * time.Minute
	// closedGrace covers the race where the popup-closed signal arrives a
	// beat before the provider callback does.
	closedGrace = 1200 * time.Millisecond
)

// authSessionRetention keeps a settled session visible to late pollers
// before it is dropped from the map.
var authSessionRetention = 5 * time.Minute

type authSession struct {
	ID        string    `json:"sessionId"`
	OwnerID   string    `json:"ownerId"`
	Platform  string    `json:"platform"`
	State     string    `json:"state"`
	Username  string    `json:"username,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`

	timeout *time.Timer
	grace   *time.Timer
}

func authStateTerminal(state string) bool {
	switch state {
	case authStateSucceeded, authStateFailed, authStateTimedOut, authStateClosedWithoutResult:
		return true
	}
	return false
}

// authSessions tracks in-flight OAuth popup flows in memory. Sessions are
// short-lived (minutes) and per-instance, so no persistence is needed.
type authSessions struct {
	mu       sync.Mutex
	sessions map[string]*authSession
}

func newAuthSessions() *authSessions {
	return &authSessions{sessions: make(map[string]*authSession)}
}

func (a *authSessions) start(ownerID, platform string) *authSession {
	s := &authSession{
		ID:        "auth_" + randHex(16),
		OwnerID:   ownerID,
		Platform:  platform,
		State:     authStateOpened,
		CreatedAt: time.Now(),
	}
	a.mu.Lock()
	a.sessions[s.ID] = s
	a.mu.Unlock()

	s.timeout = time.AfterFunc(authSessionTimeout, func() {
		a.transition(s.ID, authStateTimedOut, "", "authorization timed out")
	})
	return s
}

func (a *authSessions) get(id string) (*authSession, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	return s, ok
}

// transition moves a session into a new state. Terminal states win: once a
// session has settled, later signals (timeout firing, popup-closed grace)
// are ignored.
func (a *authSessions) transition(id, state, username, errText string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok || authStateTerminal(s.State) {
		return false
	}
	s.State = state
	s.Username = username
	s.Error = errText
	if authStateTerminal(state) {
		if s.timeout != nil {
			s.timeout.Stop()
		}
		if s.grace != nil {
			s.grace.Stop()
		}
		time.AfterFunc(authSessionRetention, func() { a.remove(id) })
	}
	return true
}

func (a *authSessions) remove(id string) {
	a.mu.Lock()
	delete(a.sessions, id)
	a.mu.Unlock()
}

// markPolling bumps opened -> polling on the first status check. Any other
// state is left alone.
func (a *authSessions) markPolling(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[id]; ok && s.State == authStateOpened {
		s.State = authStatePolling
	}
}

// popupClosed arms the grace timer. If no provider result lands within the
// grace window the session settles as closed_without_result.
func (a *authSessions) popupClosed(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return false
	}
	if authStateTerminal(s.State) || s.grace != nil {
		return true
	}
	s.grace = time.AfterFunc(closedGrace, func() {
		a.transition(id, authStateClosedWithoutResult, "", "popup closed before authorization completed")
	})
	return true
}

func (a *authSessions) snapshot(id string) (authSession, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return authSession{}, false
	}
	return *s, true
}

// ---- HTTP wrappers ----

// StartAuthForOwner opens a new popup auth session and returns the provider
// URL the frontend should open, with the session id threaded through as the
// OAuth state parameter.
func (h *Handler) StartAuthForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	platform := strings.ToLower(strings.TrimSpace(pathVar(r, "platform")))
	if ownerID == "" || !models.IsSupportedPlatform(platform) {
		writeError(w, http.StatusBadRequest, "ownerId and a supported platform are required")
		return
	}

	s := h.auth.start(ownerID, platform)
	log.Printf("[Auth] session_started session=%s owner=%s platform=%s", s.ID, ownerID, platform)

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": s.ID,
		"authUrl":   authProviderURL(platform, s.ID),
		"expiresIn": int(authSessionTimeout.Seconds()),
	})
}

// authProviderURL builds the provider authorize URL. The provider app ids
// come from the environment; the session id rides in the state parameter and
// comes back on the callback.
func authProviderURL(platform, sessionID string) string {
	base := os.Getenv("PUBLIC_API_BASE")
	if base == "" {
		base = "http://localhost:8080"
	}
	redirect := base + "/api/auth/callback"

	q := url.Values{}
	q.Set("state", sessionID)
	q.Set("redirect_uri", redirect)

	switch platform {
	case "facebook":
		q.Set("client_id", os.Getenv("FACEBOOK_APP_ID"))
		q.Set("scope", "pages_manage_posts,pages_read_engagement")
		return "https://www.facebook.com/v19.0/dialog/oauth?" + q.Encode()
	case "instagram":
		q.Set("client_id", os.Getenv("FACEBOOK_APP_ID"))
		q.Set("scope", "instagram_basic,instagram_content_publish")
		return "https://www.facebook.com/v19.0/dialog/oauth?" + q.Encode()
	case "pinterest":
		q.Set("client_id", os.Getenv("PINTEREST_APP_ID"))
		q.Set("response_type", "code")
		q.Set("scope", "boards:read,pins:write")
		return "https://www.pinterest.com/oauth/?" + q.Encode()
	}
	return ""
}

// AuthCallback is where the provider redirect lands. Success stores the
// connection and settles the session; the response is a tiny page that the
// popup shows while the opener polls the session status.
func (h *Handler) AuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := strings.TrimSpace(q.Get("state"))
	if sessionID == "" {
		sessionID = strings.TrimSpace(q.Get("session"))
	}
	s, ok := h.auth.get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown auth session")
		return
	}

	if authErr := strings.TrimSpace(q.Get("auth_error")); authErr != "" || q.Get("error") != "" {
		if authErr == "" {
			authErr = q.Get("error_description")
			if authErr == "" {
				authErr = q.Get("error")
			}
		}
		h.auth.transition(sessionID, authStateFailed, "", authErr)
		log.Printf("[Auth] callback_failed session=%s platform=%s err=%s", sessionID, s.Platform, authErr)
		authResultPage(w, "Authorization failed. You can close this window.")
		return
	}

	username := strings.TrimSpace(q.Get("username"))
	creds := platforms.Credentials{
		AccessToken: strings.TrimSpace(q.Get("access_token")),
		AccountID:   strings.TrimSpace(q.Get("account_id")),
		Username:    username,
	}
	if creds.AccessToken == "" {
		h.auth.transition(sessionID, authStateFailed, "", "provider returned no access token")
		authResultPage(w, "Authorization failed. You can close this window.")
		return
	}

	if err := h.upsertConnection(r.Context(), s.OwnerID, s.Platform, username, true, creds); err != nil {
		h.auth.transition(sessionID, authStateFailed, "", "failed to store connection")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.auth.transition(sessionID, authStateSucceeded, username, "")
	log.Printf("[Auth] callback_succeeded session=%s owner=%s platform=%s", sessionID, s.OwnerID, s.Platform)
	authResultPage(w, "Connected. You can close this window.")
}

func authResultPage(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!doctype html><html><body><p>%s</p><script>window.close();</script></body></html>", msg)
}

// AuthSessionStatus is the opener's poll target. The first poll moves the
// session from opened to polling.
func (h *Handler) AuthSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(pathVar(r, "sessionId"))
	h.auth.markPolling(sessionID)
	s, ok := h.auth.snapshot(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown auth session")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// AuthPopupClosed is the opener's signal that the popup window went away.
// The grace window lets a near-simultaneous provider callback still win.
func (h *Handler) AuthPopupClosed(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(pathVar(r, "sessionId"))
	if !h.auth.popupClosed(sessionID) {
		writeError(w, http.StatusNotFound, "unknown auth session")
		return
	}
	s, _ := h.auth.snapshot(sessionID)
	writeJSON(w, http.StatusOK, s)
}
