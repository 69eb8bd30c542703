package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/postbridge-app/backend/internal/models"
	"github.com/postbridge-app/backend/internal/platforms"
)

// credentialsFromDB resolves publish credentials from connected_accounts.
// A missing or disconnected row surfaces as a not-connected platform error,
// which the publisher records verbatim on the post.
func (h *Handler) credentialsFromDB(ctx context.Context, ownerID, platform string) (platforms.Credentials, error) {
	var (
		connected bool
		credsJSON []byte
	)
	err := h.db.QueryRowContext(ctx, `
		SELECT connected, COALESCE(credentials, '{}'::jsonb)
		  FROM public.connected_accounts
		 WHERE owner_id = $1 AND platform = $2
	`, ownerID, platform).Scan(&connected, &credsJSON)
	if err == sql.ErrNoRows {
		return platforms.Credentials{}, platforms.NotConnected(platform)
	}
	if err != nil {
		return platforms.Credentials{}, err
	}
	if !connected {
		return platforms.Credentials{}, platforms.NotConnected(platform)
	}

	var creds platforms.Credentials
	if err := json.Unmarshal(credsJSON, &creds); err != nil {
		return platforms.Credentials{}, err
	}
	if creds.AccessToken == "" {
		return platforms.Credentials{}, platforms.NotConnected(platform)
	}
	return creds, nil
}

// connectedPlatforms returns connection state for every supported platform,
// defaulting to disconnected for platforms with no row.
func (h *Handler) connectedPlatforms(ctx context.Context, ownerID string) (map[string]models.ConnectedAccount, error) {
	out := make(map[string]models.ConnectedAccount, len(models.SupportedPlatforms))
	for _, p := range models.SupportedPlatforms {
		out[p] = models.ConnectedAccount{OwnerID: ownerID, Platform: p}
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT platform, connected, COALESCE(username, ''), updated_at
		  FROM public.connected_accounts
		 WHERE owner_id = $1
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var acct models.ConnectedAccount
		acct.OwnerID = ownerID
		if err := rows.Scan(&acct.Platform, &acct.Connected, &acct.Username, &acct.UpdatedAt); err != nil {
			return nil, err
		}
		if models.IsSupportedPlatform(acct.Platform) {
			out[acct.Platform] = acct
		}
	}
	return out, rows.Err()
}

// upsertConnection records a completed OAuth connection (or a disconnect
// when connected=false, which also drops stored credentials).
func (h *Handler) upsertConnection(ctx context.Context, ownerID, platform, username string, connected bool, creds platforms.Credentials) error {
	credsJSON := []byte("{}")
	if connected {
		b, err := json.Marshal(creds)
		if err != nil {
			return err
		}
		credsJSON = b
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO public.connected_accounts (owner_id, platform, connected, username, credentials, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, NOW())
		ON CONFLICT (owner_id, platform)
		DO UPDATE SET connected = EXCLUDED.connected,
		              username = EXCLUDED.username,
		              credentials = EXCLUDED.credentials,
		              updated_at = NOW()
	`, ownerID, platform, connected, username, string(credsJSON))
	if err != nil {
		return err
	}
	log.Printf("[Connections] upsert owner=%s platform=%s connected=%v", ownerID, platform, connected)
	return nil
}

// notConnectedPhrases are the substrings that mark a failure segment as a
// connectivity complaint rather than an API or network fault.
var notConnectedPhrases = []string{
	"not connected",
	"account disconnected",
	"reconnect",
	"invalid oauth",
	"token expired",
	"session has expired",
}

// claimedDisconnected extracts the platforms a failure message blames on a
// lost connection. Matching is scoped per segment (sentences, semicolons,
// lines) so "Instagram account not connected. Facebook post succeeded."
// implicates instagram only.
func claimedDisconnected(errText string) []string {
	if strings.TrimSpace(errText) == "" {
		return nil
	}
	segments := strings.FieldsFunc(errText, func(r rune) bool {
		return r == '.' || r == ';' || r == '\n'
	})

	seen := make(map[string]bool)
	var out []string
	for _, seg := range segments {
		seg = strings.ToLower(seg)
		phraseHit := false
		for _, ph := range notConnectedPhrases {
			if strings.Contains(seg, ph) {
				phraseHit = true
				break
			}
		}
		if !phraseHit {
			continue
		}
		for _, p := range models.SupportedPlatforms {
			if seen[p] {
				continue
			}
			if strings.Contains(seg, p) {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// claimedFromOutcomes prefers the structured outcome codes over prose when
// a post carries them; prose parsing is the fallback for legacy rows.
func claimedFromOutcomes(outcomes []models.PublishOutcome) []string {
	var out []string
	for _, o := range outcomes {
		if !o.OK && o.Code == platforms.CodeNotConnected {
			out = append(out, o.Platform)
		}
	}
	return out
}

type retryReadiness struct {
	ClaimedDisconnected  []string `json:"claimedDisconnected"`
	ActuallyDisconnected []string `json:"actuallyDisconnected"`
	AllNowConnected      bool     `json:"allNowConnected"`
}

// retryReadinessFor cross-checks what a failed post's error blames against
// live connection state. A platform is only actually disconnected when both
// the error claimed it and the account is still down now; reconnected
// accounts drop out, so a retry is safe when the list comes back empty.
func (h *Handler) retryReadinessFor(ctx context.Context, ownerID string, post models.ScheduledPost) (retryReadiness, error) {
	claimed := claimedFromOutcomes(post.LastOutcomes)
	if len(claimed) == 0 && post.Error != nil {
		claimed = claimedDisconnected(*post.Error)
	}
	if claimed == nil {
		claimed = []string{}
	}

	state, err := h.connectedPlatforms(ctx, ownerID)
	if err != nil {
		return retryReadiness{}, err
	}

	actually := []string{}
	for _, p := range claimed {
		if acct, ok := state[p]; !ok || !acct.Connected {
			actually = append(actually, p)
		}
	}
	return retryReadiness{
		ClaimedDisconnected:  claimed,
		ActuallyDisconnected: actually,
		AllNowConnected:      len(actually) == 0,
	}, nil
}

// ---- HTTP wrappers ----

// ConnectionsForOwner lists connection state across all supported platforms.
func (h *Handler) ConnectionsForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "ownerId is required")
		return
	}
	state, err := h.connectedPlatforms(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	accounts := make([]models.ConnectedAccount, 0, len(models.SupportedPlatforms))
	for _, p := range models.SupportedPlatforms {
		accounts = append(accounts, state[p])
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

// DisconnectPlatformForOwner marks a platform disconnected and clears its
// stored credentials.
func (h *Handler) DisconnectPlatformForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	platform := strings.ToLower(strings.TrimSpace(pathVar(r, "platform")))
	if ownerID == "" || !models.IsSupportedPlatform(platform) {
		writeError(w, http.StatusBadRequest, "ownerId and a supported platform are required")
		return
	}
	if err := h.upsertConnection(r.Context(), ownerID, platform, "", false, platforms.Credentials{}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// RetryReadinessForOwner tells the UI whether a failed post's blamed
// platforms have been reconnected since the failure.
func (h *Handler) RetryReadinessForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	postID := strings.TrimSpace(pathVar(r, "postId"))
	if ownerID == "" || postID == "" {
		writeError(w, http.StatusBadRequest, "ownerId and postId are required")
		return
	}
	post, err := h.getPost(r.Context(), ownerID, postID)
	if err != nil {
		writePostError(w, err)
		return
	}
	ready, err := h.retryReadinessFor(r.Context(), ownerID, post)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ready)
}

// markStaleConnections flags accounts whose credentials have not been
// refreshed within maxAge. Exposed on the internal surface for the external
// scheduler's periodic sweep.
func (h *Handler) markStaleConnections(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := h.db.ExecContext(ctx, `
		UPDATE public.connected_accounts
		   SET connected = FALSE, updated_at = NOW()
		 WHERE connected = TRUE AND updated_at < NOW() - ($1 * interval '1 second')
	`, int64(maxAge.Seconds()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkStaleConnections is the internal sweep endpoint. maxAgeSeconds defaults
// to 30 days.
func (h *Handler) MarkStaleConnections(w http.ResponseWriter, r *http.Request) {
	if !internalCallAllowed(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	maxAge := 30 * 24 * time.Hour
	if raw := strings.TrimSpace(r.URL.Query().Get("maxAgeSeconds")); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || secs <= 0 {
			writeError(w, http.StatusBadRequest, "invalid maxAgeSeconds")
			return
		}
		maxAge = time.Duration(secs) * time.Second
	}
	n, err := h.markStaleConnections(r.Context(), maxAge)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[Connections] stale_sweep marked=%d maxAge=%s", n, maxAge)
	writeJSON(w, http.StatusOK, map[string]any{"marked": n})
}
