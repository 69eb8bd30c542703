package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/postbridge-app/backend/internal/models"
	"github.com/postbridge-app/backend/internal/platforms"
)

// fanOutResult is the reconciled outcome of one multi-platform publish
// attempt: the structured per-platform list, the subset that reached an
// audience, and the combined human-readable failure text (empty when
// everything succeeded).
type fanOutResult struct {
	Outcomes      []models.PublishOutcome `json:"outcomes"`
	Succeeded     []string                `json:"succeeded"`
	CombinedError string                  `json:"combinedError,omitempty"`
}

func (r fanOutResult) allFailed() bool { return len(r.Succeeded) == 0 }

// publishFanOut issues one publish call per selected platform concurrently
// and waits for all of them to settle. No fail-fast: a failure on one
// platform never cancels the others.
func (h *Handler) publishFanOut(ctx context.Context, ownerID string, platformList []string, captions map[string]string, images []string) fanOutResult {
	outcomes := make([]models.PublishOutcome, len(platformList))

	var wg sync.WaitGroup
	for i, p := range platformList {
		wg.Add(1)
		go func(i int, platform string) {
			defer wg.Done()
			outcomes[i] = h.publishOne(ctx, ownerID, platform, captions[platform], images)
		}(i, p)
	}
	wg.Wait()

	res := fanOutResult{Outcomes: outcomes}
	failures := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		if o.OK {
			res.Succeeded = append(res.Succeeded, o.Platform)
		} else {
			failures = append(failures, fmt.Sprintf("%s: %s", platforms.DisplayName(o.Platform), o.Reason))
		}
	}
	if len(failures) > 0 {
		res.CombinedError = strings.Join(failures, ". ") + "."
	}
	return res
}

// publishOne picks the single-image or carousel call path; the two are
// distinct operations at the adapter boundary because platform APIs differ
// structurally between them.
func (h *Handler) publishOne(ctx context.Context, ownerID, platform, caption string, images []string) models.PublishOutcome {
	adapter := h.adapters[platform]
	if adapter == nil {
		return models.PublishOutcome{
			Platform: platform,
			Code:     platforms.CodeAPIError,
			Reason:   "unsupported platform",
		}
	}

	var (
		result platforms.Result
		err    error
	)
	if len(images) > 1 {
		result, err = adapter.PublishCarousel(ctx, ownerID, caption, images)
	} else {
		imageURL := ""
		if len(images) == 1 {
			imageURL = images[0]
		}
		result, err = adapter.PublishSingle(ctx, ownerID, caption, imageURL)
	}
	if err != nil {
		var perr *platforms.Error
		if errors.As(err, &perr) {
			return models.PublishOutcome{Platform: platform, Code: perr.Code, Reason: perr.Reason}
		}
		return models.PublishOutcome{Platform: platform, Code: platforms.CodeNetworkError, Reason: err.Error()}
	}
	return models.PublishOutcome{Platform: platform, OK: true, PostID: result.PostID}
}

// applyPublishResult writes the reconciled outcome back onto the post.
// Any success records a published entry whose platforms are exactly the
// succeeded subset, so publish history reflects what actually reached an
// audience. Total failure records failed + error text.
func (h *Handler) applyPublishResult(ctx context.Context, ownerID, postID string, res fanOutResult) error {
	outcomesJSON, _ := json.Marshal(res.Outcomes)

	if res.allFailed() {
		_, err := h.db.ExecContext(ctx, `
			UPDATE public.scheduled_posts
			   SET status = 'failed',
			       error = $3,
			       last_outcomes = $4::jsonb,
			       claim_token = NULL,
			       updated_at = NOW()
			 WHERE id = $1 AND owner_id = $2
		`, postID, ownerID, truncate(res.CombinedError, 1000), string(outcomesJSON))
		return err
	}

	_, err := h.db.ExecContext(ctx, `
		UPDATE public.scheduled_posts
		   SET status = 'published',
		       platforms = $3,
		       published_at = NOW(),
		       error = NULL,
		       last_outcomes = $4::jsonb,
		       claim_token = NULL,
		       updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2
	`, postID, ownerID, pq.Array(res.Succeeded), string(outcomesJSON))
	return err
}

// publishPost is the publish primitive the external scheduler worker invokes
// for a due post (also reachable directly for dev/testing). Published posts
// are immutable history and are never re-published.
func (h *Handler) publishPost(ctx context.Context, ownerID, postID string) (fanOutResult, error) {
	post, err := h.getPost(ctx, ownerID, postID)
	if err != nil {
		return fanOutResult{}, err
	}
	if post.Status == models.StatusPublished {
		return fanOutResult{}, errAlreadyPublished
	}

	start := time.Now()
	res := h.publishFanOut(ctx, ownerID, post.Platforms, post.Captions, post.Images)
	if err := h.applyPublishResult(ctx, ownerID, postID, res); err != nil {
		return res, err
	}
	log.Printf("[Publish] done postId=%s owner=%s succeeded=%v failed=%d dur=%dms",
		postID, ownerID, res.Succeeded, len(res.Outcomes)-len(res.Succeeded), time.Since(start).Milliseconds())
	h.pushSnapshot(ctx, ownerID)
	return res, nil
}

var errAlreadyPublished = errors.New("already_published")

// publishDueOnce claims due scheduled posts and publishes each one. Claiming
// sets claim_token with a conditional UPDATE so concurrent instances (or an
// overlapping worker sweep) never publish the same post twice per attempt.
func (h *Handler) publishDueOnce(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 25
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT id, owner_id
		  FROM public.scheduled_posts
		 WHERE status = 'scheduled'
		   AND scheduled_for <= NOW()
		   AND claim_token IS NULL
		 ORDER BY scheduled_for ASC
		 LIMIT $1
	`, limit)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type cand struct{ id, ownerID string }
	cands := make([]cand, 0)
	for rows.Next() {
		var c cand
		if err := rows.Scan(&c.id, &c.ownerID); err != nil {
			return 0, err
		}
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	published := 0
	for _, c := range cands {
		token := fmt.Sprintf("pub_%s", randHex(12))
		res, err := h.db.ExecContext(ctx, `
			UPDATE public.scheduled_posts
			   SET claim_token = $3,
			       updated_at = NOW()
			 WHERE id = $1
			   AND owner_id = $2
			   AND status = 'scheduled'
			   AND scheduled_for <= NOW()
			   AND claim_token IS NULL
		`, c.id, c.ownerID, token)
		if err != nil {
			log.Printf("[PublishDue] claim_failed postId=%s owner=%s err=%v", c.id, c.ownerID, err)
			continue
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			log.Printf("[PublishDue] claim_skipped postId=%s owner=%s reason=not_due_or_already_claimed", c.id, c.ownerID)
			continue
		}

		pubRes, err := h.publishPost(ctx, c.ownerID, c.id)
		if err != nil {
			// Undo the claim so it can be retried (nothing published yet).
			// After a partial success the claim stays in place: retrying
			// would double-post the platforms that already landed.
			if len(pubRes.Succeeded) == 0 {
				_, _ = h.db.ExecContext(ctx, `
					UPDATE public.scheduled_posts
					   SET claim_token = NULL,
					       updated_at = NOW()
					 WHERE id = $1 AND owner_id = $2 AND claim_token = $3
				`, c.id, c.ownerID, token)
			}
			log.Printf("[PublishDue] publish_failed postId=%s owner=%s err=%v", c.id, c.ownerID, err)
			continue
		}
		published++
	}
	return published, nil
}

// ---- HTTP wrappers ----

type immediatePublishRequest struct {
	Platforms []string          `json:"platforms"`
	Captions  map[string]string `json:"captions"`
	Images    []string          `json:"images"`
}

// PublishImmediateForOwner publishes right now, bypassing the scheduled
// state entirely. Any success is recorded directly as a terminal published
// post with the succeeded subset; total failure records nothing.
func (h *Handler) PublishImmediateForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "ownerId is required")
		return
	}
	var req immediatePublishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	platformList, err := normalizePlatforms(req.Platforms)
	if err != nil {
		writePostError(w, err)
		return
	}
	images, err := h.ingestImages(ownerID, req.Images)
	if err != nil {
		writePostError(w, err)
		return
	}
	if len(images) == 0 {
		writeError(w, http.StatusBadRequest, "at least one image is required")
		return
	}

	res := h.publishFanOut(r.Context(), ownerID, platformList, req.Captions, images)
	if res.allFailed() {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"ok":       false,
			"error":    res.CombinedError,
			"outcomes": res.Outcomes,
		})
		return
	}

	captionsJSON, _ := json.Marshal(req.Captions)
	outcomesJSON, _ := json.Marshal(res.Outcomes)
	row := h.db.QueryRowContext(r.Context(), `
		INSERT INTO public.scheduled_posts
		  (id, owner_id, platforms, captions, images, status, scheduled_for, published_at, last_outcomes, created_at, updated_at)
		VALUES
		  ($1, $2, $3, $4::jsonb, $5, 'published', NOW(), NOW(), $6::jsonb, NOW(), NOW())
		RETURNING `+postColumns,
		uuid.NewString(), ownerID, pq.Array(res.Succeeded), string(captionsJSON), pq.Array(images), string(outcomesJSON))
	post, err := scanPost(row)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.pushSnapshot(r.Context(), ownerID)

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       res.CombinedError == "",
		"post":     post,
		"outcomes": res.Outcomes,
		"error":    res.CombinedError,
	})
}

// PublishPostForOwner runs the publish primitive against one stored post.
func (h *Handler) PublishPostForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	postID := strings.TrimSpace(pathVar(r, "postId"))
	if ownerID == "" || postID == "" {
		writeError(w, http.StatusBadRequest, "ownerId and postId are required")
		return
	}

	res, err := h.publishPost(r.Context(), ownerID, postID)
	if err != nil {
		if err == errAlreadyPublished {
			writeError(w, http.StatusConflict, "already_published")
			return
		}
		if err == sql.ErrNoRows {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       res.CombinedError == "",
		"outcomes": res.Outcomes,
		"error":    res.CombinedError,
	})
}

// PublishDue is the endpoint the external scheduler worker calls on its
// poll interval. It is internal-only (same gate as the realtime WS).
func (h *Handler) PublishDue(w http.ResponseWriter, r *http.Request) {
	if !internalCallAllowed(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	n, err := h.publishDueOnce(r.Context(), parseLimit(r, 25, 1, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "published": n})
}

func parseLimit(r *http.Request, def, min, max int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def
	}
	n := 0
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
