package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/postbridge-app/backend/internal/models"
)

const postColumns = `id, owner_id, COALESCE(platforms, ARRAY[]::text[]), COALESCE(captions, '{}'::jsonb),
       COALESCE(images, ARRAY[]::text[]), status, scheduled_for, published_at, error,
       COALESCE(last_outcomes, '[]'::jsonb), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (models.ScheduledPost, error) {
	var (
		p            models.ScheduledPost
		captionsJSON []byte
		outcomesJSON []byte
		publishedAt  sql.NullTime
		errText      sql.NullString
	)
	if err := row.Scan(
		&p.ID, &p.OwnerID, pq.Array(&p.Platforms), &captionsJSON,
		pq.Array(&p.Images), &p.Status, &p.ScheduledFor, &publishedAt, &errText,
		&outcomesJSON, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return models.ScheduledPost{}, err
	}
	if len(captionsJSON) > 0 {
		_ = json.Unmarshal(captionsJSON, &p.Captions)
	}
	if len(outcomesJSON) > 0 {
		_ = json.Unmarshal(outcomesJSON, &p.LastOutcomes)
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		p.PublishedAt = &t
	}
	if errText.Valid && errText.String != "" {
		s := errText.String
		p.Error = &s
	}
	return p, nil
}

type createPostRequest struct {
	Platforms    []string          `json:"platforms"`
	Captions     map[string]string `json:"captions"`
	Images       []string          `json:"images"`
	ScheduledFor *time.Time        `json:"scheduledFor"`
}

type updatePostRequest struct {
	ScheduledFor *time.Time         `json:"scheduledFor"`
	Captions     *map[string]string `json:"captions"`
	Platforms    []string           `json:"platforms"`
	Status       *string            `json:"status"`
	Error        *string            `json:"error"`
}

// normalizePlatforms trims, lowercases and dedupes, rejecting anything
// outside the supported set.
func normalizePlatforms(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, p := range in {
		pp := strings.TrimSpace(strings.ToLower(p))
		if pp == "" || seen[pp] {
			continue
		}
		if !models.IsSupportedPlatform(pp) {
			return nil, validationErr("platforms", "unsupported platform: "+pp)
		}
		seen[pp] = true
		out = append(out, pp)
	}
	if len(out) == 0 {
		return nil, validationErr("platforms", "at least one platform is required")
	}
	return out, nil
}

// scheduleSkew tolerates clock drift between client and server when
// validating "scheduledFor must not be in the past".
const scheduleSkew = time.Minute

func validateScheduledFor(t *time.Time) error {
	if t == nil {
		return validationErr("scheduledFor", "scheduledFor is required")
	}
	if t.Before(time.Now().Add(-scheduleSkew)) {
		return validationErr("scheduledFor", "scheduledFor must not be in the past")
	}
	return nil
}

// ingestImages uploads any data: URL to the asset store and returns the
// durable URLs, dropping blank entries. Uploads are not transactional: a
// failure partway through leaves the already-uploaded images orphaned on
// disk.
func (h *Handler) ingestImages(ownerID string, raw []string) ([]string, error) {
	images := make([]string, 0, len(raw))
	for _, img := range raw {
		img = strings.TrimSpace(img)
		if img == "" {
			continue
		}
		if strings.HasPrefix(img, "data:") {
			durable, err := h.assets.putDataURL(ownerID, "post_"+randHex(12), img)
			if err != nil {
				return nil, err
			}
			img = durable
		}
		images = append(images, img)
	}
	return images, nil
}

// createPost persists a new scheduled post. Any data: URL in images is
// uploaded to the asset store first and replaced with its durable URL.
func (h *Handler) createPost(ctx context.Context, ownerID string, req createPostRequest) (models.ScheduledPost, error) {
	platformsList, err := normalizePlatforms(req.Platforms)
	if err != nil {
		return models.ScheduledPost{}, err
	}
	if err := validateScheduledFor(req.ScheduledFor); err != nil {
		return models.ScheduledPost{}, err
	}
	if len(req.Images) == 0 {
		return models.ScheduledPost{}, validationErr("images", "at least one image is required")
	}

	images, err := h.ingestImages(ownerID, req.Images)
	if err != nil {
		return models.ScheduledPost{}, err
	}
	if len(images) == 0 {
		return models.ScheduledPost{}, validationErr("images", "at least one image is required")
	}

	captionsJSON, _ := json.Marshal(req.Captions)
	id := uuid.NewString()

	row := h.db.QueryRowContext(ctx, `
		INSERT INTO public.scheduled_posts
		  (id, owner_id, platforms, captions, images, status, scheduled_for, created_at, updated_at)
		VALUES
		  ($1, $2, $3, $4::jsonb, $5, 'scheduled', $6, NOW(), NOW())
		RETURNING `+postColumns,
		id, ownerID, pq.Array(platformsList), string(captionsJSON), pq.Array(images), req.ScheduledFor.UTC())
	out, err := scanPost(row)
	if err != nil {
		return models.ScheduledPost{}, err
	}
	log.Printf("[Posts] created postId=%s owner=%s platforms=%v scheduledFor=%s",
		out.ID, ownerID, out.Platforms, out.ScheduledFor.UTC().Format(time.RFC3339))
	return out, nil
}

func (h *Handler) getPost(ctx context.Context, ownerID, postID string) (models.ScheduledPost, error) {
	row := h.db.QueryRowContext(ctx, `
		SELECT `+postColumns+`
		  FROM public.scheduled_posts
		 WHERE id = $1 AND owner_id = $2
	`, postID, ownerID)
	return scanPost(row)
}

func (h *Handler) listPosts(ctx context.Context, ownerID string) ([]models.ScheduledPost, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT `+postColumns+`
		  FROM public.scheduled_posts
		 WHERE owner_id = $1
		 ORDER BY scheduled_for ASC
		 LIMIT 500
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

func (h *Handler) listPostsInRange(ctx context.Context, ownerID string, start, end time.Time) ([]models.ScheduledPost, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT `+postColumns+`
		  FROM public.scheduled_posts
		 WHERE owner_id = $1
		   AND scheduled_for >= $2
		   AND scheduled_for < $3
		 ORDER BY scheduled_for ASC
	`, ownerID, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

func collectPosts(rows *sql.Rows) ([]models.ScheduledPost, error) {
	posts := []models.ScheduledPost{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return posts, nil
}

// updatePost writes the restricted field set {scheduledFor, captions,
// platforms, status, error}. There is no optimistic-concurrency token:
// concurrent writers overwrite last-write-wins.
func (h *Handler) updatePost(ctx context.Context, ownerID, postID string, req updatePostRequest) (models.ScheduledPost, error) {
	if req.Status != nil {
		switch strings.TrimSpace(*req.Status) {
		case models.StatusScheduled, models.StatusPublished, models.StatusFailed:
		default:
			return models.ScheduledPost{}, validationErr("status", "invalid status")
		}
	}

	var platformsArg any
	if req.Platforms != nil {
		list, err := normalizePlatforms(req.Platforms)
		if err != nil {
			return models.ScheduledPost{}, err
		}
		platformsArg = pq.Array(list)
	}

	var captionsArg any
	if req.Captions != nil {
		b, _ := json.Marshal(*req.Captions)
		captionsArg = string(b)
	}

	row := h.db.QueryRowContext(ctx, `
		UPDATE public.scheduled_posts
		   SET scheduled_for = COALESCE($3, scheduled_for),
		       captions = COALESCE($4::jsonb, captions),
		       platforms = COALESCE($5::text[], platforms),
		       status = COALESCE($6, status),
		       error = CASE WHEN $7 THEN $8 ELSE error END,
		       updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2
		RETURNING `+postColumns,
		postID, ownerID, req.ScheduledFor, captionsArg, platformsArg, req.Status, req.Error != nil, req.Error)
	out, err := scanPost(row)
	if err != nil {
		return models.ScheduledPost{}, err
	}
	return out, nil
}

func (h *Handler) deletePost(ctx context.Context, ownerID, postID string) error {
	res, err := h.db.ExecContext(ctx,
		`DELETE FROM public.scheduled_posts WHERE id = $1 AND owner_id = $2`, postID, ownerID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// reschedulePost is a deliberate reset, not a conditional transition: it
// forces status back to scheduled and clears error/outcomes/publishedAt
// regardless of the prior status.
func (h *Handler) reschedulePost(ctx context.Context, ownerID, postID string, newDate time.Time) (models.ScheduledPost, error) {
	if err := validateScheduledFor(&newDate); err != nil {
		return models.ScheduledPost{}, err
	}
	row := h.db.QueryRowContext(ctx, `
		UPDATE public.scheduled_posts
		   SET status = 'scheduled',
		       scheduled_for = $3,
		       error = NULL,
		       last_outcomes = NULL,
		       published_at = NULL,
		       claim_token = NULL,
		       updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2
		RETURNING `+postColumns,
		postID, ownerID, newDate.UTC())
	out, err := scanPost(row)
	if err != nil {
		return models.ScheduledPost{}, err
	}
	log.Printf("[Posts] rescheduled postId=%s owner=%s scheduledFor=%s",
		postID, ownerID, newDate.UTC().Format(time.RFC3339))
	return out, nil
}

// retryNowDelay keeps the "post now" preset just far enough in the future
// for the external scheduler's next poll to claim it; this component has no
// direct publish trigger.
const retryNowDelay = 45 * time.Second

// retryPost re-queues a failed post. mode "now" uses the short preset delay;
// mode "later" takes an arbitrary caller-chosen future time.
func (h *Handler) retryPost(ctx context.Context, ownerID, postID, mode string, at *time.Time) (models.ScheduledPost, error) {
	var when time.Time
	switch mode {
	case "now", "":
		when = time.Now().Add(retryNowDelay)
	case "later":
		if at == nil {
			return models.ScheduledPost{}, validationErr("scheduledFor", "scheduledFor is required for mode=later")
		}
		when = *at
	default:
		return models.ScheduledPost{}, validationErr("mode", "mode must be 'now' or 'later'")
	}
	return h.reschedulePost(ctx, ownerID, postID, when)
}

// groupByLocalDate buckets posts by their scheduled calendar day **in the
// given location**, not UTC: a post at 11:59pm and one at 12:01am local time
// land in different buckets even when they share a UTC day.
func groupByLocalDate(posts []models.ScheduledPost, loc *time.Location) map[string][]models.ScheduledPost {
	if loc == nil {
		loc = time.UTC
	}
	out := map[string][]models.ScheduledPost{}
	for _, p := range posts {
		key := p.ScheduledFor.In(loc).Format("2006-01-02")
		out[key] = append(out[key], p)
	}
	for _, bucket := range out {
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].ScheduledFor.Before(bucket[j].ScheduledFor) })
	}
	return out
}

// ---- HTTP wrappers ----

func (h *Handler) CreatePostForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "ownerId is required")
		return
	}
	var req createPostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	out, err := h.createPost(r.Context(), ownerID, req)
	if err != nil {
		writePostError(w, err)
		return
	}
	h.pushSnapshot(r.Context(), ownerID)
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetPostForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	postID := strings.TrimSpace(pathVar(r, "postId"))
	if ownerID == "" || postID == "" {
		writeError(w, http.StatusBadRequest, "ownerId and postId are required")
		return
	}
	out, err := h.getPost(r.Context(), ownerID, postID)
	if err != nil {
		writePostError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListPostsForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "ownerId is required")
		return
	}

	startRaw := strings.TrimSpace(r.URL.Query().Get("start"))
	endRaw := strings.TrimSpace(r.URL.Query().Get("end"))
	if startRaw != "" || endRaw != "" {
		start, err := time.Parse(time.RFC3339, startRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start")
			return
		}
		end, err := time.Parse(time.RFC3339, endRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end")
			return
		}
		posts, err := h.listPostsInRange(r.Context(), ownerID, start, end)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, posts)
		return
	}

	posts, err := h.listPosts(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (h *Handler) UpdatePostForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	postID := strings.TrimSpace(pathVar(r, "postId"))
	if ownerID == "" || postID == "" {
		writeError(w, http.StatusBadRequest, "ownerId and postId are required")
		return
	}
	var req updatePostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	out, err := h.updatePost(r.Context(), ownerID, postID, req)
	if err != nil {
		writePostError(w, err)
		return
	}
	h.pushSnapshot(r.Context(), ownerID)
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) DeletePostForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	postID := strings.TrimSpace(pathVar(r, "postId"))
	if ownerID == "" || postID == "" {
		writeError(w, http.StatusBadRequest, "ownerId and postId are required")
		return
	}
	if err := h.deletePost(r.Context(), ownerID, postID); err != nil {
		writePostError(w, err)
		return
	}
	h.pushSnapshot(r.Context(), ownerID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) ReschedulePostForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	postID := strings.TrimSpace(pathVar(r, "postId"))
	if ownerID == "" || postID == "" {
		writeError(w, http.StatusBadRequest, "ownerId and postId are required")
		return
	}
	var req struct {
		ScheduledFor *time.Time `json:"scheduledFor"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.ScheduledFor == nil {
		writeError(w, http.StatusBadRequest, "scheduledFor is required")
		return
	}
	out, err := h.reschedulePost(r.Context(), ownerID, postID, *req.ScheduledFor)
	if err != nil {
		writePostError(w, err)
		return
	}
	h.pushSnapshot(r.Context(), ownerID)
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) RetryPostForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	postID := strings.TrimSpace(pathVar(r, "postId"))
	if ownerID == "" || postID == "" {
		writeError(w, http.StatusBadRequest, "ownerId and postId are required")
		return
	}
	var req struct {
		Mode         string     `json:"mode"`
		ScheduledFor *time.Time `json:"scheduledFor"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	out, err := h.retryPost(r.Context(), ownerID, postID, strings.TrimSpace(req.Mode), req.ScheduledFor)
	if err != nil {
		writePostError(w, err)
		return
	}
	h.pushSnapshot(r.Context(), ownerID)
	writeJSON(w, http.StatusOK, out)
}

// CalendarForOwner returns posts grouped by local calendar day; tz is an
// IANA zone name, defaulting to UTC.
func (h *Handler) CalendarForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "ownerId is required")
		return
	}
	loc := time.UTC
	if tz := strings.TrimSpace(r.URL.Query().Get("tz")); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid tz")
			return
		}
		loc = l
	}
	posts, err := h.listPosts(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, groupByLocalDate(posts, loc))
}

func writePostError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	}
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
