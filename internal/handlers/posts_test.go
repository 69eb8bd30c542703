package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"

	"github.com/postbridge-app/backend/internal/models"
)

var postTestColumns = []string{
	"id", "owner_id", "platforms", "captions", "images", "status",
	"scheduled_for", "published_at", "error", "last_outcomes", "created_at", "updated_at",
}

func postRow(id, owner, platforms, status string, scheduledFor time.Time) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(postTestColumns).
		AddRow(id, owner, platforms, []byte(`{}`), "{https://cdn.test/a.png}", status,
			scheduledFor, nil, nil, []byte(`[]`), now, now)
}

func newMockHandler(t *testing.T) (*Handler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestCreatePost_Success(t *testing.T) {
	h, mock := newMockHandler(t)
	future := time.Now().Add(2 * time.Hour).UTC()

	mock.ExpectQuery(`INSERT INTO public\.scheduled_posts`).
		WillReturnRows(postRow("p1", "u1", "{facebook,instagram}", "scheduled", future))

	body := fmt.Sprintf(`{"platforms":["Facebook","instagram","facebook"],"captions":{"facebook":"hi"},"images":["https://cdn.test/a.png"],"scheduledFor":%q}`,
		future.Format(time.RFC3339))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/posts/owner/u1", bytes.NewBufferString(body))
	req = mux.SetURLVars(req, map[string]string{"ownerId": "u1"})

	h.CreatePostForOwner(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%q", rr.Code, rr.Body.String())
	}
	var out models.ScheduledPost
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode json: %v body=%q", err, rr.Body.String())
	}
	if out.Status != models.StatusScheduled {
		t.Fatalf("expected status=scheduled got %q", out.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestCreatePost_PastScheduledForRejected(t *testing.T) {
	h, _ := newMockHandler(t)
	past := time.Now().Add(-2 * time.Hour).UTC()

	body := fmt.Sprintf(`{"platforms":["facebook"],"images":["https://cdn.test/a.png"],"scheduledFor":%q}`,
		past.Format(time.RFC3339))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/posts/owner/u1", bytes.NewBufferString(body))
	req = mux.SetURLVars(req, map[string]string{"ownerId": "u1"})

	h.CreatePostForOwner(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d body=%q", rr.Code, rr.Body.String())
	}
}

func TestCreatePost_EmptyPlatformsRejected(t *testing.T) {
	h, _ := newMockHandler(t)
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	for _, body := range []string{
		fmt.Sprintf(`{"platforms":[],"images":["https://cdn.test/a.png"],"scheduledFor":%q}`, future),
		fmt.Sprintf(`{"platforms":["myspace"],"images":["https://cdn.test/a.png"],"scheduledFor":%q}`, future),
		fmt.Sprintf(`{"platforms":["facebook"],"images":[],"scheduledFor":%q}`, future),
	} {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/posts/owner/u1", bytes.NewBufferString(body))
		req = mux.SetURLVars(req, map[string]string{"ownerId": "u1"})

		h.CreatePostForOwner(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 got %d body=%q input=%q", rr.Code, rr.Body.String(), body)
		}
	}
}

func TestNormalizePlatforms_DedupesAndLowercases(t *testing.T) {
	out, err := normalizePlatforms([]string{" Facebook ", "facebook", "PINTEREST"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 || out[0] != "facebook" || out[1] != "pinterest" {
		t.Fatalf("unexpected normalization: %#v", out)
	}
}

func TestGetPost_NotFound(t *testing.T) {
	h, mock := newMockHandler(t)

	mock.ExpectQuery(`SELECT .+ FROM public\.scheduled_posts`).
		WithArgs("missing", "u1").
		WillReturnRows(sqlmock.NewRows(postTestColumns))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/posts/owner/u1/missing", nil)
	req = mux.SetURLVars(req, map[string]string{"ownerId": "u1", "postId": "missing"})

	h.GetPostForOwner(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d body=%q", rr.Code, rr.Body.String())
	}
}

func TestDeletePost_MissingReturns404(t *testing.T) {
	h, mock := newMockHandler(t)

	mock.ExpectExec(`DELETE FROM public\.scheduled_posts`).
		WithArgs("gone", "u1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/posts/owner/u1/gone", nil)
	req = mux.SetURLVars(req, map[string]string{"ownerId": "u1", "postId": "gone"})

	h.DeletePostForOwner(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d body=%q", rr.Code, rr.Body.String())
	}
}

func TestReschedule_ResetsStatusAndError(t *testing.T) {
	h, mock := newMockHandler(t)
	future := time.Now().Add(3 * time.Hour).UTC()

	mock.ExpectQuery(`UPDATE public\.scheduled_posts`).
		WillReturnRows(postRow("p1", "u1", "{facebook}", "scheduled", future))

	body := fmt.Sprintf(`{"scheduledFor":%q}`, future.Format(time.RFC3339))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/posts/owner/u1/p1/reschedule", bytes.NewBufferString(body))
	req = mux.SetURLVars(req, map[string]string{"ownerId": "u1", "postId": "p1"})

	h.ReschedulePostForOwner(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%q", rr.Code, rr.Body.String())
	}
	var out models.ScheduledPost
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if out.Status != models.StatusScheduled {
		t.Fatalf("expected status=scheduled got %q", out.Status)
	}
	if out.Error != nil {
		t.Fatalf("expected error cleared, got %q", *out.Error)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestReschedule_PastDateRejected(t *testing.T) {
	h, _ := newMockHandler(t)
	past := time.Now().Add(-time.Hour).UTC()

	body := fmt.Sprintf(`{"scheduledFor":%q}`, past.Format(time.RFC3339))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/posts/owner/u1/p1/reschedule", bytes.NewBufferString(body))
	req = mux.SetURLVars(req, map[string]string{"ownerId": "u1", "postId": "p1"})

	h.ReschedulePostForOwner(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d body=%q", rr.Code, rr.Body.String())
	}
}

func TestRetryPost_LaterRequiresDate(t *testing.T) {
	h, _ := newMockHandler(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/posts/owner/u1/p1/retry", bytes.NewBufferString(`{"mode":"later"}`))
	req = mux.SetURLVars(req, map[string]string{"ownerId": "u1", "postId": "p1"})

	h.RetryPostForOwner(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d body=%q", rr.Code, rr.Body.String())
	}
}

func TestRetryPost_NowUsesPresetDelay(t *testing.T) {
	h, mock := newMockHandler(t)

	mock.ExpectQuery(`UPDATE public\.scheduled_posts`).
		WillReturnRows(postRow("p1", "u1", "{facebook}", "scheduled", time.Now().Add(retryNowDelay).UTC()))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/posts/owner/u1/p1/retry", bytes.NewBufferString(`{"mode":"now"}`))
	req = mux.SetURLVars(req, map[string]string{"ownerId": "u1", "postId": "p1"})

	h.RetryPostForOwner(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%q", rr.Code, rr.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestGroupByLocalDate_UsesLocalMidnight(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	// 03:30 UTC is 23:30 the previous day in New York; 05:30 UTC is 01:30
	// the same New York day as the calendar flips.
	lateEvening := time.Date(2026, 3, 10, 3, 30, 0, 0, time.UTC)
	earlyMorning := time.Date(2026, 3, 10, 5, 30, 0, 0, time.UTC)

	posts := []models.ScheduledPost{
		{ID: "a", ScheduledFor: lateEvening},
		{ID: "b", ScheduledFor: earlyMorning},
	}
	buckets := groupByLocalDate(posts, loc)

	if len(buckets) != 2 {
		t.Fatalf("expected 2 local-day buckets got %d: %#v", len(buckets), buckets)
	}
	if got := buckets["2026-03-09"]; len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected post a on 2026-03-09, got %#v", got)
	}
	if got := buckets["2026-03-10"]; len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("expected post b on 2026-03-10, got %#v", got)
	}

	// Same instants in UTC share one bucket.
	utcBuckets := groupByLocalDate(posts, time.UTC)
	if len(utcBuckets) != 1 || len(utcBuckets["2026-03-10"]) != 2 {
		t.Fatalf("expected single UTC bucket, got %#v", utcBuckets)
	}
}

func TestGroupByLocalDate_BucketsSortedByTime(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	posts := []models.ScheduledPost{
		{ID: "late", ScheduledFor: base.Add(4 * time.Hour)},
		{ID: "early", ScheduledFor: base},
	}
	buckets := groupByLocalDate(posts, time.UTC)
	day := buckets["2026-05-01"]
	if len(day) != 2 || day[0].ID != "early" || day[1].ID != "late" {
		t.Fatalf("expected chronological order within bucket, got %#v", day)
	}
}

func TestListPosts_OrderedQuery(t *testing.T) {
	h, mock := newMockHandler(t)
	future := time.Now().Add(time.Hour).UTC()

	mock.ExpectQuery(`SELECT .+ FROM public\.scheduled_posts`).
		WithArgs("u1").
		WillReturnRows(postRow("p1", "u1", "{facebook}", "scheduled", future))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/posts/owner/u1", nil)
	req = mux.SetURLVars(req, map[string]string{"ownerId": "u1"})

	h.ListPostsForOwner(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%q", rr.Code, rr.Body.String())
	}
	var out []models.ScheduledPost
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode json: %v body=%q", err, rr.Body.String())
	}
	if len(out) != 1 || out[0].ID != "p1" {
		t.Fatalf("unexpected list: %#v", out)
	}
}
