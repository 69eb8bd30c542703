package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"

	"github.com/postbridge-app/backend/internal/models"
	"github.com/postbridge-app/backend/internal/platforms"
)

func TestClaimedDisconnected_SegmentScoped(t *testing.T) {
	cases := []struct {
		errText string
		want    []string
	}{
		{"Instagram account not connected. Facebook post succeeded.", []string{"instagram"}},
		{"Facebook: Facebook account not connected. Pinterest: board not found.", []string{"facebook"}},
		{"instagram token expired; facebook account not connected", []string{"instagram", "facebook"}},
		{"network timeout talking to facebook", nil},
		{"", nil},
		{"Please reconnect your Pinterest account", []string{"pinterest"}},
	}
	for _, tc := range cases {
		got := claimedDisconnected(tc.errText)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("claimedDisconnected(%q) = %#v, want %#v", tc.errText, got, tc.want)
		}
	}
}

func TestClaimedFromOutcomes_PrefersStructuredCodes(t *testing.T) {
	outcomes := []models.PublishOutcome{
		{Platform: "facebook", OK: true, PostID: "fb_1"},
		{Platform: "instagram", Code: platforms.CodeNotConnected, Reason: "Instagram account not connected"},
		{Platform: "pinterest", Code: platforms.CodeAPIError, Reason: "board not found"},
	}
	got := claimedFromOutcomes(outcomes)
	if !reflect.DeepEqual(got, []string{"instagram"}) {
		t.Fatalf("unexpected claim set: %#v", got)
	}
}

func TestCredentialsFromDB_NotConnected(t *testing.T) {
	h, mock := newMockHandler(t)

	// No row at all.
	mock.ExpectQuery(`SELECT connected, COALESCE\(credentials`).
		WithArgs("u1", "facebook").
		WillReturnRows(sqlmock.NewRows([]string{"connected", "credentials"}))

	_, err := h.credentialsFromDB(context.Background(), "u1", "facebook")
	var perr *platforms.Error
	if !errors.As(err, &perr) || perr.Code != platforms.CodeNotConnected {
		t.Fatalf("expected not_connected error, got %v", err)
	}

	// Row exists but connected=false.
	mock.ExpectQuery(`SELECT connected, COALESCE\(credentials`).
		WithArgs("u1", "facebook").
		WillReturnRows(sqlmock.NewRows([]string{"connected", "credentials"}).
			AddRow(false, []byte(`{"accessToken":"tok"}`)))

	_, err = h.credentialsFromDB(context.Background(), "u1", "facebook")
	if !errors.As(err, &perr) || perr.Code != platforms.CodeNotConnected {
		t.Fatalf("expected not_connected error for disconnected row, got %v", err)
	}
}

func TestCredentialsFromDB_Connected(t *testing.T) {
	h, mock := newMockHandler(t)

	mock.ExpectQuery(`SELECT connected, COALESCE\(credentials`).
		WithArgs("u1", "pinterest").
		WillReturnRows(sqlmock.NewRows([]string{"connected", "credentials"}).
			AddRow(true, []byte(`{"accessToken":"tok","accountId":"board_9"}`)))

	creds, err := h.credentialsFromDB(context.Background(), "u1", "pinterest")
	if err != nil {
		t.Fatalf("credentialsFromDB: %v", err)
	}
	if creds.AccessToken != "tok" || creds.AccountID != "board_9" {
		t.Fatalf("unexpected creds: %#v", creds)
	}
}

func connectionsRows(t *testing.T, connected map[string]bool) *sqlmock.Rows {
	t.Helper()
	rows := sqlmock.NewRows([]string{"platform", "connected", "username", "updated_at"})
	for p, c := range connected {
		rows.AddRow(p, c, p+"_user", time.Now().UTC())
	}
	return rows
}

func TestRetryReadiness_ReconnectedAccountClearsBlame(t *testing.T) {
	h, mock := newMockHandler(t)

	errText := "Instagram: Instagram account not connected."
	post := sqlmock.NewRows(postTestColumns).
		AddRow("p1", "u1", "{facebook,instagram}", []byte(`{}`), "{img}", "failed",
			time.Now().UTC(), nil, errText, []byte(`[]`), time.Now().UTC(), time.Now().UTC())

	mock.ExpectQuery(`SELECT .+ FROM public\.scheduled_posts`).
		WithArgs("p1", "u1").
		WillReturnRows(post)
	// Instagram has been reconnected since the failure.
	mock.ExpectQuery(`SELECT platform, connected`).
		WithArgs("u1").
		WillReturnRows(connectionsRows(t, map[string]bool{"instagram": true, "facebook": true}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/posts/owner/u1/p1/retry-readiness", nil)
	req = mux.SetURLVars(req, map[string]string{"ownerId": "u1", "postId": "p1"})

	h.RetryReadinessForOwner(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%q", rr.Code, rr.Body.String())
	}
	var out retryReadiness
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if !reflect.DeepEqual(out.ClaimedDisconnected, []string{"instagram"}) {
		t.Fatalf("unexpected claimed set: %#v", out.ClaimedDisconnected)
	}
	if len(out.ActuallyDisconnected) != 0 || !out.AllNowConnected {
		t.Fatalf("expected all reconnected, got %#v", out)
	}
}

func TestRetryReadiness_StillDisconnected(t *testing.T) {
	h, mock := newMockHandler(t)

	outcomes := `[{"platform":"instagram","ok":false,"code":"not_connected","reason":"Instagram account not connected"}]`
	post := sqlmock.NewRows(postTestColumns).
		AddRow("p1", "u1", "{instagram}", []byte(`{}`), "{img}", "failed",
			time.Now().UTC(), nil, nil, []byte(outcomes), time.Now().UTC(), time.Now().UTC())

	mock.ExpectQuery(`SELECT .+ FROM public\.scheduled_posts`).
		WithArgs("p1", "u1").
		WillReturnRows(post)
	mock.ExpectQuery(`SELECT platform, connected`).
		WithArgs("u1").
		WillReturnRows(connectionsRows(t, map[string]bool{"instagram": false}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/posts/owner/u1/p1/retry-readiness", nil)
	req = mux.SetURLVars(req, map[string]string{"ownerId": "u1", "postId": "p1"})

	h.RetryReadinessForOwner(rr, req)

	var out retryReadiness
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode json: %v body=%q", err, rr.Body.String())
	}
	if !reflect.DeepEqual(out.ActuallyDisconnected, []string{"instagram"}) || out.AllNowConnected {
		t.Fatalf("expected instagram still disconnected, got %#v", out)
	}
}

func TestMarkStaleConnections_Sweep(t *testing.T) {
	t.Setenv("INTERNAL_API_SECRET", "")
	h, mock := newMockHandler(t)

	mock.ExpectExec(`UPDATE public\.connected_accounts`).
		WithArgs(int64(3600)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/internal/connections/mark-stale?maxAgeSeconds=3600", nil)
	req.RemoteAddr = "127.0.0.1:40000"

	h.MarkStaleConnections(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%q", rr.Code, rr.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if marked, _ := out["marked"].(float64); marked != 2 {
		t.Fatalf("expected 2 marked, got %#v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestMarkStaleConnections_ForbiddenForRemoteCallers(t *testing.T) {
	t.Setenv("INTERNAL_API_SECRET", "")
	h, _ := newMockHandler(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/internal/connections/mark-stale", nil)
	req.RemoteAddr = "203.0.113.9:443"

	h.MarkStaleConnections(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}

func TestDisconnectPlatform_ClearsCredentials(t *testing.T) {
	h, mock := newMockHandler(t)

	mock.ExpectExec(`INSERT INTO public\.connected_accounts`).
		WithArgs("u1", "facebook", false, "", `{}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/connections/owner/u1/facebook", nil)
	req = mux.SetURLVars(req, map[string]string{"ownerId": "u1", "platform": "facebook"})

	h.DisconnectPlatformForOwner(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%q", rr.Code, rr.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
