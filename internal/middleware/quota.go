package middleware

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// QuotaEnforcer gates image-generation endpoints on the owner's monthly
// allowance. It reads the same subscriptions/usage_records tables the quota
// handlers write; routes outside its prefix list pass through untouched.
type QuotaEnforcer struct {
	DB     *sql.DB
	Quotas map[string]int
}

func NewQuotaEnforcer(db *sql.DB) *QuotaEnforcer {
	return &QuotaEnforcer{
		DB: db,
		Quotas: map[string]int{
			"free":    10,
			"creator": 100,
			"studio":  500,
		},
	}
}

// guarded prefixes: only generation-consuming endpoints are gated.
var guardedPrefixes = []string{
	"/api/usage/owner/",
}

func (qe *QuotaEnforcer) shouldGuard(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	for _, p := range guardedPrefixes {
		if strings.HasPrefix(r.URL.Path, p) {
			return true
		}
	}
	return false
}

// ownerFromPath pulls the segment after "owner/".
func ownerFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if p == "owner" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func (qe *QuotaEnforcer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !qe.shouldGuard(r) {
			next.ServeHTTP(w, r)
			return
		}
		ownerID := ownerFromPath(r.URL.Path)
		if ownerID == "" {
			next.ServeHTTP(w, r)
			return
		}

		tier, quota := qe.ownerQuota(ownerID)
		used := qe.usedThisMonth(ownerID)
		if used >= quota {
			qe.respondQuotaExceeded(w, tier, used, quota)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (qe *QuotaEnforcer) ownerQuota(ownerID string) (string, int) {
	var tier string
	var quota int
	err := qe.DB.QueryRow(`
		SELECT tier, image_quota FROM public.subscriptions WHERE owner_id = $1
	`, ownerID).Scan(&tier, &quota)
	if err != nil {
		return "free", qe.Quotas["free"]
	}
	if quota <= 0 {
		if q, ok := qe.Quotas[tier]; ok {
			quota = q
		} else {
			quota = qe.Quotas["free"]
		}
	}
	return tier, quota
}

func (qe *QuotaEnforcer) usedThisMonth(ownerID string) int {
	used := 0
	month := time.Now().UTC().Format("2006-01")
	_ = qe.DB.QueryRow(`
		SELECT images_generated FROM public.usage_records
		 WHERE owner_id = $1 AND month = $2
	`, ownerID, month).Scan(&used)
	return used
}

func (qe *QuotaEnforcer) respondQuotaExceeded(w http.ResponseWriter, tier string, used, quota int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   "image quota exceeded",
		"tier":    tier,
		"used":    used,
		"quota":   quota,
		"upgrade": "/api/subscription",
	})
}
