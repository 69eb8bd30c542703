package handlers

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"strings"
	"time"
)

// Tier quotas are monthly image-generation allowances. Unknown tiers fall
// back to the free allowance rather than blocking the user outright.
var tierQuotas = map[string]int{
	"free":    10,
	"creator": 100,
	"studio":  500,
}

const defaultTier = "free"

func quotaForTier(tier string) int {
	if q, ok := tierQuotas[strings.ToLower(strings.TrimSpace(tier))]; ok {
		return q
	}
	return tierQuotas[defaultTier]
}

// usageMonth keys usage rows by calendar month in UTC. A new month means a
// fresh row, which is how usage resets without any scheduled job.
func usageMonth(t time.Time) string {
	return t.UTC().Format("2006-01")
}

type quotaStatus struct {
	Allowed   bool   `json:"allowed"`
	Used      int    `json:"used"`
	Quota     int    `json:"quota"`
	Remaining int    `json:"remaining"`
	Tier      string `json:"tier"`
}

// canGenerate reports the owner's standing against the current month's
// allowance. Owners with no subscription row are treated as free tier, and
// months with no usage row as zero used.
func (h *Handler) canGenerate(ctx context.Context, ownerID string) (quotaStatus, error) {
	tier, quota, err := h.ownerTier(ctx, ownerID)
	if err != nil {
		return quotaStatus{}, err
	}

	used := 0
	err = h.db.QueryRowContext(ctx, `
		SELECT images_generated FROM public.usage_records
		 WHERE owner_id = $1 AND month = $2
	`, ownerID, usageMonth(time.Now())).Scan(&used)
	if err != nil && err != sql.ErrNoRows {
		return quotaStatus{}, err
	}

	remaining := quota - used
	if remaining < 0 {
		remaining = 0
	}
	return quotaStatus{
		Allowed:   used < quota,
		Used:      used,
		Quota:     quota,
		Remaining: remaining,
		Tier:      tier,
	}, nil
}

func (h *Handler) ownerTier(ctx context.Context, ownerID string) (string, int, error) {
	var tier string
	var quota int
	err := h.db.QueryRowContext(ctx, `
		SELECT tier, image_quota FROM public.subscriptions WHERE owner_id = $1
	`, ownerID).Scan(&tier, &quota)
	if err == sql.ErrNoRows {
		return defaultTier, quotaForTier(defaultTier), nil
	}
	if err != nil {
		return "", 0, err
	}
	if quota <= 0 {
		quota = quotaForTier(tier)
	}
	return tier, quota, nil
}

// enforceQuota returns a *QuotaExceededError when the owner is at or over
// the allowance, nil when generation may proceed.
func (h *Handler) enforceQuota(ctx context.Context, ownerID string) error {
	st, err := h.canGenerate(ctx, ownerID)
	if err != nil {
		return err
	}
	if !st.Allowed {
		return &QuotaExceededError{Used: st.Used, Quota: st.Quota, Tier: st.Tier}
	}
	return nil
}

// incrementUsage adds one generated image to this month's row, creating the
// row lazily on first use. The upsert arithmetic runs inside the database so
// concurrent increments never lose updates.
//
// Note: enforceQuota followed by incrementUsage is check-then-act; two
// requests racing past the check can land the counter one over quota. The
// overage is bounded by in-flight requests and the strict path below exists
// for callers that need the hard ceiling.
func (h *Handler) incrementUsage(ctx context.Context, ownerID string) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO public.usage_records (owner_id, month, images_generated, last_updated)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (owner_id, month)
		DO UPDATE SET images_generated = usage_records.images_generated + 1,
		              last_updated = NOW()
	`, ownerID, usageMonth(time.Now()))
	return err
}

// reserveGeneration is the strict variant: check and increment in a single
// statement, so the counter can never exceed the quota. Returns false when
// the allowance is already spent.
func (h *Handler) reserveGeneration(ctx context.Context, ownerID string, quota int) (bool, error) {
	month := usageMonth(time.Now())

	res, err := h.db.ExecContext(ctx, `
		INSERT INTO public.usage_records (owner_id, month, images_generated, last_updated)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (owner_id, month)
		DO UPDATE SET images_generated = usage_records.images_generated + 1,
		              last_updated = NOW()
		 WHERE usage_records.images_generated < $3
	`, ownerID, month, quota)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// updateTier swaps the owner's plan, resets the image quota to the new
// tier's allowance and restarts the billing cycle on calendar-month
// boundaries. Idempotent: repeating the same event leaves the same row.
func (h *Handler) updateTier(ctx context.Context, ownerID, tier, externalSubscriptionID, stripeCustomerID string) error {
	tier = strings.ToLower(strings.TrimSpace(tier))
	if _, ok := tierQuotas[tier]; !ok {
		return validationErr("tier", "unknown tier: "+tier)
	}
	quota := quotaForTier(tier)

	now := time.Now().UTC()
	cycleStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	cycleEnd := cycleStart.AddDate(0, 1, 0)

	_, err := h.db.ExecContext(ctx, `
		INSERT INTO public.subscriptions
		  (owner_id, tier, image_quota, billing_cycle_start, billing_cycle_end, status,
		   external_subscription_id, stripe_customer_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'active', $6, $7, NOW(), NOW())
		ON CONFLICT (owner_id)
		DO UPDATE SET tier = EXCLUDED.tier,
		              image_quota = EXCLUDED.image_quota,
		              billing_cycle_start = EXCLUDED.billing_cycle_start,
		              billing_cycle_end = EXCLUDED.billing_cycle_end,
		              status = 'active',
		              external_subscription_id = EXCLUDED.external_subscription_id,
		              stripe_customer_id = EXCLUDED.stripe_customer_id,
		              updated_at = NOW()
	`, ownerID, tier, quota, cycleStart, cycleEnd, nullIfEmpty(externalSubscriptionID), nullIfEmpty(stripeCustomerID))
	if err != nil {
		return err
	}
	log.Printf("[Quota] tier_updated owner=%s tier=%s quota=%d", ownerID, tier, quota)
	return nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

// ---- HTTP wrappers ----

// QuotaForOwner answers "can this owner generate another image right now".
func (h *Handler) QuotaForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "ownerId is required")
		return
	}
	st, err := h.canGenerate(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// RecordUsageForOwner enforces the quota and then counts one generation.
func (h *Handler) RecordUsageForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "ownerId is required")
		return
	}
	if err := h.enforceQuota(r.Context(), ownerID); err != nil {
		writeQuotaError(w, err)
		return
	}
	if err := h.incrementUsage(r.Context(), ownerID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	st, err := h.canGenerate(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ReserveGenerationForOwner is the strict check-and-increment path.
func (h *Handler) ReserveGenerationForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "ownerId is required")
		return
	}
	tier, quota, err := h.ownerTier(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ok, err := h.reserveGeneration(r.Context(), ownerID, quota)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeQuotaError(w, &QuotaExceededError{Used: quota, Quota: quota, Tier: tier})
		return
	}
	st, err := h.canGenerate(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type updateTierRequest struct {
	Tier                   string `json:"tier"`
	ExternalSubscriptionID string `json:"externalSubscriptionId"`
	StripeCustomerID       string `json:"stripeCustomerId"`
}

// UpdateTierForOwner applies a plan change directly (admin/testing path;
// the billing webhook is the production entrypoint).
func (h *Handler) UpdateTierForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "ownerId is required")
		return
	}
	var req updateTierRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := h.updateTier(r.Context(), ownerID, req.Tier, req.ExternalSubscriptionID, req.StripeCustomerID); err != nil {
		writePostError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "tier": strings.ToLower(strings.TrimSpace(req.Tier))})
}

// GetSubscriptionForOwner returns the stored subscription, defaulting to a
// synthetic free-tier view when no row exists yet.
func (h *Handler) GetSubscriptionForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "ownerId is required")
		return
	}

	var (
		tier, status                    string
		quota                           int
		cycleStart, cycleEnd            time.Time
		externalSubID, stripeCustomerID sql.NullString
	)
	err := h.db.QueryRowContext(r.Context(), `
		SELECT tier, image_quota, billing_cycle_start, billing_cycle_end, status,
		       COALESCE(external_subscription_id, ''), COALESCE(stripe_customer_id, '')
		  FROM public.subscriptions
		 WHERE owner_id = $1
	`, ownerID).Scan(&tier, &quota, &cycleStart, &cycleEnd, &status, &externalSubID, &stripeCustomerID)
	if err == sql.ErrNoRows {
		writeJSON(w, http.StatusOK, map[string]any{
			"ownerId": ownerID,
			"tier":    defaultTier,
			"quota":   quotaForTier(defaultTier),
			"status":  "none",
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ownerId":                ownerID,
		"tier":                   tier,
		"quota":                  quota,
		"billingCycleStart":      cycleStart,
		"billingCycleEnd":        cycleEnd,
		"status":                 status,
		"externalSubscriptionId": externalSubID.String,
		"stripeCustomerId":       stripeCustomerID.String,
	})
}

func writeQuotaError(w http.ResponseWriter, err error) {
	if qe, ok := err.(*QuotaExceededError); ok {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error": qe.Error(),
			"used":  qe.Used,
			"quota": qe.Quota,
			"tier":  qe.Tier,
		})
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
