package models

import "time"

// Platforms this backend can publish to. Everything else is rejected at the
// API boundary.
var SupportedPlatforms = []string{"facebook", "instagram", "pinterest"}

func IsSupportedPlatform(p string) bool {
	for _, s := range SupportedPlatforms {
		if s == p {
			return true
		}
	}
	return false
}

// Post statuses. Published is terminal by convention.
const (
	StatusScheduled = "scheduled"
	StatusPublished = "published"
	StatusFailed    = "failed"
)

// ScheduledPost is one piece of content queued for (or already past)
// publication. Once published it is treated as immutable history.
type ScheduledPost struct {
	ID           string            `json:"id"`
	OwnerID      string            `json:"ownerId"`
	Platforms    []string          `json:"platforms"`
	Captions     map[string]string `json:"captions,omitempty"`
	Images       []string          `json:"images"`
	Status       string            `json:"status"`
	ScheduledFor time.Time         `json:"scheduledFor"`
	PublishedAt  *time.Time        `json:"publishedAt,omitempty"`
	Error        *string           `json:"error,omitempty"`
	LastOutcomes []PublishOutcome  `json:"lastOutcomes,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// PublishOutcome is the structured per-platform result of one fan-out
// attempt. Code is machine-readable ("not_connected", "network_error",
// "api_error"); Reason is the human text used in combined error messages.
type PublishOutcome struct {
	Platform string `json:"platform"`
	OK       bool   `json:"ok"`
	PostID   string `json:"postId,omitempty"`
	Code     string `json:"code,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Subscription is the per-owner tier record. ImageQuota is derived from the
// tier; a tier change resets the billing cycle to the current calendar month.
type Subscription struct {
	OwnerID                string    `json:"ownerId"`
	Tier                   string    `json:"tier"`
	ImageQuota             int       `json:"imageQuota"`
	BillingCycleStart      time.Time `json:"billingCycleStart"`
	BillingCycleEnd        time.Time `json:"billingCycleEnd"`
	Status                 string    `json:"status"`
	ExternalSubscriptionID *string   `json:"externalSubscriptionId,omitempty"`
	StripeCustomerID       *string   `json:"stripeCustomerId,omitempty"`
	CreatedAt              time.Time `json:"createdAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// UsageRecord is one owner's generation counter for one calendar month
// (month key "YYYY-MM"). Rows are created lazily on first increment.
type UsageRecord struct {
	OwnerID         string    `json:"ownerId"`
	Month           string    `json:"month"`
	ImagesGenerated int       `json:"imagesGenerated"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

// ConnectedAccount reflects live connectivity for one owner+platform pair.
type ConnectedAccount struct {
	OwnerID   string    `json:"ownerId"`
	Platform  string    `json:"platform"`
	Connected bool      `json:"connected"`
	Username  *string   `json:"username,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}
