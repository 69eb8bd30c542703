package platforms

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Result is a successful publish: the remote id of the created post/pin.
type Result struct {
	PostID string `json:"postId"`
}

// Error is a per-platform publish failure. Code is machine-readable and is
// what the retry classifier keys on; Reason is the text shown to users and
// folded into combined error messages.
type Error struct {
	Platform string
	Code     string // "not_connected", "api_error", "network_error"
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Platform, e.Reason)
}

const (
	CodeNotConnected = "not_connected"
	CodeAPIError     = "api_error"
	CodeNetworkError = "network_error"
)

// Credentials are the minimum a platform call needs: an access token and the
// platform-side account id (Facebook page id, IG business account id,
// Pinterest board id).
type Credentials struct {
	AccessToken string `json:"accessToken"`
	AccountID   string `json:"accountId"`
	Username    string `json:"username,omitempty"`
}

// CredentialSource resolves live credentials for an owner+platform pair.
// It must return an error when no account is connected.
type CredentialSource func(ctx context.Context, ownerID, platform string) (Credentials, error)

// Adapter publishes one owner's content to one platform. Single-image and
// carousel posts are distinct operations because the platform APIs differ
// structurally between the two.
type Adapter interface {
	Name() string
	PublishSingle(ctx context.Context, ownerID, caption, imageURL string) (Result, error)
	PublishCarousel(ctx context.Context, ownerID, caption string, imageURLs []string) (Result, error)
}

// DisplayName renders a platform tag the way user-facing error text spells
// it ("facebook" -> "Facebook").
func DisplayName(platform string) string {
	platform = strings.TrimSpace(platform)
	if platform == "" {
		return platform
	}
	return strings.ToUpper(platform[:1]) + platform[1:]
}

// NotConnected is the error a CredentialSource returns when the owner has no
// live connection for the platform.
func NotConnected(platform string) *Error {
	return notConnectedErr(platform)
}

func notConnectedErr(platform string) *Error {
	return &Error{
		Platform: DisplayName(platform),
		Code:     CodeNotConnected,
		Reason:   fmt.Sprintf("%s account not connected", DisplayName(platform)),
	}
}

func networkErr(platform string, err error) *Error {
	return &Error{
		Platform: DisplayName(platform),
		Code:     CodeNetworkError,
		Reason:   err.Error(),
	}
}

func apiErr(platform, reason string) *Error {
	return &Error{
		Platform: DisplayName(platform),
		Code:     CodeAPIError,
		Reason:   reason,
	}
}

func defaultClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// newLimiter is the shared per-adapter rate limit. Platform APIs throttle
// aggressively; a small steady rate with burst headroom keeps fan-out bursts
// from tripping them.
func newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(5), 10)
}
