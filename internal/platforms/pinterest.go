package platforms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

const defaultPinterestBase = "https://api.pinterest.com/v5"

// Pinterest creates pins on the owner's saved board. A multi-image post maps
// to the multiple_image_urls media source (carousel pin).
type Pinterest struct {
	Creds   CredentialSource
	Client  *http.Client
	Limiter *rate.Limiter
	BaseURL string
}

func NewPinterest(creds CredentialSource) *Pinterest {
	return &Pinterest{
		Creds:   creds,
		Client:  defaultClient(),
		Limiter: newLimiter(),
		BaseURL: defaultPinterestBase,
	}
}

func (p *Pinterest) Name() string { return "pinterest" }

func (p *Pinterest) PublishSingle(ctx context.Context, ownerID, caption, imageURL string) (Result, error) {
	return p.createPin(ctx, ownerID, caption, map[string]any{
		"source_type": "image_url",
		"url":         imageURL,
	})
}

func (p *Pinterest) PublishCarousel(ctx context.Context, ownerID, caption string, imageURLs []string) (Result, error) {
	items := make([]map[string]string, 0, len(imageURLs))
	for _, u := range imageURLs {
		items = append(items, map[string]string{"url": u})
	}
	return p.createPin(ctx, ownerID, caption, map[string]any{
		"source_type": "multiple_image_urls",
		"items":       items,
	})
}

func (p *Pinterest) createPin(ctx context.Context, ownerID, caption string, mediaSource map[string]any) (Result, error) {
	creds, err := p.Creds(ctx, ownerID, p.Name())
	if err != nil {
		return Result{}, notConnectedErr(p.Name())
	}

	payload, _ := json.Marshal(map[string]any{
		"board_id":     creds.AccountID,
		"description":  caption,
		"media_source": mediaSource,
	})

	if err := p.Limiter.Wait(ctx); err != nil {
		return Result{}, networkErr(p.Name(), err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/pins", bytes.NewReader(payload))
	if err != nil {
		return Result{}, networkErr(p.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := p.Client.Do(req)
	if err != nil {
		return Result{}, networkErr(p.Name(), err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, apiErr(p.Name(), extractPinterestError(body, fmt.Sprintf("HTTP %d", resp.StatusCode)))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
		return Result{}, apiErr(p.Name(), "pin create returned no id")
	}
	return Result{PostID: out.ID}, nil
}

func extractPinterestError(body []byte, fallback string) string {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && strings.TrimSpace(e.Message) != "" {
		return e.Message
	}
	return fallback
}
