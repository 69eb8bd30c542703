package platforms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

const defaultGraphBase = "https://graph.facebook.com/v19.0"

// Facebook publishes photo posts to a page using a page access token.
// Single image goes through POST /{page}/photos; multiple images are
// uploaded unpublished and attached to one /{page}/feed post.
type Facebook struct {
	Creds   CredentialSource
	Client  *http.Client
	Limiter *rate.Limiter
	BaseURL string
}

func NewFacebook(creds CredentialSource) *Facebook {
	return &Facebook{
		Creds:   creds,
		Client:  defaultClient(),
		Limiter: newLimiter(),
		BaseURL: defaultGraphBase,
	}
}

func (f *Facebook) Name() string { return "facebook" }

func (f *Facebook) PublishSingle(ctx context.Context, ownerID, caption, imageURL string) (Result, error) {
	creds, err := f.Creds(ctx, ownerID, f.Name())
	if err != nil {
		return Result{}, notConnectedErr(f.Name())
	}

	form := url.Values{}
	form.Set("url", imageURL)
	form.Set("caption", caption)
	form.Set("access_token", creds.AccessToken)

	body, err := f.post(ctx, fmt.Sprintf("%s/%s/photos", f.BaseURL, creds.AccountID), form)
	if err != nil {
		return Result{}, err
	}

	var out struct {
		ID     string `json:"id"`
		PostID string `json:"post_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{}, apiErr(f.Name(), "unexpected response from Facebook")
	}
	postID := out.PostID
	if postID == "" {
		postID = out.ID
	}
	return Result{PostID: postID}, nil
}

func (f *Facebook) PublishCarousel(ctx context.Context, ownerID, caption string, imageURLs []string) (Result, error) {
	creds, err := f.Creds(ctx, ownerID, f.Name())
	if err != nil {
		return Result{}, notConnectedErr(f.Name())
	}

	// Upload each photo unpublished, then attach all of them to one feed post.
	photoIDs := make([]string, 0, len(imageURLs))
	for _, u := range imageURLs {
		form := url.Values{}
		form.Set("url", u)
		form.Set("published", "false")
		form.Set("access_token", creds.AccessToken)

		body, err := f.post(ctx, fmt.Sprintf("%s/%s/photos", f.BaseURL, creds.AccountID), form)
		if err != nil {
			return Result{}, err
		}
		var up struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &up); err != nil || up.ID == "" {
			return Result{}, apiErr(f.Name(), "photo upload returned no id")
		}
		photoIDs = append(photoIDs, up.ID)
	}

	form := url.Values{}
	form.Set("message", caption)
	form.Set("access_token", creds.AccessToken)
	for i, id := range photoIDs {
		att, _ := json.Marshal(map[string]string{"media_fbid": id})
		form.Set(fmt.Sprintf("attached_media[%d]", i), string(att))
	}

	body, err := f.post(ctx, fmt.Sprintf("%s/%s/feed", f.BaseURL, creds.AccountID), form)
	if err != nil {
		return Result{}, err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
		return Result{}, apiErr(f.Name(), "feed post returned no id")
	}
	return Result{PostID: out.ID}, nil
}

func (f *Facebook) post(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	if err := f.Limiter.Wait(ctx); err != nil {
		return nil, networkErr(f.Name(), err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, networkErr(f.Name(), err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, networkErr(f.Name(), err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiErr(f.Name(), extractGraphError(body, fmt.Sprintf("HTTP %d", resp.StatusCode)))
	}
	return body, nil
}

// extractGraphError pulls error.message out of a Graph API error body.
func extractGraphError(body []byte, fallback string) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && strings.TrimSpace(e.Error.Message) != "" {
		return e.Error.Message
	}
	return fallback
}
