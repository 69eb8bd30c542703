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

// Instagram publishes to a connected IG Business account via the Graph API
// container flow: create one media container (or a carousel container with
// child containers), then call media_publish with the creation id.
type Instagram struct {
	Creds   CredentialSource
	Client  *http.Client
	Limiter *rate.Limiter
	BaseURL string
}

func NewInstagram(creds CredentialSource) *Instagram {
	return &Instagram{
		Creds:   creds,
		Client:  defaultClient(),
		Limiter: newLimiter(),
		BaseURL: defaultGraphBase,
	}
}

func (g *Instagram) Name() string { return "instagram" }

func (g *Instagram) PublishSingle(ctx context.Context, ownerID, caption, imageURL string) (Result, error) {
	creds, err := g.Creds(ctx, ownerID, g.Name())
	if err != nil {
		return Result{}, notConnectedErr(g.Name())
	}

	form := url.Values{}
	form.Set("image_url", imageURL)
	form.Set("caption", caption)
	form.Set("access_token", creds.AccessToken)

	containerID, err := g.createContainer(ctx, creds.AccountID, form)
	if err != nil {
		return Result{}, err
	}
	return g.publishContainer(ctx, creds, containerID)
}

func (g *Instagram) PublishCarousel(ctx context.Context, ownerID, caption string, imageURLs []string) (Result, error) {
	creds, err := g.Creds(ctx, ownerID, g.Name())
	if err != nil {
		return Result{}, notConnectedErr(g.Name())
	}

	// Child containers first, in image order (order is meaningful for the
	// carousel), then the parent CAROUSEL container referencing them.
	children := make([]string, 0, len(imageURLs))
	for _, u := range imageURLs {
		form := url.Values{}
		form.Set("image_url", u)
		form.Set("is_carousel_item", "true")
		form.Set("access_token", creds.AccessToken)
		id, err := g.createContainer(ctx, creds.AccountID, form)
		if err != nil {
			return Result{}, err
		}
		children = append(children, id)
	}

	form := url.Values{}
	form.Set("media_type", "CAROUSEL")
	form.Set("children", strings.Join(children, ","))
	form.Set("caption", caption)
	form.Set("access_token", creds.AccessToken)

	containerID, err := g.createContainer(ctx, creds.AccountID, form)
	if err != nil {
		return Result{}, err
	}
	return g.publishContainer(ctx, creds, containerID)
}

func (g *Instagram) createContainer(ctx context.Context, igUserID string, form url.Values) (string, error) {
	body, err := g.post(ctx, fmt.Sprintf("%s/%s/media", g.BaseURL, igUserID), form)
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
		return "", apiErr(g.Name(), "media container returned no id")
	}
	return out.ID, nil
}

func (g *Instagram) publishContainer(ctx context.Context, creds Credentials, containerID string) (Result, error) {
	form := url.Values{}
	form.Set("creation_id", containerID)
	form.Set("access_token", creds.AccessToken)

	body, err := g.post(ctx, fmt.Sprintf("%s/%s/media_publish", g.BaseURL, creds.AccountID), form)
	if err != nil {
		return Result{}, err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
		return Result{}, apiErr(g.Name(), "media_publish returned no id")
	}
	return Result{PostID: out.ID}, nil
}

func (g *Instagram) post(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	if err := g.Limiter.Wait(ctx); err != nil {
		return nil, networkErr(g.Name(), err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, networkErr(g.Name(), err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, networkErr(g.Name(), err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiErr(g.Name(), extractGraphError(body, fmt.Sprintf("HTTP %d", resp.StatusCode)))
	}
	return body, nil
}
