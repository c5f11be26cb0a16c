package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"social-publisher/internal/models"
)

const (
	twitterAPIBase   = "https://api.twitter.com"
	twitterTweetPath = "/2/tweets"
	twitterTokenPath = "/2/oauth2/token"
)

// Twitter publishes through the v2 tweet endpoint.
type Twitter struct {
	base     string
	client   *http.Client
	clientID string
	observer RateObserver
}

func NewTwitter(clientID string, observer RateObserver) *Twitter {
	return &Twitter{base: twitterAPIBase, client: newHTTPClient(), clientID: clientID, observer: observer}
}

// NewTwitterWithBase points the client at a test server.
func NewTwitterWithBase(base, clientID string, observer RateObserver) *Twitter {
	t := NewTwitter(clientID, observer)
	t.base = base
	return t
}

func (t *Twitter) Platform() string { return "twitter" }

func (t *Twitter) Capabilities() Descriptor {
	return Descriptor{
		Platform:          "twitter",
		MaxBodyLen:        280,
		MaxMediaCount:     4,
		AllowedMediaTypes: []string{"image", "video", "gif"},
		PublishClass:      "twitter:tweet",
		RefreshClass:      "twitter:oauth",
	}
}

func (t *Twitter) Publish(ctx context.Context, in PublishInput, cred Credential) (string, error) {
	payload := map[string]any{"text": in.Body}
	if len(in.Media) > 0 {
		ids := make([]string, 0, len(in.Media))
		for _, m := range in.Media {
			// Media is pre-uploaded by the (external) media pipeline; the URL
			// carries the platform media id as its final path segment.
			ids = append(ids, lastSegment(m.URL))
		}
		payload["media"] = map[string]any{"media_ids": ids}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", models.WrapPublishError(models.KindConfiguration, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+twitterTweetPath, bytes.NewReader(body))
	if err != nil {
		return "", models.WrapPublishError(models.KindConfiguration, err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", models.WrapPublishError(models.KindNetwork, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	observeRateHeaders(t.observer, cred.AccountID, t.Capabilities().PublishClass, resp.Header)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", classifyStatus("twitter", resp.StatusCode, string(respBody), resp.Header)
	}

	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil || out.Data.ID == "" {
		return "", models.NewPublishError(models.KindServerError, "twitter returned no tweet id")
	}
	return out.Data.ID, nil
}

func (t *Twitter) Refresh(ctx context.Context, cred Credential) (Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)
	form.Set("client_id", t.clientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+twitterTokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, models.WrapPublishError(models.KindConfiguration, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return Credential{}, models.WrapPublishError(models.KindNetwork, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode != http.StatusOK {
		return Credential{}, classifyRefreshStatus("twitter", resp.StatusCode, string(respBody), resp.Header)
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil || out.AccessToken == "" {
		return Credential{}, models.NewPublishError(models.KindServerError, "twitter token response missing access_token")
	}
	next := cred
	next.AccessToken = out.AccessToken
	if out.RefreshToken != "" {
		next.RefreshToken = out.RefreshToken
	}
	next.ExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return next, nil
}

// classifyRefreshStatus is classifyStatus with 4xx treated as a revoked
// grant rather than rejected content: OAuth servers answer 400
// invalid_grant when the refresh token is dead.
func classifyRefreshStatus(platform string, status int, body string, hdr http.Header) error {
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return &models.PublishError{
			Kind:    models.KindUnauthorized,
			Message: fmt.Sprintf("%s refresh rejected (%d): %s", platform, status, trim(body)),
		}
	}
	return classifyStatus(platform, status, body, hdr)
}

func lastSegment(u string) string {
	if i := strings.LastIndexByte(u, '/'); i >= 0 {
		return u[i+1:]
	}
	return u
}
