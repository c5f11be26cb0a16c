package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"social-publisher/internal/models"
)

const (
	linkedinAPIBase   = "https://api.linkedin.com"
	linkedinAuthBase  = "https://www.linkedin.com"
	linkedinPostPath  = "/v2/ugcPosts"
	linkedinTokenPath = "/oauth/v2/accessToken"
)

// LinkedIn publishes UGC posts on behalf of a member.
type LinkedIn struct {
	apiBase      string
	authBase     string
	client       *http.Client
	clientID     string
	clientSecret string
	observer     RateObserver
}

func NewLinkedIn(clientID, clientSecret string, observer RateObserver) *LinkedIn {
	return &LinkedIn{
		apiBase:      linkedinAPIBase,
		authBase:     linkedinAuthBase,
		client:       newHTTPClient(),
		clientID:     clientID,
		clientSecret: clientSecret,
		observer:     observer,
	}
}

func (l *LinkedIn) Platform() string { return "linkedin" }

func (l *LinkedIn) Capabilities() Descriptor {
	return Descriptor{
		Platform:          "linkedin",
		MaxBodyLen:        3000,
		MaxMediaCount:     9,
		AllowedMediaTypes: []string{"image", "video"},
		PublishClass:      "linkedin:ugc",
		RefreshClass:      "linkedin:oauth",
	}
}

func (l *LinkedIn) Publish(ctx context.Context, in PublishInput, cred Credential) (string, error) {
	media := make([]map[string]any, 0, len(in.Media))
	for _, m := range in.Media {
		media = append(media, map[string]any{
			"status": "READY",
			"media":  lastSegment(m.URL),
		})
	}
	category := "NONE"
	if len(media) > 0 {
		category = "IMAGE"
	}
	payload := map[string]any{
		"lifecycleState": "PUBLISHED",
		"specificContent": map[string]any{
			"com.linkedin.ugc.ShareContent": map[string]any{
				"shareCommentary":    map[string]any{"text": in.Body},
				"shareMediaCategory": category,
				"media":              media,
			},
		},
		"visibility": map[string]any{
			"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC",
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", wrapConfig(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.apiBase+linkedinPostPath, bytes.NewReader(body))
	if err != nil {
		return "", wrapConfig(err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", wrapNetwork(err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	observeRateHeaders(l.observer, cred.AccountID, l.Capabilities().PublishClass, resp.Header)

	if resp.StatusCode != http.StatusCreated {
		return "", classifyStatus("linkedin", resp.StatusCode, string(respBody), resp.Header)
	}
	if id := resp.Header.Get("X-RestLi-Id"); id != "" {
		return id, nil
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil || out.ID == "" {
		return "", errNoExternalID("linkedin")
	}
	return out.ID, nil
}

func (l *LinkedIn) Refresh(ctx context.Context, cred Credential) (Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)
	form.Set("client_id", l.clientID)
	form.Set("client_secret", l.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.authBase+linkedinTokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, wrapConfig(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := l.client.Do(req)
	if err != nil {
		return Credential{}, wrapNetwork(err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode != http.StatusOK {
		return Credential{}, classifyRefreshStatus("linkedin", resp.StatusCode, string(respBody), resp.Header)
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil || out.AccessToken == "" {
		return Credential{}, models.NewPublishError(models.KindServerError, "linkedin token response missing access_token")
	}
	next := cred
	next.AccessToken = out.AccessToken
	if out.RefreshToken != "" {
		next.RefreshToken = out.RefreshToken
	}
	next.ExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return next, nil
}
