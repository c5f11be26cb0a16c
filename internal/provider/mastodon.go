package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Mastodon publishes statuses against a configurable instance. Mastodon
// access tokens do not expire, so Refresh is a no-op returning the same
// credential.
type Mastodon struct {
	instance string
	client   *http.Client
	observer RateObserver
}

func NewMastodon(instance string, observer RateObserver) *Mastodon {
	if instance == "" {
		instance = "https://mastodon.social"
	}
	return &Mastodon{instance: strings.TrimRight(instance, "/"), client: newHTTPClient(), observer: observer}
}

func (m *Mastodon) Platform() string { return "mastodon" }

func (m *Mastodon) Capabilities() Descriptor {
	return Descriptor{
		Platform:          "mastodon",
		MaxBodyLen:        500,
		MaxMediaCount:     4,
		AllowedMediaTypes: []string{"image", "video", "gif"},
		PublishClass:      "mastodon:status",
		RefreshClass:      "mastodon:oauth",
	}
}

func (m *Mastodon) Publish(ctx context.Context, in PublishInput, cred Credential) (string, error) {
	form := url.Values{}
	form.Set("status", in.Body)
	for _, media := range in.Media {
		form.Add("media_ids[]", lastSegment(media.URL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.instance+"/api/v1/statuses", strings.NewReader(form.Encode()))
	if err != nil {
		return "", wrapConfig(err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", wrapNetwork(err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	observeRateHeaders(m.observer, cred.AccountID, m.Capabilities().PublishClass, resp.Header)

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus("mastodon", resp.StatusCode, string(respBody), resp.Header)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil || out.ID == "" {
		return "", errNoExternalID("mastodon")
	}
	return out.ID, nil
}

func (m *Mastodon) Refresh(_ context.Context, cred Credential) (Credential, error) {
	return cred, nil
}
