package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"social-publisher/internal/models"
)

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(NewFake("twitter"), NewFake("mastodon"))

	p, err := reg.Lookup("twitter")
	if err != nil || p.Platform() != "twitter" {
		t.Fatalf("lookup twitter: %v", err)
	}

	_, err = reg.Lookup("myspace")
	if !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("expected ErrUnknownPlatform, got %v", err)
	}
	if models.KindOf(err) != models.KindConfiguration {
		t.Fatalf("unknown platform must classify as configuration error, got %s", models.KindOf(err))
	}
}

func TestValidateContent(t *testing.T) {
	d := Descriptor{Platform: "twitter", MaxBodyLen: 10, MaxMediaCount: 1, AllowedMediaTypes: []string{"image"}}

	if err := ValidateContent(d, PublishInput{Body: "short"}); err != nil {
		t.Fatalf("valid content rejected: %v", err)
	}
	if err := ValidateContent(d, PublishInput{Body: strings.Repeat("x", 11)}); models.KindOf(err) != models.KindContentRejected {
		t.Fatalf("expected content_rejected for long body, got %v", err)
	}
	media := []models.MediaRef{{URL: "a", Type: "image"}, {URL: "b", Type: "image"}}
	if err := ValidateContent(d, PublishInput{Body: "ok", Media: media}); models.KindOf(err) != models.KindContentRejected {
		t.Fatalf("expected content_rejected for media count, got %v", err)
	}
	if err := ValidateContent(d, PublishInput{Body: "ok", Media: []models.MediaRef{{URL: "a", Type: "video"}}}); models.KindOf(err) != models.KindContentRejected {
		t.Fatalf("expected content_rejected for media type, got %v", err)
	}
}

func TestDescriptorMerge(t *testing.T) {
	d := Descriptor{MaxBodyLen: 280, MaxMediaCount: 4}
	merged := d.Merge(&models.CapOverrides{MaxBodyLen: 140, MaxMediaCount: 1})
	if merged.MaxBodyLen != 140 || merged.MaxMediaCount != 1 {
		t.Fatalf("override not applied: %+v", merged)
	}
	if same := d.Merge(nil); same.MaxBodyLen != 280 {
		t.Fatalf("nil override changed descriptor: %+v", same)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   string
	}{
		{401, models.KindUnauthorized},
		{403, models.KindUnauthorized},
		{429, models.KindRateLimited},
		{500, models.KindServerError},
		{503, models.KindServerError},
		{400, models.KindContentRejected},
		{422, models.KindContentRejected},
	}
	for _, tc := range cases {
		err := classifyStatus("test", tc.status, "", http.Header{})
		if models.KindOf(err) != tc.kind {
			t.Errorf("status %d: got %s want %s", tc.status, models.KindOf(err), tc.kind)
		}
	}
}

func TestClassifyRateLimitedRetryAfter(t *testing.T) {
	hdr := http.Header{}
	hdr.Set("Retry-After", "120")
	err := classifyStatus("test", 429, "", hdr)
	var pe *models.PublishError
	if !errors.As(err, &pe) || pe.RetryAt == nil {
		t.Fatalf("expected RetryAt from Retry-After header, got %v", err)
	}
	if until := time.Until(*pe.RetryAt); until < 110*time.Second || until > 130*time.Second {
		t.Fatalf("retry-at off: %s", until)
	}
}

func TestTwitterPublish(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != twitterTweetPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("bad auth header %q", got)
		}
		w.Header().Set("X-RateLimit-Remaining", "299")
		w.Header().Set("X-RateLimit-Reset", "1900000000")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"1450"}}`))
	}))
	defer srv.Close()

	var observed bool
	tw := NewTwitterWithBase(srv.URL, "client", func(accountID, class string, remaining int, resetAt time.Time) {
		observed = true
		if accountID != "acct-1" || class != "twitter:tweet" || remaining != 299 {
			t.Errorf("observer got %s %s %d", accountID, class, remaining)
		}
	})

	id, err := tw.Publish(context.Background(), PublishInput{Body: "hello"}, Credential{AccountID: "acct-1", AccessToken: "tok"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id != "1450" {
		t.Fatalf("external id: got %s", id)
	}
	if !observed {
		t.Fatalf("rate headers not observed")
	}
}

func TestTwitterPublishUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"title":"Unauthorized"}`))
	}))
	defer srv.Close()

	tw := NewTwitterWithBase(srv.URL, "client", nil)
	_, err := tw.Publish(context.Background(), PublishInput{Body: "hello"}, Credential{AccessToken: "dead"})
	if models.KindOf(err) != models.KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestTwitterRefreshInvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	tw := NewTwitterWithBase(srv.URL, "client", nil)
	_, err := tw.Refresh(context.Background(), Credential{RefreshToken: "revoked"})
	if models.KindOf(err) != models.KindUnauthorized {
		t.Fatalf("expected unauthorized for invalid_grant, got %v", err)
	}
}
