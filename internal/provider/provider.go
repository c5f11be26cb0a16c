// Package provider normalizes heterogeneous social platform APIs behind one
// capability-set interface. Variants are registered once and selected by the
// target's platform identifier.
package provider

import (
	"context"
	"fmt"
	"time"

	"social-publisher/internal/models"
)

// ErrUnknownPlatform is returned by Registry.Lookup for platform ids no
// provider was registered for. It is a fatal configuration error: targets
// carrying such ids fail immediately and never retry.
var ErrUnknownPlatform = models.NewPublishError(models.KindConfiguration, "unknown platform")

// Credential is the opaque OAuth bundle handed to providers. Owned by the
// token manager; providers only read it. AccountID rides along so providers
// can attribute rate-limit headers to the right budget.
type Credential struct {
	AccountID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Descriptor declares a platform's content limits and rate-limit classes.
type Descriptor struct {
	Platform          string
	MaxBodyLen        int
	MaxMediaCount     int
	AllowedMediaTypes []string
	PublishClass      string
	RefreshClass      string
}

// Merge applies per-account overrides on top of the platform descriptor.
func (d Descriptor) Merge(o *models.CapOverrides) Descriptor {
	if o == nil {
		return d
	}
	out := d
	if o.MaxBodyLen > 0 {
		out.MaxBodyLen = o.MaxBodyLen
	}
	if o.MaxMediaCount > 0 && o.MaxMediaCount < out.MaxMediaCount {
		out.MaxMediaCount = o.MaxMediaCount
	}
	return out
}

// PublishInput is the normalized content handed to a provider.
type PublishInput struct {
	Body  string
	Media []models.MediaRef
}

// Provider is one platform variant. Publish returns the platform-assigned
// post id; Refresh exchanges the refresh token for a new credential. All
// errors crossing this boundary are *models.PublishError.
type Provider interface {
	Platform() string
	Capabilities() Descriptor
	Publish(ctx context.Context, in PublishInput, cred Credential) (string, error)
	Refresh(ctx context.Context, cred Credential) (Credential, error)
}

// RateObserver receives platform-reported budget headers so the rate limiter
// can sync its local accounting.
type RateObserver func(accountID, class string, remaining int, resetAt time.Time)

// Registry holds the closed set of provider variants keyed by platform id.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces the variant for a platform.
func (r *Registry) Register(p Provider) {
	if p == nil || p.Platform() == "" {
		return
	}
	r.providers[p.Platform()] = p
}

// Lookup resolves the variant for a platform id.
func (r *Registry) Lookup(platform string) (Provider, error) {
	p, ok := r.providers[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
	return p, nil
}

// Platforms lists registered platform ids.
func (r *Registry) Platforms() []string {
	out := make([]string, 0, len(r.providers))
	for k := range r.providers {
		out = append(out, k)
	}
	return out
}

// ValidateContent checks content against a (possibly merged) descriptor.
// Violations are ContentRejected: non-retryable, and detected before any
// outbound call is made.
func ValidateContent(d Descriptor, in PublishInput) error {
	if d.MaxBodyLen > 0 && len([]rune(in.Body)) > d.MaxBodyLen {
		return models.NewPublishError(models.KindContentRejected,
			fmt.Sprintf("body length %d exceeds %s limit %d", len([]rune(in.Body)), d.Platform, d.MaxBodyLen))
	}
	if len(in.Media) > d.MaxMediaCount {
		return models.NewPublishError(models.KindContentRejected,
			fmt.Sprintf("media count %d exceeds %s limit %d", len(in.Media), d.Platform, d.MaxMediaCount))
	}
	for _, m := range in.Media {
		if !typeAllowed(d.AllowedMediaTypes, m.Type) {
			return models.NewPublishError(models.KindContentRejected,
				fmt.Sprintf("media type %q not supported by %s", m.Type, d.Platform))
		}
	}
	return nil
}

func typeAllowed(allowed []string, t string) bool {
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}
