package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is a scriptable provider for tests and local development. PublishFn
// and RefreshFn default to success when nil.
type Fake struct {
	Name      string
	Caps      Descriptor
	PublishFn func(ctx context.Context, in PublishInput, cred Credential) (string, error)
	RefreshFn func(ctx context.Context, cred Credential) (Credential, error)

	mu           sync.Mutex
	publishCalls int
	refreshCalls int
}

func NewFake(name string) *Fake {
	return &Fake{
		Name: name,
		Caps: Descriptor{
			Platform:          name,
			MaxBodyLen:        1000,
			MaxMediaCount:     4,
			AllowedMediaTypes: []string{"image", "video", "gif"},
			PublishClass:      name + ":publish",
			RefreshClass:      name + ":oauth",
		},
	}
}

func (f *Fake) Platform() string         { return f.Name }
func (f *Fake) Capabilities() Descriptor { return f.Caps }

func (f *Fake) Publish(ctx context.Context, in PublishInput, cred Credential) (string, error) {
	f.mu.Lock()
	f.publishCalls++
	n := f.publishCalls
	f.mu.Unlock()
	if f.PublishFn != nil {
		return f.PublishFn(ctx, in, cred)
	}
	return fmt.Sprintf("%s-post-%d", f.Name, n), nil
}

func (f *Fake) Refresh(ctx context.Context, cred Credential) (Credential, error) {
	f.mu.Lock()
	f.refreshCalls++
	f.mu.Unlock()
	if f.RefreshFn != nil {
		return f.RefreshFn(ctx, cred)
	}
	next := cred
	next.AccessToken = cred.AccessToken + "+refreshed"
	next.ExpiresAt = time.Now().Add(time.Hour)
	return next, nil
}

// PublishCalls reports how many publishes ran.
func (f *Fake) PublishCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.publishCalls
}

// RefreshCalls reports how many refreshes ran.
func (f *Fake) RefreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}
