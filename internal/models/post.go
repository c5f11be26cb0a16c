package models

import (
	"time"
)

// PostStatus is the aggregate lifecycle state persisted on a post row. It is
// always the pure derivation of the post's target statuses (DerivePostStatus);
// the stored column is only a cache of that derivation.
const (
	PostScheduled          = "scheduled"
	PostProcessing         = "processing"
	PostPublished          = "published"
	PostPartiallyPublished = "partially_published"
	PostFailed             = "failed"
	PostCanceled           = "canceled"
)

// Target lifecycle states. Transitions run one direction only:
// pending -> queued -> publishing -> {published|failed|canceled},
// except failed -> queued via an explicit manual retry.
const (
	TargetPending    = "pending"
	TargetQueued     = "queued"
	TargetPublishing = "publishing"
	TargetPublished  = "published"
	TargetFailed     = "failed"
	TargetCanceled   = "canceled"
)

// MediaRef points at an externally stored attachment.
type MediaRef struct {
	URL  string `json:"url"`
	Type string `json:"type"` // "image", "video", "gif"
}

// Post represents a scheduled unit of content persisted in Postgres.
type Post struct {
	ID             string     `json:"id"`
	WorkspaceID    string     `json:"workspace_id"`
	Body           string     `json:"body"`
	Media          []MediaRef `json:"media,omitempty"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	Status         string     `json:"status"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty"`
	Targets        []Target   `json:"targets,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Target is one platform-specific publish obligation belonging to a post.
type Target struct {
	ID             string     `json:"id"`
	PostID         string     `json:"post_id"`
	AccountID      string     `json:"account_id"`
	Platform       string     `json:"platform"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	LastErrorKind  *string    `json:"last_error_kind,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	ExternalPostID *string    `json:"external_post_id,omitempty"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Account is a connected, credentialed identity on one external platform.
// Credentials are owned by the token manager; everything else treats them
// as opaque.
type Account struct {
	ID             string         `json:"id"`
	Platform       string         `json:"platform"`
	AccessToken    string         `json:"-"`
	RefreshToken   string         `json:"-"`
	TokenExpiresAt time.Time      `json:"token_expires_at"`
	Overrides      *CapOverrides  `json:"capability_overrides,omitempty"`
	Faulted        bool           `json:"faulted"`
	FaultReason    *string        `json:"fault_reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// CapOverrides narrows a platform capability descriptor for one account
// (e.g. a legacy tier with a shorter body limit). Zero values mean "no
// override".
type CapOverrides struct {
	MaxBodyLen    int `json:"max_body_len,omitempty"`
	MaxMediaCount int `json:"max_media_count,omitempty"`
}

// TerminalTarget reports whether a target status can no longer change on its
// own (manual retry excluded).
func TerminalTarget(status string) bool {
	switch status {
	case TargetPublished, TargetFailed, TargetCanceled:
		return true
	}
	return false
}

// TerminalPost reports whether an aggregate status can only change again
// through a manual target retry.
func TerminalPost(status string) bool {
	switch status {
	case PostPublished, PostPartiallyPublished, PostFailed, PostCanceled:
		return true
	}
	return false
}

// DerivePostStatus computes the aggregate post status from its targets'
// statuses. It is the only source of truth for the aggregate; callers persist
// its result but never mutate it independently.
func DerivePostStatus(statuses []string) string {
	if len(statuses) == 0 {
		return PostScheduled
	}
	var pending, queued, publishing, published, failed, canceled int
	for _, s := range statuses {
		switch s {
		case TargetPending:
			pending++
		case TargetQueued:
			queued++
		case TargetPublishing:
			publishing++
		case TargetPublished:
			published++
		case TargetFailed:
			failed++
		case TargetCanceled:
			canceled++
		}
	}
	n := len(statuses)
	switch {
	case pending == n:
		return PostScheduled
	case canceled == n:
		return PostCanceled
	case queued > 0 || publishing > 0 || pending > 0:
		// Work remains; pending mixed with finished targets still counts as
		// in-flight because those targets will be dispatched.
		return PostProcessing
	case published == n:
		return PostPublished
	case published > 0:
		return PostPartiallyPublished
	case failed > 0:
		return PostFailed
	default:
		// Terminal mix of canceled targets with no publishes or failures.
		return PostCanceled
	}
}
