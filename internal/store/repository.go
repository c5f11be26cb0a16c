// Package store persists posts, targets, and accounts behind a repository
// interface. The Postgres implementation backs production; the memory
// implementation backs unit tests.
package store

import (
	"context"
	"errors"
	"time"

	"social-publisher/internal/models"
)

var (
	// ErrNotFound is returned when a post, target, or account id resolves to
	// nothing.
	ErrNotFound = errors.New("not found")
)

// CreatePostParams collects inputs required to schedule a post with its
// targets.
type CreatePostParams struct {
	WorkspaceID    string
	Body           string
	Media          []models.MediaRef
	ScheduledAt    time.Time
	IdempotencyKey string
	MaxAttempts    int
	Targets        []TargetSpec
}

// TargetSpec names one publish obligation for a new post.
type TargetSpec struct {
	AccountID string
	Platform  string
}

// TargetTransition is a compare-and-set status change on one target. The
// update applies only while the target still holds From; losing the race is
// reported as applied=false, not as an error.
type TargetTransition struct {
	TargetID       string
	From           string
	To             string
	AttemptsDelta  int
	ErrorKind      *string
	ErrorMessage   *string
	ExternalPostID *string
	At             time.Time
}

// CancelResult describes what a cancel request achieved.
type CancelResult struct {
	// FullyCanceled is true when the post was still scheduled: the post and
	// all its targets moved to canceled.
	FullyCanceled bool
	// FlagSet is true when processing had begun and only the cooperative
	// cancel flag could be raised.
	FlagSet bool
	// OldPostStatus is the aggregate status before the cancel.
	OldPostStatus string
	// CanceledTargets lists targets transitioned by a full cancel.
	CanceledTargets []models.Target
}

// Repository is the persistence boundary of the publishing engine. Every
// status-changing method records the corresponding lifecycle event
// atomically with the change (transactional outbox in Postgres, synchronous
// emit in memory).
type Repository interface {
	CreatePostWithTargets(ctx context.Context, p CreatePostParams) (models.Post, bool, error)
	GetPost(ctx context.Context, id string) (models.Post, error)
	GetTarget(ctx context.Context, id string) (models.Target, error)

	// ClaimDuePosts atomically flips due scheduled posts to processing and
	// returns them with targets hydrated. Concurrent pollers claim disjoint
	// sets.
	ClaimDuePosts(ctx context.Context, now time.Time, limit int) ([]models.Post, error)
	// ReclaimStuckPosts returns processing posts that stopped moving before
	// the cutoff and still carry unfinished targets: the claim of a dispatcher
	// that died before finishing. Targets stranded in publishing are reset to
	// queued, and the posts' timestamps are touched so one poller reclaims a
	// post per window.
	ReclaimStuckPosts(ctx context.Context, cutoff time.Time, limit int) ([]models.Post, error)
	CountDuePosts(ctx context.Context, now time.Time) (int64, error)

	TransitionTarget(ctx context.Context, t TargetTransition) (bool, error)
	ListTargetStatuses(ctx context.Context, postID string) ([]string, error)
	// SetPostStatus persists a newly derived aggregate status and reports the
	// previous one. changed=false means the stored status already matched.
	SetPostStatus(ctx context.Context, postID, status string) (old string, changed bool, err error)

	CancelPost(ctx context.Context, postID string, now time.Time) (CancelResult, error)
	CancelRequested(ctx context.Context, postID string) (bool, error)
	// ResetTargetForRetry re-arms a failed target: failed -> queued with the
	// attempt count reset to zero.
	ResetTargetForRetry(ctx context.Context, targetID string) (models.Target, bool, error)

	GetAccount(ctx context.Context, id string) (models.Account, error)
	CreateAccount(ctx context.Context, a models.Account) error
	UpdateAccountCredential(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time) error
	// MarkAccountFaulted flags a revoked account so no further targets
	// dispatch for it until it is reconnected externally.
	MarkAccountFaulted(ctx context.Context, accountID, reason string) (bool, error)
	// FailPendingTargetsForAccount moves every pending/queued target of the
	// account to failed with the given error, returning the affected targets
	// so callers can recompute their posts' aggregates.
	FailPendingTargetsForAccount(ctx context.Context, accountID, kind, message string) ([]models.Target, error)
}

// RecomputePostStatus re-derives a post's aggregate status from its targets
// and persists it when it changed. Callers serialize invocations per post so
// concurrent target completions cannot interleave reads and writes.
func RecomputePostStatus(ctx context.Context, repo Repository, postID string) (old, current string, changed bool, err error) {
	statuses, err := repo.ListTargetStatuses(ctx, postID)
	if err != nil {
		return "", "", false, err
	}
	current = models.DerivePostStatus(statuses)
	old, changed, err = repo.SetPostStatus(ctx, postID, current)
	return old, current, changed, err
}
