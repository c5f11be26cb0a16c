package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"social-publisher/internal/events"
	"social-publisher/internal/models"
)

// Memory implements Repository in process. It backs unit tests and local
// development; lifecycle events go synchronously to the supplied emitter.
type Memory struct {
	mu       sync.Mutex
	posts    map[string]*models.Post
	targets  map[string]*models.Target
	accounts map[string]*models.Account
	idemKeys map[string]string
	emitter  events.Emitter

	cancelRequested map[string]bool
}

func NewMemory(emitter events.Emitter) *Memory {
	if emitter == nil {
		emitter = events.EmitterFunc(func(context.Context, events.Event) error { return nil })
	}
	return &Memory{
		posts:    map[string]*models.Post{},
		targets:  map[string]*models.Target{},
		accounts: map[string]*models.Account{},
		idemKeys: map[string]string{},
		emitter:  emitter,
	}
}

func (m *Memory) emit(ctx context.Context, e events.Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_ = m.emitter.Emit(ctx, e)
}

func (m *Memory) CreatePostWithTargets(ctx context.Context, p CreatePostParams) (models.Post, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.IdempotencyKey != "" {
		if id, ok := m.idemKeys[p.IdempotencyKey]; ok {
			return m.snapshotPost(id), true, nil
		}
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	now := time.Now().UTC()
	post := &models.Post{
		ID:          uuid.New().String(),
		WorkspaceID: p.WorkspaceID,
		Body:        p.Body,
		Media:       p.Media,
		ScheduledAt: p.ScheduledAt,
		Status:      models.PostScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.IdempotencyKey != "" {
		k := p.IdempotencyKey
		post.IdempotencyKey = &k
		m.idemKeys[k] = post.ID
	}
	m.posts[post.ID] = post
	for _, spec := range p.Targets {
		t := &models.Target{
			ID:          uuid.New().String(),
			PostID:      post.ID,
			AccountID:   spec.AccountID,
			Platform:    spec.Platform,
			Status:      models.TargetPending,
			MaxAttempts: p.MaxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		m.targets[t.ID] = t
	}
	return m.snapshotPost(post.ID), false, nil
}

// snapshotPost copies a post with targets; callers hold m.mu.
func (m *Memory) snapshotPost(id string) models.Post {
	p := *m.posts[id]
	p.Targets = nil
	for _, t := range m.targets {
		if t.PostID == id {
			p.Targets = append(p.Targets, *t)
		}
	}
	return p
}

func (m *Memory) GetPost(_ context.Context, id string) (models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[id]; !ok {
		return models.Post{}, ErrNotFound
	}
	return m.snapshotPost(id), nil
}

func (m *Memory) GetTarget(_ context.Context, id string) (models.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return models.Target{}, ErrNotFound
	}
	return *t, nil
}

func (m *Memory) ClaimDuePosts(ctx context.Context, now time.Time, limit int) ([]models.Post, error) {
	m.mu.Lock()
	var claimed []models.Post
	for id, p := range m.posts {
		if len(claimed) >= limit {
			break
		}
		if p.Status == models.PostScheduled && !p.ScheduledAt.After(now) {
			p.Status = models.PostProcessing
			p.UpdatedAt = now
			claimed = append(claimed, m.snapshotPost(id))
		}
	}
	m.mu.Unlock()
	for _, p := range claimed {
		m.emit(ctx, events.Event{PostID: p.ID, OldStatus: models.PostScheduled, NewStatus: models.PostProcessing, At: now.UTC()})
	}
	return claimed, nil
}

func (m *Memory) ReclaimStuckPosts(ctx context.Context, cutoff time.Time, limit int) ([]models.Post, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	var reclaimed []models.Post
	var requeued []events.Event
	for id, p := range m.posts {
		if len(reclaimed) >= limit {
			break
		}
		if p.Status != models.PostProcessing || !p.UpdatedAt.Before(cutoff) {
			continue
		}
		stuck := false
		for _, t := range m.targets {
			if t.PostID != id || !t.UpdatedAt.Before(cutoff) {
				continue
			}
			switch t.Status {
			case models.TargetPending, models.TargetQueued:
				stuck = true
			case models.TargetPublishing:
				stuck = true
				t.Status = models.TargetQueued
				t.UpdatedAt = now
				requeued = append(requeued, events.Event{
					PostID: id, TargetID: t.ID, OldStatus: models.TargetPublishing, NewStatus: models.TargetQueued, At: now,
				})
			}
		}
		if stuck {
			p.UpdatedAt = now
			reclaimed = append(reclaimed, m.snapshotPost(id))
		}
	}
	m.mu.Unlock()
	for _, e := range requeued {
		m.emit(ctx, e)
	}
	return reclaimed, nil
}

func (m *Memory) CountDuePosts(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, p := range m.posts {
		if p.Status == models.PostScheduled && !p.ScheduledAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) TransitionTarget(ctx context.Context, tr TargetTransition) (bool, error) {
	m.mu.Lock()
	t, ok := m.targets[tr.TargetID]
	if !ok {
		m.mu.Unlock()
		return false, ErrNotFound
	}
	if t.Status != tr.From {
		m.mu.Unlock()
		return false, nil
	}
	at := tr.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	t.Status = tr.To
	if tr.AttemptsDelta > 0 {
		t.Attempts += tr.AttemptsDelta
		t.LastAttemptAt = &at
	}
	t.LastErrorKind = tr.ErrorKind
	t.LastError = tr.ErrorMessage
	if tr.ExternalPostID != nil {
		t.ExternalPostID = tr.ExternalPostID
	}
	t.UpdatedAt = at
	postID := t.PostID
	m.mu.Unlock()

	m.emit(ctx, events.Event{PostID: postID, TargetID: tr.TargetID, OldStatus: tr.From, NewStatus: tr.To, At: at})
	return true, nil
}

func (m *Memory) ListTargetStatuses(_ context.Context, postID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, t := range m.targets {
		if t.PostID == postID {
			out = append(out, t.Status)
		}
	}
	return out, nil
}

func (m *Memory) SetPostStatus(ctx context.Context, postID, status string) (string, bool, error) {
	m.mu.Lock()
	p, ok := m.posts[postID]
	if !ok {
		m.mu.Unlock()
		return "", false, ErrNotFound
	}
	old := p.Status
	if old == status {
		m.mu.Unlock()
		return old, false, nil
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	m.emit(ctx, events.Event{PostID: postID, OldStatus: old, NewStatus: status})
	return old, true, nil
}

func (m *Memory) CancelPost(ctx context.Context, postID string, now time.Time) (CancelResult, error) {
	m.mu.Lock()
	p, ok := m.posts[postID]
	if !ok {
		m.mu.Unlock()
		return CancelResult{}, ErrNotFound
	}
	res := CancelResult{OldPostStatus: p.Status}
	if p.Status != models.PostScheduled {
		m.cancelFlags(postID)
		m.mu.Unlock()
		res.FlagSet = true
		return res, nil
	}
	for _, t := range m.targets {
		if t.PostID == postID && t.Status == models.TargetPending {
			t.Status = models.TargetCanceled
			t.UpdatedAt = now
			res.CanceledTargets = append(res.CanceledTargets, *t)
		}
	}
	p.Status = models.PostCanceled
	p.UpdatedAt = now
	m.cancelFlags(postID)
	m.mu.Unlock()

	for _, t := range res.CanceledTargets {
		m.emit(ctx, events.Event{PostID: postID, TargetID: t.ID, OldStatus: models.TargetPending, NewStatus: models.TargetCanceled, At: now.UTC()})
	}
	m.emit(ctx, events.Event{PostID: postID, OldStatus: res.OldPostStatus, NewStatus: models.PostCanceled, At: now.UTC()})
	res.FullyCanceled = true
	return res, nil
}

// cancelFlags marks the cooperative flag; callers hold m.mu.
func (m *Memory) cancelFlags(postID string) {
	if m.cancelRequested == nil {
		m.cancelRequested = map[string]bool{}
	}
	m.cancelRequested[postID] = true
}

func (m *Memory) CancelRequested(_ context.Context, postID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[postID]; !ok {
		return false, ErrNotFound
	}
	return m.cancelRequested[postID], nil
}

func (m *Memory) ResetTargetForRetry(ctx context.Context, targetID string) (models.Target, bool, error) {
	m.mu.Lock()
	t, ok := m.targets[targetID]
	if !ok {
		m.mu.Unlock()
		return models.Target{}, false, ErrNotFound
	}
	if t.Status != models.TargetFailed {
		m.mu.Unlock()
		return models.Target{}, false, nil
	}
	t.Status = models.TargetQueued
	t.Attempts = 0
	t.LastErrorKind = nil
	t.LastError = nil
	t.UpdatedAt = time.Now().UTC()
	snap := *t
	m.mu.Unlock()

	m.emit(ctx, events.Event{PostID: snap.PostID, TargetID: snap.ID, OldStatus: models.TargetFailed, NewStatus: models.TargetQueued})
	return snap, true, nil
}

func (m *Memory) GetAccount(_ context.Context, id string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return models.Account{}, ErrNotFound
	}
	return *a, nil
}

func (m *Memory) CreateAccount(_ context.Context, a models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	m.accounts[a.ID] = &a
	return nil
}

func (m *Memory) UpdateAccountCredential(_ context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.AccessToken = accessToken
	a.RefreshToken = refreshToken
	a.TokenExpiresAt = expiresAt
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) MarkAccountFaulted(_ context.Context, accountID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return false, ErrNotFound
	}
	if a.Faulted {
		return false, nil
	}
	a.Faulted = true
	a.FaultReason = &reason
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) FailPendingTargetsForAccount(ctx context.Context, accountID, kind, message string) ([]models.Target, error) {
	m.mu.Lock()
	var out []models.Target
	var olds []string
	for _, t := range m.targets {
		if t.AccountID != accountID {
			continue
		}
		if t.Status != models.TargetPending && t.Status != models.TargetQueued {
			continue
		}
		olds = append(olds, t.Status)
		k, msg := kind, message
		t.Status = models.TargetFailed
		t.LastErrorKind = &k
		t.LastError = &msg
		t.UpdatedAt = time.Now().UTC()
		out = append(out, *t)
	}
	m.mu.Unlock()

	for i, t := range out {
		m.emit(ctx, events.Event{PostID: t.PostID, TargetID: t.ID, OldStatus: olds[i], NewStatus: models.TargetFailed})
	}
	return out, nil
}
