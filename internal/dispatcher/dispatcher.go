// Package dispatcher drives the publish loop: it claims due posts from the
// store, fans their targets out to workers under a global concurrency cap,
// and resumes rate-limit-deferred attempts from Redis.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"social-publisher/internal/config"
	"social-publisher/internal/media"
	"social-publisher/internal/models"
	"social-publisher/internal/provider"
	"social-publisher/internal/queue"
	"social-publisher/internal/ratelimit"
	"social-publisher/internal/retry"
	"social-publisher/internal/store"
	"social-publisher/internal/telemetry"
	"social-publisher/internal/token"
)

// Dispatcher owns the poll/claim/execute cycle. One instance runs per
// dispatcher process; several processes may run concurrently because claims
// are atomic in both Postgres and Redis.
type Dispatcher struct {
	cfg      config.Config
	repo     store.Repository
	registry *provider.Registry
	tokens   *token.Manager
	limiter  *ratelimit.Limiter
	deferred *queue.Deferred
	prober   *media.Prober
	policy   retry.Policy
	sem      *semaphore.Weighted
	log      zerolog.Logger

	mu        sync.Mutex
	postLocks map[string]*sync.Mutex
	wg        sync.WaitGroup
}

func New(cfg config.Config, repo store.Repository, registry *provider.Registry, tokens *token.Manager,
	limiter *ratelimit.Limiter, deferred *queue.Deferred, prober *media.Prober, log zerolog.Logger) *Dispatcher {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Dispatcher{
		cfg:       cfg,
		repo:      repo,
		registry:  registry,
		tokens:    tokens,
		limiter:   limiter,
		deferred:  deferred,
		prober:    prober,
		policy:    retry.DefaultPolicy(cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffMax, cfg.BackoffJitter),
		sem:       semaphore.NewWeighted(maxConcurrent),
		log:       log.With().Str("component", "dispatcher").Logger(),
		postLocks: make(map[string]*sync.Mutex),
	}
}

// Run polls until the context is canceled, then waits for in-flight target
// executions to drain.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.log.Info().Dur("poll_interval", d.cfg.PollInterval).Int64("max_concurrent", d.cfg.MaxConcurrent).Msg("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			d.RunOnce(ctx, time.Now().UTC())
		}
	}
}

// RunOnce performs a single poll cycle: reclaim expired deferred leases,
// resume due deferred attempts, claim due posts, and fan out their targets.
// Exposed so tests can drive the loop deterministically.
func (d *Dispatcher) RunOnce(ctx context.Context, now time.Time) {
	if reclaimed, err := d.deferred.RequeueExpired(ctx, now, int64(d.cfg.DeferredBatchSize)); err != nil {
		d.log.Error().Err(err).Msg("requeue expired deferred attempts")
	} else if len(reclaimed) > 0 {
		d.log.Warn().Int("count", len(reclaimed)).Msg("reclaimed deferred attempts with expired leases")
	}

	dueDeferred, err := d.deferred.ClaimDue(ctx, now, int64(d.cfg.DeferredBatchSize))
	if err != nil {
		d.log.Error().Err(err).Msg("claim deferred attempts")
	}
	for _, targetID := range dueDeferred {
		d.launch(ctx, func(ctx context.Context) { d.resume(ctx, targetID) })
	}

	// Posts claimed by a dispatcher that died stay processing forever unless
	// someone picks them back up; the cutoff keeps live claims alone.
	if d.cfg.ReclaimAfter > 0 {
		stuck, err := d.repo.ReclaimStuckPosts(ctx, now.Add(-d.cfg.ReclaimAfter), d.cfg.ClaimBatchSize)
		if err != nil {
			d.log.Error().Err(err).Msg("reclaim stuck posts")
		}
		if len(stuck) > 0 {
			telemetry.PostsReclaimed.Add(float64(len(stuck)))
			d.log.Warn().Int("count", len(stuck)).Msg("reclaimed stuck processing posts")
		}
		for _, post := range stuck {
			post := post
			for _, t := range post.Targets {
				if t.Status != models.TargetPending && t.Status != models.TargetQueued {
					continue
				}
				t := t
				d.launch(ctx, func(ctx context.Context) { d.execute(ctx, post, t) })
			}
		}
	}

	posts, err := d.repo.ClaimDuePosts(ctx, now, d.cfg.ClaimBatchSize)
	if err != nil {
		d.log.Error().Err(err).Msg("claim due posts")
		return
	}
	if len(posts) > 0 {
		telemetry.PostsClaimed.Add(float64(len(posts)))
	}
	for _, post := range posts {
		post := post
		for _, t := range post.Targets {
			if t.Status != models.TargetPending {
				continue
			}
			t := t
			d.launch(ctx, func(ctx context.Context) { d.execute(ctx, post, t) })
		}
	}

	if due, err := d.repo.CountDuePosts(ctx, now); err == nil {
		telemetry.DuePostsGauge.Set(float64(due))
	}
	if depth, err := d.deferred.Depth(ctx); err == nil {
		telemetry.DeferredDepthGauge.Set(float64(depth))
	}
}

// Drain blocks until all launched target executions have finished. Tests use
// it between RunOnce calls.
func (d *Dispatcher) Drain() {
	d.wg.Wait()
}

func (d *Dispatcher) launch(ctx context.Context, fn func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer d.sem.Release(1)
		telemetry.InFlightGauge.Inc()
		defer telemetry.InFlightGauge.Dec()
		fn(ctx)
	}()
}

// resume re-runs a deferred attempt claimed from Redis. The lease is acked
// whatever the outcome: re-deferrals put a fresh entry in the scheduled set.
func (d *Dispatcher) resume(ctx context.Context, targetID string) {
	defer func() {
		if err := d.deferred.Ack(ctx, targetID); err != nil {
			d.log.Error().Err(err).Str("target_id", targetID).Msg("ack deferred attempt")
		}
	}()

	t, err := d.repo.GetTarget(ctx, targetID)
	if err != nil {
		d.log.Error().Err(err).Str("target_id", targetID).Msg("load deferred target")
		return
	}
	post, err := d.repo.GetPost(ctx, t.PostID)
	if err != nil {
		d.log.Error().Err(err).Str("post_id", t.PostID).Msg("load post for deferred target")
		return
	}
	d.execute(ctx, post, t)
}

// execute runs the full pipeline for one target: cancel check, provider
// lookup, content validation, rate-limit acquire, credential check, publish
// with retries, terminal transition, aggregate recompute.
func (d *Dispatcher) execute(ctx context.Context, post models.Post, t models.Target) {
	log := d.log.With().Str("post_id", post.ID).Str("target_id", t.ID).Str("platform", t.Platform).Logger()

	// Cooperative cancel: checked before any work so a cancel requested while
	// the post was processing takes effect at the next attempt boundary.
	if requested, err := d.repo.CancelRequested(ctx, post.ID); err == nil && requested {
		if ok, _ := d.repo.TransitionTarget(ctx, store.TargetTransition{TargetID: t.ID, From: t.Status, To: models.TargetCanceled}); ok {
			log.Info().Msg("target canceled before dispatch")
			d.recompute(ctx, post.ID)
		}
		return
	}

	if t.Status == models.TargetPending {
		ok, err := d.repo.TransitionTarget(ctx, store.TargetTransition{TargetID: t.ID, From: models.TargetPending, To: models.TargetQueued})
		if err != nil {
			log.Error().Err(err).Msg("queue target")
			return
		}
		if !ok {
			// Another dispatcher got here first.
			return
		}
		t.Status = models.TargetQueued
	}
	if t.Status != models.TargetQueued {
		return
	}

	prov, err := d.registry.Lookup(t.Platform)
	if err != nil {
		// Misconfigured target; counts as its one and only attempt.
		d.fail(ctx, post, t, models.TargetQueued, 1, err)
		return
	}

	account, err := d.repo.GetAccount(ctx, t.AccountID)
	if err != nil {
		d.fail(ctx, post, t, models.TargetQueued, 1, models.WrapPublishError(models.KindConfiguration, err))
		return
	}
	if account.Faulted {
		d.fail(ctx, post, t, models.TargetQueued, 0,
			models.NewPublishError(models.KindAccountRevoked, "account is faulted; reconnect required"))
		return
	}

	desc := prov.Capabilities().Merge(account.Overrides)
	input := provider.PublishInput{Body: post.Body, Media: post.Media}
	if err := provider.ValidateContent(desc, input); err != nil {
		d.fail(ctx, post, t, models.TargetQueued, 0, err)
		return
	}
	if err := d.prober.Probe(ctx, post.Media); err != nil {
		if models.RetryableKind(models.KindOf(err)) {
			d.deferUntil(ctx, t.ID, retryAt(err, time.Now().Add(d.policy.Delay(1))))
			return
		}
		d.fail(ctx, post, t, models.TargetQueued, 0, err)
		return
	}

	// Denied acquires park the attempt in Redis; they never consume the
	// target's retry budget.
	if dec := d.limiter.TryAcquire(ctx, t.AccountID, desc.PublishClass); !dec.Granted {
		telemetry.TargetsDeferred.Inc()
		log.Debug().Time("retry_at", dec.RetryAt).Str("class", desc.PublishClass).Msg("rate limited, attempt deferred")
		d.deferUntil(ctx, t.ID, dec.RetryAt)
		return
	}

	cred, err := d.tokens.EnsureValid(ctx, t.AccountID)
	if err != nil {
		if models.RetryableKind(models.KindOf(err)) {
			d.deferUntil(ctx, t.ID, retryAt(err, time.Now().Add(d.policy.Delay(1))))
			return
		}
		d.fail(ctx, post, t, models.TargetQueued, 0, err)
		return
	}

	ok, err := d.repo.TransitionTarget(ctx, store.TargetTransition{TargetID: t.ID, From: models.TargetQueued, To: models.TargetPublishing})
	if err != nil || !ok {
		if err != nil {
			log.Error().Err(err).Msg("mark target publishing")
		}
		return
	}

	policy := d.policy
	if remaining := t.MaxAttempts - t.Attempts; remaining > 0 && remaining < policy.MaxAttempts {
		policy.MaxAttempts = remaining
	}

	var externalID string
	attempts := 0
	err = retry.Execute(ctx, policy, func(ctx context.Context) error {
		attempts++
		id, perr := prov.Publish(ctx, input, cred)
		if perr != nil {
			return perr
		}
		externalID = id
		return nil
	})
	if err != nil {
		var ex *retry.Exhausted
		if ctx.Err() != nil && !errors.As(err, &ex) {
			// Shutdown interrupted the attempt sequence; park the target back
			// in queued with its attempts recorded rather than failing it on
			// an unearned terminal state.
			d.requeue(context.WithoutCancel(ctx), t, attempts)
			return
		}
		d.fail(ctx, post, t, models.TargetPublishing, attempts, err)
		return
	}

	if _, err := d.repo.TransitionTarget(ctx, store.TargetTransition{
		TargetID:       t.ID,
		From:           models.TargetPublishing,
		To:             models.TargetPublished,
		AttemptsDelta:  attempts,
		ExternalPostID: &externalID,
	}); err != nil {
		log.Error().Err(err).Msg("mark target published")
		return
	}
	telemetry.TargetsPublished.Inc()
	log.Info().Str("external_post_id", externalID).Int("attempts", attempts).Msg("target published")
	d.recompute(ctx, post.ID)
}

// fail moves a target to its terminal failed state. Revoked credentials also
// fault the whole account, which fails its other non-terminal targets.
func (d *Dispatcher) fail(ctx context.Context, post models.Post, t models.Target, from string, attemptsDelta int, cause error) {
	kind := models.KindOf(cause)
	msg := cause.Error()

	var affected []models.Target
	if kind == models.KindUnauthorized || kind == models.KindAccountRevoked {
		kind = models.KindAccountRevoked
		failed, err := d.tokens.FaultAccount(ctx, t.AccountID, msg)
		if err != nil {
			d.log.Error().Err(err).Str("account_id", t.AccountID).Msg("fault account")
		}
		affected = failed
	}

	ok, err := d.repo.TransitionTarget(ctx, store.TargetTransition{
		TargetID:      t.ID,
		From:          from,
		To:            models.TargetFailed,
		AttemptsDelta: attemptsDelta,
		ErrorKind:     &kind,
		ErrorMessage:  &msg,
	})
	if err != nil {
		d.log.Error().Err(err).Str("target_id", t.ID).Msg("mark target failed")
	}
	if ok {
		telemetry.TargetsFailed.Inc()
		d.log.Warn().Str("post_id", post.ID).Str("target_id", t.ID).Str("kind", kind).Str("error", msg).Msg("target failed")
	}

	seen := map[string]bool{post.ID: true}
	d.recompute(ctx, post.ID)
	for _, ft := range affected {
		if seen[ft.PostID] {
			continue
		}
		seen[ft.PostID] = true
		d.recompute(ctx, ft.PostID)
	}
}

// requeue returns an interrupted target to queued, keeping the attempts it
// consumed, and schedules a prompt re-dispatch. If the deferred entry is lost
// too, stuck-post reclamation picks the target up instead.
func (d *Dispatcher) requeue(ctx context.Context, t models.Target, attemptsDelta int) {
	ok, err := d.repo.TransitionTarget(ctx, store.TargetTransition{
		TargetID:      t.ID,
		From:          models.TargetPublishing,
		To:            models.TargetQueued,
		AttemptsDelta: attemptsDelta,
	})
	if err != nil {
		d.log.Error().Err(err).Str("target_id", t.ID).Msg("requeue interrupted target")
		return
	}
	if ok {
		d.log.Info().Str("target_id", t.ID).Int("attempts", attemptsDelta).Msg("target requeued after interrupted attempt")
		d.deferUntil(ctx, t.ID, time.Now().Add(d.cfg.PollInterval))
	}
}

func (d *Dispatcher) deferUntil(ctx context.Context, targetID string, runAt time.Time) {
	if runAt.IsZero() {
		runAt = time.Now().Add(d.cfg.PollInterval)
	}
	if err := d.deferred.Schedule(ctx, targetID, runAt); err != nil {
		d.log.Error().Err(err).Str("target_id", targetID).Msg("defer attempt")
	}
}

// recompute re-derives the post's aggregate status under a per-post lock so
// two targets of the same post finishing together cannot interleave the
// read-derive-write cycle.
func (d *Dispatcher) recompute(ctx context.Context, postID string) {
	lock := d.lockFor(postID)
	lock.Lock()
	defer lock.Unlock()

	old, current, changed, err := store.RecomputePostStatus(ctx, d.repo, postID)
	if err != nil {
		d.log.Error().Err(err).Str("post_id", postID).Msg("recompute post status")
		return
	}
	if changed {
		d.log.Info().Str("post_id", postID).Str("from", old).Str("to", current).Msg("post status changed")
	}
	if models.TerminalPost(current) {
		// The lock map would otherwise grow by one entry per post forever.
		// A manual retry later just mints a fresh mutex.
		d.mu.Lock()
		delete(d.postLocks, postID)
		d.mu.Unlock()
	}
}

func (d *Dispatcher) lockFor(postID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.postLocks[postID]
	if !ok {
		lock = &sync.Mutex{}
		d.postLocks[postID] = lock
	}
	return lock
}

// retryAt pulls the platform-provided retry hint off a publish error, falling
// back to the given default.
func retryAt(err error, fallback time.Time) time.Time {
	var pe *models.PublishError
	if errors.As(err, &pe) && pe.RetryAt != nil {
		return *pe.RetryAt
	}
	return fallback
}
