package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"social-publisher/internal/events"
	"social-publisher/internal/models"
	"social-publisher/internal/outbox"
)

// Postgres implements Repository on pgxpool. Lifecycle events ride in the
// same transaction as the status change via the event outbox.
type Postgres struct {
	pool       *pgxpool.Pool
	eventTopic string
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn, eventTopic string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool, eventTopic: eventTopic}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool for collaborators sharing the database
// (outbox relay).
func (s *Postgres) Pool() *pgxpool.Pool { return s.pool }

const targetColumns = `id, post_id, account_id, platform, status, attempts, max_attempts,
	last_error_kind, last_error, external_post_id, last_attempt_at, created_at, updated_at`

// CreatePostWithTargets inserts a post and its targets, honoring idempotency
// if a key is provided. The boolean reports whether an existing post was
// reused.
func (s *Postgres) CreatePostWithTargets(ctx context.Context, p CreatePostParams) (models.Post, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if len(p.Targets) == 0 {
		return models.Post{}, false, errors.New("post needs at least one target")
	}
	mediaJSON, err := json.Marshal(p.Media)
	if err != nil {
		return models.Post{}, false, fmt.Errorf("marshal media: %w", err)
	}

	if p.IdempotencyKey != "" {
		if existing, found, err := s.findByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Post{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Post{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	postID := uuid.New().String()
	now := time.Now().UTC()

	tag, err := tx.Exec(ctx, `
		INSERT INTO posts (id, workspace_id, body, media, scheduled_at, status, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, postID, p.WorkspaceID, p.Body, mediaJSON, p.ScheduledAt, models.PostScheduled, emptyToNil(p.IdempotencyKey), now)
	if err != nil {
		return models.Post{}, false, fmt.Errorf("insert post: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Someone else claimed the key after our initial check.
		if err := tx.Rollback(ctx); err != nil {
			return models.Post{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
		}
		existing, found, err := s.findByIdempotencyKey(ctx, p.IdempotencyKey)
		if err != nil {
			return models.Post{}, false, err
		}
		if !found {
			return models.Post{}, false, errors.New("idempotency conflict but no existing post found")
		}
		return existing, true, nil
	}

	targets := make([]models.Target, 0, len(p.Targets))
	for _, spec := range p.Targets {
		t := models.Target{
			ID:          uuid.New().String(),
			PostID:      postID,
			AccountID:   spec.AccountID,
			Platform:    spec.Platform,
			Status:      models.TargetPending,
			MaxAttempts: p.MaxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO targets (id, post_id, account_id, platform, status, attempts, max_attempts, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
		`, t.ID, t.PostID, t.AccountID, t.Platform, t.Status, t.MaxAttempts, now)
		if err != nil {
			return models.Post{}, false, fmt.Errorf("insert target: %w", err)
		}
		targets = append(targets, t)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Post{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Post{
		ID:             postID,
		WorkspaceID:    p.WorkspaceID,
		Body:           p.Body,
		Media:          p.Media,
		ScheduledAt:    p.ScheduledAt,
		Status:         models.PostScheduled,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		Targets:        targets,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

func (s *Postgres) findByIdempotencyKey(ctx context.Context, key string) (models.Post, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM posts WHERE idempotency_key = $1`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Post{}, false, nil
	}
	if err != nil {
		return models.Post{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	post, err := s.GetPost(ctx, id)
	if err != nil {
		return models.Post{}, false, err
	}
	return post, true, nil
}

// GetPost fetches a post with its targets.
func (s *Postgres) GetPost(ctx context.Context, id string) (models.Post, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, body, media, scheduled_at, status, idempotency_key, created_at, updated_at
		FROM posts WHERE id = $1
	`, id)

	var post models.Post
	var mediaJSON []byte
	var idem pgtype.Text
	if err := row.Scan(&post.ID, &post.WorkspaceID, &post.Body, &mediaJSON, &post.ScheduledAt, &post.Status, &idem, &post.CreatedAt, &post.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Post{}, ErrNotFound
		}
		return models.Post{}, fmt.Errorf("scan post: %w", err)
	}
	if len(mediaJSON) > 0 {
		if err := json.Unmarshal(mediaJSON, &post.Media); err != nil {
			return models.Post{}, fmt.Errorf("unmarshal media: %w", err)
		}
	}
	post.IdempotencyKey = textPtr(idem)

	targets, err := s.listTargets(ctx, id)
	if err != nil {
		return models.Post{}, err
	}
	post.Targets = targets
	return post, nil
}

func (s *Postgres) listTargets(ctx context.Context, postID string) ([]models.Target, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+targetColumns+` FROM targets WHERE post_id = $1 ORDER BY created_at, id
	`, postID)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()

	var out []models.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTarget fetches a target by id.
func (s *Postgres) GetTarget(ctx context.Context, id string) (models.Target, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1`, id)
	t, err := scanTarget(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Target{}, ErrNotFound
	}
	return t, err
}

// ClaimDuePosts flips due scheduled posts to processing. SKIP LOCKED keeps
// concurrent pollers from ever claiming the same row; a loser simply sees a
// smaller batch.
func (s *Postgres) ClaimDuePosts(ctx context.Context, now time.Time, limit int) ([]models.Post, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE posts SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM posts
			WHERE status = $2 AND scheduled_at <= $3 AND cancel_requested = FALSE
			ORDER BY scheduled_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`, models.PostProcessing, models.PostScheduled, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due posts: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimed id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The claim itself is a lifecycle transition; its event commits with the
	// status flip so a crash cannot separate the two.
	for _, id := range ids {
		if err := outbox.InsertTx(ctx, tx, s.eventTopic, events.Event{
			PostID: id, OldStatus: models.PostScheduled, NewStatus: models.PostProcessing, At: now.UTC(),
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	posts := make([]models.Post, 0, len(ids))
	for _, id := range ids {
		post, err := s.GetPost(ctx, id)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, nil
}

// ReclaimStuckPosts picks up posts a dispatcher claimed and then abandoned:
// processing posts whose rows stopped moving before the cutoff and that still
// carry unfinished targets. Targets stranded in publishing go back to queued
// so the caller can re-dispatch them; re-delivery is bounded by the
// queued->publishing compare-and-set.
func (s *Postgres) ReclaimStuckPosts(ctx context.Context, cutoff time.Time, limit int) ([]models.Post, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE posts SET updated_at = NOW()
		WHERE id IN (
			SELECT p.id FROM posts p
			WHERE p.status = $1 AND p.updated_at < $2
			  AND EXISTS (
				SELECT 1 FROM targets t
				WHERE t.post_id = p.id AND t.status IN ($3, $4, $5) AND t.updated_at < $2
			  )
			ORDER BY p.updated_at
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`, models.PostProcessing, cutoff, models.TargetPending, models.TargetQueued, models.TargetPublishing, limit)
	if err != nil {
		return nil, fmt.Errorf("reclaim stuck posts: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan reclaimed id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	at := time.Now().UTC()
	for _, id := range ids {
		trows, err := tx.Query(ctx, `
			UPDATE targets SET status = $2, updated_at = NOW()
			WHERE post_id = $1 AND status = $3 AND updated_at < $4
			RETURNING id
		`, id, models.TargetQueued, models.TargetPublishing, cutoff)
		if err != nil {
			return nil, fmt.Errorf("requeue stranded targets: %w", err)
		}
		var targetIDs []string
		for trows.Next() {
			var tid string
			if err := trows.Scan(&tid); err != nil {
				trows.Close()
				return nil, fmt.Errorf("scan stranded target id: %w", err)
			}
			targetIDs = append(targetIDs, tid)
		}
		trows.Close()
		if err := trows.Err(); err != nil {
			return nil, err
		}
		for _, tid := range targetIDs {
			if err := outbox.InsertTx(ctx, tx, s.eventTopic, events.Event{
				PostID: id, TargetID: tid, OldStatus: models.TargetPublishing, NewStatus: models.TargetQueued, At: at,
			}); err != nil {
				return nil, err
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	posts := make([]models.Post, 0, len(ids))
	for _, id := range ids {
		post, err := s.GetPost(ctx, id)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, nil
}

// CountDuePosts returns scheduled posts at or past their publish time.
func (s *Postgres) CountDuePosts(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM posts WHERE status = $1 AND scheduled_at <= $2
	`, models.PostScheduled, now).Scan(&n); err != nil {
		return 0, fmt.Errorf("count due posts: %w", err)
	}
	return n, nil
}

// TransitionTarget applies a compare-and-set status change and records the
// lifecycle event in the same transaction.
func (s *Postgres) TransitionTarget(ctx context.Context, t TargetTransition) (bool, error) {
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var postID string
	err = tx.QueryRow(ctx, `
		UPDATE targets
		SET status = $3,
		    attempts = attempts + $4,
		    last_error_kind = $5,
		    last_error = $6,
		    external_post_id = COALESCE($7, external_post_id),
		    last_attempt_at = CASE WHEN $4 > 0 THEN $8 ELSE last_attempt_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING post_id
	`, t.TargetID, t.From, t.To, t.AttemptsDelta, t.ErrorKind, t.ErrorMessage, t.ExternalPostID, at).Scan(&postID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the compare-and-set race; not an error.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("transition target: %w", err)
	}

	if err := outbox.InsertTx(ctx, tx, s.eventTopic, events.Event{
		PostID: postID, TargetID: t.TargetID, OldStatus: t.From, NewStatus: t.To, At: at,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ListTargetStatuses returns the statuses of all targets of a post.
func (s *Postgres) ListTargetStatuses(ctx context.Context, postID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT status FROM targets WHERE post_id = $1`, postID)
	if err != nil {
		return nil, fmt.Errorf("list target statuses: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SetPostStatus persists a derived aggregate status, reporting the previous
// one so the caller can emit the transition.
func (s *Postgres) SetPostStatus(ctx context.Context, postID, status string) (string, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var old string
	err = tx.QueryRow(ctx, `SELECT status FROM posts WHERE id = $1 FOR UPDATE`, postID).Scan(&old)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("lock post: %w", err)
	}
	if old == status {
		return old, false, tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, `UPDATE posts SET status = $2, updated_at = NOW() WHERE id = $1`, postID, status); err != nil {
		return "", false, fmt.Errorf("update post status: %w", err)
	}
	if err := outbox.InsertTx(ctx, tx, s.eventTopic, events.Event{
		PostID: postID, OldStatus: old, NewStatus: status, At: time.Now().UTC(),
	}); err != nil {
		return "", false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("commit: %w", err)
	}
	return old, true, nil
}

// CancelPost cancels a still-scheduled post outright, or raises the
// cooperative cancel flag once processing has begun.
func (s *Postgres) CancelPost(ctx context.Context, postID string, now time.Time) (CancelResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return CancelResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var old string
	err = tx.QueryRow(ctx, `SELECT status FROM posts WHERE id = $1 FOR UPDATE`, postID).Scan(&old)
	if errors.Is(err, pgx.ErrNoRows) {
		return CancelResult{}, ErrNotFound
	}
	if err != nil {
		return CancelResult{}, fmt.Errorf("lock post: %w", err)
	}

	res := CancelResult{OldPostStatus: old}
	if old != models.PostScheduled {
		if _, err := tx.Exec(ctx, `UPDATE posts SET cancel_requested = TRUE, updated_at = NOW() WHERE id = $1`, postID); err != nil {
			return CancelResult{}, fmt.Errorf("set cancel flag: %w", err)
		}
		res.FlagSet = true
		return res, tx.Commit(ctx)
	}

	rows, err := tx.Query(ctx, `
		UPDATE targets SET status = $2, updated_at = NOW()
		WHERE post_id = $1 AND status = $3
		RETURNING `+targetColumns, postID, models.TargetCanceled, models.TargetPending)
	if err != nil {
		return CancelResult{}, fmt.Errorf("cancel targets: %w", err)
	}
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			rows.Close()
			return CancelResult{}, err
		}
		res.CanceledTargets = append(res.CanceledTargets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return CancelResult{}, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE posts SET status = $2, cancel_requested = TRUE, updated_at = NOW() WHERE id = $1
	`, postID, models.PostCanceled); err != nil {
		return CancelResult{}, fmt.Errorf("cancel post: %w", err)
	}

	at := now.UTC()
	for _, t := range res.CanceledTargets {
		if err := outbox.InsertTx(ctx, tx, s.eventTopic, events.Event{
			PostID: postID, TargetID: t.ID, OldStatus: models.TargetPending, NewStatus: models.TargetCanceled, At: at,
		}); err != nil {
			return CancelResult{}, err
		}
	}
	if err := outbox.InsertTx(ctx, tx, s.eventTopic, events.Event{
		PostID: postID, OldStatus: old, NewStatus: models.PostCanceled, At: at,
	}); err != nil {
		return CancelResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CancelResult{}, fmt.Errorf("commit: %w", err)
	}
	res.FullyCanceled = true
	return res, nil
}

// CancelRequested reports the cooperative cancel flag.
func (s *Postgres) CancelRequested(ctx context.Context, postID string) (bool, error) {
	var flag bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM posts WHERE id = $1`, postID).Scan(&flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	return flag, err
}

// ResetTargetForRetry re-arms a failed target with a fresh attempt budget.
func (s *Postgres) ResetTargetForRetry(ctx context.Context, targetID string) (models.Target, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Target{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE targets
		SET status = $2, attempts = 0, last_error_kind = NULL, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING `+targetColumns, targetID, models.TargetQueued, models.TargetFailed)
	t, err := scanTarget(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Target{}, false, nil
	}
	if err != nil {
		return models.Target{}, false, err
	}

	if err := outbox.InsertTx(ctx, tx, s.eventTopic, events.Event{
		PostID: t.PostID, TargetID: t.ID, OldStatus: models.TargetFailed, NewStatus: models.TargetQueued, At: time.Now().UTC(),
	}); err != nil {
		return models.Target{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Target{}, false, fmt.Errorf("commit: %w", err)
	}
	return t, true, nil
}

// GetAccount fetches a connected account.
func (s *Postgres) GetAccount(ctx context.Context, id string) (models.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, platform, access_token, refresh_token, token_expires_at, capability_overrides, faulted, fault_reason, created_at, updated_at
		FROM accounts WHERE id = $1
	`, id)
	var a models.Account
	var overrides []byte
	var reason pgtype.Text
	if err := row.Scan(&a.ID, &a.Platform, &a.AccessToken, &a.RefreshToken, &a.TokenExpiresAt, &overrides, &a.Faulted, &reason, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Account{}, ErrNotFound
		}
		return models.Account{}, fmt.Errorf("scan account: %w", err)
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &a.Overrides); err != nil {
			return models.Account{}, fmt.Errorf("unmarshal capability overrides: %w", err)
		}
	}
	a.FaultReason = textPtr(reason)
	return a, nil
}

// CreateAccount inserts an account row. Accounts are created by the external
// OAuth connect flow; this exists for that collaborator and for seeding.
func (s *Postgres) CreateAccount(ctx context.Context, a models.Account) error {
	var overrides []byte
	if a.Overrides != nil {
		var err error
		overrides, err = json.Marshal(a.Overrides)
		if err != nil {
			return fmt.Errorf("marshal capability overrides: %w", err)
		}
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, platform, access_token, refresh_token, token_expires_at, capability_overrides, faulted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, NOW(), NOW())
	`, a.ID, a.Platform, a.AccessToken, a.RefreshToken, a.TokenExpiresAt, overrides)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// UpdateAccountCredential persists a refreshed credential.
func (s *Postgres) UpdateAccountCredential(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET access_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = NOW()
		WHERE id = $1
	`, accountID, accessToken, refreshToken, expiresAt)
	if err != nil {
		return fmt.Errorf("update account credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAccountFaulted flags a revoked account; applied=false means it already
// was.
func (s *Postgres) MarkAccountFaulted(ctx context.Context, accountID, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET faulted = TRUE, fault_reason = $2, updated_at = NOW()
		WHERE id = $1 AND faulted = FALSE
	`, accountID, reason)
	if err != nil {
		return false, fmt.Errorf("mark account faulted: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FailPendingTargetsForAccount fails every pending/queued target of a faulted
// account, recording events in the same transaction.
func (s *Postgres) FailPendingTargetsForAccount(ctx context.Context, accountID, kind, message string) ([]models.Target, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock and record the current statuses first so the events report the
	// true transition; RETURNING only sees the post-update row.
	srows, err := tx.Query(ctx, `
		SELECT id, status FROM targets
		WHERE account_id = $1 AND status IN ($2, $3)
		FOR UPDATE
	`, accountID, models.TargetPending, models.TargetQueued)
	if err != nil {
		return nil, fmt.Errorf("lock account targets: %w", err)
	}
	oldStatus := map[string]string{}
	var ids []string
	for srows.Next() {
		var id, st string
		if err := srows.Scan(&id, &st); err != nil {
			srows.Close()
			return nil, fmt.Errorf("scan account target: %w", err)
		}
		oldStatus[id] = st
		ids = append(ids, id)
	}
	srows.Close()
	if err := srows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	rows, err := tx.Query(ctx, `
		UPDATE targets
		SET status = $2, last_error_kind = $3, last_error = $4, updated_at = NOW()
		WHERE id = ANY($1::uuid[])
		RETURNING `+targetColumns,
		ids, models.TargetFailed, kind, message)
	if err != nil {
		return nil, fmt.Errorf("fail account targets: %w", err)
	}
	var out []models.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	at := time.Now().UTC()
	for _, t := range out {
		if err := outbox.InsertTx(ctx, tx, s.eventTopic, events.Event{
			PostID: t.PostID, TargetID: t.ID, OldStatus: oldStatus[t.ID], NewStatus: models.TargetFailed, At: at,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(row rowScanner) (models.Target, error) {
	var t models.Target
	var errKind, errMsg, extID pgtype.Text
	var lastAttempt pgtype.Timestamptz
	if err := row.Scan(&t.ID, &t.PostID, &t.AccountID, &t.Platform, &t.Status, &t.Attempts, &t.MaxAttempts,
		&errKind, &errMsg, &extID, &lastAttempt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return models.Target{}, err
	}
	t.LastErrorKind = textPtr(errKind)
	t.LastError = textPtr(errMsg)
	t.ExternalPostID = textPtr(extID)
	if lastAttempt.Valid {
		ts := lastAttempt.Time
		t.LastAttemptAt = &ts
	}
	return t, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
