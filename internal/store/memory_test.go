package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"social-publisher/internal/events"
	"social-publisher/internal/models"
)

func seedPost(t *testing.T, m *Memory, due time.Time, key string) models.Post {
	t.Helper()
	p, _, err := m.CreatePostWithTargets(context.Background(), CreatePostParams{
		WorkspaceID:    "ws-1",
		Body:           "body",
		ScheduledAt:    due,
		IdempotencyKey: key,
		MaxAttempts:    3,
		Targets: []TargetSpec{
			{AccountID: "acc-1", Platform: "tw"},
			{AccountID: "acc-2", Platform: "md"},
		},
	})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	return p
}

func TestCreatePostIdempotency(t *testing.T) {
	m := NewMemory(nil)
	first := seedPost(t, m, time.Now(), "idem-1")
	second, replay, err := m.CreatePostWithTargets(context.Background(), CreatePostParams{
		WorkspaceID:    "ws-1",
		Body:           "different body, same key",
		ScheduledAt:    time.Now(),
		IdempotencyKey: "idem-1",
		Targets:        []TargetSpec{{AccountID: "acc-9", Platform: "tw"}},
	})
	if err != nil {
		t.Fatalf("replay create: %v", err)
	}
	if !replay {
		t.Fatal("second create with same key should report idempotent")
	}
	if second.ID != first.ID {
		t.Fatalf("replay returned %s, want %s", second.ID, first.ID)
	}
	if second.Body != first.Body {
		t.Fatal("replay must return the originally stored post")
	}
}

func TestClaimDuePostsIsExclusive(t *testing.T) {
	rec := events.NewRecorder()
	m := NewMemory(rec)
	ctx := context.Background()
	now := time.Now()
	due := seedPost(t, m, now.Add(-time.Second), "")
	seedPost(t, m, now.Add(time.Hour), "") // not due yet

	claimed, err := m.ClaimDuePosts(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != due.ID {
		t.Fatalf("claimed %d posts, want only the due one", len(claimed))
	}
	if claimed[0].Status != models.PostProcessing {
		t.Fatalf("claimed status = %q, want processing", claimed[0].Status)
	}
	if len(claimed[0].Targets) != 2 {
		t.Fatalf("claimed post has %d targets, want 2", len(claimed[0].Targets))
	}

	again, err := m.ClaimDuePosts(ctx, now, 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second claim got %d posts, want 0", len(again))
	}

	saw := false
	for _, e := range rec.Events() {
		if e.PostID == due.ID && e.OldStatus == models.PostScheduled && e.NewStatus == models.PostProcessing {
			saw = true
		}
	}
	if !saw {
		t.Fatal("claim emitted no scheduled->processing event")
	}
}

func TestClaimDuePostsConcurrent(t *testing.T) {
	m := NewMemory(events.NewRecorder())
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 20; i++ {
		seedPost(t, m, now.Add(-time.Second), "")
	}

	const claimers = 8
	results := make(chan []models.Post, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := m.ClaimDuePosts(ctx, now, 5)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			results <- claimed
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	total := 0
	for claimed := range results {
		for _, p := range claimed {
			if seen[p.ID] {
				t.Fatalf("post %s claimed twice", p.ID)
			}
			seen[p.ID] = true
			total++
		}
	}
	if total != 20 {
		t.Fatalf("claimed %d posts total, want 20", total)
	}
}

func TestTransitionTargetCAS(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	p := seedPost(t, m, time.Now(), "")
	id := p.Targets[0].ID

	ok, err := m.TransitionTarget(ctx, TargetTransition{TargetID: id, From: models.TargetPending, To: models.TargetQueued})
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%v err=%v", ok, err)
	}
	// Stale CAS: the target is no longer pending.
	ok, err = m.TransitionTarget(ctx, TargetTransition{TargetID: id, From: models.TargetPending, To: models.TargetQueued})
	if err != nil {
		t.Fatalf("stale transition errored: %v", err)
	}
	if ok {
		t.Fatal("stale transition should lose the compare-and-set")
	}

	got, err := m.GetTarget(ctx, id)
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	if got.Status != models.TargetQueued || got.Attempts != 0 {
		t.Fatalf("target = %+v, want queued with zero attempts", got)
	}
}

func TestCancelProcessingPostOnlySetsFlag(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	p := seedPost(t, m, time.Now().Add(-time.Second), "")
	if _, err := m.ClaimDuePosts(ctx, time.Now(), 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	res, err := m.CancelPost(ctx, p.ID, time.Now())
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.FullyCanceled || !res.FlagSet {
		t.Fatalf("cancel of processing post = %+v, want flag only", res)
	}
	requested, err := m.CancelRequested(ctx, p.ID)
	if err != nil || !requested {
		t.Fatalf("cancel flag = %v err=%v, want true", requested, err)
	}
	got, _ := m.GetPost(ctx, p.ID)
	if got.Status != models.PostProcessing {
		t.Fatalf("post status = %q, cancel must not touch a processing post directly", got.Status)
	}
}

func TestResetTargetForRetryRequiresFailed(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	p := seedPost(t, m, time.Now(), "")
	id := p.Targets[0].ID

	if _, ok, err := m.ResetTargetForRetry(ctx, id); err != nil || ok {
		t.Fatalf("reset of pending target: ok=%v err=%v, want rejection", ok, err)
	}

	kind := models.KindNetwork
	msg := "connection reset"
	for _, step := range [][2]string{
		{models.TargetPending, models.TargetQueued},
		{models.TargetQueued, models.TargetPublishing},
	} {
		if _, err := m.TransitionTarget(ctx, TargetTransition{TargetID: id, From: step[0], To: step[1]}); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	if _, err := m.TransitionTarget(ctx, TargetTransition{
		TargetID: id, From: models.TargetPublishing, To: models.TargetFailed,
		AttemptsDelta: 3, ErrorKind: &kind, ErrorMessage: &msg,
	}); err != nil {
		t.Fatalf("fail target: %v", err)
	}

	got, ok, err := m.ResetTargetForRetry(ctx, id)
	if err != nil || !ok {
		t.Fatalf("reset failed target: ok=%v err=%v", ok, err)
	}
	if got.Status != models.TargetQueued || got.Attempts != 0 || got.LastErrorKind != nil {
		t.Fatalf("reset target = %+v, want clean queued state", got)
	}
}

func TestFailPendingTargetsForAccount(t *testing.T) {
	rec := events.NewRecorder()
	m := NewMemory(rec)
	ctx := context.Background()
	p := seedPost(t, m, time.Now(), "")

	// One of acc-1's targets is already queued so the events must report two
	// distinct old statuses.
	var queuedID string
	for _, tg := range p.Targets {
		if tg.AccountID == "acc-1" {
			queuedID = tg.ID
		}
	}
	if _, err := m.TransitionTarget(ctx, TargetTransition{TargetID: queuedID, From: models.TargetPending, To: models.TargetQueued}); err != nil {
		t.Fatalf("queue target: %v", err)
	}

	failed, err := m.FailPendingTargetsForAccount(ctx, "acc-1", models.KindAccountRevoked, "revoked")
	if err != nil {
		t.Fatalf("fail pending: %v", err)
	}
	if len(failed) != 1 || failed[0].AccountID != "acc-1" {
		t.Fatalf("failed %d targets, want just acc-1's", len(failed))
	}

	got, _ := m.GetPost(ctx, p.ID)
	for _, tg := range got.Targets {
		want := models.TargetPending
		if tg.AccountID == "acc-1" {
			want = models.TargetFailed
		}
		if tg.Status != want {
			t.Fatalf("target %s status = %q, want %q", tg.AccountID, tg.Status, want)
		}
	}

	for _, e := range rec.Events() {
		if e.TargetID == queuedID && e.NewStatus == models.TargetFailed && e.OldStatus != models.TargetQueued {
			t.Fatalf("fail event old status = %q, want the true pre-fail status %q", e.OldStatus, models.TargetQueued)
		}
	}
}

func TestReclaimStuckPosts(t *testing.T) {
	rec := events.NewRecorder()
	m := NewMemory(rec)
	ctx := context.Background()
	now := time.Now()

	p := seedPost(t, m, now.Add(-time.Second), "")
	seedPost(t, m, now.Add(time.Hour), "") // still scheduled, never reclaimable
	if claimed, err := m.ClaimDuePosts(ctx, now, 10); err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d posts)", err, len(claimed))
	}

	// Strand one target mid-publish.
	stranded := p.Targets[0].ID
	for _, step := range [][2]string{
		{models.TargetPending, models.TargetQueued},
		{models.TargetQueued, models.TargetPublishing},
	} {
		if _, err := m.TransitionTarget(ctx, TargetTransition{TargetID: stranded, From: step[0], To: step[1]}); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}

	// A cutoff before the claim sees nothing stale.
	got, err := m.ReclaimStuckPosts(ctx, now.Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("reclaimed %d posts inside the window, want 0", len(got))
	}

	// Past the window the claimed post comes back with the stranded target
	// reset to queued.
	got, err = m.ReclaimStuckPosts(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(got) != 1 || got[0].ID != p.ID {
		t.Fatalf("reclaimed %d posts, want only the stuck one", len(got))
	}
	for _, tg := range got[0].Targets {
		switch tg.ID {
		case stranded:
			if tg.Status != models.TargetQueued {
				t.Fatalf("stranded target status = %q, want queued", tg.Status)
			}
		default:
			if tg.Status != models.TargetPending {
				t.Fatalf("untouched target status = %q, want pending", tg.Status)
			}
		}
	}
	saw := false
	for _, e := range rec.Events() {
		if e.TargetID == stranded && e.OldStatus == models.TargetPublishing && e.NewStatus == models.TargetQueued {
			saw = true
		}
	}
	if !saw {
		t.Fatal("reclaim emitted no publishing->queued event for the stranded target")
	}

	// The touch keeps a sweep with the original cutoff from returning the
	// post again.
	got, err = m.ReclaimStuckPosts(ctx, now, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("reclaimed %d posts after the touch, want 0", len(got))
	}
}

func TestRecomputePostStatus(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	p := seedPost(t, m, time.Now().Add(-time.Second), "")
	if _, err := m.ClaimDuePosts(ctx, time.Now(), 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	for _, tg := range p.Targets {
		ext := "ext-" + tg.ID
		steps := []TargetTransition{
			{TargetID: tg.ID, From: models.TargetPending, To: models.TargetQueued},
			{TargetID: tg.ID, From: models.TargetQueued, To: models.TargetPublishing},
			{TargetID: tg.ID, From: models.TargetPublishing, To: models.TargetPublished, AttemptsDelta: 1, ExternalPostID: &ext},
		}
		for _, s := range steps {
			if _, err := m.TransitionTarget(ctx, s); err != nil {
				t.Fatalf("transition: %v", err)
			}
		}
	}

	old, current, changed, err := RecomputePostStatus(ctx, m, p.ID)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if !changed || old != models.PostProcessing || current != models.PostPublished {
		t.Fatalf("recompute = (%q -> %q, changed=%v), want processing -> published", old, current, changed)
	}

	// Idempotent when nothing moved.
	if _, _, changed, _ := RecomputePostStatus(ctx, m, p.ID); changed {
		t.Fatal("recompute with no target changes should be a no-op")
	}
}
