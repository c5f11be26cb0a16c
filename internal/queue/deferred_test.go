package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *Deferred {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return NewDeferred(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
}

func TestScheduleAndClaimDue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	now := time.Now()

	if err := q.Schedule(ctx, "t-due", now.Add(-time.Second)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := q.Schedule(ctx, "t-future", now.Add(time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	ids, err := q.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(ids) != 1 || ids[0] != "t-due" {
		t.Fatalf("expected [t-due], got %v", ids)
	}

	// Claimed attempts are leased, not re-claimable.
	again, err := q.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no re-claim, got %v", again)
	}

	if err := q.Ack(ctx, "t-due"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	depth, err := q.Depth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("expected depth 1 (t-future), got %d err=%v", depth, err)
	}
}

func TestRequeueExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	now := time.Now()

	if err := q.Schedule(ctx, "t-1", now.Add(-time.Second)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := q.ClaimDue(ctx, now, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Before the visibility timeout nothing is reclaimed.
	ids, err := q.RequeueExpired(ctx, now, 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected no expired leases, got %v err=%v", ids, err)
	}

	ids, err = q.RequeueExpired(ctx, now.Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "t-1" {
		t.Fatalf("expected [t-1] reclaimed, got %v", ids)
	}

	claimed, err := q.ClaimDue(ctx, now.Add(3*time.Minute), 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected reclaimed attempt claimable, got %v err=%v", claimed, err)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	now := time.Now()

	if err := q.Schedule(ctx, "t-1", now.Add(time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := q.Remove(ctx, "t-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	depth, err := q.Depth(ctx)
	if err != nil || depth != 0 {
		t.Fatalf("expected empty queue, got %d err=%v", depth, err)
	}
}
