package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"social-publisher/internal/config"
	"social-publisher/internal/models"
	"social-publisher/internal/provider"
	"social-publisher/internal/queue"
	"social-publisher/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Memory, *queue.Deferred) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	repo := store.NewMemory(nil)
	deferred := queue.NewDeferred(client, 30*time.Second)
	registry := provider.NewRegistry(provider.NewFake("tw"), provider.NewFake("md"))
	cfg := config.Config{MaxAttempts: 5}

	srv := New(cfg, repo, registry, deferred, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, repo, deferred
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func scheduleBody() map[string]any {
	return map[string]any{
		"workspace_id": "ws-1",
		"body":         "hello",
		"scheduled_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		"targets": []map[string]string{
			{"account_id": "acc-1", "platform": "tw"},
		},
	}
}

func TestSchedulePostIdempotency(t *testing.T) {
	ts, _, _ := newTestServer(t)

	headers := map[string]string{"Idempotency-Key": "key-123"}
	resp := postJSON(t, ts.URL+"/posts", scheduleBody(), headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var first schedulePostResponse
	if err := json.NewDecoder(resp.Body).Decode(&first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Idempotent {
		t.Fatal("first request should not be idempotent")
	}
	if first.Post.Status != models.PostScheduled {
		t.Fatalf("post status = %q, want scheduled", first.Post.Status)
	}

	resp2 := postJSON(t, ts.URL+"/posts", scheduleBody(), headers)
	defer resp2.Body.Close()
	var second schedulePostResponse
	if err := json.NewDecoder(resp2.Body).Decode(&second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !second.Idempotent {
		t.Fatal("replay should report idempotent")
	}
	if second.Post.ID != first.Post.ID {
		t.Fatalf("replay returned post %s, want %s", second.Post.ID, first.Post.ID)
	}
}

func TestSchedulePostValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)

	cases := []struct {
		name string
		mut  func(map[string]any)
		code int
	}{
		{"no targets", func(b map[string]any) { b["targets"] = []map[string]string{} }, http.StatusBadRequest},
		{"empty content", func(b map[string]any) { b["body"] = "" }, http.StatusBadRequest},
		{"unknown platform", func(b map[string]any) {
			b["targets"] = []map[string]string{{"account_id": "acc-1", "platform": "friendster"}}
		}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := scheduleBody()
			tc.mut(body)
			resp := postJSON(t, ts.URL+"/posts", body, nil)
			defer resp.Body.Close()
			if resp.StatusCode != tc.code {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.code)
			}
		})
	}
}

func TestGetPostNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/posts/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelScheduledPost(t *testing.T) {
	ts, repo, _ := newTestServer(t)
	post, _, err := repo.CreatePostWithTargets(context.Background(), store.CreatePostParams{
		WorkspaceID: "ws-1",
		Body:        "to cancel",
		ScheduledAt: time.Now().Add(time.Hour),
		Targets:     []store.TargetSpec{{AccountID: "acc-1", Platform: "tw"}},
	})
	if err != nil {
		t.Fatalf("seed post: %v", err)
	}

	resp := postJSON(t, fmt.Sprintf("%s/posts/%s/cancel", ts.URL, post.ID), nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["status"] != "canceled" {
		t.Fatalf("cancel status = %v, want canceled", out["status"])
	}

	got, err := repo.GetPost(context.Background(), post.ID)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if got.Status != models.PostCanceled {
		t.Fatalf("post status = %q, want canceled", got.Status)
	}
}

func TestRetryTarget(t *testing.T) {
	ts, repo, deferred := newTestServer(t)
	ctx := context.Background()
	post, _, err := repo.CreatePostWithTargets(ctx, store.CreatePostParams{
		WorkspaceID: "ws-1",
		Body:        "retry me",
		ScheduledAt: time.Now().Add(-time.Minute),
		Targets:     []store.TargetSpec{{AccountID: "acc-1", Platform: "tw"}},
	})
	if err != nil {
		t.Fatalf("seed post: %v", err)
	}
	target := post.Targets[0]

	// Not failed yet: retry must be rejected.
	resp := postJSON(t, fmt.Sprintf("%s/targets/%s/retry", ts.URL, target.ID), nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409 for non-failed target", resp.StatusCode)
	}

	kind := models.KindServerError
	msg := "upstream down"
	for _, step := range [][2]string{
		{models.TargetPending, models.TargetQueued},
		{models.TargetQueued, models.TargetPublishing},
	} {
		if _, err := repo.TransitionTarget(ctx, store.TargetTransition{TargetID: target.ID, From: step[0], To: step[1]}); err != nil {
			t.Fatalf("transition %s->%s: %v", step[0], step[1], err)
		}
	}
	if _, err := repo.TransitionTarget(ctx, store.TargetTransition{
		TargetID: target.ID, From: models.TargetPublishing, To: models.TargetFailed,
		AttemptsDelta: 3, ErrorKind: &kind, ErrorMessage: &msg,
	}); err != nil {
		t.Fatalf("fail target: %v", err)
	}

	resp2 := postJSON(t, fmt.Sprintf("%s/targets/%s/retry", ts.URL, target.ID), nil, nil)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp2.StatusCode)
	}
	var rearmed models.Target
	if err := json.NewDecoder(resp2.Body).Decode(&rearmed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rearmed.Status != models.TargetQueued || rearmed.Attempts != 0 {
		t.Fatalf("rearmed = %+v, want queued with zero attempts", rearmed)
	}

	if depth, _ := deferred.Depth(ctx); depth != 1 {
		t.Fatalf("deferred depth = %d, want 1", depth)
	}
	got, err := repo.GetPost(ctx, post.ID)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if got.Status != models.PostProcessing {
		t.Fatalf("post status = %q, want processing after re-arm", got.Status)
	}
}
