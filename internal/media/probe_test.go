package media

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"social-publisher/internal/models"
)

type fakeHead struct {
	objects map[string]bool // "bucket/key" -> exists
	calls   []string
}

type apiError struct{ code string }

func (e *apiError) Error() string                 { return e.code }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.code }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

func (f *fakeHead) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	key := *in.Bucket + "/" + *in.Key
	f.calls = append(f.calls, key)
	if f.objects[key] {
		return &s3.HeadObjectOutput{}, nil
	}
	return nil, &apiError{code: "NotFound"}
}

func TestProbeExistingObject(t *testing.T) {
	f := &fakeHead{objects: map[string]bool{"media/a.png": true}}
	p := NewProberWithClient(f, "media")

	err := p.Probe(context.Background(), []models.MediaRef{{URL: "s3://media/a.png", Type: "image"}})
	if err != nil {
		t.Fatalf("probe existing object: %v", err)
	}
	if len(f.calls) != 1 || f.calls[0] != "media/a.png" {
		t.Fatalf("unexpected head calls: %v", f.calls)
	}
}

func TestProbeMissingObjectIsContentRejected(t *testing.T) {
	p := NewProberWithClient(&fakeHead{objects: map[string]bool{}}, "media")

	err := p.Probe(context.Background(), []models.MediaRef{{URL: "s3://media/gone.png", Type: "image"}})
	if err == nil {
		t.Fatal("expected error for missing object")
	}
	if kind := models.KindOf(err); kind != models.KindContentRejected {
		t.Fatalf("kind = %q, want %q", kind, models.KindContentRejected)
	}
}

func TestProbeSkipsHTTPAndResolvesBareKeys(t *testing.T) {
	f := &fakeHead{objects: map[string]bool{"media/uploads/b.jpg": true}}
	p := NewProberWithClient(f, "media")

	err := p.Probe(context.Background(), []models.MediaRef{
		{URL: "https://cdn.example.com/c.png", Type: "image"},
		{URL: "uploads/b.jpg", Type: "image"},
	})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if len(f.calls) != 1 || f.calls[0] != "media/uploads/b.jpg" {
		t.Fatalf("unexpected head calls: %v", f.calls)
	}
}

func TestNilProberIsNoop(t *testing.T) {
	var p *Prober
	if err := p.Probe(context.Background(), []models.MediaRef{{URL: "s3://media/x.png"}}); err != nil {
		t.Fatalf("nil prober should accept everything: %v", err)
	}
}
