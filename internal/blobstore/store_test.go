package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/juno-intents/shielded-pool/internal/jobqueue"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[key] = body
	f.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(v))}, nil
}

func TestNew_Validates(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Driver: "gcs"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("unknown driver: %v", err)
	}
	if _, err := New(Config{Driver: DriverS3, S3Client: newFakeS3()}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing bucket: %v", err)
	}
	if _, err := New(Config{Driver: DriverS3, Bucket: "b"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing client: %v", err)
	}
}

func TestStores_PutGet(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	stores := map[string]Store{}
	var err error
	if stores["memory"], err = New(Config{Driver: DriverMemory, Prefix: "/archive/"}); err != nil {
		t.Fatalf("memory: %v", err)
	}
	if stores["s3"], err = New(Config{Driver: "S3", Bucket: "relay", Prefix: "archive", S3Client: fake}); err != nil {
		t.Fatalf("s3: %v", err)
	}

	for name, s := range stores {
		s := s
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			payload := []byte(`{"ok":true}`)
			if err := s.Put(ctx, "jobs/a.json", payload, "application/json"); err != nil {
				t.Fatalf("Put: %v", err)
			}
			payload[0] = 'X'
			got, err := s.Get(ctx, "/jobs/a.json")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != `{"ok":true}` {
				t.Fatalf("payload: %s", got)
			}
			if _, err := s.Get(ctx, "jobs/missing.json"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := s.Put(ctx, " jobs/x", nil, ""); !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("expected ErrInvalidKey, got %v", err)
			}
			if err := s.Put(ctx, "jobs/\x01", nil, ""); !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("expected ErrInvalidKey for control char, got %v", err)
			}
		})
	}

	if _, ok := fake.objects["relay/archive/jobs/a.json"]; !ok {
		t.Fatalf("s3 key not prefixed: %v", fake.objects)
	}
	if fake.types["relay/archive/jobs/a.json"] != "application/json" {
		t.Fatalf("content type not forwarded")
	}
}

func TestJobArchive(t *testing.T) {
	t.Parallel()

	store, _ := New(Config{Driver: DriverMemory})
	a, err := NewJobArchive(store)
	if err != nil {
		t.Fatalf("NewJobArchive: %v", err)
	}
	created := time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC)
	finished := created.Add(2 * time.Minute)
	j := jobqueue.Job{
		ID:         "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		Type:       jobqueue.TypeSwap,
		Status:     jobqueue.StatusFailed,
		ProofHash:  "ab",
		Error:      "Transaction simulation failed",
		ErrorKind:  "rejected",
		CreatedAt:  created,
		FinishedAt: &finished,
	}
	key := JobKey(j)
	if key != "jobs/2026-04-01/7c9e6679-7425-40de-944b-e07fc1f90ae7.json" {
		t.Fatalf("key: %s", key)
	}
	if err := a.ArchiveJob(context.Background(), j); err != nil {
		t.Fatalf("ArchiveJob: %v", err)
	}
	got, err := a.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ID != j.ID || got.Error != j.Error || got.Type != j.Type || !got.FinishedAt.Equal(finished) {
		t.Fatalf("round trip: %+v", got)
	}

	j.Status = jobqueue.StatusPending
	if err := a.ArchiveJob(context.Background(), j); err == nil {
		t.Fatalf("expected error archiving a pending job")
	}
	if _, err := NewJobArchive(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil store: %v", err)
	}
}
