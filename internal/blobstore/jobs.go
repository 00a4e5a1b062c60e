package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/juno-intents/shielded-pool/internal/jobqueue"
)

// JobArchive writes terminal relay jobs as JSON under
// jobs/<yyyy-mm-dd>/<id>.json, dated by completion.
type JobArchive struct {
	store Store
}

var _ jobqueue.Archiver = (*JobArchive)(nil)

func NewJobArchive(store Store) (*JobArchive, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return &JobArchive{store: store}, nil
}

func JobKey(j jobqueue.Job) string {
	at := j.CreatedAt
	if j.FinishedAt != nil {
		at = *j.FinishedAt
	}
	return path.Join("jobs", at.UTC().Format("2006-01-02"), j.ID+".json")
}

func (a *JobArchive) ArchiveJob(ctx context.Context, j jobqueue.Job) error {
	if !j.Status.Terminal() {
		return fmt.Errorf("blobstore: job %s is %s", j.ID, j.Status)
	}
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("blobstore: marshal job %s: %w", j.ID, err)
	}
	return a.store.Put(ctx, JobKey(j), payload, "application/json")
}

// Load reads back an archived job.
func (a *JobArchive) Load(ctx context.Context, key string) (jobqueue.Job, error) {
	raw, err := a.store.Get(ctx, key)
	if err != nil {
		return jobqueue.Job{}, err
	}
	var j jobqueue.Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return jobqueue.Job{}, fmt.Errorf("blobstore: decode %s: %w", key, err)
	}
	return j, nil
}
