package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/plansim-labs/plansim-go/internal/platform/objectstore"
)

// MinioPublisher uploads batch artifacts to the object store: the comparison
// document to the artifacts bucket, per-scenario final states to the outputs
// bucket.
type MinioPublisher struct {
	client *minio.Client
	cfg    objectstore.Config
}

func NewMinioPublisher(client *minio.Client, cfg objectstore.Config) (*MinioPublisher, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MinioPublisher{client: client, cfg: cfg}, nil
}

func (p *MinioPublisher) PublishComparison(ctx context.Context, batchID string, payload []byte) error {
	if p == nil {
		return errors.New("publisher not initialized")
	}
	objectKey := fmt.Sprintf("batches/%s/comparison.json", batchID)

	putCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := p.client.PutObject(
		putCtx,
		p.cfg.BucketArtifacts,
		objectKey,
		bytes.NewReader(payload),
		int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return fmt.Errorf("put comparison artifact: %w", err)
	}
	return nil
}

// PublishFinalState uploads one scenario's final year state so downstream
// comparison tooling can read every scenario from one place.
func (p *MinioPublisher) PublishFinalState(ctx context.Context, scenarioID, runID string, payload []byte) error {
	if p == nil {
		return errors.New("publisher not initialized")
	}
	objectKey := fmt.Sprintf("scenarios/%s/runs/%s/final_state.json", scenarioID, runID)

	putCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	_, err := p.client.PutObject(
		putCtx,
		p.cfg.BucketOutputs,
		objectKey,
		bytes.NewReader(payload),
		int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return fmt.Errorf("put final state: %w", err)
	}
	return nil
}
