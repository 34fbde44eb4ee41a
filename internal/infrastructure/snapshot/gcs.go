package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/opentiger/tiger/internal/domain"
)

// GCSArchiver writes cycle snapshots as JSON objects in a GCS bucket.
type GCSArchiver struct {
	client *storage.Client
	bucket string
}

// NewGCSArchiver creates a GCS archiver. It assumes the client is
// authenticated (e.g. via GOOGLE_APPLICATION_CREDENTIALS).
func NewGCSArchiver(ctx context.Context, bucketName string) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: bucketName}, nil
}

// Archive writes the cycle snapshot, overwriting any previous snapshot of
// the same cycle.
func (a *GCSArchiver) Archive(ctx context.Context, c *domain.Cycle, at time.Time) error {
	data, err := json.Marshal(newDocument(c, at))
	if err != nil {
		return fmt.Errorf("failed to marshal cycle snapshot: %w", err)
	}

	obj := a.client.Bucket(a.bucket).Object(objectName(c))
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write snapshot object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize snapshot object: %w", err)
	}
	return nil
}

// List returns the object names of every stored snapshot, oldest cycle
// first. Object names sort by cycle number because the number is
// zero-padded.
func (a *GCSArchiver) List(ctx context.Context) ([]string, error) {
	it := a.client.Bucket(a.bucket).Objects(ctx, &storage.Query{Prefix: "cycles/"})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list snapshot objects: %w", err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// Close releases the GCS client.
func (a *GCSArchiver) Close() error {
	return a.client.Close()
}
