// Package snapshot archives cycle stats outside the database, to the local
// filesystem or a GCS bucket.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/opentiger/tiger/internal/application/cycle"
	"github.com/opentiger/tiger/internal/config"
	"github.com/opentiger/tiger/internal/domain"
)

// Document is the archived form of one cycle snapshot.
type Document struct {
	CycleID     string             `json:"cycleId"`
	Number      int                `json:"number"`
	Status      domain.CycleStatus `json:"status"`
	StartedAt   time.Time          `json:"startedAt"`
	EndedAt     *time.Time         `json:"endedAt,omitempty"`
	TriggerType domain.TriggerType `json:"triggerType,omitempty"`
	EndReason   string             `json:"endReason,omitempty"`
	Stats       domain.CycleStats  `json:"stats"`
	ArchivedAt  time.Time          `json:"archivedAt"`
}

func newDocument(c *domain.Cycle, at time.Time) Document {
	return Document{
		CycleID:     c.ID,
		Number:      c.Number,
		Status:      c.Status,
		StartedAt:   c.StartedAt,
		EndedAt:     c.EndedAt,
		TriggerType: c.TriggerType,
		EndReason:   c.EndReason,
		Stats:       c.Stats,
		ArchivedAt:  at.UTC(),
	}
}

// objectName is stable per cycle so repeated archiving overwrites the
// previous snapshot instead of accumulating versions.
func objectName(c *domain.Cycle) string {
	return fmt.Sprintf("cycles/cycle-%05d-%s.json", c.Number, c.ID)
}

// Lister enumerates stored snapshots. Both archiver backends implement it.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// New builds the archiver selected by the config. An empty type disables
// archiving and returns a nil Archiver.
func New(ctx context.Context, cfg config.SnapshotConfig) (cycle.Archiver, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "fs":
		return NewFSArchiver(cfg.FSDir)
	case "gcs":
		return NewGCSArchiver(ctx, cfg.GCSBucket)
	default:
		return nil, fmt.Errorf("unknown snapshot backend: %s", cfg.Type)
	}
}
