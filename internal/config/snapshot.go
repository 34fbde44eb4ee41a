package config

import "fmt"

// SnapshotConfig selects where cycle stats snapshots are archived.
type SnapshotConfig struct {
	// Type is "fs" or "gcs". Empty disables snapshot archiving.
	Type string `env:"TIGER_SNAPSHOT_TYPE"`

	// FSDir is the archive directory for the fs backend.
	FSDir string `env:"TIGER_SNAPSHOT_FS_DIR"`

	// GCSBucket is the bucket name for the gcs backend.
	GCSBucket string `env:"TIGER_SNAPSHOT_GCS_BUCKET"`
}

// DefaultSnapshotConfig returns the fs backend rooted in the working dir.
func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		Type:  "fs",
		FSDir: "./tiger-data",
	}
}

// Validate checks the backend selection.
func (c *SnapshotConfig) Validate() error {
	switch c.Type {
	case "":
		return nil
	case "fs":
		if c.FSDir == "" {
			return fmt.Errorf("TIGER_SNAPSHOT_FS_DIR is required when TIGER_SNAPSHOT_TYPE is 'fs'")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("TIGER_SNAPSHOT_GCS_BUCKET is required when TIGER_SNAPSHOT_TYPE is 'gcs'")
		}
	default:
		return fmt.Errorf("unknown TIGER_SNAPSHOT_TYPE: %s", c.Type)
	}
	return nil
}
