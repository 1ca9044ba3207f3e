// Package artifact stores phase documents as opaque blobs keyed under
// tasks/<task_id>/. Two implementations: a local directory for
// single-node deployments and an S3 bucket for shared ones.
package artifact

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowstate-sh/flowstate/internal/core"
)

// ErrNotFound is returned when a key has no object.
var ErrNotFound = errors.New("artifact not found")

// ObjectStore is an opaque key-value space for artifact blobs.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	// Get fails with ErrNotFound for missing keys.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetOptional returns nil, nil for missing keys.
	GetOptional(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Key builds the canonical artifact key for a task's document.
func Key(taskID string, kind core.ArtifactKind) string {
	return fmt.Sprintf("tasks/%s/%s.md", taskID, kind)
}
