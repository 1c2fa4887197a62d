// Package coordination implements the coordination-record layer: a
// small capability over a cluster-wide key/value store (ConfigMaps, in
// the Kubernetes backing implementation) providing optimistic-concurrency
// read-modify-write. The rest of the driver is written against the Store
// interface, not the concrete object store, so tests can substitute an
// in-memory implementation. Change notification for the cleanup protocol
// comes from the controller-runtime manager cache, not from this layer.
package coordination

import (
	"context"
	"errors"

	"github.com/node-local-cache/csi-driver/internal/api/coordination"
)

// Sentinel errors returned by Store implementations. Callers use
// errors.Is to classify them.
var (
	ErrNotFound      = errors.New("coordination record not found")
	ErrAlreadyExists = errors.New("coordination record already exists")
	ErrConflict      = errors.New("coordination record version conflict")
)

// Store is the coordination record capability: get, create,
// update-with-CAS, and delete-with-CAS.
//
// Implementations must treat the returned/accepted version string as
// opaque; callers never compare or parse it, only round-trip it.
type Store interface {
	// Get returns the current record and its version, or ErrNotFound.
	Get(ctx context.Context, volumeID string) (*coordination.Record, string, error)

	// Create writes a brand-new record, returning its version, or
	// ErrAlreadyExists if one is already present.
	Create(ctx context.Context, rec *coordination.Record) (string, error)

	// Update replaces the record at expectedVersion, returning the new
	// version, or ErrConflict if expectedVersion is stale, or
	// ErrNotFound if the record is gone.
	Update(ctx context.Context, rec *coordination.Record, expectedVersion string) (string, error)

	// Delete removes the record at expectedVersion, or ErrConflict /
	// ErrNotFound.
	Delete(ctx context.Context, volumeID string, expectedVersion string) error
}
