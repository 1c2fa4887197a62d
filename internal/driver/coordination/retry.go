package coordination

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/apimachinery/pkg/util/wait"

	recordapi "github.com/node-local-cache/csi-driver/internal/api/coordination"
)

// backoff is the read-modify-write retry schedule: 50ms initial delay,
// factor 2, 2s cap, 8 attempts. UpdateWithRetry spreads each delay by
// +/-20% jitter.
func backoff() wait.Backoff {
	return wait.Backoff{
		Duration: 50 * time.Millisecond,
		Factor:   2,
		Steps:    8,
		Cap:      2 * time.Second,
	}
}

// MutateFunc mutates rec in place; it may inspect the current state to
// decide what to change. Returning an error aborts the retry loop without
// retrying.
type MutateFunc func(rec *recordapi.Record) error

// UpdateWithRetry reads the current record for volumeID, applies mutate,
// and writes the result back, retrying the whole read-modify-write cycle
// under the standard backoff schedule whenever the write loses a
// concurrent-modification race. Exhausting the schedule returns an
// UNAVAILABLE gRPC status error.
func UpdateWithRetry(ctx context.Context, store Store, volumeID string, mutate MutateFunc) (*recordapi.Record, error) {
	b := backoff()
	attempts := b.Steps

	for attempt := 0; attempt < attempts; attempt++ {
		rec, version, err := store.Get(ctx, volumeID)
		if err != nil {
			return nil, err
		}

		if err := mutate(rec); err != nil {
			return nil, err
		}

		if _, err := store.Update(ctx, rec, version); err == nil {
			return rec, nil
		} else if !errors.Is(err, ErrConflict) {
			return nil, err
		}

		if attempt == attempts-1 {
			break
		}

		delay := b.Step()
		delay += time.Duration((rand.Float64()*0.4 - 0.2) * float64(delay))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, status.Error(codes.Unavailable, fmt.Sprintf("coordination record %q: exceeded retry budget on version conflicts", volumeID))
}

// CreateOrGet creates a new record if none exists, otherwise returns the
// existing one. Used by NodePublish's best-effort registration when it
// races a just-started CreateVolume.
func CreateOrGet(ctx context.Context, store Store, rec *recordapi.Record) (*recordapi.Record, error) {
	_, err := store.Create(ctx, rec)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrAlreadyExists) {
		return nil, err
	}

	existing, _, err := store.Get(ctx, rec.VolumeID)
	if err != nil {
		return nil, err
	}
	return existing, nil
}
