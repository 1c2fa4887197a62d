package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	recordapi "github.com/node-local-cache/csi-driver/internal/api/coordination"
	"github.com/node-local-cache/csi-driver/internal/driver/config"
	"github.com/node-local-cache/csi-driver/internal/driver/coordination"
	"github.com/node-local-cache/csi-driver/internal/driver/fsutil"
)

// ReconcileNodeStartup is the node-side safety net run once after the
// manager's cache has synced; the Identity service's Probe reports not
// ready until it returns. It walks basePath's immediate children and,
// for each that no longer corresponds to a PersistentVolume handle this
// driver still owns, purges it directly -- covering any crash that left a
// directory behind between its creation and the coordination record
// being durably recorded. For directories whose record does still exist
// and is cleanup-pending, it marks this node's completion so a crash
// between the sweeper's purge and its record update does not strand the
// record forever.
func ReconcileNodeStartup(ctx context.Context, cl client.Client, store coordination.Store, cfg *config.Config, logger logr.Logger) error {
	entries, err := os.ReadDir(cfg.BasePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read base path %q: %w", cfg.BasePath, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		volumeID := entry.Name()
		if err := volumeIDLooksValid(volumeID); err != nil {
			logger.V(1).Info("skipping unrecognized entry under base path", "name", volumeID)
			continue
		}

		pv, err := findPV(ctx, cl, volumeID)
		if err != nil {
			return err
		}

		rec, _, err := store.Get(ctx, volumeID)
		switch {
		case pv == nil && errors.Is(err, coordination.ErrNotFound):
			logger.Info("purging orphaned directory with no PV and no coordination record", "volume_id", volumeID)
			if err := fsutil.Purge(cfg.VolumeDir(volumeID)); err != nil {
				return err
			}
		case err == nil && rec.State == recordapi.StateCleanupPending && !rec.HasNodeCompleted(cfg.NodeName):
			logger.Info("resuming interrupted sweep from a previous process", "volume_id", volumeID)
			if err := fsutil.Purge(cfg.VolumeDir(volumeID)); err != nil {
				return err
			}
			if _, err := coordination.UpdateWithRetry(ctx, store, volumeID, func(r *recordapi.Record) error {
				r.AddNodeCompleted(cfg.NodeName)
				return nil
			}); err != nil && !errors.Is(err, coordination.ErrNotFound) {
				return err
			}
		case pv == nil && err == nil:
			logger.Info("purging orphaned directory with no PV but a leftover coordination record", "volume_id", volumeID)
			if err := fsutil.Purge(cfg.VolumeDir(volumeID)); err != nil {
				return err
			}
		case err != nil && !errors.Is(err, coordination.ErrNotFound):
			return err
		}
	}

	return nil
}

// ReconcileControllerStartup is the controller-side safety net run once
// at controller startup, after the manager's cache has synced. It finds every PersistentVolume that still carries
// the cleanup finalizer but has no coordination record -- meaning a prior
// controller process crashed between removing the volume's provisioning
// state and creating the record, or between the record's deletion and the
// finalizer's removal landing -- and recreates a fresh cleanup-pending
// record seeded with every currently live node, giving the protocol a new
// deadline to converge against.
func ReconcileControllerStartup(ctx context.Context, cl client.Client, store coordination.Store, cleanupTimeout time.Duration, logger logr.Logger) error {
	live, err := liveNodeNames(ctx, cl)
	if err != nil {
		return err
	}

	pvs, err := listFinalizedPVs(ctx, cl)
	if err != nil {
		return err
	}

	for _, pv := range pvs {
		volumeID := pv.Spec.CSI.VolumeHandle

		_, _, err := store.Get(ctx, volumeID)
		if err == nil {
			continue
		}
		if !errors.Is(err, coordination.ErrNotFound) {
			return err
		}

		logger.Info("recreating coordination record for finalized PV with no record", "volume_id", volumeID)

		rec := recordapi.New(volumeID, time.Now())
		for _, n := range live {
			rec.AddNodeWithVolume(n)
		}
		rec.State = recordapi.StateCleanupPending
		rec.DeadlineAt = time.Now().Add(cleanupTimeout)

		if _, err := store.Create(ctx, rec); err != nil && !errors.Is(err, coordination.ErrAlreadyExists) {
			return err
		}
	}

	return nil
}

// listFinalizedPVs returns every PersistentVolume owned by this driver
// that still carries the cleanup finalizer.
func listFinalizedPVs(ctx context.Context, cl client.Client) ([]*corev1.PersistentVolume, error) {
	var list corev1.PersistentVolumeList
	if err := cl.List(ctx, &list); err != nil {
		return nil, fmt.Errorf("list persistent volumes: %w", err)
	}

	var out []*corev1.PersistentVolume
	for i := range list.Items {
		pv := &list.Items[i]
		if pv.Spec.CSI == nil || pv.Spec.CSI.Driver != config.DriverName {
			continue
		}
		if controllerutil.ContainsFinalizer(pv, config.FinalizerName) {
			out = append(out, pv)
		}
	}
	return out, nil
}

func volumeIDLooksValid(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return fmt.Errorf("invalid entry name %q", name)
	}
	return nil
}
