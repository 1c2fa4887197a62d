package cleanup

import (
	"context"
	"errors"
	"strings"

	corev1 "k8s.io/api/core/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	recordapi "github.com/node-local-cache/csi-driver/internal/api/coordination"
	"github.com/node-local-cache/csi-driver/internal/driver/config"
	"github.com/node-local-cache/csi-driver/internal/driver/coordination"
	"github.com/node-local-cache/csi-driver/internal/driver/fsutil"
	"github.com/node-local-cache/csi-driver/internal/driver/volumelock"
)

// Sweeper is the node-side half of the cleanup protocol engine. It
// watches coordination records in the cleanup-pending state and purges
// this node's local directory for each one it has not yet completed.
type Sweeper struct {
	Store    coordination.Store
	Locks    *volumelock.Registry
	Config   *config.Config
	NodeName string
}

// Reconcile implements reconcile.Reconciler.
func (s *Sweeper) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithValues("volume_id", req.Name, "node", s.NodeName)

	volumeID := strings.TrimPrefix(req.Name, config.RecordNamePrefix)

	rec, _, err := s.Store.Get(ctx, volumeID)
	if errors.Is(err, coordination.ErrNotFound) {
		// The record is gone; the completer already finished and deleted
		// it, or it never existed. Either way there is nothing to sweep.
		return ctrl.Result{}, nil
	}
	if err != nil {
		return ctrl.Result{}, err
	}

	if rec.State != recordapi.StateCleanupPending {
		return ctrl.Result{}, nil
	}
	if rec.HasNodeCompleted(s.NodeName) {
		return ctrl.Result{}, nil
	}

	unlock := s.Locks.Lock(volumeID)
	defer unlock()

	logger.Info("sweeping local directory for cleanup-pending volume")
	if err := fsutil.Purge(s.Config.VolumeDir(volumeID)); err != nil {
		logger.Error(err, "failed to purge local directory")
		return ctrl.Result{}, err
	}

	_, err = coordination.UpdateWithRetry(ctx, s.Store, volumeID, func(r *recordapi.Record) error {
		r.AddNodeCompleted(s.NodeName)
		return nil
	})
	if errors.Is(err, coordination.ErrNotFound) {
		// The completer deleted the record between our Get and our
		// attempt to record completion; the sweep itself already
		// succeeded, so this is not an error.
		return ctrl.Result{}, nil
	}
	if err != nil {
		return ctrl.Result{}, err
	}

	logger.Info("completed local sweep")
	return ctrl.Result{}, nil
}

// SetupWithManager registers the sweeper with mgr, triggered on every
// add/update/delete of a ConfigMap carrying the cleanup-pending label.
func (s *Sweeper) SetupWithManager(mgr manager.Manager) error {
	cleanupPending := predicate.NewPredicateFuncs(func(obj client.Object) bool {
		return obj.GetLabels()[config.CleanupLabelKey] == config.CleanupLabelPending
	})

	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.ConfigMap{}).
		WithEventFilter(cleanupPending).
		Named("sweeper").
		Complete(s)
}
