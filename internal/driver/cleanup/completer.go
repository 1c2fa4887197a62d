package cleanup

import (
	"context"
	"errors"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/set"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	recordapi "github.com/node-local-cache/csi-driver/internal/api/coordination"
	"github.com/node-local-cache/csi-driver/internal/driver/config"
	"github.com/node-local-cache/csi-driver/internal/driver/coordination"
)

// pollInterval bounds how long the completer waits before re-checking a
// cleanup-pending record that has neither converged nor hit its deadline,
// so a node that never sends an update event (e.g. it was already gone
// when cleanup began) does not leave the record stuck forever.
const pollInterval = 30 * time.Second

// Completer is the controller-side half of the cleanup protocol engine.
// It watches cleanup-pending coordination records, and once every node
// that had the volume (and is still live) has reported completion -- or
// the record's deadline has passed, whichever comes first -- it removes
// the PersistentVolume's cleanup finalizer and deletes the record.
type Completer struct {
	Client client.Client
	Store  coordination.Store
}

// Reconcile implements reconcile.Reconciler.
func (c *Completer) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithValues("volume_id", req.Name)

	volumeID := strings.TrimPrefix(req.Name, config.RecordNamePrefix)

	rec, version, err := c.Store.Get(ctx, volumeID)
	if errors.Is(err, coordination.ErrNotFound) {
		return ctrl.Result{}, nil
	}
	if err != nil {
		return ctrl.Result{}, err
	}

	if rec.State != recordapi.StateCleanupPending {
		return ctrl.Result{}, nil
	}

	live, err := liveNodeNames(ctx, c.Client)
	if err != nil {
		return ctrl.Result{}, err
	}
	expected := rec.NodesWithVolumeSet().Intersection(set.New(live...))
	completed := rec.NodesCompletedSet()

	converged := completed.IsSuperset(expected)
	deadlinePassed := !rec.DeadlineAt.IsZero() && !time.Now().Before(rec.DeadlineAt)

	if !converged && !deadlinePassed {
		requeueAfter := pollInterval
		if !rec.DeadlineAt.IsZero() {
			if until := time.Until(rec.DeadlineAt); until > 0 && until < requeueAfter {
				requeueAfter = until
			}
		}
		return ctrl.Result{RequeueAfter: requeueAfter}, nil
	}

	if deadlinePassed && !converged {
		logger.Info("forcing cleanup completion at deadline",
			"nodes_expected", expected.UnsortedList(), "nodes_completed", completed.UnsortedList())
	}

	rec.State = recordapi.StateCleanupComplete
	newVersion, err := c.Store.Update(ctx, rec, version)
	if err != nil {
		if errors.Is(err, coordination.ErrConflict) {
			return ctrl.Result{Requeue: true}, nil
		}
		return ctrl.Result{}, err
	}

	if err := c.releasePV(ctx, volumeID); err != nil {
		return ctrl.Result{}, err
	}

	if err := c.Store.Delete(ctx, volumeID, newVersion); err != nil && !errors.Is(err, coordination.ErrNotFound) {
		logger.Error(err, "failed to delete completed coordination record; it is left in the cleanup-complete state")
	}

	logger.Info("cleanup complete, finalizer released")
	return ctrl.Result{}, nil
}

func (c *Completer) releasePV(ctx context.Context, volumeID string) error {
	pv, err := findPV(ctx, c.Client, volumeID)
	if err != nil {
		return err
	}
	if pv == nil {
		return nil
	}
	if !controllerutil.ContainsFinalizer(pv, config.FinalizerName) {
		return nil
	}
	controllerutil.RemoveFinalizer(pv, config.FinalizerName)
	return c.Client.Update(ctx, pv)
}

// SetupWithManager registers the completer with mgr, triggered on every
// add/update/delete of a ConfigMap carrying the cleanup-pending label.
func (c *Completer) SetupWithManager(mgr manager.Manager) error {
	cleanupPending := predicate.NewPredicateFuncs(func(obj client.Object) bool {
		return obj.GetLabels()[config.CleanupLabelKey] == config.CleanupLabelPending
	})

	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.ConfigMap{}).
		WithEventFilter(cleanupPending).
		Named("completer").
		Complete(c)
}
