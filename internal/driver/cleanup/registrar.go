package cleanup

import (
	"context"
	"errors"

	corev1 "k8s.io/api/core/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/node-local-cache/csi-driver/internal/driver/config"
	"github.com/node-local-cache/csi-driver/internal/driver/coordination"
)

// Registrar places the cleanup finalizer on PersistentVolumes this driver
// provisioned. CreateVolume cannot do this directly: the PV object the
// finalizer belongs to is created by the external-provisioner sidecar
// only after CreateVolume returns, so a watch-driven reconciler picks it
// up once it appears instead.
type Registrar struct {
	Client client.Client
	Store  coordination.Store
}

// Reconcile implements reconcile.Reconciler.
func (r *Registrar) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	var pv corev1.PersistentVolume
	if err := r.Client.Get(ctx, req.NamespacedName, &pv); err != nil {
		if client.IgnoreNotFound(err) == nil {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	if pv.Spec.CSI == nil || pv.Spec.CSI.Driver != config.DriverName {
		return ctrl.Result{}, nil
	}
	if controllerutil.ContainsFinalizer(&pv, config.FinalizerName) {
		return ctrl.Result{}, nil
	}

	volumeID := pv.Spec.CSI.VolumeHandle
	if _, _, err := r.Store.Get(ctx, volumeID); err != nil {
		if errors.Is(err, coordination.ErrNotFound) {
			// CreateVolume has not recorded this volume yet (or never
			// will, e.g. a PV the orchestrator created out-of-band); there
			// is nothing for the cleanup protocol to track here.
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	logger := log.FromContext(ctx).WithValues("volume_id", volumeID, "pv", pv.Name)
	logger.Info("adding cleanup finalizer to persistent volume")

	controllerutil.AddFinalizer(&pv, config.FinalizerName)
	if err := r.Client.Update(ctx, &pv); err != nil {
		return ctrl.Result{}, err
	}
	return ctrl.Result{}, nil
}

// SetupWithManager registers the registrar with mgr, triggered on every
// PersistentVolume add/update.
func (r *Registrar) SetupWithManager(mgr manager.Manager) error {
	noFinalizerYet := predicate.NewPredicateFuncs(func(obj client.Object) bool {
		pv, ok := obj.(*corev1.PersistentVolume)
		if !ok {
			return false
		}
		return pv.Spec.CSI != nil && pv.Spec.CSI.Driver == config.DriverName &&
			!controllerutil.ContainsFinalizer(pv, config.FinalizerName)
	})

	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.PersistentVolume{}).
		WithEventFilter(noFinalizerYet).
		Named("pv-registrar").
		Complete(r)
}
