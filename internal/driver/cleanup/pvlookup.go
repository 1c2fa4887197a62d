package cleanup

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/node-local-cache/csi-driver/internal/driver/config"
)

// findPV returns the PersistentVolume whose CSI volume handle is
// volumeID, or nil if none exists. PV names are generated by the
// external-provisioner sidecar and are not derivable from volumeID, so
// this always does a linear scan; cluster-wide PV counts make this
// acceptable for the cadence the cleanup protocol runs at.
func findPV(ctx context.Context, cl client.Client, volumeID string) (*corev1.PersistentVolume, error) {
	var list corev1.PersistentVolumeList
	if err := cl.List(ctx, &list); err != nil {
		return nil, fmt.Errorf("list persistent volumes: %w", err)
	}

	for i := range list.Items {
		pv := &list.Items[i]
		if pv.Spec.CSI != nil && pv.Spec.CSI.Driver == config.DriverName && pv.Spec.CSI.VolumeHandle == volumeID {
			return pv, nil
		}
	}
	return nil, nil
}

// liveNodeNames returns the names of every Node object currently known
// to the cluster.
func liveNodeNames(ctx context.Context, cl client.Client) ([]string, error) {
	var list corev1.NodeList
	if err := cl.List(ctx, &list); err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	names := make([]string, 0, len(list.Items))
	for _, n := range list.Items {
		names = append(names, n.Name)
	}
	return names, nil
}
