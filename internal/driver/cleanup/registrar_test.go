package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	recordapi "github.com/node-local-cache/csi-driver/internal/api/coordination"
	"github.com/node-local-cache/csi-driver/internal/driver/config"
	"github.com/node-local-cache/csi-driver/internal/driver/coordination"
)

func TestRegistrarAddsFinalizerForTrackedVolume(t *testing.T) {
	scheme := newScheme(t)
	pv := newTestPV("nlc-vol-1")
	cl := fake.NewClientBuilder().WithScheme(scheme).WithObjects(pv).Build()
	store := coordination.NewFakeStore()

	_, err := store.Create(context.Background(), recordapi.New("nlc-vol-1", time.Now()))
	require.NoError(t, err)

	r := &Registrar{Client: cl, Store: store}
	_, err = r.Reconcile(context.Background(), ctrl.Request{NamespacedName: nn(pv.Name)})
	require.NoError(t, err)

	var got corev1.PersistentVolume
	require.NoError(t, cl.Get(context.Background(), nn(pv.Name), &got))
	assert.Contains(t, got.Finalizers, config.FinalizerName)
}

func TestRegistrarSkipsUntrackedVolume(t *testing.T) {
	scheme := newScheme(t)
	pv := newTestPV("nlc-vol-2")
	cl := fake.NewClientBuilder().WithScheme(scheme).WithObjects(pv).Build()
	store := coordination.NewFakeStore()

	r := &Registrar{Client: cl, Store: store}
	_, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: nn(pv.Name)})
	require.NoError(t, err)

	var got corev1.PersistentVolume
	require.NoError(t, cl.Get(context.Background(), nn(pv.Name), &got))
	assert.NotContains(t, got.Finalizers, config.FinalizerName)
}
