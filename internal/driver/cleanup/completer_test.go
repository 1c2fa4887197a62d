package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	recordapi "github.com/node-local-cache/csi-driver/internal/api/coordination"
	"github.com/node-local-cache/csi-driver/internal/driver/config"
	"github.com/node-local-cache/csi-driver/internal/driver/coordination"
)

func newScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	require.NoError(t, corev1.AddToScheme(scheme))
	return scheme
}

func newTestPV(volumeID string, finalizers ...string) *corev1.PersistentVolume {
	return &corev1.PersistentVolume{
		ObjectMeta: metav1.ObjectMeta{
			Name:       "pv-" + volumeID,
			Finalizers: finalizers,
		},
		Spec: corev1.PersistentVolumeSpec{
			PersistentVolumeSource: corev1.PersistentVolumeSource{
				CSI: &corev1.CSIPersistentVolumeSource{
					Driver:       config.DriverName,
					VolumeHandle: volumeID,
				},
			},
		},
	}
}

func newTestNode(name string) *corev1.Node {
	return &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

func TestCompleterReleasesFinalizerWhenAllNodesDone(t *testing.T) {
	scheme := newScheme(t)
	pv := newTestPV("nlc-vol-1", config.FinalizerName)
	node := newTestNode("node-a")

	cl := fake.NewClientBuilder().WithScheme(scheme).WithObjects(pv, node).Build()
	store := coordination.NewFakeStore()

	rec := recordapi.New("nlc-vol-1", time.Now())
	rec.AddNodeWithVolume("node-a")
	rec.State = recordapi.StateCleanupPending
	rec.AddNodeCompleted("node-a")
	_, err := store.Create(context.Background(), rec)
	require.NoError(t, err)

	c := &Completer{Client: cl, Store: store}
	res, err := c.Reconcile(context.Background(), ctrl.Request{NamespacedName: nn(config.RecordName("nlc-vol-1"))})
	require.NoError(t, err)
	assert.Zero(t, res.RequeueAfter)

	var gotPV corev1.PersistentVolume
	require.NoError(t, cl.Get(context.Background(), nn(pv.Name), &gotPV))
	assert.Empty(t, gotPV.Finalizers)

	_, _, err = store.Get(context.Background(), "nlc-vol-1")
	assert.ErrorIs(t, err, coordination.ErrNotFound)
}

func TestCompleterRequeuesWhenNodesOutstanding(t *testing.T) {
	scheme := newScheme(t)
	pv := newTestPV("nlc-vol-2", config.FinalizerName)
	nodeA := newTestNode("node-a")
	nodeB := newTestNode("node-b")

	cl := fake.NewClientBuilder().WithScheme(scheme).WithObjects(pv, nodeA, nodeB).Build()
	store := coordination.NewFakeStore()

	rec := recordapi.New("nlc-vol-2", time.Now())
	rec.AddNodeWithVolume("node-a")
	rec.AddNodeWithVolume("node-b")
	rec.State = recordapi.StateCleanupPending
	rec.AddNodeCompleted("node-a")
	rec.DeadlineAt = time.Now().Add(time.Hour)
	_, err := store.Create(context.Background(), rec)
	require.NoError(t, err)

	c := &Completer{Client: cl, Store: store}
	res, err := c.Reconcile(context.Background(), ctrl.Request{NamespacedName: nn(config.RecordName("nlc-vol-2"))})
	require.NoError(t, err)
	assert.NotZero(t, res.RequeueAfter)

	got, _, err := store.Get(context.Background(), "nlc-vol-2")
	require.NoError(t, err)
	assert.Equal(t, recordapi.StateCleanupPending, got.State)
}

func TestCompleterForcesCompletionAtDeadline(t *testing.T) {
	scheme := newScheme(t)
	pv := newTestPV("nlc-vol-3", config.FinalizerName)
	nodeA := newTestNode("node-a")
	nodeB := newTestNode("node-b")

	cl := fake.NewClientBuilder().WithScheme(scheme).WithObjects(pv, nodeA, nodeB).Build()
	store := coordination.NewFakeStore()

	rec := recordapi.New("nlc-vol-3", time.Now())
	rec.AddNodeWithVolume("node-a")
	rec.AddNodeWithVolume("node-b")
	rec.State = recordapi.StateCleanupPending
	rec.AddNodeCompleted("node-a")
	rec.DeadlineAt = time.Now().Add(-time.Minute)
	_, err := store.Create(context.Background(), rec)
	require.NoError(t, err)

	c := &Completer{Client: cl, Store: store}
	_, err = c.Reconcile(context.Background(), ctrl.Request{NamespacedName: nn(config.RecordName("nlc-vol-3"))})
	require.NoError(t, err)

	var gotPV corev1.PersistentVolume
	require.NoError(t, cl.Get(context.Background(), nn(pv.Name), &gotPV))
	assert.Empty(t, gotPV.Finalizers, "deadline should force the finalizer off even though node-b never reported")
}

func TestCompleterExcludesDecommissionedNodes(t *testing.T) {
	scheme := newScheme(t)
	pv := newTestPV("nlc-vol-4", config.FinalizerName)
	nodeA := newTestNode("node-a")
	// node-b has been decommissioned: it is absent from the cluster

	cl := fake.NewClientBuilder().WithScheme(scheme).WithObjects(pv, nodeA).Build()
	store := coordination.NewFakeStore()

	rec := recordapi.New("nlc-vol-4", time.Now())
	rec.AddNodeWithVolume("node-a")
	rec.AddNodeWithVolume("node-b")
	rec.State = recordapi.StateCleanupPending
	rec.AddNodeCompleted("node-a")
	rec.DeadlineAt = time.Now().Add(time.Hour)
	_, err := store.Create(context.Background(), rec)
	require.NoError(t, err)

	c := &Completer{Client: cl, Store: store}
	_, err = c.Reconcile(context.Background(), ctrl.Request{NamespacedName: nn(config.RecordName("nlc-vol-4"))})
	require.NoError(t, err)

	var gotPV corev1.PersistentVolume
	require.NoError(t, cl.Get(context.Background(), nn(pv.Name), &gotPV))
	assert.Empty(t, gotPV.Finalizers, "node-b is no longer live, so it should not block convergence")
}
