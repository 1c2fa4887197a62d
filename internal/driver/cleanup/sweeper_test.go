package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ctrl "sigs.k8s.io/controller-runtime"

	recordapi "github.com/node-local-cache/csi-driver/internal/api/coordination"
	"github.com/node-local-cache/csi-driver/internal/driver/config"
	"github.com/node-local-cache/csi-driver/internal/driver/coordination"
	"github.com/node-local-cache/csi-driver/internal/driver/volumelock"
)

func newTestConfig(t *testing.T, nodeName string) *config.Config {
	t.Helper()
	return &config.Config{
		NodeName: nodeName,
		BasePath: t.TempDir(),
	}
}

func TestSweeperPurgesAndMarksCompletion(t *testing.T) {
	cfg := newTestConfig(t, "node-a")
	store := coordination.NewFakeStore()

	rec := recordapi.New("nlc-vol-1", time.Now())
	rec.AddNodeWithVolume("node-a")
	rec.AddNodeWithVolume("node-b")
	rec.State = recordapi.StateCleanupPending
	_, err := store.Create(context.Background(), rec)
	require.NoError(t, err)

	volDir := cfg.VolumeDir("nlc-vol-1")
	require.NoError(t, os.MkdirAll(filepath.Join(volDir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(volDir, "sub", "f"), []byte("x"), 0o644))

	s := &Sweeper{Store: store, Locks: volumelock.NewRegistry(), Config: cfg, NodeName: "node-a"}

	_, err = s.Reconcile(context.Background(), ctrl.Request{NamespacedName: nn(config.RecordName("nlc-vol-1"))})
	require.NoError(t, err)

	_, err = os.Stat(volDir)
	assert.True(t, os.IsNotExist(err))

	got, _, err := store.Get(context.Background(), "nlc-vol-1")
	require.NoError(t, err)
	assert.True(t, got.HasNodeCompleted("node-a"))
	assert.False(t, got.HasNodeCompleted("node-b"))
}

func TestSweeperSkipsAlreadyCompletedNode(t *testing.T) {
	cfg := newTestConfig(t, "node-a")
	store := coordination.NewFakeStore()

	rec := recordapi.New("nlc-vol-2", time.Now())
	rec.AddNodeWithVolume("node-a")
	rec.State = recordapi.StateCleanupPending
	rec.AddNodeCompleted("node-a")
	_, err := store.Create(context.Background(), rec)
	require.NoError(t, err)

	volDir := cfg.VolumeDir("nlc-vol-2")
	require.NoError(t, os.MkdirAll(volDir, 0o755))

	s := &Sweeper{Store: store, Locks: volumelock.NewRegistry(), Config: cfg, NodeName: "node-a"}
	_, err = s.Reconcile(context.Background(), ctrl.Request{NamespacedName: nn(config.RecordName("nlc-vol-2"))})
	require.NoError(t, err)

	_, err = os.Stat(volDir)
	assert.NoError(t, err, "directory should be untouched once this node already reported completion")
}

func TestSweeperIgnoresActiveRecords(t *testing.T) {
	cfg := newTestConfig(t, "node-a")
	store := coordination.NewFakeStore()

	rec := recordapi.New("nlc-vol-3", time.Now())
	rec.AddNodeWithVolume("node-a")
	_, err := store.Create(context.Background(), rec)
	require.NoError(t, err)

	volDir := cfg.VolumeDir("nlc-vol-3")
	require.NoError(t, os.MkdirAll(volDir, 0o755))

	s := &Sweeper{Store: store, Locks: volumelock.NewRegistry(), Config: cfg, NodeName: "node-a"}
	_, err = s.Reconcile(context.Background(), ctrl.Request{NamespacedName: nn(config.RecordName("nlc-vol-3"))})
	require.NoError(t, err)

	_, err = os.Stat(volDir)
	assert.NoError(t, err)
}

func TestSweeperMissingRecordIsNotAnError(t *testing.T) {
	cfg := newTestConfig(t, "node-a")
	store := coordination.NewFakeStore()

	s := &Sweeper{Store: store, Locks: volumelock.NewRegistry(), Config: cfg, NodeName: "node-a"}
	_, err := s.Reconcile(context.Background(), ctrl.Request{NamespacedName: nn(config.RecordName("nlc-missing"))})
	require.NoError(t, err)
}
