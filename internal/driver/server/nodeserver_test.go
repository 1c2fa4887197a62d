package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/mount-utils"

	"github.com/node-local-cache/csi-driver/internal/driver/config"
	"github.com/node-local-cache/csi-driver/internal/driver/coordination"
	"github.com/node-local-cache/csi-driver/internal/driver/volumelock"
	"github.com/node-local-cache/csi-driver/internal/driver/volumeid"
)

func newTestNodeServer(t *testing.T) (*NodeServer, *mount.FakeMounter) {
	t.Helper()
	fm := mount.NewFakeMounter(nil)
	return &NodeServer{
		Config:  &config.Config{NodeName: "node-a", BasePath: t.TempDir()},
		Store:   coordination.NewFakeStore(),
		Locks:   volumelock.NewRegistry(),
		mounter: fm,
	}, fm
}

func TestNodePublishVolumeCreatesBindMountAndRegistersNode(t *testing.T) {
	n, fm := newTestNodeServer(t)
	n.once.Do(func() {})

	volumeID := volumeid.New("my-vol")
	target := filepath.Join(t.TempDir(), "target")

	_, err := n.NodePublishVolume(context.Background(), &csi.NodePublishVolumeRequest{
		VolumeId:   volumeID,
		TargetPath: target,
	})
	require.NoError(t, err)

	assert.DirExists(t, n.Config.VolumeDir(volumeID))
	assert.Len(t, fm.MountPoints, 1)
	assert.Equal(t, target, fm.MountPoints[0].Path)

	rec, _, err := n.Store.Get(context.Background(), volumeID)
	require.NoError(t, err)
	assert.True(t, rec.NodesWithVolumeSet().Has("node-a"))
}

func TestNodePublishVolumeIsIdempotent(t *testing.T) {
	n, fm := newTestNodeServer(t)
	n.once.Do(func() {})

	volumeID := volumeid.New("idempotent-vol")
	target := filepath.Join(t.TempDir(), "target")

	req := &csi.NodePublishVolumeRequest{VolumeId: volumeID, TargetPath: target}
	_, err := n.NodePublishVolume(context.Background(), req)
	require.NoError(t, err)
	_, err = n.NodePublishVolume(context.Background(), req)
	require.NoError(t, err)

	assert.Len(t, fm.MountPoints, 1)
}

func TestNodePublishVolumeRejectsMalformedID(t *testing.T) {
	n, _ := newTestNodeServer(t)
	n.once.Do(func() {})

	_, err := n.NodePublishVolume(context.Background(), &csi.NodePublishVolumeRequest{
		VolumeId:   "not-valid",
		TargetPath: filepath.Join(t.TempDir(), "target"),
	})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestNodePublishVolumeRejectsPathTraversal(t *testing.T) {
	n, _ := newTestNodeServer(t)
	n.once.Do(func() {})

	_, err := n.NodePublishVolume(context.Background(), &csi.NodePublishVolumeRequest{
		VolumeId:   volumeid.New("v"),
		TargetPath: t.TempDir() + "/../escape",
	})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestNodeUnpublishVolumeUnmountsAndKeepsDirectoryByDefault(t *testing.T) {
	n, fm := newTestNodeServer(t)
	n.once.Do(func() {})

	volumeID := volumeid.New("keep-vol")
	target := filepath.Join(t.TempDir(), "target")

	_, err := n.NodePublishVolume(context.Background(), &csi.NodePublishVolumeRequest{VolumeId: volumeID, TargetPath: target})
	require.NoError(t, err)

	_, err = n.NodeUnpublishVolume(context.Background(), &csi.NodeUnpublishVolumeRequest{VolumeId: volumeID, TargetPath: target})
	require.NoError(t, err)

	assert.Empty(t, fm.MountPoints)
	assert.NoDirExists(t, target)
	assert.DirExists(t, n.Config.VolumeDir(volumeID))
}

func TestNodeUnpublishVolumePurgesWhenDeleteOnUnpublishSet(t *testing.T) {
	n, _ := newTestNodeServer(t)
	n.once.Do(func() {})
	n.Config.DeleteOnUnpublish = true

	volumeID := volumeid.New("purge-vol")
	target := filepath.Join(t.TempDir(), "target")

	_, err := n.NodePublishVolume(context.Background(), &csi.NodePublishVolumeRequest{VolumeId: volumeID, TargetPath: target})
	require.NoError(t, err)

	_, err = n.NodeUnpublishVolume(context.Background(), &csi.NodeUnpublishVolumeRequest{VolumeId: volumeID, TargetPath: target})
	require.NoError(t, err)

	_, statErr := os.Stat(n.Config.VolumeDir(volumeID))
	assert.True(t, os.IsNotExist(statErr))
}

func TestNodeUnpublishVolumeMissingTargetIsIdempotent(t *testing.T) {
	n, _ := newTestNodeServer(t)
	n.once.Do(func() {})

	_, err := n.NodeUnpublishVolume(context.Background(), &csi.NodeUnpublishVolumeRequest{
		VolumeId:   volumeid.New("never-mounted"),
		TargetPath: filepath.Join(t.TempDir(), "never-existed"),
	})
	require.NoError(t, err)
}

func TestNodeGetInfoReturnsNodeName(t *testing.T) {
	n, _ := newTestNodeServer(t)
	resp, err := n.NodeGetInfo(context.Background(), &csi.NodeGetInfoRequest{})
	require.NoError(t, err)
	assert.Equal(t, "node-a", resp.NodeId)
}
