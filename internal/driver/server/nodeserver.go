/*
Copyright 2024 The cert-manager Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/go-logr/logr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/mount-utils"
	"sigs.k8s.io/controller-runtime/pkg/log"

	recordapi "github.com/node-local-cache/csi-driver/internal/api/coordination"
	"github.com/node-local-cache/csi-driver/internal/driver/config"
	"github.com/node-local-cache/csi-driver/internal/driver/coordination"
	"github.com/node-local-cache/csi-driver/internal/driver/fsutil"
	"github.com/node-local-cache/csi-driver/internal/driver/volumelock"
	"github.com/node-local-cache/csi-driver/internal/driver/volumeid"
)

// NodeServer implements the node plugin: per-volume local directories,
// their bind mounts into pods, and best-effort registration of this
// node's participation in the cleanup protocol.
type NodeServer struct {
	Config *config.Config
	Store  coordination.Store
	Locks  *volumelock.Registry

	once    sync.Once
	mounter mount.Interface

	csi.UnimplementedNodeServer
}

func (n *NodeServer) setup() {
	n.mounter = mount.New("")
}

func (n *NodeServer) NodeGetCapabilities(context.Context, *csi.NodeGetCapabilitiesRequest) (*csi.NodeGetCapabilitiesResponse, error) {
	return &csi.NodeGetCapabilitiesResponse{}, nil
}

func (n *NodeServer) NodePublishVolume(ctx context.Context, req *csi.NodePublishVolumeRequest) (_ *csi.NodePublishVolumeResponse, err error) {
	n.once.Do(n.setup)

	logger := log.FromContext(ctx).WithValues("volume_id", req.GetVolumeId(), "target_path", req.GetTargetPath())
	logger.Info("starting volume publish")

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume id is required")
	}
	if err := volumeid.Validate(req.GetVolumeId()); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.GetTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "target path is required")
	}
	if cleaned := filepath.Clean(req.GetTargetPath()); cleaned != req.GetTargetPath() || strings.Contains(req.GetTargetPath(), "..") {
		return nil, status.Error(codes.InvalidArgument, "target path must not contain path traversal")
	}

	unlock := n.Locks.Lock(req.GetVolumeId())
	defer unlock()

	sourcePath := n.Config.VolumeDir(req.GetVolumeId())

	defer func() {
		if err != nil {
			_ = n.mounter.Unmount(req.GetTargetPath())
		}
	}()

	logger.Info("creating local directory")
	if err := fsutil.EnsureDir(sourcePath, 0o755); err != nil {
		return nil, status.Errorf(codes.Internal, "create local directory: %v", err)
	}

	isMnt, err := n.mounter.IsMountPoint(req.GetTargetPath())
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(req.GetTargetPath(), 0o755); mkErr != nil {
			return nil, status.Errorf(codes.Internal, "create target path: %v", mkErr)
		}
		isMnt = false
	} else if err != nil {
		return nil, status.Errorf(codes.Internal, "check target mount state: %v", err)
	}

	if !isMnt {
		logger.Info("creating bind mount")
		if err := n.mounter.Mount(sourcePath, req.GetTargetPath(), "", []string{"bind"}); err != nil {
			return nil, status.Errorf(codes.Internal, "bind mount: %v", err)
		}
		if req.GetReadonly() {
			if err := n.mounter.Mount(sourcePath, req.GetTargetPath(), "", []string{"bind", "remount", "ro"}); err != nil {
				return nil, status.Errorf(codes.Internal, "remount read-only: %v", err)
			}
		}
	}

	n.registerNode(ctx, logger, req.GetVolumeId())

	logger.Info("volume has been published")
	return &csi.NodePublishVolumeResponse{}, nil
}

// registerNode best-effort adds this node to the volume's coordination
// record. Failure here is logged but never fails the publish: a node
// that holds a directory without being registered is still picked up by
// the node-startup sweep and by the controller's startup reconciliation.
func (n *NodeServer) registerNode(ctx context.Context, logger logr.Logger, volumeID string) {
	_, err := coordination.UpdateWithRetry(ctx, n.Store, volumeID, func(r *recordapi.Record) error {
		r.AddNodeWithVolume(n.Config.NodeName)
		return nil
	})
	if errors.Is(err, coordination.ErrNotFound) {
		rec := recordapi.New(volumeID, time.Now())
		rec.AddNodeWithVolume(n.Config.NodeName)
		if _, createErr := coordination.CreateOrGet(ctx, n.Store, rec); createErr != nil {
			logger.Error(createErr, "failed to register node participation after record was missing")
		}
		return
	}
	if err != nil {
		logger.Error(err, "failed to register node participation")
	}
}

func (n *NodeServer) NodeUnpublishVolume(ctx context.Context, req *csi.NodeUnpublishVolumeRequest) (*csi.NodeUnpublishVolumeResponse, error) {
	n.once.Do(n.setup)

	logger := log.FromContext(ctx).WithValues("volume_id", req.GetVolumeId(), "target_path", req.GetTargetPath())
	logger.Info("starting volume unpublish")

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume id is required")
	}
	if req.GetTargetPath() == "" {
		return nil, status.Error(codes.InvalidArgument, "target path is required")
	}

	unlock := n.Locks.Lock(req.GetVolumeId())
	defer unlock()

	isMnt, err := n.mounter.IsMountPoint(req.GetTargetPath())
	if os.IsNotExist(err) {
		return &csi.NodeUnpublishVolumeResponse{}, nil
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "check target mount state: %v", err)
	}

	if isMnt {
		logger.Info("unmounting volume")
		if err := n.mounter.Unmount(req.GetTargetPath()); err != nil {
			return nil, status.Errorf(codes.Internal, "unmount: %v", err)
		}
	}

	if err := os.Remove(req.GetTargetPath()); err != nil && !os.IsNotExist(err) {
		logger.Error(err, "failed to remove target path mountpoint directory")
	}

	if n.Config.DeleteOnUnpublish {
		logger.Info("eager-delete mode: purging local directory")
		if err := fsutil.Purge(n.Config.VolumeDir(req.GetVolumeId())); err != nil {
			return nil, status.Errorf(codes.Internal, "purge local directory: %v", err)
		}
	}

	logger.Info("volume has been unpublished")
	return &csi.NodeUnpublishVolumeResponse{}, nil
}

func (n *NodeServer) NodeStageVolume(context.Context, *csi.NodeStageVolumeRequest) (*csi.NodeStageVolumeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "NodeStageVolume not implemented")
}

func (n *NodeServer) NodeUnstageVolume(context.Context, *csi.NodeUnstageVolumeRequest) (*csi.NodeUnstageVolumeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "NodeUnstageVolume not implemented")
}

func (n *NodeServer) NodeGetVolumeStats(context.Context, *csi.NodeGetVolumeStatsRequest) (*csi.NodeGetVolumeStatsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "NodeGetVolumeStats not implemented")
}

func (n *NodeServer) NodeExpandVolume(context.Context, *csi.NodeExpandVolumeRequest) (*csi.NodeExpandVolumeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "NodeExpandVolume not implemented")
}

func (n *NodeServer) NodeGetInfo(context.Context, *csi.NodeGetInfoRequest) (*csi.NodeGetInfoResponse, error) {
	if n.Config.NodeName == "" {
		return nil, status.Error(codes.Unavailable, "node name not configured")
	}
	return &csi.NodeGetInfoResponse{
		NodeId: n.Config.NodeName,
	}, nil
}
