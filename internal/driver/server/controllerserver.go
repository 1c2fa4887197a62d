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
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"sigs.k8s.io/controller-runtime/pkg/log"

	recordapi "github.com/node-local-cache/csi-driver/internal/api/coordination"
	"github.com/node-local-cache/csi-driver/internal/driver/config"
	"github.com/node-local-cache/csi-driver/internal/driver/coordination"
	"github.com/node-local-cache/csi-driver/internal/driver/volumeid"
)

// ControllerServer implements the subset of the CSI controller service
// this driver needs: volumes are created and deleted by mutating a
// volume's coordination record, never by touching any node directly.
type ControllerServer struct {
	Config *config.Config
	Store  coordination.Store

	csi.UnimplementedControllerServer
}

func (s *ControllerServer) CreateVolume(ctx context.Context, req *csi.CreateVolumeRequest) (*csi.CreateVolumeResponse, error) {
	logger := log.FromContext(ctx).WithValues("name", req.GetName())

	if req.GetName() == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}

	if err := validateVolumeCapabilities(req.GetVolumeCapabilities()); err != nil {
		return nil, err
	}

	volumeID := volumeid.New(req.GetName())
	logger = logger.WithValues("volume_id", volumeID)

	rec := recordapi.New(volumeID, time.Now())
	if _, err := s.Store.Create(ctx, rec); err != nil && !errors.Is(err, coordination.ErrAlreadyExists) {
		return nil, status.Errorf(codes.Unavailable, "create coordination record: %v", err)
	}

	logger.Info("volume created")

	var capacityBytes int64
	if cr := req.GetCapacityRange(); cr != nil {
		capacityBytes = cr.GetRequiredBytes()
	}

	return &csi.CreateVolumeResponse{
		Volume: &csi.Volume{
			VolumeId:           volumeID,
			CapacityBytes:      capacityBytes,
			AccessibleTopology: []*csi.Topology{},
		},
	}, nil
}

func (s *ControllerServer) DeleteVolume(ctx context.Context, req *csi.DeleteVolumeRequest) (*csi.DeleteVolumeResponse, error) {
	logger := log.FromContext(ctx).WithValues("volume_id", req.GetVolumeId())

	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume id is required")
	}
	if err := volumeid.Validate(req.GetVolumeId()); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	_, err := coordination.UpdateWithRetry(ctx, s.Store, req.GetVolumeId(), func(r *recordapi.Record) error {
		// Only active -> cleanup-pending is a valid DeleteVolume-triggered
		// transition. A retried DeleteVolume call (expected orchestrator
		// behavior) must no-op once the completer has already moved the
		// record past active, or it can win a CAS race against the
		// completer's own update and flip a cleanup-complete record back
		// to pending after the PV finalizer is already gone.
		if r.State != recordapi.StateActive {
			return nil
		}
		r.State = recordapi.StateCleanupPending
		r.DeadlineAt = time.Now().Add(s.Config.CleanupTimeout)
		return nil
	})
	if errors.Is(err, coordination.ErrNotFound) {
		logger.Info("delete volume: no coordination record, treating as already cleaned up")
		return &csi.DeleteVolumeResponse{}, nil
	}
	if err != nil {
		return nil, err
	}

	logger.Info("cleanup protocol started")
	return &csi.DeleteVolumeResponse{}, nil
}

func (s *ControllerServer) ControllerGetCapabilities(context.Context, *csi.ControllerGetCapabilitiesRequest) (*csi.ControllerGetCapabilitiesResponse, error) {
	return &csi.ControllerGetCapabilitiesResponse{
		Capabilities: []*csi.ControllerServiceCapability{
			{
				Type: &csi.ControllerServiceCapability_Rpc{
					Rpc: &csi.ControllerServiceCapability_RPC{
						Type: csi.ControllerServiceCapability_RPC_CREATE_DELETE_VOLUME,
					},
				},
			},
		},
	}, nil
}

func (s *ControllerServer) ValidateVolumeCapabilities(_ context.Context, req *csi.ValidateVolumeCapabilitiesRequest) (*csi.ValidateVolumeCapabilitiesResponse, error) {
	if req.GetVolumeId() == "" {
		return nil, status.Error(codes.InvalidArgument, "volume id is required")
	}
	if err := validateVolumeCapabilities(req.GetVolumeCapabilities()); err != nil {
		return nil, err
	}

	return &csi.ValidateVolumeCapabilitiesResponse{
		Confirmed: &csi.ValidateVolumeCapabilitiesResponse_Confirmed{
			VolumeCapabilities: req.GetVolumeCapabilities(),
		},
	}, nil
}

// validateVolumeCapabilities enforces the only supported shape: a
// filesystem mount with ReadWriteOnce access.
func validateVolumeCapabilities(caps []*csi.VolumeCapability) error {
	if len(caps) == 0 {
		return status.Error(codes.InvalidArgument, "at least one volume capability is required")
	}
	for _, c := range caps {
		if c.GetMount() == nil {
			return status.Error(codes.InvalidArgument, "only mount volumes are supported")
		}
		if c.GetAccessMode().GetMode() != csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER {
			return status.Error(codes.InvalidArgument, "only ReadWriteOnce access mode is supported")
		}
	}
	return nil
}
