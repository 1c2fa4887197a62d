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

package config

import (
	"path/filepath"
	"time"
)

const (
	// DriverName is the name advertised by the identity endpoint.
	DriverName = "node-local-cache.csi.io"

	// FinalizerName is placed on the PersistentVolume by the controller
	// and removed only once the cleanup protocol has converged.
	FinalizerName = "node-local-cache.csi.io/cleanup"

	// CleanupLabelKey/CleanupLabelPending mark a coordination record's
	// ConfigMap while state is cleanup-pending; the node sweeper and the
	// controller completer both watch on this label.
	CleanupLabelKey     = "node-local-cache.csi.io/cleanup"
	CleanupLabelPending = "pending"

	// RecordNamePrefix is prepended to the volume id to form the
	// coordination record's ConfigMap name.
	RecordNamePrefix = "nlc-cleanup-"

	// DefaultBasePath is where local directories are rooted on every node.
	DefaultBasePath = "/var/node-local-cache"

	// DefaultCleanupTimeout bounds how long the controller waits for nodes
	// to report completion before forcing the finalizer off.
	DefaultCleanupTimeout = 60 * time.Second
)

// Mode selects which CSI role this process instance serves.
type Mode string

const (
	ModeController Mode = "controller"
	ModeNode       Mode = "node"
)

// Config is the shared configuration for both driver roles.
type Config struct {
	Mode Mode

	// GRPCEndpoint is a unix:// or tcp:// address, e.g. unix:///csi/csi.sock.
	GRPCEndpoint string

	// NodeName identifies this node plugin instance; required in node mode.
	NodeName string

	// BasePath is the root directory under which per-volume local
	// directories are created on every node.
	BasePath string

	// RecordNamespace is the Kubernetes namespace holding coordination
	// record ConfigMaps.
	RecordNamespace string

	// CleanupTimeout bounds how long a DeleteVolume's cleanup protocol
	// run is allowed to wait for node completions before being forced.
	CleanupTimeout time.Duration

	// DeleteOnUnpublish, when true, purges the local directory as soon as
	// the last mount on a node is released instead of leaving it for
	// warm-cache reuse.
	DeleteOnUnpublish bool
}

// VolumeDir returns the per-(node, volume) local directory path.
func (c Config) VolumeDir(volumeID string) string {
	return filepath.Join(c.BasePath, volumeID)
}

// RecordName returns the ConfigMap name holding volumeID's coordination
// record.
func RecordName(volumeID string) string {
	return RecordNamePrefix + volumeID
}
