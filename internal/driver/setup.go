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

package driver

import (
	"context"
	"fmt"
	"sync/atomic"

	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/node-local-cache/csi-driver/internal/driver/cleanup"
	"github.com/node-local-cache/csi-driver/internal/driver/config"
	"github.com/node-local-cache/csi-driver/internal/driver/coordination"
	"github.com/node-local-cache/csi-driver/internal/driver/server"
	"github.com/node-local-cache/csi-driver/internal/driver/volumelock"
)

// Setup wires every component of the driver into mgr: the gRPC server
// (Identity plus either Node or Controller depending on config.Mode) and
// the cleanup protocol's reconcilers (the Sweeper in node mode, the
// Completer and Registrar in controller mode). Startup
// reconciliation runs once the manager's cache has synced, before the
// gRPC server reports ready.
func Setup(ctx context.Context, mgr ctrl.Manager, cfg *config.Config) error {
	clientset, err := kubernetes.NewForConfig(mgr.GetConfig())
	if err != nil {
		return fmt.Errorf("could not build kubernetes clientset: %w", err)
	}
	store := coordination.NewConfigMapStore(clientset, cfg.RecordNamespace)

	var ready atomic.Bool

	switch cfg.Mode {
	case config.ModeNode:
		locks := volumelock.NewRegistry()

		if err := server.Setup(mgr, cfg, server.Components{
			Node: &server.NodeServer{Config: cfg, Store: store, Locks: locks},
			Ready: func() bool {
				return ready.Load()
			},
		}); err != nil {
			return fmt.Errorf("could not setup grpc server: %w", err)
		}

		sweeper := &cleanup.Sweeper{Store: store, Locks: locks, Config: cfg, NodeName: cfg.NodeName}
		if err := sweeper.SetupWithManager(mgr); err != nil {
			return fmt.Errorf("could not setup sweeper: %w", err)
		}

		return mgr.Add(manager.RunnableFunc(func(ctx context.Context) error {
			if err := waitForCacheSync(ctx, mgr); err != nil {
				return err
			}
			logger := log.FromContext(ctx).WithName("startup")
			if err := cleanup.ReconcileNodeStartup(ctx, mgr.GetClient(), store, cfg, logger); err != nil {
				return fmt.Errorf("node startup reconciliation: %w", err)
			}
			ready.Store(true)
			return nil
		}))

	case config.ModeController:
		if err := server.Setup(mgr, cfg, server.Components{
			Controller: &server.ControllerServer{Config: cfg, Store: store},
			Ready: func() bool {
				return ready.Load()
			},
		}); err != nil {
			return fmt.Errorf("could not setup grpc server: %w", err)
		}

		completer := &cleanup.Completer{Client: mgr.GetClient(), Store: store}
		if err := completer.SetupWithManager(mgr); err != nil {
			return fmt.Errorf("could not setup completer: %w", err)
		}

		registrar := &cleanup.Registrar{Client: mgr.GetClient(), Store: store}
		if err := registrar.SetupWithManager(mgr); err != nil {
			return fmt.Errorf("could not setup registrar: %w", err)
		}

		return mgr.Add(manager.RunnableFunc(func(ctx context.Context) error {
			if err := waitForCacheSync(ctx, mgr); err != nil {
				return err
			}
			logger := log.FromContext(ctx).WithName("startup")
			if err := cleanup.ReconcileControllerStartup(ctx, mgr.GetClient(), store, cfg.CleanupTimeout, logger); err != nil {
				return fmt.Errorf("controller startup reconciliation: %w", err)
			}
			ready.Store(true)
			return nil
		}))

	default:
		return fmt.Errorf("unknown driver mode %q", cfg.Mode)
	}
}

func waitForCacheSync(ctx context.Context, mgr ctrl.Manager) error {
	if !mgr.GetCache().WaitForCacheSync(ctx) {
		return fmt.Errorf("manager cache did not sync")
	}
	return nil
}
