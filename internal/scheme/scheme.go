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

package scheme

import (
	"k8s.io/apimachinery/pkg/runtime"
	kubernetes "k8s.io/client-go/kubernetes/scheme"
)

// New builds the scheme the manager's client and caches use. The
// coordination protocol stores its records as plain ConfigMaps and acts
// on core PersistentVolumes, so the built-in client-go scheme covers
// every type this driver touches.
func New() *runtime.Scheme {
	scheme := runtime.NewScheme()
	_ = kubernetes.AddToScheme(scheme)
	return scheme
}
