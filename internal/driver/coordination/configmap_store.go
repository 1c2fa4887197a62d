package coordination

import (
	"context"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	recordapi "github.com/node-local-cache/csi-driver/internal/api/coordination"
	"github.com/node-local-cache/csi-driver/internal/driver/config"
)

const recordDataKey = "record"

// NewConfigMapStore returns a Store backed by Kubernetes ConfigMaps in
// namespace ns.
func NewConfigMapStore(client kubernetes.Interface, ns string) Store {
	return &configMapStore{client: client, namespace: ns}
}

type configMapStore struct {
	client    kubernetes.Interface
	namespace string
}

func (s *configMapStore) Get(ctx context.Context, volumeID string) (*recordapi.Record, string, error) {
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, config.RecordName(volumeID), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("get coordination record %q: %w", volumeID, err)
	}

	rec, err := decode(cm)
	if err != nil {
		return nil, "", fmt.Errorf("decode coordination record %q: %w", volumeID, err)
	}
	return rec, cm.ResourceVersion, nil
}

func (s *configMapStore) Create(ctx context.Context, rec *recordapi.Record) (string, error) {
	cm, err := encode(rec, s.namespace)
	if err != nil {
		return "", fmt.Errorf("encode coordination record %q: %w", rec.VolumeID, err)
	}

	created, err := s.client.CoreV1().ConfigMaps(s.namespace).Create(ctx, cm, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return "", ErrAlreadyExists
	}
	if err != nil {
		return "", fmt.Errorf("create coordination record %q: %w", rec.VolumeID, err)
	}
	return created.ResourceVersion, nil
}

func (s *configMapStore) Update(ctx context.Context, rec *recordapi.Record, expectedVersion string) (string, error) {
	cm, err := encode(rec, s.namespace)
	if err != nil {
		return "", fmt.Errorf("encode coordination record %q: %w", rec.VolumeID, err)
	}
	cm.ResourceVersion = expectedVersion

	updated, err := s.client.CoreV1().ConfigMaps(s.namespace).Update(ctx, cm, metav1.UpdateOptions{})
	if apierrors.IsConflict(err) {
		return "", ErrConflict
	}
	if apierrors.IsNotFound(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("update coordination record %q: %w", rec.VolumeID, err)
	}
	return updated.ResourceVersion, nil
}

func (s *configMapStore) Delete(ctx context.Context, volumeID string, expectedVersion string) error {
	err := s.client.CoreV1().ConfigMaps(s.namespace).Delete(ctx, config.RecordName(volumeID), metav1.DeleteOptions{
		Preconditions: &metav1.Preconditions{ResourceVersion: &expectedVersion},
	})
	if apierrors.IsConflict(err) {
		return ErrConflict
	}
	if apierrors.IsNotFound(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete coordination record %q: %w", volumeID, err)
	}
	return nil
}

func encode(rec *recordapi.Record, namespace string) (*corev1.ConfigMap, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	labels := map[string]string{}
	if rec.State == recordapi.StateCleanupPending {
		labels[config.CleanupLabelKey] = config.CleanupLabelPending
	}

	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      config.RecordName(rec.VolumeID),
			Namespace: namespace,
			Labels:    labels,
		},
		Data: map[string]string{
			recordDataKey: string(data),
		},
	}, nil
}

func decode(cm *corev1.ConfigMap) (*recordapi.Record, error) {
	var rec recordapi.Record
	if err := json.Unmarshal([]byte(cm.Data[recordDataKey]), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
