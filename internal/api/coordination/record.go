package coordination

import (
	"time"

	"k8s.io/utils/set"
)

// State is one of the coordination record's lifecycle states.
type State string

const (
	StateActive          State = "active"
	StateCleanupPending  State = "cleanup-pending"
	StateCleanupComplete State = "cleanup-complete"
)

// Record is the per-volume coordination record. It is marshaled as a
// single JSON blob stored in a ConfigMap's Data field; the ConfigMap's
// ResourceVersion is the CAS token used by the store layer.
type Record struct {
	VolumeID        string    `json:"volumeId"`
	CreatedAt       time.Time `json:"createdAt"`
	State           State     `json:"state"`
	NodesWithVolume []string  `json:"nodesWithVolume"`
	NodesCompleted  []string  `json:"nodesCompleted"`
	DeadlineAt      time.Time `json:"deadlineAt,omitempty"`
}

// New returns a fresh active record for volumeID.
func New(volumeID string, createdAt time.Time) *Record {
	return &Record{
		VolumeID:        volumeID,
		CreatedAt:       createdAt,
		State:           StateActive,
		NodesWithVolume: []string{},
		NodesCompleted:  []string{},
	}
}

// AddNodeWithVolume inserts nodeName into NodesWithVolume, returning
// whether the set changed. It is a no-op once the record has left the
// active state, since nodesWithVolume is frozen at the cleanup-pending
// transition.
func (r *Record) AddNodeWithVolume(nodeName string) bool {
	if r.State != StateActive {
		return false
	}
	return r.insert(&r.NodesWithVolume, nodeName)
}

// AddNodeCompleted inserts nodeName into NodesCompleted, returning
// whether the set changed.
func (r *Record) AddNodeCompleted(nodeName string) bool {
	return r.insert(&r.NodesCompleted, nodeName)
}

func (r *Record) insert(field *[]string, value string) bool {
	s := set.New(*field...)
	if s.Has(value) {
		return false
	}
	s.Insert(value)
	*field = s.SortedList()
	return true
}

// HasNodeCompleted reports whether nodeName is present in NodesCompleted.
func (r *Record) HasNodeCompleted(nodeName string) bool {
	return set.New(r.NodesCompleted...).Has(nodeName)
}

// NodesWithVolumeSet returns NodesWithVolume as a set.
func (r *Record) NodesWithVolumeSet() set.Set[string] {
	return set.New(r.NodesWithVolume...)
}

// NodesCompletedSet returns NodesCompleted as a set.
func (r *Record) NodesCompletedSet() set.Set[string] {
	return set.New(r.NodesCompleted...)
}

// DeepCopy returns an independent copy of the record.
func (r *Record) DeepCopy() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.NodesWithVolume = append([]string(nil), r.NodesWithVolume...)
	out.NodesCompleted = append([]string(nil), r.NodesCompleted...)
	return &out
}
