package coordination_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/node-local-cache/csi-driver/internal/api/coordination"
)

func TestAddNodeWithVolume(t *testing.T) {
	r := coordination.New("nlc-x", time.Now())

	assert.True(t, r.AddNodeWithVolume("n1"))
	assert.False(t, r.AddNodeWithVolume("n1"), "duplicate insert should report no change")
	assert.Equal(t, []string{"n1"}, r.NodesWithVolume)
}

func TestAddNodeWithVolumeFrozenAfterActive(t *testing.T) {
	r := coordination.New("nlc-x", time.Now())
	r.State = coordination.StateCleanupPending

	assert.False(t, r.AddNodeWithVolume("n1"))
	assert.Empty(t, r.NodesWithVolume)
}

func TestAddNodeCompleted(t *testing.T) {
	r := coordination.New("nlc-x", time.Now())
	r.State = coordination.StateCleanupPending
	r.NodesWithVolume = []string{"n1", "n2"}

	assert.True(t, r.AddNodeCompleted("n1"))
	assert.False(t, r.HasNodeCompleted("n2"))
	assert.True(t, r.HasNodeCompleted("n1"))
}

func TestDeepCopyIsIndependent(t *testing.T) {
	r := coordination.New("nlc-x", time.Now())
	r.AddNodeWithVolume("n1")

	c := r.DeepCopy()
	c.AddNodeWithVolume("n2")

	assert.Equal(t, []string{"n1"}, r.NodesWithVolume)
	assert.Equal(t, []string{"n1", "n2"}, c.NodesWithVolume)
}
