package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreViewScope(t *testing.T) {
	s := seededStore(t, 4)
	v := s.View(Grant{Partition: 0, Batches: []BatchID{1, 2}, Mode: ReadOnly})

	b, err := v.Read(1)
	require.NoError(t, err)
	assert.Equal(t, BatchID(1), b.ID)

	_, err = v.Read(3)
	assert.ErrorIs(t, err, ErrOutOfScope)

	assert.False(t, v.CanWrite())
	assert.Equal(t, []BatchID{1, 2}, v.Batches())
}

func TestStoreViewSnapshot(t *testing.T) {
	s := seededStore(t, 4)
	v := s.View(Grant{Partition: 1, Batches: []BatchID{3, 0}, Mode: ExclusiveWrite})

	snap, err := v.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, BatchID(3), snap[0].ID)
	assert.Equal(t, BatchID(0), snap[1].ID)
	assert.True(t, v.CanWrite())
}

func TestViewRelease(t *testing.T) {
	s := seededStore(t, 1)
	v := s.View(Grant{Batches: []BatchID{0}, Mode: ReadOnly})

	v.Release()
	v.Release()
	assert.True(t, v.Released())

	_, err := v.Read(0)
	assert.ErrorIs(t, err, ErrViewReleased)
	_, err = v.Snapshot()
	assert.ErrorIs(t, err, ErrViewReleased)
}

func TestDetachedView(t *testing.T) {
	g := Grant{Partition: 2, Batches: []BatchID{5, 6}, Mode: ReadOnly}
	batches := []Batch{
		{ID: 5, Agents: []Agent{agent("a", 1)}},
		{ID: 6, Agents: []Agent{agent("b", 2)}},
	}

	v, err := NewDetachedView(g, batches)
	require.NoError(t, err)

	// Mutating the caller's slice must not leak into the view.
	batches[0].Agents[0].ID = "changed"

	b, err := v.Read(5)
	require.NoError(t, err)
	assert.Equal(t, "a", b.Agents[0].ID)
}

func TestDetachedViewValidation(t *testing.T) {
	g := Grant{Batches: []BatchID{1, 2}, Mode: ReadOnly}

	_, err := NewDetachedView(g, []Batch{{ID: 1}})
	assert.ErrorIs(t, err, ErrUnknownBatch)

	_, err = NewDetachedView(g, []Batch{{ID: 1}, {ID: 2}, {ID: 3}})
	assert.ErrorIs(t, err, ErrOutOfScope)
}
