package krpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClosestQueueKeepsKSmallest(t *testing.T) {
	target := ID{}
	q := NewClosestQueue(target, 3)
	for i := byte(1); i <= 5; i++ {
		var id ID
		id[0] = i
		q.Push(NodeAddr{ID: id})
	}
	require.Len(t, q.Nodes(), 3)
	require.True(t, q.Full())
	for _, n := range q.Nodes() {
		require.LessOrEqual(t, n.ID[0], byte(3))
	}
}

func TestClosestQueueDedups(t *testing.T) {
	target := ID{}
	q := NewClosestQueue(target, 5)
	id := RandomID()
	require.True(t, q.Push(NodeAddr{ID: id}))
	require.False(t, q.Push(NodeAddr{ID: id}))
	require.Equal(t, 1, q.Len())
}

func TestClosestQueueImprovesWhileNotFull(t *testing.T) {
	q := NewClosestQueue(ID{}, 2)
	require.True(t, q.Improves(Distance(ID{}, RandomID())))
}
