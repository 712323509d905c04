package txqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redis/internal/command"
)

func TestExecWithoutMulti(t *testing.T) {
	var q Queue
	_, err := q.Exec()
	assert.ErrorIs(t, err, ErrExecWithoutMulti)
}

func TestDiscardWithoutMulti(t *testing.T) {
	var q Queue
	err := q.Discard()
	assert.ErrorIs(t, err, ErrDiscardWithoutMulti)
}

func TestQueueEverythingIncludingReads(t *testing.T) {
	var q Queue
	q.Begin()
	assert.True(t, q.Open())
	q.Enqueue(command.Command{Name: command.Set, Args: []string{"a", "1"}})
	q.Enqueue(command.Command{Name: command.Get, Args: []string{"a"}})
	cmds, err := q.Exec()
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, command.Set, cmds[0].Name)
	assert.Equal(t, command.Get, cmds[1].Name)
	assert.False(t, q.Open())
}

func TestDiscardDropsQueue(t *testing.T) {
	var q Queue
	q.Begin()
	q.Enqueue(command.Command{Name: command.Set})
	require.NoError(t, q.Discard())
	assert.False(t, q.Open())
}

func TestNestedMultiPopsInnermost(t *testing.T) {
	var q Queue
	q.Begin()
	q.Enqueue(command.Command{Name: command.Set, Args: []string{"outer", "1"}})
	q.Begin()
	q.Enqueue(command.Command{Name: command.Set, Args: []string{"inner", "1"}})

	inner, err := q.Exec()
	require.NoError(t, err)
	require.Len(t, inner, 1)
	assert.Equal(t, "inner", inner[0].Args[0])
	assert.True(t, q.Open())

	outer, err := q.Exec()
	require.NoError(t, err)
	require.Len(t, outer, 1)
	assert.Equal(t, "outer", outer[0].Args[0])
	assert.False(t, q.Open())
}
