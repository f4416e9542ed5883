package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replisync/replisync/internal/core/observability/log"
)

func opData(ops []Operation) []any {
	out := make([]any, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.Data)
	}
	return out
}

func TestUndoRedoRoundTrip(t *testing.T) {
	var undone, redone []any
	s := New(Config{
		OnUndo: func(op Operation) { undone = append(undone, op.Data) },
		OnRedo: func(op Operation) { redone = append(redone, op.Data) },
	}, log.NewNop())

	s.Push("a")
	s.Push("b")

	applied := s.Undo()
	require.Len(t, applied, 1)
	assert.Equal(t, "b", applied[0].Data)
	assert.Equal(t, []any{"b"}, undone)

	applied = s.Redo()
	require.Len(t, applied, 1)
	assert.Equal(t, "b", applied[0].Data)
	assert.Equal(t, []any{"b"}, redone)

	state := s.GetState()
	assert.True(t, state.CanUndo)
	assert.False(t, state.CanRedo)
	assert.Equal(t, 2, state.UndoCount)
}

func TestEmptyUndoRedoAreNoOps(t *testing.T) {
	var states []State
	s := New(Config{OnState: func(st State) { states = append(states, st) }}, log.NewNop())

	assert.Nil(t, s.Undo())
	assert.Nil(t, s.Redo())
	assert.Zero(t, s.GetCheckpoint(), "no-ops must not advance the checkpoint")
	assert.Empty(t, states, "no-ops must not fire the state callback")
}

func TestPushClearsRedoHistory(t *testing.T) {
	s := New(Config{}, log.NewNop())

	s.Push("a")
	s.Push("b")
	s.Undo()
	require.True(t, s.GetState().CanRedo)

	s.Push("c")
	state := s.GetState()
	assert.False(t, state.CanRedo)
	assert.Equal(t, 0, state.RedoCount)
	assert.Equal(t, 2, state.UndoCount)
}

func TestGroupUndoesAtomicallyInReverseOrder(t *testing.T) {
	var undone []any
	s := New(Config{
		OnUndo: func(op Operation) { undone = append(undone, op.Data) },
	}, log.NewNop())

	s.Push("before")
	id := s.BeginGroup()
	require.NotEmpty(t, id)
	s.Push("g1")
	s.Push("g2")
	s.Push("g3")
	s.EndGroup()

	applied := s.Undo()
	assert.Equal(t, []any{"g3", "g2", "g1"}, opData(applied))
	assert.Equal(t, []any{"g3", "g2", "g1"}, undone)

	state := s.GetState()
	assert.Equal(t, 1, state.UndoCount, "only the ungrouped push remains")
	assert.Equal(t, 3, state.RedoCount)
}

func TestGroupRedoesInOriginalOrder(t *testing.T) {
	var redone []any
	s := New(Config{
		OnRedo: func(op Operation) { redone = append(redone, op.Data) },
	}, log.NewNop())

	s.BeginGroup()
	s.Push("g1")
	s.Push("g2")
	s.EndGroup()
	s.Undo()

	applied := s.Redo()
	assert.Equal(t, []any{"g1", "g2"}, opData(applied))
	assert.Equal(t, []any{"g1", "g2"}, redone)
	assert.Equal(t, 2, s.GetState().UndoCount)
}

func TestAdjacentGroupsUndoSeparately(t *testing.T) {
	s := New(Config{}, log.NewNop())

	s.BeginGroup()
	s.Push("a1")
	s.Push("a2")
	s.EndGroup()
	s.BeginGroup()
	s.Push("b1")
	s.Push("b2")
	s.EndGroup()

	assert.Equal(t, []any{"b2", "b1"}, opData(s.Undo()))
	assert.Equal(t, []any{"a2", "a1"}, opData(s.Undo()))
}

func TestEvictionDropsOldestWithoutTouchingRedo(t *testing.T) {
	s := New(Config{MaxUndoSize: 3}, log.NewNop())

	s.Push("a")
	s.Push("b")
	s.Push("c")
	s.Push("d") // evicts "a"

	state := s.GetState()
	assert.Equal(t, 3, state.UndoCount)
	assert.Equal(t, 0, state.RedoCount)

	assert.Equal(t, []any{"d"}, opData(s.Undo()))
	assert.Equal(t, []any{"c"}, opData(s.Undo()))
	assert.Equal(t, []any{"b"}, opData(s.Undo()))
	assert.Nil(t, s.Undo(), "evicted entry must be gone")
}

func TestCheckpointMonotonic(t *testing.T) {
	s := New(Config{}, log.NewNop())

	s.Push("a")
	assert.Equal(t, int64(1), s.GetCheckpoint())
	s.Undo()
	assert.Equal(t, int64(2), s.GetCheckpoint())
	s.Redo()
	assert.Equal(t, int64(3), s.GetCheckpoint())
	s.Undo()
	s.Push("b")
	assert.Equal(t, int64(5), s.GetCheckpoint())
}

func TestStateCallbackSnapshots(t *testing.T) {
	var states []State
	s := New(Config{OnState: func(st State) { states = append(states, st) }}, log.NewNop())

	s.Push("a")
	s.Undo()
	s.Redo()

	require.Len(t, states, 3)
	assert.Equal(t, State{CanUndo: true, UndoCount: 1, Checkpoint: 1}, states[0])
	assert.Equal(t, State{CanRedo: true, RedoCount: 1, Checkpoint: 2}, states[1])
	assert.Equal(t, State{CanUndo: true, UndoCount: 1, Checkpoint: 3}, states[2])
}

func TestClearDropsBothHistories(t *testing.T) {
	s := New(Config{}, log.NewNop())

	s.Push("a")
	s.Push("b")
	s.Undo()
	cp := s.GetCheckpoint()

	s.Clear()
	state := s.GetState()
	assert.False(t, state.CanUndo)
	assert.False(t, state.CanRedo)
	assert.Equal(t, cp, state.Checkpoint)
}
