// Package history implements the bounded undo/redo stack. Operations pushed
// inside a group undo and redo atomically as one unit; everything else is a
// unit of one.
package history

import (
	"sync"

	"github.com/google/uuid"

	"github.com/replisync/replisync/internal/core/observability/log"
)

// DefaultMaxUndoSize bounds the undo history when the config leaves it unset.
const DefaultMaxUndoSize = 100

// Operation is one reversible edit. Data is whatever the caller needs to
// apply or revert the edit; GroupID is empty for ungrouped operations.
type Operation struct {
	Data    any
	GroupID string
}

// State is the snapshot handed to the state-change callback after every
// effective push, undo and redo.
type State struct {
	CanUndo    bool
	CanRedo    bool
	UndoCount  int
	RedoCount  int
	Checkpoint int64
}

// Config holds the stack settings and callbacks. OnUndo and OnRedo receive
// one operation at a time: reverse push order for undo, original push order
// for redo.
type Config struct {
	MaxUndoSize int
	OnUndo      func(Operation)
	OnRedo      func(Operation)
	OnState     func(State)
}

// Stack is the undo/redo history. Safe for concurrent use.
type Stack struct {
	cfg Config
	log log.Log

	mu         sync.Mutex
	undo       []Operation
	redo       []Operation
	group      string // active group id, empty outside beginGroup/endGroup
	checkpoint int64
}

// New creates a stack. A non-positive MaxUndoSize falls back to
// DefaultMaxUndoSize.
func New(cfg Config, logger log.Log) *Stack {
	if cfg.MaxUndoSize <= 0 {
		cfg.MaxUndoSize = DefaultMaxUndoSize
	}
	return &Stack{
		cfg: cfg,
		log: logger.With(log.String("component", "history")),
	}
}

// BeginGroup opens a group; subsequent pushes share its id until EndGroup.
// Nested calls reuse the open group. Returns the group id.
func (s *Stack) BeginGroup() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group == "" {
		s.group = uuid.NewString()
	}
	return s.group
}

// EndGroup closes the open group, if any.
func (s *Stack) EndGroup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.group = ""
}

// Push appends an operation to the undo history, tagged with the open group
// if one is active. A new edit invalidates forward history, so the redo stack
// is cleared; past MaxUndoSize the oldest undo entry is evicted.
func (s *Stack) Push(data any) {
	s.mu.Lock()
	s.undo = append(s.undo, Operation{Data: data, GroupID: s.group})
	if len(s.undo) > s.cfg.MaxUndoSize {
		evicted := len(s.undo) - s.cfg.MaxUndoSize
		s.undo = append([]Operation(nil), s.undo[evicted:]...)
		s.log.Debug("undo history full, evicted oldest", log.Int("count", evicted))
	}
	s.redo = nil
	s.checkpoint++
	state := s.stateLocked()
	s.mu.Unlock()

	s.notify(state)
}

// Undo reverts the most recent operation, or the whole most recent group
// atomically in reverse push order. The undone unit moves to the redo
// history. Returns the undone operations in the order the callback saw them,
// or nil when there is nothing to undo.
func (s *Stack) Undo() []Operation {
	s.mu.Lock()
	if len(s.undo) == 0 {
		s.mu.Unlock()
		return nil
	}
	unit := s.takeUnitLocked(&s.undo)
	s.redo = append(s.redo, unit...)
	s.checkpoint++
	cb := s.cfg.OnUndo
	state := s.stateLocked()
	s.mu.Unlock()

	// Reverse push order.
	applied := make([]Operation, 0, len(unit))
	for i := len(unit) - 1; i >= 0; i-- {
		if cb != nil {
			cb(unit[i])
		}
		applied = append(applied, unit[i])
	}
	s.notify(state)
	return applied
}

// Redo reapplies the most recently undone unit in original push order and
// moves it back to the undo history. Returns nil when there is nothing to
// redo.
func (s *Stack) Redo() []Operation {
	s.mu.Lock()
	if len(s.redo) == 0 {
		s.mu.Unlock()
		return nil
	}
	unit := s.takeUnitLocked(&s.redo)
	s.undo = append(s.undo, unit...)
	s.checkpoint++
	cb := s.cfg.OnRedo
	state := s.stateLocked()
	s.mu.Unlock()

	for _, op := range unit {
		if cb != nil {
			cb(op)
		}
	}
	s.notify(state)
	return unit
}

// takeUnitLocked pops the trailing unit from a history: the whole contiguous
// block sharing the top entry's group id, or just the top entry when it is
// ungrouped. The unit keeps push order.
func (s *Stack) takeUnitLocked(stack *[]Operation) []Operation {
	ops := *stack
	top := ops[len(ops)-1]
	start := len(ops) - 1
	if top.GroupID != "" {
		for start > 0 && ops[start-1].GroupID == top.GroupID {
			start--
		}
	}
	unit := append([]Operation(nil), ops[start:]...)
	*stack = ops[:start]
	return unit
}

// GetState returns the current snapshot.
func (s *Stack) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// GetCheckpoint returns the monotonic edit counter. It advances on every
// effective push, undo and redo, never on no-ops.
func (s *Stack) GetCheckpoint() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint
}

// Clear drops both histories. The checkpoint is preserved.
func (s *Stack) Clear() {
	s.mu.Lock()
	s.undo = nil
	s.redo = nil
	s.group = ""
	state := s.stateLocked()
	s.mu.Unlock()

	s.notify(state)
}

func (s *Stack) stateLocked() State {
	return State{
		CanUndo:    len(s.undo) > 0,
		CanRedo:    len(s.redo) > 0,
		UndoCount:  len(s.undo),
		RedoCount:  len(s.redo),
		Checkpoint: s.checkpoint,
	}
}

func (s *Stack) notify(state State) {
	if s.cfg.OnState != nil {
		s.cfg.OnState(state)
	}
}
