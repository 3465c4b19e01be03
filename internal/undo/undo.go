// Package undo keeps bounded undo and redo stacks of graph snapshots.
package undo

import "graphshell/internal/graph"

// DefaultLimit is the stack depth used when none is configured.
const DefaultLimit = 128

// History is a pair of bounded snapshot stacks. The oldest checkpoint is
// dropped when the undo stack is full.
type History struct {
	limit int
	undo  []*graph.Snapshot
	redo  []*graph.Snapshot
}

func New(limit int) *History {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &History{limit: limit}
}

func push(stack []*graph.Snapshot, s *graph.Snapshot, limit int) []*graph.Snapshot {
	stack = append(stack, s)
	if over := len(stack) - limit; over > 0 {
		clear(stack[:over])
		stack = stack[over:]
	}
	return stack
}

func pop(stack []*graph.Snapshot) ([]*graph.Snapshot, *graph.Snapshot) {
	n := len(stack)
	s := stack[n-1]
	stack[n-1] = nil
	return stack[:n-1], s
}

// Capture pushes a checkpoint and clears redo.
func (h *History) Capture(s *graph.Snapshot) {
	h.undo = push(h.undo, s, h.limit)
	clear(h.redo)
	h.redo = h.redo[:0]
}

// Undo pops the newest checkpoint, pushes current onto redo and returns the
// snapshot to restore.
func (h *History) Undo(current *graph.Snapshot) (*graph.Snapshot, bool) {
	if len(h.undo) == 0 {
		return nil, false
	}
	var s *graph.Snapshot
	h.undo, s = pop(h.undo)
	h.redo = push(h.redo, current, h.limit)
	return s, true
}

// Redo mirrors Undo.
func (h *History) Redo(current *graph.Snapshot) (*graph.Snapshot, bool) {
	if len(h.redo) == 0 {
		return nil, false
	}
	var s *graph.Snapshot
	h.redo, s = pop(h.redo)
	h.undo = push(h.undo, current, h.limit)
	return s, true
}

func (h *History) CanUndo() bool  { return len(h.undo) > 0 }
func (h *History) CanRedo() bool  { return len(h.redo) > 0 }
func (h *History) UndoDepth() int { return len(h.undo) }
func (h *History) RedoDepth() int { return len(h.redo) }

// Clear drops both stacks.
func (h *History) Clear() {
	h.undo, h.redo = nil, nil
}

// PerformUndo restores the previous checkpoint into g.
func (h *History) PerformUndo(g *graph.Graph) bool {
	s, ok := h.Undo(g.Snapshot())
	if ok {
		g.Restore(s)
	}
	return ok
}

// PerformRedo re-applies the last undone checkpoint into g.
func (h *History) PerformRedo(g *graph.Graph) bool {
	s, ok := h.Redo(g.Snapshot())
	if ok {
		g.Restore(s)
	}
	return ok
}
