// Package txqueue implements the per-connection transaction queue:
// MULTI opens a queue, EXEC/DISCARD close it. Canonical semantics are
// used: every command issued between MULTI and EXEC is queued,
// including reads (the teacher's deviation of executing reads
// immediately is not carried forward, per the resolved open
// question).
package txqueue

import (
	"errors"

	"redis/internal/command"
)

var (
	ErrExecWithoutMulti    = errors.New("EXEC without MULTI")
	ErrDiscardWithoutMulti = errors.New("DISCARD without MULTI")
)

// Queue is a stack of open transactions for one connection. MULTI
// while a transaction is already open pushes a nested frame; EXEC
// pops and runs only the innermost one, per spec.
type Queue struct {
	frames [][]command.Command
}

// Open reports whether at least one MULTI is pending.
func (q *Queue) Open() bool {
	return len(q.frames) > 0
}

// Begin opens a new (possibly nested) queue frame.
func (q *Queue) Begin() {
	q.frames = append(q.frames, nil)
}

// Enqueue appends cmd to the innermost open frame. Caller must check
// Open() first.
func (q *Queue) Enqueue(cmd command.Command) {
	i := len(q.frames) - 1
	q.frames[i] = append(q.frames[i], cmd)
}

// Exec pops the innermost frame and returns its queued commands in
// order, clearing that frame. Returns ErrExecWithoutMulti if no frame
// is open.
func (q *Queue) Exec() ([]command.Command, error) {
	if !q.Open() {
		return nil, ErrExecWithoutMulti
	}
	i := len(q.frames) - 1
	cmds := q.frames[i]
	q.frames = q.frames[:i]
	return cmds, nil
}

// Discard drops the innermost frame without returning its contents.
func (q *Queue) Discard() error {
	if !q.Open() {
		return ErrDiscardWithoutMulti
	}
	q.frames = q.frames[:len(q.frames)-1]
	return nil
}
