package oplog

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind of operation recorded in a room's log
type Kind string

const (
	KindDraw     Kind = "draw"
	KindErase    Kind = "erase"
	KindClearAll Kind = "clear_all"
)

// DefaultMaxHistory bounds replay cost for late joiners. Older entries are
// evicted first; replay always starts from a blank canvas on whatever prefix
// remains, so eviction never breaks correctness.
const DefaultMaxHistory = 500

// A single drawing operation. Immutable once appended.
type Operation struct {
	ID         string `json:"opId"`
	Kind       Kind   `json:"kind"`
	AuthorID   string `json:"authorId"`
	X0         int    `json:"x0"`
	Y0         int    `json:"y0"`
	X1         int    `json:"x1"`
	Y1         int    `json:"y1"`
	Color      string `json:"color,omitempty"`
	StrokeSize int    `json:"strokeSize,omitempty"`
	EraseSize  int    `json:"eraseSize,omitempty"`

	// Advisory client wall-clock time. Never used for ordering.
	ClientTime int64 `json:"clientTimestamp,omitempty"`

	// Seq is assigned at append time and defines the authoritative
	// total order of the room's history.
	Seq uint64 `json:"seq"`
}

// AuditEvent records an undo/redo for diagnostics. Not used for replay.
type AuditEvent struct {
	Action  string    `json:"action"` // "undo" or "redo"
	OpID    string    `json:"opId"`
	ActorID string    `json:"actorId"`
	At      time.Time `json:"at"`
}

var (
	ErrUnknownKind   = errors.New("unknown operation kind")
	ErrNotFound      = errors.New("operation not found")
	ErrNotUndoable   = errors.New("operation cannot be undone")
	ErrNothingToRedo = errors.New("nothing to redo")
)

// ValidationError reports a missing required field for an operation kind.
type ValidationError struct {
	Kind  Kind
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s operation missing required field %q", e.Kind, e.Field)
}

// Log is the append-only operation history for one room, plus the room-wide
// undo/redo stack pair. It is not safe for concurrent use: the owning room
// serializes all access.
type Log struct {
	history []Operation
	redo    []Operation
	audit   []AuditEvent
	maxSize int
	nextSeq uint64
}

func New(maxSize int) *Log {
	if maxSize <= 0 {
		maxSize = DefaultMaxHistory
	}
	return &Log{
		history: make([]Operation, 0),
		redo:    make([]Operation, 0),
		maxSize: maxSize,
	}
}

// Append validates op, enriches it with an ID and sequence number, and
// records it. Any successful append invalidates the whole redo buffer: a
// redo after a divergent edit has no well-defined target. A clear_all resets
// the history to just itself.
func (l *Log) Append(op Operation) (Operation, error) {
	if err := validate(op); err != nil {
		return Operation{}, err
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	l.nextSeq++
	op.Seq = l.nextSeq

	l.redo = l.redo[:0]

	if op.Kind == KindClearAll {
		l.history = l.history[:0]
	}
	l.history = append(l.history, op)

	if len(l.history) > l.maxSize {
		overflow := len(l.history) - l.maxSize
		l.history = append(l.history[:0], l.history[overflow:]...)
	}

	return op, nil
}

func validate(op Operation) error {
	switch op.Kind {
	case KindDraw:
		if op.Color == "" {
			return &ValidationError{Kind: KindDraw, Field: "color"}
		}
		if op.StrokeSize <= 0 {
			return &ValidationError{Kind: KindDraw, Field: "strokeSize"}
		}
	case KindErase:
		if op.EraseSize <= 0 {
			return &ValidationError{Kind: KindErase, Field: "eraseSize"}
		}
	case KindClearAll:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
	}
	if op.AuthorID == "" {
		return &ValidationError{Kind: op.Kind, Field: "authorId"}
	}
	return nil
}

// Undo removes the operation with the given id from anywhere in the history,
// preserving the relative order of the rest, and moves it onto the redo
// buffer. Undo-by-id rather than undo-last is required because concurrent
// authors interleave: a participant's last action is not necessarily the
// log's last entry. clear_all entries are never undoable.
func (l *Log) Undo(targetID, actorID string) (Operation, error) {
	for i, op := range l.history {
		if op.ID != targetID {
			continue
		}
		if op.Kind == KindClearAll {
			return Operation{}, ErrNotUndoable
		}
		l.history = append(l.history[:i], l.history[i+1:]...)
		l.redo = append(l.redo, op)
		l.audit = append(l.audit, AuditEvent{
			Action:  "undo",
			OpID:    op.ID,
			ActorID: actorID,
			At:      time.Now().UTC(),
		})
		return op, nil
	}
	return Operation{}, ErrNotFound
}

// Redo pops the most recently undone operation and re-appends it to the end
// of the history with a fresh sequence number. The restored operation does
// not return to its original position: redo restores the canvas to "what it
// looked like plus this op". That is the contract, not an approximation.
func (l *Log) Redo(actorID string) (Operation, error) {
	if len(l.redo) == 0 {
		return Operation{}, ErrNothingToRedo
	}
	op := l.redo[len(l.redo)-1]
	l.redo = l.redo[:len(l.redo)-1]

	l.nextSeq++
	op.Seq = l.nextSeq
	l.history = append(l.history, op)
	if len(l.history) > l.maxSize {
		overflow := len(l.history) - l.maxSize
		l.history = append(l.history[:0], l.history[overflow:]...)
	}

	l.audit = append(l.audit, AuditEvent{
		Action:  "redo",
		OpID:    op.ID,
		ActorID: actorID,
		At:      time.Now().UTC(),
	})
	return op, nil
}

// Clear empties the history, the redo buffer and the audit trail.
func (l *Log) Clear() {
	l.history = l.history[:0]
	l.redo = l.redo[:0]
	l.audit = l.audit[:0]
}

// Snapshot returns a defensive copy of the history for late-joiner catch-up.
func (l *Log) Snapshot() []Operation {
	out := make([]Operation, len(l.history))
	copy(out, l.history)
	return out
}

// Audit returns a copy of the undo/redo audit trail.
func (l *Log) Audit() []AuditEvent {
	out := make([]AuditEvent, len(l.audit))
	copy(out, l.audit)
	return out
}

func (l *Log) Len() int { return len(l.history) }

func (l *Log) RedoLen() int { return len(l.redo) }
