package room

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openscrawl/scrawl/internal/oplog"
	"github.com/openscrawl/scrawl/internal/protocol"
)

// Conn is the delivery side of a participant's connection. Deliver must be
// non-blocking and best-effort: a full or broken outbox returns an error
// instead of stalling the room.
type Conn interface {
	Deliver(payload []byte) error
}

// AuditRecorder receives diagnostic room events. Implementations must not
// block; the room calls it while holding its serialized section.
type AuditRecorder interface {
	Record(room, action, opID, actorID string)
}

// ErrRoomClosed is returned when a command races the idle sweep's close of
// an empty room. Callers resolve a fresh room and retry.
var ErrRoomClosed = errors.New("room is closed")

// Participant colors are assigned round-robin from a fixed palette and stay
// stable for the connection's lifetime.
var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#808000",
}

type participant struct {
	info protocol.ParticipantInfo
	conn Conn
}

// Room owns one operation log and the set of connected participants. All
// mutable state is confined to a single goroutine; connection handlers send
// commands into it rather than touching shared memory, so only one mutation
// is ever in flight against the log and the total order is preserved.
type Room struct {
	name     string
	log      *oplog.Log
	recorder AuditRecorder
	logger   *slog.Logger

	cmds chan func()
	done chan struct{}

	// Actor-owned state below; touched only from run().
	participants []*participant
	colorIdx     int
	lastActivity time.Time
	closing      bool
	droppedSends uint64
}

func newRoom(name string, historyLimit int, recorder AuditRecorder, logger *slog.Logger) *Room {
	r := &Room{
		name:         name,
		log:          oplog.New(historyLimit),
		recorder:     recorder,
		logger:       logger.With("room", name),
		cmds:         make(chan func(), 64),
		done:         make(chan struct{}),
		lastActivity: time.Now(),
	}
	go r.run()
	return r
}

func (r *Room) run() {
	for fn := range r.cmds {
		fn()
		if r.closing {
			close(r.done)
			return
		}
	}
}

// call runs fn inside the room's serialized section and waits for it.
func (r *Room) call(fn func()) error {
	ran := make(chan struct{})
	select {
	case <-r.done:
		return ErrRoomClosed
	case r.cmds <- func() { fn(); close(ran) }:
	}
	select {
	case <-ran:
		return nil
	case <-r.done:
		return ErrRoomClosed
	}
}

func (r *Room) Name() string { return r.name }

// Join registers the connection, assigns a per-connection identity and a
// palette color, and delivers the join reply to the joiner: the full log
// snapshot plus its own identity. The roster change is then broadcast to
// everyone, joiner included, so all participants share the same membership
// view.
func (r *Room) Join(conn Conn, displayName string) (protocol.ParticipantInfo, error) {
	var info protocol.ParticipantInfo
	err := r.call(func() {
		info = protocol.ParticipantInfo{
			ID:          uuid.NewString(),
			DisplayName: displayName,
			Color:       palette[r.colorIdx%len(palette)],
			JoinedAt:    time.Now().UTC(),
		}
		r.colorIdx++
		r.participants = append(r.participants, &participant{info: info, conn: conn})
		r.lastActivity = time.Now()

		r.logger.Info("participant joined", "participant", info.ID, "name", displayName, "total", len(r.participants))
		r.record("join", "", info.ID)

		if payload, encErr := protocol.EncodeLoadHistory(r.log.Snapshot(), info); encErr != nil {
			r.logger.Error("encoding join reply failed", "error", encErr)
		} else if delErr := conn.Deliver(payload); delErr != nil {
			r.droppedSends++
			r.logger.Warn("dropped join reply", "participant", info.ID, "error", delErr)
		}

		payload, encErr := protocol.EncodeRosterChanged("joined", info, r.roster())
		r.deliverAll(payload, encErr, nil)
	})
	if err != nil {
		return protocol.ParticipantInfo{}, err
	}
	return info, nil
}

// Leave deregisters the connection. The room itself survives empty until the
// idle sweep reclaims it, so a rapid rejoin loses nothing.
func (r *Room) Leave(conn Conn) {
	_ = r.call(func() {
		for i, p := range r.participants {
			if p.conn != conn {
				continue
			}
			r.participants = append(r.participants[:i], r.participants[i+1:]...)
			r.lastActivity = time.Now()

			r.logger.Info("participant left", "participant", p.info.ID, "remaining", len(r.participants))
			r.record("leave", "", p.info.ID)

			payload, encErr := protocol.EncodeRosterChanged("left", p.info, r.roster())
			r.deliverAll(payload, encErr, nil)
			return
		}
	})
}

// Apply appends a draw or erase operation and relays it to every other
// participant. The sender already rendered the stroke locally, so echoing it
// back would double-apply it.
func (r *Room) Apply(conn Conn, op oplog.Operation) error {
	var appendErr error
	err := r.call(func() {
		enriched, err := r.log.Append(op)
		if err != nil {
			appendErr = err
			return
		}
		r.lastActivity = time.Now()
		payload, encErr := protocol.EncodeOperation(enriched)
		r.deliverAll(payload, encErr, conn)
	})
	if err != nil {
		return err
	}
	return appendErr
}

// Undo removes the identified operation and broadcasts the removal to every
// participant, requester included: the result depends on log state the
// requester cannot reconstruct locally, so everyone re-derives from the
// authoritative log. A miss is a silent no-op.
func (r *Room) Undo(authorID, opID string) error {
	var undoErr error
	err := r.call(func() {
		op, err := r.log.Undo(opID, authorID)
		if err != nil {
			undoErr = err
			return
		}
		r.lastActivity = time.Now()
		r.record("undo", op.ID, authorID)
		payload, encErr := protocol.EncodeUndo(authorID, op.ID)
		r.deliverAll(payload, encErr, nil)
	})
	if err != nil {
		return err
	}
	return undoErr
}

// Redo restores the most recently undone operation. The redo buffer is
// room-wide, not per participant. Broadcast includes the requester.
func (r *Room) Redo(authorID string) error {
	var redoErr error
	err := r.call(func() {
		op, err := r.log.Redo(authorID)
		if err != nil {
			redoErr = err
			return
		}
		r.lastActivity = time.Now()
		r.record("redo", op.ID, authorID)
		payload, encErr := protocol.EncodeRedo(authorID, op)
		r.deliverAll(payload, encErr, nil)
	})
	if err != nil {
		return err
	}
	return redoErr
}

// ClearAll wipes the room log and broadcasts the reset to every participant,
// requester included.
func (r *Room) ClearAll(authorID string) error {
	var clearErr error
	err := r.call(func() {
		op, err := r.log.Append(oplog.Operation{Kind: oplog.KindClearAll, AuthorID: authorID})
		if err != nil {
			clearErr = err
			return
		}
		r.lastActivity = time.Now()
		r.record("clear_all", op.ID, authorID)
		payload, encErr := protocol.EncodeOperation(op)
		r.deliverAll(payload, encErr, nil)
	})
	if err != nil {
		return err
	}
	return clearErr
}

// Cursor relays an ephemeral cursor position to everyone else. Never logged,
// never part of catch-up.
func (r *Room) Cursor(conn Conn, authorID string, x, y int) {
	_ = r.call(func() {
		payload, encErr := protocol.EncodeCursor(authorID, x, y)
		r.deliverAll(payload, encErr, conn)
	})
}

// Roster returns the participants in join order.
func (r *Room) Roster() []protocol.ParticipantInfo {
	var roster []protocol.ParticipantInfo
	_ = r.call(func() { roster = r.roster() })
	return roster
}

// Snapshot returns a copy of the room's operation history.
func (r *Room) Snapshot() []oplog.Operation {
	var ops []oplog.Operation
	_ = r.call(func() { ops = r.log.Snapshot() })
	return ops
}

// Stats is a read-only view for the diagnostics API.
type Stats struct {
	Name         string    `json:"name"`
	Participants int       `json:"participants"`
	Operations   int       `json:"operations"`
	LastActivity time.Time `json:"lastActivity"`
	DroppedSends uint64    `json:"droppedSends"`
}

func (r *Room) Stats() Stats {
	var s Stats
	_ = r.call(func() {
		s = Stats{
			Name:         r.name,
			Participants: len(r.participants),
			Operations:   r.log.Len(),
			LastActivity: r.lastActivity,
			DroppedSends: r.droppedSends,
		}
	})
	return s
}

// closeIfIdle closes the room when it is empty and has been idle for at
// least retention. The emptiness check runs inside the same serialized
// section as join/leave, so the sweep can never destroy a room that has just
// gained a participant: a join either lands before the check or fails with
// ErrRoomClosed and retries against a fresh room.
func (r *Room) closeIfIdle(retention time.Duration) bool {
	closed := false
	err := r.call(func() {
		if len(r.participants) == 0 && time.Since(r.lastActivity) >= retention {
			r.closing = true
			closed = true
		}
	})
	if err != nil {
		// Already closed by an earlier sweep.
		return true
	}
	return closed
}

// Actor-side helpers. Only called from within run().

func (r *Room) roster() []protocol.ParticipantInfo {
	out := make([]protocol.ParticipantInfo, len(r.participants))
	for i, p := range r.participants {
		out[i] = p.info
	}
	return out
}

// deliverAll fans payload out to every participant except exclude. Delivery
// failure to one connection is isolated: counted, logged, and the rest still
// receive the message. The log mutation that produced the payload is never
// rolled back.
func (r *Room) deliverAll(payload []byte, encErr error, exclude Conn) {
	if encErr != nil {
		r.logger.Error("encoding broadcast failed", "error", encErr)
		return
	}
	for _, p := range r.participants {
		if p.conn == exclude {
			continue
		}
		if err := p.conn.Deliver(payload); err != nil {
			r.droppedSends++
			r.logger.Warn("dropped delivery", "participant", p.info.ID, "error", err)
		}
	}
}

func (r *Room) record(action, opID, actorID string) {
	if r.recorder != nil {
		r.recorder.Record(r.name, action, opID, actorID)
	}
}
