package room

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openscrawl/scrawl/internal/oplog"
)

// fakeConn records everything delivered to it. Room commands are processed
// synchronously from the caller's point of view, so no waiting is needed
// before inspecting frames.
type fakeConn struct {
	mu     sync.Mutex
	frames []map[string]any
	broken bool
}

func (f *fakeConn) Deliver(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return errors.New("broken pipe")
	}
	var frame map[string]any
	if err := json.Unmarshal(payload, &frame); err != nil {
		return err
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeConn) byType(msgType string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, frame := range f.frames {
		if frame["type"] == msgType {
			out = append(out, frame)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager() *Manager {
	return NewManager(Options{Logger: testLogger()})
}

func drawOp(id, author string) oplog.Operation {
	return oplog.Operation{
		ID:         id,
		Kind:       oplog.KindDraw,
		AuthorID:   author,
		X1:         5,
		Y1:         5,
		Color:      "#000",
		StrokeSize: 3,
	}
}

func TestJoinDeliversHistoryThenRoster(t *testing.T) {
	m := newTestManager()
	conn := &fakeConn{}

	r, info, err := m.Join("r1", conn, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, info.ID)
	require.Equal(t, "alice", info.DisplayName)
	require.NotEmpty(t, info.Color)
	require.Equal(t, "r1", r.Name())

	require.Len(t, conn.frames, 2)
	require.Equal(t, "load_history", conn.frames[0]["type"])
	require.Equal(t, "roster_changed", conn.frames[1]["type"])

	ops := conn.frames[0]["operations"].([]any)
	require.Empty(t, ops)
	self := conn.frames[0]["participantInfo"].(map[string]any)
	require.Equal(t, info.ID, self["id"])
}

func TestLateJoinerCatchesUp(t *testing.T) {
	m := newTestManager()
	a := &fakeConn{}
	r, infoA, err := m.Join("r1", a, "alice")
	require.NoError(t, err)

	require.NoError(t, r.Apply(a, drawOp("o1", infoA.ID)))
	require.NoError(t, r.Apply(a, drawOp("o2", infoA.ID)))

	b := &fakeConn{}
	_, _, err = m.Join("r1", b, "bob")
	require.NoError(t, err)

	history := b.byType("load_history")
	require.Len(t, history, 1)
	ops := history[0]["operations"].([]any)
	require.Len(t, ops, 2)
	first := ops[0].(map[string]any)
	require.Equal(t, "o1", first["opId"])
}

func TestDrawExcludesSender(t *testing.T) {
	m := newTestManager()
	a, b := &fakeConn{}, &fakeConn{}
	r, infoA, err := m.Join("r1", a, "alice")
	require.NoError(t, err)
	_, _, err = m.Join("r1", b, "bob")
	require.NoError(t, err)

	require.NoError(t, r.Apply(a, drawOp("o1", infoA.ID)))

	require.Empty(t, a.byType("draw"))
	relayed := b.byType("draw")
	require.Len(t, relayed, 1)
	require.Equal(t, "o1", relayed[0]["opId"])
	require.Equal(t, float64(1), relayed[0]["seq"])
}

func TestUndoRedoClearIncludeSender(t *testing.T) {
	m := newTestManager()
	a, b := &fakeConn{}, &fakeConn{}
	r, infoA, err := m.Join("r1", a, "alice")
	require.NoError(t, err)
	_, infoB, err := m.Join("r1", b, "bob")
	require.NoError(t, err)

	require.NoError(t, r.Apply(a, drawOp("o1", infoA.ID)))

	require.NoError(t, r.Undo(infoA.ID, "o1"))
	require.Len(t, a.byType("undo"), 1)
	require.Len(t, b.byType("undo"), 1)

	require.NoError(t, r.Redo(infoB.ID))
	require.Len(t, a.byType("redo"), 1)
	require.Len(t, b.byType("redo"), 1)

	require.NoError(t, r.ClearAll(infoA.ID))
	require.Len(t, a.byType("clear_all"), 1)
	require.Len(t, b.byType("clear_all"), 1)
}

func TestUndoMissIsSilent(t *testing.T) {
	m := newTestManager()
	a, b := &fakeConn{}, &fakeConn{}
	r, infoA, err := m.Join("r1", a, "alice")
	require.NoError(t, err)
	_, _, err = m.Join("r1", b, "bob")
	require.NoError(t, err)

	err = r.Undo(infoA.ID, "does-not-exist")
	require.ErrorIs(t, err, oplog.ErrNotFound)
	require.Empty(t, a.byType("undo"))
	require.Empty(t, b.byType("undo"))
}

func TestBrokenConnectionIsIsolated(t *testing.T) {
	m := newTestManager()
	p1, p2, p3 := &fakeConn{}, &fakeConn{}, &fakeConn{}
	r, info1, err := m.Join("r1", p1, "one")
	require.NoError(t, err)
	_, _, err = m.Join("r1", p2, "two")
	require.NoError(t, err)
	_, _, err = m.Join("r1", p3, "three")
	require.NoError(t, err)

	p2.mu.Lock()
	p2.broken = true
	p2.mu.Unlock()

	require.NoError(t, r.Apply(p1, drawOp("o1", info1.ID)))
	require.NoError(t, r.Apply(p1, drawOp("o2", info1.ID)))

	require.Len(t, p3.byType("draw"), 2)
	require.Equal(t, 2, r.Stats().Operations)
	require.NotZero(t, r.Stats().DroppedSends)
}

func TestCursorRelayExcludesSenderAndIsNotLogged(t *testing.T) {
	m := newTestManager()
	a, b := &fakeConn{}, &fakeConn{}
	r, infoA, err := m.Join("r1", a, "alice")
	require.NoError(t, err)
	_, _, err = m.Join("r1", b, "bob")
	require.NoError(t, err)

	r.Cursor(a, infoA.ID, 10, 20)

	require.Empty(t, a.byType("cursor_move"))
	moves := b.byType("cursor_move")
	require.Len(t, moves, 1)
	require.Equal(t, float64(10), moves[0]["x"])
	require.Equal(t, 0, r.Stats().Operations)
}

func TestRosterOrderAndColors(t *testing.T) {
	m := newTestManager()
	r := m.Resolve("r1")

	var infos []string
	var colors []string
	for _, name := range []string{"alice", "bob", "carol"} {
		info, err := r.Join(&fakeConn{}, name)
		require.NoError(t, err)
		infos = append(infos, info.ID)
		colors = append(colors, info.Color)
	}

	require.Equal(t, palette[0], colors[0])
	require.Equal(t, palette[1], colors[1])
	require.Equal(t, palette[2], colors[2])

	roster := r.Roster()
	require.Len(t, roster, 3)
	for i, p := range roster {
		require.Equal(t, infos[i], p.ID)
	}
}

func TestLeaveBroadcastsRoster(t *testing.T) {
	m := newTestManager()
	a, b := &fakeConn{}, &fakeConn{}
	r, _, err := m.Join("r1", a, "alice")
	require.NoError(t, err)
	_, infoB, err := m.Join("r1", b, "bob")
	require.NoError(t, err)

	r.Leave(b)

	changes := a.byType("roster_changed")
	require.Len(t, changes, 3) // own join, bob's join, bob's leave
	last := changes[2]
	require.Equal(t, "left", last["event"])
	require.Equal(t, float64(1), last["count"])
	require.Equal(t, infoB.ID, last["participant"].(map[string]any)["id"])

	require.Len(t, r.Roster(), 1)
}

// The end-to-end scenario: A joins and draws, B joins and catches up, A's
// stroke is undone, and B redoes it — demonstrating that the redo buffer is
// room-wide, not per participant.
func TestSharedRedoBufferScenario(t *testing.T) {
	m := newTestManager()
	a := &fakeConn{}
	r, infoA, err := m.Join("r1", a, "alice")
	require.NoError(t, err)
	require.Empty(t, a.byType("load_history")[0]["operations"])

	require.NoError(t, r.Apply(a, drawOp("o1", infoA.ID)))
	require.Equal(t, 1, r.Stats().Operations)

	b := &fakeConn{}
	_, infoB, err := m.Join("r1", b, "bob")
	require.NoError(t, err)
	ops := b.byType("load_history")[0]["operations"].([]any)
	require.Len(t, ops, 1)

	require.NoError(t, r.Undo(infoA.ID, "o1"))
	require.Equal(t, 0, r.Stats().Operations)
	require.Len(t, a.byType("undo"), 1)
	require.Len(t, b.byType("undo"), 1)

	// B never undid anything, but the room-wide buffer holds A's undo.
	require.NoError(t, r.Redo(infoB.ID))
	restored := b.byType("redo")[0]["operation"].(map[string]any)
	require.Equal(t, "o1", restored["opId"])

	history := r.Snapshot()
	require.Len(t, history, 1)
	require.Equal(t, "o1", history[0].ID)
}

type recordingAudit struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingAudit) Record(room, action, opID, actorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
}

func TestAuditRecorderReceivesEvents(t *testing.T) {
	rec := &recordingAudit{}
	m := NewManager(Options{Logger: testLogger(), Recorder: rec})

	a := &fakeConn{}
	r, infoA, err := m.Join("r1", a, "alice")
	require.NoError(t, err)
	require.NoError(t, r.Apply(a, drawOp("o1", infoA.ID)))
	require.NoError(t, r.Undo(infoA.ID, "o1"))
	require.NoError(t, r.Redo(infoA.ID))
	r.Leave(a)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, []string{"join", "undo", "redo", "leave"}, rec.actions)
}
