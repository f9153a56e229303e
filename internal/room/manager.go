package room

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openscrawl/scrawl/internal/protocol"
)

const (
	DefaultRetention     = time.Hour
	DefaultSweepInterval = 60 * time.Second
)

// Options configures the room directory.
type Options struct {
	// HistoryLimit caps each room's operation history. Zero means the
	// oplog default.
	HistoryLimit int

	// Retention is how long an empty room survives before the idle sweep
	// reclaims it.
	Retention time.Duration

	// SweepInterval is the period of the idle sweep.
	SweepInterval time.Duration

	// Recorder, when non-nil, receives diagnostic room events.
	Recorder AuditRecorder

	Logger *slog.Logger
}

// Manager is the room directory: it creates rooms lazily on first join,
// finds them by name, and reclaims empty rooms past the retention window.
// Rooms proceed fully in parallel; there is no cross-room shared state
// beyond the directory map itself.
type Manager struct {
	opts Options

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewManager(opts Options) *Manager {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		opts:  opts,
		rooms: make(map[string]*Room),
	}
}

// Resolve returns the room with the given name, creating it if absent.
// Never fails.
func (m *Manager) Resolve(name string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[name]; ok {
		return r
	}
	r := newRoom(name, m.opts.HistoryLimit, m.opts.Recorder, m.opts.Logger)
	m.rooms[name] = r
	m.opts.Logger.Info("room created", "room", name)
	return r
}

// Find looks a room up without creating it.
func (m *Manager) Find(name string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[name]
}

// Join resolves the named room and registers the connection in it. If the
// resolved room was closed by the sweep between lookup and join, the stale
// directory entry is dropped and the join retries against a fresh room.
func (m *Manager) Join(name string, conn Conn, displayName string) (*Room, protocol.ParticipantInfo, error) {
	for {
		r := m.Resolve(name)
		info, err := r.Join(conn, displayName)
		if err == ErrRoomClosed {
			m.removeIfSame(name, r)
			continue
		}
		return r, info, err
	}
}

// Rooms returns the live rooms in no particular order.
func (m *Manager) Rooms() []*Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out
}

func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// ParticipantCount totals connected participants across all rooms.
func (m *Manager) ParticipantCount() int {
	total := 0
	for _, r := range m.Rooms() {
		total += r.Stats().Participants
	}
	return total
}

// Run drives the idle sweep until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep reclaims rooms that are empty and idle past the retention window.
// The emptiness re-check happens inside each room's own serialized section,
// never on a stale read.
func (m *Manager) Sweep() {
	for _, r := range m.Rooms() {
		if r.closeIfIdle(m.opts.Retention) {
			m.removeIfSame(r.Name(), r)
			m.opts.Logger.Info("room reclaimed", "room", r.Name())
		}
	}
}

// removeIfSame deletes the directory entry only if it still points at the
// given instance; a newer room under the same name stays.
func (m *Manager) removeIfSame(name string, r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[name] == r {
		delete(m.rooms, name)
	}
}
