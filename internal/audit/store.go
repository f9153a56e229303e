package audit

import (
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is an optional sqlite-backed sink for room diagnostics: undo/redo
// audit events and membership changes. It exists purely for operators; the
// operation log itself is never persisted and replay never reads from here.
//
// Record is asynchronous. Events flow through a buffered channel into a
// single writer goroutine, so rooms never block on disk I/O inside their
// serialized sections; under overload events are dropped and counted.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	events  chan Event
	stop    chan struct{}
	wg      sync.WaitGroup
	dropped uint64
	mu      sync.Mutex
}

// Event is one recorded room event.
type Event struct {
	Room    string    `json:"room"`
	Action  string    `json:"action"`
	OpID    string    `json:"opId,omitempty"`
	ActorID string    `json:"actorId"`
	At      time.Time `json:"at"`
}

func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS room_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room TEXT NOT NULL,
		action TEXT NOT NULL,
		op_id TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_room_events_room ON room_events(room, created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		logger: logger,
		events: make(chan Event, 1024),
		stop:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writer()

	logger.Info("audit store opened", "path", dbPath)
	return s, nil
}

// Record queues an event without blocking. Implements room.AuditRecorder.
func (s *Store) Record(roomName, action, opID, actorID string) {
	evt := Event{
		Room:    roomName,
		Action:  action,
		OpID:    opID,
		ActorID: actorID,
		At:      time.Now().UTC(),
	}
	select {
	case s.events <- evt:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

func (s *Store) writer() {
	defer s.wg.Done()
	for {
		select {
		case evt := <-s.events:
			s.insert(evt)
		case <-s.stop:
			// Drain whatever is already queued before shutting down.
			for {
				select {
				case evt := <-s.events:
					s.insert(evt)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) insert(evt Event) {
	_, err := s.db.Exec(
		"INSERT INTO room_events (room, action, op_id, actor_id, created_at) VALUES (?, ?, ?, ?, ?)",
		evt.Room, evt.Action, evt.OpID, evt.ActorID, evt.At,
	)
	if err != nil {
		s.logger.Warn("audit insert failed", "error", err)
	}
}

// EventCount returns the total number of recorded events.
func (s *Store) EventCount() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM room_events").Scan(&n)
	return n, err
}

// RoomEvents returns the most recent events for one room, newest first.
func (s *Store) RoomEvents(roomName string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(
		"SELECT room, action, op_id, actor_id, created_at FROM room_events WHERE room = ? ORDER BY created_at DESC, id DESC LIMIT ?",
		roomName, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var evt Event
		if err := rows.Scan(&evt.Room, &evt.Action, &evt.OpID, &evt.ActorID, &evt.At); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Dropped reports how many events were discarded under overload.
func (s *Store) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close flushes queued events and closes the database.
func (s *Store) Close() error {
	close(s.stop)
	s.wg.Wait()
	return s.db.Close()
}
