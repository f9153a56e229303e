package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openscrawl/scrawl/internal/oplog"
)

// Type discriminates wire messages. Every frame is a JSON object carrying a
// "type" field plus the fields that type requires.
type Type string

const (
	// Client to server
	TypeJoinRoom   Type = "join_room"
	TypeDraw       Type = "draw"
	TypeErase      Type = "erase"
	TypeUndo       Type = "undo"
	TypeRedo       Type = "redo"
	TypeClearAll   Type = "clear_all"
	TypeCursorMove Type = "cursor_move"

	// Server to client
	TypeLoadHistory   Type = "load_history"
	TypeRosterChanged Type = "roster_changed"
	TypeError         Type = "error"
)

// ParticipantInfo is the wire form of a room member.
type ParticipantInfo struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Color       string    `json:"color"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// DecodeError reports a malformed inbound frame: unknown type or a missing
// required field. The frame is dropped and only the sender is notified.
type DecodeError struct {
	Type  Type
	Field string
	cause error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s message missing required field %q", e.Type, e.Field)
	}
	if e.cause != nil {
		return fmt.Sprintf("malformed message: %v", e.cause)
	}
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// Message is the decoded, strictly typed form of an inbound frame.
type Message interface {
	MessageType() Type
}

type JoinRoom struct {
	RoomName    string
	DisplayName string
}

type Draw struct {
	Op oplog.Operation
}

type Erase struct {
	Op oplog.Operation
}

type Undo struct {
	AuthorID string
	OpID     string
}

type Redo struct {
	AuthorID string
}

type ClearAll struct {
	AuthorID string
}

type CursorMove struct {
	X int
	Y int
}

func (JoinRoom) MessageType() Type   { return TypeJoinRoom }
func (Draw) MessageType() Type       { return TypeDraw }
func (Erase) MessageType() Type      { return TypeErase }
func (Undo) MessageType() Type       { return TypeUndo }
func (Redo) MessageType() Type       { return TypeRedo }
func (ClearAll) MessageType() Type   { return TypeClearAll }
func (CursorMove) MessageType() Type { return TypeCursorMove }

// envelope is the loose wire record inbound frames are parsed into before
// per-type validation. Pointer fields distinguish "absent" from zero.
type envelope struct {
	Type        Type   `json:"type"`
	RoomName    string `json:"roomName"`
	DisplayName string `json:"displayName"`
	AuthorID    string `json:"authorId"`
	OpID        string `json:"opId"`
	X0          *int   `json:"x0"`
	Y0          *int   `json:"y0"`
	X1          *int   `json:"x1"`
	Y1          *int   `json:"y1"`
	X           *int   `json:"x"`
	Y           *int   `json:"y"`
	Color       string `json:"color"`
	StrokeSize  int    `json:"strokeSize"`
	EraseSize   int    `json:"eraseSize"`
	ClientTime  int64  `json:"clientTimestamp"`
}

// Decode parses an inbound frame once into its strict internal form,
// enforcing the required fields of its type. Field-level validation of
// operation style (color, sizes) is left to the log's own append checks.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{cause: err}
	}

	switch env.Type {
	case TypeJoinRoom:
		if env.RoomName == "" {
			return nil, &DecodeError{Type: env.Type, Field: "roomName"}
		}
		if env.DisplayName == "" {
			return nil, &DecodeError{Type: env.Type, Field: "displayName"}
		}
		return JoinRoom{RoomName: env.RoomName, DisplayName: env.DisplayName}, nil

	case TypeDraw, TypeErase:
		if env.AuthorID == "" {
			return nil, &DecodeError{Type: env.Type, Field: "authorId"}
		}
		if err := requireGeometry(&env); err != nil {
			return nil, err
		}
		op := oplog.Operation{
			ID:         env.OpID,
			AuthorID:   env.AuthorID,
			X0:         *env.X0,
			Y0:         *env.Y0,
			X1:         *env.X1,
			Y1:         *env.Y1,
			ClientTime: env.ClientTime,
		}
		if env.Type == TypeDraw {
			op.Kind = oplog.KindDraw
			op.Color = env.Color
			op.StrokeSize = env.StrokeSize
			return Draw{Op: op}, nil
		}
		op.Kind = oplog.KindErase
		op.EraseSize = env.EraseSize
		return Erase{Op: op}, nil

	case TypeUndo:
		if env.AuthorID == "" {
			return nil, &DecodeError{Type: env.Type, Field: "authorId"}
		}
		if env.OpID == "" {
			return nil, &DecodeError{Type: env.Type, Field: "opId"}
		}
		return Undo{AuthorID: env.AuthorID, OpID: env.OpID}, nil

	case TypeRedo:
		if env.AuthorID == "" {
			return nil, &DecodeError{Type: env.Type, Field: "authorId"}
		}
		return Redo{AuthorID: env.AuthorID}, nil

	case TypeClearAll:
		if env.AuthorID == "" {
			return nil, &DecodeError{Type: env.Type, Field: "authorId"}
		}
		return ClearAll{AuthorID: env.AuthorID}, nil

	case TypeCursorMove:
		if env.X == nil {
			return nil, &DecodeError{Type: env.Type, Field: "x"}
		}
		if env.Y == nil {
			return nil, &DecodeError{Type: env.Type, Field: "y"}
		}
		return CursorMove{X: *env.X, Y: *env.Y}, nil

	default:
		return nil, &DecodeError{Type: env.Type}
	}
}

func requireGeometry(env *envelope) error {
	for field, v := range map[string]*int{"x0": env.X0, "y0": env.Y0, "x1": env.X1, "y1": env.Y1} {
		if v == nil {
			return &DecodeError{Type: env.Type, Field: field}
		}
	}
	return nil
}

// Outbound frames. These marshal known shapes and only fail if the runtime
// is badly broken, so callers log rather than propagate errors.

type operationFrame struct {
	Type Type `json:"type"`
	oplog.Operation
}

// EncodeOperation relays an appended draw, erase or clear_all operation in
// its enriched form (server-assigned id and sequence number included).
func EncodeOperation(op oplog.Operation) ([]byte, error) {
	return json.Marshal(operationFrame{Type: Type(op.Kind), Operation: op})
}

// EncodeLoadHistory is the single join reply: the full log snapshot plus the
// joiner's own assigned identity.
func EncodeLoadHistory(ops []oplog.Operation, self ParticipantInfo) ([]byte, error) {
	if ops == nil {
		ops = []oplog.Operation{}
	}
	return json.Marshal(struct {
		Type        Type              `json:"type"`
		Operations  []oplog.Operation `json:"operations"`
		Participant ParticipantInfo   `json:"participantInfo"`
	}{TypeLoadHistory, ops, self})
}

// EncodeRosterChanged announces a membership change. Event is "joined" or
// "left".
func EncodeRosterChanged(event string, who ParticipantInfo, roster []ParticipantInfo) ([]byte, error) {
	if roster == nil {
		roster = []ParticipantInfo{}
	}
	return json.Marshal(struct {
		Type        Type              `json:"type"`
		Event       string            `json:"event"`
		Participant ParticipantInfo   `json:"participant"`
		Roster      []ParticipantInfo `json:"roster"`
		Count       int               `json:"count"`
	}{TypeRosterChanged, event, who, roster, len(roster)})
}

// EncodeUndo tells every participant, including the requester, to drop the
// operation from their replayed state.
func EncodeUndo(authorID, opID string) ([]byte, error) {
	return json.Marshal(struct {
		Type     Type   `json:"type"`
		AuthorID string `json:"authorId"`
		OpID     string `json:"opId"`
	}{TypeUndo, authorID, opID})
}

// EncodeRedo carries the restored operation so every participant re-applies
// it at the end of their history.
func EncodeRedo(authorID string, op oplog.Operation) ([]byte, error) {
	return json.Marshal(struct {
		Type      Type            `json:"type"`
		AuthorID  string          `json:"authorId"`
		Operation oplog.Operation `json:"operation"`
	}{TypeRedo, authorID, op})
}

// EncodeCursor relays an ephemeral cursor position. Never logged, never
// replayed to joiners.
func EncodeCursor(authorID string, x, y int) ([]byte, error) {
	return json.Marshal(struct {
		Type     Type   `json:"type"`
		AuthorID string `json:"authorId"`
		X        int    `json:"x"`
		Y        int    `json:"y"`
	}{TypeCursorMove, authorID, x, y})
}

// EncodeError notifies the originator of a dropped frame.
func EncodeError(message string) ([]byte, error) {
	return json.Marshal(struct {
		Type    Type   `json:"type"`
		Message string `json:"message"`
	}{TypeError, message})
}
