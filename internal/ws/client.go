package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/openscrawl/scrawl/internal/protocol"
	"github.com/openscrawl/scrawl/internal/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// errOutboxFull marks a delivery dropped because the connection's outbound
// queue was saturated. One slow consumer must never stall a room.
var errOutboxFull = errors.New("outbound queue full")

// Client is the per-connection gateway between the websocket transport and
// a room. Its lifecycle is Connected -> Identified (first frame must be a
// join) -> Active -> Closed; identity is minted at join and dies with the
// connection.
type Client struct {
	directory *room.Manager
	conn      *websocket.Conn
	send      chan []byte
	logger    *slog.Logger

	// Set once the join frame is processed; nil/zero before that.
	room *room.Room
	self protocol.ParticipantInfo
}

// Handler returns the gin endpoint that upgrades to a websocket and runs the
// connection's read/write pumps.
func Handler(directory *room.Manager, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		client := &Client{
			directory: directory,
			conn:      conn,
			send:      make(chan []byte, sendBufferSize),
			logger:    logger,
		}

		go client.writePump()
		go client.readPump()
	}
}

// Deliver queues a payload for the write pump without blocking. It
// implements room.Conn.
func (c *Client) Deliver(payload []byte) error {
	select {
	case c.send <- payload:
		return nil
	default:
		return errOutboxFull
	}
}

func (c *Client) readPump() {
	defer func() {
		if c.room != nil {
			c.room.Leave(c)
		}
		c.conn.Close()
		close(c.send)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.sendError(err.Error())
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch routes a decoded frame. Before the join frame the connection may
// do nothing else; afterwards joins are rejected and everything else loops
// the connection in its active state.
func (c *Client) dispatch(msg protocol.Message) {
	if c.room == nil {
		join, ok := msg.(protocol.JoinRoom)
		if !ok {
			c.sendError("join a room before sending " + string(msg.MessageType()))
			return
		}
		r, info, err := c.directory.Join(join.RoomName, c, join.DisplayName)
		if err != nil {
			c.sendError("join failed")
			c.logger.Error("join failed", "room", join.RoomName, "error", err)
			return
		}
		c.room = r
		c.self = info
		return
	}

	switch m := msg.(type) {
	case protocol.JoinRoom:
		c.sendError("already joined room " + c.room.Name())

	case protocol.Draw:
		if err := c.room.Apply(c, m.Op); err != nil {
			c.sendError(err.Error())
		}

	case protocol.Erase:
		if err := c.room.Apply(c, m.Op); err != nil {
			c.sendError(err.Error())
		}

	case protocol.Undo:
		// A miss (unknown or already-removed id) is a silent no-op:
		// no state change, no broadcast.
		if err := c.room.Undo(m.AuthorID, m.OpID); err != nil {
			c.logger.Debug("undo miss", "room", c.room.Name(), "opId", m.OpID, "error", err)
		}

	case protocol.Redo:
		if err := c.room.Redo(m.AuthorID); err != nil {
			c.logger.Debug("redo miss", "room", c.room.Name(), "error", err)
		}

	case protocol.ClearAll:
		if err := c.room.ClearAll(m.AuthorID); err != nil {
			c.sendError(err.Error())
		}

	case protocol.CursorMove:
		c.room.Cursor(c, c.self.ID, m.X, m.Y)
	}
}

func (c *Client) sendError(message string) {
	payload, err := protocol.EncodeError(message)
	if err != nil {
		c.logger.Error("encoding error reply failed", "error", err)
		return
	}
	if err := c.Deliver(payload); err != nil {
		c.logger.Warn("dropped error reply", "error", err)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
