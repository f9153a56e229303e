package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openscrawl/scrawl/internal/audit"
	"github.com/openscrawl/scrawl/internal/room"
)

// API serves the read-only diagnostics surface: health, counters and room
// introspection. Nothing here mutates session state.
type API struct {
	directory *room.Manager
	store     *audit.Store
}

// New builds the handler set. store may be nil when the audit sink is
// disabled.
func New(directory *room.Manager, store *audit.Store) *API {
	return &API{directory: directory, store: store}
}

// Register mounts the endpoints on the router.
func (a *API) Register(router *gin.Engine) {
	router.GET("/health", a.Health)
	router.GET("/api/stats", a.Stats)
	router.GET("/api/rooms", a.ListRooms)
	router.GET("/api/rooms/:name", a.GetRoom)
}

func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) Stats(c *gin.Context) {
	stats := gin.H{
		"active_rooms":        a.directory.RoomCount(),
		"active_participants": a.directory.ParticipantCount(),
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
	}

	if a.store != nil {
		if n, err := a.store.EventCount(); err == nil {
			stats["audit_events"] = n
		}
		stats["audit_dropped"] = a.store.Dropped()
	}

	c.JSON(http.StatusOK, stats)
}

func (a *API) ListRooms(c *gin.Context) {
	rooms := a.directory.Rooms()
	out := make([]room.Stats, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	c.JSON(http.StatusOK, gin.H{
		"rooms": out,
		"count": len(out),
	})
}

func (a *API) GetRoom(c *gin.Context) {
	name := c.Param("name")
	r := a.directory.Find(name)
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	resp := gin.H{
		"stats":  r.Stats(),
		"roster": r.Roster(),
	}
	if a.store != nil {
		if events, err := a.store.RoomEvents(name, 100); err == nil {
			resp["recent_events"] = events
		}
	}

	c.JSON(http.StatusOK, resp)
}
