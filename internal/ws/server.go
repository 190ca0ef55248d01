package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/manpreetbhatti/pairpad/backend/internal/db"
	"github.com/manpreetbhatti/pairpad/backend/internal/metrics"
	"github.com/manpreetbhatti/pairpad/backend/internal/protocol"
	"github.com/manpreetbhatti/pairpad/backend/internal/ratelimit"
	"github.com/manpreetbhatti/pairpad/backend/internal/room"
)

const (
	persistTimeout    = 5 * time.Second
	maxRateViolations = 1000
)

// Store is the persistence the session driver needs
type Store interface {
	EnsureRoom(ctx context.Context, id string) (*db.Room, error)
	UpdateCode(ctx context.Context, id, code string, author *string) (*db.Room, error)
}

type Options struct {
	// "*" or an empty list accepts any origin
	AllowedOrigins []string

	EditsPerSecond float64
	EditBurst      int
}

// Server runs one room session per websocket
type Server struct {
	rooms    *room.Coordinator
	store    Store
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(rooms *room.Coordinator, store Store, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		rooms: rooms,
		store: store,
		opts:  opts,
		log:   logger.With("component", "ws"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	return lo.Contains(s.opts.AllowedOrigins, "*") || lo.Contains(s.opts.AllowedOrigins, origin)
}

// ServeRoom handles GET /ws/{roomID}: loads the room, joins the caller to it
// and relays its edits until the socket goes away.
func (s *Server) ServeRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	if roomID == "" {
		http.Error(w, "room id required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	persisted, err := s.store.EnsureRoom(ctx, roomID)
	if err != nil {
		s.log.Error("load room", "room", roomID, "err", err)
		http.Error(w, "failed to load room", http.StatusInternalServerError)
		return
	}
	// The stored copy only seeds a room nobody is editing; otherwise the live
	// buffer is newer.
	s.rooms.PrimeIfIdle(roomID, persisted.Code, persisted.Language)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "room", roomID, "err", err)
		return
	}

	client := newClient(conn, roomID, s.log)
	go client.writePump()

	id := s.rooms.Connect(roomID, client)
	defer func() {
		s.rooms.Disconnect(roomID, id)
		client.Close()
	}()

	s.readLoop(context.WithoutCancel(ctx), client)
}

func (s *Server) readLoop(ctx context.Context, c *Client) {
	limiter := ratelimit.NewLimiter(s.opts.EditsPerSecond, s.opts.EditBurst)
	edits := newThrottle(limiter, retryInterval(s.opts.EditsPerSecond), func(edit protocol.Edit) {
		s.applyEdit(ctx, c, edit)
	})
	defer edits.Close()
	violations := 0

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("read failed", "err", err)
			}
			return
		}

		edit, err := protocol.ParseEdit(data)
		if err != nil {
			metrics.EditsDropped.WithLabelValues("malformed").Inc()
			c.log.Debug("ignored invalid edit", "err", err)
			continue
		}

		if edits.Submit(edit) {
			continue
		}
		violations++
		metrics.EditsDropped.WithLabelValues("throttled").Inc()
		if violations%100 == 1 {
			c.log.Warn("edit rate limit exceeded", "violations", violations)
		}
		if violations > maxRateViolations {
			c.log.Warn("disconnecting for excessive rate limit violations")
			return
		}
	}
}

// applyEdit persists the edit and then fans it out. A failed write is logged
// and the edit is still broadcast, so live members stay in step with each
// other even when the database is unavailable.
func (s *Server) applyEdit(ctx context.Context, c *Client, edit protocol.Edit) {
	code, author := *edit.Code, edit.Author()

	saveCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if _, err := s.store.UpdateCode(saveCtx, c.roomID, code, author); err != nil {
		level := slog.LevelError
		if errors.Is(err, db.ErrRoomNotFound) {
			level = slog.LevelWarn
		}
		c.log.Log(ctx, level, "persist edit", "err", err)
	}

	s.rooms.BroadcastDelta(c.roomID, code, author)
}
