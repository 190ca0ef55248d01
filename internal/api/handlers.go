package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"
	"github.com/samber/lo"

	"github.com/manpreetbhatti/pairpad/backend/internal/db"
	"github.com/manpreetbhatti/pairpad/backend/internal/diff"
	"github.com/manpreetbhatti/pairpad/backend/internal/metrics"
	"github.com/manpreetbhatti/pairpad/backend/internal/ratelimit"
	"github.com/manpreetbhatti/pairpad/backend/internal/room"
	"github.com/manpreetbhatti/pairpad/backend/internal/suggest"
)

type Options struct {
	AllowedOrigins  []string
	CreatePerMinute int
}

// Store is the persistence the handlers read and write
type Store interface {
	CreateRoom(ctx context.Context, language string) (*db.Room, error)
	GetRoom(ctx context.Context, id string) (*db.Room, error)
	ListRooms(ctx context.Context, limit, offset int) ([]db.Room, error)
	ListEdits(ctx context.Context, roomID string, limit, offset int) ([]db.Edit, error)
	CountEdits(ctx context.Context, roomID string) (int, error)
	GetEdit(ctx context.Context, id int64) (*db.Edit, error)
	Stats(ctx context.Context) (db.Stats, error)
}

type API struct {
	rooms    *room.Coordinator
	database Store
	suggest  *suggest.Service
	sessions http.Handler
	creates  *ratelimit.Keyed
	cors     *cors.Cors
	log      *slog.Logger
}

// New wires the REST handlers. sessions serves the websocket endpoint.
func New(rooms *room.Coordinator, database Store, suggester *suggest.Service, sessions http.Handler, opts Options, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	perMinute := opts.CreatePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}

	return &API{
		rooms:    rooms,
		database: database,
		suggest:  suggester,
		sessions: sessions,
		creates:  ratelimit.NewKeyed(float64(perMinute)/60, perMinute, 10*time.Minute),
		cors: cors.New(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
		}),
		log: logger.With("component", "api"),
	}
}

// Routes returns the full HTTP surface wrapped in CORS
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.HealthHandler)
	mux.HandleFunc("GET /health", a.HealthHandler)
	mux.HandleFunc("GET /api/stats", a.StatsHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.Handle("POST /rooms", a.creates.Middleware(http.HandlerFunc(a.CreateRoomHandler)))
	mux.HandleFunc("GET /rooms", a.ListRoomsHandler)
	mux.HandleFunc("GET /rooms/{roomID}", a.GetRoomHandler)
	mux.HandleFunc("GET /rooms/{roomID}/history", a.HistoryHandler)
	mux.HandleFunc("GET /rooms/{roomID}/diff", a.DiffHandler)

	mux.HandleFunc("POST /autocomplete", a.AutocompleteHandler)

	if a.sessions != nil {
		mux.Handle("GET /ws/{roomID}", a.sessions)
	}

	return a.cors.Handler(mux)
}

// Close stops the background sweep of the room creation limiter
func (a *API) Close() {
	a.creates.Stop()
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Warn("encode response", "err", err)
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	rooms, conns := a.rooms.Stats()
	stats := map[string]any{
		"active_rooms":   rooms,
		"active_clients": conns,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if dbStats, err := a.database.Stats(r.Context()); err == nil {
		stats["total_rooms"] = dbStats.Rooms
		stats["total_edits"] = dbStats.Edits
	} else {
		a.log.Warn("database stats", "err", err)
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

// RoomSummary is a room as listed by GET /rooms, without its buffer
type RoomSummary struct {
	RoomID       string    `json:"roomId"`
	Language     string    `json:"language"`
	Participants int       `json:"participants"`
	UpdatedAt    time.Time `json:"updatedAt"`
	LastAuthor   *string   `json:"lastAuthor"`
}

type RoomResponse struct {
	RoomID       string    `json:"roomId"`
	Code         string    `json:"code"`
	Language     string    `json:"language"`
	Participants int       `json:"participants"`
	UpdatedAt    time.Time `json:"updatedAt"`
	LastAuthor   *string   `json:"lastAuthor"`
}

type CreateRoomRequest struct {
	Language string `json:"language"`
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	// The body is optional
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		a.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := a.database.CreateRoom(r.Context(), req.Language)
	if err != nil {
		a.log.Error("create room", "err", err)
		a.errorResponse(w, http.StatusInternalServerError, "failed to create room")
		return
	}
	a.rooms.Prime(created.ID, created.Code, created.Language)

	a.log.Info("room created", "room", created.ID, "language", created.Language)
	a.jsonResponse(w, http.StatusCreated, map[string]string{"roomId": created.ID})
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r, 20)

	rooms, err := a.database.ListRooms(r.Context(), limit, offset)
	if err != nil {
		a.log.Error("list rooms", "err", err)
		a.errorResponse(w, http.StatusInternalServerError, "failed to list rooms")
		return
	}

	active := a.rooms.ActiveRooms()
	response := lo.Map(rooms, func(rm db.Room, _ int) RoomSummary {
		return RoomSummary{
			RoomID:       rm.ID,
			Language:     rm.Language,
			Participants: active[rm.ID],
			UpdatedAt:    rm.UpdatedAt,
			LastAuthor:   rm.LastAuthor,
		}
	})

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	rm, ok := a.loadRoom(w, r)
	if !ok {
		return
	}

	a.jsonResponse(w, http.StatusOK, RoomResponse{
		RoomID:       rm.ID,
		Code:         rm.Code,
		Language:     rm.Language,
		Participants: a.rooms.ActiveRooms()[rm.ID],
		UpdatedAt:    rm.UpdatedAt,
		LastAuthor:   rm.LastAuthor,
	})
}

func (a *API) loadRoom(w http.ResponseWriter, r *http.Request) (*db.Room, bool) {
	roomID := r.PathValue("roomID")
	rm, err := a.database.GetRoom(r.Context(), roomID)
	if errors.Is(err, db.ErrRoomNotFound) {
		a.errorResponse(w, http.StatusNotFound, "room not found")
		return nil, false
	}
	if err != nil {
		a.log.Error("get room", "room", roomID, "err", err)
		a.errorResponse(w, http.StatusInternalServerError, "failed to get room")
		return nil, false
	}
	return rm, true
}

// History handlers

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	rm, ok := a.loadRoom(w, r)
	if !ok {
		return
	}
	limit, offset := paging(r, 50)

	edits, err := a.database.ListEdits(r.Context(), rm.ID, limit, offset)
	if err != nil {
		a.log.Error("list edits", "room", rm.ID, "err", err)
		a.errorResponse(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	total, err := a.database.CountEdits(r.Context(), rm.ID)
	if err != nil {
		a.log.Error("count edits", "room", rm.ID, "err", err)
		a.errorResponse(w, http.StatusInternalServerError, "failed to list history")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"edits":  lo.Ternary(edits == nil, []db.Edit{}, edits),
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// DiffHandler diffs two edits of a room. Without "to" the diff runs against
// the room's current code.
func (a *API) DiffHandler(w http.ResponseWriter, r *http.Request) {
	rm, ok := a.loadRoom(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	from, err := strconv.ParseInt(q.Get("from"), 10, 64)
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "from must be an edit id")
		return
	}
	fromEdit, ok := a.loadEdit(w, r, rm.ID, from)
	if !ok {
		return
	}

	var toID *int64
	newCode := rm.Code
	if raw := q.Get("to"); raw != "" {
		to, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			a.errorResponse(w, http.StatusBadRequest, "to must be an edit id")
			return
		}
		toEdit, ok := a.loadEdit(w, r, rm.ID, to)
		if !ok {
			return
		}
		toID = &toEdit.ID
		newCode = toEdit.Code
	}

	lines := diff.Lines(fromEdit.Code, newCode)
	added, removed := diff.Summary(lines)

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"from":    fromEdit.ID,
		"to":      toID,
		"diff":    lines,
		"added":   added,
		"removed": removed,
	})
}

func (a *API) loadEdit(w http.ResponseWriter, r *http.Request, roomID string, id int64) (*db.Edit, bool) {
	edit, err := a.database.GetEdit(r.Context(), id)
	if errors.Is(err, db.ErrEditNotFound) || (err == nil && edit.RoomID != roomID) {
		a.errorResponse(w, http.StatusNotFound, "edit not found")
		return nil, false
	}
	if err != nil {
		a.log.Error("get edit", "edit", id, "err", err)
		a.errorResponse(w, http.StatusInternalServerError, "failed to get edit")
		return nil, false
	}
	return edit, true
}

// Autocomplete

func (a *API) AutocompleteHandler(w http.ResponseWriter, r *http.Request) {
	var req suggest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "cursorPosition must be a non-negative integer")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]string{"suggestion": a.suggest.Suggest(req)})
}

func paging(r *http.Request, defaultLimit int) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = defaultLimit
	}

	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
