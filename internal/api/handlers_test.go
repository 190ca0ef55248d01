package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/pairpad/backend/internal/db"
	"github.com/manpreetbhatti/pairpad/backend/internal/room"
	"github.com/manpreetbhatti/pairpad/backend/internal/suggest"
)

type testEnv struct {
	api      *API
	handler  http.Handler
	database *db.Database
	rooms    *room.Coordinator
}

func setupTestAPI(t *testing.T, opts Options) *testEnv {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	if opts.AllowedOrigins == nil {
		opts.AllowedOrigins = []string{"*"}
	}

	rooms := room.NewCoordinator(nil)
	a := New(rooms, database, suggest.New("Consider extracting a helper function for clarity."), nil, opts, nil)
	t.Cleanup(a.Close)

	return &testEnv{api: a, handler: a.Routes(), database: database, rooms: rooms}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

type nopConn struct{}

func (nopConn) Send([]byte) error { return nil }

func TestHealthHandler(t *testing.T) {
	env := setupTestAPI(t, Options{})

	for _, path := range []string{"/healthz", "/health"} {
		w := env.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, w))
	}
}

func TestCreateRoom(t *testing.T) {
	env := setupTestAPI(t, Options{})

	w := env.do(t, http.MethodPost, "/rooms", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	resp := decode[map[string]string](t, w)
	roomID := resp["roomId"]
	assert.Regexp(t, "^[0-9a-f]{8}$", roomID)

	stored, err := env.database.GetRoom(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, room.DefaultCode, stored.Code)
	assert.NotContains(t, env.rooms.ActiveRooms(), roomID)
	rooms, _ := env.rooms.Stats()
	assert.Equal(t, 1, rooms)
}

func TestCreateRoomWithLanguage(t *testing.T) {
	env := setupTestAPI(t, Options{})

	w := env.do(t, http.MethodPost, "/rooms", CreateRoomRequest{Language: "go"})
	require.Equal(t, http.StatusCreated, w.Code)

	roomID := decode[map[string]string](t, w)["roomId"]
	stored, err := env.database.GetRoom(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, "go", stored.Language)
}

func TestCreateRoomInvalidBody(t *testing.T) {
	env := setupTestAPI(t, Options{})

	req := httptest.NewRequest(http.MethodPost, "/rooms", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid request body", decode[map[string]string](t, w)["error"])
}

func TestCreateRoomRateLimited(t *testing.T) {
	env := setupTestAPI(t, Options{CreatePerMinute: 2})

	assert.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/rooms", nil).Code)
	assert.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/rooms", nil).Code)

	w := env.do(t, http.MethodPost, "/rooms", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate limit exceeded", decode[map[string]string](t, w)["error"])
}

func TestGetRoom(t *testing.T) {
	env := setupTestAPI(t, Options{})
	ctx := context.Background()

	_, err := env.database.EnsureRoom(ctx, "abcd1234")
	require.NoError(t, err)
	author := "alice"
	_, err = env.database.UpdateCode(ctx, "abcd1234", "print('hi')", &author)
	require.NoError(t, err)

	env.rooms.Connect("abcd1234", nopConn{})
	env.rooms.Connect("abcd1234", nopConn{})

	w := env.do(t, http.MethodGet, "/rooms/abcd1234", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[RoomResponse](t, w)
	assert.Equal(t, "abcd1234", resp.RoomID)
	assert.Equal(t, "print('hi')", resp.Code)
	assert.Equal(t, "python", resp.Language)
	assert.Equal(t, 2, resp.Participants)
	require.NotNil(t, resp.LastAuthor)
	assert.Equal(t, "alice", *resp.LastAuthor)
}

func TestGetRoomWithClearedCode(t *testing.T) {
	env := setupTestAPI(t, Options{})
	ctx := context.Background()

	_, err := env.database.EnsureRoom(ctx, "blank")
	require.NoError(t, err)
	_, err = env.database.UpdateCode(ctx, "blank", "", nil)
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/rooms/blank", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[map[string]any](t, w)
	require.Contains(t, body, "code")
	assert.Equal(t, "", body["code"])
}

func TestGetRoomNotFound(t *testing.T) {
	env := setupTestAPI(t, Options{})

	w := env.do(t, http.MethodGet, "/rooms/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "room not found", decode[map[string]string](t, w)["error"])
}

func TestListRooms(t *testing.T) {
	env := setupTestAPI(t, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.database.EnsureRoom(ctx, fmt.Sprintf("room%d", i))
		require.NoError(t, err)
	}
	env.rooms.Connect("room1", nopConn{})

	w := env.do(t, http.MethodGet, "/rooms?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Rooms  []RoomSummary `json:"rooms"`
		Limit  int           `json:"limit"`
		Offset int           `json:"offset"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Len(t, resp.Rooms, 2)
	assert.Equal(t, 2, resp.Limit)

	w = env.do(t, http.MethodGet, "/rooms", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Rooms, 3)
	assert.NotContains(t, w.Body.String(), `"code"`)
	for _, r := range resp.Rooms {
		if r.RoomID == "room1" {
			assert.Equal(t, 1, r.Participants)
		} else {
			assert.Zero(t, r.Participants)
		}
	}
}

type historyResponse struct {
	Edits []db.Edit `json:"edits"`
	Total int       `json:"total"`
}

func seedHistory(t *testing.T, env *testEnv, roomID string, codes ...string) []db.Edit {
	t.Helper()
	ctx := context.Background()

	_, err := env.database.EnsureRoom(ctx, roomID)
	require.NoError(t, err)
	for _, code := range codes {
		_, err := env.database.UpdateCode(ctx, roomID, code, nil)
		require.NoError(t, err)
	}

	w := env.do(t, http.MethodGet, "/rooms/"+roomID+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[historyResponse](t, w)
	require.Len(t, resp.Edits, len(codes))
	assert.Equal(t, len(codes), resp.Total)
	return resp.Edits
}

func TestHistory(t *testing.T) {
	env := setupTestAPI(t, Options{})

	edits := seedHistory(t, env, "hist", "a", "a\nb")
	assert.Greater(t, edits[0].ID, edits[1].ID)
	assert.Equal(t, "hist", edits[0].RoomID)

	w := env.do(t, http.MethodGet, "/rooms/nope/history", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := env.database.EnsureRoom(context.Background(), "empty")
	require.NoError(t, err)
	w = env.do(t, http.MethodGet, "/rooms/empty/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"edits":[]`)
}

// Reads work, counting edits does not
type countFailStore struct {
	*db.Database
}

func (countFailStore) CountEdits(context.Context, string) (int, error) {
	return 0, errors.New("count failed")
}

func TestHistoryCountFailure(t *testing.T) {
	env := setupTestAPI(t, Options{})
	seedHistory(t, env, "counted", "a")

	a := New(env.rooms, countFailStore{env.database}, suggest.New("x"), nil, Options{AllowedOrigins: []string{"*"}}, nil)
	t.Cleanup(a.Close)

	w := httptest.NewRecorder()
	a.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rooms/counted/history", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "failed to list history", decode[map[string]string](t, w)["error"])
}

func TestDiff(t *testing.T) {
	env := setupTestAPI(t, Options{})

	edits := seedHistory(t, env, "diffs", "a\nb", "a\nc")
	newer, older := edits[0].ID, edits[1].ID

	var resp struct {
		From    int64  `json:"from"`
		To      *int64 `json:"to"`
		Added   int    `json:"added"`
		Removed int    `json:"removed"`
		Diff    []struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		} `json:"diff"`
	}

	w := env.do(t, http.MethodGet, fmt.Sprintf("/rooms/diffs/diff?from=%d&to=%d", older, newer), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, older, resp.From)
	require.NotNil(t, resp.To)
	assert.Equal(t, newer, *resp.To)
	assert.Equal(t, 1, resp.Added)
	assert.Equal(t, 1, resp.Removed)
	assert.Len(t, resp.Diff, 3)

	// Against the current code, which equals the newest edit
	w = env.do(t, http.MethodGet, fmt.Sprintf("/rooms/diffs/diff?from=%d", newer), nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp.To = nil
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Nil(t, resp.To)
	assert.Zero(t, resp.Added)
	assert.Zero(t, resp.Removed)
}

func TestDiffErrors(t *testing.T) {
	env := setupTestAPI(t, Options{})

	mine := seedHistory(t, env, "mine", "x")
	other := seedHistory(t, env, "other", "y")

	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "missing from", path: "/rooms/mine/diff", want: http.StatusBadRequest},
		{name: "bad to", path: fmt.Sprintf("/rooms/mine/diff?from=%d&to=abc", mine[0].ID), want: http.StatusBadRequest},
		{name: "unknown edit", path: "/rooms/mine/diff?from=99999", want: http.StatusNotFound},
		{name: "edit of another room", path: fmt.Sprintf("/rooms/mine/diff?from=%d", other[0].ID), want: http.StatusNotFound},
		{name: "unknown room", path: "/rooms/ghost/diff?from=1", want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestAutocomplete(t *testing.T) {
	env := setupTestAPI(t, Options{})

	cursor := func(n int) *int { return &n }

	tests := []struct {
		name string
		req  suggest.Request
		want string
	}{
		{
			name: "python at top level",
			req:  suggest.Request{Code: "x = 1", CursorPosition: cursor(5), Language: "python"},
			want: "# Suggestion: consider adding logging here\nprint('Pairing session active')",
		},
		{
			name: "python indented",
			req:  suggest.Request{Code: "def f():\n    x = 1", CursorPosition: cursor(18), Language: "python"},
			want: "    # Suggestion: consider adding logging here\n    print('Pairing session active')",
		},
		{
			name: "other language",
			req:  suggest.Request{Code: "let x = 1", CursorPosition: cursor(0), Language: "javascript"},
			want: "Consider extracting a helper function for clarity.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/autocomplete", tt.req)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, decode[map[string]string](t, w)["suggestion"])
		})
	}
}

func TestAutocompleteInvalid(t *testing.T) {
	env := setupTestAPI(t, Options{})

	w := env.do(t, http.MethodPost, "/autocomplete", map[string]any{"code": "x", "language": "python"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/autocomplete", map[string]any{"code": "x", "cursorPosition": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatsHandler(t *testing.T) {
	env := setupTestAPI(t, Options{})

	_, err := env.database.EnsureRoom(context.Background(), "stats")
	require.NoError(t, err)
	env.rooms.Connect("stats", nopConn{})

	w := env.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ActiveRooms   int    `json:"active_rooms"`
		ActiveClients int    `json:"active_clients"`
		TotalRooms    int    `json:"total_rooms"`
		TotalEdits    int    `json:"total_edits"`
		Timestamp     string `json:"timestamp"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 1, resp.ActiveRooms)
	assert.Equal(t, 1, resp.ActiveClients)
	assert.Equal(t, 1, resp.TotalRooms)
	assert.Zero(t, resp.TotalEdits)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestAPI(t, Options{})

	w := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pairpad_")
}

func TestCORS(t *testing.T) {
	env := setupTestAPI(t, Options{AllowedOrigins: []string{"http://localhost:3000"}})

	req := httptest.NewRequest(http.MethodOptions, "/rooms", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnknownMethod(t *testing.T) {
	env := setupTestAPI(t, Options{})

	w := env.do(t, http.MethodDelete, "/rooms/abc", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
