package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/manpreetbhatti/pairpad/backend/internal/room"

	_ "modernc.org/sqlite"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrEditNotFound = errors.New("edit not found")
)

type Database struct {
	db *sql.DB
}

type Room struct {
	ID         string
	Language   string
	Code       string
	LastAuthor *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Edit is one persisted buffer update
type Edit struct {
	ID        int64     `json:"id"`
	RoomID    string    `json:"roomId"`
	Code      string    `json:"code,omitempty"`
	Author    *string   `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Stats struct {
	Rooms int
	Edits int
}

func New(dbPath string, logger *slog.Logger) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	// Pragmas go in the DSN so that every pooled connection gets them
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	if logger != nil {
		logger.Info("database initialized", "path", dbPath)
	}
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		language TEXT NOT NULL,
		code TEXT NOT NULL,
		last_author TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS room_edits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		code TEXT NOT NULL,
		author TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_room_edits_room_id ON room_edits(room_id, id DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Room operations

// Eight hex characters, like the ids handed out to the frontend before
func newRoomID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CreateRoom stores a new room under a random id with the default buffer
func (d *Database) CreateRoom(ctx context.Context, language string) (*Room, error) {
	if language == "" {
		language = room.DefaultLanguage
	}

	for attempt := 0; attempt < 5; attempt++ {
		id, err := newRoomID()
		if err != nil {
			return nil, fmt.Errorf("generate room id: %w", err)
		}

		res, err := d.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO rooms (id, language, code) VALUES (?, ?, ?)",
			id, language, room.DefaultCode,
		)
		if err != nil {
			return nil, fmt.Errorf("insert room: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return d.GetRoom(ctx, id)
		}
	}
	return nil, errors.New("could not allocate a unique room id")
}

func (d *Database) GetRoom(ctx context.Context, id string) (*Room, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, language, code, last_author, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	r, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", id, err)
	}
	return r, nil
}

// EnsureRoom returns the room, creating a placeholder under this id when it
// does not exist yet
func (d *Database) EnsureRoom(ctx context.Context, id string) (*Room, error) {
	_, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO rooms (id, language, code) VALUES (?, ?, ?)",
		id, room.DefaultLanguage, room.DefaultCode,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure room %s: %w", id, err)
	}
	return d.GetRoom(ctx, id)
}

func (d *Database) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, language, code, last_author, created_at, updated_at FROM rooms ORDER BY updated_at DESC, id LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *r)
	}
	return rooms, rows.Err()
}

// UpdateCode stores the room's latest buffer and its author, and appends the
// change to the room's edit history
func (d *Database) UpdateCode(ctx context.Context, id, code string, author *string) (*Room, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE rooms SET code = ?, last_author = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		code, author, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update room %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrRoomNotFound
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO room_edits (room_id, code, author) VALUES (?, ?, ?)",
		id, code, author,
	); err != nil {
		return nil, fmt.Errorf("record edit for %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d.GetRoom(ctx, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(s scanner) (*Room, error) {
	var r Room
	var author sql.NullString
	if err := s.Scan(&r.ID, &r.Language, &r.Code, &author, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if author.Valid {
		r.LastAuthor = &author.String
	}
	return &r, nil
}

// Edit history

// ListEdits returns a room's edits newest first, without their code
func (d *Database) ListEdits(ctx context.Context, roomID string, limit, offset int) ([]Edit, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, room_id, author, created_at
		FROM room_edits
		WHERE room_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edits []Edit
	for rows.Next() {
		var e Edit
		var author sql.NullString
		if err := rows.Scan(&e.ID, &e.RoomID, &author, &e.CreatedAt); err != nil {
			return nil, err
		}
		if author.Valid {
			e.Author = &author.String
		}
		edits = append(edits, e)
	}
	return edits, rows.Err()
}

// GetEdit returns one edit with its full code
func (d *Database) GetEdit(ctx context.Context, id int64) (*Edit, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, room_id, code, author, created_at FROM room_edits WHERE id = ?",
		id,
	)

	var e Edit
	var author sql.NullString
	err := row.Scan(&e.ID, &e.RoomID, &e.Code, &author, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEditNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get edit %d: %w", id, err)
	}
	if author.Valid {
		e.Author = &author.String
	}
	return &e, nil
}

func (d *Database) CountEdits(ctx context.Context, roomID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM room_edits WHERE room_id = ?",
		roomID,
	).Scan(&count)
	return count, err
}

// TrimEdits deletes all but the keep most recent edits of a room and reports
// how many rows went away
func (d *Database) TrimEdits(ctx context.Context, roomID string, keep int) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM room_edits
		WHERE room_id = ? AND id NOT IN (
			SELECT id FROM room_edits
			WHERE room_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`, roomID, roomID, keep)
	if err != nil {
		return 0, fmt.Errorf("trim edits for %s: %w", roomID, err)
	}
	return res.RowsAffected()
}

// Stats

func (d *Database) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&s.Rooms); err != nil {
		return Stats{}, err
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM room_edits").Scan(&s.Edits); err != nil {
		return Stats{}, err
	}
	return s, nil
}
