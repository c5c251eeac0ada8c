// Package store implements the persistence collaborator on Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	migrate "github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Sohankurane/Real-time-Canvas-App/domain"
)

var (
	ErrRoomExists = errors.New("room already exists")
	ErrUserExists = errors.New("user already exists")
)

type User struct {
	FullName       string
	Username       string
	HashedPassword string
	CreatedAt      time.Time
}

type Postgres struct {
	db *sql.DB
}

// Open connects to Postgres, retrying a few times so the server can
// come up before the database container does.
func Open(url string) (*Postgres, error) {
	var lastErr error
	for attempt := 1; attempt <= 5; attempt++ {
		db, err := sql.Open("pgx", url)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(ctx)
		cancel()
		if err == nil {
			slog.Info("database connected")
			return &Postgres{db: db}, nil
		}

		db.Close()
		lastErr = err
		if attempt < 5 {
			slog.Warn("database not ready, retrying", "attempt", attempt, "error", err)
			time.Sleep(2 * time.Second)
		}
	}
	return nil, fmt.Errorf("connect database: %w", lastErr)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// Migrate applies the SQL migrations from the given directory.
func (p *Postgres) Migrate(dir string) error {
	driver, err := migratepg.WithInstance(p.db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration setup: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	slog.Info("migrations applied")
	return nil
}

// LoadHistory returns the persisted event sequence for a room, or an
// empty sequence when nothing was persisted.
func (p *Postgres) LoadHistory(ctx context.Context, room string) ([]string, error) {
	var raw string
	err := p.db.QueryRowContext(ctx,
		`SELECT history_json FROM room_history WHERE room_id = $1`, room,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []string
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decode history for room %s: %w", room, err)
	}
	return entries, nil
}

// SaveHistory upserts the full event sequence as a single blob per
// room.
func (p *Postgres) SaveHistory(ctx context.Context, room string, entries []string) error {
	if entries == nil {
		entries = []string{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode history for room %s: %w", room, err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO room_history (room_id, history_json)
		VALUES ($1, $2)
		ON CONFLICT (room_id) DO UPDATE SET history_json = EXCLUDED.history_json
	`, room, string(raw))
	return err
}

func (p *Postgres) SaveSnapshot(ctx context.Context, room, payload, creator string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO snapshots (room_id, saved_by, data, created_at)
		VALUES ($1, $2, $3, $4)
	`, room, creator, payload, time.Now())
	return err
}

// ListSnapshots returns the room's snapshots newest first, payloads
// omitted.
func (p *Postgres) ListSnapshots(ctx context.Context, room string) ([]domain.SnapshotInfo, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, saved_by, created_at
		FROM snapshots
		WHERE room_id = $1
		ORDER BY created_at DESC
	`, room)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []domain.SnapshotInfo
	for rows.Next() {
		var s domain.SnapshotInfo
		if err := rows.Scan(&s.ID, &s.SavedBy, &s.CreatedAt); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

func (p *Postgres) SnapshotPayload(ctx context.Context, id int64) (string, bool, error) {
	var payload string
	err := p.db.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE id = $1`, id,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return payload, true, nil
}

func (p *Postgres) AppendChat(ctx context.Context, room, username, message string, ts time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chat_messages (room_id, username, message, timestamp)
		VALUES ($1, $2, $3, $4)
	`, room, username, message, ts)
	return err
}

// ListChat fetches up to limit messages newest first and hands them
// back in chronological order.
func (p *Postgres) ListChat(ctx context.Context, room string, limit int) ([]domain.ChatRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT username, message, timestamp
		FROM chat_messages
		WHERE room_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`, room, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.ChatRecord
	for rows.Next() {
		var m domain.ChatRecord
		if err := rows.Scan(&m.Username, &m.Message, &m.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (p *Postgres) CreateRoom(ctx context.Context, name, admin string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rooms (name, admin_username)
		VALUES ($1, $2)
	`, name, admin)
	if isUniqueViolation(err) {
		return ErrRoomExists
	}
	return err
}

func (p *Postgres) ListRooms(ctx context.Context) ([]domain.RoomInfo, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT name, admin_username FROM rooms ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []domain.RoomInfo
	for rows.Next() {
		var r domain.RoomInfo
		if err := rows.Scan(&r.Name, &r.Admin); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// RoomAdmin returns the room's admin identity, ok=false when the room
// has no record.
func (p *Postgres) RoomAdmin(ctx context.Context, room string) (string, bool, error) {
	var admin string
	err := p.db.QueryRowContext(ctx,
		`SELECT admin_username FROM rooms WHERE name = $1`, room,
	).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return admin, true, nil
}

// IsRoomAdmin reports whether username is the room's admin. A room
// with no record answers false.
func (p *Postgres) IsRoomAdmin(ctx context.Context, room, username string) (bool, error) {
	admin, ok, err := p.RoomAdmin(ctx, room)
	if err != nil || !ok {
		return false, err
	}
	return domain.SameIdentity(admin, username), nil
}

// DeleteRoomCascade removes the room and all its history, snapshots
// and chat in one transaction.
func (p *Postgres) DeleteRoomCascade(ctx context.Context, room string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM snapshots WHERE room_id = $1`,
		`DELETE FROM room_history WHERE room_id = $1`,
		`DELETE FROM chat_messages WHERE room_id = $1`,
		`DELETE FROM rooms WHERE name = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, room); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) CreateUser(ctx context.Context, fullName, username, hashedPassword string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (full_name, username, hashed_password, created_at)
		VALUES ($1, $2, $3, $4)
	`, fullName, username, hashedPassword, time.Now())
	if isUniqueViolation(err) {
		return ErrUserExists
	}
	return err
}

func (p *Postgres) UserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := p.db.QueryRowContext(ctx, `
		SELECT full_name, username, hashed_password, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&u.FullName, &u.Username, &u.HashedPassword, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
