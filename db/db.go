package db

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"flowchat/models"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrEmailTaken   = errors.New("email already registered")
	ErrInvalidLogin = errors.New("invalid email or password")
)

// StoreError is a failure of the underlying database (I/O, locking, closed handle).
// Nothing in the store retries it; Transient tells callers whether a retry can help.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "db: " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

// Transient reports whether the failure is contention or a timeout rather than a
// broken database.
func (e *StoreError) Transient() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(e.Err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// IsTransient reports whether err carries a StoreError worth retrying.
func IsTransient(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr) && storeErr.Transient()
}

// Timestamps are stored as fixed-width UTC text so that lexical order is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type DB struct {
	conn *sql.DB
	now  func() time.Time
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, now: time.Now}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return wrap("ping", db.conn.PingContext(ctx))
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			profile_pic TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			image TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'sent',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id, status)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return db.migrate()
}

// migrate adds columns introduced after the first schema version.
func (db *DB) migrate() error {
	now := db.now().UTC().Format(timeLayout)

	if !db.columnExists("users", "bio") {
		if _, err := db.conn.Exec("ALTER TABLE users ADD COLUMN bio TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
	}

	if !db.columnExists("users", "updated_at") {
		// SQLite doesn't support parameters in ALTER TABLE
		alterQuery := "ALTER TABLE users ADD COLUMN updated_at TEXT DEFAULT '" + now + "'"
		if _, err := db.conn.Exec(alterQuery); err != nil {
			return err
		}
		if _, err := db.conn.Exec("UPDATE users SET updated_at = created_at WHERE updated_at IS NULL"); err != nil {
			return err
		}
	}

	return nil
}

func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, ErrNotFound):
		return ErrNotFound
	default:
		return &StoreError{Op: op, Err: err}
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// rows written by older builds used RFC3339
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

// User methods

const userColumns = "id, name, email, password, profile_pic, bio, created_at, COALESCE(updated_at, created_at)"

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*models.User, error) {
	var u models.User
	var created, updated string
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.ProfilePic, &u.Bio, &created, &updated); err != nil {
		return nil, err
	}
	u.CreatedAt = parseTime(created)
	u.UpdatedAt = parseTime(updated)
	return &u, nil
}

func (db *DB) CreateUser(ctx context.Context, name, email, password string) (*models.User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	now := db.now().UTC()
	u := &models.User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: string(hashed),
		ProfilePic:   models.DefaultProfilePic,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO users (id, name, email, password, profile_pic, bio, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		u.ID, u.Name, u.Email, u.PasswordHash, u.ProfilePic, u.Bio, formatTime(now), formatTime(now),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrEmailTaken
		}
		return nil, wrap("create user", err)
	}
	return u, nil
}

func (db *DB) EmailExists(ctx context.Context, email string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE email = ?",
		strings.ToLower(strings.TrimSpace(email))).Scan(&count)
	if err != nil {
		return false, wrap("email exists", err)
	}
	return count > 0, nil
}

// AuthenticateUser returns the user whose email and password match, or ErrInvalidLogin.
func (db *DB) AuthenticateUser(ctx context.Context, email, password string) (*models.User, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = ?",
		strings.ToLower(strings.TrimSpace(email)))
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidLogin
	}
	if err != nil {
		return nil, wrap("authenticate", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidLogin
	}
	return u, nil
}

func (db *DB) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(db.conn.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if err != nil {
		return nil, wrap("get user", err)
	}
	return u, nil
}

func (db *DB) UserExists(ctx context.Context, id string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, wrap("user exists", err)
	}
	return count > 0, nil
}

func (db *DB) UpdateProfile(ctx context.Context, id string, upd models.ProfileUpdate) (*models.User, error) {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE users SET
			name = COALESCE(?, name),
			profile_pic = COALESCE(?, profile_pic),
			bio = COALESCE(?, bio),
			updated_at = ?
		WHERE id = ?`,
		upd.Name, upd.ProfilePic, upd.Bio, formatTime(db.now()), id,
	)
	if err != nil {
		return nil, wrap("update profile", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, wrap("update profile", err)
	}
	if rowsAffected == 0 {
		return nil, ErrNotFound
	}

	return db.GetUser(ctx, id)
}

// ListUsersWithMeta returns every user except myID together with the last message exchanged
// with myID and the number of messages they sent to myID that are not read yet.
// The most recent conversations come first; users with no messages come last.
func (db *DB) ListUsersWithMeta(ctx context.Context, myID string) ([]models.UserSummary, error) {
	query := `
		SELECT u.id, u.name, u.email, u.password, u.profile_pic, u.bio, u.created_at, COALESCE(u.updated_at, u.created_at),
			(SELECT CASE WHEN m.text != '' THEN m.text ELSE 'Image' END FROM messages m
				WHERE (m.sender_id = ?1 AND m.receiver_id = u.id) OR (m.sender_id = u.id AND m.receiver_id = ?1)
				ORDER BY m.created_at DESC, m.rowid DESC LIMIT 1),
			(SELECT m.created_at FROM messages m
				WHERE (m.sender_id = ?1 AND m.receiver_id = u.id) OR (m.sender_id = u.id AND m.receiver_id = ?1)
				ORDER BY m.created_at DESC, m.rowid DESC LIMIT 1),
			(SELECT COUNT(*) FROM messages m
				WHERE m.sender_id = u.id AND m.receiver_id = ?1 AND m.status != 'read')
		FROM users u
		WHERE u.id != ?1
		ORDER BY u.name ASC
	`

	rows, err := db.conn.QueryContext(ctx, query, myID)
	if err != nil {
		return nil, wrap("list users", err)
	}
	defer rows.Close()

	var users []models.UserSummary
	for rows.Next() {
		var s models.UserSummary
		var created, updated string
		var lastText, lastTime sql.NullString
		if err := rows.Scan(&s.ID, &s.Name, &s.Email, &s.PasswordHash, &s.ProfilePic, &s.Bio, &created, &updated,
			&lastText, &lastTime, &s.UnreadCount); err != nil {
			return nil, wrap("list users", err)
		}
		s.CreatedAt = parseTime(created)
		s.UpdatedAt = parseTime(updated)

		s.LastMessage = "No messages yet"
		if lastTime.Valid {
			t := parseTime(lastTime.String)
			s.LastMessageTime = &t
			s.LastMessage = lastText.String
		}
		users = append(users, s)
	}

	if err := rows.Err(); err != nil {
		return nil, wrap("list users", err)
	}

	sort.SliceStable(users, func(i, j int) bool {
		a, b := users[i].LastMessageTime, users[j].LastMessageTime
		if a == nil || b == nil {
			return a != nil
		}
		return a.After(*b)
	})
	return users, nil
}

// Message methods

const messageColumns = "id, sender_id, receiver_id, text, image, status, created_at, updated_at"

func scanMessage(row scanner) (*models.Message, error) {
	var m models.Message
	var status, created, updated string
	if err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &m.Image, &status, &created, &updated); err != nil {
		return nil, err
	}
	m.Status = models.Status(status)
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updated)
	return &m, nil
}

// CreateMessage persists a new message with the given initial status.
func (db *DB) CreateMessage(ctx context.Context, senderID, receiverID string, content models.Content, status models.Status) (*models.Message, error) {
	if err := content.Validate(); err != nil {
		return nil, err
	}
	if !status.Valid() {
		status = models.StatusSent
	}

	now := db.now().UTC()
	m := &models.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       content.Text,
		Image:      content.Image,
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO messages ("+messageColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		m.ID, m.SenderID, m.ReceiverID, m.Text, m.Image, string(m.Status), formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, wrap("create message", err)
	}
	return m, nil
}

func (db *DB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m, err := scanMessage(db.conn.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if err != nil {
		return nil, wrap("get message", err)
	}
	return m, nil
}

// Conversation returns every message exchanged between a and b, oldest first.
func (db *DB) Conversation(ctx context.Context, a, b string) ([]models.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := db.conn.QueryContext(ctx, query, a, b, b, a)
	if err != nil {
		return nil, wrap("conversation", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, wrap("conversation", err)
		}
		messages = append(messages, *m)
	}

	return messages, wrap("conversation", rows.Err())
}

// BulkSetRead marks every message from senderID to receiverID as read and returns
// how many rows changed. Only rows still in an earlier state are touched, so the
// status can never move backwards and a repeated call changes nothing.
func (db *DB) BulkSetRead(ctx context.Context, senderID, receiverID string) (int64, error) {
	earlier := models.StatusRead.Predecessors()
	args := []any{string(models.StatusRead), formatTime(db.now()), senderID, receiverID}
	for _, s := range earlier {
		args = append(args, string(s))
	}

	result, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET status = ?, updated_at = ? WHERE sender_id = ? AND receiver_id = ? AND status IN ("+placeholders(len(earlier))+")",
		args...,
	)
	if err != nil {
		return 0, wrap("mark read", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, wrap("mark read", err)
	}
	return rowsAffected, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// DeleteMessage removes a message for good. It returns ErrNotFound when no row matched.
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return wrap("delete message", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return wrap("delete message", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
