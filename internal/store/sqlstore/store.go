package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver (cgo)
	"github.com/pliu/duet/internal/models"
	"github.com/pliu/duet/internal/store"
	_ "modernc.org/sqlite" // SQLite driver (pure Go), registered as "sqlite"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
}

var _ store.Store = (*SQLStore)(nil)

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if isSQLite(driverName) {
		// One connection: ":memory:" databases are per connection, and it
		// serializes writers instead of surfacing SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{db: db, driverName: driverName}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func isSQLite(driverName string) bool {
	return driverName == "sqlite3" || driverName == "sqlite"
}

func (s *SQLStore) createTables() error {
	// Timestamps are unix nanoseconds so every driver round-trips them the same way.
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		email TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL,
		is_online BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen BIGINT NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id INTEGER NOT NULL REFERENCES users(id),
		receiver_id INTEGER NOT NULL REFERENCES users(id),
		body TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		is_delivered BOOLEAN NOT NULL DEFAULT FALSE,
		is_read BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, is_delivered);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
	}

	_, err := s.db.Exec(query)
	return err
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

const userColumns = "id, username, email, password, is_online, last_seen"

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var user models.User
	var lastSeen int64
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.Password, &user.IsOnline, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	if lastSeen != 0 {
		user.LastSeen = time.Unix(0, lastSeen).UTC()
	}
	return &user, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	query := s.rebind("INSERT INTO users (username, email, password, is_online, last_seen) VALUES (?, ?, ?, FALSE, ?) RETURNING id")
	err := s.db.QueryRowContext(ctx, query, user.Username, user.Email, user.Password, time.Now().UnixNano()).Scan(&user.ID)
	if isUniqueViolation(err) {
		return store.ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE username = ?")
	return scanUser(s.db.QueryRowContext(ctx, query, username))
}

func (s *SQLStore) GetUserByID(ctx context.Context, id int) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE id = ?")
	return scanUser(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLStore) ListUsers(ctx context.Context, excludeID int) ([]models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE id <> ? ORDER BY username ASC")
	rows, err := s.db.QueryContext(ctx, query, excludeID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// SetPresence only moves last_seen forward, so a late write carrying an
// older timestamp cannot roll it back.
func (s *SQLStore) SetPresence(ctx context.Context, userID int, online bool, at time.Time) error {
	query := s.rebind("UPDATE users SET is_online = ?, last_seen = ? WHERE id = ? AND last_seen <= ?")
	_, err := s.db.ExecContext(ctx, query, online, at.UnixNano(), userID, at.UnixNano())
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateMessage(ctx context.Context, senderID, receiverID int, body string, delivered bool) (*models.Message, error) {
	m := &models.Message{
		SenderID:    senderID,
		ReceiverID:  receiverID,
		Body:        body,
		CreatedAt:   time.Now().UTC(),
		IsDelivered: delivered,
	}
	query := s.rebind("INSERT INTO messages (sender_id, receiver_id, body, created_at, is_delivered, is_read) VALUES (?, ?, ?, ?, ?, FALSE) RETURNING id")
	err := s.db.QueryRowContext(ctx, query, senderID, receiverID, body, m.CreatedAt.UnixNano(), delivered).Scan(&m.ID)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

const messageColumns = "id, sender_id, receiver_id, body, created_at, is_delivered, is_read"

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var m models.Message
	var createdAt int64
	err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Body, &createdAt, &m.IsDelivered, &m.IsRead)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	return &m, nil
}

func (s *SQLStore) QueryMessages(ctx context.Context, userA, userB int) ([]models.Message, error) {
	query := s.rebind(`
		SELECT ` + messageColumns + `
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at ASC, id ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, userA, userB, userB, userA)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// UpdateDeliveredBatch is a single UPDATE ... RETURNING statement, so the
// selected set and the updated set are the same rows.
func (s *SQLStore) UpdateDeliveredBatch(ctx context.Context, senderID, receiverID int) ([]int, error) {
	query := s.rebind(`
		UPDATE messages SET is_delivered = TRUE
		WHERE sender_id = ? AND receiver_id = ? AND is_delivered = FALSE
		RETURNING id
	`)
	rows, err := s.db.QueryContext(ctx, query, senderID, receiverID)
	if err != nil {
		return nil, fmt.Errorf("update delivered: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan delivered id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *SQLStore) UpdateRead(ctx context.Context, messageID int) (store.ReadResult, error) {
	var result store.ReadResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Delivered is set before read so no reader ever sees read without delivered.
	res, err := tx.ExecContext(ctx, s.rebind("UPDATE messages SET is_delivered = TRUE WHERE id = ? AND is_delivered = FALSE"), messageID)
	if err != nil {
		return result, fmt.Errorf("update delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return result, err
	}
	result.Delivered = n == 1

	res, err = tx.ExecContext(ctx, s.rebind("UPDATE messages SET is_read = TRUE WHERE id = ? AND is_read = FALSE"), messageID)
	if err != nil {
		return result, fmt.Errorf("update read: %w", err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return result, err
	}
	result.Read = n == 1

	m, err := scanMessage(tx.QueryRowContext(ctx, s.rebind("SELECT "+messageColumns+" FROM messages WHERE id = ?"), messageID))
	if err != nil {
		return store.ReadResult{}, err
	}
	result.Message = m

	if err := tx.Commit(); err != nil {
		return store.ReadResult{}, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}
