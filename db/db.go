package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"lanchat/models"
	"lanchat/protocol"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// one connection serializes writers, which makes Drain atomic with
	// respect to concurrent Enqueue calls
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS mailbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			recipient TEXT NOT NULL,
			sender TEXT NOT NULL,
			frame TEXT NOT NULL,
			queued_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			user TEXT NOT NULL DEFAULT '',
			peer TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mailbox_recipient ON mailbox(recipient, id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_at ON events(at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// Mailbox methods

// Enqueue stores msg at the end of the queue of username. The message is kept
// in its wire encoding so it can be replayed as is.
func (db *DB) Enqueue(username string, msg models.Message) error {
	frame, err := protocol.Encode(protocol.Chat(msg))
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	_, err = db.conn.Exec(
		"INSERT INTO mailbox (recipient, sender, frame, queued_at) VALUES (?, ?, ?, ?)",
		username, msg.Sender.Username, string(frame), time.Now().UTC().Format(timeLayout),
	)
	return err
}

// Drain removes and returns the queue of username in enqueue order.
func (db *DB) Drain(username string) ([]models.Message, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query("SELECT id, frame FROM mailbox WHERE recipient = ? ORDER BY id", username)
	if err != nil {
		return nil, err
	}

	var (
		messages []models.Message
		lastID   int64
	)
	for rows.Next() {
		var frame string
		if err := rows.Scan(&lastID, &frame); err != nil {
			rows.Close()
			return nil, err
		}

		f, err := protocol.Decode(frame)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("mailbox row %d: %w", lastID, err)
		}
		messages = append(messages, *f.Message)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(messages) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec("DELETE FROM mailbox WHERE recipient = ? AND id <= ?", username, lastID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return messages, nil
}

func (db *DB) Pending(username string) (int, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM mailbox WHERE recipient = ?", username).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (db *DB) Users() ([]string, error) {
	rows, err := db.conn.Query("SELECT DISTINCT recipient FROM mailbox ORDER BY recipient")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

// Event methods

func (db *DB) SaveEvent(e models.AuditEvent) error {
	msgID := ""
	if e.MessageID != uuid.Nil {
		msgID = e.MessageID.String()
	}

	_, err := db.conn.Exec(
		"INSERT INTO events (at, kind, user, peer, message_id, content, detail) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.At.UTC().Format(timeLayout), string(e.Kind), e.User, e.Peer, msgID, e.Content, e.Detail,
	)
	return err
}

// Events returns the events recorded in [from, to), oldest first. A zero
// bound leaves that side open.
func (db *DB) Events(from, to time.Time) ([]models.AuditEvent, error) {
	lower := "0000"
	upper := "9999"
	if !from.IsZero() {
		lower = from.UTC().Format(timeLayout)
	}
	if !to.IsZero() {
		upper = to.UTC().Format(timeLayout)
	}

	rows, err := db.conn.Query(
		"SELECT at, kind, user, peer, message_id, content, detail FROM events WHERE at >= ? AND at < ? ORDER BY id",
		lower, upper,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var (
			e        models.AuditEvent
			at, kind string
			msgID    string
		)
		if err := rows.Scan(&at, &kind, &e.User, &e.Peer, &msgID, &e.Content, &e.Detail); err != nil {
			return nil, err
		}

		e.At, err = time.Parse(timeLayout, at)
		if err != nil {
			return nil, err
		}
		e.Kind = models.EventKind(kind)
		if msgID != "" {
			if e.MessageID, err = uuid.Parse(msgID); err != nil {
				return nil, err
			}
		}
		events = append(events, e)
	}

	return events, rows.Err()
}
