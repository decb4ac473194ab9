package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/qdesk-io/qdesk/pkg/protocol"
)

// SQLite implements Store on a single sqlite database.
type SQLite struct {
	db *sql.DB
}

// Open opens (or creates) the database and runs migrations. Transactions
// take the write lock immediately so the multi-row claim and release units
// serialize instead of failing mid-transaction.
func Open(path string) (*SQLite, error) {
	// busy_timeout goes in the DSN so it applies to every pooled
	// connection, not just the one a PRAGMA Exec happens to run on.
	db, err := sql.Open("sqlite", "file:"+path+"?_txlock=immediate&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	// WAL keeps dashboard reads from blocking behind staff writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: busy_timeout: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			date         TEXT NOT NULL,
			priority_seq INTEGER NOT NULL DEFAULT 0,
			regular_seq  INTEGER NOT NULL DEFAULT 0,
			active       INTEGER NOT NULL DEFAULT 0,
			accepting    INTEGER NOT NULL DEFAULT 0,
			serving      INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tickets (
			id              TEXT PRIMARY KEY,
			session_id      TEXT NOT NULL REFERENCES sessions(id),
			type            TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			status          TEXT NOT NULL DEFAULT 'waiting',
			window_id       TEXT NOT NULL DEFAULT '',
			staff_id        TEXT NOT NULL DEFAULT '',
			deferred_reason TEXT NOT NULL DEFAULT '',
			called_at       TEXT,
			completed_at    TEXT,
			created_at      TEXT NOT NULL,
			UNIQUE (session_id, type, seq)
		);

		CREATE TABLE IF NOT EXISTS service_requests (
			id           TEXT PRIMARY KEY,
			ticket_id    TEXT NOT NULL REFERENCES tickets(id),
			service      TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'waiting',
			processed_by TEXT NOT NULL DEFAULT '',
			processed_at TEXT,
			updated_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS windows (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			can_priority INTEGER NOT NULL DEFAULT 0,
			can_regular  INTEGER NOT NULL DEFAULT 1,
			active       INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS window_assignments (
			id             TEXT PRIMARY KEY,
			window_id      TEXT NOT NULL REFERENCES windows(id),
			staff_id       TEXT NOT NULL,
			shift          TEXT NOT NULL,
			last_heartbeat TEXT NOT NULL,
			released_at    TEXT,
			auto_released  INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			id         TEXT PRIMARY KEY,
			ticket_id  TEXT NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tickets_session_status ON tickets(session_id, status);
		CREATE INDEX IF NOT EXISTS idx_tickets_window ON tickets(window_id);
		CREATE INDEX IF NOT EXISTS idx_requests_ticket ON service_requests(ticket_id);
		CREATE INDEX IF NOT EXISTS idx_requests_status ON service_requests(status);
		CREATE INDEX IF NOT EXISTS idx_assignments_window ON window_assignments(window_id, shift);
		CREATE INDEX IF NOT EXISTS idx_audit_lookup ON audit_log(ticket_id, request_id, status);
	`)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// DB returns the underlying database connection (for testing).
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// --- sessions ---

func (s *SQLite) OpenSession(date string) (*protocol.Session, error) {
	// Check-then-act runs inside one immediate transaction so two openers
	// cannot both see no active session.
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: open session: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM sessions WHERE active = 1`).Scan(&n); err != nil {
		return nil, fmt.Errorf("store: open session: %w", err)
	}
	if n > 0 {
		return nil, ErrSessionActive
	}

	sess := &protocol.Session{
		ID:        uuid.NewString(),
		Date:      date,
		Active:    true,
		Accepting: true,
		Serving:   true,
		CreatedAt: time.Now().UTC(),
	}
	_, err = tx.Exec(`
		INSERT INTO sessions (id, date, priority_seq, regular_seq, active, accepting, serving, created_at)
		VALUES (?, ?, 0, 0, 1, 1, 1, ?)
	`, sess.ID, sess.Date, fmtTime(sess.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("store: open session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: open session: %w", err)
	}
	return sess, nil
}

func (s *SQLite) CloseSession() (*protocol.Session, error) {
	sess, err := s.ActiveSession()
	if err != nil {
		return nil, err
	}
	res, err := s.db.Exec(`UPDATE sessions SET active = 0, accepting = 0, serving = 0 WHERE id = ? AND active = 1`, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("store: close session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNoSession
	}
	sess.Active, sess.Accepting, sess.Serving = false, false, false
	return sess, nil
}

func (s *SQLite) ActiveSession() (*protocol.Session, error) {
	row := s.db.QueryRow(`
		SELECT id, date, priority_seq, regular_seq, active, accepting, serving, created_at
		FROM sessions WHERE active = 1
	`)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("store: active session: %w", err)
	}
	return sess, nil
}

func scanSession(row scannable) (*protocol.Session, error) {
	var sess protocol.Session
	var createdAt string
	err := row.Scan(&sess.ID, &sess.Date, &sess.PrioritySeq, &sess.RegularSeq,
		&sess.Active, &sess.Accepting, &sess.Serving, &createdAt)
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = parseTime(createdAt)
	return &sess, nil
}

// --- audit log ---

func (s *SQLite) AppendAudit(ticketID, requestID string, status string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_log (id, ticket_id, request_id, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), ticketID, requestID, status, fmtTime(at))
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

func (s *SQLite) HasAudit(ticketID, requestID string, status string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM audit_log WHERE ticket_id = ? AND request_id = ? AND status = ?
	`, ticketID, requestID, status).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: has audit: %w", err)
	}
	return n > 0, nil
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

// timeLayout is RFC3339 with a fixed-width fractional part so stored
// timestamps order lexicographically in SQL comparisons.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := fmtTime(*t)
	return &v
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t := parseTime(*s)
	return &t
}
