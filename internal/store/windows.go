package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/qdesk-io/qdesk/pkg/protocol"
)

func (s *SQLite) CreateWindow(w *protocol.Window) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`
		INSERT INTO windows (id, name, can_priority, can_regular, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, can_priority=excluded.can_priority,
			can_regular=excluded.can_regular, active=excluded.active
	`, w.ID, w.Name, w.CanPriority, w.CanRegular, w.Active)
	if err != nil {
		return fmt.Errorf("store: create window: %w", err)
	}
	return nil
}

func (s *SQLite) GetWindow(id string) (*protocol.Window, error) {
	var w protocol.Window
	err := s.db.QueryRow(`
		SELECT id, name, can_priority, can_regular, active FROM windows WHERE id = ?
	`, id).Scan(&w.ID, &w.Name, &w.CanPriority, &w.CanRegular, &w.Active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get window: %w", err)
	}
	return &w, nil
}

func (s *SQLite) ListWindows() ([]*protocol.Window, error) {
	rows, err := s.db.Query(`SELECT id, name, can_priority, can_regular, active FROM windows ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list windows: %w", err)
	}
	defer rows.Close()

	var windows []*protocol.Window
	for rows.Next() {
		var w protocol.Window
		if err := rows.Scan(&w.ID, &w.Name, &w.CanPriority, &w.CanRegular, &w.Active); err != nil {
			return nil, fmt.Errorf("store: scan window: %w", err)
		}
		windows = append(windows, &w)
	}
	return windows, rows.Err()
}

const assignmentCols = `id, window_id, staff_id, shift, last_heartbeat, released_at, auto_released, created_at`

func (s *SQLite) LiveAssignment(windowID string, shift protocol.ShiftTag) (*protocol.Assignment, error) {
	row := s.db.QueryRow(`
		SELECT `+assignmentCols+` FROM window_assignments
		WHERE window_id = ? AND shift = ? AND released_at IS NULL
	`, windowID, string(shift))
	a, err := scanAssignment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: live assignment: %w", err)
	}
	return a, nil
}

func (s *SQLite) ClaimAssignment(windowID, staffID string, shift protocol.ShiftTag) (*protocol.Assignment, error) {
	// Check-then-act runs inside one immediate transaction so two staff
	// claiming the same (window, shift) cannot both see it free.
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: claim assignment: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT `+assignmentCols+` FROM window_assignments
		WHERE window_id = ? AND shift = ? AND released_at IS NULL
	`, windowID, string(shift))
	existing, err := scanAssignment(row)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("store: claim assignment: %w", err)
	}
	if existing != nil {
		if existing.StaffID == staffID {
			return existing, tx.Commit()
		}
		return nil, ErrOwnership
	}

	now := time.Now().UTC()
	a := &protocol.Assignment{
		ID:            uuid.NewString(),
		WindowID:      windowID,
		StaffID:       staffID,
		Shift:         shift,
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	_, err = tx.Exec(`
		INSERT INTO window_assignments (id, window_id, staff_id, shift, last_heartbeat, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, windowID, staffID, string(shift), fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: claim assignment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: claim assignment: %w", err)
	}
	return a, nil
}

func (s *SQLite) Heartbeat(windowID, staffID string, coalesce time.Duration) (bool, error) {
	now := time.Now().UTC()
	// Coalesced: only write when the stored value has aged past the
	// minimum interval, to avoid write amplification from chatty clients.
	res, err := s.db.Exec(`
		UPDATE window_assignments SET last_heartbeat = ?
		WHERE window_id = ? AND staff_id = ? AND released_at IS NULL AND last_heartbeat <= ?
	`, fmtTime(now), windowID, staffID, fmtTime(now.Add(-coalesce)))
	if err != nil {
		return false, fmt.Errorf("store: heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLite) ReleaseAssignment(windowID, staffID string, shift protocol.ShiftTag, auto bool) (*Release, error) {
	return s.release(windowID, staffID, shift, auto, nil)
}

// ReleaseIfStale releases the live assignment only while its heartbeat is
// still older than cutoff, so the liveness sweep cannot reclaim a window
// whose staff came back between the scan and the release.
func (s *SQLite) ReleaseIfStale(windowID string, shift protocol.ShiftTag, cutoff time.Time) (*Release, error) {
	return s.release(windowID, "", shift, true, &cutoff)
}

func (s *SQLite) release(windowID, staffID string, shift protocol.ShiftTag, auto bool, staleBefore *time.Time) (*Release, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: release assignment: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT ` + assignmentCols + ` FROM window_assignments
		WHERE window_id = ? AND shift = ? AND released_at IS NULL
	`
	args := []any{windowID, string(shift)}
	if staleBefore != nil {
		query += ` AND last_heartbeat < ?`
		args = append(args, fmtTime(*staleBefore))
	}
	row := tx.QueryRow(query, args...)
	a, err := scanAssignment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: release assignment: %w", err)
	}
	if staffID != "" && a.StaffID != staffID {
		return nil, ErrOwnership
	}

	// Reset any in-service ticket before marking the assignment released.
	// Both run in this transaction: a released assignment must never be
	// observable alongside a still-bound ticket.
	var reset *protocol.Ticket
	trow := tx.QueryRow(`
		SELECT `+ticketCols+` FROM tickets WHERE window_id = ? AND status = ?
	`, windowID, string(protocol.TicketInService))
	t, err := scanTicket(trow)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("store: release assignment: %w", err)
	}
	if t != nil {
		// The ticket re-enters the waiting pool at its original
		// sequence position; sequence numbers are never renumbered.
		_, err = tx.Exec(`
			UPDATE tickets SET status = ?, window_id = '', staff_id = '', called_at = NULL
			WHERE id = ? AND status = ?
		`, string(protocol.TicketWaiting), t.ID, string(protocol.TicketInService))
		if err != nil {
			return nil, fmt.Errorf("store: reset ticket: %w", err)
		}
		t.Status = protocol.TicketWaiting
		t.WindowID, t.StaffID = "", ""
		t.CalledAt = nil
		reset = t
	}

	now := time.Now().UTC()
	res, err := tx.Exec(`
		UPDATE window_assignments SET released_at = ?, auto_released = ?
		WHERE id = ? AND released_at IS NULL
	`, fmtTime(now), auto, a.ID)
	if err != nil {
		return nil, fmt.Errorf("store: release assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: release assignment: %w", err)
	}

	a.ReleasedAt = &now
	a.AutoReleased = auto
	return &Release{Assignment: a, ResetTicket: reset}, nil
}

func (s *SQLite) StaleAssignments(cutoff time.Time) ([]*protocol.Assignment, error) {
	rows, err := s.db.Query(`
		SELECT `+assignmentCols+` FROM window_assignments
		WHERE released_at IS NULL AND last_heartbeat < ?
	`, fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("store: stale assignments: %w", err)
	}
	defer rows.Close()

	var stale []*protocol.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan assignment: %w", err)
		}
		stale = append(stale, a)
	}
	return stale, rows.Err()
}

func scanAssignment(row scannable) (*protocol.Assignment, error) {
	var a protocol.Assignment
	var shift, heartbeat, createdAt string
	var releasedAt *string
	err := row.Scan(&a.ID, &a.WindowID, &a.StaffID, &shift, &heartbeat,
		&releasedAt, &a.AutoReleased, &createdAt)
	if err != nil {
		return nil, err
	}
	a.Shift = protocol.ShiftTag(shift)
	a.LastHeartbeat = parseTime(heartbeat)
	a.ReleasedAt = parseTimePtr(releasedAt)
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}
