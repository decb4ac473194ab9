package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/qdesk-io/qdesk/pkg/protocol"
)

const ticketCols = `id, session_id, type, seq, status, window_id, staff_id, deferred_reason, called_at, completed_at, created_at`

func (s *SQLite) CreateTicket(t protocol.TicketType, services []string) (*protocol.Ticket, error) {
	if len(services) == 0 {
		return nil, fmt.Errorf("store: create ticket: no services requested")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: create ticket: %w", err)
	}
	defer tx.Rollback()

	var sessionID string
	var accepting bool
	err = tx.QueryRow(`SELECT id, accepting FROM sessions WHERE active = 1`).Scan(&sessionID, &accepting)
	if err == sql.ErrNoRows {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("store: create ticket: %w", err)
	}
	if !accepting {
		return nil, ErrNotAccepting
	}

	// Bump the per-type counter on the session row; the immediate
	// transaction serializes allocations so numbers are never reused.
	counter := "regular_seq"
	if t == protocol.TypePriority {
		counter = "priority_seq"
	}
	if _, err := tx.Exec(`UPDATE sessions SET `+counter+` = `+counter+` + 1 WHERE id = ?`, sessionID); err != nil {
		return nil, fmt.Errorf("store: allocate sequence: %w", err)
	}
	var seq int64
	if err := tx.QueryRow(`SELECT `+counter+` FROM sessions WHERE id = ?`, sessionID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("store: allocate sequence: %w", err)
	}

	now := time.Now().UTC()
	ticket := &protocol.Ticket{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      t,
		Seq:       seq,
		Status:    protocol.TicketWaiting,
		CreatedAt: now,
	}
	_, err = tx.Exec(`
		INSERT INTO tickets (id, session_id, type, seq, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ticket.ID, sessionID, string(t), seq, string(protocol.TicketWaiting), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: create ticket: %w", err)
	}

	for _, svc := range services {
		req := protocol.ServiceRequest{
			ID:        uuid.NewString(),
			TicketID:  ticket.ID,
			Service:   svc,
			Status:    protocol.RequestWaiting,
			UpdatedAt: now,
		}
		_, err = tx.Exec(`
			INSERT INTO service_requests (id, ticket_id, service, status, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, req.ID, req.TicketID, svc, string(req.Status), fmtTime(now))
		if err != nil {
			return nil, fmt.Errorf("store: create request: %w", err)
		}
		ticket.Requests = append(ticket.Requests, req)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: create ticket: %w", err)
	}
	return ticket, nil
}

func (s *SQLite) GetTicket(id string) (*protocol.Ticket, error) {
	row := s.db.QueryRow(`SELECT `+ticketCols+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get ticket: %w", err)
	}
	reqs, err := s.RequestsForTicket(id)
	if err != nil {
		return nil, err
	}
	t.Requests = reqs
	return t, nil
}

func (s *SQLite) WaitingByType(sessionID string, t protocol.TicketType) ([]*protocol.Ticket, error) {
	return s.listTickets(`
		SELECT `+ticketCols+` FROM tickets
		WHERE session_id = ? AND type = ? AND status = ? AND window_id = ''
		ORDER BY seq ASC
	`, sessionID, string(t), string(protocol.TicketWaiting))
}

func (s *SQLite) DeferredTickets(sessionID string) ([]*protocol.Ticket, error) {
	return s.listTickets(`
		SELECT `+ticketCols+` FROM tickets
		WHERE session_id = ? AND status = ?
		ORDER BY type, seq ASC
	`, sessionID, string(protocol.TicketDeferred))
}

func (s *SQLite) OpenTickets(sessionID string) ([]*protocol.Ticket, error) {
	return s.listTickets(`
		SELECT `+ticketCols+` FROM tickets
		WHERE session_id = ? AND status NOT IN (?, ?, ?)
		ORDER BY type, seq ASC
	`, sessionID, string(protocol.TicketCompleted), string(protocol.TicketCancelled), string(protocol.TicketPartial))
}

func (s *SQLite) LastCalledType(sessionID string) (protocol.TicketType, error) {
	var t string
	err := s.db.QueryRow(`
		SELECT type FROM tickets
		WHERE session_id = ? AND called_at IS NOT NULL
		ORDER BY called_at DESC LIMIT 1
	`, sessionID).Scan(&t)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: last called type: %w", err)
	}
	return protocol.TicketType(t), nil
}

func (s *SQLite) InServiceTicket(windowID string) (*protocol.Ticket, error) {
	row := s.db.QueryRow(`
		SELECT `+ticketCols+` FROM tickets
		WHERE window_id = ? AND status = ?
	`, windowID, string(protocol.TicketInService))
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: in-service ticket: %w", err)
	}
	reqs, err := s.RequestsForTicket(t.ID)
	if err != nil {
		return nil, err
	}
	t.Requests = reqs
	return t, nil
}

func (s *SQLite) ClaimTicket(ticketID, windowID, staffID string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE tickets SET status = ?, window_id = ?, staff_id = ?, called_at = ?
		WHERE id = ? AND status = ? AND window_id = ''
	`, string(protocol.TicketInService), windowID, staffID, fmtTime(at),
		ticketID, string(protocol.TicketWaiting))
	if err != nil {
		return false, fmt.Errorf("store: claim ticket: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLite) FinalizeTicket(ticketID string, from, to protocol.TicketStatus, reason protocol.RequestStatus, at time.Time) (bool, error) {
	var completedAt *string
	if to.Terminal() {
		v := fmtTime(at)
		completedAt = &v
	}
	// A deferred ticket leaves the window's work item but keeps its
	// window binding so the deferred worklist can show where it stalled.
	res, err := s.db.Exec(`
		UPDATE tickets SET status = ?, deferred_reason = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, string(to), string(reason), completedAt,
		ticketID, string(from))
	if err != nil {
		return false, fmt.Errorf("store: finalize ticket: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLite) ReopenTicket(ticketID, windowID, staffID string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE tickets SET status = ?, window_id = ?, staff_id = ?, deferred_reason = ''
		WHERE id = ? AND status = ?
	`, string(protocol.TicketInService), windowID, staffID,
		ticketID, string(protocol.TicketDeferred))
	if err != nil {
		return false, fmt.Errorf("store: reopen ticket: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLite) SetRequestStatus(requestID string, from, to protocol.RequestStatus, staffID string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE service_requests SET status = ?, processed_by = ?, processed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), staffID, fmtTime(at), fmtTime(at), requestID, string(from))
	if err != nil {
		return false, fmt.Errorf("store: set request status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLite) RequestsForTicket(ticketID string) ([]protocol.ServiceRequest, error) {
	rows, err := s.db.Query(`
		SELECT id, ticket_id, service, status, processed_by, processed_at, updated_at
		FROM service_requests WHERE ticket_id = ? ORDER BY rowid
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("store: requests for ticket: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (s *SQLite) SkippedSince(cutoff time.Time) ([]protocol.ServiceRequest, error) {
	rows, err := s.db.Query(`
		SELECT id, ticket_id, service, status, processed_by, processed_at, updated_at
		FROM service_requests WHERE status = ? AND updated_at < ?
	`, string(protocol.RequestSkipped), fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("store: skipped since: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (s *SQLite) StalledInSession(sessionID string) ([]protocol.ServiceRequest, error) {
	rows, err := s.db.Query(`
		SELECT r.id, r.ticket_id, r.service, r.status, r.processed_by, r.processed_at, r.updated_at
		FROM service_requests r JOIN tickets t ON t.id = r.ticket_id
		WHERE t.session_id = ? AND r.status = ?
	`, sessionID, string(protocol.RequestStalled))
	if err != nil {
		return nil, fmt.Errorf("store: stalled in session: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

// --- scan helpers ---

func (s *SQLite) listTickets(query string, args ...any) ([]*protocol.Ticket, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*protocol.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func scanTicket(row scannable) (*protocol.Ticket, error) {
	var t protocol.Ticket
	var typ, status, reason, createdAt string
	var calledAt, completedAt *string
	err := row.Scan(&t.ID, &t.SessionID, &typ, &t.Seq, &status, &t.WindowID,
		&t.StaffID, &reason, &calledAt, &completedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	t.Type = protocol.TicketType(typ)
	t.Status = protocol.TicketStatus(status)
	t.DeferredReason = protocol.RequestStatus(reason)
	t.CalledAt = parseTimePtr(calledAt)
	t.CompletedAt = parseTimePtr(completedAt)
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

func collectRequests(rows *sql.Rows) ([]protocol.ServiceRequest, error) {
	var reqs []protocol.ServiceRequest
	for rows.Next() {
		var r protocol.ServiceRequest
		var status, updatedAt string
		var processedAt *string
		if err := rows.Scan(&r.ID, &r.TicketID, &r.Service, &status, &r.ProcessedBy, &processedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scan request: %w", err)
		}
		r.Status = protocol.RequestStatus(status)
		r.ProcessedAt = parseTimePtr(processedAt)
		r.UpdatedAt = parseTime(updatedAt)
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}
