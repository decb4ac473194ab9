// Package store owns all persistent state: sessions, tickets, service
// requests, windows, window assignments, and the append-only audit log.
// It is the single source of truth; every mutation is a conditional update
// keyed by a current-state predicate and checked via affected-row counts,
// never a read-then-blind-write.
package store

import (
	"errors"
	"time"

	"github.com/qdesk-io/qdesk/pkg/protocol"
)

var (
	// ErrNotFound means the named row does not exist. Distinct from
	// ownership and contention failures so callers can tell "retry"
	// apart from "this no longer exists".
	ErrNotFound = errors.New("store: not found")
	// ErrNoSession means no serving session is currently active.
	ErrNoSession = errors.New("store: no active session")
	// ErrSessionActive means a session is already open for today.
	ErrSessionActive = errors.New("store: session already active")
	// ErrNotAccepting means the active session has stopped taking tickets.
	ErrNotAccepting = errors.New("store: session not accepting tickets")
	// ErrOwnership means the caller acted on a window or ticket held by
	// someone else. Never retried automatically.
	ErrOwnership = errors.New("store: held by another staff member")
)

// SessionStore manages the daily serving session and its sequence counters.
type SessionStore interface {
	// OpenSession activates a new session for the given date. Fails with
	// ErrSessionActive if one is already active.
	OpenSession(date string) (*protocol.Session, error)
	// CloseSession deactivates the active session and returns it.
	CloseSession() (*protocol.Session, error)
	// ActiveSession returns the currently active session, or ErrNoSession.
	// Callers resolve "today" through this per request, never at startup.
	ActiveSession() (*protocol.Session, error)
}

// TicketStore manages tickets and their service requests.
type TicketStore interface {
	// CreateTicket allocates the next per-type sequence number within the
	// active session and inserts the ticket with one waiting service
	// request per requested service, all in one transaction.
	CreateTicket(t protocol.TicketType, services []string) (*protocol.Ticket, error)
	// GetTicket returns a ticket with its requests.
	GetTicket(id string) (*protocol.Ticket, error)
	// WaitingByType lists waiting, unbound tickets of one type in the
	// session, ordered by sequence ascending.
	WaitingByType(sessionID string, t protocol.TicketType) ([]*protocol.Ticket, error)
	// DeferredTickets lists the session's deferred worklist.
	DeferredTickets(sessionID string) ([]*protocol.Ticket, error)
	// LastCalledType returns the type of the most recently called ticket
	// in the session, or "" if none has been called yet.
	LastCalledType(sessionID string) (protocol.TicketType, error)
	// InServiceTicket returns the ticket currently bound to the window in
	// IN_SERVICE, or nil if the window is idle.
	InServiceTicket(windowID string) (*protocol.Ticket, error)
	// ClaimTicket atomically binds a waiting, unbound ticket to a window.
	// Returns false when another window won the race.
	ClaimTicket(ticketID, windowID, staffID string, at time.Time) (bool, error)
	// FinalizeTicket applies a derived aggregate status to a ticket,
	// compare-and-swap against the status the caller observed. Returns
	// false when the ticket moved on since.
	FinalizeTicket(ticketID string, from, to protocol.TicketStatus, reason protocol.RequestStatus, at time.Time) (bool, error)
	// OpenTickets lists the session's tickets not yet in a terminal
	// status, for the end-of-day finalization pass.
	OpenTickets(sessionID string) ([]*protocol.Ticket, error)
	// ReopenTicket moves a deferred ticket back to in-service at the
	// calling window. Returns false when the ticket was not deferred.
	ReopenTicket(ticketID, windowID, staffID string) (bool, error)
	// SetRequestStatus advances one service request from its current
	// status, compare-and-swap style. Returns false on a lost race.
	SetRequestStatus(requestID string, from, to protocol.RequestStatus, staffID string, at time.Time) (bool, error)
	// RequestsForTicket returns a ticket's requests ordered by creation.
	RequestsForTicket(ticketID string) ([]protocol.ServiceRequest, error)
	// SkippedSince lists skipped requests whose last update is older than
	// the cutoff, for the skip-to-cancel sweep.
	SkippedSince(cutoff time.Time) ([]protocol.ServiceRequest, error)
	// StalledInSession lists stalled requests on the session's tickets,
	// for the end-of-day finalization sweep.
	StalledInSession(sessionID string) ([]protocol.ServiceRequest, error)
}

// WindowStore manages windows and their staff assignments.
type WindowStore interface {
	// CreateWindow inserts or updates a window definition.
	CreateWindow(w *protocol.Window) error
	// GetWindow returns a window by ID.
	GetWindow(id string) (*protocol.Window, error)
	// ListWindows returns all windows ordered by name.
	ListWindows() ([]*protocol.Window, error)
	// LiveAssignment returns the unreleased assignment for a window and
	// shift, or ErrNotFound.
	LiveAssignment(windowID string, shift protocol.ShiftTag) (*protocol.Assignment, error)
	// ClaimAssignment creates a live assignment for (window, shift).
	// Fails with ErrOwnership if another staff member holds it; returns
	// the existing assignment if the same staff member already does.
	ClaimAssignment(windowID, staffID string, shift protocol.ShiftTag) (*protocol.Assignment, error)
	// Heartbeat refreshes an assignment's liveness timestamp, coalesced:
	// the write is skipped (false) unless the stored value is older than
	// the coalescing interval.
	Heartbeat(windowID, staffID string, coalesce time.Duration) (bool, error)
	// ReleaseAssignment releases a live assignment. If the window holds an
	// in-service ticket it is reset to waiting, with bindings cleared,
	// before the assignment is marked released — both inside one
	// transaction so neither outcome can be observed without the other.
	ReleaseAssignment(windowID, staffID string, shift protocol.ShiftTag, auto bool) (*Release, error)
	// ReleaseIfStale releases the live assignment for (window, shift)
	// only while its heartbeat is still older than cutoff. Used by the
	// liveness monitor so a reclaim cannot race a returning heartbeat.
	ReleaseIfStale(windowID string, shift protocol.ShiftTag, cutoff time.Time) (*Release, error)
	// StaleAssignments lists live assignments whose heartbeat is older
	// than the cutoff.
	StaleAssignments(cutoff time.Time) ([]*protocol.Assignment, error)
}

// AuditStore is the append-only transaction history. The escalator uses
// record existence, not sweep scheduling, as its idempotence guard.
type AuditStore interface {
	AppendAudit(ticketID, requestID string, status string, at time.Time) error
	HasAudit(ticketID, requestID string, status string) (bool, error)
}

// Store is the full persistence surface.
type Store interface {
	SessionStore
	TicketStore
	WindowStore
	AuditStore
}

// Release reports the outcome of releasing a window assignment: the
// released assignment and, when the window held a ticket, the ticket as
// reset back to waiting.
type Release struct {
	Assignment  *protocol.Assignment `json:"assignment"`
	ResetTicket *protocol.Ticket     `json:"reset_ticket,omitempty"`
}
