package protocol

import (
	"fmt"
	"time"
)

// TicketType partitions the queue into the two serving classes.
type TicketType string

const (
	TypePriority TicketType = "priority"
	TypeRegular  TicketType = "regular"
)

// TicketStatus represents the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketWaiting   TicketStatus = "waiting"
	TicketInService TicketStatus = "in_service"
	TicketCompleted TicketStatus = "completed"
	TicketCancelled TicketStatus = "cancelled"
	TicketDeferred  TicketStatus = "deferred"
	TicketPartial   TicketStatus = "partially_complete"
)

// Terminal reports whether the status ends a ticket's lifecycle.
// Deferred tickets are held, not terminal: any window may reopen them.
func (s TicketStatus) Terminal() bool {
	return s == TicketCompleted || s == TicketCancelled || s == TicketPartial
}

// RequestStatus represents the independent lifecycle of one service request.
type RequestStatus string

const (
	RequestWaiting   RequestStatus = "waiting"
	RequestInService RequestStatus = "in_progress"
	RequestCompleted RequestStatus = "completed"
	RequestStalled   RequestStatus = "stalled"
	RequestSkipped   RequestStatus = "skipped"
	RequestCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no further staff action moves the request.
// Stalled and skipped requests are resolvable, so they are not terminal.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestCancelled
}

// requestTransitions holds the allowed forward edges of the request state
// machine. Skipped→cancelled is also walked by the escalator, not only staff.
var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestWaiting:   {RequestInService},
	RequestInService: {RequestCompleted, RequestStalled, RequestSkipped, RequestCancelled},
	RequestSkipped:   {RequestCancelled},
}

// ValidRequestTransition reports whether from→to is a legal request edge.
func ValidRequestTransition(from, to RequestStatus) bool {
	for _, s := range requestTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Ticket is one student's queue entry. The sequence number is assigned at
// creation, unique per type per session, and never changes — it is the sole
// ordering key within its type.
type Ticket struct {
	ID             string           `json:"id"`
	SessionID      string           `json:"session_id"`
	Type           TicketType       `json:"type"`
	Seq            int64            `json:"seq"`
	Status         TicketStatus     `json:"status"`
	WindowID       string           `json:"window_id,omitempty"`
	StaffID        string           `json:"staff_id,omitempty"`
	DeferredReason RequestStatus    `json:"deferred_reason,omitempty"`
	Requests       []ServiceRequest `json:"requests,omitempty"`
	CalledAt       *time.Time       `json:"called_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// DisplayNumber is the number shown on the ticket and the dashboard,
// derived from type and sequence (P7, R23).
func (t *Ticket) DisplayNumber() string {
	prefix := "R"
	if t.Type == TypePriority {
		prefix = "P"
	}
	return fmt.Sprintf("%s%d", prefix, t.Seq)
}

// ServiceRequest is one requested service within a ticket.
type ServiceRequest struct {
	ID          string        `json:"id"`
	TicketID    string        `json:"ticket_id"`
	Service     string        `json:"service"`
	Status      RequestStatus `json:"status"`
	ProcessedBy string        `json:"processed_by,omitempty"`
	ProcessedAt *time.Time    `json:"processed_at,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
