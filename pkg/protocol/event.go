package protocol

import "time"

// EventType is the closed enumeration of dashboard events. Producers and
// consumers share these constants; there are no dynamically built names.
type EventType string

const (
	EventTicketCreated      EventType = "ticket_created"
	EventTicketTaken        EventType = "ticket_taken"
	EventTicketAssigned     EventType = "ticket_assigned"
	EventTicketReset        EventType = "ticket_reset_to_waiting"
	EventTicketFinalized    EventType = "ticket_finalized"
	EventRequestStatus      EventType = "request_status_changed"
	EventWindowAssigned     EventType = "window_assigned"
	EventWindowReleased     EventType = "window_released"
	EventWindowAutoReleased EventType = "window_auto_released"
)

// Event is one committed state change, as broadcast to staff clients.
// WindowID scopes delivery: empty means the global room only; otherwise the
// event also reaches that window's room. A release event carries both the
// assignment and the reset ticket so clients update the staffing view and
// the waiting list from a single message.
type Event struct {
	Type       EventType       `json:"type"`
	WindowID   string          `json:"window_id,omitempty"`
	StaffID    string          `json:"staff_id,omitempty"`
	Ticket     *Ticket         `json:"ticket,omitempty"`
	Request    *ServiceRequest `json:"request,omitempty"`
	Assignment *Assignment     `json:"assignment,omitempty"`
	At         time.Time       `json:"at"`
}

// OrderingKey identifies the stream whose delivery order must be preserved.
// Updates to the same ticket share a key; events for distinct tickets may
// reorder relative to each other.
func (e Event) OrderingKey() string {
	if e.Ticket != nil {
		return "ticket:" + e.Ticket.ID
	}
	if e.WindowID != "" {
		return "window:" + e.WindowID
	}
	return "global"
}
