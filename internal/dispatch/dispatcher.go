// Package dispatch implements the call-next engine: candidate selection
// through the interleaver, atomic ticket claims with a bounded retry
// budget, the finalize precondition, and request status transitions. Every
// decision reads fresh store state; nothing is cached across operations.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/qdesk-io/qdesk/internal/events"
	"github.com/qdesk-io/qdesk/internal/queue"
	"github.com/qdesk-io/qdesk/internal/store"
	"github.com/qdesk-io/qdesk/pkg/protocol"
)

// DefaultRetryBudget bounds the claim retry loop. Under sustained
// contention the dispatcher fails fast with ErrContended instead of
// spinning.
const DefaultRetryBudget = 3

// Dispatcher owns the call-next operation and ticket finalization.
type Dispatcher struct {
	store  store.Store
	events events.Publisher
	logger *slog.Logger

	// RetryBudget is the number of claim attempts per call.
	RetryBudget int
}

// New creates a Dispatcher.
func New(st store.Store, pub events.Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: st, events: pub, logger: logger, RetryBudget: DefaultRetryBudget}
}

// Intake creates a ticket with one waiting service request per requested
// service and announces it to all dashboards.
func (d *Dispatcher) Intake(t protocol.TicketType, services []string) (*protocol.Ticket, error) {
	ticket, err := d.store.CreateTicket(t, services)
	if err != nil {
		return nil, err
	}
	d.logger.Info("ticket created", "ticket", ticket.DisplayNumber(), "type", t, "services", len(services))
	d.events.Publish(protocol.Event{
		Type:   protocol.EventTicketCreated,
		Ticket: ticket,
		At:     time.Now().UTC(),
	})
	return ticket, nil
}

// CallNext selects, claims, and binds the next ticket for the window.
//
// Preconditions: the window must hold a live assignment for staffID in the
// current shift, and any previous ticket must finalize first — on failure
// the call is blocked (fail closed).
//
// Selection re-derives the interleaved order on every attempt from fresh
// waiting lists; losing a claim race re-enters selection, bounded by the
// retry budget.
func (d *Dispatcher) CallNext(windowID, staffID string) (*protocol.Ticket, error) {
	now := time.Now().UTC()

	w, err := d.store.GetWindow(windowID)
	if err != nil {
		return nil, err
	}
	a, err := d.store.LiveAssignment(windowID, protocol.CurrentShift(now))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: window %s has no active assignment", store.ErrOwnership, windowID)
	}
	if err != nil {
		return nil, err
	}
	if a.StaffID != staffID {
		return nil, fmt.Errorf("%w: window %s", store.ErrOwnership, windowID)
	}

	sess, err := d.store.ActiveSession()
	if err != nil {
		return nil, err
	}
	if !sess.Serving {
		return nil, ErrNotServing
	}

	// Finalize-first precondition.
	if prev, err := d.store.InServiceTicket(windowID); err != nil {
		return nil, err
	} else if prev != nil {
		if _, err := d.FinalizeTicket(prev.ID, windowID); err != nil {
			return nil, fmt.Errorf("%w: ticket %s: %v", ErrUnfinalized, prev.DisplayNumber(), err)
		}
	}

	allowed := w.AllowedTypes()
	if len(allowed) == 0 {
		return nil, ErrEmptyQueue
	}

	for attempt := 0; attempt < d.RetryBudget; attempt++ {
		candidate, err := d.nextCandidate(sess.ID, allowed)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			return nil, ErrEmptyQueue
		}

		claimed, err := d.store.ClaimTicket(candidate.ID, windowID, staffID, now)
		if err != nil {
			return nil, err
		}
		if !claimed {
			// Another window won this candidate; re-derive.
			d.logger.Debug("claim lost, retrying", "ticket", candidate.DisplayNumber(), "attempt", attempt+1)
			continue
		}

		ticket, err := d.store.GetTicket(candidate.ID)
		if err != nil {
			return nil, err
		}
		d.logger.Info("ticket called", "ticket", ticket.DisplayNumber(), "window", windowID, "staff", staffID)

		// Taken goes global so every waiting view drops it; assigned
		// carries full detail to the winning window only.
		d.events.Publish(protocol.Event{
			Type:    protocol.EventTicketTaken,
			StaffID: staffID,
			Ticket:  ticket,
			At:      now,
		})
		d.events.Publish(protocol.Event{
			Type:     protocol.EventTicketAssigned,
			WindowID: windowID,
			StaffID:  staffID,
			Ticket:   ticket,
			At:       now,
		})
		return ticket, nil
	}
	return nil, ErrContended
}

// nextCandidate re-derives the serving order and returns its head, or nil
// when the queue is empty for the allowed types. The alternation anchor is
// the type of the most recently called ticket, read fresh from the store.
func (d *Dispatcher) nextCandidate(sessionID string, allowed []protocol.TicketType) (*protocol.Ticket, error) {
	var priority, regular []*protocol.Ticket
	for _, t := range allowed {
		list, err := d.store.WaitingByType(sessionID, t)
		if err != nil {
			return nil, err
		}
		if t == protocol.TypePriority {
			priority = list
		} else {
			regular = list
		}
	}

	last, err := d.store.LastCalledType(sessionID)
	if err != nil {
		return nil, err
	}
	order := queue.Interleave(priority, regular, queue.NextStart(last))
	if len(order) == 0 {
		return nil, nil
	}
	return order[0], nil
}

// ServingOrder returns the full interleaved waiting list for the
// dashboard, derived the same way call-next derives its candidate.
func (d *Dispatcher) ServingOrder() ([]*protocol.Ticket, error) {
	sess, err := d.store.ActiveSession()
	if err != nil {
		return nil, err
	}
	priority, err := d.store.WaitingByType(sess.ID, protocol.TypePriority)
	if err != nil {
		return nil, err
	}
	regular, err := d.store.WaitingByType(sess.ID, protocol.TypeRegular)
	if err != nil {
		return nil, err
	}
	last, err := d.store.LastCalledType(sess.ID)
	if err != nil {
		return nil, err
	}
	return queue.Interleave(priority, regular, queue.NextStart(last)), nil
}

// SetRequestStatus advances one service request. The caller's window must
// currently hold the ticket; the transition must be a legal edge, applied
// compare-and-swap style against the status the caller observed.
func (d *Dispatcher) SetRequestStatus(ticketID, requestID string, status protocol.RequestStatus, windowID, staffID string) (*protocol.ServiceRequest, error) {
	ticket, err := d.store.GetTicket(ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.WindowID != windowID || ticket.Status != protocol.TicketInService {
		return nil, fmt.Errorf("%w: ticket %s is not in service at window %s", store.ErrOwnership, ticket.DisplayNumber(), windowID)
	}

	var current *protocol.ServiceRequest
	for i := range ticket.Requests {
		if ticket.Requests[i].ID == requestID {
			current = &ticket.Requests[i]
			break
		}
	}
	if current == nil {
		return nil, fmt.Errorf("%w: request %s", store.ErrNotFound, requestID)
	}
	if !protocol.ValidRequestTransition(current.Status, status) {
		return nil, fmt.Errorf("%w: %s → %s", ErrBadTransition, current.Status, status)
	}

	now := time.Now().UTC()
	ok, err := d.store.SetRequestStatus(requestID, current.Status, status, staffID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrContended
	}

	updated := *current
	updated.Status = status
	updated.ProcessedBy = staffID
	updated.ProcessedAt = &now
	updated.UpdatedAt = now
	d.events.Publish(protocol.Event{
		Type:     protocol.EventRequestStatus,
		WindowID: windowID,
		StaffID:  staffID,
		Ticket:   ticket,
		Request:  &updated,
		At:       now,
	})
	return &updated, nil
}

// FinalizeTicket derives and applies the ticket's aggregate status from
// its requests. The aggregate is never chosen by staff. Fails while any
// request is still open and none is stalled or skipped.
func (d *Dispatcher) FinalizeTicket(ticketID, windowID string) (*protocol.Ticket, error) {
	ticket, err := d.store.GetTicket(ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.WindowID != windowID {
		return nil, fmt.Errorf("%w: ticket %s is held by window %s", store.ErrOwnership, ticket.DisplayNumber(), ticket.WindowID)
	}
	if ticket.Status != protocol.TicketInService {
		return nil, fmt.Errorf("dispatch: ticket %s is %s, not in service", ticket.DisplayNumber(), ticket.Status)
	}

	status, ok := queue.DeriveTicketStatus(ticket.Requests)
	if !ok {
		return nil, fmt.Errorf("%w: requests still open", ErrUnfinalized)
	}
	var reason protocol.RequestStatus
	if status == protocol.TicketDeferred {
		reason = queue.DeferredReason(ticket.Requests)
	}

	now := time.Now().UTC()
	applied, err := d.store.FinalizeTicket(ticketID, protocol.TicketInService, status, reason, now)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrContended
	}

	ticket.Status = status
	ticket.DeferredReason = reason
	if status.Terminal() {
		ticket.CompletedAt = &now
	}
	d.logger.Info("ticket finalized", "ticket", ticket.DisplayNumber(), "status", status)
	d.events.Publish(protocol.Event{
		Type:     protocol.EventTicketFinalized,
		WindowID: windowID,
		Ticket:   ticket,
		At:       now,
	})
	return ticket, nil
}

// Reopen pulls a deferred ticket out of the worklist and binds it to the
// calling window for re-finalization. Deferred tickets carry no ownership
// beyond their recorded window, so any staffed window may reopen them.
func (d *Dispatcher) Reopen(ticketID, windowID, staffID string) (*protocol.Ticket, error) {
	if _, err := d.store.GetWindow(windowID); err != nil {
		return nil, err
	}
	ok, err := d.store.ReopenTicket(ticketID, windowID, staffID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Either gone or no longer deferred.
		if _, err := d.store.GetTicket(ticketID); err != nil {
			return nil, err
		}
		return nil, ErrContended
	}

	ticket, err := d.store.GetTicket(ticketID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	d.logger.Info("deferred ticket reopened", "ticket", ticket.DisplayNumber(), "window", windowID)
	d.events.Publish(protocol.Event{
		Type:    protocol.EventTicketTaken,
		StaffID: staffID,
		Ticket:  ticket,
		At:      now,
	})
	d.events.Publish(protocol.Event{
		Type:     protocol.EventTicketAssigned,
		WindowID: windowID,
		StaffID:  staffID,
		Ticket:   ticket,
		At:       now,
	})
	return ticket, nil
}
