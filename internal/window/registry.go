// Package window tracks service windows, staff occupancy, and occupancy
// liveness. All state lives in the store; this package adds the claim,
// heartbeat, and release policies plus event emission.
package window

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/qdesk-io/qdesk/internal/events"
	"github.com/qdesk-io/qdesk/internal/store"
	"github.com/qdesk-io/qdesk/pkg/protocol"
)

// Registry exposes window occupancy operations.
type Registry struct {
	store    store.Store
	events   events.Publisher
	coalesce time.Duration
	logger   *slog.Logger
}

// New creates a Registry. coalesce is the minimum interval between stored
// heartbeat updates.
func New(st store.Store, pub events.Publisher, coalesce time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: st, events: pub, coalesce: coalesce, logger: logger}
}

// Claim binds staffID to the window for the shift. Rejected with
// store.ErrOwnership when a different staff member already holds it;
// re-claiming one's own window returns the existing assignment.
func (r *Registry) Claim(windowID, staffID string, shift protocol.ShiftTag) (*protocol.Assignment, error) {
	if !protocol.ValidShift(shift) {
		return nil, fmt.Errorf("window: unknown shift %q", shift)
	}
	w, err := r.store.GetWindow(windowID)
	if err != nil {
		return nil, err
	}
	if !w.Active {
		return nil, fmt.Errorf("window: %s is not active", windowID)
	}

	a, err := r.store.ClaimAssignment(windowID, staffID, shift)
	if err != nil {
		return nil, err
	}
	r.logger.Info("window claimed", "window", windowID, "staff", staffID, "shift", shift)
	r.events.Publish(protocol.Event{
		Type:       protocol.EventWindowAssigned,
		WindowID:   windowID,
		StaffID:    staffID,
		Assignment: a,
		At:         time.Now().UTC(),
	})
	return a, nil
}

// Heartbeat refreshes the caller's occupancy. Writes are coalesced; a
// skipped write is not an error.
func (r *Registry) Heartbeat(windowID, staffID string) error {
	_, err := r.store.Heartbeat(windowID, staffID, r.coalesce)
	return err
}

// Release ends staffID's occupancy of the window. Any in-service ticket is
// reset to waiting first, inside the same transaction. The release event
// carries both facts; the reset additionally gets its own event so waiting
// views can re-insert the ticket without parsing release payloads.
func (r *Registry) Release(windowID, staffID string, shift protocol.ShiftTag) (*store.Release, error) {
	rel, err := r.store.ReleaseAssignment(windowID, staffID, shift, false)
	if err != nil {
		return nil, err
	}
	r.logger.Info("window released", "window", windowID, "staff", rel.Assignment.StaffID)
	r.publishRelease(protocol.EventWindowReleased, rel)
	return rel, nil
}

func (r *Registry) publishRelease(typ protocol.EventType, rel *store.Release) {
	now := time.Now().UTC()
	r.events.Publish(protocol.Event{
		Type:       typ,
		WindowID:   rel.Assignment.WindowID,
		StaffID:    rel.Assignment.StaffID,
		Assignment: rel.Assignment,
		Ticket:     rel.ResetTicket,
		At:         now,
	})
	if rel.ResetTicket != nil {
		r.events.Publish(protocol.Event{
			Type:   protocol.EventTicketReset,
			Ticket: rel.ResetTicket,
			At:     now,
		})
	}
}
