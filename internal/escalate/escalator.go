// Package escalate runs the two timed lifecycle sweeps: skipped requests
// abandoned for too long are cancelled, and stalled outcomes are locked in
// at day boundary. Both sweeps are idempotent — the audit log's record
// existence, not sweep scheduling, is the de-duplication guard — and both
// are safe to run concurrently with live staff mutations.
package escalate

import (
	"log/slog"
	"time"

	"github.com/qdesk-io/qdesk/internal/events"
	"github.com/qdesk-io/qdesk/internal/queue"
	"github.com/qdesk-io/qdesk/internal/store"
	"github.com/qdesk-io/qdesk/pkg/protocol"
)

// DefaultSkipThreshold is how long a skipped request may sit without
// further action before it is auto-cancelled.
const DefaultSkipThreshold = time.Hour

// Escalator owns the lifecycle sweeps.
type Escalator struct {
	store  store.Store
	events events.Publisher
	logger *slog.Logger

	// SkipThreshold overrides DefaultSkipThreshold when non-zero.
	SkipThreshold time.Duration
}

// New creates an Escalator.
func New(st store.Store, pub events.Publisher, logger *slog.Logger) *Escalator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Escalator{store: st, events: pub, logger: logger}
}

func (e *Escalator) skipThreshold() time.Duration {
	if e.SkipThreshold > 0 {
		return e.SkipThreshold
	}
	return DefaultSkipThreshold
}

// SweepSkipped cancels service requests left skipped past the threshold
// and appends the audit record for each conversion. Re-running finds
// nothing once converted. One request's failure never aborts the sweep.
func (e *Escalator) SweepSkipped() {
	now := time.Now().UTC()
	skipped, err := e.store.SkippedSince(now.Add(-e.skipThreshold()))
	if err != nil {
		e.logger.Error("skip sweep: list skipped requests", "error", err)
		return
	}
	for _, r := range skipped {
		ok, err := e.store.SetRequestStatus(r.ID, protocol.RequestSkipped, protocol.RequestCancelled, "", now)
		if err != nil {
			e.logger.Warn("skip sweep: cancel failed", "request", r.ID, "error", err)
			continue
		}
		if !ok {
			// Staff resolved it between scan and update.
			continue
		}
		if err := e.store.AppendAudit(r.TicketID, r.ID, string(protocol.RequestCancelled), now); err != nil {
			e.logger.Warn("skip sweep: audit append failed", "request", r.ID, "error", err)
		}
		e.logger.Info("skipped request auto-cancelled", "ticket", r.TicketID, "request", r.ID)

		cancelled := r
		cancelled.Status = protocol.RequestCancelled
		cancelled.UpdatedAt = now
		e.events.Publish(protocol.Event{
			Type:    protocol.EventRequestStatus,
			Request: &cancelled,
			At:      now,
		})
	}
}

// SweepEndOfDay locks in the closing session's stalled outcomes and
// finalizes tickets whose requests are all terminal. Stalled requests keep
// their live status value; the audit record is what fixes the day's
// outcome. Idempotent via the audit-existence check.
func (e *Escalator) SweepEndOfDay(sessionID string) {
	now := time.Now().UTC()

	stalled, err := e.store.StalledInSession(sessionID)
	if err != nil {
		e.logger.Error("eod sweep: list stalled requests", "error", err)
		return
	}
	for _, r := range stalled {
		has, err := e.store.HasAudit(r.TicketID, r.ID, string(protocol.RequestStalled))
		if err != nil {
			e.logger.Warn("eod sweep: audit check failed", "request", r.ID, "error", err)
			continue
		}
		if has {
			continue
		}
		if err := e.store.AppendAudit(r.TicketID, r.ID, string(protocol.RequestStalled), now); err != nil {
			e.logger.Warn("eod sweep: audit append failed", "request", r.ID, "error", err)
			continue
		}
		e.logger.Info("stalled outcome locked in", "ticket", r.TicketID, "request", r.ID)
	}

	open, err := e.store.OpenTickets(sessionID)
	if err != nil {
		e.logger.Error("eod sweep: list open tickets", "error", err)
		return
	}
	for _, t := range open {
		requests, err := e.store.RequestsForTicket(t.ID)
		if err != nil {
			e.logger.Warn("eod sweep: load requests failed", "ticket", t.ID, "error", err)
			continue
		}
		allTerminal := len(requests) > 0
		for _, r := range requests {
			if !r.Status.Terminal() {
				allTerminal = false
				break
			}
		}
		if !allTerminal {
			continue
		}
		status, ok := queue.DeriveTicketStatus(requests)
		if !ok {
			continue
		}
		applied, err := e.store.FinalizeTicket(t.ID, t.Status, status, "", now)
		if err != nil {
			e.logger.Warn("eod sweep: finalize failed", "ticket", t.ID, "error", err)
			continue
		}
		if !applied {
			continue
		}
		e.logger.Info("ticket finalized at day boundary", "ticket", t.DisplayNumber(), "status", status)
		done := *t
		done.Status = status
		done.Requests = requests
		e.events.Publish(protocol.Event{
			Type:   protocol.EventTicketFinalized,
			Ticket: &done,
			At:     now,
		})
	}
}
