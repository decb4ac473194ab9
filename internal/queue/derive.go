package queue

import "github.com/qdesk-io/qdesk/pkg/protocol"

// DeriveTicketStatus computes a ticket's aggregate status from its service
// requests' statuses. Staff never choose the aggregate directly; finalize
// applies this function to whatever the requests say:
//
//	all completed                         → completed
//	all cancelled                         → cancelled
//	any stalled/skipped, not all terminal → deferred
//	completed+cancelled mix, none held    → partially_complete
//
// ok is false while any request is still waiting or in progress and none is
// stalled or skipped — the ticket is not finalizable yet.
func DeriveTicketStatus(requests []protocol.ServiceRequest) (status protocol.TicketStatus, ok bool) {
	if len(requests) == 0 {
		return "", false
	}
	var completed, cancelled, held, open int
	for _, r := range requests {
		switch r.Status {
		case protocol.RequestCompleted:
			completed++
		case protocol.RequestCancelled:
			cancelled++
		case protocol.RequestStalled, protocol.RequestSkipped:
			held++
		default:
			open++
		}
	}
	switch {
	case held > 0:
		return protocol.TicketDeferred, true
	case open > 0:
		return "", false
	case completed == len(requests):
		return protocol.TicketCompleted, true
	case cancelled == len(requests):
		return protocol.TicketCancelled, true
	default:
		return protocol.TicketPartial, true
	}
}

// DeferredReason picks the reason recorded on a deferred ticket: whichever
// of stalled/skipped the majority of held requests carries, ties going to
// stalled.
func DeferredReason(requests []protocol.ServiceRequest) protocol.RequestStatus {
	var stalled, skipped int
	for _, r := range requests {
		switch r.Status {
		case protocol.RequestStalled:
			stalled++
		case protocol.RequestSkipped:
			skipped++
		}
	}
	if skipped > stalled {
		return protocol.RequestSkipped
	}
	return protocol.RequestStalled
}
