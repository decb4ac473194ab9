// Package queue holds the pure serving-order and status-derivation logic.
// Nothing here touches the store; callers re-invoke these functions with
// fresh state before every decision.
package queue

import "github.com/qdesk-io/qdesk/pkg/protocol"

// Interleave merges the priority and regular waiting lists into one serving
// order by strict alternation, starting from startWith: one priority, one
// regular, repeating; once either list is exhausted the remainder of the
// other is appended unchanged. Order within each input list is preserved.
//
// The result is a recommendation derived from a snapshot, never cached —
// the waiting set may change between calls, and the alternation anchor
// (startWith) comes from the most recently called ticket's type.
func Interleave(priority, regular []*protocol.Ticket, startWith protocol.TicketType) []*protocol.Ticket {
	out := make([]*protocol.Ticket, 0, len(priority)+len(regular))
	pi, ri := 0, 0
	turn := startWith
	if turn != protocol.TypeRegular {
		turn = protocol.TypePriority
	}
	for pi < len(priority) || ri < len(regular) {
		switch {
		case turn == protocol.TypePriority && pi < len(priority):
			out = append(out, priority[pi])
			pi++
		case turn == protocol.TypeRegular && ri < len(regular):
			out = append(out, regular[ri])
			ri++
		case pi < len(priority):
			out = append(out, priority[pi])
			pi++
		default:
			out = append(out, regular[ri])
			ri++
		}
		if turn == protocol.TypePriority {
			turn = protocol.TypeRegular
		} else {
			turn = protocol.TypePriority
		}
	}
	return out
}

// NextStart returns the serving class the alternation should begin with,
// given the type of the most recently called ticket in the session. A
// session with no calls yet starts with priority.
func NextStart(lastCalled protocol.TicketType) protocol.TicketType {
	if lastCalled == protocol.TypePriority {
		return protocol.TypeRegular
	}
	return protocol.TypePriority
}
