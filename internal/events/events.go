// Package events fans committed state changes out to subscribed staff
// clients. Delivery is at-least-once: a subscriber that cannot drain its
// queue is dropped and re-syncs over the REST surface when it reconnects.
// All events pass through one hub lock, so updates to the same ticket reach
// every surviving subscriber in commit order.
package events

import "github.com/qdesk-io/qdesk/pkg/protocol"

// RoomGlobal receives every event except window-scoped ticket detail.
const RoomGlobal = "global"

// RoomWindow names the room carrying full ticket detail for one window.
func RoomWindow(windowID string) string {
	return "window:" + windowID
}

// Publisher is the sink every mutation path emits through.
type Publisher interface {
	Publish(e protocol.Event)
}

// Rooms returns the rooms an event is delivered to. Ticket-assigned events
// carry full detail for the winning window only; everything else goes to
// the global room so all dashboards converge.
func Rooms(e protocol.Event) []string {
	if e.Type == protocol.EventTicketAssigned {
		return []string{RoomWindow(e.WindowID)}
	}
	return []string{RoomGlobal}
}
