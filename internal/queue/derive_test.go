package queue

import (
	"testing"

	"github.com/qdesk-io/qdesk/pkg/protocol"
)

func reqs(statuses ...protocol.RequestStatus) []protocol.ServiceRequest {
	out := make([]protocol.ServiceRequest, len(statuses))
	for i, s := range statuses {
		out[i] = protocol.ServiceRequest{Status: s}
	}
	return out
}

func TestDeriveTicketStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []protocol.RequestStatus
		want     protocol.TicketStatus
		wantOK   bool
	}{
		{"all completed", []protocol.RequestStatus{protocol.RequestCompleted, protocol.RequestCompleted}, protocol.TicketCompleted, true},
		{"all cancelled", []protocol.RequestStatus{protocol.RequestCancelled, protocol.RequestCancelled}, protocol.TicketCancelled, true},
		{"completed and cancelled mix", []protocol.RequestStatus{protocol.RequestCompleted, protocol.RequestCancelled}, protocol.TicketPartial, true},
		{"stalled forces deferred", []protocol.RequestStatus{protocol.RequestCompleted, protocol.RequestStalled}, protocol.TicketDeferred, true},
		{"skipped forces deferred", []protocol.RequestStatus{protocol.RequestSkipped, protocol.RequestCancelled}, protocol.TicketDeferred, true},
		{"single completed", []protocol.RequestStatus{protocol.RequestCompleted}, protocol.TicketCompleted, true},
		{"still in progress", []protocol.RequestStatus{protocol.RequestInService, protocol.RequestCompleted}, "", false},
		{"still waiting", []protocol.RequestStatus{protocol.RequestWaiting}, "", false},
		{"no requests", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DeriveTicketStatus(reqs(tt.statuses...))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("status = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeriveTicketStatus_Deterministic(t *testing.T) {
	in := reqs(protocol.RequestCompleted, protocol.RequestCancelled)
	first, _ := DeriveTicketStatus(in)
	for i := 0; i < 10; i++ {
		got, _ := DeriveTicketStatus(in)
		if got != first {
			t.Fatalf("derivation not deterministic: %q then %q", first, got)
		}
	}
}

func TestDeferredReason(t *testing.T) {
	tests := []struct {
		name     string
		statuses []protocol.RequestStatus
		want     protocol.RequestStatus
	}{
		{"majority skipped", []protocol.RequestStatus{protocol.RequestSkipped, protocol.RequestSkipped, protocol.RequestStalled}, protocol.RequestSkipped},
		{"majority stalled", []protocol.RequestStatus{protocol.RequestStalled, protocol.RequestStalled, protocol.RequestSkipped}, protocol.RequestStalled},
		{"tie goes to stalled", []protocol.RequestStatus{protocol.RequestSkipped, protocol.RequestStalled}, protocol.RequestStalled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeferredReason(reqs(tt.statuses...)); got != tt.want {
				t.Errorf("reason = %q, want %q", got, tt.want)
			}
		})
	}
}
