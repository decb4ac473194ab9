package window

import (
	"errors"
	"time"

	"github.com/qdesk-io/qdesk/internal/store"
	"github.com/qdesk-io/qdesk/pkg/protocol"
)

// Monitor reclaims window occupancy whose heartbeats have gone quiet.
type Monitor struct {
	reg     *Registry
	timeout time.Duration
}

// NewMonitor creates a liveness monitor with the given heartbeat timeout.
func NewMonitor(reg *Registry, timeout time.Duration) *Monitor {
	return &Monitor{reg: reg, timeout: timeout}
}

// Sweep releases every live assignment whose last heartbeat is older than
// the timeout, exactly as a manual release would, and emits the
// distinguishable auto-released event naming the affected staff member.
// One assignment's failure never aborts the sweep.
func (m *Monitor) Sweep() {
	cutoff := time.Now().UTC().Add(-m.timeout)
	stale, err := m.reg.store.StaleAssignments(cutoff)
	if err != nil {
		m.reg.logger.Error("liveness sweep: list stale assignments", "error", err)
		return
	}
	for _, a := range stale {
		rel, err := m.reg.store.ReleaseIfStale(a.WindowID, a.Shift, cutoff)
		if errors.Is(err, store.ErrNotFound) {
			// Raced with a manual release or a returning heartbeat.
			continue
		}
		if err != nil {
			m.reg.logger.Warn("liveness sweep: release failed",
				"window", a.WindowID, "staff", a.StaffID, "error", err)
			continue
		}
		m.reg.logger.Info("assignment auto-released due to inactivity",
			"window", a.WindowID, "staff", a.StaffID,
			"last_heartbeat", a.LastHeartbeat)
		m.reg.publishRelease(protocol.EventWindowAutoReleased, rel)
	}
}
