package protocol

import "time"

// Window is a physical service counter.
type Window struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CanPriority bool   `json:"can_priority"`
	CanRegular  bool   `json:"can_regular"`
	Active      bool   `json:"active"`
}

// AllowedTypes returns the ticket types this window may serve.
func (w *Window) AllowedTypes() []TicketType {
	var types []TicketType
	if w.CanPriority {
		types = append(types, TypePriority)
	}
	if w.CanRegular {
		types = append(types, TypeRegular)
	}
	return types
}

// ShiftTag is a coarse time-of-day bucket scoping assignment uniqueness.
type ShiftTag string

const (
	ShiftMorning   ShiftTag = "morning"
	ShiftAfternoon ShiftTag = "afternoon"
	ShiftEvening   ShiftTag = "evening"
)

// CurrentShift buckets a wall-clock time into its shift tag: morning
// before 12:00, afternoon before 17:00, evening otherwise.
func CurrentShift(t time.Time) ShiftTag {
	switch h := t.Hour(); {
	case h < 12:
		return ShiftMorning
	case h < 17:
		return ShiftAfternoon
	default:
		return ShiftEvening
	}
}

// ValidShift reports whether s is one of the known shift tags.
func ValidShift(s ShiftTag) bool {
	switch s {
	case ShiftMorning, ShiftAfternoon, ShiftEvening:
		return true
	}
	return false
}

// Assignment binds one staff member to one window for one shift.
// ReleasedAt is nil while the assignment is live; at most one live
// assignment may exist per (window, shift) pair.
type Assignment struct {
	ID            string     `json:"id"`
	WindowID      string     `json:"window_id"`
	StaffID       string     `json:"staff_id"`
	Shift         ShiftTag   `json:"shift"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	ReleasedAt    *time.Time `json:"released_at,omitempty"`
	AutoReleased  bool       `json:"auto_released,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Live reports whether the assignment still holds the window.
func (a *Assignment) Live() bool {
	return a.ReleasedAt == nil
}
