package protocol

import "time"

// Session is a single day's serving period. Exactly one session is active
// at a time; the daily job opens one at day start and closes it at day end.
// The per-type sequence counters live on the session row.
type Session struct {
	ID          string    `json:"id"`
	Date        string    `json:"date"` // YYYY-MM-DD
	PrioritySeq int64     `json:"priority_seq"`
	RegularSeq  int64     `json:"regular_seq"`
	Active      bool      `json:"active"`
	Accepting   bool      `json:"accepting"`
	Serving     bool      `json:"serving"`
	CreatedAt   time.Time `json:"created_at"`
}
