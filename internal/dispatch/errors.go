package dispatch

import "errors"

var (
	// ErrEmptyQueue means no waiting ticket matched the window's
	// capabilities. A normal outcome, not a failure.
	ErrEmptyQueue = errors.New("dispatch: no waiting tickets")
	// ErrContended means the retry budget was exhausted while racing
	// other windows for a candidate. The caller may resubmit.
	ErrContended = errors.New("dispatch: claim contended, try again")
	// ErrUnfinalized means the window still holds a ticket whose
	// requests are unresolved. Calling next is blocked rather than
	// silently double-assigning staff attention.
	ErrUnfinalized = errors.New("dispatch: previous ticket not finalized")
	// ErrNotServing means the active session has stopped serving.
	ErrNotServing = errors.New("dispatch: session not serving")
	// ErrBadTransition means the requested status change is not a legal
	// edge of the request state machine.
	ErrBadTransition = errors.New("dispatch: invalid status transition")
)
