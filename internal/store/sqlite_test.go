package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/qdesk-io/qdesk/pkg/protocol"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "qdesk.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// openSession opens a session and seeds one window serving both types.
func openSession(t *testing.T, s *SQLite) *protocol.Session {
	t.Helper()
	sess, err := s.OpenSession("2026-03-02")
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	w := &protocol.Window{ID: "w1", Name: "Window 1", CanPriority: true, CanRegular: true, Active: true}
	if err := s.CreateWindow(w); err != nil {
		t.Fatalf("failed to create window: %v", err)
	}
	return sess
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.ActiveSession(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	sess, err := s.OpenSession("2026-03-02")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !sess.Active || !sess.Accepting || !sess.Serving {
		t.Errorf("new session should be active, accepting and serving: %+v", sess)
	}

	if _, err := s.OpenSession("2026-03-02"); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second open should fail with ErrSessionActive, got %v", err)
	}

	got, err := s.ActiveSession()
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("active session ID = %s, want %s", got.ID, sess.ID)
	}

	closed, err := s.CloseSession()
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Active {
		t.Error("closed session still marked active")
	}
	if _, err := s.CloseSession(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("closing twice should fail with ErrNoSession, got %v", err)
	}
}

func TestOpenSession_ConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)

	const openers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, openers)
	for i := 0; i < openers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.OpenSession("2026-03-02")
			if err == nil {
				wins <- struct{}{}
				return
			}
			if !errors.Is(err, ErrSessionActive) {
				t.Errorf("open error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(wins)

	if len(wins) != 1 {
		t.Fatalf("expected exactly one opener to win, got %d", len(wins))
	}
	var active int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE active = 1`).Scan(&active); err != nil {
		t.Fatal(err)
	}
	if active != 1 {
		t.Fatalf("expected 1 active session row, got %d", active)
	}
}

func TestCreateTicket_SequenceNumbers(t *testing.T) {
	s := newTestStore(t)
	openSession(t, s)

	p1, err := s.CreateTicket(protocol.TypePriority, []string{"transcript"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p2, _ := s.CreateTicket(protocol.TypePriority, []string{"transcript"})
	r1, _ := s.CreateTicket(protocol.TypeRegular, []string{"enrollment", "payment"})

	if p1.DisplayNumber() != "P1" || p2.DisplayNumber() != "P2" {
		t.Errorf("priority numbering broken: %s, %s", p1.DisplayNumber(), p2.DisplayNumber())
	}
	if r1.DisplayNumber() != "R1" {
		t.Errorf("regular counter should be independent, got %s", r1.DisplayNumber())
	}
	if len(r1.Requests) != 2 {
		t.Fatalf("expected 2 service requests, got %d", len(r1.Requests))
	}
	for _, req := range r1.Requests {
		if req.Status != protocol.RequestWaiting {
			t.Errorf("new request should be waiting, got %s", req.Status)
		}
	}
}

func TestCreateTicket_RequiresAcceptingSession(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateTicket(protocol.TypeRegular, []string{"x"}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	openSession(t, s)
	if _, err := s.db.Exec(`UPDATE sessions SET accepting = 0 WHERE active = 1`); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateTicket(protocol.TypeRegular, []string{"x"}); !errors.Is(err, ErrNotAccepting) {
		t.Fatalf("expected ErrNotAccepting, got %v", err)
	}
}

func TestClaimTicket_ExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	openSession(t, s)
	tick, err := s.CreateTicket(protocol.TypeRegular, []string{"x"})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	ok, err := s.ClaimTicket(tick.ID, "w1", "alice", now)
	if err != nil || !ok {
		t.Fatalf("first claim should win: ok=%v err=%v", ok, err)
	}
	ok, err = s.ClaimTicket(tick.ID, "w2", "bob", now)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second claim must lose")
	}

	got, err := s.GetTicket(tick.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != protocol.TicketInService || got.WindowID != "w1" || got.StaffID != "alice" {
		t.Errorf("claimed ticket state wrong: %+v", got)
	}
	if got.CalledAt == nil {
		t.Error("called_at not set on claim")
	}
}

func TestClaimTicket_ConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	openSession(t, s)
	tick, err := s.CreateTicket(protocol.TypeRegular, []string{"x"})
	if err != nil {
		t.Fatal(err)
	}

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			windowID := string(rune('a' + n))
			ok, err := s.ClaimTicket(tick.ID, windowID, "staff-"+windowID, time.Now())
			if err != nil {
				t.Errorf("claim error: %v", err)
				return
			}
			if ok {
				wins <- windowID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d: %v", len(winners), winners)
	}
	got, _ := s.GetTicket(tick.ID)
	if got.WindowID != winners[0] {
		t.Errorf("ticket bound to %s, but %s won", got.WindowID, winners[0])
	}
}

func TestLastCalledType(t *testing.T) {
	s := newTestStore(t)
	sess := openSession(t, s)

	typ, err := s.LastCalledType(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if typ != "" {
		t.Fatalf("fresh session should have no last called type, got %q", typ)
	}

	p, _ := s.CreateTicket(protocol.TypePriority, []string{"x"})
	r, _ := s.CreateTicket(protocol.TypeRegular, []string{"x"})

	base := time.Now()
	s.ClaimTicket(p.ID, "w1", "alice", base)
	if typ, _ = s.LastCalledType(sess.ID); typ != protocol.TypePriority {
		t.Fatalf("after calling P1, last type = %q", typ)
	}
	s.FinalizeTicket(p.ID, protocol.TicketInService, protocol.TicketCompleted, "", base.Add(time.Second))
	s.ClaimTicket(r.ID, "w1", "alice", base.Add(2*time.Second))
	if typ, _ = s.LastCalledType(sess.ID); typ != protocol.TypeRegular {
		t.Fatalf("after calling R1, last type = %q", typ)
	}
}

func TestFinalizeTicket_CompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	openSession(t, s)
	tick, _ := s.CreateTicket(protocol.TypeRegular, []string{"x"})
	s.ClaimTicket(tick.ID, "w1", "alice", time.Now())

	ok, err := s.FinalizeTicket(tick.ID, protocol.TicketWaiting, protocol.TicketCompleted, "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("finalize with stale from-status must fail")
	}

	ok, err = s.FinalizeTicket(tick.ID, protocol.TicketInService, protocol.TicketCompleted, "", time.Now())
	if err != nil || !ok {
		t.Fatalf("finalize: ok=%v err=%v", ok, err)
	}
	got, _ := s.GetTicket(tick.ID)
	if got.Status != protocol.TicketCompleted {
		t.Errorf("status = %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set on terminal status")
	}
}

func TestFinalizeTicket_DeferredKeepsWindow(t *testing.T) {
	s := newTestStore(t)
	openSession(t, s)
	tick, _ := s.CreateTicket(protocol.TypeRegular, []string{"x"})
	s.ClaimTicket(tick.ID, "w1", "alice", time.Now())

	ok, err := s.FinalizeTicket(tick.ID, protocol.TicketInService, protocol.TicketDeferred, protocol.RequestStalled, time.Now())
	if err != nil || !ok {
		t.Fatalf("defer: ok=%v err=%v", ok, err)
	}
	got, _ := s.GetTicket(tick.ID)
	if got.Status != protocol.TicketDeferred {
		t.Fatalf("status = %s", got.Status)
	}
	if got.WindowID != "w1" {
		t.Error("deferred ticket should keep its window binding for the worklist")
	}
	if got.DeferredReason != protocol.RequestStalled {
		t.Errorf("deferred reason = %q", got.DeferredReason)
	}
	if got.CompletedAt != nil {
		t.Error("deferred is not terminal, completed_at must stay unset")
	}
}

func TestReopenTicket(t *testing.T) {
	s := newTestStore(t)
	openSession(t, s)
	tick, _ := s.CreateTicket(protocol.TypeRegular, []string{"x"})
	s.ClaimTicket(tick.ID, "w1", "alice", time.Now())

	// Not deferred yet.
	ok, err := s.ReopenTicket(tick.ID, "w2", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("reopen of a non-deferred ticket must fail")
	}

	s.FinalizeTicket(tick.ID, protocol.TicketInService, protocol.TicketDeferred, protocol.RequestStalled, time.Now())
	ok, err = s.ReopenTicket(tick.ID, "w2", "bob")
	if err != nil || !ok {
		t.Fatalf("reopen: ok=%v err=%v", ok, err)
	}
	got, _ := s.GetTicket(tick.ID)
	if got.Status != protocol.TicketInService || got.WindowID != "w2" || got.StaffID != "bob" {
		t.Errorf("reopened ticket state wrong: %+v", got)
	}
}

func TestSetRequestStatus_CompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	openSession(t, s)
	tick, _ := s.CreateTicket(protocol.TypeRegular, []string{"transcript"})
	req := tick.Requests[0]

	ok, err := s.SetRequestStatus(req.ID, protocol.RequestWaiting, protocol.RequestInService, "alice", time.Now())
	if err != nil || !ok {
		t.Fatalf("advance: ok=%v err=%v", ok, err)
	}
	// Stale from-status loses.
	ok, err = s.SetRequestStatus(req.ID, protocol.RequestWaiting, protocol.RequestCompleted, "alice", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("stale from-status must lose")
	}

	reqs, err := s.RequestsForTicket(tick.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reqs[0].Status != protocol.RequestInService {
		t.Errorf("status = %s", reqs[0].Status)
	}
	if reqs[0].ProcessedBy != "alice" {
		t.Errorf("processed_by = %q", reqs[0].ProcessedBy)
	}
}

func TestWaitingByType_OrderAndExclusions(t *testing.T) {
	s := newTestStore(t)
	sess := openSession(t, s)

	r1, _ := s.CreateTicket(protocol.TypeRegular, []string{"x"})
	r2, _ := s.CreateTicket(protocol.TypeRegular, []string{"x"})
	r3, _ := s.CreateTicket(protocol.TypeRegular, []string{"x"})
	s.CreateTicket(protocol.TypePriority, []string{"x"})
	s.ClaimTicket(r2.ID, "w1", "alice", time.Now())

	waiting, err := s.WaitingByType(sess.ID, protocol.TypeRegular)
	if err != nil {
		t.Fatal(err)
	}
	if len(waiting) != 2 {
		t.Fatalf("expected 2 waiting regular tickets, got %d", len(waiting))
	}
	if waiting[0].ID != r1.ID || waiting[1].ID != r3.ID {
		t.Errorf("waiting order wrong: %s, %s", waiting[0].DisplayNumber(), waiting[1].DisplayNumber())
	}
}

func TestAssignmentClaimAndOwnership(t *testing.T) {
	s := newTestStore(t)
	openSession(t, s)

	a, err := s.ClaimAssignment("w1", "alice", protocol.ShiftMorning)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Same staff re-claim is idempotent.
	again, err := s.ClaimAssignment("w1", "alice", protocol.ShiftMorning)
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if again.ID != a.ID {
		t.Error("re-claim by the same staff should return the existing assignment")
	}

	if _, err := s.ClaimAssignment("w1", "bob", protocol.ShiftMorning); !errors.Is(err, ErrOwnership) {
		t.Fatalf("expected ErrOwnership, got %v", err)
	}

	// Different shift is a separate slot.
	if _, err := s.ClaimAssignment("w1", "bob", protocol.ShiftAfternoon); err != nil {
		t.Fatalf("afternoon claim: %v", err)
	}
}

func TestHeartbeatCoalescing(t *testing.T) {
	s := newTestStore(t)
	openSession(t, s)
	s.ClaimAssignment("w1", "alice", protocol.ShiftMorning)

	// Backdate so the first heartbeat writes.
	backdate(t, s, "w1", 2*time.Minute)

	wrote, err := s.Heartbeat("w1", "alice", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !wrote {
		t.Fatal("stale heartbeat should write")
	}
	wrote, err = s.Heartbeat("w1", "alice", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if wrote {
		t.Fatal("fresh heartbeat should coalesce")
	}

	if wrote, _ = s.Heartbeat("w1", "bob", time.Minute); wrote {
		t.Fatal("heartbeat from a non-holder must not write")
	}
}

func TestReleaseAssignment_ResetsTicket(t *testing.T) {
	s := newTestStore(t)
	openSession(t, s)
	s.ClaimAssignment("w1", "alice", protocol.ShiftMorning)
	tick, _ := s.CreateTicket(protocol.TypeRegular, []string{"x"})
	s.ClaimTicket(tick.ID, "w1", "alice", time.Now())

	if _, err := s.ReleaseAssignment("w1", "bob", protocol.ShiftMorning, false); !errors.Is(err, ErrOwnership) {
		t.Fatalf("expected ErrOwnership, got %v", err)
	}

	rel, err := s.ReleaseAssignment("w1", "alice", protocol.ShiftMorning, false)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if rel.Assignment.ReleasedAt == nil {
		t.Error("assignment not marked released")
	}
	if rel.ResetTicket == nil {
		t.Fatal("release should report the reset ticket")
	}
	if rel.ResetTicket.Status != protocol.TicketWaiting {
		t.Errorf("reset ticket status = %s", rel.ResetTicket.Status)
	}

	got, _ := s.GetTicket(tick.ID)
	if got.Status != protocol.TicketWaiting || got.WindowID != "" || got.StaffID != "" || got.CalledAt != nil {
		t.Errorf("ticket not fully reset: %+v", got)
	}

	if _, err := s.LiveAssignment("w1", protocol.ShiftMorning); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no live assignment after release, got %v", err)
	}
}

func TestReleaseIfStale(t *testing.T) {
	s := newTestStore(t)
	openSession(t, s)
	s.ClaimAssignment("w1", "alice", protocol.ShiftMorning)

	cutoff := time.Now().Add(-3 * time.Minute)
	if _, err := s.ReleaseIfStale("w1", protocol.ShiftMorning, cutoff); !errors.Is(err, ErrNotFound) {
		t.Fatalf("fresh assignment must not be reclaimed, got %v", err)
	}

	backdate(t, s, "w1", 10*time.Minute)

	stale, err := s.StaleAssignments(cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale assignment, got %d", len(stale))
	}

	rel, err := s.ReleaseIfStale("w1", protocol.ShiftMorning, cutoff)
	if err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if !rel.Assignment.AutoReleased {
		t.Error("liveness reclaim should mark auto_released")
	}
}

func TestAuditLog(t *testing.T) {
	s := newTestStore(t)

	has, err := s.HasAudit("t1", "r1", "stalled")
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Fatal("empty log should have no records")
	}
	if err := s.AppendAudit("t1", "r1", "stalled", time.Now()); err != nil {
		t.Fatal(err)
	}
	has, err = s.HasAudit("t1", "r1", "stalled")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("record not found after append")
	}
	if has, _ = s.HasAudit("t1", "r1", "skipped"); has {
		t.Fatal("status must be part of the lookup key")
	}
}

// backdate pushes a window's live heartbeat into the past.
func backdate(t *testing.T, s *SQLite, windowID string, by time.Duration) {
	t.Helper()
	_, err := s.db.Exec(
		`UPDATE window_assignments SET last_heartbeat = ? WHERE window_id = ? AND released_at IS NULL`,
		fmtTime(time.Now().Add(-by)), windowID,
	)
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}
}
