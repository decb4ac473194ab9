package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	apiPkg "github.com/qdesk-io/qdesk/internal/api"
	"github.com/qdesk-io/qdesk/internal/config"
	"github.com/qdesk-io/qdesk/internal/dispatch"
	"github.com/qdesk-io/qdesk/internal/escalate"
	"github.com/qdesk-io/qdesk/internal/events"
	"github.com/qdesk-io/qdesk/internal/logbuf"
	"github.com/qdesk-io/qdesk/internal/scheduler"
	"github.com/qdesk-io/qdesk/internal/store"
	"github.com/qdesk-io/qdesk/internal/window"
	"github.com/qdesk-io/qdesk/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Set up logging: JSON to stdout, everything teed into the ring
	// buffer behind GET /api/logs.
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("qdeskd starting")

	os.MkdirAll(cfg.DataDir, 0o755)
	dbPath := cfg.DataDir + "/qdesk.db"
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Error("failed to open store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Seed window definitions from config (idempotent upserts).
	for _, wc := range cfg.Windows {
		w := &protocol.Window{
			ID:          wc.ID,
			Name:        wc.Name,
			CanPriority: wc.CanPriority,
			CanRegular:  wc.CanRegular,
			Active:      true,
		}
		if err := st.CreateWindow(w); err != nil {
			logger.Error("failed to seed window", "window", wc.ID, "error", err)
			os.Exit(1)
		}
		logger.Info("window ready", "window", wc.ID, "name", wc.Name,
			"priority", wc.CanPriority, "regular", wc.CanRegular)
	}

	hub := events.NewHub(logger.With("component", "events"))

	winReg := window.New(st, hub, cfg.HeartbeatCoalesceDuration(), logger.With("component", "window"))
	monitor := window.NewMonitor(winReg, cfg.LivenessTimeoutDuration())

	disp := dispatch.New(st, hub, logger.With("component", "dispatch"))
	disp.RetryBudget = cfg.Queue.RetryBudget

	esc := escalate.New(st, hub, logger.With("component", "escalate"))
	esc.SkipThreshold = cfg.SkipThresholdDuration()

	svc := &engineService{st: st, winReg: winReg, disp: disp, esc: esc, logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One scheduler owns every periodic sweep.
	sched := scheduler.New(logger.With("component", "scheduler"))
	mustAddJob(logger, sched, "liveness-scan", cfg.Queue.LivenessSchedule, monitor.Sweep)
	mustAddJob(logger, sched, "skip-to-cancel", cfg.Queue.SkipSchedule, esc.SweepSkipped)
	mustAddJob(logger, sched, "end-of-day", cfg.Queue.EndOfDaySchedule, func() {
		// Backstop for days the external job never closed the session.
		if _, err := svc.CloseSession(); err != nil && !errors.Is(err, store.ErrNoSession) {
			logger.Error("end-of-day backstop failed", "error", err)
		}
	})
	go safeGo(logger, "scheduler", func() { sched.Start(ctx) })

	apiSrv := apiPkg.NewServer(svc, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, hub.ServeWS, logger.With("component", "api"), logBuf)
	go safeGo(logger, "api-server", func() { apiSrv.Start(ctx) })
	logger.Info("api server started", "port", cfg.API.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	logger.Info("qdeskd stopped")
}

func mustAddJob(logger *slog.Logger, sched *scheduler.Scheduler, name, schedule string, fn func()) {
	if err := sched.AddJob(name, schedule, fn); err != nil {
		logger.Error("failed to register job", "job", name, "error", err)
		os.Exit(1)
	}
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}

// engineService implements api.Service over the engine components.
type engineService struct {
	st     store.Store
	winReg *window.Registry
	disp   *dispatch.Dispatcher
	esc    *escalate.Escalator
	logger *slog.Logger
}

func (s *engineService) ClaimWindow(windowID, staffID string, shift protocol.ShiftTag) (*protocol.Assignment, error) {
	return s.winReg.Claim(windowID, staffID, shift)
}

func (s *engineService) ReleaseWindow(windowID, staffID string, shift protocol.ShiftTag) (*store.Release, error) {
	return s.winReg.Release(windowID, staffID, shift)
}

func (s *engineService) Heartbeat(windowID, staffID string) error {
	return s.winReg.Heartbeat(windowID, staffID)
}

func (s *engineService) CallNext(windowID, staffID string) (*protocol.Ticket, error) {
	return s.disp.CallNext(windowID, staffID)
}

func (s *engineService) CreateTicket(t protocol.TicketType, services []string) (*protocol.Ticket, error) {
	return s.disp.Intake(t, services)
}

func (s *engineService) SetRequestStatus(ticketID, requestID string, status protocol.RequestStatus, windowID, staffID string) (*protocol.ServiceRequest, error) {
	return s.disp.SetRequestStatus(ticketID, requestID, status, windowID, staffID)
}

func (s *engineService) FinalizeTicket(ticketID, windowID string) (*protocol.Ticket, error) {
	return s.disp.FinalizeTicket(ticketID, windowID)
}

func (s *engineService) ReopenTicket(ticketID, windowID, staffID string) (*protocol.Ticket, error) {
	return s.disp.Reopen(ticketID, windowID, staffID)
}

func (s *engineService) GetTicket(id string) (*protocol.Ticket, error) {
	return s.st.GetTicket(id)
}

func (s *engineService) WaitingQueue() ([]*protocol.Ticket, error) {
	return s.disp.ServingOrder()
}

func (s *engineService) DeferredQueue() ([]*protocol.Ticket, error) {
	sess, err := s.st.ActiveSession()
	if err != nil {
		return nil, err
	}
	return s.st.DeferredTickets(sess.ID)
}

func (s *engineService) Windows() ([]apiPkg.WindowView, error) {
	windows, err := s.st.ListWindows()
	if err != nil {
		return nil, err
	}
	shift := protocol.CurrentShift(time.Now())
	views := make([]apiPkg.WindowView, 0, len(windows))
	for _, w := range windows {
		view := apiPkg.WindowView{Window: w}
		a, err := s.st.LiveAssignment(w.ID, shift)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		view.Assignment = a
		t, err := s.st.InServiceTicket(w.ID)
		if err != nil {
			return nil, err
		}
		view.Ticket = t
		views = append(views, view)
	}
	return views, nil
}

func (s *engineService) OpenSession(date string) (*protocol.Session, error) {
	return s.st.OpenSession(date)
}

// CloseSession deactivates the session and runs the end-of-day sweep that
// locks in stalled outcomes and finalizes all-terminal tickets.
func (s *engineService) CloseSession() (*protocol.Session, error) {
	sess, err := s.st.CloseSession()
	if err != nil {
		return nil, err
	}
	s.logger.Info("session closed", "session", sess.ID, "date", sess.Date)
	s.esc.SweepEndOfDay(sess.ID)
	return sess, nil
}
