package logbuf

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestBufferEviction(t *testing.T) {
	b := New(3)
	for i := 1; i <= 5; i++ {
		b.Write(Entry{Time: time.Now(), Level: "INFO", Message: fmt.Sprintf("m%d", i)})
	}

	got := b.Query(time.Time{}, slog.LevelDebug, 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].Message != "m3" || got[2].Message != "m5" {
		t.Errorf("oldest-first order broken: %s .. %s", got[0].Message, got[2].Message)
	}
}

func TestQueryFilters(t *testing.T) {
	b := New(10)
	base := time.Now()
	b.Write(Entry{Time: base.Add(-time.Hour), Level: "INFO", Message: "old"})
	b.Write(Entry{Time: base, Level: "DEBUG", Message: "chatty"})
	b.Write(Entry{Time: base, Level: "ERROR", Message: "broken"})
	b.Write(Entry{Time: base, Level: "INFO", Message: "fine"})

	got := b.Query(base.Add(-time.Minute), slog.LevelInfo, 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(got), got)
	}
	for _, e := range got {
		if e.Message == "old" || e.Message == "chatty" {
			t.Errorf("entry %q should have been filtered", e.Message)
		}
	}

	got = b.Query(time.Time{}, slog.LevelDebug, 2)
	if len(got) != 2 {
		t.Fatalf("limit not applied: %d", len(got))
	}
	if got[1].Message != "fine" {
		t.Errorf("limit must keep the newest entries, got %q last", got[1].Message)
	}
}

func TestHandlerCapturesAllLevels(t *testing.T) {
	buf := New(10)
	// Inner handler filters at WARN; the buffer still sees everything.
	inner := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn})
	logger := slog.New(NewHandler(inner, buf))

	logger.Debug("debug line")
	logger.Info("info line", "ticket", "P1")
	logger.Error("error line", "error", errors.New("boom"))

	got := buf.Query(time.Time{}, slog.LevelDebug, 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 captured entries, got %d", len(got))
	}
	if got[1].Attrs["ticket"] != "P1" {
		t.Errorf("attrs = %v", got[1].Attrs)
	}
	if got[2].Attrs["error"] != "boom" {
		t.Errorf("errors must flatten to strings, got %v", got[2].Attrs["error"])
	}
}

func TestHandlerWithAttrs(t *testing.T) {
	buf := New(10)
	inner := slog.NewTextHandler(io.Discard, nil)
	logger := slog.New(NewHandler(inner, buf)).With("component", "dispatch")

	logger.Info("claimed", "window", "w1")

	got := buf.Query(time.Time{}, slog.LevelDebug, 0)
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].Attrs["component"] != "dispatch" || got[0].Attrs["window"] != "w1" {
		t.Errorf("attrs = %v", got[0].Attrs)
	}
}
