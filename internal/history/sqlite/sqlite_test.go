package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/botctl/internal/history"
)

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	events := []history.Event{
		{Type: history.EventProvision, OccurredAt: time.Now(), Worker: "/rt/bot.py", Outcome: "ready"},
		{Type: history.EventStart, OccurredAt: time.Now(), Worker: "/rt/bot.py", PID: 4242, Outcome: "started"},
		{Type: history.EventStop, OccurredAt: time.Now(), Worker: "/rt/bot.py", PID: 4242, Outcome: "stopped"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	n, err := sink.Count(ctx, "")
	if err != nil || n != 3 {
		t.Fatalf("expected 3 events, got %d (%v)", n, err)
	}
	n, err = sink.Count(ctx, history.EventStart)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 start event, got %d (%v)", n, err)
	}

	// reopening keeps existing rows
	_ = sink.Close()
	again, err := New(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = again.Close() }()
	if n, _ := again.Count(ctx, ""); n != 3 {
		t.Fatalf("rows lost on reopen: %d", n)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	e := history.Event{Type: history.EventStart, OccurredAt: time.Now(), Worker: "bot.py", Outcome: "failed", Detail: "boom"}
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n, _ := sink.Count(context.Background(), history.EventStart); n != 1 {
		t.Fatalf("expected 1 event, got %d", n)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
