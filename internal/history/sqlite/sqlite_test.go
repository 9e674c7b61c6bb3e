package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/proxyvisor/internal/events"
)

func TestSQLiteSink_Integration(t *testing.T) {
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
	now := time.Now()
	for _, e := range []events.Event{
		events.StatusChanged(false, 0, now),
		events.StatusChanged(true, 1234, now.Add(time.Second)),
		events.ConfigChanged("/tmp/config.yaml", "store", now.Add(2*time.Second)),
	} {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s: %v", e.Kind, err)
		}
	}

	total, err := sink.Count(ctx, "")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 rows, got %d", total)
	}
	status, err := sink.Count(ctx, string(events.KindStatusChanged))
	if err != nil {
		t.Fatalf("count status: %v", err)
	}
	if status != 2 {
		t.Fatalf("expected 2 status rows, got %d", status)
	}

	var pid int
	var running bool
	row := sink.db.QueryRowContext(ctx, `SELECT pid, running FROM engine_events WHERE kind = ? ORDER BY timestamp DESC LIMIT 1`, "statusChanged")
	if err := row.Scan(&pid, &running); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if pid != 1234 || !running {
		t.Fatalf("latest status row = pid %d running %v", pid, running)
	}
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	if err := sink.Send(context.Background(), events.StatusChanged(true, 1, time.Now())); err != nil {
		t.Fatalf("send: %v", err)
	}
	n, err := sink.Count(context.Background(), "")
	if err != nil || n != 1 {
		t.Fatalf("count = %d, err = %v", n, err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
