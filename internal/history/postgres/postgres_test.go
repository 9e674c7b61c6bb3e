package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/proxyvisor/internal/events"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	now := time.Now().UTC()
	if err := sink.Send(ctx, events.StatusChanged(true, 12345, now)); err != nil {
		t.Fatalf("Failed to send status event: %v", err)
	}
	if err := sink.Send(ctx, events.ConfigChanged("/etc/mihomo/config.yaml", "external", now)); err != nil {
		t.Fatalf("Failed to send config event: %v", err)
	}

	var count int
	if err := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM engine_events").Scan(&count); err != nil {
		t.Fatalf("Failed to count engine_events: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events in history, got %d", count)
	}

	var pid int
	if err := sink.db.QueryRowContext(ctx, "SELECT pid FROM engine_events WHERE kind = $1", "statusChanged").Scan(&pid); err != nil {
		t.Fatalf("Failed to read status row: %v", err)
	}
	if pid != 12345 {
		t.Errorf("Expected pid 12345, got %d", pid)
	}

	var source string
	if err := sink.db.QueryRowContext(ctx, "SELECT source FROM engine_events WHERE kind = $1", "configChanged").Scan(&source); err != nil {
		t.Fatalf("Failed to read config row: %v", err)
	}
	if source != "external" {
		t.Errorf("Expected source external, got %q", source)
	}
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
