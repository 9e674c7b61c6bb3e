package history

import (
	"testing"
	"time"

	"github.com/loykin/proxyvisor/internal/events"
)

func TestRowFromStatusEvent(t *testing.T) {
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.FixedZone("X", 3600))
	r := RowFrom(events.StatusChanged(true, 4321, at))
	if r.Kind != "statusChanged" || !r.Running || r.PID != 4321 {
		t.Fatalf("unexpected row: %+v", r)
	}
	if r.Timestamp.Location() != time.UTC || !r.Timestamp.Equal(at) {
		t.Fatalf("timestamp not normalized to UTC: %v", r.Timestamp)
	}
	if r.Path != "" || r.Source != "" {
		t.Fatalf("status row should not carry config fields: %+v", r)
	}
}

func TestRowFromConfigEvent(t *testing.T) {
	r := RowFrom(events.ConfigChanged("/etc/mihomo/config.yaml", "external", time.Now()))
	if r.Kind != "configChanged" || r.Path != "/etc/mihomo/config.yaml" || r.Source != "external" {
		t.Fatalf("unexpected row: %+v", r)
	}
	if r.Running || r.PID != 0 {
		t.Fatalf("config row should not carry status fields: %+v", r)
	}
}

func TestRowFromUnknownPayload(t *testing.T) {
	r := RowFrom(events.Event{Kind: "other", Payload: 42})
	if r.Kind != "other" {
		t.Fatalf("kind = %q", r.Kind)
	}
	if r.Timestamp.IsZero() {
		t.Fatal("zero timestamp should be replaced with now")
	}
}
