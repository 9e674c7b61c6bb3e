package factory

import (
	"path/filepath"
	"testing"
)

func TestFactoryDSNTypes(t *testing.T) {
	tests := []struct {
		name        string
		dsn         string
		expectError bool
	}{
		{"Empty DSN", "", true},
		{"Invalid scheme", "invalid://test", true},
		{"OpenSearch DSN", "opensearch://localhost:9200/engine-events", false},
		{"SQLite file DSN", "sqlite://" + filepath.Join(t.TempDir(), "a.db"), false},
		{"SQLite memory DSN", "sqlite://:memory:", false},
		{"SQLite bare path", filepath.Join(t.TempDir(), "b.db"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error for DSN %q, got nil", tt.dsn)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for DSN %q: %v", tt.dsn, err)
			}
			if sink == nil {
				t.Fatalf("expected non-nil sink for DSN %q", tt.dsn)
			}
			_ = sink.Close()
		})
	}
}

func TestParseClickHouseDSN(t *testing.T) {
	addr, db, table, err := parseClickHouseDSN("clickhouse://ch.local:9440?database=ops&table=events")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if addr != "ch.local:9440" || db != "ops" || table != "events" {
		t.Fatalf("got addr=%q db=%q table=%q", addr, db, table)
	}
	addr, db, table, err = parseClickHouseDSN("clickhouse://")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if addr != "localhost:9000" || db != "" || table != "" {
		t.Fatalf("defaults: addr=%q db=%q table=%q", addr, db, table)
	}
}

func TestParseOpenSearchDSN(t *testing.T) {
	tests := []struct {
		dsn, base, index string
	}{
		{"opensearch://localhost:9200/engine-events", "http://localhost:9200", "engine-events"},
		{"opensearch://localhost:9200", "http://localhost:9200", ""},
		{"elasticsearch://es:9200/logs?tls=true", "https://es:9200", "logs"},
	}
	for _, tt := range tests {
		base, index, err := parseOpenSearchDSN(tt.dsn)
		if err != nil {
			t.Fatalf("%s: %v", tt.dsn, err)
		}
		if base != tt.base || index != tt.index {
			t.Errorf("%s: got %q %q, want %q %q", tt.dsn, base, index, tt.base, tt.index)
		}
	}
}
