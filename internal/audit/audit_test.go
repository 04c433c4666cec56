package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/plcnet/plcnode/internal/modbus"
)

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "oracle", DSN: ":memory:"}); err == nil {
		t.Fatal("expected an error for an unknown driver")
	}
}

func TestRecordAndRecentRoundTripSQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "audit.db")
	store, err := Open(Config{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	events := []Event{
		{NodeID: 1, ConnectionID: 2, Timestamp: base, FromStatus: modbus.Running, ToStatus: modbus.Done},
		{NodeID: 1, ConnectionID: 2, Timestamp: base.Add(time.Second), FromStatus: modbus.Done, ToStatus: modbus.Running},
	}
	for _, ev := range events {
		if err := store.Record(ctx, ev); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recent, err := store.Recent(ctx, 1, 2, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("want 2 events, got %d", len(recent))
	}
	if recent[0].ToStatus != modbus.Running {
		t.Errorf("want newest-first ordering, got %+v", recent[0])
	}
}

func TestRebindLeavesSqliteAndMysqlQueriesUnchanged(t *testing.T) {
	s := &Store{postgres: false}
	q := "SELECT * FROM t WHERE a = ? AND b = ?"
	if got := s.rebind(q); got != q {
		t.Errorf("want unchanged query, got %q", got)
	}
}

func TestRebindConvertsPlaceholdersForPostgres(t *testing.T) {
	s := &Store{postgres: true}
	got := s.rebind("SELECT * FROM t WHERE a = ? AND b = ?")
	want := "SELECT * FROM t WHERE a = $1 AND b = $2"
	if got != want {
		t.Errorf("want %q, got %q", want, got)
	}
}
