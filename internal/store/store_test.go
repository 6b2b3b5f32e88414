package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/atailh4n/sentryd/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAllTablesExist(t *testing.T) {
	s := openTestStore(t)
	for _, name := range []string{"alerts", "blocks", "devices", "trusted", "log_events", "schema_migrations"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&count)
		if err != nil {
			t.Fatalf("check table %s: %v", name, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", name)
		}
	}
}

func TestMigrationIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestAddAndListAlerts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.AddAlert(ctx, models.Alert{SrcIP: "203.0.113.5", Label: "anomaly", Severity: models.SeverityHigh, Kind: models.AlertKindAnomaly})
	if err != nil {
		t.Fatalf("add alert: %v", err)
	}
	if a.ID == "" || a.Ts.IsZero() {
		t.Fatalf("add alert did not assign id/ts: %+v", a)
	}

	list, err := s.ListAlerts(ctx, 10, "", "")
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(list) != 1 || list[0].ID != a.ID {
		t.Fatalf("list alerts = %+v, want one row matching %s", list, a.ID)
	}
}

func TestListAlertsKeysetPagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		err := s.InsertAlert(ctx, models.Alert{
			ID: fmt.Sprintf("a-%d", i), Ts: base.Add(time.Duration(i) * time.Minute),
			SrcIP: "10.0.0.1", Label: "x", Severity: models.SeverityLow, Kind: models.AlertKindOther,
		})
		if err != nil {
			t.Fatalf("insert alert %d: %v", i, err)
		}
	}

	firstPage, err := s.ListAlerts(ctx, 2, "", "")
	if err != nil {
		t.Fatalf("list page 1: %v", err)
	}
	if len(firstPage) != 2 || firstPage[0].ID != "a-4" || firstPage[1].ID != "a-3" {
		t.Fatalf("page 1 = %+v, want [a-4 a-3]", firstPage)
	}

	last := firstPage[len(firstPage)-1]
	secondPage, err := s.ListAlerts(ctx, 2, formatTs(last.Ts), last.ID)
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(secondPage) != 2 || secondPage[0].ID != "a-2" || secondPage[1].ID != "a-1" {
		t.Fatalf("page 2 = %+v, want [a-2 a-1]", secondPage)
	}
}

func formatTs(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func TestBlockDeleteThenReblockIdempotence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.AddBlock(ctx, models.BlockAction{IP: "198.51.100.9", Action: models.ActionBlock, Reason: "first"}); err != nil {
		t.Fatalf("first block: %v", err)
	}
	if _, err := s.AddBlock(ctx, models.BlockAction{IP: "198.51.100.9", Action: models.ActionUnblock, Reason: "lifted"}); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if err := s.DeleteActionByIP(ctx, "198.51.100.9"); err != nil {
		t.Fatalf("delete action by ip: %v", err)
	}
	if _, err := s.AddBlock(ctx, models.BlockAction{IP: "198.51.100.9", Action: models.ActionBlock, Reason: "second"}); err != nil {
		t.Fatalf("second block: %v", err)
	}

	rows, err := s.ListBlocks(ctx, 100)
	if err != nil {
		t.Fatalf("list blocks: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d block rows after delete-then-reblock, want exactly 1", len(rows))
	}
	if rows[0].Reason != "second" {
		t.Errorf("surviving row reason = %q, want %q", rows[0].Reason, "second")
	}
}

func TestExpireBansInsertsExactlyOneUnblockPerExpiredIP(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	expiresAt := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	if _, err := s.AddBlock(ctx, models.BlockAction{IP: "203.0.113.77", Action: models.ActionBlock, Reason: "auto-high", ExpiresAt: &expiresAt}); err != nil {
		t.Fatalf("add block: %v", err)
	}
	// A second IP with no expiry must not be touched.
	if _, err := s.AddBlock(ctx, models.BlockAction{IP: "203.0.113.1", Action: models.ActionBlock, Reason: "permanent"}); err != nil {
		t.Fatalf("add permanent block: %v", err)
	}

	now := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	expired, err := s.ExpireBans(ctx, now)
	if err != nil {
		t.Fatalf("expire bans: %v", err)
	}
	if len(expired) != 1 || expired[0] != "203.0.113.77" {
		t.Fatalf("expired = %+v, want [203.0.113.77]", expired)
	}

	latest, ok, err := s.LatestActionByIP(ctx, "203.0.113.77")
	if err != nil {
		t.Fatalf("latest action: %v", err)
	}
	if !ok || latest.Action != models.ActionUnblock || latest.Reason != "auto-expired" {
		t.Fatalf("latest action for expired ip = %+v, want unblock/auto-expired", latest)
	}

	latestOther, ok, err := s.LatestActionByIP(ctx, "203.0.113.1")
	if err != nil {
		t.Fatalf("latest action for other ip: %v", err)
	}
	if !ok || latestOther.Action != models.ActionBlock {
		t.Fatalf("unexpired ip should still be blocked, got %+v", latestOther)
	}

	// Running again should be a no-op: the unblock row is already latest.
	expiredAgain, err := s.ExpireBans(ctx, now)
	if err != nil {
		t.Fatalf("expire bans again: %v", err)
	}
	if len(expiredAgain) != 0 {
		t.Fatalf("second expire pass = %+v, want none", expiredAgain)
	}
}

func TestRecordDeviceBlankNameDoesNotErasePriorName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordDevice(ctx, models.Device{IP: "192.168.1.50", Name: "printer"}); err != nil {
		t.Fatalf("record device: %v", err)
	}
	if err := s.RecordDevice(ctx, models.Device{IP: "192.168.1.50", Name: ""}); err != nil {
		t.Fatalf("record device blank name: %v", err)
	}

	devices, err := s.ListDevices(ctx)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(devices) != 1 || devices[0].Name != "printer" {
		t.Fatalf("devices = %+v, want name to remain %q", devices, "printer")
	}
}

func TestRecordDeviceBlankIPIgnored(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordDevice(ctx, models.Device{IP: ""}); err != nil {
		t.Fatalf("record device blank ip: %v", err)
	}
	devices, err := s.ListDevices(ctx)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("devices = %+v, want none recorded for blank ip", devices)
	}
}

func TestUpsertTrustedIPEscapesNoteOnWrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertTrustedIP(ctx, "10.0.0.5", "<script>alert(1)</script>"); err != nil {
		t.Fatalf("upsert trusted: %v", err)
	}

	trusted, err := s.IsTrusted(ctx, "10.0.0.5")
	if err != nil {
		t.Fatalf("is trusted: %v", err)
	}
	if !trusted {
		t.Fatal("expected 10.0.0.5 to be trusted")
	}

	list, err := s.ListTrusted(ctx)
	if err != nil {
		t.Fatalf("list trusted: %v", err)
	}
	if len(list) != 1 || list[0].Note == "<script>alert(1)</script>" {
		t.Fatalf("trusted note was not HTML-escaped on write: %+v", list)
	}
}

func TestWipeAllClearsEveryTable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.AddAlert(ctx, models.Alert{SrcIP: "1.2.3.4", Label: "x", Severity: models.SeverityLow, Kind: models.AlertKindOther})
	s.AddBlock(ctx, models.BlockAction{IP: "1.2.3.4", Action: models.ActionBlock, Reason: "x"})
	s.RecordDevice(ctx, models.Device{IP: "1.2.3.4"})
	s.UpsertTrustedIP(ctx, "1.2.3.4", "note")

	if err := s.WipeAll(ctx); err != nil {
		t.Fatalf("wipe all: %v", err)
	}

	alerts, _ := s.ListAlerts(ctx, 10, "", "")
	blocks, _ := s.ListBlocks(ctx, 10)
	devices, _ := s.ListDevices(ctx)
	trusted, _ := s.ListTrusted(ctx)
	if len(alerts)+len(blocks)+len(devices)+len(trusted) != 0 {
		t.Fatalf("expected all tables empty after wipe, got alerts=%d blocks=%d devices=%d trusted=%d",
			len(alerts), len(blocks), len(devices), len(trusted))
	}
}

func TestLogEventFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.AddLogEvent(ctx, models.LogEvent{Level: "info", Source: "monitor", Message: "started"})
	s.AddLogEvent(ctx, models.LogEvent{Level: "error", Source: "firewall", Message: "block failed", SrcIP: "10.0.0.9"})
	s.AddLogEvent(ctx, models.LogEvent{Level: "error", Source: "monitor", Message: "decision scoring failed"})

	errorsOnly, err := s.ListLogEventsFiltered(ctx, LogEventFilter{Level: "error"})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(errorsOnly) != 2 {
		t.Fatalf("errorsOnly = %+v, want 2 rows", errorsOnly)
	}

	monitorErrors, err := s.ListLogEventsFiltered(ctx, LogEventFilter{Level: "error", Source: "monitor"})
	if err != nil {
		t.Fatalf("list filtered by level+source: %v", err)
	}
	if len(monitorErrors) != 1 || monitorErrors[0].Message != "decision scoring failed" {
		t.Fatalf("monitorErrors = %+v, want one row about decision scoring", monitorErrors)
	}
}

func TestIntegrityCheckOK(t *testing.T) {
	s := openTestStore(t)
	result, err := s.IntegrityCheck(context.Background())
	if err != nil {
		t.Fatalf("integrity check: %v", err)
	}
	if result != "ok" {
		t.Fatalf("integrity check = %q, want ok", result)
	}
}

func TestBackupSnapshotIsIntegrityClean(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.AddAlert(ctx, models.Alert{SrcIP: "1.2.3.4", Label: "x", Severity: models.SeverityLow, Kind: models.AlertKindOther})

	data, err := s.BackupSnapshot(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("backup snapshot: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("backup snapshot returned no bytes")
	}

	path := t.TempDir() + "/snapshot.db"
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	snap, err := Open(path)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer snap.Close()

	result, err := snap.IntegrityCheck(ctx)
	if err != nil {
		t.Fatalf("snapshot integrity check: %v", err)
	}
	if result != "ok" {
		t.Fatalf("snapshot integrity check = %q, want ok", result)
	}

	alerts, err := snap.ListAlerts(ctx, 10, "", "")
	if err != nil {
		t.Fatalf("list alerts from snapshot: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("snapshot has %d alerts, want 1", len(alerts))
	}
}

func TestConcurrentAlertInsertsAreAllUniqueAndCountMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const perWriter = 20
	var wg sync.WaitGroup
	errCh := make(chan error, 2*perWriter)

	writer := func(prefix string) {
		defer wg.Done()
		for i := 0; i < perWriter; i++ {
			err := s.InsertAlert(ctx, models.Alert{
				ID: fmt.Sprintf("%s-%d", prefix, i), Ts: time.Now().UTC(),
				SrcIP: "10.1.1.1", Label: "x", Severity: models.SeverityLow, Kind: models.AlertKindOther,
			})
			if err != nil {
				errCh <- err
			}
		}
	}

	wg.Add(2)
	go writer("w1")
	go writer("w2")

	var maxSeen int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 30; i++ {
			list, err := s.ListAlerts(ctx, 100, "", "")
			if err != nil {
				errCh <- err
				return
			}
			if len(list) < maxSeen {
				errCh <- fmt.Errorf("observed alert count decreased: %d after %d", len(list), maxSeen)
				return
			}
			maxSeen = len(list)
		}
	}()

	wg.Wait()
	<-done
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent store error: %v", err)
	}

	final, err := s.ListAlerts(ctx, 1000, "", "")
	if err != nil {
		t.Fatalf("final list: %v", err)
	}
	if len(final) != 2*perWriter {
		t.Fatalf("final alert count = %d, want %d", len(final), 2*perWriter)
	}
	seen := make(map[string]bool, len(final))
	for _, a := range final {
		if seen[a.ID] {
			t.Fatalf("duplicate alert id %s", a.ID)
		}
		seen[a.ID] = true
	}

	result, err := s.IntegrityCheck(ctx)
	if err != nil {
		t.Fatalf("integrity check: %v", err)
	}
	if result != "ok" {
		t.Fatalf("integrity check after concurrent writes = %q, want ok", result)
	}
}
