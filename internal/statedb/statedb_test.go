package statedb

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tchow-twistedxcom/opencode-bridge/internal/completion"
)

func newTestDB(t *testing.T) *StateDB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db1.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := db1.SetTelegramOffset(41); err != nil {
		t.Fatalf("SetTelegramOffset: %v", err)
	}
	db1.Close()

	// Reopen and verify
	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer db2.Close()
	if err := db2.Migrate(); err != nil {
		t.Fatalf("Migrate (second run): %v", err)
	}

	offset, err := db2.TelegramOffset()
	if err != nil {
		t.Fatalf("TelegramOffset: %v", err)
	}
	if offset != 41 {
		t.Errorf("Expected offset 41 after reopen, got %d", offset)
	}

	version, _ := db2.GetMeta("schema_version")
	if version != "1" {
		t.Errorf("Expected schema_version 1, got %q", version)
	}
}

func TestTelegramOffsetNeverDecreases(t *testing.T) {
	db := newTestDB(t)

	offset, err := db.TelegramOffset()
	if err != nil {
		t.Fatalf("TelegramOffset: %v", err)
	}
	if offset != 0 {
		t.Errorf("Expected 0 for a fresh db, got %d", offset)
	}

	for _, v := range []int64{100, 250, 90} {
		if err := db.SetTelegramOffset(v); err != nil {
			t.Fatalf("SetTelegramOffset(%d): %v", v, err)
		}
	}
	offset, _ = db.TelegramOffset()
	if offset != 250 {
		t.Errorf("Expected 250 (max written), got %d", offset)
	}
}

func TestTelegramOffsetCorrupt(t *testing.T) {
	db := newTestDB(t)
	if err := db.SetMeta("telegram_offset", "not-a-number"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	if _, err := db.TelegramOffset(); err == nil {
		t.Error("Expected parse error for corrupt offset")
	}
}

func TestRecordOutcomeAndRecentDeliveries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	recs := []completion.OutcomeRecord{
		{SessionID: "ses_a", Title: "Alpha", Outcome: completion.OutcomeDeferred, Fingerprint: "1::u:user::", RetryCount: 1, At: base},
		{SessionID: "ses_a", Title: "Alpha", Outcome: completion.OutcomeSent, Fingerprint: "2::u:user|a:assistant::", AssistantKey: "a", At: base.Add(time.Second)},
		{SessionID: "ses_b", Outcome: completion.OutcomeSkippedSubagent, Detail: "parent:ses_a", At: base.Add(2 * time.Second)},
	}
	var _ completion.Journal = db
	for _, r := range recs {
		if err := db.RecordOutcome(ctx, r); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}

	all, err := db.RecentDeliveries(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentDeliveries: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(all))
	}
	if all[0].SessionID != "ses_b" || all[0].Detail != "parent:ses_a" {
		t.Errorf("Expected newest row first, got %+v", all[0])
	}

	rows, err := db.RecentDeliveries(ctx, "ses_a", 1)
	if err != nil {
		t.Fatalf("RecentDeliveries(ses_a): %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Expected 1 row with limit 1, got %d", len(rows))
	}
	got := rows[0]
	if got.Outcome != "sent" || got.AssistantKey != "a" || got.Title != "Alpha" {
		t.Errorf("Unexpected row: %+v", got)
	}
	if got.CreatedAt.UnixMilli() != base.Add(time.Second).UnixMilli() {
		t.Errorf("CreatedAt mismatch: %v", got.CreatedAt)
	}
}

func TestPruneDeliveries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	old := completion.OutcomeRecord{SessionID: "s", Outcome: completion.OutcomeSent, At: time.Now().Add(-48 * time.Hour)}
	fresh := completion.OutcomeRecord{SessionID: "s", Outcome: completion.OutcomeDuplicate, At: time.Now()}
	for _, r := range []completion.OutcomeRecord{old, fresh} {
		if err := db.RecordOutcome(ctx, r); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}

	n, err := db.PruneDeliveries(24 * time.Hour)
	if err != nil {
		t.Fatalf("PruneDeliveries: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 pruned row, got %d", n)
	}
	rows, _ := db.RecentDeliveries(ctx, "", 0)
	if len(rows) != 1 || rows[0].Outcome != "duplicate" {
		t.Errorf("Expected only the fresh row to remain, got %+v", rows)
	}
}

func TestHeartbeat(t *testing.T) {
	db := newTestDB(t)

	if err := db.RegisterInstance(true); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if err := db.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	count, err := db.AliveInstanceCount()
	if err != nil {
		t.Fatalf("AliveInstanceCount: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 alive, got %d", count)
	}

	if err := db.UnregisterInstance(); err != nil {
		t.Fatalf("UnregisterInstance: %v", err)
	}
	count, _ = db.AliveInstanceCount()
	if count != 0 {
		t.Errorf("Expected 0 alive after unregister, got %d", count)
	}
}

func TestHeartbeatCleanup(t *testing.T) {
	db := newTestDB(t)

	// Insert a fake stale heartbeat (pid=99999, heartbeat 2 minutes ago)
	stale := time.Now().Add(-2 * time.Minute).Unix()
	_, err := db.DB().Exec(
		"INSERT INTO instance_heartbeats (pid, started, heartbeat, is_primary) VALUES (?, ?, ?, ?)",
		99999, stale, stale, 0,
	)
	if err != nil {
		t.Fatalf("Insert stale: %v", err)
	}

	if err := db.RegisterInstance(false); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if err := db.CleanDeadInstances(30 * time.Second); err != nil {
		t.Fatalf("CleanDeadInstances: %v", err)
	}

	count, _ := db.AliveInstanceCount()
	if count != 1 {
		t.Errorf("Expected 1 alive after cleanup, got %d", count)
	}
}

func TestConcurrentOutcomeWrites(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := db.RecordOutcome(ctx, completion.OutcomeRecord{
					SessionID:  "ses_concurrent",
					Outcome:    completion.OutcomeChanged,
					RetryCount: n,
				}); err != nil {
					t.Errorf("RecordOutcome: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	rows, err := db.RecentDeliveries(ctx, "ses_concurrent", 1000)
	if err != nil {
		t.Fatalf("RecentDeliveries: %v", err)
	}
	if len(rows) != 80 {
		t.Errorf("Expected 80 rows, got %d", len(rows))
	}
}

func TestMetadata(t *testing.T) {
	db := newTestDB(t)

	val, err := db.GetMeta("nonexistent")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if val != "" {
		t.Errorf("Expected empty, got %q", val)
	}

	if err := db.SetMeta("test_key", "test_value"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	val, _ = db.GetMeta("test_key")
	if val != "test_value" {
		t.Errorf("Expected 'test_value', got %q", val)
	}

	if err := db.SetMeta("test_key", "new_value"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	val, _ = db.GetMeta("test_key")
	if val != "new_value" {
		t.Errorf("Expected 'new_value', got %q", val)
	}
}

func TestElectPrimary_FirstInstance(t *testing.T) {
	db := newTestDB(t)

	if err := db.RegisterInstance(false); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	isPrimary, err := db.ElectPrimary(30 * time.Second)
	if err != nil {
		t.Fatalf("ElectPrimary: %v", err)
	}
	if !isPrimary {
		t.Error("First instance should become primary")
	}

	isPrimary, err = db.ElectPrimary(30 * time.Second)
	if err != nil {
		t.Fatalf("ElectPrimary (repeat): %v", err)
	}
	if !isPrimary {
		t.Error("Should still be primary on repeat call")
	}
}

func TestElectPrimary_SecondInstance(t *testing.T) {
	db := newTestDB(t)

	// Simulate another bridge (PID 10001) as primary with fresh heartbeat
	now := time.Now().Unix()
	_, err := db.DB().Exec(
		"INSERT INTO instance_heartbeats (pid, started, heartbeat, is_primary) VALUES (?, ?, ?, ?)",
		10001, now, now, 1,
	)
	if err != nil {
		t.Fatalf("Insert primary: %v", err)
	}

	if err := db.RegisterInstance(false); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}

	isPrimary, err := db.ElectPrimary(30 * time.Second)
	if err != nil {
		t.Fatalf("ElectPrimary: %v", err)
	}
	if isPrimary {
		t.Error("Second instance should NOT become primary while first is alive")
	}
}

func TestElectPrimary_Failover(t *testing.T) {
	db := newTestDB(t)

	stale := time.Now().Add(-2 * time.Minute).Unix()
	_, err := db.DB().Exec(
		"INSERT INTO instance_heartbeats (pid, started, heartbeat, is_primary) VALUES (?, ?, ?, ?)",
		10001, stale, stale, 1,
	)
	if err != nil {
		t.Fatalf("Insert stale primary: %v", err)
	}

	if err := db.RegisterInstance(false); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}

	isPrimary, err := db.ElectPrimary(30 * time.Second)
	if err != nil {
		t.Fatalf("ElectPrimary: %v", err)
	}
	if !isPrimary {
		t.Error("Should become primary after stale primary is cleared")
	}

	var stalePrimary int
	err = db.DB().QueryRow(
		"SELECT is_primary FROM instance_heartbeats WHERE pid = 10001",
	).Scan(&stalePrimary)
	if err != nil {
		t.Fatalf("Query stale PID: %v", err)
	}
	if stalePrimary != 0 {
		t.Error("Stale PID should have is_primary=0")
	}
}

func TestResignPrimary(t *testing.T) {
	db := newTestDB(t)

	if err := db.RegisterInstance(false); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	isPrimary, err := db.ElectPrimary(30 * time.Second)
	if err != nil {
		t.Fatalf("ElectPrimary: %v", err)
	}
	if !isPrimary {
		t.Fatal("Should be primary")
	}

	if err := db.ResignPrimary(); err != nil {
		t.Fatalf("ResignPrimary: %v", err)
	}

	var isPrim int
	err = db.DB().QueryRow(
		"SELECT is_primary FROM instance_heartbeats WHERE pid = ?",
		db.pid,
	).Scan(&isPrim)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if isPrim != 0 {
		t.Error("Should not be primary after resign")
	}

	isPrimary, err = db.ElectPrimary(30 * time.Second)
	if err != nil {
		t.Fatalf("ElectPrimary after resign: %v", err)
	}
	if !isPrimary {
		t.Error("Should become primary again after resign")
	}
}

func TestMigrateFromJSON(t *testing.T) {
	db := newTestDB(t)
	jsonPath := filepath.Join(t.TempDir(), "telegram-bridge.json")
	if err := os.WriteFile(jsonPath, []byte(`{"botToken":"1:a","chatId":5,"lastUpdateId":777}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	offset, imported, err := MigrateFromJSON(jsonPath, db)
	if err != nil {
		t.Fatalf("MigrateFromJSON: %v", err)
	}
	if !imported || offset != 777 {
		t.Errorf("Expected import of 777, got offset=%d imported=%v", offset, imported)
	}
	stored, _ := db.TelegramOffset()
	if stored != 777 {
		t.Errorf("Expected stored offset 777, got %d", stored)
	}

	// Second run is a no-op even if the file changed.
	if err := os.WriteFile(jsonPath, []byte(`{"lastUpdateId":5}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, imported, err = MigrateFromJSON(jsonPath, db)
	if err != nil {
		t.Fatalf("MigrateFromJSON (second): %v", err)
	}
	if imported {
		t.Error("Expected second migration to be skipped")
	}
}

func TestMigrateFromJSONMissingAndInvalid(t *testing.T) {
	db := newTestDB(t)

	_, imported, err := MigrateFromJSON(filepath.Join(t.TempDir(), "missing.json"), db)
	if err != nil || imported {
		t.Errorf("Missing file should be a silent no-op, got imported=%v err=%v", imported, err)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, _, err := MigrateFromJSON(bad, db); err == nil {
		t.Error("Expected parse error")
	}
}
