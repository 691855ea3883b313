package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"scenesync/core"
)

func TestMain(m *testing.M) {
	if !CGOEnabled {
		fmt.Println("skipping sqlite store tests: CGO disabled")
		os.Exit(0)
	}

	os.Exit(m.Run())
}

func setupTestDB(t *testing.T) *rowStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	return NewRowStore(dbPath).(*rowStore)
}

func command(stamp string) json.RawMessage {
	return json.RawMessage(`{"action":"delete_multi","data":{"ids":["deco-1"]},"timestamp":"` + stamp + `"}`)
}

func TestNewRowStore_TablesCreated(t *testing.T) {
	store := setupTestDB(t)

	for _, table := range []string{"controllers", "sessions"} {
		var name string
		err := store.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("%s table not created: %v", table, err)
		}
	}
}

func TestUpsertState_InsertThenUpdate(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	change, err := store.UpsertState(ctx, "s1", json.RawMessage(`{"scene":"1"}`))
	if err != nil {
		t.Fatalf("UpsertState() failed: %v", err)
	}
	if change.Type != core.ChangeInsert {
		t.Errorf("first upsert type = %s, want INSERT", change.Type)
	}
	if change.New.UpdatedAt == 0 {
		t.Error("row image is missing updated_at")
	}

	change, err = store.UpsertState(ctx, "s1", json.RawMessage(`{"scene":"5"}`))
	if err != nil {
		t.Fatalf("UpsertState() failed: %v", err)
	}
	if change.Type != core.ChangeUpdate {
		t.Errorf("second upsert type = %s, want UPDATE", change.Type)
	}

	var count int
	if err := store.db.QueryRow("SELECT COUNT(*) FROM controllers WHERE id = 's1'").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("got %d rows for one session, want 1", count)
	}

	row, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(row.State) != `{"scene":"5"}` {
		t.Errorf("state = %s", row.State)
	}
	if row.HasCommand() {
		t.Error("fresh row should carry no command")
	}
}

func TestGet_NotFound(t *testing.T) {
	store := setupTestDB(t)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, core.ErrRowNotFound) {
		t.Errorf("Get() error = %v, want ErrRowNotFound", err)
	}
}

func TestSetCommand(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	if _, err := store.SetCommand(ctx, "s1", command("2026-01-01T00:00:00Z")); !errors.Is(err, core.ErrRowNotFound) {
		t.Errorf("SetCommand() on missing row error = %v, want ErrRowNotFound", err)
	}

	_, _ = store.UpsertState(ctx, "s1", json.RawMessage(`{}`))
	change, err := store.SetCommand(ctx, "s1", command("2026-01-01T00:00:00Z"))
	if err != nil {
		t.Fatalf("SetCommand() failed: %v", err)
	}
	if change.New.CommandStamp != "2026-01-01T00:00:00Z" {
		t.Errorf("command stamp = %q", change.New.CommandStamp)
	}
	if string(change.New.State) != `{}` {
		t.Errorf("SetCommand() changed state to %s", change.New.State)
	}
}

func TestSetCommand_Malformed(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	_, _ = store.UpsertState(ctx, "s1", json.RawMessage(`{}`))

	if _, err := store.SetCommand(ctx, "s1", json.RawMessage(`not json`)); err == nil {
		t.Error("SetCommand() should reject a malformed command")
	}
}

func TestClearCommand(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	first := "2026-01-01T00:00:00.1Z"
	second := "2026-01-01T00:00:00.2Z"

	if _, err := store.ClearCommand(ctx, "missing", ""); !errors.Is(err, core.ErrRowNotFound) {
		t.Errorf("ClearCommand() on missing row error = %v, want ErrRowNotFound", err)
	}

	_, _ = store.UpsertState(ctx, "s1", json.RawMessage(`{}`))
	_, _ = store.SetCommand(ctx, "s1", command(first))
	_, _ = store.SetCommand(ctx, "s1", command(second))

	change, err := store.ClearCommand(ctx, "s1", first)
	if err != nil {
		t.Fatalf("ClearCommand() failed: %v", err)
	}
	if change != nil {
		t.Error("stale stamp should not clear the newer command")
	}

	change, err = store.ClearCommand(ctx, "s1", second)
	if err != nil {
		t.Fatalf("ClearCommand() failed: %v", err)
	}
	if change == nil || change.New.HasCommand() {
		t.Fatal("matching stamp should clear the command")
	}

	change, err = store.ClearCommand(ctx, "s1", "")
	if err != nil || change != nil {
		t.Errorf("clearing an empty command = (%v, %v), want no-op", change, err)
	}
}

func TestClearCommand_Unconditional(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	_, _ = store.UpsertState(ctx, "s1", json.RawMessage(`{}`))
	_, _ = store.SetCommand(ctx, "s1", command("2026-01-01T00:00:00Z"))

	change, err := store.ClearCommand(ctx, "s1", "")
	if err != nil {
		t.Fatalf("ClearCommand() failed: %v", err)
	}
	if change == nil || change.New.HasCommand() {
		t.Error("empty stamp should clear any command")
	}
}

func TestSessions(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	if err := store.TouchSession(ctx, ""); err == nil {
		t.Error("TouchSession() should reject an empty id")
	}
	for _, id := range []string{"a", "b", "a"} {
		if err := store.TouchSession(ctx, id); err != nil {
			t.Fatalf("TouchSession() failed: %v", err)
		}
	}

	sessions, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions() failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("ListSessions() returned %d sessions, want 2", len(sessions))
	}
	if sessions[0].LastActive < sessions[1].LastActive {
		t.Errorf("sessions not sorted by recency: %+v", sessions)
	}
}

func TestPersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	store := NewRowStore(dbPath)
	_, _ = store.UpsertState(ctx, "s1", json.RawMessage(`{"scene":"8"}`))
	_ = store.(*rowStore).db.Close()

	reopened := NewRowStore(dbPath)
	row, err := reopened.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() after reopen failed: %v", err)
	}
	if string(row.State) != `{"scene":"8"}` {
		t.Errorf("state after reopen = %s", row.State)
	}
}
