package db

import (
	"database/sql"
	"encoding/json"
	"testing"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrate(t *testing.T) {
	db := testDB(t)

	tables := map[string]bool{}
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table'`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatal(err)
		}
		tables[name] = true
	}

	for _, want := range []string{"events", "poll_state", "goose_db_version"} {
		if !tables[want] {
			t.Errorf("table %q not created", want)
		}
	}

	// Running again is a no-op.
	if err := Migrate(db); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestLogEvent_Basic(t *testing.T) {
	db := testDB(t)

	id1, err := LogEvent(db, nil, EventProcessStarted, map[string]any{"role": "relaybot", "pid": 123})
	if err != nil {
		t.Fatal(err)
	}
	if id1 <= 0 {
		t.Errorf("expected positive id, got %d", id1)
	}

	id2, err := LogEvent(db, nil, EventUpdateReceived, map[string]any{"chat_id": 456})
	if err != nil {
		t.Fatal(err)
	}
	if id2 <= id1 {
		t.Errorf("expected id2 > id1, got %d <= %d", id2, id1)
	}

	var ts int64
	err = db.QueryRow(`SELECT timestamp FROM events WHERE id = ?`, id1).Scan(&ts)
	if err != nil {
		t.Fatal(err)
	}
	if ts == 0 {
		t.Error("expected non-zero timestamp")
	}

	var payloadStr string
	err = db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id1).Scan(&payloadStr)
	if err != nil {
		t.Fatal(err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
		t.Fatalf("invalid payload JSON: %v", err)
	}
	if payload["role"] != "relaybot" {
		t.Errorf("expected role=relaybot, got %v", payload["role"])
	}
}

func TestLogEvent_NilPayload(t *testing.T) {
	db := testDB(t)

	id, err := LogEvent(db, nil, EventCompletionCompleted, nil)
	if err != nil {
		t.Fatal(err)
	}

	var payload sql.NullString
	err = db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		t.Fatal(err)
	}
	if payload.Valid {
		t.Errorf("expected NULL payload, got %q", payload.String)
	}
}

func TestJournal_AttachesToRoot(t *testing.T) {
	db := testDB(t)

	j, err := NewJournal(db, map[string]any{"role": "relaybot"})
	if err != nil {
		t.Fatal(err)
	}
	updateID, err := j.Log(nil, EventUpdateReceived, map[string]any{"update_id": 1})
	if err != nil {
		t.Fatal(err)
	}
	childID, err := j.Log(&updateID, EventCompletionStarted, map[string]any{"family": "openai"})
	if err != nil {
		t.Fatal(err)
	}

	var parent int64
	if err := db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, updateID).Scan(&parent); err != nil {
		t.Fatal(err)
	}
	if parent != j.RootID() {
		t.Errorf("expected parent_id=%d, got %d", j.RootID(), parent)
	}
	if err := db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, childID).Scan(&parent); err != nil {
		t.Fatal(err)
	}
	if parent != updateID {
		t.Errorf("expected parent_id=%d, got %d", updateID, parent)
	}

	var rootParent sql.NullInt64
	if err := db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, j.RootID()).Scan(&rootParent); err != nil {
		t.Fatal(err)
	}
	if rootParent.Valid {
		t.Errorf("expected NULL parent_id for root event, got %d", rootParent.Int64)
	}
}

func TestOffset_RoundTrip(t *testing.T) {
	db := testDB(t)

	offset, err := LoadOffset(db)
	if err != nil {
		t.Fatal(err)
	}
	if offset != 0 {
		t.Errorf("expected 0, got %d", offset)
	}

	if err := SaveOffset(db, 101); err != nil {
		t.Fatal(err)
	}
	if err := SaveOffset(db, 205); err != nil {
		t.Fatal(err)
	}
	offset, err = LoadOffset(db)
	if err != nil {
		t.Fatal(err)
	}
	if offset != 205 {
		t.Errorf("expected 205, got %d", offset)
	}
}

func TestSubtreeAndTree(t *testing.T) {
	db := testDB(t)

	old, _ := LogEvent(db, nil, EventProcessStarted, map[string]any{"pid": 1})
	LogEvent(db, &old, EventUpdateReceived, nil)

	rootID, _ := LogEvent(db, nil, EventProcessStarted, map[string]any{"pid": 2})
	upd, _ := LogEvent(db, &rootID, EventUpdateReceived, map[string]any{"update_id": 5})
	LogEvent(db, &upd, EventCompletionStarted, nil)
	LogEvent(db, &upd, EventRequestRejected, map[string]any{"reason": "busy"})
	LogEvent(db, &rootID, EventProcessStopped, nil)

	latest, err := LatestRoot(db)
	if err != nil {
		t.Fatal(err)
	}
	if latest != rootID {
		t.Fatalf("expected latest root %d, got %d", rootID, latest)
	}

	events, err := QuerySubtree(db, rootID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events in subtree, got %d", len(events))
	}

	root := BuildTree(events, rootID)
	if root == nil || len(root.Children) != 2 {
		t.Fatalf("unexpected tree root: %#v", root)
	}
	if got := len(root.Children[0].Children); got != 2 {
		t.Errorf("expected 2 children under update, got %d", got)
	}

	n, err := CountByType(db, rootID, EventRequestRejected)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 rejection, got %d", n)
	}
}

func TestLatestRoot_Empty(t *testing.T) {
	db := testDB(t)
	if _, err := LatestRoot(db); err == nil {
		t.Fatal("expected error on empty journal")
	}
}
