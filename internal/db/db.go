package db

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

// Process-level event types.
const (
	EventProcessStarted = "process.started"
	EventProcessStopped = "process.stopped"
	EventPollFailed     = "poll.failed"
	EventCircuitOpened  = "circuit.opened"
	EventCircuitClosed  = "circuit.closed"
)

// Per-update event types.
const (
	EventUpdateReceived      = "update.received"
	EventProviderSelected    = "provider.selected"
	EventHistoryReset        = "history.reset"
	EventCompletionStarted   = "completion.started"
	EventCompletionCompleted = "completion.completed"
	EventCompletionFailed    = "completion.failed"
	EventRequestRejected     = "request.rejected"
)

//go:embed migrations/*.sql
var migrations embed.FS

var gooseMu sync.Mutex

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// OpenReadOnly opens an existing database for inspection.
func OpenReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("db at %s: %w", path, err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	// goose keeps its base FS and dialect in package state.
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Open opens the database at path and migrates it.
func Open(path string) (*sql.DB, error) {
	database, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(database); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// LoadOffset returns the persisted polling offset, or 0 if none was saved.
func LoadOffset(database *sql.DB) (int64, error) {
	var offset int64
	err := database.QueryRow(`SELECT next_offset FROM poll_state WHERE id = 1`).Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load poll offset: %w", err)
	}
	return offset, nil
}

// SaveOffset persists the next polling offset.
func SaveOffset(database *sql.DB, offset int64) error {
	_, err := database.Exec(
		`INSERT INTO poll_state (id, next_offset, updated_at) VALUES (1, ?, unixepoch())
		 ON CONFLICT(id) DO UPDATE SET next_offset = excluded.next_offset, updated_at = excluded.updated_at`,
		offset,
	)
	if err != nil {
		return fmt.Errorf("save poll offset: %w", err)
	}
	return nil
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.Exec(
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}

// Journal logs events under a process root event.
type Journal struct {
	db     *sql.DB
	rootID *int64
}

// NewJournal writes the process.started root event and returns a journal
// whose parentless events hang off it.
func NewJournal(database *sql.DB, payload map[string]any) (*Journal, error) {
	rootID, err := LogEvent(database, nil, EventProcessStarted, payload)
	if err != nil {
		return nil, err
	}
	return &Journal{db: database, rootID: &rootID}, nil
}

// RootID returns the process.started event id.
func (j *Journal) RootID() int64 {
	return *j.rootID
}

// Log records an event. A nil parentID attaches it to the process root.
func (j *Journal) Log(parentID *int64, eventType string, payload map[string]any) (int64, error) {
	if parentID == nil {
		parentID = j.rootID
	}
	return LogEvent(j.db, parentID, eventType, payload)
}

// OffsetStore persists the polling offset in database.
type OffsetStore struct {
	DB *sql.DB
}

func (s OffsetStore) LoadOffset() (int64, error) {
	return LoadOffset(s.DB)
}

func (s OffsetStore) SaveOffset(offset int64) error {
	return SaveOffset(s.DB, offset)
}
