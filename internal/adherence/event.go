package adherence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kiloguardian/kiloguardian/internal/kgerrors"
)

const timeFormat = time.RFC3339Nano

// EventKind is the kind of an AdherenceEvent (spec §3 "AdherenceEvent").
type EventKind string

const (
	EventTaken   EventKind = "taken"
	EventMissed  EventKind = "missed"
	EventSnoozed EventKind = "snoozed"
	EventLate    EventKind = "late"
)

// Event is an append-only adherence record. Never mutated after insert.
type Event struct {
	ID           int64
	MedID        *int64
	ReminderID   int64
	Kind         EventKind
	ScheduledAt  time.Time
	ActualAt     *time.Time
	MinutesLate  *int
	CreatedAt    time.Time
	Metadata     map[string]any
}

// EventStore persists AdherenceEvents.
type EventStore struct {
	db *sql.DB
}

func OpenEventStore(path string) (*EventStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open adherence event store: %w", err)
	}
	s := &EventStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate adherence event store: %w", err)
	}
	return s, nil
}

func (s *EventStore) Close() error { return s.db.Close() }

// Ping reports whether the store's database is reachable, used by the
// gateway's /admin/status fan-out (spec §4.9).
func (s *EventStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *EventStore) migrate() error {
	_, err := s.db.Exec(`
	PRAGMA journal_mode = WAL;
	CREATE TABLE IF NOT EXISTS adherence_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		med_id INTEGER,
		reminder_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		actual_at TEXT,
		minutes_late INTEGER,
		created_at TEXT NOT NULL,
		metadata_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_adherence_events_med_id ON adherence_events(med_id, created_at);
	`)
	return err
}

// AppendTx inserts a new event within an existing transaction, so callers
// can make it part of the same atomic unit as the reminder/habit/quantity
// writes (spec §4.5 "Atomicity requirement").
func AppendTx(ctx context.Context, tx *sql.Tx, e Event, now time.Time) (int64, error) {
	var metaJSON []byte
	if e.Metadata != nil {
		var err error
		metaJSON, err = json.Marshal(e.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal adherence event metadata: %w", err)
		}
	}

	var actualAt sql.NullString
	if e.ActualAt != nil {
		actualAt = sql.NullString{String: e.ActualAt.Format(timeFormat), Valid: true}
	}
	var minutesLate sql.NullInt64
	if e.MinutesLate != nil {
		minutesLate = sql.NullInt64{Int64: int64(*e.MinutesLate), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO adherence_events (med_id, reminder_id, kind, scheduled_at, actual_at, minutes_late, created_at, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.MedID, e.ReminderID, string(e.Kind), e.ScheduledAt.Format(timeFormat), actualAt, minutesLate,
		now.Format(timeFormat), string(metaJSON))
	if err != nil {
		return 0, kgerrors.Persistence{Op: "adherence_event.append", Cause: err}
	}
	return res.LastInsertId()
}

// ListForMed returns a medication's most recent `limit` events ordered
// newest-first; the gateway's adherence-rate endpoint reads it.
func (s *EventStore) ListForMed(ctx context.Context, medID int64, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, med_id, reminder_id, kind, scheduled_at, actual_at, minutes_late, created_at, metadata_json
		FROM adherence_events WHERE med_id = ? ORDER BY created_at DESC LIMIT ?
	`, medID, limit)
	if err != nil {
		return nil, kgerrors.Persistence{Op: "adherence_event.list_for_med", Cause: err}
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var e Event
	var medID sql.NullInt64
	var kind, scheduledAt, createdAt string
	var actualAt sql.NullString
	var minutesLate sql.NullInt64
	var metaJSON sql.NullString

	if err := rows.Scan(&e.ID, &medID, &e.ReminderID, &kind, &scheduledAt, &actualAt, &minutesLate, &createdAt, &metaJSON); err != nil {
		return e, kgerrors.Persistence{Op: "adherence_event.scan", Cause: err}
	}
	if medID.Valid {
		v := medID.Int64
		e.MedID = &v
	}
	e.Kind = EventKind(kind)
	var err error
	if e.ScheduledAt, err = time.Parse(timeFormat, scheduledAt); err != nil {
		return e, fmt.Errorf("parse scheduled_at: %w", err)
	}
	if e.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return e, fmt.Errorf("parse created_at: %w", err)
	}
	if actualAt.Valid {
		t, err := time.Parse(timeFormat, actualAt.String)
		if err != nil {
			return e, fmt.Errorf("parse actual_at: %w", err)
		}
		e.ActualAt = &t
	}
	if minutesLate.Valid {
		v := int(minutesLate.Int64)
		e.MinutesLate = &v
	}
	if metaJSON.Valid && metaJSON.String != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(metaJSON.String), &m); err == nil {
			e.Metadata = m
		}
	}
	return e, nil
}

// DB exposes the underlying *sql.DB so the coordinator can open
// transactions that span both reminder-state and event-append writes
// when both live in the same physical database file. When they don't
// (separate store files), the coordinator instead appends the event in
// its own short transaction immediately after committing the reminder
// write, accepting the narrow non-atomicity window spec §4.5 tolerates
// only for that boundary ("the publish happens after commit").
func (s *EventStore) DB() *sql.DB { return s.db }
