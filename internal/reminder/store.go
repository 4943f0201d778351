package reminder

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kiloguardian/kiloguardian/internal/kgerrors"
)

const timeFormat = time.RFC3339Nano

// Store persists reminders in SQLite with per-row durability (spec §4.2,
// "strong per-row durability (flush on commit)").
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a reminder store at path and runs
// its migration.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open reminder store: %w", err)
	}
	db.SetMaxOpenConns(1) // claim_due relies on SQLite's own serialization

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate reminder store: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the store's database is reachable, used by the
// gateway's /admin/status fan-out (spec §4.9).
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	PRAGMA journal_mode = WAL;
	CREATE TABLE IF NOT EXISTS reminders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		med_id INTEGER,
		habit_id INTEGER,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		firing_time TEXT NOT NULL,
		timezone TEXT NOT NULL,
		recurrence TEXT NOT NULL,
		cadence_raw TEXT NOT NULL,
		state TEXT NOT NULL,
		fired_at TEXT,
		confirmed_at TEXT,
		snooze_count INTEGER NOT NULL DEFAULT 0,
		grace_window_minutes INTEGER NOT NULL DEFAULT 30,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reminders_state_firing ON reminders(state, firing_time);
	CREATE INDEX IF NOT EXISTS idx_reminders_med_id ON reminders(med_id);
	`)
	return err
}

// Spec is what the scheduler/registry supply to create a new reminder
// row (spec §4.2, create(spec, med_id, habit_id)).
type Spec struct {
	MedID              *int64
	HabitID            *int64
	Title              string
	Description        string
	FiringTime         time.Time
	Timezone           string
	Recurrence         Recurrence
	CadenceRaw         string
	GraceWindowMinutes int
}

// Create inserts a new scheduled reminder and returns its ID. For
// recurring specs, callers create only the next scheduled row — Create
// itself has no opinion about recurrence chains beyond persisting one row.
func (s *Store) Create(ctx context.Context, spec Spec, createdAt time.Time) (int64, error) {
	grace := spec.GraceWindowMinutes
	if grace <= 0 {
		grace = DefaultGraceWindowMinutes
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reminders (med_id, habit_id, title, description, firing_time, timezone, recurrence, cadence_raw, state, snooze_count, grace_window_minutes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, spec.MedID, spec.HabitID, spec.Title, spec.Description, spec.FiringTime.Format(timeFormat), spec.Timezone,
		string(spec.Recurrence), spec.CadenceRaw, string(StateScheduled), grace, createdAt.Format(timeFormat))
	if err != nil {
		return 0, kgerrors.Persistence{Op: "reminder.create", Cause: err}
	}
	return res.LastInsertId()
}

// Get fetches a single reminder by ID.
func (s *Store) Get(ctx context.Context, id int64) (*Reminder, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return nil, kgerrors.NotFound{Kind: "reminder", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, kgerrors.Persistence{Op: "reminder.get", Cause: err}
	}
	return r, nil
}

// ClaimDue atomically transitions up to limit scheduled reminders whose
// firing_time <= now to fired, returning them. This is the sole claim
// primitive (spec §4.2): the transaction serializes concurrent callers,
// so double-claim is impossible.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Reminder, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, kgerrors.Persistence{Op: "reminder.claim_due.begin", Cause: err}
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM reminders
		WHERE state = ? AND firing_time <= ?
		ORDER BY firing_time ASC
		LIMIT ?
	`, string(StateScheduled), now.Format(timeFormat), limit)
	if err != nil {
		return nil, kgerrors.Persistence{Op: "reminder.claim_due.select", Cause: err}
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, kgerrors.Persistence{Op: "reminder.claim_due.scan", Cause: err}
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, kgerrors.Persistence{Op: "reminder.claim_due.rows", Cause: err}
	}

	claimed := make([]*Reminder, 0, len(ids))
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE reminders SET state = ?, fired_at = ? WHERE id = ? AND state = ?
		`, string(StateFired), now.Format(timeFormat), id, string(StateScheduled)); err != nil {
			return nil, kgerrors.Persistence{Op: "reminder.claim_due.update", Cause: err}
		}
		row := tx.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
		r, err := scanReminder(row)
		if err != nil {
			return nil, kgerrors.Persistence{Op: "reminder.claim_due.reread", Cause: err}
		}
		claimed = append(claimed, r)
	}

	if err := tx.Commit(); err != nil {
		return nil, kgerrors.Persistence{Op: "reminder.claim_due.commit", Cause: err}
	}
	return claimed, nil
}

// MarkConfirmed transitions a reminder to confirmed, idempotently:
// re-invocation with the same target returns the existing row unchanged.
// Confirming from missed is permitted (late confirmation) but the caller
// is expected to log the reclassification (spec §4.2 invariants).
func (s *Store) MarkConfirmed(ctx context.Context, id int64, at time.Time) (*Reminder, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.State == StateConfirmed {
		return existing, nil
	}
	if existing.State != StateFired && existing.State != StateMissed {
		return nil, kgerrors.Conflict{Kind: "reminder", ID: fmt.Sprint(id), CurrentState: string(existing.State), Reason: "confirm requires fired or missed"}
	}
	_, err = s.db.ExecContext(ctx, `UPDATE reminders SET state = ?, confirmed_at = ? WHERE id = ?`,
		string(StateConfirmed), at.Format(timeFormat), id)
	if err != nil {
		return nil, kgerrors.Persistence{Op: "reminder.mark_confirmed", Cause: err}
	}
	return s.Get(ctx, id)
}

// MarkMissed transitions a fired reminder whose grace deadline elapsed
// into missed. Idempotent: already-missed is a no-op.
func (s *Store) MarkMissed(ctx context.Context, id int64) (*Reminder, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.State == StateMissed {
		return existing, nil
	}
	if existing.State != StateFired {
		return nil, kgerrors.Conflict{Kind: "reminder", ID: fmt.Sprint(id), CurrentState: string(existing.State), Reason: "mark_missed requires fired"}
	}
	_, err = s.db.ExecContext(ctx, `UPDATE reminders SET state = ? WHERE id = ?`, string(StateMissed), id)
	if err != nil {
		return nil, kgerrors.Persistence{Op: "reminder.mark_missed", Cause: err}
	}
	return s.Get(ctx, id)
}

// Snooze rewrites the canonical firing time, bumps snooze_count, and
// resets state to scheduled. Precondition: fired and snooze_count below
// the configured max (enforced by the caller, spec §4.5).
func (s *Store) Snooze(ctx context.Context, id int64, newFiringTime time.Time) (*Reminder, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.State == StateScheduled && existing.FiringTime.Equal(newFiringTime) {
		return existing, nil // idempotent re-invocation
	}
	if existing.State != StateFired {
		return nil, kgerrors.Conflict{Kind: "reminder", ID: fmt.Sprint(id), CurrentState: string(existing.State), Reason: "snooze requires fired"}
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE reminders SET state = ?, firing_time = ?, snooze_count = snooze_count + 1, fired_at = NULL
		WHERE id = ?
	`, string(StateScheduled), newFiringTime.Format(timeFormat), id)
	if err != nil {
		return nil, kgerrors.Persistence{Op: "reminder.snooze", Cause: err}
	}
	return s.Get(ctx, id)
}

// CascadeDeleteForMed deletes every reminder belonging to medID.
func (s *Store) CascadeDeleteForMed(ctx context.Context, medID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE med_id = ?`, medID)
	if err != nil {
		return kgerrors.Persistence{Op: "reminder.cascade_delete_for_med", Cause: err}
	}
	return nil
}

// CancelScheduledForMed deletes only the pending scheduled row(s) for a
// medication, leaving fired/confirmed/missed history intact. Used by the
// registry when a schedule edit needs to retire the old "next" firing
// and replace it with one from the new cadence (spec §4.7).
func (s *Store) CancelScheduledForMed(ctx context.Context, medID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE med_id = ? AND state = ?`, medID, string(StateScheduled))
	if err != nil {
		return kgerrors.Persistence{Op: "reminder.cancel_scheduled_for_med", Cause: err}
	}
	return nil
}

// List returns every reminder, most recently created first (spec §6,
// `GET /reminders`).
func (s *Store) List(ctx context.Context) ([]*Reminder, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, kgerrors.Persistence{Op: "reminder.list", Cause: err}
	}
	defer rows.Close()
	return scanReminders(rows)
}

// Delete removes a single reminder regardless of state (spec §6, `DELETE
// /reminders/{id}`). Unlike CascadeDeleteForMed this never touches its
// sibling rows in the same recurrence chain.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id); err != nil {
		return kgerrors.Persistence{Op: "reminder.delete", Cause: err}
	}
	return nil
}

// ListScheduledForMed returns every reminder in state scheduled for a
// medication, used to enforce the "exactly one scheduled row per chain"
// invariant (spec §3, §8) in tests and reconciliation.
func (s *Store) ListScheduledForMed(ctx context.Context, medID int64) ([]*Reminder, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE med_id = ? AND state = ?`, medID, string(StateScheduled))
	if err != nil {
		return nil, kgerrors.Persistence{Op: "reminder.list_scheduled_for_med", Cause: err}
	}
	defer rows.Close()
	return scanReminders(rows)
}

// ListFiredBeforeDeadline returns every fired reminder whose grace
// deadline (fired_at + grace_window_minutes) has already elapsed as of
// now — used on startup to reconcile stale fired rows into missed
// (spec §4.9, "Quiescence and restart").
func (s *Store) ListFiredBeforeDeadline(ctx context.Context, now time.Time) ([]*Reminder, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE state = ?`, string(StateFired))
	if err != nil {
		return nil, kgerrors.Persistence{Op: "reminder.list_fired", Cause: err}
	}
	defer rows.Close()
	all, err := scanReminders(rows)
	if err != nil {
		return nil, err
	}
	var due []*Reminder
	for _, r := range all {
		if r.FiredAt == nil {
			continue
		}
		deadline := r.FiredAt.Add(time.Duration(r.GraceWindowMinutes) * time.Minute)
		if !deadline.After(now) {
			due = append(due, r)
		}
	}
	return due, nil
}

// ListFiredStillWithinGrace returns fired reminders whose grace deadline
// has not yet elapsed, so the grace-deadline worker can re-arm them on
// restart (spec §4.9).
func (s *Store) ListFiredStillWithinGrace(ctx context.Context, now time.Time) ([]*Reminder, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE state = ?`, string(StateFired))
	if err != nil {
		return nil, kgerrors.Persistence{Op: "reminder.list_fired", Cause: err}
	}
	defer rows.Close()
	all, err := scanReminders(rows)
	if err != nil {
		return nil, err
	}
	var within []*Reminder
	for _, r := range all {
		if r.FiredAt == nil {
			continue
		}
		deadline := r.FiredAt.Add(time.Duration(r.GraceWindowMinutes) * time.Minute)
		if deadline.After(now) {
			within = append(within, r)
		}
	}
	return within, nil
}

const selectColumns = `
	SELECT id, med_id, habit_id, title, description, firing_time, timezone, recurrence, cadence_raw, state,
	       fired_at, confirmed_at, snooze_count, grace_window_minutes, created_at
	FROM reminders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (*Reminder, error) {
	var r Reminder
	var medID, habitID sql.NullInt64
	var firingTime, createdAt string
	var firedAt, confirmedAt sql.NullString
	var recurrence, state string

	if err := row.Scan(&r.ID, &medID, &habitID, &r.Title, &r.Description, &firingTime, &r.Timezone, &recurrence, &r.CadenceRaw,
		&state, &firedAt, &confirmedAt, &r.SnoozeCount, &r.GraceWindowMinutes, &createdAt); err != nil {
		return nil, err
	}

	if medID.Valid {
		v := medID.Int64
		r.MedID = &v
	}
	if habitID.Valid {
		v := habitID.Int64
		r.HabitID = &v
	}
	r.Recurrence = Recurrence(recurrence)
	r.State = State(state)

	var err error
	if r.FiringTime, err = time.Parse(timeFormat, firingTime); err != nil {
		return nil, fmt.Errorf("parse firing_time: %w", err)
	}
	if r.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if firedAt.Valid {
		t, err := time.Parse(timeFormat, firedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse fired_at: %w", err)
		}
		r.FiredAt = &t
	}
	if confirmedAt.Valid {
		t, err := time.Parse(timeFormat, confirmedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse confirmed_at: %w", err)
		}
		r.ConfirmedAt = &t
	}
	return &r, nil
}

func scanReminders(rows *sql.Rows) ([]*Reminder, error) {
	var out []*Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
