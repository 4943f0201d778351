// Package habit is the append-only ledger of habit completions plus the
// cached streak/frequency bookkeeping the coordinator and coaching
// engine read (spec §3 "Habit"/"HabitCompletion", §4.5, §4.6).
package habit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kiloguardian/kiloguardian/internal/kgerrors"
)

const timeFormat = time.RFC3339Nano

// Frequency is how often a habit's completions are expected.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Habit tracks cached streak bookkeeping for one recurring activity,
// optionally tied to a medication.
type Habit struct {
	ID               int64
	Name             string
	Frequency        Frequency
	MedID            *int64
	CurrentStreak    int
	LongestStreak    int
	TotalCompletions int
	CreatedAt        time.Time
}

// Completion is one append-only ledger row.
type Completion struct {
	ID             int64
	HabitID        int64
	CompletionDate string // "YYYY-MM-DD" local calendar date
	Count          int
	ReminderID     *int64
	CreatedAt      time.Time
}

// Store persists habits and completions in SQLite.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open habit store: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate habit store: %w", err)
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
	CREATE TABLE IF NOT EXISTS habits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		frequency TEXT NOT NULL,
		med_id INTEGER,
		current_streak INTEGER NOT NULL DEFAULT 0,
		longest_streak INTEGER NOT NULL DEFAULT 0,
		total_completions INTEGER NOT NULL DEFAULT 0,
		last_completed_date TEXT,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS habit_completions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		habit_id INTEGER NOT NULL,
		completion_date TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 1,
		reminder_id INTEGER,
		created_at TEXT NOT NULL,
		UNIQUE(habit_id, completion_date)
	);
	CREATE INDEX IF NOT EXISTS idx_habits_med_id ON habits(med_id);
	`)
	return err
}

// Create inserts a new habit.
func (s *Store) Create(ctx context.Context, name string, freq Frequency, medID *int64, createdAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO habits (name, frequency, med_id, created_at) VALUES (?, ?, ?, ?)
	`, name, string(freq), medID, createdAt.Format(timeFormat))
	if err != nil {
		return 0, kgerrors.Persistence{Op: "habit.create", Cause: err}
	}
	return res.LastInsertId()
}

// Get fetches a habit by ID.
func (s *Store) Get(ctx context.Context, id int64) (*Habit, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, frequency, med_id, current_streak, longest_streak, total_completions, created_at
		FROM habits WHERE id = ?`, id)
	return scanHabit(row)
}

// GetForMed returns the habit linked to a medication, if any.
func (s *Store) GetForMed(ctx context.Context, medID int64) (*Habit, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, frequency, med_id, current_streak, longest_streak, total_completions, created_at
		FROM habits WHERE med_id = ?`, medID)
	h, err := scanHabit(row)
	if err != nil {
		var notFound kgerrors.NotFound
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	return h, nil
}

// List returns every habit, most recently created first (spec §6, `GET
// /habits`).
func (s *Store) List(ctx context.Context) ([]*Habit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, frequency, med_id, current_streak, longest_streak, total_completions, created_at
		FROM habits ORDER BY created_at DESC`)
	if err != nil {
		return nil, kgerrors.Persistence{Op: "habit.list", Cause: err}
	}
	defer rows.Close()

	var out []*Habit
	for rows.Next() {
		h, err := scanHabit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Update edits a habit's name and frequency (spec §6, `PUT /habits/{id}`).
func (s *Store) Update(ctx context.Context, id int64, name string, freq Frequency) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE habits SET name = ?, frequency = ? WHERE id = ?`, name, string(freq), id)
	if err != nil {
		return kgerrors.Persistence{Op: "habit.update", Cause: err}
	}
	return nil
}

// Delete removes a habit.
func (s *Store) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM habits WHERE id = ?`, id)
	if err != nil {
		return kgerrors.Persistence{Op: "habit.delete", Cause: err}
	}
	return nil
}

// RecordCompletion upserts a completion for (habitID, date): a second
// completion for the same date increments count rather than inserting a
// duplicate row (spec §3 "HabitCompletion" invariant). It also updates
// the habit's cached streak/total bookkeeping. reminderID is nil for
// manual completions.
func (s *Store) RecordCompletion(ctx context.Context, habitID int64, date string, reminderID *int64, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kgerrors.Persistence{Op: "habit.record_completion.begin", Cause: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE habit_completions SET count = count + 1 WHERE habit_id = ? AND completion_date = ?
	`, habitID, date)
	if err != nil {
		return kgerrors.Persistence{Op: "habit.record_completion.update", Cause: err}
	}
	affected, _ := res.RowsAffected()
	isNewDay := affected == 0
	if isNewDay {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO habit_completions (habit_id, completion_date, count, reminder_id, created_at)
			VALUES (?, ?, 1, ?, ?)
		`, habitID, date, reminderID, now.Format(timeFormat)); err != nil {
			return kgerrors.Persistence{Op: "habit.record_completion.insert", Cause: err}
		}
	}

	if isNewDay {
		var currentStreak int
		var lastDate sql.NullString
		if err := tx.QueryRowContext(ctx,
			`SELECT current_streak, last_completed_date FROM habits WHERE id = ?`, habitID,
		).Scan(&currentStreak, &lastDate); err != nil {
			return kgerrors.Persistence{Op: "habit.record_completion.lookup", Cause: err}
		}

		// Gap-aware streak update (spec §4.8): a completion the day
		// after the last one extends the streak; any other gap (or no
		// prior completion) starts a fresh streak of 1.
		newStreak := 1
		if lastDate.Valid && consecutiveDay(lastDate.String, date) {
			newStreak = currentStreak + 1
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE habits SET
				total_completions = total_completions + 1,
				current_streak = ?,
				longest_streak = MAX(longest_streak, ?),
				last_completed_date = ?
			WHERE id = ?
		`, newStreak, newStreak, date, habitID); err != nil {
			return kgerrors.Persistence{Op: "habit.record_completion.streak", Cause: err}
		}
	}

	return tx.Commit()
}

// consecutiveDay reports whether date is exactly the calendar day after
// prev. Both are "YYYY-MM-DD" local dates; a malformed value is treated
// as non-consecutive so the streak resets rather than panics.
func consecutiveDay(prev, date string) bool {
	p, err := time.Parse("2006-01-02", prev)
	if err != nil {
		return false
	}
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return false
	}
	return d.Sub(p) == 24*time.Hour
}

// BreakStreak resets current_streak to zero without touching totals,
// called by the coordinator when a dose is marked missed.
func (s *Store) BreakStreak(ctx context.Context, habitID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE habits SET current_streak = 0 WHERE id = ?`, habitID)
	if err != nil {
		return kgerrors.Persistence{Op: "habit.break_streak", Cause: err}
	}
	return nil
}

// ListCompletions returns completions for a habit between two calendar
// dates (inclusive), used for adherence-rate and coaching calculations.
func (s *Store) ListCompletions(ctx context.Context, habitID int64, fromDate, toDate string) ([]Completion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, habit_id, completion_date, count, reminder_id, created_at
		FROM habit_completions WHERE habit_id = ? AND completion_date BETWEEN ? AND ?
		ORDER BY completion_date ASC
	`, habitID, fromDate, toDate)
	if err != nil {
		return nil, kgerrors.Persistence{Op: "habit.list_completions", Cause: err}
	}
	defer rows.Close()

	var out []Completion
	for rows.Next() {
		var c Completion
		var reminderID sql.NullInt64
		var createdAt string
		if err := rows.Scan(&c.ID, &c.HabitID, &c.CompletionDate, &c.Count, &reminderID, &createdAt); err != nil {
			return nil, kgerrors.Persistence{Op: "habit.list_completions.scan", Cause: err}
		}
		if reminderID.Valid {
			v := reminderID.Int64
			c.ReminderID = &v
		}
		c.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHabit(row rowScanner) (*Habit, error) {
	var h Habit
	var medID sql.NullInt64
	var freq, createdAt string
	if err := row.Scan(&h.ID, &h.Name, &freq, &medID, &h.CurrentStreak, &h.LongestStreak, &h.TotalCompletions, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, kgerrors.NotFound{Kind: "habit"}
		}
		return nil, kgerrors.Persistence{Op: "habit.scan", Cause: err}
	}
	h.Frequency = Frequency(freq)
	if medID.Valid {
		v := medID.Int64
		h.MedID = &v
	}
	h.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return &h, nil
}
