package medication

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kiloguardian/kiloguardian/internal/kgerrors"
)

const timeFormat = time.RFC3339Nano

// Store persists medications in SQLite.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open medication store: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate medication store: %w", err)
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
	CREATE TABLE IF NOT EXISTS medications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		dosage TEXT NOT NULL,
		quantity_remaining INTEGER NOT NULL DEFAULT 0,
		low_quantity_days INTEGER NOT NULL DEFAULT 7,
		doses_per_day INTEGER NOT NULL DEFAULT 1,
		schedule_raw TEXT NOT NULL,
		timezone TEXT NOT NULL,
		prescriber TEXT,
		instructions TEXT,
		schedule_diagnostics TEXT,
		created_at TEXT NOT NULL,
		last_taken_at TEXT
	);
	`)
	return err
}

type insertFields struct {
	name, dosage, timezone, prescriber, instructions, scheduleRaw string
	quantity, lowQuantityDays, dosesPerDay                        int
	diagnostics                                                   string
}

func (s *Store) insert(ctx context.Context, f insertFields, createdAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO medications (name, dosage, quantity_remaining, low_quantity_days, doses_per_day,
			schedule_raw, timezone, prescriber, instructions, schedule_diagnostics, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.name, f.dosage, f.quantity, f.lowQuantityDays, f.dosesPerDay, f.scheduleRaw, f.timezone,
		f.prescriber, f.instructions, f.diagnostics, createdAt.Format(timeFormat))
	if err != nil {
		return 0, kgerrors.Persistence{Op: "medication.create", Cause: err}
	}
	return res.LastInsertId()
}

// Get fetches a single medication by ID.
func (s *Store) Get(ctx context.Context, id int64) (*Medication, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	m, err := scanMedication(row)
	if err == sql.ErrNoRows {
		return nil, kgerrors.NotFound{Kind: "medication", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, kgerrors.Persistence{Op: "medication.get", Cause: err}
	}
	return m, nil
}

// List returns every medication, oldest first.
func (s *Store) List(ctx context.Context) ([]*Medication, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, kgerrors.Persistence{Op: "medication.list", Cause: err}
	}
	defer rows.Close()

	var out []*Medication
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, kgerrors.Persistence{Op: "medication.list.scan", Cause: err}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// updateFields persists an edited medication. Does not touch
// quantity_remaining or last_taken_at — those are mutated exclusively by
// ApplyDoseTaken (spec §3, "mutated ... by the coordinator").
func (s *Store) updateFields(ctx context.Context, id int64, f insertFields) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE medications SET name = ?, dosage = ?, low_quantity_days = ?, doses_per_day = ?,
			schedule_raw = ?, timezone = ?, prescriber = ?, instructions = ?, schedule_diagnostics = ?
		WHERE id = ?
	`, f.name, f.dosage, f.lowQuantityDays, f.dosesPerDay, f.scheduleRaw, f.timezone,
		f.prescriber, f.instructions, f.diagnostics, id)
	if err != nil {
		return kgerrors.Persistence{Op: "medication.update", Cause: err}
	}
	return nil
}

// Delete removes a medication row. Cascading its reminders/habit is the
// Registry's job (spec §4.7), not the store's.
func (s *Store) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM medications WHERE id = ?`, id)
	if err != nil {
		return kgerrors.Persistence{Op: "medication.delete", Cause: err}
	}
	return nil
}

// ApplyDoseTaken decrements quantity_remaining by one dose, floored at
// zero, stamps last_taken_at, and reports whether the remaining supply
// has dropped at or below the low-quantity threshold. This is the
// implementation of adherence.MedicationUpdater.
func (s *Store) ApplyDoseTaken(ctx context.Context, id int64, takenAt time.Time) (remaining int, low bool, err error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return 0, false, err
	}
	remaining = m.QuantityRemaining - 1
	if remaining < 0 {
		remaining = 0
	}
	_, execErr := s.db.ExecContext(ctx, `UPDATE medications SET quantity_remaining = ?, last_taken_at = ? WHERE id = ?`,
		remaining, takenAt.Format(timeFormat), id)
	if execErr != nil {
		return 0, false, kgerrors.Persistence{Op: "medication.apply_dose_taken", Cause: execErr}
	}
	thresholdDoses := m.LowQuantityDays * m.DosesPerDay
	low = thresholdDoses > 0 && remaining <= thresholdDoses
	return remaining, low, nil
}

const selectColumns = `
	SELECT id, name, dosage, quantity_remaining, low_quantity_days, doses_per_day, schedule_raw,
	       timezone, prescriber, instructions, schedule_diagnostics, created_at, last_taken_at
	FROM medications`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMedication(row rowScanner) (*Medication, error) {
	var m Medication
	var prescriber, instructions, diagnostics sql.NullString
	var createdAt string
	var lastTakenAt sql.NullString

	if err := row.Scan(&m.ID, &m.Name, &m.Dosage, &m.QuantityRemaining, &m.LowQuantityDays, &m.DosesPerDay,
		&m.ScheduleRaw, &m.Timezone, &prescriber, &instructions, &diagnostics, &createdAt, &lastTakenAt); err != nil {
		return nil, err
	}
	m.Prescriber = prescriber.String
	m.Instructions = instructions.String
	if diagnostics.Valid && diagnostics.String != "" {
		m.ScheduleDiagnostics = splitDiagnostics(diagnostics.String)
	}

	var err error
	if m.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if lastTakenAt.Valid {
		t, err := time.Parse(timeFormat, lastTakenAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_taken_at: %w", err)
		}
		m.LastTakenAt = &t
	}
	return &m, nil
}

const diagnosticsSeparator = "\x1f" // unit separator; diagnostics text never contains it

func joinDiagnostics(diags []string) string {
	return strings.Join(diags, diagnosticsSeparator)
}

func splitDiagnostics(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, diagnosticsSeparator)
}
