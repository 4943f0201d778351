package coaching

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

// Store persists detected patterns, generated messages, and the
// feedback-driven cooldown multiplier in SQLite.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open coaching store: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate coaching store: %w", err)
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
	CREATE TABLE IF NOT EXISTS patterns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		med_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		weekday INTEGER,
		confidence REAL NOT NULL,
		window_start TEXT NOT NULL,
		window_end TEXT NOT NULL,
		description TEXT NOT NULL,
		mean_minutes_late REAL NOT NULL DEFAULT 0,
		miss_rate REAL NOT NULL DEFAULT 0,
		UNIQUE(med_id, kind, weekday)
	);
	CREATE TABLE IF NOT EXISTS coaching_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user TEXT NOT NULL,
		med_id INTEGER,
		kind TEXT NOT NULL,
		body_markdown TEXT NOT NULL,
		body_html TEXT NOT NULL,
		generated_at TEXT NOT NULL,
		not_before TEXT NOT NULL,
		delivered_at TEXT,
		read_at TEXT,
		feedback TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_coaching_messages_user ON coaching_messages(user, delivered_at);
	CREATE TABLE IF NOT EXISTS coaching_cooldowns (
		user TEXT NOT NULL,
		kind TEXT NOT NULL,
		multiplier REAL NOT NULL DEFAULT 1,
		PRIMARY KEY (user, kind)
	);
	`)
	return err
}

// UpsertPattern writes p, superseding any existing row for the same
// (med_id, kind, weekday) per spec §4.6.
func (s *Store) UpsertPattern(ctx context.Context, p Pattern) (int64, error) {
	var weekday any
	if p.Weekday != nil {
		weekday = int(*p.Weekday)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO patterns (med_id, kind, weekday, confidence, window_start, window_end, description, mean_minutes_late, miss_rate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(med_id, kind, weekday) DO UPDATE SET
			confidence = excluded.confidence,
			window_start = excluded.window_start,
			window_end = excluded.window_end,
			description = excluded.description,
			mean_minutes_late = excluded.mean_minutes_late,
			miss_rate = excluded.miss_rate
	`, p.MedID, string(p.Kind), weekday, p.Confidence,
		p.WindowStart.Format(timeFormat), p.WindowEnd.Format(timeFormat), p.Description,
		p.MeanMinutesLate, p.MissRate)
	if err != nil {
		return 0, kgerrors.Persistence{Op: "coaching.upsert_pattern", Cause: err}
	}
	if id, err := res.LastInsertId(); err == nil && id != 0 {
		return id, nil
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM patterns WHERE med_id = ? AND kind = ? AND weekday IS ?`,
		p.MedID, string(p.Kind), weekday).Scan(&id)
	if err != nil {
		return 0, kgerrors.Persistence{Op: "coaching.upsert_pattern_lookup", Cause: err}
	}
	return id, nil
}

// ListPatternsForMed returns every current pattern row for a medication.
func (s *Store) ListPatternsForMed(ctx context.Context, medID int64) ([]Pattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, med_id, kind, weekday, confidence, window_start, window_end, description, mean_minutes_late, miss_rate
		FROM patterns WHERE med_id = ?`, medID)
	if err != nil {
		return nil, kgerrors.Persistence{Op: "coaching.list_patterns", Cause: err}
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		var p Pattern
		var kind string
		var weekday sql.NullInt64
		var ws, we string
		if err := rows.Scan(&p.ID, &p.MedID, &kind, &weekday, &p.Confidence, &ws, &we, &p.Description,
			&p.MeanMinutesLate, &p.MissRate); err != nil {
			return nil, kgerrors.Persistence{Op: "coaching.scan_pattern", Cause: err}
		}
		p.Kind = PatternKind(kind)
		if weekday.Valid {
			wd := time.Weekday(weekday.Int64)
			p.Weekday = &wd
		}
		p.WindowStart, _ = time.Parse(timeFormat, ws)
		p.WindowEnd, _ = time.Parse(timeFormat, we)
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertMessage persists a newly generated coaching message.
func (s *Store) InsertMessage(ctx context.Context, m CoachingMessage) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO coaching_messages (user, med_id, kind, body_markdown, body_html, generated_at, not_before)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.User, m.MedID, string(m.Kind), m.BodyMarkdown, m.BodyHTML,
		m.GeneratedAt.Format(timeFormat), m.NotBefore.Format(timeFormat))
	if err != nil {
		return 0, kgerrors.Persistence{Op: "coaching.insert_message", Cause: err}
	}
	return res.LastInsertId()
}

// LastMessageAt returns the generated_at of the most recent message for
// a (user, kind, med_id) triple, or the zero time if none exists — used
// to evaluate the cooldown window.
func (s *Store) LastMessageAt(ctx context.Context, user string, kind MessageKind, medID *int64) (time.Time, error) {
	var generatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT generated_at FROM coaching_messages
		WHERE user = ? AND kind = ? AND med_id IS ?
		ORDER BY generated_at DESC LIMIT 1`, user, string(kind), medID).Scan(&generatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, kgerrors.Persistence{Op: "coaching.last_message_at", Cause: err}
	}
	return time.Parse(timeFormat, generatedAt)
}

// Undelivered returns messages for user that are past their not_before
// and have not yet been delivered, oldest first (spec §4.6, "pull
// endpoint").
func (s *Store) Undelivered(ctx context.Context, user string, now time.Time) ([]CoachingMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user, med_id, kind, body_markdown, body_html, generated_at, not_before, delivered_at, read_at, feedback
		FROM coaching_messages
		WHERE user = ? AND delivered_at IS NULL AND not_before <= ?
		ORDER BY generated_at ASC`, user, now.Format(timeFormat))
	if err != nil {
		return nil, kgerrors.Persistence{Op: "coaching.undelivered", Cause: err}
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]CoachingMessage, error) {
	var out []CoachingMessage
	for rows.Next() {
		var m CoachingMessage
		var medID sql.NullInt64
		var kind, generatedAt, notBefore string
		var deliveredAt, readAt, feedback sql.NullString
		if err := rows.Scan(&m.ID, &m.User, &medID, &kind, &m.BodyMarkdown, &m.BodyHTML,
			&generatedAt, &notBefore, &deliveredAt, &readAt, &feedback); err != nil {
			return nil, kgerrors.Persistence{Op: "coaching.scan_message", Cause: err}
		}
		m.Kind = MessageKind(kind)
		if medID.Valid {
			id := medID.Int64
			m.MedID = &id
		}
		m.GeneratedAt, _ = time.Parse(timeFormat, generatedAt)
		m.NotBefore, _ = time.Parse(timeFormat, notBefore)
		if deliveredAt.Valid {
			t, _ := time.Parse(timeFormat, deliveredAt.String)
			m.DeliveredAt = &t
		}
		if readAt.Valid {
			t, _ := time.Parse(timeFormat, readAt.String)
			m.ReadAt = &t
		}
		if feedback.Valid {
			f := Feedback(feedback.String)
			m.Feedback = &f
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMessage fetches a single message by id, used to recover its kind
// when a client submits feedback referencing only the message id.
func (s *Store) GetMessage(ctx context.Context, id int64) (CoachingMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user, med_id, kind, body_markdown, body_html, generated_at, not_before, delivered_at, read_at, feedback
		FROM coaching_messages WHERE id = ?`, id)
	if err != nil {
		return CoachingMessage{}, kgerrors.Persistence{Op: "coaching.get_message", Cause: err}
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return CoachingMessage{}, err
	}
	if len(msgs) == 0 {
		return CoachingMessage{}, kgerrors.NotFound{Kind: "coaching_message", ID: fmt.Sprint(id)}
	}
	return msgs[0], nil
}

// MarkDelivered stamps delivered_at the first time a client fetches a
// message (spec §4.6, "Delivery").
func (s *Store) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE coaching_messages SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL`,
		at.Format(timeFormat), id)
	if err != nil {
		return kgerrors.Persistence{Op: "coaching.mark_delivered", Cause: err}
	}
	return nil
}

// MarkRead stamps read_at.
func (s *Store) MarkRead(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE coaching_messages SET read_at = ? WHERE id = ? AND read_at IS NULL`,
		at.Format(timeFormat), id)
	if err != nil {
		return kgerrors.Persistence{Op: "coaching.mark_read", Cause: err}
	}
	return nil
}

// RecordFeedback attaches feedback to a message and, on not_helpful or
// dismissed, doubles the (user, kind) cooldown multiplier (spec §4.6,
// "Learning loop"). The engine caps the resulting cooldown at 7 days
// when applying the multiplier; the multiplier itself is unbounded.
func (s *Store) RecordFeedback(ctx context.Context, id int64, user string, kind MessageKind, fb Feedback) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kgerrors.Persistence{Op: "coaching.record_feedback_begin", Cause: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE coaching_messages SET feedback = ? WHERE id = ?`, string(fb), id); err != nil {
		return kgerrors.Persistence{Op: "coaching.record_feedback", Cause: err}
	}

	if fb == FeedbackNotHelpful || fb == FeedbackDismissed {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO coaching_cooldowns (user, kind, multiplier) VALUES (?, ?, 2)
			ON CONFLICT(user, kind) DO UPDATE SET multiplier = multiplier * 2
		`, user, string(kind)); err != nil {
			return kgerrors.Persistence{Op: "coaching.bump_cooldown", Cause: err}
		}
	}
	return tx.Commit()
}

// CooldownMultiplier returns the current multiplier for a (user, kind)
// pair, defaulting to 1 when no feedback has ever bumped it.
func (s *Store) CooldownMultiplier(ctx context.Context, user string, kind MessageKind) (float64, error) {
	var m float64
	err := s.db.QueryRowContext(ctx, `SELECT multiplier FROM coaching_cooldowns WHERE user = ? AND kind = ?`,
		user, string(kind)).Scan(&m)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 1, kgerrors.Persistence{Op: "coaching.cooldown_multiplier", Cause: err}
	}
	return m, nil
}
