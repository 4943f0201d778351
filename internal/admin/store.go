package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kiloguardian/kiloguardian/internal/kgerrors"
)

const timeFormat = time.RFC3339Nano

// scopeSeparator joins a token's scopes into one TEXT column, the same
// way internal/medication joins schedule diagnostics.
const scopeSeparator = "\x1f"

func joinScopes(scopes []Scope) string { return strings.Join(stringsOf(scopes), scopeSeparator) }

func splitScopes(s string) []Scope {
	if s == "" {
		return nil
	}
	return scopesOf(strings.Split(s, scopeSeparator))
}

// Store persists admin tokens in SQLite.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open admin store: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate admin store: %w", err)
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
	CREATE TABLE IF NOT EXISTS admin_tokens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label TEXT NOT NULL,
		secret_hash TEXT NOT NULL,
		scopes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		revoked_at TEXT,
		last_used_at TEXT
	);
	`)
	return err
}

// count returns how many tokens (including revoked ones) exist.
func (s *Store) count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_tokens`).Scan(&n)
	if err != nil {
		return 0, kgerrors.Persistence{Op: "admin.count", Cause: err}
	}
	return n, nil
}

// issueWithSecret inserts a new token row using an already-known
// plaintext secret (used by Bootstrap, which is handed one from
// configuration rather than generating it).
func (s *Store) issueWithSecret(ctx context.Context, label string, scopes []Scope, secret string, now time.Time) (Token, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return Token{}, fmt.Errorf("hash admin token secret: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_tokens (label, secret_hash, scopes, created_at) VALUES (?, ?, ?, ?)`,
		label, string(hash), joinScopes(scopes), now.Format(timeFormat))
	if err != nil {
		return Token{}, kgerrors.Persistence{Op: "admin.issue", Cause: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Token{}, kgerrors.Persistence{Op: "admin.issue_id", Cause: err}
	}
	return Token{ID: id, Label: label, Scopes: scopes, CreatedAt: now}, nil
}

// Bootstrap seeds a single admin token from a configured plaintext
// value the first time the store is ever opened (spec §6,
// "admin_token (bootstrap token; hashed on first use)"). A no-op once
// any token already exists.
func (s *Store) Bootstrap(ctx context.Context, plaintext string, now time.Time) error {
	if plaintext == "" {
		return nil
	}
	n, err := s.count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = s.issueWithSecret(ctx, "bootstrap", []Scope{ScopeRead, ScopeWrite}, plaintext, now)
	return err
}

// Issue generates a new random token, persists its bcrypt hash, and
// returns the metadata plus the one-time plaintext to hand to the
// caller. The plaintext is never stored or recoverable afterward.
func (s *Store) Issue(ctx context.Context, label string, scopes []Scope, now time.Time) (Token, string, error) {
	secret, err := newSecret()
	if err != nil {
		return Token{}, "", err
	}
	tok, err := s.issueWithSecret(ctx, label, scopes, secret, now)
	if err != nil {
		return Token{}, "", err
	}
	return tok, composeToken(tok.ID, secret), nil
}

// List returns every token's metadata, most recently created first.
func (s *Store) List(ctx context.Context) ([]Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, scopes, created_at, revoked_at, last_used_at
		FROM admin_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, kgerrors.Persistence{Op: "admin.list", Cause: err}
	}
	defer rows.Close()
	return scanTokens(rows)
}

func scanTokens(rows *sql.Rows) ([]Token, error) {
	var out []Token
	for rows.Next() {
		var t Token
		var scopes, createdAt string
		var revokedAt, lastUsedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.Label, &scopes, &createdAt, &revokedAt, &lastUsedAt); err != nil {
			return nil, kgerrors.Persistence{Op: "admin.scan", Cause: err}
		}
		t.Scopes = splitScopes(scopes)
		t.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		if revokedAt.Valid {
			v, _ := time.Parse(timeFormat, revokedAt.String)
			t.RevokedAt = &v
		}
		if lastUsedAt.Valid {
			v, _ := time.Parse(timeFormat, lastUsedAt.String)
			t.LastUsedAt = &v
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// get loads one row's full state, including its secret hash, by id.
func (s *Store) get(ctx context.Context, id int64) (Token, string, error) {
	var t Token
	var scopes, createdAt, hash string
	var revokedAt, lastUsedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, label, secret_hash, scopes, created_at, revoked_at, last_used_at
		FROM admin_tokens WHERE id = ?`, id).Scan(
		&t.ID, &t.Label, &hash, &scopes, &createdAt, &revokedAt, &lastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, "", kgerrors.NotFound{Kind: "admin_token", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return Token{}, "", kgerrors.Persistence{Op: "admin.get", Cause: err}
	}
	t.Scopes = splitScopes(scopes)
	t.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	if revokedAt.Valid {
		v, _ := time.Parse(timeFormat, revokedAt.String)
		t.RevokedAt = &v
	}
	if lastUsedAt.Valid {
		v, _ := time.Parse(timeFormat, lastUsedAt.String)
		t.LastUsedAt = &v
	}
	return t, hash, nil
}

// Revoke marks a token unusable. Idempotent.
func (s *Store) Revoke(ctx context.Context, id int64, now time.Time) error {
	if _, _, err := s.get(ctx, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE admin_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		now.Format(timeFormat), id)
	if err != nil {
		return kgerrors.Persistence{Op: "admin.revoke", Cause: err}
	}
	return nil
}

func (s *Store) touchLastUsed(ctx context.Context, id int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE admin_tokens SET last_used_at = ? WHERE id = ?`, now.Format(timeFormat), id)
	if err != nil {
		return kgerrors.Persistence{Op: "admin.touch", Cause: err}
	}
	return nil
}

// ErrInvalidToken is returned by Validate for any unrecognized,
// revoked, or non-matching token. It deliberately carries no detail
// about which of those applies, so a caller can't distinguish "wrong
// secret" from "unknown id" by probing.
var ErrInvalidToken = errors.New("invalid admin token")

// Validate checks presented against the store, returning the token's
// metadata on success. Comparison against the stored hash is always
// via bcrypt.CompareHashAndPassword, which runs in constant time with
// respect to the secret (spec §4.9, "bcrypt-hashed at rest;
// constant-time comparison on validation").
func (s *Store) Validate(ctx context.Context, presented string, now time.Time) (Token, error) {
	if id, secret, ok := splitToken(presented); ok {
		tok, hash, err := s.get(ctx, id)
		if err != nil {
			return Token{}, ErrInvalidToken
		}
		return s.checkAndTouch(ctx, tok, hash, secret, now)
	}

	// No embedded id (the bootstrap token is handed out as a bare
	// plaintext value) — fall back to checking every active token.
	tokens, err := s.List(ctx)
	if err != nil {
		return Token{}, err
	}
	for _, tok := range tokens {
		if !tok.Active() {
			continue
		}
		_, hash, err := s.get(ctx, tok.ID)
		if err != nil {
			continue
		}
		if result, err := s.checkAndTouch(ctx, tok, hash, presented, now); err == nil {
			return result, nil
		}
	}
	return Token{}, ErrInvalidToken
}

func (s *Store) checkAndTouch(ctx context.Context, tok Token, hash, secret string, now time.Time) (Token, error) {
	if !tok.Active() {
		return Token{}, ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return Token{}, ErrInvalidToken
	}
	if err := s.touchLastUsed(ctx, tok.ID, now); err != nil {
		return Token{}, err
	}
	tok.LastUsedAt = &now
	return tok, nil
}
