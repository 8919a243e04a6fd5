// Package store provides SQLite-backed persistence for accounts and
// biometric enrollments.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"contauth/internal/biometric"
	"contauth/internal/identity"
)

var (
	// ErrTemplateTampered is returned when a stored template does not match
	// its seal.
	ErrTemplateTampered = errors.New("store: template seal mismatch")

	// ErrSealKeyTooShort is returned by Open for keys under 32 bytes.
	ErrSealKeyTooShort = errors.New("store: seal key must be at least 32 bytes")
)

var (
	_ identity.Store          = (*Store)(nil)
	_ biometric.TemplateStore = (*Store)(nil)
)

// Options tunes the connection pool and template sealing.
type Options struct {
	MaxConnections int
	BusyTimeout    time.Duration

	// SealKey enables HMAC sealing of enrollment rows when non-empty.
	SealKey []byte
	// NoMigrate opens the database as found, for inspecting its schema.
	NoMigrate bool
}

// Store is the SQLite account and enrollment store.
type Store struct {
	db      *sql.DB
	sealKey []byte
}

// Open opens or creates the SQLite database at path, brings its schema up
// to date and checks the required tables exist.
func Open(path string, opts Options) (*Store, error) {
	if len(opts.SealKey) > 0 && len(opts.SealKey) < 32 {
		return nil, ErrSealKeyTooShort
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d",
		path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.MaxConnections > 0 {
		db.SetMaxOpenConns(opts.MaxConnections)
	}

	st := &Store{db: db, sealKey: opts.SealKey}
	if !opts.NoMigrate {
		if err := st.Migrate(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := os.Chmod(path, 0600); err != nil && !os.IsNotExist(err) {
		db.Close()
		return nil, fmt.Errorf("restrict database permissions: %w", err)
	}

	return st, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the pool for stats collection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Sealed reports whether enrollment rows are HMAC-sealed.
func (s *Store) Sealed() bool {
	return len(s.sealKey) > 0
}

// Find retrieves an account by email. It returns nil, nil when none exists.
func (s *Store) Find(ctx context.Context, email string) (*identity.Account, error) {
	var a identity.Account
	var createdAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, role, department, created_at
		FROM accounts WHERE email = ?`, identity.NormalizeEmail(email),
	).Scan(&a.ID, &a.Name, &a.Email, &a.PasswordHash, &a.Role, &a.Department, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	a.CreatedAt = time.Unix(0, createdAt).UTC()
	return &a, nil
}

// Create inserts a new account.
func (s *Store) Create(ctx context.Context, a identity.Account) (identity.Account, error) {
	a.Email = identity.NormalizeEmail(a.Email)
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, email, password_hash, role, department, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Email, a.PasswordHash, a.Role, a.Department, a.CreatedAt.UnixNano(),
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && (se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
			return identity.Account{}, identity.ErrAccountExists
		}
		return identity.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return a, nil
}

// Exists reports whether an account uses email.
func (s *Store) Exists(ctx context.Context, email string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE email = ?`, identity.NormalizeEmail(email),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count accounts: %w", err)
	}
	return n > 0, nil
}

// CountAccounts returns the number of stored accounts.
func (s *Store) CountAccounts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count accounts: %w", err)
	}
	return n, nil
}
