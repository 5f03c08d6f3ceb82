package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/router-for-me/copilotctl/internal/auth/copilot"
	apperrors "github.com/router-for-me/copilotctl/internal/errors"
	"github.com/router-for-me/copilotctl/internal/util"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// DefaultSQLiteFile is the database file name used when no DSN is configured.
const DefaultSQLiteFile = "copilot.db"

const sqliteSchema = `CREATE TABLE IF NOT EXISTS copilot_credentials (
	github_user  TEXT PRIMARY KEY,
	github_token TEXT NOT NULL,
	created_at   INTEGER NOT NULL
)`

// SQLiteStore keeps credentials in a SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	locks keyedLock
}

// NewSQLiteStore opens (and creates if needed) the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = util.ExpandHome(path)
	if path == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidConfig, "sqlite path is required", nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to create database directory", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to open sqlite database", err)
	}
	// A single connection keeps pragmas in effect and serialises writers.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", sqliteSchema} {
		if _, err = db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to initialise sqlite database", err)
		}
	}
	if err = os.Chmod(path, 0o600); err != nil {
		log.Debugf("failed to restrict permissions of %s: %v", path, err)
	}
	log.Debugf("sqlite credential store opened at %s", path)
	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file.
func (s *SQLiteStore) Path() string { return s.path }

// Save upserts cred. Rows of the same user stored with a different case are replaced.
func (s *SQLiteStore) Save(ctx context.Context, cred copilot.Credential) error {
	cred, err := validateCredential(cred)
	if err != nil {
		return err
	}
	key := strings.ToLower(cred.GitHubUser)
	unlock := s.locks.lock(key)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrStorage, err, "failed to save credential for %s", cred.GitHubUser)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM copilot_credentials WHERE lower(github_user) = ? AND github_user <> ?`, key, cred.GitHubUser); err != nil {
		return apperrors.Wrapf(apperrors.ErrStorage, err, "failed to save credential for %s", cred.GitHubUser)
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO copilot_credentials (github_user, github_token, created_at)
VALUES (?, ?, ?)
ON CONFLICT(github_user) DO UPDATE SET github_token = excluded.github_token, created_at = excluded.created_at`,
		cred.GitHubUser, cred.GitHubToken, cred.CreatedAt); err != nil {
		return apperrors.Wrapf(apperrors.ErrStorage, err, "failed to save credential for %s", cred.GitHubUser)
	}
	if err = tx.Commit(); err != nil {
		return apperrors.Wrapf(apperrors.ErrStorage, err, "failed to save credential for %s", cred.GitHubUser)
	}
	return nil
}

// Load returns the credential of user. The lookup ignores case.
func (s *SQLiteStore) Load(ctx context.Context, user string) (*copilot.Credential, error) {
	key, err := userKey(user)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.lock(key)
	defer unlock()

	var cred copilot.Credential
	err = s.db.QueryRowContext(ctx,
		`SELECT github_user, github_token, created_at FROM copilot_credentials
WHERE lower(github_user) = ? ORDER BY created_at DESC LIMIT 1`, key,
	).Scan(&cred.GitHubUser, &cred.GitHubToken, &cred.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, nil, "no credential for %s", user)
	}
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrStorage, err, "failed to load credential for %s", user)
	}
	return &cred, nil
}

// Delete removes every row of user whatever its case.
func (s *SQLiteStore) Delete(ctx context.Context, user string) error {
	key, err := userKey(user)
	if err != nil {
		return err
	}
	unlock := s.locks.lock(key)
	defer unlock()

	if _, err = s.db.ExecContext(ctx, `DELETE FROM copilot_credentials WHERE lower(github_user) = ?`, key); err != nil {
		return apperrors.Wrapf(apperrors.ErrStorage, err, "failed to delete credential for %s", user)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]copilot.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT github_user, github_token, created_at FROM copilot_credentials ORDER BY created_at DESC, github_user`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list credentials", err)
	}
	defer func() {
		if errClose := rows.Close(); errClose != nil {
			log.Errorf("failed to close rows: %v", errClose)
		}
	}()

	var out []copilot.Credential
	for rows.Next() {
		var cred copilot.Credential
		if err = rows.Scan(&cred.GitHubUser, &cred.GitHubToken, &cred.CreatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan credential", err)
		}
		out = append(out, cred)
	}
	if err = rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list credentials", err)
	}
	return dedupeCredentials(out), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close sqlite database: %w", err)
	}
	return nil
}
