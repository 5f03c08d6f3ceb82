package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/router-for-me/copilotctl/internal/auth/copilot"
	apperrors "github.com/router-for-me/copilotctl/internal/errors"
	log "github.com/sirupsen/logrus"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS copilot_credentials (
	github_user  TEXT PRIMARY KEY,
	github_token TEXT NOT NULL,
	created_at   BIGINT NOT NULL
)`

// PostgresStore keeps credentials in a PostgreSQL table shared by several hosts.
type PostgresStore struct {
	pool  *pgxpool.Pool
	locks keyedLock
}

// NewPostgresStore connects to dsn and makes sure the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidConfig, "postgres dsn is required", nil)
	}
	log.Info("connecting to the postgres credential store")
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to connect to postgres", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to reach postgres", err)
	}
	if _, err = pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to create credential table", err)
	}
	log.Info("postgres credential store connected")
	return &PostgresStore{pool: pool}, nil
}

// Save upserts cred. Rows of the same user stored with a different case are replaced.
func (s *PostgresStore) Save(ctx context.Context, cred copilot.Credential) error {
	cred, err := validateCredential(cred)
	if err != nil {
		return err
	}
	key := strings.ToLower(cred.GitHubUser)
	unlock := s.locks.lock(key)
	defer unlock()

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, errExec := tx.Exec(ctx,
			`DELETE FROM copilot_credentials WHERE lower(github_user) = $1 AND github_user <> $2`, key, cred.GitHubUser); errExec != nil {
			return errExec
		}
		_, errExec := tx.Exec(ctx, `INSERT INTO copilot_credentials (github_user, github_token, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (github_user) DO UPDATE SET github_token = EXCLUDED.github_token, created_at = EXCLUDED.created_at`,
			cred.GitHubUser, cred.GitHubToken, cred.CreatedAt)
		return errExec
	})
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrStorage, err, "failed to save credential for %s", cred.GitHubUser)
	}
	return nil
}

// Load returns the credential of user. The lookup ignores case.
func (s *PostgresStore) Load(ctx context.Context, user string) (*copilot.Credential, error) {
	key, err := userKey(user)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.lock(key)
	defer unlock()

	var cred copilot.Credential
	err = s.pool.QueryRow(ctx,
		`SELECT github_user, github_token, created_at FROM copilot_credentials
WHERE lower(github_user) = $1 ORDER BY created_at DESC LIMIT 1`, key,
	).Scan(&cred.GitHubUser, &cred.GitHubToken, &cred.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, nil, "no credential for %s", user)
	}
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrStorage, err, "failed to load credential for %s", user)
	}
	return &cred, nil
}

// Delete removes every row of user whatever its case.
func (s *PostgresStore) Delete(ctx context.Context, user string) error {
	key, err := userKey(user)
	if err != nil {
		return err
	}
	unlock := s.locks.lock(key)
	defer unlock()

	if _, err = s.pool.Exec(ctx, `DELETE FROM copilot_credentials WHERE lower(github_user) = $1`, key); err != nil {
		return apperrors.Wrapf(apperrors.ErrStorage, err, "failed to delete credential for %s", user)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]copilot.Credential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT github_user, github_token, created_at FROM copilot_credentials ORDER BY created_at DESC, github_user`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list credentials", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (copilot.Credential, error) {
		var cred copilot.Credential
		errScan := row.Scan(&cred.GitHubUser, &cred.GitHubToken, &cred.CreatedAt)
		return cred, errScan
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read credentials", err)
	}
	return dedupeCredentials(out), nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
