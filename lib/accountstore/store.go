// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

// Package accountstore implements the SQLite-backed account store.
//
// One row per (owner, login). Credentials are stored as plain columns;
// the activity list is stored as a JSON array in the mixed
// number-or-string form that account.ActivityList marshals to. All
// writes run in IMMEDIATE transactions so concurrent patches from the
// bot and the session layer serialize cleanly.
package accountstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/masterfarm/masterfarm/lib/account"
	"github.com/masterfarm/masterfarm/lib/clock"
	"github.com/masterfarm/masterfarm/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	owner_id      INTEGER NOT NULL,
	login         TEXT NOT NULL,
	password      TEXT NOT NULL DEFAULT '',
	token         TEXT NOT NULL DEFAULT '',
	shared_secret TEXT NOT NULL DEFAULT '',
	presence      INTEGER NOT NULL DEFAULT 1,
	activity      TEXT NOT NULL DEFAULT '[]',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (owner_id, login)
);
CREATE INDEX IF NOT EXISTS idx_accounts_owner ON accounts(owner_id);
`

// Store is the SQLite implementation of account.Store.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Config holds the parameters for opening an account store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 4 if zero or negative.
	PoolSize int

	// Clock provides timestamps for created_at/updated_at. Required.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Open creates the store, creating the database file and schema if
// needed. The caller must call Close when done.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("accountstore: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("accountstore: %w", err)
	}

	return &Store{pool: pool, clock: cfg.Clock, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

var _ account.Store = (*Store)(nil)

// Get returns the owner's account with the given login.
func (s *Store) Get(ctx context.Context, ownerID int64, login string) (account.Account, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return account.Account{}, fmt.Errorf("accountstore: get: %w", err)
	}
	defer s.pool.Put(conn)

	var found bool
	var result account.Account
	err = sqlitex.Execute(conn,
		`SELECT owner_id, login, password, token, shared_secret, presence, activity
		 FROM accounts WHERE owner_id = ? AND login = ?`,
		&sqlitex.ExecOptions{
			Args: []any{ownerID, login},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				var scanErr error
				result, scanErr = scanAccount(stmt)
				return scanErr
			},
		})
	if err != nil {
		return account.Account{}, fmt.Errorf("accountstore: get %s: %w", login, err)
	}
	if !found {
		return account.Account{}, account.ErrNotFound
	}
	return result, nil
}

// Owner returns all accounts belonging to a single owner, sorted by
// login.
func (s *Store) Owner(ctx context.Context, ownerID int64) ([]account.Account, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("accountstore: owner: %w", err)
	}
	defer s.pool.Put(conn)

	return s.selectAccounts(conn,
		`SELECT owner_id, login, password, token, shared_secret, presence, activity
		 FROM accounts WHERE owner_id = ? ORDER BY login`,
		ownerID)
}

// All returns every stored account, sorted by owner then login.
func (s *Store) All(ctx context.Context) ([]account.Account, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("accountstore: all: %w", err)
	}
	defer s.pool.Put(conn)

	return s.selectAccounts(conn,
		`SELECT owner_id, login, password, token, shared_secret, presence, activity
		 FROM accounts ORDER BY owner_id, login`)
}

func (s *Store) selectAccounts(conn *sqlite.Conn, query string, args ...any) ([]account.Account, error) {
	var accounts []account.Account
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			a, scanErr := scanAccount(stmt)
			if scanErr != nil {
				return scanErr
			}
			accounts = append(accounts, a)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("accountstore: select: %w", err)
	}
	return accounts, nil
}

// Insert stores a new account. Returns account.ErrExists if the owner
// already has an account with the same login.
func (s *Store) Insert(ctx context.Context, a account.Account) (err error) {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("accountstore: insert: %w", err)
	}

	activityJSON, err := marshalActivity(a.Activity)
	if err != nil {
		return err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("accountstore: insert: %w", err)
	}
	defer s.pool.Put(conn)

	now := s.clock.Now().Unix()
	err = sqlitex.Execute(conn,
		`INSERT INTO accounts
		 (owner_id, login, password, token, shared_secret, presence, activity, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				a.OwnerID, a.Login, a.Password, a.Token, a.SharedSecret,
				int(a.Presence), activityJSON, now, now,
			},
		})
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.ResultConstraintPrimaryKey {
			return account.ErrExists
		}
		return fmt.Errorf("accountstore: insert %s: %w", a.Login, err)
	}

	s.logger.Info("account stored", "owner", a.OwnerID, "login", a.Login)
	return nil
}

// Upsert stores the account, replacing any existing record for the
// same (owner, login). The created_at timestamp of an existing row is
// preserved.
func (s *Store) Upsert(ctx context.Context, a account.Account) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("accountstore: upsert: %w", err)
	}

	activityJSON, err := marshalActivity(a.Activity)
	if err != nil {
		return err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("accountstore: upsert: %w", err)
	}
	defer s.pool.Put(conn)

	now := s.clock.Now().Unix()
	err = sqlitex.Execute(conn,
		`INSERT INTO accounts
		 (owner_id, login, password, token, shared_secret, presence, activity, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(owner_id, login) DO UPDATE SET
		   password = excluded.password,
		   token = excluded.token,
		   shared_secret = excluded.shared_secret,
		   presence = excluded.presence,
		   activity = excluded.activity,
		   updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{
				a.OwnerID, a.Login, a.Password, a.Token, a.SharedSecret,
				int(a.Presence), activityJSON, now, now,
			},
		})
	if err != nil {
		return fmt.Errorf("accountstore: upsert %s: %w", a.Login, err)
	}
	return nil
}

// Exists reports whether the owner has an account with the given
// login.
func (s *Store) Exists(ctx context.Context, ownerID int64, login string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("accountstore: exists: %w", err)
	}
	defer s.pool.Put(conn)

	var found bool
	err = sqlitex.Execute(conn,
		"SELECT 1 FROM accounts WHERE owner_id = ? AND login = ?",
		&sqlitex.ExecOptions{
			Args: []any{ownerID, login},
			ResultFunc: func(*sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("accountstore: exists %s: %w", login, err)
	}
	return found, nil
}

// Patch applies a partial update to an existing account. Only non-nil
// fields of p are written. Returns account.ErrNotFound if no row
// matches.
func (s *Store) Patch(ctx context.Context, ownerID int64, login string, p account.Patch) (err error) {
	if p.IsZero() {
		return nil
	}

	var assignments []string
	var args []any

	if p.Password != nil {
		assignments = append(assignments, "password = ?")
		args = append(args, *p.Password)
	}
	if p.Token != nil {
		assignments = append(assignments, "token = ?")
		args = append(args, *p.Token)
	}
	if p.SharedSecret != nil {
		assignments = append(assignments, "shared_secret = ?")
		args = append(args, *p.SharedSecret)
	}
	if p.Presence != nil {
		if !p.Presence.Valid() {
			return fmt.Errorf("accountstore: patch %s: invalid persona state %d", login, int(*p.Presence))
		}
		assignments = append(assignments, "presence = ?")
		args = append(args, int(*p.Presence))
	}
	if p.Activity != nil {
		activityJSON, marshalErr := marshalActivity(*p.Activity)
		if marshalErr != nil {
			return marshalErr
		}
		assignments = append(assignments, "activity = ?")
		args = append(args, activityJSON)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("accountstore: patch: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("accountstore: patch: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	assignments = append(assignments, "updated_at = ?")
	args = append(args, s.clock.Now().Unix())
	args = append(args, ownerID, login)

	query := "UPDATE accounts SET " + strings.Join(assignments, ", ") +
		" WHERE owner_id = ? AND login = ?"
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return fmt.Errorf("accountstore: patch %s: %w", login, err)
	}
	if conn.Changes() == 0 {
		return account.ErrNotFound
	}
	return nil
}

// Remove deletes an account. Returns account.ErrNotFound if no row
// matches.
func (s *Store) Remove(ctx context.Context, ownerID int64, login string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("accountstore: remove: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM accounts WHERE owner_id = ? AND login = ?",
		&sqlitex.ExecOptions{Args: []any{ownerID, login}})
	if err != nil {
		return fmt.Errorf("accountstore: remove %s: %w", login, err)
	}
	if conn.Changes() == 0 {
		return account.ErrNotFound
	}

	s.logger.Info("account removed", "owner", ownerID, "login", login)
	return nil
}

func scanAccount(stmt *sqlite.Stmt) (account.Account, error) {
	// Columns: owner_id(0), login(1), password(2), token(3),
	// shared_secret(4), presence(5), activity(6)
	a := account.Account{
		OwnerID:      stmt.ColumnInt64(0),
		Login:        stmt.ColumnText(1),
		Password:     stmt.ColumnText(2),
		Token:        stmt.ColumnText(3),
		SharedSecret: stmt.ColumnText(4),
		Presence:     account.PersonaState(stmt.ColumnInt(5)),
	}

	activityJSON := stmt.ColumnText(6)
	if activityJSON != "" && activityJSON != "[]" {
		if err := json.Unmarshal([]byte(activityJSON), &a.Activity); err != nil {
			return a, fmt.Errorf("accountstore: unmarshal activity for %s: %w", a.Login, err)
		}
	}
	return a, nil
}

func marshalActivity(list account.ActivityList) (string, error) {
	if len(list) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("accountstore: marshal activity: %w", err)
	}
	return string(data), nil
}
