// Package postgres implements the store interfaces on PostgreSQL via pgx.
//
// Schema (applied by [Store.EnsureSchema]):
//
//	users(email PK, augmentos_settings JSONB, running_apps TEXT[],
//	      app_settings JSONB)
//	apps(package_name PK, name, public_url, is_system_app, settings JSONB,
//	     api_key_hash)
//	installed_apps(email, package_name, PRIMARY KEY(email, package_name))
package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lenslab/lenscloud/internal/store"
)

// Store implements [store.UserStore] and [store.AppStore] on a pgx pool.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn and pings it.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping probes connectivity; used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS users (
	    email               TEXT PRIMARY KEY,
	    augmentos_settings  JSONB NOT NULL DEFAULT '{}',
	    running_apps        TEXT[] NOT NULL DEFAULT '{}',
	    app_settings        JSONB NOT NULL DEFAULT '{}'
	);
	CREATE TABLE IF NOT EXISTS apps (
	    package_name  TEXT PRIMARY KEY,
	    name          TEXT NOT NULL DEFAULT '',
	    public_url    TEXT NOT NULL DEFAULT '',
	    is_system_app BOOLEAN NOT NULL DEFAULT FALSE,
	    settings      JSONB NOT NULL DEFAULT '[]',
	    api_key_hash  TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS installed_apps (
	    email        TEXT NOT NULL,
	    package_name TEXT NOT NULL,
	    PRIMARY KEY (email, package_name)
	);`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

// GetUser implements [store.UserStore].
func (s *Store) GetUser(ctx context.Context, email string) (store.User, error) {
	const q = `
		SELECT email, augmentos_settings, running_apps, app_settings
		FROM   users
		WHERE  email = $1`

	var u store.User
	err := s.pool.QueryRow(ctx, q, email).Scan(
		&u.Email, &u.AugmentosSettings, &u.RunningApps, &u.AppSettings,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.User{}, store.ErrNotFound
	}
	if err != nil {
		return store.User{}, fmt.Errorf("postgres: get user: %w", err)
	}
	return u, nil
}

// AddRunningApp implements [store.UserStore].
func (s *Store) AddRunningApp(ctx context.Context, email, packageName string) error {
	const q = `
		UPDATE users
		SET    running_apps = array_append(running_apps, $2)
		WHERE  email = $1
		  AND  NOT ($2 = ANY(running_apps))`

	if _, err := s.pool.Exec(ctx, q, email, packageName); err != nil {
		return fmt.Errorf("postgres: add running app: %w", err)
	}
	return nil
}

// RemoveRunningApp implements [store.UserStore].
func (s *Store) RemoveRunningApp(ctx context.Context, email, packageName string) error {
	const q = `
		UPDATE users
		SET    running_apps = array_remove(running_apps, $2)
		WHERE  email = $1`

	if _, err := s.pool.Exec(ctx, q, email, packageName); err != nil {
		return fmt.Errorf("postgres: remove running app: %w", err)
	}
	return nil
}

// UpdateSettings implements [store.UserStore]. Changed keys are merged into
// the JSONB blob server-side.
func (s *Store) UpdateSettings(ctx context.Context, email string, changed map[string]any) error {
	const q = `
		UPDATE users
		SET    augmentos_settings = augmentos_settings || $2::jsonb
		WHERE  email = $1`

	if _, err := s.pool.Exec(ctx, q, email, changed); err != nil {
		return fmt.Errorf("postgres: update settings: %w", err)
	}
	return nil
}

// GetApp implements [store.AppStore].
func (s *Store) GetApp(ctx context.Context, packageName string) (store.App, error) {
	const q = `
		SELECT package_name, name, public_url, is_system_app, settings
		FROM   apps
		WHERE  package_name = $1`

	var a store.App
	err := s.pool.QueryRow(ctx, q, packageName).Scan(
		&a.PackageName, &a.Name, &a.PublicURL, &a.IsSystemApp, &a.Settings,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.App{}, store.ErrNotFound
	}
	if err != nil {
		return store.App{}, fmt.Errorf("postgres: get app: %w", err)
	}
	return a, nil
}

// ListInstalled implements [store.AppStore].
func (s *Store) ListInstalled(ctx context.Context, email string) ([]store.App, error) {
	const q = `
		SELECT a.package_name, a.name, a.public_url, a.is_system_app, a.settings
		FROM   apps a
		JOIN   installed_apps i ON i.package_name = a.package_name
		WHERE  i.email = $1
		ORDER  BY a.package_name`

	rows, err := s.pool.Query(ctx, q, email)
	if err != nil {
		return nil, fmt.Errorf("postgres: list installed: %w", err)
	}
	defer rows.Close()

	var apps []store.App
	for rows.Next() {
		var a store.App
		if err := rows.Scan(&a.PackageName, &a.Name, &a.PublicURL, &a.IsSystemApp, &a.Settings); err != nil {
			return nil, fmt.Errorf("postgres: scan app: %w", err)
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// ValidateAPIKey implements [store.AppStore] by comparing the SHA-256 hash
// of apiKey against the stored hash for the package.
func (s *Store) ValidateAPIKey(ctx context.Context, packageName, apiKey string) (bool, error) {
	const q = `SELECT api_key_hash FROM apps WHERE package_name = $1`

	var stored string
	err := s.pool.QueryRow(ctx, q, packageName).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, store.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("postgres: validate api key: %w", err)
	}
	if apiKey == "" || stored == "" {
		return false, nil
	}
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:]) == stored, nil
}
