// Package vault is a credstore.KV backed by a single sqlite file. Values are
// sealed with AES-256-GCM under a key derived from a device secret, so the
// file on disk never holds a credential in clear.
package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/authclient/pkg/credstore"
	"github.com/aussiebroadwan/authclient/pkg/credstore/vault/migrations"
	"github.com/aussiebroadwan/authclient/pkg/cryptox"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "modernc.org/sqlite"
)

// ErrWrongSecret is returned by Open when the vault exists but cannot be
// unsealed with the given secret.
var ErrWrongSecret = errors.New("vault: secret does not unseal this vault")

// canaryKey holds a known plaintext used to detect a wrong secret on open.
const canaryKey = "vault.canary"

var canaryValue = []byte("authclient-vault")

// KV implements credstore.KV.
type KV struct {
	db     *sql.DB
	sealer *cryptox.Sealer
	logger *slog.Logger
}

// Open opens (creating if needed) the vault file at path and unlocks it with
// secret.
func Open(ctx context.Context, path string, secret []byte, logger *slog.Logger) (*KV, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection keeps delete/set/get sequences strictly ordered.
	db.SetMaxOpenConns(1)

	kv := &KV{db: db, logger: logger.With("component", "vault")}

	if err := kv.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("vault: apply migrations: %w", err)
	}

	salt, err := kv.loadOrCreateSalt(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	sealer, err := cryptox.NewSealer(secret, salt)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	kv.sealer = sealer

	if err := kv.checkCanary(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return kv, nil
}

// Close releases the database handle.
func (v *KV) Close() error { return v.db.Close() }

// Ping verifies the database connection is still alive.
func (v *KV) Ping(ctx context.Context) error {
	return v.db.PingContext(ctx)
}

func (v *KV) Get(ctx context.Context, key string) ([]byte, error) {
	var sealed []byte
	err := v.db.QueryRowContext(ctx, `SELECT value FROM vault_entries WHERE key = ?`, key).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credstore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	plain, err := v.sealer.Open(sealed, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("vault: unseal %s: %w", key, err)
	}
	return plain, nil
}

func (v *KV) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := v.sealer.Seal(value, []byte(key))
	if err != nil {
		return err
	}

	_, err = v.db.ExecContext(ctx,
		`INSERT INTO vault_entries (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, sealed, time.Now().UTC(),
	)
	return err
}

func (v *KV) Delete(ctx context.Context, key string) error {
	_, err := v.db.ExecContext(ctx, `DELETE FROM vault_entries WHERE key = ?`, key)
	return err
}

// applyMigrations applies the embedded schema with golang-migrate.
func (v *KV) applyMigrations() error {
	driver, err := migratesqlite.WithInstance(v.db, &migratesqlite.Config{})
	if err != nil {
		return err
	}

	source, err := iofs.New(migrations.Migrations, ".")
	if err != nil {
		return err
	}

	instance, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return err
	}

	err = instance.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

func (v *KV) loadOrCreateSalt(ctx context.Context) ([]byte, error) {
	var salt []byte
	err := v.db.QueryRowContext(ctx, `SELECT salt FROM vault_meta WHERE id = 1`).Scan(&salt)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vault: read salt: %w", err)
	}

	salt, err = cryptox.NewSalt()
	if err != nil {
		return nil, err
	}
	if _, err := v.db.ExecContext(ctx,
		`INSERT INTO vault_meta (id, salt, created_at) VALUES (1, ?, ?)`,
		salt, time.Now().UTC(),
	); err != nil {
		return nil, fmt.Errorf("vault: write salt: %w", err)
	}

	v.logger.Info("created new vault")
	return salt, nil
}

// checkCanary writes the canary on first open and verifies it afterwards.
func (v *KV) checkCanary(ctx context.Context) error {
	got, err := v.Get(ctx, canaryKey)
	switch {
	case errors.Is(err, credstore.ErrNotFound):
		return v.Set(ctx, canaryKey, canaryValue)
	case err != nil:
		return ErrWrongSecret
	case string(got) != string(canaryValue):
		return ErrWrongSecret
	}
	return nil
}
