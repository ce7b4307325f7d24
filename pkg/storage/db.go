package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	metaDeviceToken  = "device_token"
	metaLocalProfile = "local_profile"
)

// DB is the node's durable state: the anti-self device token, the last
// local profile, and the history of peers met.
type DB struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens or creates firestbreak.db in dir. Pass ":memory:" for an
// in-memory database (used by tests).
func Open(dir string) (*DB, error) {
	dsn := ":memory:"
	if dir != ":memory:" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dir, "firestbreak.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps :memory: databases alive and avoids lock errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value BLOB
		);
		CREATE TABLE IF NOT EXISTS _encounters (
			peer_id    TEXT PRIMARY KEY,
			profile_id TEXT NOT NULL DEFAULT '',
			name       TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT '',
			common     TEXT NOT NULL DEFAULT '[]',
			times_seen INTEGER NOT NULL DEFAULT 1,
			first_seen INTEGER NOT NULL,
			last_seen  INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) getMeta(key string) ([]byte, bool, error) {
	var v []byte
	err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (d *DB) setMeta(key string, value []byte) error {
	_, err := d.db.Exec(`
		INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// DeviceToken returns the persisted anti-self token, generating and storing
// one on first use.
func (d *DB) DeviceToken() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok, err := d.getMeta(metaDeviceToken)
	if err != nil {
		return "", fmt.Errorf("read device token: %w", err)
	}
	if ok && len(v) > 0 {
		return string(v), nil
	}

	token := uuid.NewString()
	if err := d.setMeta(metaDeviceToken, []byte(token)); err != nil {
		return "", fmt.Errorf("save device token: %w", err)
	}
	return token, nil
}

// LocalProfile returns the encoded local profile saved by SaveLocalProfile.
func (d *DB) LocalProfile() ([]byte, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getMeta(metaLocalProfile)
}

func (d *DB) SaveLocalProfile(encoded []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setMeta(metaLocalProfile, encoded)
}
