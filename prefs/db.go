// Package prefs provides SQLite persistence for local dashboard state: the
// last-viewed instrument and timeframe, indicator toggles, and the session
// credential, so a daemon restart restores the previous session instead of
// starting blank.
package prefs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/twan507/finext-sync/auth"
)

const (
	keyInstrument = "instrument"
	keyTimeframe  = "timeframe"
	keyIndicators = "indicators"
)

// DB persists preferences and the credential in a local SQLite file.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path and ensures tables
// exist.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS prefs (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS credential (
    id           INTEGER PRIMARY KEY CHECK(id = 1),
    access_token TEXT NOT NULL,
    user_id      TEXT NOT NULL,
    user_email   TEXT NOT NULL,
    user_name    TEXT NOT NULL,
    stored_at    TEXT NOT NULL
);`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &DB{db: db, logger: logger}, nil
}

// Preferences is the dashboard state worth surviving a restart. Indicators
// maps indicator name to enabled.
type Preferences struct {
	Instrument string          `json:"instrument"`
	Timeframe  string          `json:"timeframe"`
	Indicators map[string]bool `json:"indicators"`
}

// DefaultPreferences is what a fresh or unreadable store yields.
func DefaultPreferences() Preferences {
	return Preferences{
		Timeframe:  "day",
		Indicators: map[string]bool{},
	}
}

// Load reads the stored preferences. Missing or corrupt values fall back to
// defaults individually rather than failing the whole load.
func (d *DB) Load() (Preferences, error) {
	p := DefaultPreferences()

	rows, err := d.db.Query(`SELECT key, value FROM prefs`)
	if err != nil {
		return p, fmt.Errorf("query prefs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return p, fmt.Errorf("scan pref: %w", err)
		}
		switch key {
		case keyInstrument:
			p.Instrument = value
		case keyTimeframe:
			p.Timeframe = value
		case keyIndicators:
			var toggles map[string]bool
			if err := json.Unmarshal([]byte(value), &toggles); err != nil {
				d.logger.Warn("Corrupt indicator toggles, using defaults", "error", err)
				continue
			}
			p.Indicators = toggles
		}
	}
	return p, rows.Err()
}

// Save writes the preferences atomically.
func (d *DB) Save(p Preferences) error {
	toggles, err := json.Marshal(p.Indicators)
	if err != nil {
		return fmt.Errorf("encode indicators: %w", err)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for key, value := range map[string]string{
		keyInstrument: p.Instrument,
		keyTimeframe:  p.Timeframe,
		keyIndicators: string(toggles),
	} {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO prefs (key, value) VALUES (?, ?)`, key, value); err != nil {
			return fmt.Errorf("save pref %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// SaveCredential stores the single session credential.
func (d *DB) SaveCredential(c auth.Credential) error {
	_, err := d.db.Exec(`INSERT OR REPLACE INTO credential
		(id, access_token, user_id, user_email, user_name, stored_at)
		VALUES (1, ?, ?, ?, ?, ?)`,
		c.AccessToken, c.User.ID, c.User.Email, c.User.DisplayName,
		c.StoredAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// LoadCredential reads the stored credential, reporting absence without
// error.
func (d *DB) LoadCredential() (auth.Credential, bool, error) {
	var c auth.Credential
	var storedAtS string
	err := d.db.QueryRow(`SELECT access_token, user_id, user_email, user_name, stored_at
		FROM credential WHERE id = 1`).
		Scan(&c.AccessToken, &c.User.ID, &c.User.Email, &c.User.DisplayName, &storedAtS)
	if err == sql.ErrNoRows {
		return auth.Credential{}, false, nil
	}
	if err != nil {
		return auth.Credential{}, false, fmt.Errorf("load credential: %w", err)
	}
	c.StoredAt, _ = time.Parse(time.RFC3339, storedAtS)
	return c, true, nil
}

// DeleteCredential removes the stored credential.
func (d *DB) DeleteCredential() error {
	_, err := d.db.Exec(`DELETE FROM credential WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}
