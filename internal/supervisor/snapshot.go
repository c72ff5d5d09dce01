package supervisor

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apiv1 "github.com/grantwise/adam6000-counter/api/v1"
)

// ConfigStore persists the last-known-good configuration snapshot so
// the process can restart without its config source available. Backed
// by sqlite.
type ConfigStore struct {
	db *sql.DB
}

// OpenConfigStore opens (creating if needed) a sqlite-backed config
// snapshot store at path.
func OpenConfigStore(path string) (*ConfigStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening config snapshot db: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS config_snapshot (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	config_json TEXT NOT NULL,
	saved_at_unix INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating config snapshot schema: %w", err)
	}
	return &ConfigStore{db: db}, nil
}

// Save overwrites the single stored snapshot with cfg.
func (s *ConfigStore) Save(cfg *apiv1.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config snapshot: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO config_snapshot (id, config_json, saved_at_unix) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET config_json = excluded.config_json, saved_at_unix = excluded.saved_at_unix`,
		string(raw), time.Now().Unix(),
	)
	return err
}

// Load returns the last saved snapshot, or (nil, nil) if none exists.
func (s *ConfigStore) Load() (*apiv1.Config, error) {
	var raw string
	err := s.db.QueryRow(`SELECT config_json FROM config_snapshot WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config snapshot: %w", err)
	}
	cfg := &apiv1.Config{}
	if err := json.Unmarshal([]byte(raw), cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config snapshot: %w", err)
	}
	return cfg, nil
}

func (s *ConfigStore) Close() error { return s.db.Close() }
