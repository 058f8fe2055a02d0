package kvstore

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

// SQLite is a durable store over a single key-value table. It suits
// long-lived host applications that already carry a database file; the
// change bus covers same-process consumers only.
type SQLite struct {
	db         *sql.DB
	bus        *bus
	instanceID string
}

// NewSQLite opens (or creates) the database at dbPath and initialises the
// schema.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "[NewSQLite] sql.Open")
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS kv (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "[NewSQLite] init schema")
	}

	return &SQLite{
		db:         db,
		bus:        newBus(),
		instanceID: uuid.New().String(),
	}, nil
}

// Get returns the value for key and whether it was present.
func (s *SQLite) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "[SQLite.Get] query")
	}
	return value, true, nil
}

// Set upserts value under key and publishes the change.
func (s *SQLite) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return errors.Wrap(err, "[SQLite.Set] exec")
	}

	s.bus.Publish(Event{Key: key, Value: value, InstanceID: s.instanceID})
	return nil
}

// Delete removes key and publishes the change when a row existed.
func (s *SQLite) Delete(key string) error {
	result, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return errors.Wrap(err, "[SQLite.Delete] exec")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "[SQLite.Delete] rows affected")
	}
	if rows > 0 {
		s.bus.Publish(Event{Key: key, Deleted: true, InstanceID: s.instanceID})
	}
	return nil
}

// Subscribe implements Notifier.
func (s *SQLite) Subscribe(fn func(Event)) func() {
	return s.bus.Subscribe(fn)
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
