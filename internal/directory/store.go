package directory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// StoreConfig configures the on-disk record store.
type StoreConfig struct {
	DataDir string
}

// Store persists directory records to SQLite so a node's locally-known
// advertisements, signing requests, pool announcements, and musig session
// descriptors survive a restart instead of living only in the in-memory
// cache — grounded on the teacher's storage.Storage (single-writer WAL
// pragmas, initSchema-on-open pattern).
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) the record store under
// cfg.DataDir/directory.db.
func NewStore(cfg StoreConfig) (*Store, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("directory: create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "directory.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("directory: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: ping database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS records (
		key        TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		id         TEXT NOT NULL,
		data       BLOB NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);
	CREATE INDEX IF NOT EXISTS idx_records_expires ON records(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save upserts rec's canonical encoding keyed by its (kind, id) DHT key.
func (s *Store) Save(rec *Record) error {
	data, err := rec.Encode()
	if err != nil {
		return err
	}
	key := Key(rec.Kind, rec.ID)
	_, err = s.db.Exec(
		`INSERT INTO records (key, kind, id, data, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data, expires_at = excluded.expires_at`,
		key, string(rec.Kind), rec.ID, data, rec.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("directory: save record %s: %w", key, err)
	}
	return nil
}

// Delete removes a persisted record.
func (s *Store) Delete(kind Kind, id string) error {
	_, err := s.db.Exec(`DELETE FROM records WHERE key = ?`, Key(kind, id))
	return err
}

// LoadAll decodes every persisted record that has not yet expired, deleting
// expired rows as it scans — called once at startup to hydrate the
// in-memory cache.
func (s *Store) LoadAll() ([]*Record, error) {
	rows, err := s.db.Query(`SELECT key, data, expires_at FROM records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now().Unix()
	var out []*Record
	var expiredKeys []string
	for rows.Next() {
		var key string
		var data []byte
		var expiresAt int64
		if err := rows.Scan(&key, &data, &expiresAt); err != nil {
			return nil, err
		}
		if expiresAt < now {
			expiredKeys = append(expiredKeys, key)
			continue
		}
		rec, err := Decode(data)
		if err != nil {
			expiredKeys = append(expiredKeys, key) // corrupt row, drop it
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, key := range expiredKeys {
		_, _ = s.db.Exec(`DELETE FROM records WHERE key = ?`, key)
	}
	return out, nil
}
