package sqlitetracking

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// currentSchemaVersion is bumped with every migration below.
const currentSchemaVersion = 1

const fileName = "parcels.db"

// Storage is the embedded store used by the CLI. It keeps a single connection
// so every write transaction is serialized at the database.
type Storage struct {
	db *sql.DB
}

// Open creates or opens baseDir/parcels.db.
func Open(ctx context.Context, baseDir string) (*Storage, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}

	dsn := filepath.Join(baseDir, fileName) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.PingContext(ctx), "ping sqlite")
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate(ctx context.Context) error {
	version, err := s.userVersion(ctx)
	if err != nil {
		return err
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS packages (
		  id              INTEGER PRIMARY KEY AUTOINCREMENT,
		  tracking_number TEXT NOT NULL UNIQUE,
		  carrier         TEXT NOT NULL,
		  status          TEXT NOT NULL,
		  last_update     INTEGER NOT NULL,
		  created_at      INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_packages_status ON packages(status);
		CREATE INDEX IF NOT EXISTS idx_packages_last_update ON packages(last_update DESC);

		CREATE TABLE IF NOT EXISTS events (
		  id          INTEGER PRIMARY KEY AUTOINCREMENT,
		  package_id  INTEGER NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
		  event_time  INTEGER NOT NULL,
		  location    TEXT NOT NULL DEFAULT '',
		  description TEXT NOT NULL DEFAULT '',
		  status_raw  TEXT NOT NULL DEFAULT '',
		  status      TEXT NOT NULL DEFAULT '',
		  source      TEXT NOT NULL DEFAULT '',
		  dedup_key   TEXT NOT NULL,
		  created_at  INTEGER NOT NULL,
		  UNIQUE (package_id, dedup_key)
		);

		CREATE INDEX IF NOT EXISTS idx_events_package_time ON events(package_id, event_time, id);
		`
		if _, err := s.db.ExecContext(ctx, schema); err != nil {
			return errors.Wrap(err, "migration 1")
		}
		if err := s.setUserVersion(ctx, 1); err != nil {
			return err
		}
	}

	return nil
}

func (s *Storage) userVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&version); err != nil {
		return 0, errors.Wrap(err, "get user_version")
	}
	return version, nil
}

func (s *Storage) setUserVersion(ctx context.Context, version int) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", version)); err != nil {
		return errors.Wrap(err, "set user_version")
	}
	return nil
}
