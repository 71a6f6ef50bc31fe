package pgtracking

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS packages (
  id BIGSERIAL PRIMARY KEY,
  tracking_number TEXT NOT NULL UNIQUE,
  carrier TEXT NOT NULL,
  status TEXT NOT NULL,
  last_update TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_status ON packages(status)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_last_update ON packages(last_update DESC)`,
		`
CREATE TABLE IF NOT EXISTS package_events (
  id BIGSERIAL PRIMARY KEY,
  package_id BIGINT NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
  event_time TIMESTAMPTZ NOT NULL,
  location TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  status_raw TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT '',
  source TEXT NOT NULL DEFAULT '',
  dedup_key TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_package_events_package_id_event_time ON package_events(package_id, event_time, id)`,
		// One row per physical event, whichever channel delivered it first.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_package_events_dedup ON package_events(package_id, dedup_key)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
