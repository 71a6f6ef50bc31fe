package sqlitetracking

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/trackerr"
)

const packageColumns = `id, tracking_number, carrier, status, last_update, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Storage) UpsertPackage(ctx context.Context, trackingNumber, carrier string) (*models.Package, bool, error) {
	now := time.Now().UTC().UnixNano()

	res, err := s.db.ExecContext(ctx, `
INSERT INTO packages (tracking_number, carrier, status, last_update, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (tracking_number) DO NOTHING
`, trackingNumber, carrier, string(models.StatusPending), now, now)
	if err != nil {
		return nil, false, errors.Wrap(err, "insert package")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, errors.Wrap(err, "rows affected")
	}

	p, err := s.GetPackage(ctx, trackingNumber)
	if err != nil {
		return nil, false, err
	}
	return p, n > 0, nil
}

func (s *Storage) GetPackage(ctx context.Context, trackingNumber string) (*models.Package, error) {
	p, err := scanPackage(s.db.QueryRowContext(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE tracking_number = ?`, trackingNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trackerr.NotFound("package %s", trackingNumber)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select package")
	}
	return p, nil
}

func (s *Storage) ListPackages(ctx context.Context, statuses ...models.Status) ([]*models.Package, error) {
	query := `SELECT ` + packageColumns + ` FROM packages`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY last_update DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select packages")
	}
	defer rows.Close()

	out := []*models.Package{}
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan package")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows")
	}
	return out, nil
}

func (s *Storage) DeletePackage(ctx context.Context, trackingNumber string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM packages WHERE tracking_number = ?`, trackingNumber)
	if err != nil {
		return false, errors.Wrap(err, "delete package")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

// AppendEvents inserts unseen events and recomputes derived package fields in
// one transaction.
func (s *Storage) AppendEvents(ctx context.Context, trackingNumber string, events []*models.Event) (int, *models.Package, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	var packageID uint64
	var createdAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT id, created_at FROM packages WHERE tracking_number = ?`, trackingNumber).
		Scan(&packageID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, trackerr.NotFound("package %s", trackingNumber)
	}
	if err != nil {
		return 0, nil, errors.Wrap(err, "select package")
	}

	now := time.Now().UTC().UnixNano()
	applied := 0
	for _, e := range events {
		res, err := tx.ExecContext(ctx, `
INSERT INTO events (
  package_id, event_time, location, description, status_raw, status, source, dedup_key, created_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (package_id, dedup_key) DO NOTHING
`, packageID, e.Timestamp.UTC().UnixNano(), e.Location, e.Description, e.StatusRaw,
			string(e.Status), string(e.Source), e.DedupKey, now)
		if err != nil {
			return 0, nil, errors.Wrap(err, "insert event")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, nil, errors.Wrap(err, "rows affected")
		}
		applied += int(n)
	}

	history, err := loadHistory(ctx, tx, packageID)
	if err != nil {
		return 0, nil, err
	}
	status, lastUpdate := models.DeriveState(fromNanos(createdAt), history)

	if _, err := tx.ExecContext(ctx,
		`UPDATE packages SET status = ?, last_update = ? WHERE id = ?`,
		string(status), lastUpdate.UTC().UnixNano(), packageID); err != nil {
		return 0, nil, errors.Wrap(err, "update package")
	}

	p, err := scanPackage(tx.QueryRowContext(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE id = ?`, packageID))
	if err != nil {
		return 0, nil, errors.Wrap(err, "reload package")
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, errors.Wrap(err, "commit tx")
	}
	return applied, p, nil
}

func loadHistory(ctx context.Context, tx *sql.Tx, packageID uint64) ([]*models.Event, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT id, event_time, status FROM events
WHERE package_id = ?
ORDER BY event_time ASC, id ASC
`, packageID)
	if err != nil {
		return nil, errors.Wrap(err, "select history")
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		var e models.Event
		var ts int64
		var status string
		if err := rows.Scan(&e.ID, &ts, &status); err != nil {
			return nil, errors.Wrap(err, "scan history")
		}
		e.Timestamp = fromNanos(ts)
		e.Status = models.Status(status)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows")
	}
	return out, nil
}

func (s *Storage) ListEvents(ctx context.Context, trackingNumber string) ([]*models.Event, error) {
	p, err := s.GetPackage(ctx, trackingNumber)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT
  id, package_id, event_time, location, description,
  status_raw, status, source, dedup_key, created_at
FROM events
WHERE package_id = ?
ORDER BY event_time ASC, id ASC
`, p.ID)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	out := []*models.Event{}
	for rows.Next() {
		var e models.Event
		var ts, created int64
		var status, source string
		if err := rows.Scan(
			&e.ID, &e.PackageID, &ts, &e.Location, &e.Description,
			&e.StatusRaw, &status, &source, &e.DedupKey, &created,
		); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		e.TrackingNumber = trackingNumber
		e.Timestamp = fromNanos(ts)
		e.CreatedAt = fromNanos(created)
		e.Status = models.Status(status)
		e.Source = models.Source(source)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows")
	}
	return out, nil
}

func scanPackage(row rowScanner) (*models.Package, error) {
	var p models.Package
	var status string
	var lastUpdate, createdAt int64
	if err := row.Scan(&p.ID, &p.TrackingNumber, &p.Carrier, &status, &lastUpdate, &createdAt); err != nil {
		return nil, err
	}
	p.Status = models.Status(status)
	p.LastUpdate = fromNanos(lastUpdate)
	p.CreatedAt = fromNanos(createdAt)
	return &p, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
