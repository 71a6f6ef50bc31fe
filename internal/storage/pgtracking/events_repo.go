package pgtracking

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/trackerr"
)

// AppendEvents inserts events not yet stored for the package and recomputes its
// status and last update, all in one transaction holding the package row lock.
func (s *Storage) AppendEvents(ctx context.Context, trackingNumber string, events []*models.Event) (int, *models.Package, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		packageID uint64
		createdAt time.Time
	)
	err = tx.QueryRow(ctx, `
SELECT id, created_at FROM packages WHERE tracking_number = $1 FOR UPDATE
`, trackingNumber).Scan(&packageID, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, trackerr.NotFound("package %s", trackingNumber)
	}
	if err != nil {
		return 0, nil, errors.Wrap(err, "lock package")
	}

	now := time.Now().UTC()
	applied := 0
	for _, e := range events {
		tag, err := tx.Exec(ctx, `
INSERT INTO package_events (
  package_id, event_time, location, description, status_raw, status, source, dedup_key, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (package_id, dedup_key) DO NOTHING
`, packageID, e.Timestamp.UTC(), e.Location, e.Description, e.StatusRaw, string(e.Status), string(e.Source), e.DedupKey, now)
		if err != nil {
			return 0, nil, errors.Wrap(err, "insert package event")
		}
		applied += int(tag.RowsAffected())
	}

	history, err := s.loadHistory(ctx, tx, packageID)
	if err != nil {
		return 0, nil, err
	}
	status, lastUpdate := models.DeriveState(createdAt, history)

	p, err := scanPackage(tx.QueryRow(ctx, `
UPDATE packages SET status = $2, last_update = $3
WHERE id = $1
RETURNING `+packageColumns, packageID, string(status), lastUpdate.UTC()))
	if err != nil {
		return 0, nil, errors.Wrap(err, "update package")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, nil, errors.Wrap(err, "commit tx")
	}
	return applied, p, nil
}

func (s *Storage) loadHistory(ctx context.Context, tx pgx.Tx, packageID uint64) ([]*models.Event, error) {
	rows, err := tx.Query(ctx, `
SELECT id, event_time, status FROM package_events
WHERE package_id = $1
ORDER BY event_time ASC, id ASC
`, packageID)
	if err != nil {
		return nil, errors.Wrap(err, "select history")
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		var e models.Event
		var status string
		if err := rows.Scan(&e.ID, &e.Timestamp, &status); err != nil {
			return nil, errors.Wrap(err, "scan history")
		}
		e.Status = models.Status(status)
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ListEvents returns the package history in carrier time order.
func (s *Storage) ListEvents(ctx context.Context, trackingNumber string) ([]*models.Event, error) {
	p, err := s.GetPackage(ctx, trackingNumber)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `
SELECT
  id, package_id, event_time, location, description,
  status_raw, status, source, dedup_key, created_at
FROM package_events
WHERE package_id = $1
ORDER BY event_time ASC, id ASC
`, p.ID)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	out := []*models.Event{}
	for rows.Next() {
		var e models.Event
		var status, source string
		if err := rows.Scan(
			&e.ID, &e.PackageID, &e.Timestamp, &e.Location, &e.Description,
			&e.StatusRaw, &status, &source, &e.DedupKey, &e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		e.TrackingNumber = trackingNumber
		e.Status = models.Status(status)
		e.Source = models.Source(source)
		e.Timestamp = e.Timestamp.UTC()
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
