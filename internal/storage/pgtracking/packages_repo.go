package pgtracking

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/trackerr"
)

const packageColumns = `id, tracking_number, carrier, status, last_update, created_at`

// UpsertPackage creates the package or returns the stored one untouched.
func (s *Storage) UpsertPackage(ctx context.Context, trackingNumber, carrier string) (*models.Package, bool, error) {
	now := time.Now().UTC().Truncate(time.Microsecond)

	p, err := scanPackage(s.db.QueryRow(ctx, `
INSERT INTO packages (tracking_number, carrier, status, last_update, created_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (tracking_number) DO NOTHING
RETURNING `+packageColumns, trackingNumber, carrier, string(models.StatusPending), now))
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, errors.Wrap(err, "insert package")
	}

	p, err = s.GetPackage(ctx, trackingNumber)
	if err != nil {
		return nil, false, err
	}
	return p, false, nil
}

func (s *Storage) GetPackage(ctx context.Context, trackingNumber string) (*models.Package, error) {
	p, err := scanPackage(s.db.QueryRow(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE tracking_number = $1`, trackingNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trackerr.NotFound("package %s", trackingNumber)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select package")
	}
	return p, nil
}

// ListPackages returns packages newest activity first. No statuses means all.
func (s *Storage) ListPackages(ctx context.Context, statuses ...models.Status) ([]*models.Package, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.db.Query(ctx, `
SELECT `+packageColumns+`
FROM packages
ORDER BY last_update DESC, id DESC`)
	} else {
		filter := make([]string, 0, len(statuses))
		for _, st := range statuses {
			filter = append(filter, string(st))
		}
		rows, err = s.db.Query(ctx, `
SELECT `+packageColumns+`
FROM packages
WHERE status = ANY($1)
ORDER BY last_update DESC, id DESC`, filter)
	}
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
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// DeletePackage removes the package; its events go with it through the FK cascade.
func (s *Storage) DeletePackage(ctx context.Context, trackingNumber string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM packages WHERE tracking_number = $1`, trackingNumber)
	if err != nil {
		return false, errors.Wrap(err, "delete package")
	}
	return tag.RowsAffected() > 0, nil
}

func scanPackage(row pgx.Row) (*models.Package, error) {
	var p models.Package
	var status string
	if err := row.Scan(&p.ID, &p.TrackingNumber, &p.Carrier, &status, &p.LastUpdate, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Status = models.Status(status)
	p.LastUpdate = p.LastUpdate.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}
