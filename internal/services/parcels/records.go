package parcels

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/trackerr"
)

// Record is the import and export shape. Import reads number or
// tracking_number, carrier and events; status and times are derived.
type Record struct {
	Number         string          `json:"number,omitempty"`
	TrackingNumber string          `json:"tracking_number,omitempty"`
	Carrier        string          `json:"carrier,omitempty"`
	Status         models.Status   `json:"status,omitempty"`
	LastUpdate     *time.Time      `json:"last_update,omitempty"`
	CreatedAt      *time.Time      `json:"created_at,omitempty"`
	Events         []*models.Event `json:"events,omitempty"`
}

func (r Record) trackingNumber() string {
	if tn := strings.TrimSpace(r.TrackingNumber); tn != "" {
		return tn
	}
	return strings.TrimSpace(r.Number)
}

type ImportError struct {
	Index          int    `json:"index"`
	TrackingNumber string `json:"tracking_number,omitempty"`
	Error          string `json:"error"`
}

type ImportReport struct {
	Total         int           `json:"total"`
	Created       int           `json:"created"`
	Existing      int           `json:"existing"`
	EventsApplied int           `json:"events_applied"`
	Failed        int           `json:"failed"`
	Errors        []ImportError `json:"errors,omitempty"`
}

// ImportBatch adds every record and merges its events. A bad record is
// reported and never stops the rest; the result fails if any record failed.
func (s *Service) ImportBatch(ctx context.Context, records []Record) Result {
	return guard("import", func() (any, error) {
		if len(records) == 0 {
			return nil, trackerr.InvalidInput("no records to import")
		}
		rep := &ImportReport{Total: len(records)}
		for i, rec := range records {
			if err := s.importOne(ctx, rec, rep); err != nil {
				rep.Failed++
				rep.Errors = append(rep.Errors, ImportError{Index: i, TrackingNumber: rec.trackingNumber(), Error: err.Error()})
			}
		}
		if rep.Failed > 0 {
			return rep, trackerr.InvalidInput("%d of %d records failed", rep.Failed, rep.Total)
		}
		return rep, nil
	})
}

func (s *Service) importOne(ctx context.Context, rec Record, rep *ImportReport) error {
	tn := rec.trackingNumber()
	if tn == "" {
		return trackerr.InvalidInput("number is required")
	}
	code := strings.TrimSpace(rec.Carrier)
	if code == "" {
		code = defaultCarrier
	}

	_, created, err := s.store.UpsertPackage(ctx, tn, code)
	if err != nil {
		return err
	}
	if created {
		rep.Created++
	} else {
		rep.Existing++
	}
	if len(rec.Events) == 0 {
		return nil
	}

	batch := models.EventBatch{
		TrackingNumber: tn,
		Carrier:        code,
		Source:         models.SourceImport,
		Events:         make([]models.RawEvent, 0, len(rec.Events)),
	}
	for j, ev := range rec.Events {
		if ev == nil {
			return trackerr.InvalidInput("event %d is empty", j)
		}
		statusCode := ev.StatusRaw
		if statusCode == "" {
			statusCode = string(ev.Status)
		}
		batch.Events = append(batch.Events, models.RawEvent{
			Timestamp:   ev.Timestamp,
			Location:    ev.Location,
			Description: ev.Description,
			StatusCode:  statusCode,
		})
	}
	out, err := s.rec.Reconcile(ctx, batch)
	if err != nil {
		return err
	}
	rep.EventsApplied += out.Applied
	return nil
}

// ExportAll returns every package with its full history, in a shape ImportBatch accepts.
func (s *Service) ExportAll(ctx context.Context) Result {
	return guard("export", func() (any, error) {
		pkgs, err := s.store.ListPackages(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]Record, 0, len(pkgs))
		for _, pkg := range pkgs {
			evs, err := s.store.ListEvents(ctx, pkg.TrackingNumber)
			if err != nil {
				return nil, errors.Wrapf(err, "events of %s", pkg.TrackingNumber)
			}
			lastUpdate, createdAt := pkg.LastUpdate, pkg.CreatedAt
			out = append(out, Record{
				TrackingNumber: pkg.TrackingNumber,
				Carrier:        pkg.Carrier,
				Status:         pkg.Status,
				LastUpdate:     &lastUpdate,
				CreatedAt:      &createdAt,
				Events:         evs,
			})
		}
		return out, nil
	})
}
