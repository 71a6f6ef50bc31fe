package scheduler

import (
	"time"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/trackerr"
)

type Outcome string

const (
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeExpired   Outcome = "expired"
	OutcomeFailed    Outcome = "failed"
	// OutcomeSkipped marks packages not started because the run was cancelled.
	OutcomeSkipped Outcome = "skipped"
)

type PackageResult struct {
	TrackingNumber string        `json:"tracking_number"`
	Outcome        Outcome       `json:"outcome"`
	Applied        int           `json:"applied"`
	Status         models.Status `json:"status,omitempty"`
	Attempts       int           `json:"attempts"`
	ErrorKind      trackerr.Kind `json:"error_kind,omitempty"`
	Error          string        `json:"error,omitempty"`
}

func (r *PackageResult) fail(err error) {
	r.Outcome = OutcomeFailed
	r.ErrorKind = trackerr.KindOf(err)
	r.Error = err.Error()
}

type Report struct {
	RunID      string          `json:"run_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Total      int             `json:"total"`
	Updated    int             `json:"updated"`
	Unchanged  int             `json:"unchanged"`
	Expired    int             `json:"expired"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	Applied    int             `json:"applied"`
	Results    []PackageResult `json:"results"`
}

func (r *Report) tally() {
	r.Total = len(r.Results)
	for _, res := range r.Results {
		r.Applied += res.Applied
		switch res.Outcome {
		case OutcomeUpdated:
			r.Updated++
		case OutcomeUnchanged:
			r.Unchanged++
		case OutcomeExpired:
			r.Expired++
		case OutcomeFailed:
			r.Failed++
		case OutcomeSkipped:
			r.Skipped++
		}
	}
}

// Result returns the entry for trackingNumber, if present.
func (r *Report) Result(trackingNumber string) (PackageResult, bool) {
	for _, res := range r.Results {
		if res.TrackingNumber == trackingNumber {
			return res, true
		}
	}
	return PackageResult{}, false
}
