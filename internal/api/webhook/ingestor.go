package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/services/reconciler"
	"github.com/BearBump/ParcelSync/internal/trackerr"
)

// MaxBodyBytes bounds a single push notification.
const MaxBodyBytes = 1 << 20

type Reconciler interface {
	Reconcile(ctx context.Context, batch models.EventBatch) (*reconciler.Outcome, error)
}

// Payload is a push notification. Items of Events inherit Status when they carry none.
type Payload struct {
	TrackingNumber string         `json:"tracking_number"`
	Carrier        string         `json:"carrier,omitempty"`
	Status         string         `json:"status"`
	Location       string         `json:"location,omitempty"`
	Description    string         `json:"description,omitempty"`
	Timestamp      string         `json:"timestamp,omitempty"`
	Events         []PayloadEvent `json:"events,omitempty"`
}

// PayloadEvent accepts the carrier field name time as well as timestamp.
type PayloadEvent struct {
	Status      string `json:"status,omitempty"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
	Time        string `json:"time,omitempty"`
}

func (e PayloadEvent) timestamp() string {
	if strings.TrimSpace(e.Timestamp) != "" {
		return e.Timestamp
	}
	return e.Time
}

type IngestStats struct {
	Received uint64 `json:"received"`
	Rejected uint64 `json:"rejected"`
	Applied  uint64 `json:"applied"`
}

// Ingestor turns push payloads into event batches for the reconciler.
type Ingestor struct {
	rec    Reconciler
	schema *jsonschema.Schema
	now    func() time.Time

	received atomic.Uint64
	rejected atomic.Uint64
	applied  atomic.Uint64
}

func NewIngestor(rec Reconciler) (*Ingestor, error) {
	sch, err := compilePayloadSchema()
	if err != nil {
		return nil, err
	}
	return &Ingestor{rec: rec, schema: sch, now: time.Now}, nil
}

func (i *Ingestor) Stats() IngestStats {
	return IngestStats{
		Received: i.received.Load(),
		Rejected: i.rejected.Load(),
		Applied:  i.applied.Load(),
	}
}

// Ingest validates body and reconciles it synchronously.
func (i *Ingestor) Ingest(ctx context.Context, body []byte, source models.Source) (*reconciler.Outcome, error) {
	i.received.Add(1)

	batch, err := i.decode(body, source)
	if err != nil {
		i.rejected.Add(1)
		slog.Warn("webhook payload rejected", "source", source, "error", err.Error())
		return nil, err
	}

	out, err := i.rec.Reconcile(ctx, batch)
	if err != nil {
		if trackerr.Is(err, trackerr.KindNotFound) || trackerr.Is(err, trackerr.KindInvalidInput) {
			i.rejected.Add(1)
		}
		return nil, err
	}
	i.applied.Add(uint64(out.Applied))
	return out, nil
}

func (i *Ingestor) decode(body []byte, source models.Source) (models.EventBatch, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return models.EventBatch{}, trackerr.InvalidInput("empty payload")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return models.EventBatch{}, trackerr.InvalidInput("malformed JSON: %v", err)
	}
	if err := i.schema.Validate(inst); err != nil {
		return models.EventBatch{}, trackerr.InvalidInput("payload does not match schema: %s", oneLine(err.Error()))
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return models.EventBatch{}, trackerr.InvalidInput("malformed payload: %v", err)
	}
	return p.toBatch(source, i.now().UTC())
}

func (p Payload) toBatch(source models.Source, receivedAt time.Time) (models.EventBatch, error) {
	tn := strings.TrimSpace(p.TrackingNumber)
	if tn == "" {
		return models.EventBatch{}, trackerr.InvalidInput("tracking_number is required")
	}
	batch := models.EventBatch{
		TrackingNumber: tn,
		Carrier:        strings.TrimSpace(p.Carrier),
		Source:         source,
		ReceivedAt:     receivedAt,
	}

	if len(p.Events) == 0 {
		ts, err := parseTimestamp(p.Timestamp)
		if err != nil {
			return models.EventBatch{}, err
		}
		batch.Events = []models.RawEvent{{
			Timestamp:   ts,
			Location:    p.Location,
			Description: p.Description,
			StatusCode:  p.Status,
		}}
		return batch, nil
	}

	batch.Events = make([]models.RawEvent, 0, len(p.Events))
	for _, e := range p.Events {
		ts, err := parseTimestamp(e.timestamp())
		if err != nil {
			return models.EventBatch{}, err
		}
		status := e.Status
		if strings.TrimSpace(status) == "" {
			status = p.Status
		}
		batch.Events = append(batch.Events, models.RawEvent{
			Timestamp:   ts,
			Location:    e.Location,
			Description: e.Description,
			StatusCode:  status,
		})
	}
	return batch, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTimestamp returns the zero time for an empty value; the reconciler
// substitutes the receipt time. Values without a zone are read as UTC.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			if !models.ValidEventTime(ts) {
				return time.Time{}, trackerr.InvalidInput("timestamp %q is out of range", s)
			}
			return ts.UTC(), nil
		}
	}
	return time.Time{}, trackerr.InvalidInput("timestamp %q is not ISO-8601", s)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
