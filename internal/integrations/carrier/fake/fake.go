package fake

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/BearBump/ParcelSync/internal/models"
)

// Client is an offline carrier. The history for a (carrier, tracking number)
// pair is fixed, so repeated fetches return identical events.
type Client struct {
	mu       sync.Mutex
	failures map[string]error
	now      func() time.Time
}

func New() *Client {
	return &Client{failures: map[string]error{}, now: time.Now}
}

var script = []models.RawEvent{
	{StatusCode: "InfoReceived", Description: "Shipment information received", Location: "Origin facility"},
	{StatusCode: "PickedUp", Description: "Picked up by carrier", Location: "Origin facility"},
	{StatusCode: "InTransit", Description: "Departed sorting center", Location: "Regional hub"},
	{StatusCode: "OutForDelivery", Description: "Out for delivery", Location: "Destination city"},
	{StatusCode: "Delivered", Description: "Delivered", Location: "Destination city"},
}

var origin = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// FailWith makes every Fetch for trackingNumber return err until cleared with nil.
func (c *Client) FailWith(trackingNumber string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, trackingNumber)
		return
	}
	c.failures[trackingNumber] = err
}

func (c *Client) Supports(string) bool { return true }

func (c *Client) Fetch(ctx context.Context, trackingNumber, carrierCode string) (models.EventBatch, error) {
	if err := ctx.Err(); err != nil {
		return models.EventBatch{}, err
	}
	c.mu.Lock()
	ferr := c.failures[trackingNumber]
	c.mu.Unlock()
	if ferr != nil {
		return models.EventBatch{}, ferr
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(carrierCode))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(trackingNumber))
	v := h.Sum32()

	// Between two and five scripted steps, so about a quarter end delivered.
	steps := 2 + int(v%4)
	start := origin.Add(time.Duration(v%(24*90)) * time.Hour)

	events := make([]models.RawEvent, 0, steps)
	for i := 0; i < steps; i++ {
		e := script[i]
		e.Timestamp = start.Add(time.Duration(i*6) * time.Hour)
		events = append(events, e)
	}

	return models.EventBatch{
		TrackingNumber: trackingNumber,
		Carrier:        carrierCode,
		Source:         models.SourcePoll,
		ReceivedAt:     c.now().UTC(),
		Events:         events,
	}, nil
}
