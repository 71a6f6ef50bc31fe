package models

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// Source says which path produced an event batch.
type Source string

const (
	SourcePoll    Source = "poll"
	SourceWebhook Source = "webhook"
	SourceRelay   Source = "relay"
	SourceImport  Source = "import"
	SourceExpiry  Source = "expiry"
)

type Package struct {
	ID             uint64    `json:"-"`
	TrackingNumber string    `json:"tracking_number"`
	Carrier        string    `json:"carrier"`
	Status         Status    `json:"status"`
	LastUpdate     time.Time `json:"last_update"`
	CreatedAt      time.Time `json:"created_at"`
}

// Event is one stored lifecycle occurrence. Status holds the classification
// of this single event and is empty when the carrier text was not recognized.
type Event struct {
	ID             uint64    `json:"-"`
	PackageID      uint64    `json:"-"`
	TrackingNumber string    `json:"tracking_number,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Location       string    `json:"location,omitempty"`
	Description    string    `json:"description"`
	StatusRaw      string    `json:"status_raw,omitempty"`
	Status         Status    `json:"status,omitempty"`
	Source         Source    `json:"source,omitempty"`
	DedupKey       string    `json:"dedup_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// RawEvent is an event as reported by the carrier API or a push notification.
type RawEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
	StatusCode  string    `json:"status,omitempty"`
}

type EventBatch struct {
	TrackingNumber string
	Carrier        string
	Source         Source
	// ReceivedAt replaces missing event timestamps.
	ReceivedAt time.Time
	Events     []RawEvent
}

// Stored event times must fall in [MinEventTime, MaxEventTime).
var (
	MinEventTime = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	MaxEventTime = time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
)

func ValidEventTime(t time.Time) bool {
	return !t.Before(MinEventTime) && t.Before(MaxEventTime)
}

// DedupKey identifies the same physical event regardless of the channel it arrived through.
func DedupKey(trackingNumber string, ts time.Time, description string) string {
	h := sha256.New()
	_, _ = h.Write([]byte(trackingNumber))
	_, _ = h.Write([]byte{0x1f})
	_, _ = h.Write([]byte(ts.UTC().Truncate(time.Second).Format(time.RFC3339)))
	_, _ = h.Write([]byte{0x1f})
	_, _ = h.Write([]byte(description))
	return hex.EncodeToString(h.Sum(nil))
}

// DeriveState computes the package status and last update from its full history.
// Events are ordered by timestamp first; unclassified events keep the previous
// status and delivered is never left once reached.
func DeriveState(createdAt time.Time, events []*Event) (Status, time.Time) {
	ordered := make([]*Event, len(events))
	copy(ordered, events)
	SortEvents(ordered)

	status := StatusPending
	lastUpdate := createdAt
	for i, e := range ordered {
		if i == 0 || e.Timestamp.After(lastUpdate) {
			lastUpdate = e.Timestamp
		}
		if e.Status == "" || status == StatusDelivered {
			continue
		}
		status = e.Status
	}
	return status, lastUpdate
}

// SortEvents orders events by carrier timestamp, falling back to insertion id.
func SortEvents(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})
}

// PackageDetails is a package with its full history in carrier time order.
type PackageDetails struct {
	Package *Package `json:"package"`
	Events  []*Event `json:"events"`
}
