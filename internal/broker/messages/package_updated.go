package messages

import (
	"time"
)

// PackageUpdated is published after a reconcile pass stored at least one new event.
type PackageUpdated struct {
	TrackingNumber string    `json:"tracking_number"`
	Carrier        string    `json:"carrier"`
	Source         string    `json:"source"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	Status         string    `json:"status"`
	LastUpdate     time.Time `json:"last_update"`
	Applied        int       `json:"applied"`
	Duplicates     int       `json:"duplicates"`
	PublishedAt    time.Time `json:"published_at"`

	Events []PackageEvent `json:"events,omitempty"`
}

type PackageEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description"`
	StatusRaw   string    `json:"status_raw,omitempty"`
	Status      string    `json:"status,omitempty"`
}

// StatusChanged reports whether the update moved the derived status.
func (m PackageUpdated) StatusChanged() bool {
	return m.PreviousStatus != m.Status
}
