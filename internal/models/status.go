package models

import "strings"

// Status is the normalized package status exposed to callers.
type Status string

const (
	StatusPending        Status = "pending"
	StatusInTransit      Status = "in_transit"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusException      Status = "exception"
	StatusReturned       Status = "returned"
	StatusExpired        Status = "expired"
)

// AllStatuses lists the vocabulary in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusInTransit,
	StatusOutForDelivery,
	StatusDelivered,
	StatusException,
	StatusReturned,
	StatusExpired,
}

// Terminal reports whether scheduled polling stops for packages in this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusReturned, StatusExpired:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// ParseStatus accepts a status name in any case.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", false
	}
	return st, true
}

// ActiveStatuses returns the statuses that scheduled runs still poll.
func ActiveStatuses() []Status {
	out := make([]Status, 0, len(AllStatuses))
	for _, s := range AllStatuses {
		if !s.Terminal() {
			out = append(out, s)
		}
	}
	return out
}
