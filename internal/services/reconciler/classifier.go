package reconciler

import (
	"strings"

	"github.com/BearBump/ParcelSync/internal/models"
)

// codeStatuses maps carrier status codes after normalizeCode. It covers the
// 17TRACK v2 names, the legacy numeric codes and generic spellings.
var codeStatuses = map[string]models.Status{
	"inforeceived": models.StatusPending,
	"notfound":     models.StatusPending,
	"labelcreated": models.StatusPending,
	"pending":      models.StatusPending,
	"created":      models.StatusPending,
	"0":            models.StatusPending,

	"intransit": models.StatusInTransit,
	"pickedup":  models.StatusInTransit,
	"accepted":  models.StatusInTransit,
	"transit":   models.StatusInTransit,
	"10":        models.StatusInTransit,

	"outfordelivery":     models.StatusOutForDelivery,
	"availableforpickup": models.StatusOutForDelivery,
	"30":                 models.StatusOutForDelivery,

	"delivered": models.StatusDelivered,
	"40":        models.StatusDelivered,

	"exception":       models.StatusException,
	"deliveryfailure": models.StatusException,
	"undelivered":     models.StatusException,
	"alert":           models.StatusException,
	"failedattempt":   models.StatusException,
	"35":              models.StatusException,
	"50":              models.StatusException,

	"returned":       models.StatusReturned,
	"returning":      models.StatusReturned,
	"returntosender": models.StatusReturned,

	"expired": models.StatusExpired,
	"20":      models.StatusExpired,
}

type keywordRule struct {
	status   models.Status
	keywords []string
}

// Order matters: "not delivered" must hit exception before delivered does.
var descriptionRules = []keywordRule{
	{models.StatusException, []string{"undeliver", "not delivered", "failed", "failure", "exception", "damaged", "lost", "refused", "held", "delay"}},
	{models.StatusReturned, []string{"return to sender", "returned", "returning", "return"}},
	{models.StatusOutForDelivery, []string{"out for delivery", "with courier", "available for pickup", "ready for pickup"}},
	{models.StatusDelivered, []string{"delivered", "signed", "picked up by recipient"}},
	{models.StatusInTransit, []string{"picked up", "in transit", "departed", "arrived", "accepted", "processed", "shipped", "dispatched", "sorting"}},
	{models.StatusPending, []string{"label created", "information received", "info received", "pre-shipment", "awaiting"}},
}

// Classify maps one event to the status taxonomy. The carrier code wins over
// the description. ok is false when neither is recognized.
func Classify(statusCode, description string) (models.Status, bool) {
	if st, ok := codeStatuses[normalizeCode(statusCode)]; ok {
		return st, true
	}
	if st, ok := models.ParseStatus(statusCode); ok {
		return st, true
	}

	desc := strings.ToLower(description)
	for _, r := range descriptionRules {
		for _, kw := range r.keywords {
			if strings.Contains(desc, kw) {
				return r.status, true
			}
		}
	}
	return "", false
}

func normalizeCode(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(s)
}
