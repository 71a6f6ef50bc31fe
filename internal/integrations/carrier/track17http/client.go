package track17http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/ParcelSync/internal/httpclient"
	"github.com/BearBump/ParcelSync/internal/integrations/carrier"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/trackerr"
)

const (
	DefaultBaseURL  = "https://api.17track.net/v2"
	defaultCooldown = time.Minute
	maxErrorBody    = 512
	autoCarrier     = "auto"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"2006.01.02 15:04:05",
	"2006.01.02 15:04",
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
}

type Client struct {
	baseURL  string
	apiKey   string
	carriers []string
	cooldown time.Duration
	httpc    *http.Client
	now      func() time.Time
}

type Option func(*Client)

// WithCarriers limits Supports to the given carrier codes.
func WithCarriers(codes []string) Option {
	return func(c *Client) { c.carriers = codes }
}

// WithRateLimitCooldown is used when a 429 carries no Retry-After header.
func WithRateLimitCooldown(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.cooldown = d
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		cooldown: defaultCooldown,
		httpc:    httpclient.NewClient(10*time.Second, slog.Default()),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type request struct {
	Number  []string `json:"number"`
	Carrier string   `json:"carrier,omitempty"`
}

type respEvent struct {
	Time        string `json:"time"`
	Location    string `json:"location"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

type respPackage struct {
	Status string      `json:"status"`
	Events []respEvent `json:"events"`
}

type respBody struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]respPackage `json:"data"`
}

// Supports always accepts "auto", which lets 17TRACK detect the carrier.
func (c *Client) Supports(carrierCode string) bool {
	return carrier.NormalizeCode(carrierCode) == autoCarrier || carrier.Allowlist(c.carriers, carrierCode)
}

func (c *Client) Fetch(ctx context.Context, trackingNumber, carrierCode string) (models.EventBatch, error) {
	if c.apiKey == "" {
		return models.EventBatch{}, trackerr.InvalidInput("17track api key is not configured")
	}
	if !c.Supports(carrierCode) {
		return models.EventBatch{}, trackerr.InvalidInput("unsupported carrier %q", carrierCode)
	}

	code := carrier.NormalizeCode(carrierCode)
	if code == autoCarrier {
		code = ""
	}
	body, err := json.Marshal(request{Number: []string{trackingNumber}, Carrier: code})
	if err != nil {
		return models.EventBatch{}, errors.Wrap(err, "encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/getpackageinfo", bytes.NewReader(body))
	if err != nil {
		return models.EventBatch{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("APIKey", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return models.EventBatch{}, trackerr.FromTransport(err, "17track request")
	}
	defer resp.Body.Close()

	if err := c.statusError(resp, trackingNumber); err != nil {
		return models.EventBatch{}, err
	}

	var rb respBody
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return models.EventBatch{}, trackerr.Transient(err, "decode 17track response")
	}
	if rb.Code != 0 {
		return models.EventBatch{}, trackerr.InvalidInput("17track rejected request: code %d %s", rb.Code, rb.Message)
	}
	info, ok := rb.Data[trackingNumber]
	if !ok {
		return models.EventBatch{}, trackerr.NotFound("tracking number %s unknown to 17track", trackingNumber)
	}

	receivedAt := c.now().UTC()
	batch := models.EventBatch{
		TrackingNumber: trackingNumber,
		Carrier:        carrierCode,
		Source:         models.SourcePoll,
		ReceivedAt:     receivedAt,
		Events:         make([]models.RawEvent, 0, len(info.Events)),
	}
	latest := -1
	for _, e := range info.Events {
		ts, ok := parseTime(e.Time)
		if !ok && strings.TrimSpace(e.Time) != "" {
			slog.Warn("unreadable carrier event time",
				"tracking_number", trackingNumber,
				"time", e.Time,
				"description", e.Description,
			)
		}
		batch.Events = append(batch.Events, models.RawEvent{
			Timestamp:   ts,
			Location:    e.Location,
			Description: e.Description,
			StatusCode:  e.Status,
		})
		if latest < 0 || ts.After(batch.Events[latest].Timestamp) {
			latest = len(batch.Events) - 1
		}
	}
	// The package-level status describes the newest scan.
	if latest >= 0 && batch.Events[latest].StatusCode == "" {
		batch.Events[latest].StatusCode = info.Status
	}
	return batch, nil
}

func (c *Client) statusError(resp *http.Response, trackingNumber string) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := "17track http " + strconv.Itoa(resp.StatusCode)
	if s := strings.TrimSpace(string(snippet)); s != "" {
		msg += ": " + s
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return trackerr.RateLimited(retryAfter(resp.Header.Get("Retry-After"), c.now(), c.cooldown), msg)
	case resp.StatusCode == http.StatusNotFound:
		return trackerr.NotFound("tracking number %s: %s", trackingNumber, msg)
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusUnprocessableEntity:
		return trackerr.InvalidInput("%s", msg)
	default:
		return trackerr.Transient(nil, msg)
	}
}

// retryAfter accepts both delta-seconds and HTTP-date forms.
func retryAfter(v string, now time.Time, fallback time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}

// parseTime returns the zero time for missing or unparseable values.
func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
