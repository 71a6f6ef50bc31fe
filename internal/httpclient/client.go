package httpclient

import (
	"log/slog"
	"net/http"
	"time"
)

// LoggingRoundTripper logs every outbound carrier call. Request headers are
// never logged since they carry the API key.
type LoggingRoundTripper struct {
	Proxied http.RoundTripper
	Logger  *slog.Logger
}

func (lrt *LoggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	log := lrt.Logger
	if log == nil {
		log = slog.Default()
	}
	start := time.Now()

	resp, err := lrt.Proxied.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		log.Warn("http request failed",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"duration", duration,
			"error", err.Error(),
		)
		return nil, err
	}

	log.Debug("http request completed",
		"method", req.Method,
		"url", req.URL.Redacted(),
		"status_code", resp.StatusCode,
		"duration", duration,
	)
	return resp, nil
}

// NewClient returns an http.Client with logging middleware.
func NewClient(timeout time.Duration, logger *slog.Logger) *http.Client {
	return &http.Client{
		Transport: &LoggingRoundTripper{
			Proxied: http.DefaultTransport,
			Logger:  logger,
		},
		Timeout: timeout,
	}
}
