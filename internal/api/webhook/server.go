package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/services/reconciler"
	"github.com/BearBump/ParcelSync/internal/services/scheduler"
	"github.com/BearBump/ParcelSync/internal/trackerr"
)

type Scheduler interface {
	Trigger()
	Stats() scheduler.Stats
}

type ReconcilerStats interface {
	Stats() reconciler.Stats
}

type ServerOpts struct {
	Addr string
	// SwaggerPath enables /swagger.json and /docs/* when set.
	SwaggerPath string
	OnListen    func(addr string)

	Ingestor   *Ingestor
	Scheduler  Scheduler
	Reconciler ReconcilerStats
}

type envelope struct {
	Success bool          `json:"success"`
	Data    any           `json:"data,omitempty"`
	Error   string        `json:"error,omitempty"`
	Code    trackerr.Kind `json:"code,omitempty"`
}

// Run serves the push endpoint until ctx is done. A clean shutdown returns nil.
func Run(ctx context.Context, opts ServerOpts) error {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	h, err := NewRouter(opts)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", opts.Addr)
	}
	if opts.OnListen != nil {
		opts.OnListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("webhook server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func NewRouter(opts ServerOpts) (http.Handler, error) {
	if opts.Ingestor == nil {
		return nil, errors.New("webhook ingestor is required")
	}
	if opts.SwaggerPath != "" {
		if _, err := os.Stat(opts.SwaggerPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("swagger file not found: %s", opts.SwaggerPath)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Post("/webhook", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, envelope{Error: "payload too large", Code: trackerr.KindInvalidInput})
				return
			}
			writeError(w, trackerr.InvalidInput("read body: %v", err))
			return
		}

		out, err := opts.Ingestor.Ingest(r.Context(), body, models.SourceWebhook)
		if err != nil {
			slog.Warn("webhook not applied",
				"request_id", middleware.GetReqID(r.Context()),
				"error", err.Error(),
			)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: out})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{"webhook": opts.Ingestor.Stats()}
		if opts.Reconciler != nil {
			out["reconciler"] = opts.Reconciler.Stats()
		}
		if opts.Scheduler != nil {
			out["scheduler"] = opts.Scheduler.Stats()
		}
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: out})
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		if opts.Scheduler == nil {
			writeJSON(w, http.StatusServiceUnavailable, envelope{Error: "scheduler not wired", Code: trackerr.KindInternal})
			return
		}
		opts.Scheduler.Trigger()
		writeJSON(w, http.StatusAccepted, envelope{Success: true, Data: map[string]bool{"triggered": true}})
	})

	if opts.SwaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.SwaggerPath)
		})
		swaggerURL := "/swagger.json"
		if fi, err := os.Stat(opts.SwaggerPath); err == nil {
			swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
		}
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	}

	return r, nil
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, trackerr.HTTPStatus(err), envelope{Error: err.Error(), Code: trackerr.KindOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
