package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/micro-ha/minion-fleet/controller/internal/http/handlers"
)

// NewRouter builds the HTTP routing tree. Device actions and the event
// stream run without the request timeout since captures take minutes.
func NewRouter(api *handlers.API) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RecoverJSON(api))
	r.Use(RequestLogger(api))

	r.Get("/healthz", api.Health)
	r.Route("/api", func(apiRouter chi.Router) {
		apiRouter.Group(func(fast chi.Router) {
			fast.Use(middleware.Timeout(20 * time.Second))
			fast.Get("/devices", api.ListDevices)
			fast.Get("/devices/{address}", func(w http.ResponseWriter, r *http.Request) {
				api.GetDevice(w, r, chi.URLParam(r, "address"))
			})
			fast.Get("/discovery", api.Discover)
			fast.Post("/image", api.ImageFleet)
			fast.Post("/update", api.UpdateFleet)
			fast.Post("/refresh", api.Refresh)
			fast.Get("/runs/last", api.LastRun)
		})

		apiRouter.Post("/devices/{address}/image", func(w http.ResponseWriter, r *http.Request) {
			api.ImageDevice(w, r, chi.URLParam(r, "address"))
		})
		apiRouter.Post("/devices/{address}/update", func(w http.ResponseWriter, r *http.Request) {
			api.UpdateDevice(w, r, chi.URLParam(r, "address"))
		})
		apiRouter.Post("/positioning", api.Position)
		apiRouter.Get("/events", api.Events)
	})
	return r
}

// RunServer starts and gracefully stops HTTP server with context cancellation.
func RunServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "err", err)
			return err
		}
		return nil
	}
}
