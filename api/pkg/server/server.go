package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/fleetml/fleet/api/pkg/core"
)

// Server is the HTTP face of the control plane: the operator API under
// /api/v1, the inference proxy under /v1, and the metrics endpoint.
type Server struct {
	core *core.Core
	addr string
}

func NewServer(c *core.Core) *Server {
	return &Server{
		core: c,
		addr: fmt.Sprintf("%s:%d", c.Config.Server.Host, c.Config.Server.Port),
	}
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware)

	router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if s.core.PromRegistry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.core.PromRegistry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/models", s.createModel).Methods(http.MethodPost)
	api.HandleFunc("/models", s.listModels).Methods(http.MethodGet)
	api.HandleFunc("/models/{id}", s.getModel).Methods(http.MethodGet)
	api.HandleFunc("/models/{id}", s.updateModel).Methods(http.MethodPut)
	api.HandleFunc("/models/{id}", s.deleteModel).Methods(http.MethodDelete)

	api.HandleFunc("/models/{id}/start", s.startModel).Methods(http.MethodPost)
	api.HandleFunc("/models/{id}/stop", s.stopModel).Methods(http.MethodPost)
	api.HandleFunc("/models/{id}/restart", s.restartModel).Methods(http.MethodPost)
	api.HandleFunc("/models/{id}/status", s.modelStatus).Methods(http.MethodGet)
	api.HandleFunc("/models/{id}/health-check", s.checkModelHealth).Methods(http.MethodPost)

	api.HandleFunc("/scheduler/schedule/{id}", s.scheduleModel).Methods(http.MethodPost)
	api.HandleFunc("/scheduler/queue", s.recoveryQueue).Methods(http.MethodGet)
	api.HandleFunc("/scheduler/queue/{id}", s.cancelPending).Methods(http.MethodDelete)
	api.HandleFunc("/scheduler/decisions", s.recentDecisions).Methods(http.MethodGet)
	api.HandleFunc("/scheduler/recoveries", s.recoveryAttempts).Methods(http.MethodGet)
	api.HandleFunc("/scheduler/allocations", s.allocationSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/scheduler/policy", s.getPolicy).Methods(http.MethodGet)
	api.HandleFunc("/scheduler/policy", s.updatePolicy).Methods(http.MethodPut)

	api.HandleFunc("/gpus", s.listGPUs).Methods(http.MethodGet)

	api.HandleFunc("/router/targets", s.routerTargets).Methods(http.MethodGet)
	api.HandleFunc("/router/policy", s.getRouterPolicy).Methods(http.MethodGet)
	api.HandleFunc("/router/policy", s.updateRouterPolicy).Methods(http.MethodPut)
	api.HandleFunc("/router/history/{id}", s.routerHistory).Methods(http.MethodGet)

	// Inference traffic. The trailing path is forwarded to the engine as-is.
	router.PathPrefix("/v1/models/{id}/proxy/").HandlerFunc(s.proxy)

	return router
}

// ListenAndServe blocks until the context is cancelled, then drains.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("api server listening")
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("took", time.Since(started)).
			Msg("http request")
	})
}
