package apiserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/acorn-io/acorn-ddns/pkg/metrics"
	"github.com/acorn-io/acorn-ddns/pkg/propagation"
	"github.com/acorn-io/acorn-ddns/pkg/updater"
	"github.com/acorn-io/acorn-ddns/pkg/version"
	ghandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

type Config struct {
	Port           int
	DashboardToken string
	// UpdateRate is the steady per-IP request rate on the update endpoints.
	// Zero disables rate limiting.
	UpdateRate  rate.Limit
	UpdateBurst int

	// TrustProxy takes the caller address from X-Forwarded-For, X-Real-IP
	// or Forwarded. Only enable it behind a proxy that overwrites them.
	TrustProxy bool
}

type apiServer struct {
	ctx     context.Context
	log     *logrus.Entry
	cfg     Config
	updates *updater.Service
	streams *propagation.Service
}

func NewAPIServer(ctx context.Context, log *logrus.Entry, cfg Config, updates *updater.Service, streams *propagation.Service) *apiServer {
	return &apiServer{
		ctx:     ctx,
		log:     log,
		cfg:     cfg,
		updates: updates,
		streams: streams,
	}
}

// Router builds the HTTP handler with every route and middleware installed.
func (a *apiServer) Router() http.Handler {
	router := mux.NewRouter().StrictSlash(true)
	if a.cfg.TrustProxy {
		router.Use(ghandlers.ProxyHeaders)
	}
	router.Use(loggingMiddleware(a.log))
	h := newHandler(a.updates, a.streams, a.log)
	limiter := newIPRateLimiter(a.ctx, a.cfg.UpdateRate, a.cfg.UpdateBurst)

	// When functioning properly, these routes will return the version of tha app that is running
	router.Path("/").HandlerFunc(h.root)
	router.Path("/healthz").HandlerFunc(h.root)
	router.Path("/metrics").Handler(metrics.Handler())

	// Plain-text update protocol: token auth and dyndns2 Basic auth.
	text := router.NewRoute().Subrouter()
	text.Use(rateLimitMiddleware(limiter, h.rejectText))
	text.Path("/update").Methods("GET", "POST").HandlerFunc(h.updateText)
	text.Path("/nic/update").Methods("GET", "POST").HandlerFunc(h.updateLegacy)

	api := router.PathPrefix("/v1").Subrouter()

	native := api.NewRoute().Subrouter()
	native.Use(rateLimitMiddleware(limiter, h.rejectJSON))
	native.Path("/update").Methods("GET", "POST").HandlerFunc(h.updateJSON)

	api.Path("/status").Methods("GET").HandlerFunc(h.status)
	api.Path("/history").Methods("GET").HandlerFunc(h.history)

	// The dashboard stream is authenticated with the shared dashboard token.
	dashboard := api.PathPrefix("/owners/{owner}").Subrouter()
	dashboard.Use(dashboardAuthMiddleware(a.cfg.DashboardToken))
	dashboard.Path("/stream").Methods("GET").HandlerFunc(h.stream)

	// Note: this allows not found urls to be logged via the middleware
	// It **HAS** to be defined after all other paths are defined.
	router.NotFoundHandler = router.NewRoute().HandlerFunc(http.NotFound).GetHandler()

	return ghandlers.CORS()(router)
}

// Start serves until the server context is done, then shuts down and waits
// for pending update side effects.
func (a *apiServer) Start() error {
	a.log.Infof("Version: %s", version.Get())

	// Streams hang off the server context so they end when it is cancelled.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.port()),
		Handler:           a.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return a.ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("port", a.port()).Info("starting api server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-a.ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	a.log.Info("shutting down the api server gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	a.updates.Wait()
	if err != nil {
		a.log.WithError(err).Error("unable to shutdown the api server gracefully")
		return err
	}

	return nil
}

func (a *apiServer) port() int {
	if a.cfg.Port == 0 {
		return 4315
	}
	return a.cfg.Port
}
