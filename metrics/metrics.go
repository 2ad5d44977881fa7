package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gammadia/towerlaunch/batch"
	"github.com/gammadia/towerlaunch/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "towerlaunch"

// Collector turns batch events into Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	launched  *prometheus.CounterVec
	completed *prometheus.CounterVec
	active    *prometheus.GaugeVec
	polls     *prometheus.CounterVec

	mu sync.Mutex
	// dataset/stage pairs whose run is counted as active
	running map[string]bool
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		launched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_launched_total",
			Help:      "Runs launched (or reused) per stage.",
		}, []string{"stage"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Runs that reached a final status, per stage and status.",
		}, []string{"stage", "status"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Runs launched and not done yet, per stage.",
		}, []string{"stage"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Run status checks, by result.",
		}, []string{"result"}),
		running: map[string]bool{},
	}

	c.registry.MustRegister(
		c.launched,
		c.completed,
		c.active,
		c.polls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Observe consumes events until the channel is closed.
func (c *Collector) Observe(events <-chan batch.Event) {
	for event := range events {
		c.observe(event)
	}
}

func (c *Collector) observe(event batch.Event) {
	switch event := event.(type) {
	case batch.EventRunLaunched:
		c.launched.WithLabelValues(event.Stage).Inc()
		c.start(event.Dataset, event.Stage)
	case batch.EventRunPolled:
		c.polls.WithLabelValues("ok").Inc()
	case batch.EventRunPollFailed:
		c.polls.WithLabelValues("error").Inc()
	case batch.EventRunCompleted:
		c.completed.WithLabelValues(event.Stage, string(event.Status)).Inc()
		c.stop(event.Dataset, event.Stage)
	case batch.EventStageFailed:
		c.stop(event.Dataset, event.Stage)
	}
}

func (c *Collector) start(dataset string, stage string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := dataset + "/" + stage
	if !c.running[key] {
		c.running[key] = true
		c.active.WithLabelValues(stage).Inc()
	}
}

func (c *Collector) stop(dataset string, stage string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := dataset + "/" + stage
	if c.running[key] {
		delete(c.running, key)
		c.active.WithLabelValues(stage).Dec()
	}
}

// Handler serves /metrics and /healthz.
func (c *Collector) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	router.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry}))
	return router
}

// Serve listens on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	return c.serve(ctx, listener)
}

func (c *Collector) serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("Metrics server shutdown", "error", err)
		}
	}()

	log.Info("Serving metrics", "addr", listener.Addr().String())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
