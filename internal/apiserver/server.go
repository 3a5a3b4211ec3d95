// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver exposes the back office service over HTTP for
// front ends that do not embed it.
package apiserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tillpoint/backoffice/internal/queue"
	"github.com/tillpoint/backoffice/internal/reconcile"
	"github.com/tillpoint/backoffice/internal/shift"
)

var logger = loggo.GetLogger("backoffice.apiserver")

// Backend is the part of the back office service served over HTTP.
type Backend interface {
	Online() bool
	Pending() int
	ForceSync(ctx context.Context) (queue.DrainResult, error)
	ActiveShift(ctx context.Context) (shift.Shift, error)
	OpenShift(ctx context.Context, args shift.OpenArgs) (shift.Outcome, error)
	CloseShift(ctx context.Context, args shift.CloseArgs) (shift.Outcome, error)
	Preview(ctx context.Context, counted reconcile.Counted, adjustments []reconcile.Adjustment) (reconcile.Result, error)
	Reconcile(sales []reconcile.Sale, counted reconcile.Counted, adjustments []reconcile.Adjustment) reconcile.Result
}

// Config holds the dependencies of the HTTP handler.
type Config struct {
	Backend Backend

	// Registry is gathered for /metrics. Request metrics are registered
	// on it too.
	Registry *prometheus.Registry

	// AllowOrigins lists the origins allowed by CORS. Empty disables
	// CORS handling.
	AllowOrigins []string

	// RequestTimeout bounds the context handed to the backend.
	RequestTimeout time.Duration
}

// DefaultRequestTimeout is used when Config.RequestTimeout is zero.
const DefaultRequestTimeout = 30 * time.Second

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Backend == nil {
		return errors.NotValidf("nil Backend")
	}
	if config.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if config.RequestTimeout < 0 {
		return errors.NotValidf("negative request timeout")
	}
	return nil
}

type server struct {
	backend Backend
	timeout time.Duration

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHandler returns the HTTP handler for the API.
func NewHandler(config Config) (http.Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	s := &server{
		backend: config.Backend,
		timeout: config.RequestTimeout,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backoffice",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by route and status.",
		}, []string{"method", "path", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "backoffice",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Time taken to serve HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
	}
	if err := config.Registry.Register(s.requests); err != nil {
		return nil, errors.Annotate(err, "registering request metrics")
	}
	if err := config.Registry.Register(s.duration); err != nil {
		return nil, errors.Annotate(err, "registering request metrics")
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.observe)
	if len(config.AllowOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  config.AllowOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost},
			AllowHeaders:  []string{"Origin", "Content-Type"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	metrics := promhttp.HandlerFor(config.Registry, promhttp.HandlerOpts{})
	r.GET("/metrics", gin.WrapH(metrics))
	r.GET("/status", s.status)
	r.POST("/sync", s.forceSync)
	r.POST("/reconcile", s.reconcile)

	shifts := r.Group("/shifts")
	shifts.GET("/active", s.activeShift)
	shifts.POST("/open", s.openShift)
	shifts.POST("/close", s.closeShift)
	shifts.POST("/preview", s.preview)
	return r, nil
}

func (s *server) observe(c *gin.Context) {
	start := time.Now()
	c.Next()

	path := c.FullPath()
	if path == "" {
		path = "undefined"
	}
	status := c.Writer.Status()
	s.requests.WithLabelValues(c.Request.Method, path, strconv.Itoa(status)).Inc()
	s.duration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	logger.Debugf("%s %s: %d", c.Request.Method, c.Request.URL.Path, status)
}

func (s *server) context(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.timeout)
}
