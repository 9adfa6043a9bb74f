package dashboard

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"marketfeed/config"
	"marketfeed/internal/metrics"
	"marketfeed/logger"
)

//go:embed templates/*.tmpl assets/*
var embeddedFS embed.FS

const (
	defaultPort     = "8080"
	shutdownTimeout = 5 * time.Second
)

// VendorLister reports the vendors that have a streaming client.
type VendorLister func() []string

// Server hosts the monitoring page, its JSON API, the Prometheus endpoint and
// the health probe.
type Server struct {
	cfg     config.DashboardConfig
	vendors VendorLister
	log     *logger.Log

	metrics   *metricStore
	logs      *logStore
	sampler   *feedSampler
	handlerID metrics.MetricHandlerID
}

// NewServer returns nil when the dashboard is disabled. It subscribes to the
// metric feed and the logger immediately; Run releases both on exit. vendors
// may be nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, vendors VendorLister) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		vendors: vendors,
		log:     log,
		metrics: newMetricStore(cfg.MetricsHistory),
		logs:    newLogStore(cfg.LogHistory),
		sampler: newFeedSampler(cfg.MetricsHistory, cfg.RefreshInterval, log),
	}
	s.handlerID = metrics.RegisterMetricHandler(s.metrics.handle)
	log.AddHook(s.logs)
	return s, nil
}

// Address is the normalised host:port the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}
	s.sampler.start(ctx)

	srv := &http.Server{Addr: s.cfg.Address, Handler: router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.handlerID)
	s.logs.close()
	s.sampler.stop()
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	tmpl, err := template.New("dashboard").ParseFS(embeddedFS, "templates/index.tmpl")
	if err != nil {
		return nil, err
	}
	router.SetHTMLTemplate(tmpl)
	assets, err := fs.Sub(embeddedFS, "assets")
	if err != nil {
		return nil, err
	}
	router.StaticFS("/assets", http.FS(assets))

	router.GET("/", func(c *gin.Context) {
		c.HTML(http.StatusOK, "index.tmpl", gin.H{
			"AppName":           appName,
			"RefreshIntervalMs": s.cfg.RefreshInterval.Milliseconds(),
		})
	})
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.GET("/vendors", s.handleVendors)
	api.GET("/metrics", s.handleMetrics)
	api.GET("/logs", s.handleLogs)
	api.GET("/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
	})
	return router, nil
}

func (s *Server) handleVendors(c *gin.Context) {
	registered := []string{}
	if s.vendors != nil {
		registered = append(registered, s.vendors()...)
	}
	counters := logger.Snapshot()
	streams := make([]gin.H, 0, len(counters))
	for _, v := range counters {
		events := make(gin.H, len(v.Counts))
		for ev, n := range v.Counts {
			events[string(ev)] = n
		}
		streams = append(streams, gin.H{"vendor": v.Vendor, "bytes": v.Bytes, "events": events})
	}
	c.JSON(http.StatusOK, gin.H{"registered": registered, "streams": streams})
}

// handleMetrics accepts ?name= to narrow the list to one metric.
func (s *Server) handleMetrics(c *gin.Context) {
	stored := s.metrics.snapshot(c.Query("name"))
	out := make([]gin.H, 0, len(stored))
	for _, m := range stored {
		out = append(out, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"vendor":    m.Vendor,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": out})
}

// handleLogs accepts ?vendor= to narrow the list to one vendor.
func (s *Server) handleLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.logs.snapshot(c.Query("vendor"))})
}

// normalizeAddress turns the configured listen address into host:port. It
// accepts bare hosts, ":port", "*:port" and URLs such as http://host:port.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.Contains(addr, "://") {
		if u, err := url.Parse(addr); err == nil && u.Host != "" {
			addr = u.Host
		}
	}
	if addr == "" {
		return net.JoinHostPort("0.0.0.0", defaultPort)
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// no port: a bare host name or IP, possibly IPv6
		host, port = strings.Trim(addr, "[]"), defaultPort
	}
	if host == "" || host == "*" {
		host = "0.0.0.0"
	}
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(host, port)
}
