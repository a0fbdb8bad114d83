package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"cortexflow/config"
	"cortexflow/internal/metrics"
	"cortexflow/logger"
)

const defaultPort = "8080"

// StatusFunc reports the recorder's current state for /api/status.
type StatusFunc func() any

// Server is the recorder's JSON status API: recorder status, recent
// metrics, recent logs and host resource samples.
type Server struct {
	cfg       config.DashboardConfig
	log       *logger.Log
	metrics   *metricStore
	logStore  *logStore
	handlerID metrics.MetricHandlerID
	sampler   *resourceSampler

	mu       sync.RWMutex
	status   StatusFunc
	boundTo  string
	shutdown func(context.Context) error
}

// NewServer returns nil without error when the dashboard is disabled. The
// server starts collecting metrics and logs immediately.
func NewServer(cfg config.DashboardConfig, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}

	s := &Server{
		cfg:      cfg,
		log:      log,
		metrics:  newMetricStore(cfg.MetricsHistory),
		logStore: newLogStore(cfg.LogHistory, level),
		sampler:  newResourceSampler(cfg.MetricsHistory, cfg.RefreshInterval, cfg.DiskPath, log),
	}
	s.handlerID = metrics.RegisterMetricHandler(s.metrics.handle)
	log.AddHook(s.logStore)
	return s, nil
}

// SetStatus installs the source of /api/status.
func (s *Server) SetStatus(fn StatusFunc) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.status = fn
	s.mu.Unlock()
}

// Address is the configured address, or the bound one once Run listens.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.boundTo != "" {
		return s.boundTo
	}
	return s.cfg.Address
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.router(appName), ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.boundTo = ln.Addr().String()
	s.shutdown = srv.Shutdown
	s.mu.Unlock()

	s.sampler.start(ctx)
	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.boundTo}).Info("dashboard serving")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	<-errCh
	return nil
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.handlerID)
	s.logStore.close()
	s.sampler.stop()
}

func (s *Server) router(appName string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	// no proxies are trusted; the error only reports invalid CIDRs
	_ = r.SetTrustedProxies(nil)

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app":                 appName,
			"refresh_interval_ms": s.cfg.RefreshInterval.Milliseconds(),
			"endpoints":           []string{"/api/status", "/api/metrics", "/api/logs", "/api/resources"},
		})
	})
	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/metrics", s.handleMetrics)
	api.GET("/logs", s.handleLogs)
	api.GET("/resources", s.handleResources)
	return r
}

func (s *Server) handleStatus(c *gin.Context) {
	s.mu.RLock()
	fn := s.status
	s.mu.RUnlock()
	if fn == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "recorder not started"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": fn()})
}

// handleMetrics serves the metric history, or the latest value per
// component/name with ?latest=true.
func (s *Server) handleMetrics(c *gin.Context) {
	if c.Query("latest") == "true" {
		c.JSON(http.StatusOK, gin.H{"metrics": s.metrics.current()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": s.metrics.snapshot(nil)})
}

func (s *Server) handleLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.logStore.records(c.Query("component"))})
}

func (s *Server) handleResources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resources": s.sampler.samples()})
}

// normalizeAddress turns what operators tend to write (":9000", "*:80", a
// bare host, a URL) into host:port, defaulting to 0.0.0.0 and port 8080.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return net.JoinHostPort("0.0.0.0", defaultPort)
	}
	if strings.Contains(addr, "://") {
		if u, err := url.Parse(addr); err == nil && u.Host != "" {
			addr = u.Host
		}
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = defaultPort
		}
		return net.JoinHostPort(host, port)
	}
	// no port: a bare hostname, IPv4 or IPv6 literal
	return net.JoinHostPort(strings.Trim(addr, "[]"), defaultPort)
}
