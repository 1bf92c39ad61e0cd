package metrics

import (
	"context"
	"crypto/tls"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the Prometheus metrics for formgate.
type Metrics struct {
	// Counters
	ChallengesGenerated *prometheus.CounterVec
	Validations         *prometheus.CounterVec
	Decisions           *prometheus.CounterVec
	HeuristicSignals    *prometheus.CounterVec
	StoreErrors         *prometheus.CounterVec
	SinkErrors          *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec

	// Histograms
	HTTPDuration *prometheus.HistogramVec
}

// Config holds configuration for the metrics server.
type Config struct {
	Enabled    bool
	Addr       string
	TLSCert    string
	TLSKey     string
	RequireTLS bool
}

// LoadConfig loads metrics configuration from environment variables.
func LoadConfig() Config {
	return Config{
		Enabled:    getBool("METRICS_ENABLED", false),
		Addr:       getOr("METRICS_ADDR", "127.0.0.1:9090"),
		TLSCert:    getOr("METRICS_TLS_CERT", ""),
		TLSKey:     getOr("METRICS_TLS_KEY", ""),
		RequireTLS: getBool("METRICS_REQUIRE_TLS", false),
	}
}

// NewMetrics creates and registers all formgate metrics. A nil registerer
// uses the process-wide default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ChallengesGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formgate_challenges_generated_total",
				Help: "Total challenges generated by type and difficulty",
			},
			[]string{"type", "difficulty"},
		),

		Validations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formgate_validations_total",
				Help: "Total challenge validations by type and outcome",
			},
			[]string{"type", "valid"},
		),

		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formgate_decisions_total",
				Help: "Total protection decisions by resulting state",
			},
			[]string{"state"},
		),

		HeuristicSignals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formgate_heuristic_signals_total",
				Help: "Total triggered heuristic signals",
			},
			[]string{"signal"},
		),

		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formgate_store_errors_total",
				Help: "Total keyed store errors by operation",
			},
			[]string{"op"},
		),

		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formgate_sink_errors_total",
				Help: "Total errors writing to an audit sink",
			},
			[]string{"sink", "error_type"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formgate_http_requests_total",
				Help: "Total HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "formgate_http_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method"},
		),
	}

	reg.MustRegister(m.ChallengesGenerated)
	reg.MustRegister(m.Validations)
	reg.MustRegister(m.Decisions)
	reg.MustRegister(m.HeuristicSignals)
	reg.MustRegister(m.StoreErrors)
	reg.MustRegister(m.SinkErrors)
	reg.MustRegister(m.HTTPRequests)
	reg.MustRegister(m.HTTPDuration)

	return m
}

// Server represents the metrics HTTP server.
type Server struct {
	server *http.Server
	config Config
}

// NewServer creates a new metrics server.
func NewServer(config Config) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if config.RequireTLS && config.TLSCert != "" && config.TLSKey != "" {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		server: srv,
		config: config,
	}
}

// Start starts the metrics server in a separate goroutine.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		log.Printf("metrics: disabled (METRICS_ENABLED=false)")
		return nil
	}

	go func() {
		var err error
		if s.config.RequireTLS && s.config.TLSCert != "" && s.config.TLSKey != "" {
			log.Printf("metrics: HTTPS server listening on %s", s.config.Addr)
			err = s.server.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
		} else {
			log.Printf("metrics: HTTP server listening on %s", s.config.Addr)
			err = s.server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			log.Printf("metrics: server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	log.Printf("metrics: shutting down server...")
	return s.server.Shutdown(ctx)
}

// Helper functions
func getOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// Global metrics instance
var defaultMetrics *Metrics

// Get returns the process-wide metrics instance, registering it on first
// use.
func Get() *Metrics {
	if defaultMetrics == nil {
		defaultMetrics = NewMetrics(nil)
	}
	return defaultMetrics
}

// Convenience methods for common operations
func (m *Metrics) IncrementChallengesGenerated(challengeType, difficulty string) {
	m.ChallengesGenerated.WithLabelValues(challengeType, difficulty).Inc()
}

func (m *Metrics) IncrementValidations(challengeType string, valid bool) {
	m.Validations.WithLabelValues(challengeType, strconv.FormatBool(valid)).Inc()
}

func (m *Metrics) IncrementDecisions(state string) {
	m.Decisions.WithLabelValues(state).Inc()
}

func (m *Metrics) IncrementHeuristicSignals(signals ...string) {
	for _, s := range signals {
		m.HeuristicSignals.WithLabelValues(s).Inc()
	}
}

func (m *Metrics) IncrementStoreErrors(op string) {
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) IncrementSinkErrors(sink, errorType string) {
	m.SinkErrors.WithLabelValues(sink, errorType).Inc()
}

func (m *Metrics) IncrementHTTPRequests(endpoint, method, status string) {
	m.HTTPRequests.WithLabelValues(endpoint, method, status).Inc()
}

func (m *Metrics) ObserveHTTPDuration(endpoint, method string, duration time.Duration) {
	m.HTTPDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}
