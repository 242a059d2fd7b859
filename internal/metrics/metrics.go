package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Usage metrics
	UsagePolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "familyguard_usage_polls_total",
			Help: "Usage event polls by result",
		},
		[]string{"result"},
	)

	UsageEventsConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "familyguard_usage_events_consumed_total",
			Help: "Foreground/background events applied to the local usage store",
		},
	)

	SessionsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "familyguard_sessions_completed_total",
			Help: "Completed app usage sessions",
		},
		[]string{"package"},
	)

	UsageSeconds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "familyguard_usage_seconds_total",
			Help: "Foreground seconds accumulated by completed sessions",
		},
		[]string{"package"},
	)

	SessionPersistErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "familyguard_session_persist_errors_total",
			Help: "Sessions that could not be written to the remote store",
		},
	)

	// Remote control metrics
	RemoteUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "familyguard_remote_updates_total",
			Help: "Remote document snapshots received",
		},
		[]string{"stream"},
	)

	// Enforcement metrics
	Evaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "familyguard_evaluations_total",
			Help: "Policy evaluations by outcome",
		},
		[]string{"outcome"},
	)

	EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "familyguard_evaluation_duration_seconds",
			Help:    "Policy evaluation duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
	)

	NativeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "familyguard_native_calls_total",
			Help: "Calls to the native enforcement bridge",
		},
		[]string{"op", "result"},
	)

	Confirmations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "familyguard_confirmations_total",
			Help: "Remote block confirmation writes by result",
		},
		[]string{"result"},
	)

	ActiveBlocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "familyguard_active_blocks",
			Help: "Number of apps with an active block in the last applied payload",
		},
	)

	ForcedCloses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "familyguard_forced_closes_total",
			Help: "Blocked apps navigated away from by the bridge",
		},
	)
)

func init() {
	prometheus.MustRegister(
		UsagePolls,
		UsageEventsConsumed,
		SessionsCompleted,
		UsageSeconds,
		SessionPersistErrors,
		RemoteUpdates,
		Evaluations,
		EvaluationDuration,
		NativeCalls,
		Confirmations,
		ActiveBlocks,
		ForcedCloses,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler returns the server's HTTP handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
