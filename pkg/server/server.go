package server

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/nicktill/telemetryd/pkg/activity"
	"github.com/nicktill/telemetryd/pkg/clock"
	"github.com/nicktill/telemetryd/pkg/config"
	"github.com/nicktill/telemetryd/pkg/export"
	"github.com/nicktill/telemetryd/pkg/logging"
	"github.com/nicktill/telemetryd/pkg/metrics"
	"github.com/nicktill/telemetryd/pkg/server/monitor"
	"github.com/nicktill/telemetryd/pkg/stream"
	"github.com/nicktill/telemetryd/pkg/timeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps is everything the ops HTTP surface reads from or writes to.
type Deps struct {
	Stream     stream.Client
	Activities activity.Store
	Runners    []*timeline.Runner
	Reduction  *monitor.ReductionMonitor
	Storage    *monitor.StorageMonitor // nil when running in memory
	Hub        *EventHub
	Gatherer   prometheus.Gatherer
	Metrics    metrics.Sink
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Server holds the handlers of the ops HTTP surface.
type Server struct {
	deps    Deps
	clock   clock.Clock
	log     *slog.Logger
	started time.Time
}

func New(deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Reduction == nil {
		deps.Reduction = monitor.NewReductionMonitor(deps.Clock, nil)
	}
	return &Server{
		deps:    deps,
		clock:   deps.Clock,
		log:     logging.OrDefault(deps.Logger).With("component", "http"),
		started: deps.Clock.Now(),
	}
}

// Routes builds the router. addr is the listen address, used to work out
// which browser origins may call the API.
func (s *Server) Routes(addr string) *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware(portOf(addr)))
	router.Use(metricsMiddleware(s.deps.Metrics))

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	api.HandleFunc("/topics", s.handleListTopics).Methods("GET")
	api.HandleFunc("/topics/{topic}/records", s.handleAppendRecords).Methods("POST")
	api.HandleFunc("/topics/{topic}/records", s.handleReadRecords).Methods("GET")

	backup := export.NewHandler(s.deps.Stream, s.deps.Logger)
	api.HandleFunc("/topics/{topic}/export", backup.HandleExport).Methods("GET")
	api.HandleFunc("/topics/{topic}/import", backup.HandleImport).Methods("POST")

	if s.deps.Hub != nil {
		api.Handle("/timelines/ws", s.deps.Hub).Methods("GET")
	}
	api.HandleFunc("/timelines/{timeline}/activities", s.handleCreateActivity).Methods("POST")
	api.HandleFunc("/timelines/{timeline}/activities", s.handleListActivities).Methods("GET")
	api.HandleFunc("/timelines/{timeline}/activities/{score}", s.handleGetActivity).Methods("GET")
	api.HandleFunc("/timelines/{timeline}/activities/{score}", s.handleUpdateActivity).Methods("PUT")
	api.HandleFunc("/timelines/{timeline}/activities/{score}", s.handleDeleteActivity).Methods("DELETE")

	router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	return router
}

// NewHTTPServer wraps handler with the configured timeouts.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  config.HTTPReadTimeout,
		WriteTimeout: config.HTTPWriteTimeout,
	}
}

func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return port
}

// corsMiddleware lets browser tools on localhost call the API.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowed := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
