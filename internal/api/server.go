// Package api exposes the batch cloud to the orchestrator over HTTP:
// label queries, provisioning, node lifecycle events and the
// configuration save path.
package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terrpan/batchcloud/internal/cloud"
	"github.com/terrpan/batchcloud/internal/credentials"
	"github.com/terrpan/batchcloud/internal/health"
	"github.com/terrpan/batchcloud/internal/node"
)

// plannedTTL is how long a completed planned node stays queryable.
const plannedTTL = 15 * time.Minute

// Options holds the collaborators the Server needs.
type Options struct {
	Provisioner *cloud.Provisioner
	Snapshot    *cloud.Snapshot
	Inventory   *node.Inventory
	Credentials credentials.Store
	Logger      *slog.Logger

	// Prometheus mounts promhttp at /metrics.
	Prometheus bool

	// WaitTimeout bounds ?wait=true provisioning requests.  Default: 5m.
	WaitTimeout time.Duration
}

// Server routes orchestrator requests to the cloud.
type Server struct {
	provisioner *cloud.Provisioner
	snapshot    *cloud.Snapshot
	inventory   *node.Inventory
	creds       credentials.Store
	logger      *slog.Logger
	waitTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	planned map[string]*plannedEntry

	router *mux.Router
}

type plannedEntry struct {
	node      *cloud.PlannedNode
	createdAt time.Time
}

// New creates a Server and registers its routes.
func New(opts Options) *Server {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 5 * time.Minute
	}

	s := &Server{
		provisioner: opts.Provisioner,
		snapshot:    opts.Snapshot,
		inventory:   opts.Inventory,
		creds:       opts.Credentials,
		logger:      opts.Logger,
		waitTimeout: opts.WaitTimeout,
		now:         time.Now,
		planned:     make(map[string]*plannedEntry),
		router:      mux.NewRouter(),
	}

	s.router.Use(s.logRequests)
	s.router.HandleFunc("/healthz", health.Handler(s.healthInfo))
	if opts.Prometheus {
		s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/cloud", s.getCloud).Methods(http.MethodGet)
	v1.HandleFunc("/cloud", s.putCloud).Methods(http.MethodPut)
	v1.HandleFunc("/cloud/can-provision", s.canProvision).Methods(http.MethodGet)
	v1.HandleFunc("/cloud/provision", s.provision).Methods(http.MethodPost)
	v1.HandleFunc("/planned/{name}", s.getPlanned).Methods(http.MethodGet)
	v1.HandleFunc("/credentials", s.listCredentials).Methods(http.MethodGet)

	nodes := v1.PathPrefix("/nodes").Subrouter()
	nodes.HandleFunc("", s.listNodes).Methods(http.MethodGet)
	nodes.HandleFunc("/{name}", s.getNode).Methods(http.MethodGet)
	nodes.HandleFunc("/{name}", s.deleteNode).Methods(http.MethodDelete)
	nodes.HandleFunc("/{name}/tasks/started", s.taskStarted).Methods(http.MethodPost)
	nodes.HandleFunc("/{name}/tasks/completed", s.taskCompleted).Methods(http.MethodPost)

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthInfo() (string, string, int) {
	cfg := s.snapshot.Load()
	return cfg.Name, cfg.Hostname, len(s.inventory.List())
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// ---------------------------------------------------------------------------
// Planned node tracking
// ---------------------------------------------------------------------------

func (s *Server) trackPlanned(p *cloud.PlannedNode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for name, e := range s.planned {
		if _, done, _ := e.node.Result(); done && now.Sub(e.createdAt) >= plannedTTL {
			delete(s.planned, name)
		}
	}
	s.planned[p.Name] = &plannedEntry{node: p, createdAt: now}
}

func (s *Server) lookupPlanned(name string) (*cloud.PlannedNode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.planned[name]
	if !ok {
		return nil, false
	}
	return e.node, true
}
