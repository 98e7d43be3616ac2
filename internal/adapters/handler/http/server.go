package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"previz.stage/internal/core/domain"
	"previz.stage/internal/core/services"
)

const metricsSampleInterval = 5 * time.Second

type Server struct {
	router    *chi.Mux
	sched     *services.Scheduler
	procs     *services.ProcessRegistry
	displays  *services.DisplayManager
	addrs     *services.AddressRegistry
	healthSvc *services.HealthService
	hub       *Hub

	stopGrace     time.Duration
	enableMetrics bool
}

func NewServer(
	sched *services.Scheduler,
	procs *services.ProcessRegistry,
	displays *services.DisplayManager,
	addrs *services.AddressRegistry,
	healthSvc *services.HealthService,
	hub *Hub,
	stopGrace time.Duration,
	enableMetrics bool,
) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		sched:         sched,
		procs:         procs,
		displays:      displays,
		addrs:         addrs,
		healthSvc:     healthSvc,
		hub:           hub,
		stopGrace:     stopGrace,
		enableMetrics: enableMetrics,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	if s.enableMetrics {
		s.router.Use(MetricsMiddleware)
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if s.enableMetrics {
		s.router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			MetricsHandler().ServeHTTP(w, r)
		})
	}

	// Probes
	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/health/ready", s.handleReadiness)
	s.router.Get("/api/health", s.handleDetailedHealth)

	s.router.Get("/api/ws", s.handleWS)

	s.router.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmitJob)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/logs", s.handleGetJobLogs)
		r.Post("/{id}/cancel", s.handleCancelJob)
		r.Delete("/{id}", s.handleDeleteJob)
	})

	s.router.Route("/api/processes", func(r chi.Router) {
		r.Get("/", s.handleListProcesses)
		r.Post("/{name}/stop", s.handleStopProcess)
	})

	s.router.Route("/api/displays", func(r chi.Router) {
		r.Get("/", s.handleListDisplays)
		r.Get("/{display}/url", s.handleDisplayURL)
	})
}

func (s *Server) Run(addr string) error {
	if s.enableMetrics {
		go s.sampleGauges()
	}
	return http.ListenAndServe(addr, s.router)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) sampleGauges() {
	ticker := time.NewTicker(metricsSampleInterval)
	defer ticker.Stop()

	for range ticker.C {
		pending, running := s.sched.Stats()
		SetJobGauges(pending, running)
		SetSupervisedProcesses(s.procs.Count())
		SetActiveDisplays(s.displays.Count())
	}
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	report := s.healthSvc.CheckHealth(r.Context())

	statusCode := http.StatusOK
	if report.Status == services.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ServeWs(s.hub, w, r)
}

type SubmitJobRequest struct {
	Kind     domain.JobKind    `json:"kind"`
	Params   json.RawMessage   `json:"params"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	// Per-kind typed params: dispatch over the closed variant set.
	var params domain.JobParams
	switch req.Kind {
	case domain.JobKindBuild:
		var p domain.BuildParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid build params: "+err.Error())
			return
		}
		if len(p.Command.Argv) == 0 {
			writeError(w, http.StatusBadRequest, "build command argv is required")
			return
		}
		params = p
	case domain.JobKindLaunch:
		var p domain.LaunchParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid launch params: "+err.Error())
			return
		}
		if p.Name == "" || len(p.Command.Argv) == 0 || p.Display == 0 {
			writeError(w, http.StatusBadRequest, "launch requires name, command argv and display")
			return
		}
		params = p
	default:
		writeError(w, http.StatusBadRequest, "unknown job kind "+string(req.Kind))
		return
	}

	id, err := s.sched.Submit(req.Kind, params, req.Metadata)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(s.sched.Get(id))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 500 {
			limit = val
		}
	}

	jobs := s.sched.List(
		domain.JobStatus(r.URL.Query().Get("status")),
		domain.JobKind(r.URL.Query().Get("kind")),
		limit,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job := s.sched.Get(chi.URLParam(r, "id"))
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

func (s *Server) handleGetJobLogs(w http.ResponseWriter, r *http.Request) {
	job := s.sched.Get(chi.URLParam(r, "id"))
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	for _, line := range job.Log {
		w.Write([]byte(line + "\n"))
	}
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sched.Cancel(id) {
		writeError(w, http.StatusConflict, "job not cancellable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "cancelled", "job_id": id})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sched.Delete(id) {
		writeError(w, http.StatusConflict, "job not deletable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.procs.List())
}

type StopProcessRequest struct {
	GraceSeconds int `json:"grace_seconds,omitempty"`
}

func (s *Server) handleStopProcess(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	grace := s.stopGrace
	var req StopProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.GraceSeconds > 0 {
		grace = time.Duration(req.GraceSeconds) * time.Second
	}

	// Already-exited targets report success too.
	if err := s.procs.Stop(name, grace); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "stopped", "name": name})
}

func (s *Server) handleListDisplays(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.displays.Sessions())
}

func (s *Server) handleDisplayURL(w http.ResponseWriter, r *http.Request) {
	display, err := strconv.Atoi(chi.URLParam(r, "display"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid display number")
		return
	}

	// Behind a reverse proxy the externally visible port lies; keep only
	// the hostname and recombine it with the registry's ports.
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	clientHost := services.ExtractClientHost(host)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"url": s.addrs.ResolveClientURL(display, clientHost),
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
