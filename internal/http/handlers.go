package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"oncoroom-relay/internal/core"
	"oncoroom-relay/pkg"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options carries the transport settings taken from configuration.
type Options struct {
	// ServerURL prefixes the share URL returned for new sessions.
	ServerURL string
	// SendBuffer bounds the outbound queue of each socket.
	SendBuffer int
	// AllowOrigin decides whether a browser origin may connect.  nil allows
	// every origin.
	AllowOrigin func(origin string) bool
	// Ping checks backing stores for the health endpoint.  Optional.
	Ping func(ctx context.Context) error
	// History serves archived messages and stored analyses.  The history
	// routes exist only when it is set.
	History History
}

// History is the persisted side of a consultation.
type History interface {
	PatientMessages(ctx context.Context, patientID string) ([]core.Entry, error)
	LatestAnalysis(ctx context.Context, token string) (json.RawMessage, int, error)
}

// Server bundles together the dependencies required by HTTP handlers and
// the socket transport.  It implements http.Handler so it can be passed to
// http.Server.
type Server struct {
	Log         *zap.Logger
	Relay       *core.Relay
	Registry    *core.Registry
	Transcripts *core.Transcripts
	Patients    core.PatientStore
	Opts        Options

	upgrader websocket.Upgrader
	router   chi.Router

	socketsMu sync.Mutex
	sockets   map[string]*client
	closing   bool
	socketsWG sync.WaitGroup
}

// NewServer constructs a Server and its routes.
func NewServer(logger *zap.Logger, relay *core.Relay, registry *core.Registry, transcripts *core.Transcripts, patients core.PatientStore, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	s := &Server{
		Log:         logger,
		Relay:       relay,
		Registry:    registry,
		Transcripts: transcripts,
		Patients:    patients,
		Opts:        opts,
		sockets:     make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.allowOrigin(r.Header.Get("Origin"))
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool { return s.allowOrigin(origin) },
		AllowedMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:  []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:          300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleSocket)
	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateSession)
		r.Delete("/sessions/{hash}", s.handleCloseSession)
		r.Get("/sessions/{hash}/transcript", s.handleTranscript)
		r.Get("/patients/{patientID}", s.handlePatient)
		if s.Opts.History != nil {
			r.Get("/patients/{patientID}/messages", s.handlePatientMessages)
			r.Get("/sessions/{hash}/analysis", s.handleAnalysis)
		}
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found")
	})
	return r
}

// ServeHTTP dispatches to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) allowOrigin(origin string) bool {
	if s.Opts.AllowOrigin == nil {
		return true
	}
	return s.Opts.AllowOrigin(origin)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// handleHealth reports liveness and, when configured, store connectivity.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{
		"status":    "OK",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.Opts.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Opts.Ping(ctx); err != nil {
			s.Log.Error("health-check: store ping failed", zap.Error(err))
			resp["status"] = "error"
			resp["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCreateSession mints a token for a patient and returns the share URL.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req pkg.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.PatientID = strings.TrimSpace(req.PatientID)
	if req.PatientID == "" {
		writeError(w, http.StatusBadRequest, "patient_id é obrigatório")
		return
	}
	hash := newToken()
	s.Registry.Create(hash, req.PatientID)
	s.Log.Info("session created", zap.String("token", hash))

	writeJSON(w, http.StatusCreated, pkg.CreateSessionResponse{
		Message: "Sessão criada com sucesso",
		URL:     s.Opts.ServerURL + "/" + hash,
		Hash:    hash,
	})
}

// handleCloseSession removes a session, its room and its transcript.
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	s.Relay.CloseSession(chi.URLParam(r, "hash"))
	w.WriteHeader(http.StatusNoContent)
}

// handleTranscript returns the room history for a live session.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if _, ok := s.Registry.Lookup(hash); !ok {
		writeError(w, http.StatusNotFound, "Sessão inválida")
		return
	}
	writeJSON(w, http.StatusOK, s.Transcripts.Snapshot(hash))
}

// handlePatient returns patient metadata from the configured store.
func (s *Server) handlePatient(w http.ResponseWriter, r *http.Request) {
	if s.Patients == nil {
		writeError(w, http.StatusNotFound, "patient not found")
		return
	}
	rec, err := s.Patients.FetchPatient(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		if errors.Is(err, core.ErrPatientNotFound) {
			writeError(w, http.StatusNotFound, "patient not found")
			return
		}
		s.Log.Error("patient lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Erro interno do servidor")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handlePatientMessages returns every archived message of a patient across
// sessions, oldest first.
func (s *Server) handlePatientMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.Opts.History.PatientMessages(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		s.Log.Error("message history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Erro interno do servidor")
		return
	}
	if msgs == nil {
		msgs = []core.Entry{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleAnalysis returns the newest stored analysis of a session in the same
// frame shape the socket pushes.
func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	raw, seq, err := s.Opts.History.LatestAnalysis(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		s.Log.Error("analysis lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Erro interno do servidor")
		return
	}
	if raw == nil {
		writeError(w, http.StatusNotFound, "Nenhuma análise disponível")
		return
	}
	writeJSON(w, http.StatusOK, pkg.Envelope{Event: core.EventAgentAnalysis, Seq: seq, Data: raw})
}

// newToken returns 128 random bits as 32 hex characters.
func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
