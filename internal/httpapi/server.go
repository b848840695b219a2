// Package httpapi exposes the key-value client over HTTP for the web
// front-end.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/netutil"

	"github.com/yuuki/rdmakv/internal/kv"
)

// maxBodyBytes caps request bodies; operations must fit an RDMA buffer
const maxBodyBytes = 1 << 16

// Backend is the key-value connection driven by the API
type Backend interface {
	// Login establishes a connection to the server at serverIP, replacing
	// the current one
	Login(ctx context.Context, serverIP string) error
	Do(ctx context.Context, op kv.Op) (string, error)
	Connected() bool
}

// Server is the HTTP API server
type Server struct {
	backend  Backend
	metrics  *httpMetrics
	handler  http.Handler
	srv      *http.Server
	maxConns int
}

// NewServer builds the router. maxConns <= 0 leaves connections unlimited.
func NewServer(addr string, maxConns int, backend Backend) *Server {
	s := &Server{
		backend:  backend,
		metrics:  newHTTPMetrics(),
		maxConns: maxConns,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(s.metrics.middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	r.Post("/login", s.handleLogin)
	r.Post("/opt", s.handleOpt)

	s.handler = r
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves until Shutdown is called
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called
func (s *Server) Serve(ln net.Listener) error {
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	log.Info().Str("addr", ln.Addr().String()).Int("max_conns", s.maxConns).Msg("Starting HTTP API server")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type loginRequest struct {
	ServerIP string `json:"server_ip"`
}

type loginResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type optRequest struct {
	Operation kv.Op `json:"operation"`
}

type optResponse struct {
	Success bool   `json:"success"`
	Result  string `json:"result"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Connected: s.backend.Connected()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, loginResponse{Message: fmt.Sprintf("Invalid request: %v", err)})
		return
	}
	if req.ServerIP == "" {
		writeJSON(w, http.StatusBadRequest, loginResponse{Message: "Invalid request: server_ip is required"})
		return
	}

	if err := s.backend.Login(r.Context(), req.ServerIP); err != nil {
		log.Error().Err(err).Str("server_ip", req.ServerIP).Msg("Login failed")
		s.metrics.connected.Set(boolGauge(s.backend.Connected()))
		writeJSON(w, http.StatusOK, loginResponse{Message: fmt.Sprintf("Failed to connect: %v", err)})
		return
	}
	s.metrics.connected.Set(1)
	writeJSON(w, http.StatusOK, loginResponse{Success: true, Message: "Successfully connected to RDMA server"})
}

func (s *Server) handleOpt(w http.ResponseWriter, r *http.Request) {
	var req optRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, optResponse{Result: fmt.Sprintf("Invalid request: %v", err)})
		return
	}
	if req.Operation.Kind == 0 {
		writeJSON(w, http.StatusBadRequest, optResponse{Result: "Invalid request: operation is required"})
		return
	}

	op := req.Operation
	value, err := s.backend.Do(r.Context(), op)
	s.metrics.opsTotal.WithLabelValues(op.Kind.String(), fmt.Sprint(err == nil)).Inc()
	if err != nil {
		log.Error().Err(err).Stringer("op", op).Msg("Operation failed")
		writeJSON(w, http.StatusOK, optResponse{Result: fmt.Sprintf("Operation failed: %v", err)})
		return
	}
	result := "Operation completed successfully"
	if op.Kind == kv.OpGet {
		result = value
	}
	writeJSON(w, http.StatusOK, optResponse{Success: true, Result: result})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
