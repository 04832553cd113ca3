// Package api serves the relay's read-only JSON status endpoints over
// HTTP/1.1 and, optionally, HTTP/3 on the same port number.
package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/nalrelay/internal/certs"
	"github.com/zsiec/nalrelay/internal/distribution"
	"github.com/zsiec/nalrelay/internal/ingest"
	"github.com/zsiec/nalrelay/internal/relay"
)

const (
	statusTimeout   = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Config wires the API to the rest of the process. Only Status is required.
type Config struct {
	// Status asks the relay loop for a snapshot.
	Status func(ctx context.Context) (relay.Status, error)
	// Source reports ingest connection stats; may be nil.
	Source func() ingest.Stats
	// Cert is the certificate presented over QUIC; may be nil.
	Cert    *certs.CertInfo
	Version string
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Version string `json:"version"`
	relay.Status
	Source *ingest.Stats `json:"source,omitempty"`
}

// Server is the status API.
type Server struct {
	log *slog.Logger
	cfg Config
}

// NewServer creates a Server. If log is nil, slog.Default() is used.
func NewServer(cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{log: log.With("component", "api"), cfg: cfg}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/consumers", s.handleConsumers)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

func (s *Server) status(r *http.Request) (relay.Status, error) {
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()
	return s.cfg.Status(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.status(r)
	if err != nil {
		s.log.Debug("status unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "relay not running")
		return
	}
	resp := StatusResponse{Version: s.cfg.Version, Status: st}
	if s.cfg.Source != nil {
		src := s.cfg.Source()
		resp.Source = &src
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConsumers(w http.ResponseWriter, r *http.Request) {
	st, err := s.status(r)
	if err != nil {
		s.log.Debug("status unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "relay not running")
		return
	}
	consumers := st.Dispatcher.Consumers
	if consumers == nil {
		consumers = []distribution.ConsumerStats{}
	}
	writeJSON(w, http.StatusOK, consumers)
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Cert == nil {
		writeError(w, http.StatusNotFound, "QUIC is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"fingerprint": s.cfg.Cert.FingerprintHex(),
		"expires":     s.cfg.Cert.NotAfter.UTC().Format(time.RFC3339),
	})
}

// Serve listens on addr until ctx is cancelled, then shuts down. With h3
// set it also serves HTTP/3 on the same UDP port and advertises it via
// Alt-Svc; this needs a certificate in Config.
func (s *Server) Serve(ctx context.Context, addr string, h3 bool) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("API listen on %s: %w", addr, err)
	}
	return s.serve(ctx, ln, h3)
}

func (s *Server) serve(ctx context.Context, ln net.Listener, h3 bool) error {
	handler := s.Handler()
	g, ctx := errgroup.WithContext(ctx)

	var h3Srv *http3.Server
	if h3 {
		if s.cfg.Cert == nil {
			ln.Close()
			return errors.New("API over HTTP/3 needs a certificate")
		}
		h3Srv = &http3.Server{
			Addr:      ln.Addr().String(),
			Handler:   handler,
			TLSConfig: &tls.Config{Certificates: []tls.Certificate{s.cfg.Cert.TLSCert}},
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
			},
		}
		next := handler
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h3Srv.SetQUICHeaders(w.Header())
			next.ServeHTTP(w, r)
		})

		g.Go(func() error {
			s.log.Info("HTTP/3 API server listening", "addr", h3Srv.Addr)
			if err := h3Srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
				return fmt.Errorf("HTTP/3 API server: %w", err)
			}
			return nil
		})
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		s.log.Info("API server listening", "addr", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if h3Srv != nil {
			h3Srv.Close()
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
