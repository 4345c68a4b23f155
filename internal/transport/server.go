package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/roach88/peersync/internal/engine"
	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/metrics"
)

const apiTimeout = 60 * time.Second

// Server serves the wire protocol for a local engine.
type Server struct {
	peer        engine.Peer
	router      *mux.Router
	logger      *slog.Logger
	adminSecret []byte
	metrics     *metrics.Collectors
	compression bool
	now         func() time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the request logger. Defaults to slog.Default.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithAdminSecret enables certificate signing requests authorized by admin
// tokens signed with secret. Without it the endpoint refuses every request.
func WithAdminSecret(secret []byte) ServerOption {
	return func(s *Server) { s.adminSecret = secret }
}

// WithMetrics records request metrics and serves them at /metrics.
func WithMetrics(c *metrics.Collectors) ServerOption {
	return func(s *Server) { s.metrics = c }
}

// WithServerCompression allows snappy-compressed chunk bodies.
func WithServerCompression(enabled bool) ServerOption {
	return func(s *Server) { s.compression = enabled }
}

// WithServerClock sets the time source used to validate admin tokens.
func WithServerClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// NewServer routes the wire protocol to peer.
func NewServer(peer engine.Peer, opts ...ServerOption) *Server {
	s := &Server{
		peer:   peer,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	router := mux.NewRouter()
	api := router.PathPrefix(apiPrefix).Subrouter()
	api.HandleFunc(routeCapabilities, s.capabilities).Methods(http.MethodGet)
	api.HandleFunc(routeNonces, s.nonce).Methods(http.MethodPost)
	api.HandleFunc(routeCertificates, s.signCertificate).Methods(http.MethodPost)
	api.HandleFunc(routeSyncSessions, s.createSyncSession).Methods(http.MethodPost)
	api.HandleFunc(routeSyncSession, s.closeSyncSession).Methods(http.MethodDelete)
	api.HandleFunc(routeTransferSessions, s.createTransferSession).Methods(http.MethodPost)
	api.HandleFunc(routeChunks, s.pushChunk).Methods(http.MethodPost)
	api.HandleFunc(routeChunk, s.pullChunk).Methods(http.MethodGet)
	api.HandleFunc(routeFinish, s.finishTransferSession).Methods(http.MethodPost)
	api.HandleFunc(routeFMC, s.fmc).Methods(http.MethodPost)
	api.Use(s.instrument)
	if s.metrics != nil {
		router.Handle(routeMetrics, s.metrics.Handler()).Methods(http.MethodGet)
	}
	s.router = router
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  apiTimeout,
		WriteTimeout: apiTimeout,
		IdleTimeout:  apiTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument logs every request and feeds request metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(engine.WithRemoteAddr(r.Context(), r.RemoteAddr))
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		elapsed := time.Since(start)
		s.logger.Debug("request",
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"client", r.Header.Get(ir.HeaderClient),
			"duration", elapsed)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, rec.status, elapsed)
		}
	})
}

// codecFor returns the compression to use for r's bodies.
func (s *Server) codecFor(r *http.Request) (string, error) {
	codec := r.Header.Get(ir.HeaderCompression)
	if codec == "" {
		return "", nil
	}
	if !s.compression || codec != ir.CapabilitySnappy {
		return "", ir.NewError(ir.ErrCodeTransferNetwork, "compression %q not accepted", codec)
	}
	return codec, nil
}

func (s *Server) read(r *http.Request, v any) error {
	codec, err := s.codecFor(r)
	if err != nil {
		return err
	}
	return decode(r.Body, codec, v)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, v any) {
	codec, err := s.codecFor(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	body, err := encode(v, codec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if codec != "" {
		w.Header().Set(ir.HeaderCompression, codec)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// badRequest marks errors caused by a malformed request.
type badRequest struct{ error }

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := ir.CodeOf(err)
	status := statusFor(code)
	var bad badRequest
	if code == "" && errors.As(err, &bad) {
		code, status = ir.ErrCodeProtocol, http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	}
	msg := strings.TrimPrefix(err.Error(), string(code)+": ")
	body, _ := encode(ir.ErrorResponse{Code: string(code), Message: msg}, "")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) capabilities(w http.ResponseWriter, r *http.Request) {
	resp, err := s.peer.Capabilities(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.compression {
		resp.Capabilities = without(resp.Capabilities, ir.CapabilitySnappy)
	}
	s.respond(w, r, resp)
}

func (s *Server) nonce(w http.ResponseWriter, r *http.Request) {
	resp, err := s.peer.Nonce(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, resp)
}

func (s *Server) signCertificate(w http.ResponseWriter, r *http.Request) {
	if len(s.adminSecret) == 0 {
		s.fail(w, r, ir.NewError(ir.ErrCodeUnauthorized, "certificate signing is disabled on this server"))
		return
	}
	token := bearerToken(r)
	if token == "" {
		s.fail(w, r, ir.NewError(ir.ErrCodeUnauthorized, "admin token required"))
		return
	}
	claims, err := VerifyAdminToken(s.adminSecret, token, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req ir.CertificateSigningRequest
	if err := s.read(r, &req); err != nil {
		s.fail(w, r, badRequest{err})
		return
	}
	if claims.Parent != "" && claims.Parent != req.ParentID {
		s.fail(w, r, ir.NewError(ir.ErrCodeUnauthorized, "admin token does not cover certificate %s", req.ParentID))
		return
	}
	resp, err := s.peer.SignCertificate(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("certificate signing request granted", "parent", req.ParentID, "admin", claims.Subject)
	s.respond(w, r, resp)
}

func (s *Server) createSyncSession(w http.ResponseWriter, r *http.Request) {
	var req ir.CreateSyncSessionRequest
	if err := s.read(r, &req); err != nil {
		s.fail(w, r, badRequest{err})
		return
	}
	resp, err := s.peer.CreateSyncSession(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, resp)
}

func (s *Server) closeSyncSession(w http.ResponseWriter, r *http.Request) {
	if err := s.peer.CloseSyncSession(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, struct{}{})
}

func (s *Server) createTransferSession(w http.ResponseWriter, r *http.Request) {
	var req ir.CreateTransferSessionRequest
	if err := s.read(r, &req); err != nil {
		s.fail(w, r, badRequest{err})
		return
	}
	resp, err := s.peer.CreateTransferSession(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, resp)
}

func (s *Server) pushChunk(w http.ResponseWriter, r *http.Request) {
	var chunk ir.Chunk
	if err := s.read(r, &chunk); err != nil {
		s.fail(w, r, badRequest{err})
		return
	}
	id := mux.Vars(r)["id"]
	if chunk.TransferSessionID != id {
		s.fail(w, r, badRequest{fmt.Errorf("chunk for %s posted to transfer session %s", chunk.TransferSessionID, id)})
		return
	}
	ack, err := s.peer.PushChunk(r.Context(), chunk)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, ack)
}

func (s *Server) pullChunk(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	seq, err := strconv.ParseInt(vars["seq"], 10, 64)
	if err != nil {
		s.fail(w, r, badRequest{fmt.Errorf("chunk sequence %q: %w", vars["seq"], err)})
		return
	}
	chunk, err := s.peer.PullChunk(r.Context(), ir.PullChunkRequest{TransferSessionID: vars["id"], Seq: seq})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, chunk)
}

func (s *Server) finishTransferSession(w http.ResponseWriter, r *http.Request) {
	var req ir.FinishTransferSessionRequest
	if err := s.read(r, &req); err != nil {
		s.fail(w, r, badRequest{err})
		return
	}
	req.ID = mux.Vars(r)["id"]
	resp, err := s.peer.FinishTransferSession(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, resp)
}

func (s *Server) fmc(w http.ResponseWriter, r *http.Request) {
	var req ir.FMCRequest
	if err := s.read(r, &req); err != nil {
		s.fail(w, r, badRequest{err})
		return
	}
	resp, err := s.peer.FMC(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, resp)
}

func without(list []string, drop string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}
