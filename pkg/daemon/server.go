package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/cors"

	"github.com/tmhk/dock/pkg/config"
	"github.com/tmhk/dock/pkg/protocol"
	"github.com/tmhk/dock/pkg/telemetry"
)

// PluginManager is the surface the server needs from the plugin layer.
type PluginManager interface {
	// Dispatch routes an inbound payload to the targeted plugin, or to
	// every enabled plugin for broadcast execute payloads.
	Dispatch(ctx context.Context, payload *protocol.InboundPayload) error

	// Parse runs a plugin's parse hook synchronously.
	Parse(ctx context.Context, pluginID string, req *protocol.Parse) (string, error)

	// Load loads the bundle in the given directory and returns its
	// persistent ID.
	Load(ctx context.Context, directory string) (string, error)

	// Reload tears a plugin down and loads it fresh from disk.
	Reload(ctx context.Context, pluginID string) error

	// Unload tears a plugin down without reloading it.
	Unload(ctx context.Context, pluginID string) error
}

// Version describes the daemon build to the hub.
type Version struct {
	String     string
	Comparable [3]int
}

// Server is the daemon's HTTP face: the loopback listener the hub polls.
type Server struct {
	cfg     *config.Config
	version Version
	auth    *Authenticator
	queue   *OutboundQueue
	manager PluginManager
	wd      *Watchdog
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger

	httpServer *http.Server
	stopOnce   sync.Once
	onStop     func(graceful bool, reason string)
}

// NewServer wires the daemon's HTTP server. onStop is invoked at most
// once when a kill request or internal decision stops the daemon.
func NewServer(cfg *config.Config, version Version, auth *Authenticator, queue *OutboundQueue,
	manager PluginManager, wd *Watchdog, tel *telemetry.Telemetry,
	onStop func(graceful bool, reason string)) *Server {

	s := &Server{
		cfg:     cfg,
		version: version,
		auth:    auth,
		queue:   queue,
		manager: manager,
		wd:      wd,
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("server"),
		onStop:  onStop,
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// routes builds the daemon's route table.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Handshake and lifecycle, reachable before auth completes.
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("POST /auth", s.handleAuth)
	mux.HandleFunc("POST /pingpong", s.handlePingPong)
	mux.HandleFunc("GET /authcheck", s.handleAuthCheck)
	mux.HandleFunc("GET /kill", s.handleKill)
	mux.Handle("GET /metrics", s.tel.Metrics.Handler())

	// The polled wire, gated behind the handshake.
	mux.Handle("GET /outbound", s.authorized(s.handleOutbound))
	mux.Handle("POST /inbound", s.authorized(s.handleInbound))
	mux.Handle("POST /inbound/parse", s.authorized(s.handleParse))
	mux.Handle("POST /inbound/button", s.authorized(s.handleButton))
	// The legacy hub acks over GET with a JSON body.
	mux.Handle("GET /inbound-ack", s.authorized(s.handleAck))
	mux.Handle("POST /inbound-ack", s.authorized(s.handleAck))
	mux.Handle("POST /inbound/load-plugin", s.authorized(s.handleLoadPlugin))
	mux.Handle("POST /inbound/reload-plugin", s.authorized(s.handleReloadPlugin))
	mux.Handle("POST /inbound/unload-plugin", s.authorized(s.handleUnloadPlugin))

	// The hub embeds a browser view for plugin UIs served from file://,
	// so the wire must answer cross-origin requests.
	return cors.AllowAll().Handler(s.logged(mux))
}

// logged is the request logging middleware.
func (s *Server) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithRoute(r.URL.Path).
			WithField("method", r.Method).
			WithField("duration", time.Since(start).String()).
			Trace("request served")
	})
}

// authorized refuses protected routes until the handshake completes and
// the request carries the shared code in the Authorization header.
func (s *Server) authorized(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Authorized() || !s.auth.VerifyCode(r.Header.Get("Authorization")) {
			writeJSON(w, http.StatusUnauthorized, protocol.ErrorResponse{Error: "not authenticated"})
			return
		}
		next(w, r)
	})
}

// Run serves until the context is cancelled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.logger.WithField("addr", s.cfg.Addr).Info("listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.auth.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// requestStop fires the stop callback exactly once.
func (s *Server) requestStop(graceful bool, reason string) {
	s.stopOnce.Do(func() {
		if s.onStop != nil {
			// Detached so the HTTP handler can finish its response.
			go s.onStop(graceful, reason)
		}
	})
}

// Handlers

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protocol.VersionResponse{
		Version:           s.version.String,
		ComparableVersion: s.version.Comparable,
	})
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req protocol.AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "malformed auth request"})
		return
	}

	challenge, err := s.auth.Begin(req.Code)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, protocol.ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, protocol.AuthResponse{Challenge: challenge})
}

func (s *Server) handlePingPong(w http.ResponseWriter, r *http.Request) {
	var req protocol.PingPongRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "malformed pingpong request"})
		return
	}

	if err := s.auth.CompletePingPong(req.Challenge); err != nil {
		writeJSON(w, http.StatusUnauthorized, protocol.ErrorResponse{Error: err.Error()})
		return
	}

	s.logger.Info("handshake completed")
	w.WriteHeader(http.StatusNoContent)
}

// handleAuthCheck answers 204 only when the handshake has completed and
// the Authorization header carries the shared code. The error body
// always names the handshake state so a restarting hub can tell a lost
// session from a bad code.
func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Authorized() || !s.auth.VerifyCode(r.Header.Get("Authorization")) {
		writeJSON(w, http.StatusUnauthorized, protocol.ErrorResponse{Error: string(s.auth.State())})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if !s.auth.VerifyKillCode(code) {
		writeJSON(w, http.StatusUnauthorized, protocol.ErrorResponse{Error: "bad kill code"})
		return
	}

	// The hub encodes non-graceful as graceful=0; absence means graceful.
	graceful := r.URL.Query().Get("graceful") != "0"
	if graceful {
		if err := s.wd.WriteHandoff(s.auth.Authorized(), s.auth.Code()); err != nil {
			s.logger.WithError(err).Error("failed to write restart handoff")
		}
	} else {
		// A hard kill must not leave a handoff a later start could
		// resurrect a dead session from.
		s.wd.DiscardHandoff()
	}

	w.WriteHeader(http.StatusNoContent)
	s.requestStop(graceful, "kill requested")
}

func (s *Server) handleOutbound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Drain())
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodePayload(w, r)
	if !ok {
		return
	}

	s.tel.Metrics.RecordInboundPayload(payload.Type.String())

	// Async by contract: the hub must not block the host's event loop
	// on plugin work.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeouts.HostCall*2)
		defer cancel()
		if err := s.manager.Dispatch(s.tel.WithContext(ctx), payload); err != nil {
			s.logger.WithError(err).WithPluginID(payload.PluginID).Warn("dispatch failed")
		}
	}()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodePayload(w, r)
	if !ok {
		return
	}

	timer := telemetry.NewTimer()

	var req protocol.Parse
	if err := protocol.DecodeData(payload.Data, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeouts.Parse)
	defer cancel()

	text, err := s.manager.Parse(s.tel.WithContext(ctx), payload.PluginID, &req)
	if err != nil {
		// The host is mid-substitution; handing back the untouched
		// input is the only answer that cannot make things worse.
		s.logger.WithError(err).WithPluginID(payload.PluginID).Warn("parse failed, echoing input")
		s.tel.Metrics.RecordParse("error", timer.Duration())
		writeJSON(w, http.StatusOK, protocol.ParseResponse{Text: req.String})
		return
	}

	s.tel.Metrics.RecordParse("ok", timer.Duration())
	writeJSON(w, http.StatusOK, protocol.ParseResponse{Text: text})
}

func (s *Server) handleButton(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodePayload(w, r)
	if !ok {
		return
	}

	s.tel.Metrics.RecordInboundPayload(payload.Type.String())

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeouts.HostCall*2)
		defer cancel()
		if err := s.manager.Dispatch(s.tel.WithContext(ctx), payload); err != nil {
			s.logger.WithError(err).WithPluginID(payload.PluginID).Warn("button dispatch failed")
		}
	}()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req protocol.AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "malformed ack request"})
		return
	}

	s.queue.Ack(req.Response)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLoadPlugin(w http.ResponseWriter, r *http.Request) {
	var req protocol.LoadPluginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "malformed load request"})
		return
	}

	id, err := s.manager.Load(r.Context(), req.Directory)
	if err != nil {
		// 203 tells the hub the daemon is fine but the bundle is not.
		writeJSON(w, http.StatusNonAuthoritativeInfo, protocol.LoadPluginResponse{ID: id, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, protocol.LoadPluginResponse{ID: id})
}

func (s *Server) handleReloadPlugin(w http.ResponseWriter, r *http.Request) {
	var req protocol.UnloadPluginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "malformed reload request"})
		return
	}

	if err := s.manager.Reload(r.Context(), req.PluginID); err != nil {
		writeJSON(w, http.StatusNonAuthoritativeInfo, protocol.LoadPluginResponse{ID: req.PluginID, Error: err.Error()})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnloadPlugin(w http.ResponseWriter, r *http.Request) {
	var req protocol.UnloadPluginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "malformed unload request"})
		return
	}

	if err := s.manager.Unload(r.Context(), req.PluginID); err != nil {
		writeJSON(w, http.StatusNonAuthoritativeInfo, protocol.LoadPluginResponse{ID: req.PluginID, Error: err.Error()})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// decodePayload reads and validates an inbound payload envelope.
func (s *Server) decodePayload(w http.ResponseWriter, r *http.Request) (*protocol.InboundPayload, bool) {
	var payload protocol.InboundPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.tel.Metrics.RecordPayloadDropped("malformed")
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "malformed payload"})
		return nil, false
	}
	if err := payload.Validate(); err != nil {
		s.tel.Metrics.RecordPayloadDropped("invalid")
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: err.Error()})
		return nil, false
	}
	return &payload, true
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
