// Package gateway wires every component into the accept loop: websocket
// upgrade, the per-connection CONNECTING->AUTHENTICATING handshake,
// router dispatch, and graceful shutdown.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mudvault/mesh/internal/auth"
	"github.com/mudvault/mesh/internal/channel"
	"github.com/mudvault/mesh/internal/config"
	"github.com/mudvault/mesh/internal/connmgr"
	"github.com/mudvault/mesh/internal/envelope"
	"github.com/mudvault/mesh/internal/metrics"
	"github.com/mudvault/mesh/internal/presence"
	"github.com/mudvault/mesh/internal/ratelimit"
	"github.com/mudvault/mesh/internal/router"
	"github.com/mudvault/mesh/internal/store"
	"github.com/mudvault/mesh/internal/stream"
)

// Supervisor owns the HTTP listener, every wired component, and the
// accept/shutdown lifecycle.
type Supervisor struct {
	cfg *config.Config
	log zerolog.Logger

	store    store.Store
	authSvc  *auth.Service
	sessions *auth.SessionRegistry
	channels *channel.Service
	presence *presence.Registry
	limiter  *ratelimit.Limiter
	conns    *connmgr.Manager
	router   *router.Router
	metrics  *metrics.Registry
	forward  *stream.Forwarder

	upgrader websocket.Upgrader
	server   *http.Server

	routeSubsMu sync.Mutex
	routeSubs   map[string]*routeSubscription
}

// routeSubscription is the shared-store pub/sub subscription forwarding
// route:<mud> notifications into the local connection bound to mud, kept
// per-MUD so a displaced connection's close doesn't tear down the
// subscription its successor just established.
type routeSubscription struct {
	owner  *connmgr.Connection
	cancel func()
}

// New wires every component from cfg. It does not start the listener;
// call Run for that.
func New(cfg *config.Config, log zerolog.Logger, st store.Store) (*Supervisor, error) {
	policy := auth.DisplaceOld
	if cfg.DisplacePolicy == "refuse_new" {
		policy = auth.RefuseNew
	}

	authSvc := auth.NewService(st, cfg.AuthAdminSecret, cfg.AuthSigningKey, cfg.TokenTTL)
	sessions := auth.NewSessionRegistry(st, policy)
	channels := channel.New(st, cfg.ChannelHistoryLength)
	pres := presence.New(st, 0)
	limiter := ratelimit.New(ratelimit.Config{
		PerUserPerMinute:  cfg.PerUserRateLimit,
		PerPeerMultiplier: cfg.PerPeerMultiplier,
	})
	conns := connmgr.NewManager()
	reg := metrics.NewRegistry()
	r := router.New(conns, channels, pres, limiter, st, log, reg)

	var forwarder *stream.Forwarder
	if cfg.NatsEnabled {
		forwarder = stream.NewForwarder(stream.Config{
			NatsAddress: cfg.NatsAddress,
			ClusterID:   cfg.NatsCluster,
			ClientID:    cfg.NatsClient,
			Subject:     cfg.NatsSubject,
		}, log)
		if err := forwarder.Connect(); err != nil {
			return nil, err
		}
		go forwarder.Run()
	}

	s := &Supervisor{
		cfg: cfg, log: log,
		store: st, authSvc: authSvc, sessions: sessions,
		channels: channels, presence: pres, limiter: limiter,
		conns: conns, router: r, metrics: reg, forward: forwarder,
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		routeSubs: make(map[string]*routeSubscription),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mesh", s.handleUpgrade)
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.server = &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	return s, nil
}

// Handler returns the supervisor's HTTP handler, for embedding in a
// test server or a larger mux.
func (s *Supervisor) Handler() http.Handler {
	return s.server.Handler
}

func (s *Supervisor) handleHealthz(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Supervisor) handleUpgrade(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("gateway: websocket upgrade failed")
		return
	}
	s.acceptConnection(conn)
}

func (s *Supervisor) acceptConnection(wsConn *websocket.Conn) {
	id := uuid.NewString()
	var c *connmgr.Connection
	c = connmgr.NewConnection(id, wsConn, s.log, s.cfg.HeartbeatInterval, s.cfg.OutboundQueueSize, func(frame []byte) {
		s.handleFrame(c, frame)
	}, func(closed *connmgr.Connection) {
		s.onConnectionClosed(closed)
	})
	if s.cfg.MalformedLimit > 0 {
		c.MalformedThreshold = s.cfg.MalformedLimit
	}
	if s.cfg.MalformedWindow > 0 {
		c.MalformedWindow = s.cfg.MalformedWindow
	}
	c.Metrics = s.metrics
	s.conns.Register(c)
	s.metrics.ActiveConnections.Inc()

	go c.Run(context.Background())
}

func (s *Supervisor) onConnectionClosed(c *connmgr.Connection) {
	s.conns.Unregister(c)
	s.metrics.ActiveConnections.Dec()

	mudName := c.MUDName()
	if mudName == "" {
		return
	}
	s.unsubscribeRoute(mudName, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.sessions.Release(ctx, mudName, c.ID)
	_ = s.presence.Update(ctx, mudName, "", envelope.PresencePayload{Status: envelope.StatusOffline})
}

// subscribeRoute subscribes to mud's shared-store route channel so
// envelopes forwarded by a sibling gateway instance reach owner over this
// process's local connection. Any previous subscription for mud (left
// behind by a displaced connection) is torn down first.
func (s *Supervisor) subscribeRoute(mudName string, owner *connmgr.Connection) {
	ctx, cancel := context.WithCancel(context.Background())
	notifications, unsub, err := s.store.Subscribe(ctx, store.RouteChannel(mudName))
	if err != nil {
		s.log.Warn().Err(err).Str("mud", mudName).Msg("gateway: failed to subscribe to route channel")
		cancel()
		return
	}

	s.routeSubsMu.Lock()
	if prev, ok := s.routeSubs[mudName]; ok {
		prev.cancel()
	}
	s.routeSubs[mudName] = &routeSubscription{owner: owner, cancel: func() {
		unsub()
		cancel()
	}}
	s.routeSubsMu.Unlock()

	go func() {
		for n := range notifications {
			if err := s.router.DeliverForwarded(n.Payload); err != nil {
				s.log.Warn().Err(err).Str("mud", mudName).Msg("gateway: failed to deliver forwarded envelope")
			}
		}
	}()
}

// unsubscribeRoute tears down mud's route subscription, but only if owner
// still holds it: a displaced connection's close must not cancel the
// subscription its successor already established.
func (s *Supervisor) unsubscribeRoute(mudName string, owner *connmgr.Connection) {
	s.routeSubsMu.Lock()
	sub, ok := s.routeSubs[mudName]
	if ok && sub.owner == owner {
		delete(s.routeSubs, mudName)
	} else {
		ok = false
	}
	s.routeSubsMu.Unlock()
	if ok {
		sub.cancel()
	}
}

// handleFrame decodes one inbound frame and either completes the auth
// handshake or hands the envelope to the router.
func (s *Supervisor) handleFrame(c *connmgr.Connection, frame []byte) {
	e, payload, err := envelope.Decode(frame)
	if err != nil {
		s.replyProtocolError(c, err)
		return
	}

	if c.State() != connmgr.StateLive {
		if e.Type != envelope.TypeAuth {
			s.sendError(c, e.From, envelope.CodeUnauthorized, "must authenticate first")
			return
		}
		s.handleAuth(c, e, payload.(*envelope.AuthPayload))
		return
	}

	if e.Type == envelope.TypePong {
		c.RecordPong()
		return
	}

	if s.metrics != nil {
		s.metrics.MessagesRouted.WithLabelValues(string(e.Type)).Inc()
	}
	if s.forward != nil {
		s.forward.Emit(stream.Event{Type: string(e.Type), MUD: e.From.MUD})
	}

	if err := s.router.Dispatch(context.Background(), e, router.WrapConnection(c)); err != nil {
		s.log.Error().Err(err).Str("type", string(e.Type)).Msg("gateway: dispatch failed")
		s.sendError(c, e.From, envelope.CodeInternalError, "internal error")
	}
}

func (s *Supervisor) replyProtocolError(c *connmgr.Connection, decodeErr error) {
	if c.RecordMalformed() {
		c.Drain("malformed_frame_threshold")
	}
	reply := envelope.NewError(envelope.Endpoint{}, envelope.CodeInvalidMessage, decodeErr.Error(), nil)
	frame, err := envelope.Encode(reply)
	if err != nil {
		return
	}
	_ = c.Send(frame, reply.Metadata.Priority)
}

func (s *Supervisor) sendError(c *connmgr.Connection, to envelope.Endpoint, code envelope.ErrorCode, msg string) {
	reply := envelope.NewError(to, code, msg, nil)
	frame, err := envelope.Encode(reply)
	if err != nil {
		return
	}
	_ = c.Send(frame, reply.Metadata.Priority)
}

func (s *Supervisor) handleAuth(c *connmgr.Connection, e *envelope.Envelope, payload *envelope.AuthPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AuthDeadline)
	defer cancel()

	claims, err := s.authSvc.VerifyToken(ctx, payload.Token)
	if err != nil || claims.MUDName != payload.MUDName {
		s.metrics.AuthFailures.Inc()
		s.sendError(c, e.From, envelope.CodeAuthenticationFailed, "invalid credentials")
		c.Drain("auth_failed")
		return
	}

	evict, err := s.sessions.Acquire(ctx, claims.MUDName, c.ID)
	if errors.Is(err, auth.ErrAlreadyAuthenticated) {
		s.sendError(c, e.From, envelope.CodeUnauthorized, "mud already connected")
		c.Drain("duplicate_mud")
		return
	}
	if err != nil {
		s.sendError(c, e.From, envelope.CodeInternalError, "internal error")
		return
	}
	if evict != "" {
		if old, ok := s.conns.ByID(evict); ok {
			old.Drain("displaced")
		}
	}

	c.MarkAuthenticated(claims.MUDName)
	s.conns.Bind(claims.MUDName, c)
	s.subscribeRoute(claims.MUDName, c)

	reply := &envelope.Envelope{
		Version: envelope.ProtocolVersion, ID: e.ID, Timestamp: time.Now(),
		Type: envelope.TypeAuth, From: envelope.Endpoint{MUD: "mesh"}, To: envelope.Endpoint{MUD: claims.MUDName},
		Metadata: envelope.DefaultMetadata(),
	}
	_ = envelope.EncodePayload(reply, &envelope.AuthPayload{MUDName: claims.MUDName, Token: payload.Token})
	frame, err := envelope.Encode(reply)
	if err == nil {
		_ = c.Send(frame, reply.Metadata.Priority)
	}
}

// Run starts the HTTP listener (TLS when both a certificate and a key are
// configured) and blocks until ctx is cancelled. It then stops the HTTP
// server and closes the event forwarder and the store; upgraded websocket
// connections are not drained or closed by this shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			err = s.server.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	return s.shutdown()
}

func (s *Supervisor) shutdown() error {
	s.log.Info().Msg("gateway: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("gateway: http shutdown error")
	}
	if s.forward != nil {
		_ = s.forward.Close()
	}
	return s.store.Close()
}
