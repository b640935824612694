// Package router implements the single dispatch entry point: it
// validates an inbound envelope, stamps its authoritative source, and
// applies type-specific destination rules.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mudvault/mesh/internal/channel"
	"github.com/mudvault/mesh/internal/connmgr"
	"github.com/mudvault/mesh/internal/envelope"
	"github.com/mudvault/mesh/internal/metrics"
	"github.com/mudvault/mesh/internal/presence"
	"github.com/mudvault/mesh/internal/ratelimit"
	"github.com/mudvault/mesh/internal/store"
)

// RequestTimeout bounds who/finger/locate request-response round trips;
// a timed-out request yields an empty response, not an error.
const RequestTimeout = 5 * time.Second

// Source identifies the connection an inbound envelope arrived on.
type Source interface {
	MUDName() string
	Send(frame []byte, priority int) error
	ID() string
}

// connSource adapts *connmgr.Connection to Source (Connection.ID is a
// field, not a method, so it needs a thin wrapper).
type connSource struct{ c *connmgr.Connection }

func (s connSource) MUDName() string                   { return s.c.MUDName() }
func (s connSource) Send(frame []byte, priority int) error { return s.c.Send(frame, priority) }
func (s connSource) ID() string                         { return s.c.ID }

// WrapConnection adapts a live connmgr.Connection into a router.Source.
func WrapConnection(c *connmgr.Connection) Source { return connSource{c: c} }

// Router ties together connection lookup, channel membership, presence,
// rate limiting and cross-gateway forwarding to implement Dispatch.
type Router struct {
	conns    *connmgr.Manager
	channels *channel.Service
	presence *presence.Registry
	limiter  *ratelimit.Limiter
	store    store.Store
	metrics  *metrics.Registry
	log      zerolog.Logger

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest
}

// pendingRequest tracks a forwarded who/finger/locate request awaiting its
// response, so routeDirectoryQuery can answer with an empty payload if the
// target MUD never replies within RequestTimeout.
type pendingRequest struct {
	timer *time.Timer
}

// New constructs a Router.
func New(conns *connmgr.Manager, channels *channel.Service, pres *presence.Registry, limiter *ratelimit.Limiter, st store.Store, log zerolog.Logger, reg *metrics.Registry) *Router {
	return &Router{
		conns: conns, channels: channels, presence: pres, limiter: limiter, store: st, log: log,
		metrics: reg, pending: make(map[string]*pendingRequest),
	}
}

func (r *Router) sendTo(dst Source, e *envelope.Envelope) {
	frame, err := envelope.Encode(e)
	if err != nil {
		r.log.Error().Err(err).Msg("router: failed to encode outbound envelope")
		return
	}
	if err := dst.Send(frame, e.Metadata.Priority); err != nil {
		r.log.Warn().Err(err).Str("connID", dst.ID()).Msg("router: send failed")
	}
}

func (r *Router) sendError(source Source, to envelope.Endpoint, code envelope.ErrorCode, message string, details map[string]any) {
	r.sendTo(source, envelope.NewError(to, code, message, details))
}

// Dispatch is the router's single entry point: it validates envelope's
// TTL, stamps its authoritative source, rate-limits, and routes by type.
func (r *Router) Dispatch(ctx context.Context, e *envelope.Envelope, source Source) error {
	now := time.Now()
	if e.Expired(now) {
		r.log.Debug().Str("id", e.ID).Msg("router: dropping expired envelope")
		return nil
	}

	mudName := source.MUDName()
	e.From.MUD = mudName

	if e.Type != envelope.TypeAuth && e.Type != envelope.TypePing && e.Type != envelope.TypePong {
		if ok, retryAfter := r.limiter.Allow(mudName, e.From.User); !ok {
			if r.metrics != nil {
				r.metrics.RateLimited.Inc()
			}
			r.sendError(source, e.From, envelope.CodeRateLimited, "rate limit exceeded",
				envelope.RetryAfterDetails(retryAfter.Seconds()))
			return nil
		}
	}

	switch e.Type {
	case envelope.TypeAuth:
		// Handled by the auth service before envelopes ever reach the
		// router; an auth envelope here indicates a protocol error.
		r.sendError(source, e.From, envelope.CodeProtocolError, "auth must be handled during handshake", nil)
		return nil

	case envelope.TypePing:
		return r.handlePing(source, e)

	case envelope.TypePong:
		return nil // connmgr.Connection.RecordPong is called by the read path directly

	case envelope.TypeTell, envelope.TypeEmoteTo:
		return r.routeUnicast(ctx, e, source)

	case envelope.TypeEmote:
		if e.To.User == "" {
			return r.routeBroadcast(ctx, e, source)
		}
		return r.routeUnicast(ctx, e, source)

	case envelope.TypeChannel:
		return r.routeChannel(ctx, e, source)

	case envelope.TypeMudlist:
		return r.routeMudlist(ctx, e, source)

	case envelope.TypeChannels:
		names, err := r.channels.List(ctx)
		if err != nil {
			return err
		}
		return r.replyChannelList(source, e, names)

	case envelope.TypeWho, envelope.TypeFinger, envelope.TypeLocate:
		return r.routeDirectoryQuery(ctx, e, source)

	case envelope.TypePresence:
		return r.routePresence(ctx, e)

	case envelope.TypeError:
		return r.routeError(ctx, e, source)

	default:
		r.sendError(source, e.From, envelope.CodeInvalidMessage, "unsupported envelope type", nil)
		return nil
	}
}

func (r *Router) handlePing(source Source, e *envelope.Envelope) error {
	reply := &envelope.Envelope{
		Version:   envelope.ProtocolVersion,
		ID:        e.ID,
		Timestamp: time.Now(),
		Type:      envelope.TypePong,
		From:      envelope.Endpoint{MUD: "mesh"},
		To:        e.From,
		Metadata:  envelope.DefaultMetadata(),
	}
	if err := envelope.EncodePayload(reply, &envelope.HeartbeatPayload{Timestamp: time.Now().Unix()}); err != nil {
		return err
	}
	r.sendTo(source, reply)
	return nil
}

// lookupDestination resolves to.mud to either a local connection or a
// cross-gateway forward via the shared store's route:<mud> channel.
func (r *Router) lookupDestination(ctx context.Context, e *envelope.Envelope) (delivered bool, err error) {
	if conn, ok := r.conns.Lookup(e.To.MUD); ok {
		frame, err := envelope.Encode(e)
		if err != nil {
			return false, err
		}
		return true, conn.Send(frame, e.Metadata.Priority)
	}

	isConnected, err := r.store.SIsMember(ctx, store.ConnectedMuds, e.To.MUD)
	if err != nil {
		return false, err
	}
	if !isConnected {
		return false, nil
	}

	frame, err := envelope.Encode(e)
	if err != nil {
		return false, err
	}
	if err := r.store.Publish(ctx, store.RouteChannel(e.To.MUD), frame); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Router) routeUnicast(ctx context.Context, e *envelope.Envelope, source Source) error {
	if e.To.MUD == "" {
		r.sendError(source, e.From, envelope.CodeMUDNotFound, "missing destination mud", nil)
		return nil
	}
	delivered, err := r.lookupDestination(ctx, e)
	if err != nil {
		return err
	}
	if !delivered {
		r.sendError(source, e.From, envelope.CodeMUDNotFound, "destination mud not connected", nil)
	}
	return nil
}

func (r *Router) routeBroadcast(ctx context.Context, e *envelope.Envelope, source Source) error {
	// A local broadcast has no single recipient MUD; it targets every
	// user on e.To.MUD's own peer, so it is simply echoed back to that
	// peer's connection for it to fan out locally.
	return r.routeUnicast(ctx, e, source)
}

func (r *Router) routeChannel(ctx context.Context, e *envelope.Envelope, source Source) error {
	var payload envelope.ChannelPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		r.sendError(source, e.From, envelope.CodeInvalidMessage, "malformed channel payload", nil)
		return nil
	}

	switch payload.Action {
	case envelope.ChannelActionJoin:
		if err := r.channels.Join(ctx, payload.Channel, e.From); err != nil {
			r.sendError(source, e.From, envelope.CodeUnauthorized, err.Error(), nil)
		}
		return nil

	case envelope.ChannelActionLeave:
		return r.channels.Leave(ctx, payload.Channel, e.From)

	case envelope.ChannelActionMessage:
		members, err := r.channels.Post(ctx, payload.Channel, e.From, payload.Message)
		if err != nil {
			r.sendError(source, e.From, envelope.CodeUnauthorized, err.Error(), nil)
			return nil
		}
		return r.fanOutToMembers(ctx, e, members)

	case envelope.ChannelActionList:
		names, err := r.channels.List(ctx)
		if err != nil {
			return err
		}
		return r.replyChannelList(source, e, names)
	}
	return nil
}

func (r *Router) fanOutToMembers(ctx context.Context, e *envelope.Envelope, members []string) error {
	seen := make(map[string]bool, len(members))
	for _, member := range members {
		mud, _, ok := splitMember(member)
		if !ok || seen[mud] {
			continue
		}
		seen[mud] = true
		dup := *e
		dup.To = envelope.Endpoint{MUD: mud, Channel: e.To.Channel}
		if _, err := r.lookupDestination(ctx, &dup); err != nil {
			r.log.Warn().Err(err).Str("mud", mud).Msg("router: channel fan-out delivery failed")
		}
	}
	return nil
}

func splitMember(member string) (mud, user string, ok bool) {
	for i := 0; i < len(member); i++ {
		if member[i] == ':' {
			return member[:i], member[i+1:], true
		}
	}
	return "", "", false
}

func (r *Router) replyChannelList(source Source, e *envelope.Envelope, names []string) error {
	reply := &envelope.Envelope{
		Version:   envelope.ProtocolVersion,
		ID:        e.ID,
		Timestamp: time.Now(),
		Type:      envelope.TypeChannels,
		From:      envelope.Endpoint{MUD: "mesh"},
		To:        e.From,
		Metadata:  envelope.DefaultMetadata(),
	}
	infos := make([]envelope.ChannelInfo, 0, len(names))
	for _, n := range names {
		members, err := r.channels.Members(context.Background(), n)
		if err != nil {
			continue
		}
		infos = append(infos, envelope.ChannelInfo{Name: n, MemberCount: len(members)})
	}
	if err := envelope.EncodePayload(reply, &envelope.ChannelsPayload{Channels: infos}); err != nil {
		return err
	}
	r.sendTo(source, reply)
	return nil
}

// routeMudlist answers a "mudlist" directory query directly from the
// shared roster, the same way a locate-request answers from presence
// instead of making a mesh round trip.
func (r *Router) routeMudlist(ctx context.Context, e *envelope.Envelope, source Source) error {
	names, err := r.store.SMembers(ctx, store.ConnectedMuds)
	if err != nil {
		return err
	}
	muds := make([]envelope.MudInfo, 0, len(names))
	for _, name := range names {
		muds = append(muds, envelope.MudInfo{Name: name, Connected: true})
	}
	reply := &envelope.Envelope{
		Version: envelope.ProtocolVersion, ID: e.ID, Timestamp: time.Now(),
		Type: envelope.TypeMudlist, From: envelope.Endpoint{MUD: "mesh"}, To: e.From,
		Metadata: envelope.DefaultMetadata(),
	}
	if err := envelope.EncodePayload(reply, &envelope.MudlistPayload{Muds: muds}); err != nil {
		return err
	}
	r.sendTo(source, reply)
	return nil
}

func (r *Router) routeDirectoryQuery(ctx context.Context, e *envelope.Envelope, source Source) error {
	if e.Type == envelope.TypeLocate {
		var payload envelope.LocatePayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			r.sendError(source, e.From, envelope.CodeInvalidMessage, "malformed locate payload", nil)
			return nil
		}
		if payload.Request {
			records, err := r.presence.Locate(ctx, payload.User)
			if err != nil {
				return err
			}
			locations := make([]envelope.Location, 0, len(records))
			for _, rec := range records {
				locations = append(locations, presence.ToLocation(rec))
			}
			reply := &envelope.Envelope{
				Version: envelope.ProtocolVersion, ID: e.ID, Timestamp: time.Now(),
				Type: envelope.TypeLocate, From: envelope.Endpoint{MUD: "mesh"}, To: e.From,
				Metadata: envelope.DefaultMetadata(),
			}
			if err := envelope.EncodePayload(reply, &envelope.LocatePayload{User: payload.User, Locations: locations}); err != nil {
				return err
			}
			r.sendTo(source, reply)
			return nil
		}
	}

	if e.To.MUD == "" {
		r.sendError(source, e.From, envelope.CodeMUDNotFound, "missing destination mud", nil)
		return nil
	}

	if !directoryPayloadIsRequest(e) {
		// A who/finger/locate response from the target MUD: clear the
		// pending-request bookkeeping before forwarding it on to whoever
		// asked, the same way a unicast tell would.
		r.clearPending(e.ID)
		return r.routeUnicast(ctx, e, source)
	}

	delivered, err := r.lookupDestination(ctx, e)
	if err != nil {
		return err
	}
	if !delivered {
		r.sendError(source, e.From, envelope.CodeMUDNotFound, "destination mud not connected", nil)
		return nil
	}
	r.trackPending(e, source)
	return nil
}

// directoryPayloadIsRequest reports whether e's who/finger/locate payload
// is a request (true) or a response (false/unparsable).
func directoryPayloadIsRequest(e *envelope.Envelope) bool {
	switch e.Type {
	case envelope.TypeWho:
		var p envelope.WhoPayload
		_ = json.Unmarshal(e.Payload, &p)
		return p.Request
	case envelope.TypeFinger:
		var p envelope.FingerPayload
		_ = json.Unmarshal(e.Payload, &p)
		return p.Request
	case envelope.TypeLocate:
		var p envelope.LocatePayload
		_ = json.Unmarshal(e.Payload, &p)
		return p.Request
	default:
		return false
	}
}

// emptyDirectoryReply builds the empty-payload reply sent back to e's
// requester if the target MUD never answers within RequestTimeout.
func emptyDirectoryReply(e *envelope.Envelope) *envelope.Envelope {
	reply := &envelope.Envelope{
		Version: envelope.ProtocolVersion, ID: e.ID, Timestamp: time.Now(),
		Type: e.Type, From: envelope.Endpoint{MUD: "mesh"}, To: e.From,
		Metadata: envelope.DefaultMetadata(),
	}
	switch e.Type {
	case envelope.TypeWho:
		_ = envelope.EncodePayload(reply, &envelope.WhoPayload{})
	case envelope.TypeFinger:
		var p envelope.FingerPayload
		_ = json.Unmarshal(e.Payload, &p)
		_ = envelope.EncodePayload(reply, &envelope.FingerPayload{User: p.User})
	case envelope.TypeLocate:
		var p envelope.LocatePayload
		_ = json.Unmarshal(e.Payload, &p)
		_ = envelope.EncodePayload(reply, &envelope.LocatePayload{User: p.User})
	}
	return reply
}

// trackPending arms a RequestTimeout timer for e's forwarded request,
// replying to source with an empty payload if no response arrives in time.
func (r *Router) trackPending(e *envelope.Envelope, source Source) {
	id := e.ID
	reply := emptyDirectoryReply(e)

	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if existing, ok := r.pending[id]; ok {
		existing.timer.Stop()
	}
	pr := &pendingRequest{}
	pr.timer = time.AfterFunc(RequestTimeout, func() {
		r.pendingMu.Lock()
		_, stillPending := r.pending[id]
		delete(r.pending, id)
		r.pendingMu.Unlock()
		if stillPending {
			r.sendTo(source, reply)
		}
	})
	r.pending[id] = pr
}

// clearPending cancels id's pending-request timer, if any, once its
// response has arrived.
func (r *Router) clearPending(id string) {
	r.pendingMu.Lock()
	pr, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.pendingMu.Unlock()
	if ok {
		pr.timer.Stop()
	}
}

func (r *Router) routePresence(ctx context.Context, e *envelope.Envelope) error {
	var payload envelope.PresencePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return nil
	}
	return r.presence.Update(ctx, e.From.MUD, e.From.User, payload)
}

func (r *Router) routeError(ctx context.Context, e *envelope.Envelope, source Source) error {
	r.log.Info().Str("from", e.From.MUD).Msg("router: received error envelope")
	if e.To.MUD == "" {
		return nil
	}
	delivered, err := r.lookupDestination(ctx, e)
	if err != nil || !delivered {
		return err
	}
	return nil
}

// ErrUnknownSource is returned when a pubsub-forwarded envelope names a
// local MUD this gateway has no live connection for (it connected to a
// sibling gateway and has since disconnected).
var ErrUnknownSource = errors.New("router: destination no longer connected locally")

// DeliverForwarded handles an envelope received over the shared store's
// route:<mud> pub/sub channel, meant for a connection this gateway
// instance holds locally.
func (r *Router) DeliverForwarded(frame []byte) error {
	var e envelope.Envelope
	if err := json.Unmarshal(frame, &e); err != nil {
		return err
	}
	conn, ok := r.conns.Lookup(e.To.MUD)
	if !ok {
		return ErrUnknownSource
	}
	return conn.Send(frame, e.Metadata.Priority)
}
