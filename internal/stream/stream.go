// Package stream forwards mesh events (one per envelope the gateway
// hands to the router, carrying its type and source MUD) to an
// audit/analytics consumer over NATS Streaming, msgpack-encoded.
package stream

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Event is one externally-notable occurrence published to the stream.
type Event struct {
	Type      string      `msgpack:"t"`
	MUD       string      `msgpack:"mud"`
	Timestamp int64       `msgpack:"ts"`
	Data      interface{} `msgpack:"d"`
}

// Config addresses the NATS Streaming cluster this gateway publishes to.
type Config struct {
	NatsAddress string
	ClusterID   string
	ClientID    string
	Subject     string
}

// Forwarder owns the NATS/STAN connections and a buffered channel of
// outbound events, splitting "decide something is notable" (Emit) from
// "actually publish it" (Run).
type Forwarder struct {
	cfg    Config
	log    zerolog.Logger
	events chan Event

	nc *nats.Conn
	sc stan.Conn
}

// NewForwarder constructs a Forwarder with a bounded internal buffer.
// Connect must be called before events are actually published; until
// then, Emit buffers (and, once full, drops with a logged warning).
func NewForwarder(cfg Config, log zerolog.Logger) *Forwarder {
	return &Forwarder{cfg: cfg, log: log, events: make(chan Event, 1024)}
}

// Connect dials NATS and the STAN cluster on top of it.
func (f *Forwarder) Connect() error {
	nc, err := nats.Connect(f.cfg.NatsAddress)
	if err != nil {
		return fmt.Errorf("stream: connect nats: %w", err)
	}
	sc, err := stan.Connect(f.cfg.ClusterID, f.cfg.ClientID, stan.NatsConn(nc))
	if err != nil {
		nc.Close()
		return fmt.Errorf("stream: connect stan: %w", err)
	}
	f.nc = nc
	f.sc = sc
	return nil
}

// Emit enqueues ev for publishing. It never blocks: if the buffer is
// full the event is dropped and logged, since stream forwarding is a
// best-effort audit sink, never load-bearing for message delivery.
func (f *Forwarder) Emit(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	select {
	case f.events <- ev:
	default:
		f.log.Warn().Str("type", ev.Type).Msg("stream: event buffer full, dropping")
	}
}

// Run drains the event buffer and publishes each to the STAN subject
// until the buffer is closed. Call Connect before Run.
func (f *Forwarder) Run() {
	for ev := range f.events {
		payload, err := msgpack.Marshal(ev)
		if err != nil {
			f.log.Warn().Err(err).Msg("stream: failed to marshal event")
			continue
		}
		if err := f.sc.Publish(f.cfg.Subject, payload); err != nil {
			f.log.Warn().Err(err).Msg("stream: failed to publish event")
			continue
		}
	}
}

// Close stops accepting new events and tears down the STAN/NATS connections.
func (f *Forwarder) Close() error {
	close(f.events)
	var err error
	if f.sc != nil {
		err = f.sc.Close()
	}
	if f.nc != nil {
		f.nc.Close()
	}
	return err
}
