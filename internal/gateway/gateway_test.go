package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mudvault/mesh/internal/auth"
	"github.com/mudvault/mesh/internal/config"
	"github.com/mudvault/mesh/internal/envelope"
	"github.com/mudvault/mesh/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		ListenAddr:           ":0",
		AuthAdminSecret:      "admin-secret",
		AuthSigningKey:       "signing-key",
		TokenTTL:             time.Hour,
		DisplacePolicy:       "displace_old",
		HeartbeatInterval:    30 * time.Second,
		AuthDeadline:         2 * time.Second,
		ShutdownGrace:        time.Second,
		PerUserRateLimit:     600,
		PerPeerMultiplier:    100,
		ChannelHistoryLength: 100,
		MalformedLimit:       10,
	}
}

func startTestGateway(t *testing.T) (string, *store.MemoryStore, *auth.Service) {
	t.Helper()
	cfg := testConfig()
	st := store.NewMemoryStore()
	sup, err := New(cfg, zerolog.Nop(), st)
	require.NoError(t, err)

	srv := httptest.NewServer(sup.Handler())
	t.Cleanup(srv.Close)

	authSvc := auth.NewService(st, cfg.AuthAdminSecret, cfg.AuthSigningKey, cfg.TokenTTL)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return wsURL, st, authSvc
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/mesh", nil)
	require.NoError(t, err)
	return conn
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, e *envelope.Envelope) {
	t.Helper()
	frame, err := envelope.Encode(e)
	require.NoError(t, err)
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func readEnvelope(t *testing.T, conn *websocket.Conn, match func(envelope.Envelope) bool) envelope.Envelope {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(500*time.Millisecond)))
		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			t.Fatalf("read: %v", err)
		}
		var e envelope.Envelope
		require.NoError(t, json.Unmarshal(data, &e))
		if match(e) {
			return e
		}
	}
	t.Fatal("timed out waiting for matching envelope")
	return envelope.Envelope{}
}

func authenticate(t *testing.T, conn *websocket.Conn, mudName, token string) {
	t.Helper()
	e := &envelope.Envelope{
		Version: envelope.ProtocolVersion, ID: "auth-1", Timestamp: time.Now(),
		Type: envelope.TypeAuth, From: envelope.Endpoint{MUD: mudName}, Metadata: envelope.DefaultMetadata(),
	}
	require.NoError(t, envelope.EncodePayload(e, &envelope.AuthPayload{MUDName: mudName, Token: token}))
	writeEnvelope(t, conn, e)
	readEnvelope(t, conn, func(r envelope.Envelope) bool { return r.Type == envelope.TypeAuth })
}

func TestAuthHandshakeSucceedsWithValidToken(t *testing.T) {
	wsURL, st, authSvc := startTestGateway(t)
	ctx := context.Background()

	key, err := authSvc.RegisterMUD(ctx, "Alpha", "admin-secret")
	require.NoError(t, err)
	token, err := authSvc.IssueToken(ctx, "Alpha", key)
	require.NoError(t, err)

	conn := dial(t, wsURL)
	defer conn.Close()
	authenticate(t, conn, "Alpha", token)

	isConnected, err := st.SIsMember(ctx, store.ConnectedMuds, "Alpha")
	require.NoError(t, err)
	require.True(t, isConnected)
}

func TestAuthHandshakeRejectsInvalidToken(t *testing.T) {
	wsURL, _, _ := startTestGateway(t)

	conn := dial(t, wsURL)
	defer conn.Close()

	e := &envelope.Envelope{
		Version: envelope.ProtocolVersion, ID: "auth-1", Timestamp: time.Now(),
		Type: envelope.TypeAuth, From: envelope.Endpoint{MUD: "Alpha"}, Metadata: envelope.DefaultMetadata(),
	}
	require.NoError(t, envelope.EncodePayload(e, &envelope.AuthPayload{MUDName: "Alpha", Token: "not-a-real-token"}))
	writeEnvelope(t, conn, e)

	reply := readEnvelope(t, conn, func(r envelope.Envelope) bool { return r.Type == envelope.TypeError })
	var werr envelope.WireError
	require.NoError(t, json.Unmarshal(reply.Payload, &werr))
	require.Equal(t, envelope.CodeAuthenticationFailed, werr.Code)
}

func TestUnauthenticatedConnectionRejectsNonAuthEnvelope(t *testing.T) {
	wsURL, _, _ := startTestGateway(t)

	conn := dial(t, wsURL)
	defer conn.Close()

	e := &envelope.Envelope{
		Version: envelope.ProtocolVersion, ID: "t1", Timestamp: time.Now(),
		Type: envelope.TypeTell, From: envelope.Endpoint{MUD: "Alpha", User: "wizard"},
		To: envelope.Endpoint{MUD: "Beta", User: "cleric"}, Metadata: envelope.DefaultMetadata(),
	}
	require.NoError(t, envelope.EncodePayload(e, &envelope.TellPayload{Message: "hi"}))
	writeEnvelope(t, conn, e)

	reply := readEnvelope(t, conn, func(r envelope.Envelope) bool { return r.Type == envelope.TypeError })
	var werr envelope.WireError
	require.NoError(t, json.Unmarshal(reply.Payload, &werr))
	require.Equal(t, envelope.CodeUnauthorized, werr.Code)
}

func TestGatewaySendsOutboundPingOnHeartbeatInterval(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond
	st := store.NewMemoryStore()
	sup, err := New(cfg, zerolog.Nop(), st)
	require.NoError(t, err)
	srv := httptest.NewServer(sup.Handler())
	t.Cleanup(srv.Close)

	authSvc := auth.NewService(st, cfg.AuthAdminSecret, cfg.AuthSigningKey, cfg.TokenTTL)
	ctx := context.Background()
	key, err := authSvc.RegisterMUD(ctx, "Alpha", "admin-secret")
	require.NoError(t, err)
	token, err := authSvc.IssueToken(ctx, "Alpha", key)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn := dial(t, wsURL)
	defer conn.Close()
	authenticate(t, conn, "Alpha", token)

	ping := readEnvelope(t, conn, func(r envelope.Envelope) bool { return r.Type == envelope.TypePing })
	require.Equal(t, "mesh", ping.From.MUD)
}

func TestCrossGatewayForwardDeliversToLocalConnection(t *testing.T) {
	wsURL, st, authSvc := startTestGateway(t)
	ctx := context.Background()

	key, err := authSvc.RegisterMUD(ctx, "Beta", "admin-secret")
	require.NoError(t, err)
	token, err := authSvc.IssueToken(ctx, "Beta", key)
	require.NoError(t, err)

	conn := dial(t, wsURL)
	defer conn.Close()
	authenticate(t, conn, "Beta", token)

	fwd := &envelope.Envelope{
		Version: envelope.ProtocolVersion, ID: "x1", Timestamp: time.Now(),
		Type: envelope.TypeTell, From: envelope.Endpoint{MUD: "Alpha", User: "wizard"},
		To: envelope.Endpoint{MUD: "Beta", User: "cleric"}, Metadata: envelope.DefaultMetadata(),
	}
	require.NoError(t, envelope.EncodePayload(fwd, &envelope.TellPayload{Message: "forwarded from a sibling gateway"}))
	frame, err := envelope.Encode(fwd)
	require.NoError(t, err)

	// Simulate a sibling gateway instance publishing a unicast envelope
	// meant for a MUD this process holds the live connection for.
	require.NoError(t, st.Publish(ctx, store.RouteChannel("Beta"), frame))

	reply := readEnvelope(t, conn, func(r envelope.Envelope) bool { return r.Type == envelope.TypeTell })
	require.Equal(t, "Alpha", reply.From.MUD)
}

func TestPingPongRoundTripAfterAuth(t *testing.T) {
	wsURL, _, authSvc := startTestGateway(t)
	ctx := context.Background()
	key, err := authSvc.RegisterMUD(ctx, "Alpha", "admin-secret")
	require.NoError(t, err)
	token, err := authSvc.IssueToken(ctx, "Alpha", key)
	require.NoError(t, err)

	conn := dial(t, wsURL)
	defer conn.Close()
	authenticate(t, conn, "Alpha", token)

	e := &envelope.Envelope{
		Version: envelope.ProtocolVersion, ID: "ping-1", Timestamp: time.Now(),
		Type: envelope.TypePing, From: envelope.Endpoint{MUD: "Alpha"}, Metadata: envelope.DefaultMetadata(),
	}
	require.NoError(t, envelope.EncodePayload(e, &envelope.HeartbeatPayload{Timestamp: 123}))
	writeEnvelope(t, conn, e)

	readEnvelope(t, conn, func(r envelope.Envelope) bool { return r.Type == envelope.TypePong })
}
