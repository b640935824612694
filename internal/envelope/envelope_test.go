package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validTellFrame(t *testing.T) []byte {
	t.Helper()
	e := &Envelope{
		Version:   ProtocolVersion,
		ID:        "11111111-1111-1111-1111-111111111111",
		Timestamp: time.Now().UTC(),
		Type:      TypeTell,
		From:      Endpoint{MUD: "Alpha", User: "ann"},
		To:        Endpoint{MUD: "Beta", User: "bob"},
	}
	e.ApplyDefaults()
	require.NoError(t, EncodePayload(e, &TellPayload{Message: "hi"}))
	raw, err := Encode(e)
	require.NoError(t, err)
	return raw
}

func TestDecodeValidTell(t *testing.T) {
	raw := validTellFrame(t)
	e, p, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, TypeTell, e.Type)
	tp, ok := p.(*TellPayload)
	require.True(t, ok)
	require.Equal(t, "hi", tp.Message)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	raw := []byte(`{"version":"1.0","id":"x","timestamp":"2024-01-01T00:00:00Z","type":"tell","from":{"mud":"Alpha"},"to":{"mud":"Beta"},"payload":{"message":"hi"},"metadata":{"priority":5,"ttl":60},"bogus":"field"}`)
	_, _, err := Decode(raw)
	require.ErrorIs(t, err, ErrStrictDecode)
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	raw := []byte(`{"version":"2.0","id":"x","timestamp":"2024-01-01T00:00:00Z","type":"tell","from":{"mud":"Alpha"},"to":{"mud":"Beta"},"payload":{"message":"hi"},"metadata":{"priority":5,"ttl":60}}`)
	_, _, err := Decode(raw)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	raw := []byte(`{"version":"1.0","id":"x","timestamp":"2024-01-01T00:00:00Z","type":"shout","from":{"mud":"Alpha"},"to":{"mud":"Beta"},"payload":{},"metadata":{"priority":5,"ttl":60}}`)
	_, _, err := Decode(raw)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestTellPayloadRejectsEmptyMessage(t *testing.T) {
	p := &TellPayload{}
	require.ErrorIs(t, p.Validate(), ErrMissingField)
}

func TestTellPayloadSanitizesAndBounds(t *testing.T) {
	p := &TellPayload{Message: "hello \x00world   \n"}
	require.NoError(t, p.Validate())
	require.Equal(t, "hello world", p.Message)
}

func TestChannelPayloadRequiresMessageOnPost(t *testing.T) {
	p := &ChannelPayload{Channel: "gossip", Action: ChannelActionMessage}
	require.ErrorIs(t, p.Validate(), ErrMissingField)
}

func TestChannelPayloadRejectsUnknownAction(t *testing.T) {
	p := &ChannelPayload{Channel: "gossip", Action: "explode"}
	require.ErrorIs(t, p.Validate(), ErrInvalidChannelOp)
}

func TestEnvelopeExpired(t *testing.T) {
	e := &Envelope{Timestamp: time.Now().Add(-2 * time.Hour), Metadata: Metadata{TTL: 60}}
	require.True(t, e.Expired(time.Now()))

	e2 := &Envelope{Timestamp: time.Now(), Metadata: Metadata{TTL: 60}}
	require.False(t, e2.Expired(time.Now()))
}

func TestNormalizeMUDName(t *testing.T) {
	require.Equal(t, "Foo-Bar", NormalizeMUDName("Foo Bar"))
	require.True(t, ValidMUDName(NormalizeMUDName("Foo Bar")))
	require.False(t, ValidMUDName("ab"))
	require.True(t, ValidMUDName("abc"))
}

func TestRoundTrip(t *testing.T) {
	raw := validTellFrame(t)
	e, p, err := Decode(raw)
	require.NoError(t, err)
	require.NoError(t, EncodePayload(e, p))
	again, err := Encode(e)
	require.NoError(t, err)

	e2, _, err := Decode(again)
	require.NoError(t, err)
	require.Equal(t, e.ID, e2.ID)
	require.Equal(t, e.Type, e2.Type)
	require.Equal(t, e.From, e2.From)
	require.Equal(t, e.To, e2.To)
}
