package envelope

import (
	stdjson "encoding/json"
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	mudNameRe     = regexp.MustCompile(`^[A-Za-z0-9_-]{3,32}$`)
	userOrChanRe  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)
	illegalCharRe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
)

// ErrUnsupportedVersion is returned when an envelope's version field is
// anything other than ProtocolVersion.
var ErrUnsupportedVersion = errors.New("envelope: unsupported protocol version")

// ErrUnknownType is returned for an envelope whose type is outside the
// closed enum.
var ErrUnknownType = errors.New("envelope: unknown message type")

// ErrStrictDecode wraps a failure to decode an envelope in strict
// (reject-unknown-fields) mode.
var ErrStrictDecode = errors.New("envelope: strict decode failed")

// NormalizeMUDName maps whitespace and illegal characters to "-" before
// validation.
func NormalizeMUDName(name string) string {
	name = strings.TrimSpace(name)
	name = illegalCharRe.ReplaceAllString(name, "-")
	return name
}

// ValidMUDName reports whether name matches the MUD name grammar.
func ValidMUDName(name string) bool {
	return mudNameRe.MatchString(name)
}

// ValidUserOrChannelName reports whether name matches the user/channel
// name grammar.
func ValidUserOrChannelName(name string) bool {
	return userOrChanRe.MatchString(name)
}

// Sanitize strips non-printable runes, trims trailing whitespace, and
// caps the string at maxLen bytes without splitting a multi-byte rune.
func Sanitize(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsPrint(r) || r == '\n' || r == '\t' {
			b.WriteRune(r)
		}
	}
	out := strings.TrimRight(b.String(), " \t\r\n")
	if len(out) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}

// Decode strictly parses a single wire frame into an Envelope, validating
// both the envelope shape and the payload shape selected by its type.
// Unknown fields anywhere in the frame are rejected.
func Decode(frame []byte) (*Envelope, Payload, error) {
	var e Envelope
	dec := stdjson.NewDecoder(bytes.NewReader(frame))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&e); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStrictDecode, err)
	}

	if e.Version != ProtocolVersion {
		return nil, nil, ErrUnsupportedVersion
	}
	if !knownTypes[e.Type] {
		return nil, nil, ErrUnknownType
	}

	e.ApplyDefaults()

	payload := NewPayload(e.Type)
	if payload == nil {
		return nil, nil, ErrUnknownType
	}
	if len(e.Payload) > 0 {
		pdec := stdjson.NewDecoder(bytes.NewReader(e.Payload))
		pdec.DisallowUnknownFields()
		if err := pdec.Decode(payload); err != nil {
			return nil, nil, fmt.Errorf("%w: payload: %v", ErrStrictDecode, err)
		}
	}
	if err := payload.Validate(); err != nil {
		return &e, payload, err
	}

	return &e, payload, nil
}

// Encode serializes an envelope back to its wire frame form using the
// fast jsoniter codec (strict-mode is a read-side-only concern).
func Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// EncodePayload marshals p and assigns it to e.Payload.
func EncodePayload(e *Envelope, p Payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	e.Payload = raw
	return nil
}
