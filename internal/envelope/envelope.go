// Package envelope implements the MudVault Mesh wire envelope: the
// versioned, type-discriminated message that crosses every gateway
// connection.
package envelope

import (
	stdjson "encoding/json"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ProtocolVersion is the only version string this gateway accepts.
const ProtocolVersion = "1.0"

// Type is the closed enum of envelope message types.
type Type string

const (
	TypeTell     Type = "tell"
	TypeEmote    Type = "emote"
	TypeEmoteTo  Type = "emoteto"
	TypeChannel  Type = "channel"
	TypeWho      Type = "who"
	TypeFinger   Type = "finger"
	TypeLocate   Type = "locate"
	TypePresence Type = "presence"
	TypeAuth     Type = "auth"
	TypePing     Type = "ping"
	TypePong     Type = "pong"
	TypeError    Type = "error"
	TypeMudlist  Type = "mudlist"
	TypeChannels Type = "channels"
)

// knownTypes is used by Validate to reject anything outside the closed enum.
var knownTypes = map[Type]bool{
	TypeTell: true, TypeEmote: true, TypeEmoteTo: true, TypeChannel: true,
	TypeWho: true, TypeFinger: true, TypeLocate: true, TypePresence: true,
	TypeAuth: true, TypePing: true, TypePong: true, TypeError: true,
	TypeMudlist: true, TypeChannels: true,
}

// Endpoint identifies a source or destination on the mesh.
type Endpoint struct {
	MUD         string `json:"mud"`
	User        string `json:"user,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Channel     string `json:"channel,omitempty"`
}

// Metadata carries delivery hints that ride alongside every envelope.
type Metadata struct {
	Priority int    `json:"priority"`
	TTL      int    `json:"ttl"`
	Encoding string `json:"encoding,omitempty"`
	Language string `json:"language,omitempty"`
	Retry    bool   `json:"retry,omitempty"`
}

// DefaultMetadata is applied to any envelope whose metadata is missing
// or partially zero-valued.
func DefaultMetadata() Metadata {
	return Metadata{Priority: 5, TTL: 60, Encoding: "utf-8", Language: "en"}
}

// Envelope is the outer message record exchanged in both directions.
type Envelope struct {
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      Type            `json:"type"`
	From      Endpoint        `json:"from"`
	To        Endpoint        `json:"to"`
	Payload   stdjson.RawMessage `json:"payload"`
	Signature string             `json:"signature,omitempty"`
	Metadata  Metadata           `json:"metadata"`
}

// Expired reports whether the envelope has outlived its TTL as of now.
func (e *Envelope) Expired(now time.Time) bool {
	ttl := e.Metadata.TTL
	if ttl <= 0 {
		ttl = DefaultMetadata().TTL
	}
	return now.Sub(e.Timestamp) > time.Duration(ttl)*time.Second
}

// ApplyDefaults fills in zero-valued metadata fields with their defaults.
func (e *Envelope) ApplyDefaults() {
	d := DefaultMetadata()
	if e.Metadata.Priority == 0 {
		e.Metadata.Priority = d.Priority
	}
	if e.Metadata.TTL == 0 {
		e.Metadata.TTL = d.TTL
	}
	if e.Metadata.Encoding == "" {
		e.Metadata.Encoding = d.Encoding
	}
	if e.Metadata.Language == "" {
		e.Metadata.Language = d.Language
	}
}
