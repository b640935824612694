// Package channel implements the mesh channel service: membership,
// capped history, and moderation metadata for named mesh-wide channels.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mudvault/mesh/internal/envelope"
	"github.com/mudvault/mesh/internal/store"
)

// DefaultHistoryLimit is the capped history length applied when the
// caller doesn't supply one.
const DefaultHistoryLimit = 100

var (
	// ErrBanned is returned when a banned endpoint attempts to join or post.
	ErrBanned = errors.New("channel: endpoint is banned")
	// ErrNotAllowed is returned when a channel has an allow-list that
	// excludes endpoint.mud.
	ErrNotAllowed = errors.New("channel: mud not on allow-list")
	// ErrNotMember is returned by Post when membership is required and
	// the poster has not joined.
	ErrNotMember = errors.New("channel: not a member")
)

// Meta is the moderation/ban/allow-list blob at store.ChannelMetaKey.
type Meta struct {
	Description  string   `json:"description,omitempty"`
	Moderators   []string `json:"moderators,omitempty"`
	Banned       []string `json:"banned,omitempty"`
	AllowList    []string `json:"allowList,omitempty"`
	RequireJoin  bool     `json:"requireJoin"`
}

func (m Meta) isBanned(endpoint string, mud string) bool {
	for _, b := range m.Banned {
		if b == endpoint || b == mud {
			return true
		}
	}
	return false
}

func (m Meta) isAllowed(mud string) bool {
	if len(m.AllowList) == 0 {
		return true
	}
	for _, a := range m.AllowList {
		if a == mud {
			return true
		}
	}
	return false
}

// Record is one history entry appended on join/leave/post.
type Record struct {
	Action    envelope.ChannelAction `json:"action"`
	From      envelope.Endpoint      `json:"from"`
	Message   string                 `json:"message,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

func endpointKey(e envelope.Endpoint) string { return e.MUD + ":" + e.User }

// Service implements join/leave/post/history/members against the
// shared store, serialized per channel name by keyedLock.
type Service struct {
	store        store.Store
	locks        *keyedLock
	historyLimit int64
}

// New constructs a channel Service. A zero limit uses DefaultHistoryLimit.
func New(st store.Store, historyLimit int) *Service {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Service{store: st, locks: newKeyedLock(), historyLimit: int64(historyLimit)}
}

func (s *Service) meta(ctx context.Context, channel string) (Meta, error) {
	blob, err := s.store.Get(ctx, store.ChannelMetaKey(channel))
	if errors.Is(err, store.ErrNotFound) {
		return Meta{}, nil
	}
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	if err := json.Unmarshal([]byte(blob), &m); err != nil {
		return Meta{}, fmt.Errorf("channel: decode meta: %w", err)
	}
	return m, nil
}

func (s *Service) appendHistory(ctx context.Context, channel string, rec Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.store.LPush(ctx, store.ChannelHistoryKey(channel), string(blob)); err != nil {
		return err
	}
	return s.store.LTrim(ctx, store.ChannelHistoryKey(channel), 0, s.historyLimit-1)
}

// Create registers channel in the directory index and optionally seeds
// its moderation metadata, for admin pre-creation of a channel ahead of
// its first join.
func (s *Service) Create(ctx context.Context, name string, meta Meta) error {
	return s.locks.withLock(name, func() error {
		blob, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := s.store.Set(ctx, store.ChannelMetaKey(name), string(blob), 0); err != nil {
			return err
		}
		return s.store.SAdd(ctx, store.ChannelIndex, name)
	})
}

// Join adds endpoint to channel's membership set and appends a join
// record to history. It publishes no notification; other gateways see
// the new member only by reading the store.
func (s *Service) Join(ctx context.Context, channel string, endpoint envelope.Endpoint) error {
	return s.locks.withLock(channel, func() error {
		meta, err := s.meta(ctx, channel)
		if err != nil {
			return err
		}
		if meta.isBanned(endpointKey(endpoint), endpoint.MUD) {
			return ErrBanned
		}
		if !meta.isAllowed(endpoint.MUD) {
			return ErrNotAllowed
		}

		if err := s.store.SAdd(ctx, store.ChannelMembersKey(channel), endpointKey(endpoint)); err != nil {
			return err
		}
		if err := s.store.SAdd(ctx, store.ChannelIndex, channel); err != nil {
			return err
		}
		return s.appendHistory(ctx, channel, Record{
			Action: envelope.ChannelActionJoin, From: endpoint, Timestamp: time.Now().Unix(),
		})
	})
}

// Leave removes endpoint from channel's membership set and appends a
// leave record. Idempotent: leaving a channel one is not a member of
// succeeds silently.
func (s *Service) Leave(ctx context.Context, channel string, endpoint envelope.Endpoint) error {
	return s.locks.withLock(channel, func() error {
		if err := s.store.SRem(ctx, store.ChannelMembersKey(channel), endpointKey(endpoint)); err != nil {
			return err
		}
		return s.appendHistory(ctx, channel, Record{
			Action: envelope.ChannelActionLeave, From: endpoint, Timestamp: time.Now().Unix(),
		})
	})
}

// Post validates moderation state (and membership, if meta.RequireJoin
// is set), appends a message record to the capped history, and returns
// the current membership set for the caller (router) to fan out to.
func (s *Service) Post(ctx context.Context, channel string, endpoint envelope.Endpoint, message string) (members []string, err error) {
	err = s.locks.withLock(channel, func() error {
		meta, err := s.meta(ctx, channel)
		if err != nil {
			return err
		}
		if meta.isBanned(endpointKey(endpoint), endpoint.MUD) {
			return ErrBanned
		}

		if meta.RequireJoin {
			isMember, err := s.store.SIsMember(ctx, store.ChannelMembersKey(channel), endpointKey(endpoint))
			if err != nil {
				return err
			}
			if !isMember {
				return ErrNotMember
			}
		}

		if err := s.appendHistory(ctx, channel, Record{
			Action: envelope.ChannelActionMessage, From: endpoint, Message: message, Timestamp: time.Now().Unix(),
		}); err != nil {
			return err
		}

		members, err = s.store.SMembers(ctx, store.ChannelMembersKey(channel))
		return err
	})
	return members, err
}

// History returns the most recent (limit or fewer) records, newest first.
func (s *Service) History(ctx context.Context, channel string, limit int) ([]Record, error) {
	if limit <= 0 || int64(limit) > s.historyLimit {
		limit = int(s.historyLimit)
	}
	raw, err := s.store.LRange(ctx, store.ChannelHistoryKey(channel), 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(raw))
	for _, blob := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			return nil, fmt.Errorf("channel: decode history record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Members returns channel's current membership set as mud:user strings.
func (s *Service) Members(ctx context.Context, channel string) ([]string, error) {
	return s.store.SMembers(ctx, store.ChannelMembersKey(channel))
}

// List returns every known channel name, for directory queries.
func (s *Service) List(ctx context.Context) ([]string, error) {
	return s.store.SMembers(ctx, store.ChannelIndex)
}
