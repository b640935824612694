// Package presence implements the user-presence registry: per-(mud,user)
// status blobs with a TTL, plus the secondary index that makes a
// cross-mesh "locate" query possible.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mudvault/mesh/internal/envelope"
	"github.com/mudvault/mesh/internal/store"
)

// DefaultTTL bounds how long a presence record survives without a
// refreshing update before it is treated as stale.
const DefaultTTL = 10 * time.Minute

// Record is the JSON blob stored at store.PresenceKey.
type Record struct {
	MUD      string                  `json:"mud"`
	User     string                  `json:"user"`
	Status   envelope.PresenceStatus `json:"status"`
	Activity string                  `json:"activity,omitempty"`
	Location string                  `json:"location,omitempty"`
	Updated  int64                   `json:"updated"`
}

// Registry reads and writes presence records through the shared store.
type Registry struct {
	store store.Store
	ttl   time.Duration
}

// New constructs a Registry. A zero ttl uses DefaultTTL.
func New(st store.Store, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{store: st, ttl: ttl}
}

// Update stores or refreshes mud/user's presence record and publishes
// the change on store.PresenceChannel for interested channel/who
// listeners. An offline status removes the record instead of storing it.
func (r *Registry) Update(ctx context.Context, mud, user string, p envelope.PresencePayload) error {
	rec := Record{
		MUD:      mud,
		User:     user,
		Status:   p.Status,
		Activity: p.Activity,
		Location: p.Location,
		Updated:  time.Now().Unix(),
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	key := store.PresenceKey(mud, user)
	if rec.Status == envelope.StatusOffline {
		if err := r.store.Del(ctx, key); err != nil {
			return err
		}
		if err := r.store.SRem(ctx, store.PresenceIndexKey(user), mud); err != nil {
			return err
		}
	} else {
		if err := r.store.Set(ctx, key, string(blob), r.ttl); err != nil {
			return err
		}
		if err := r.store.SAdd(ctx, store.PresenceIndexKey(user), mud); err != nil {
			return err
		}
	}

	return r.store.Publish(ctx, store.PresenceChannel, blob)
}

// ErrNotFound is returned when no live presence record exists for the
// named user on the named MUD.
var ErrNotFound = errors.New("presence: not found")

// Get fetches a single user's current presence record.
func (r *Registry) Get(ctx context.Context, mud, user string) (*Record, error) {
	blob, err := r.store.Get(ctx, store.PresenceKey(mud, user))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Locate answers a cross-mesh "locate" query: every MUD where `user`
// currently has a live presence record.
func (r *Registry) Locate(ctx context.Context, user string) ([]Record, error) {
	muds, err := r.store.SMembers(ctx, store.PresenceIndexKey(user))
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(muds))
	for _, mud := range muds {
		rec, err := r.Get(ctx, mud, user)
		if errors.Is(err, ErrNotFound) {
			// the TTL expired since the index was last updated; drop
			// the stale index entry and move on.
			_ = r.store.SRem(ctx, store.PresenceIndexKey(user), mud)
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

// ToLocation converts a presence Record into a locate-response sighting.
func ToLocation(rec Record) envelope.Location {
	return envelope.Location{
		MUD:    rec.MUD,
		Online: rec.Status != envelope.StatusOffline,
		Area:   rec.Location,
	}
}
