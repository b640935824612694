// Package ratelimit implements a three-tier composite limiter:
// per-(mud,user), per-peer, and a singleton global bucket, with an
// escalating temporary-block tier on repeated violations.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Tiers are the escalating block durations applied after repeated
// violations by the same subject.
var Tiers = []time.Duration{5 * time.Minute, 30 * time.Minute, 24 * time.Hour}

// Config tunes the three scopes. PerPeerMultiplier scales PerUser up for
// the per-connection/MUD scope, and Global is computed as the sum of
// intended peer budgets if left zero.
type Config struct {
	PerUserPerMinute  int
	PerPeerMultiplier int
	GlobalPerMinute   int // 0 means "derive from expected peer count"
}

type bucket struct {
	limiter    *rate.Limiter
	mu         sync.Mutex
	violations int
	blockedAt  time.Time
	blockedFor time.Duration
}

func newBucket(perMinute int) *bucket {
	r := rate.Limit(float64(perMinute) / 60.0)
	burst := perMinute
	if burst < 1 {
		burst = 1
	}
	return &bucket{limiter: rate.NewLimiter(r, burst)}
}

// allow checks the bucket's token availability and its escalated-block
// state together; it also records a violation and (re)escalates the
// block on denial.
func (b *bucket) allow(now time.Time) (ok bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.blockedAt.IsZero() {
		until := b.blockedAt.Add(b.blockedFor)
		if now.Before(until) {
			return false, until.Sub(now)
		}
		b.blockedAt = time.Time{}
	}

	if b.limiter.AllowN(now, 1) {
		return true, 0
	}

	b.violations++
	tier := b.violations - 1
	if tier >= len(Tiers) {
		tier = len(Tiers) - 1
	}
	if tier >= 0 {
		b.blockedFor = Tiers[tier]
		b.blockedAt = now
		return false, b.blockedFor
	}

	// reservation-based retry hint for a plain (unescalated) rejection
	res := b.limiter.ReserveN(now, 1)
	delay := res.Delay()
	res.Cancel()
	return false, delay
}

func (b *bucket) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.violations = 0
	b.blockedAt = time.Time{}
	b.limiter = rate.NewLimiter(b.limiter.Limit(), b.limiter.Burst())
}

// Limiter composes the per-user, per-peer and global tiers.
type Limiter struct {
	cfg Config

	usersMu sync.Mutex
	users   map[string]*bucket

	peersMu sync.Mutex
	peers   map[string]*bucket

	global *bucket
}

// New constructs a Limiter from cfg.
func New(cfg Config) *Limiter {
	if cfg.PerPeerMultiplier <= 0 {
		cfg.PerPeerMultiplier = 10
	}
	global := cfg.GlobalPerMinute
	if global <= 0 {
		global = cfg.PerUserPerMinute * cfg.PerPeerMultiplier * 100
	}
	return &Limiter{
		cfg:    cfg,
		users:  make(map[string]*bucket),
		peers:  make(map[string]*bucket),
		global: newBucket(global),
	}
}

func userKey(mud, user string) string { return mud + ":" + user }

func (l *Limiter) userBucket(mud, user string) *bucket {
	key := userKey(mud, user)
	l.usersMu.Lock()
	defer l.usersMu.Unlock()
	b, ok := l.users[key]
	if !ok {
		b = newBucket(l.cfg.PerUserPerMinute)
		l.users[key] = b
	}
	return b
}

func (l *Limiter) peerBucket(mud string) *bucket {
	l.peersMu.Lock()
	defer l.peersMu.Unlock()
	b, ok := l.peers[mud]
	if !ok {
		b = newBucket(l.cfg.PerUserPerMinute * l.cfg.PerPeerMultiplier)
		l.peers[mud] = b
	}
	return b
}

// Allow checks all three scopes in order (user, peer, global) and
// returns the tightest retryAfter among whichever denied. Every scope
// must pass for ok to be true.
func (l *Limiter) Allow(mud, user string) (ok bool, retryAfter time.Duration) {
	now := time.Now()

	userOK, userWait := l.userBucket(mud, user).allow(now)
	peerOK, peerWait := l.peerBucket(mud).allow(now)
	globalOK, globalWait := l.global.allow(now)

	if userOK && peerOK && globalOK {
		return true, 0
	}

	var wait time.Duration
	for _, w := range []time.Duration{userWait, peerWait, globalWait} {
		if w > wait {
			wait = w
		}
	}
	return false, wait
}

// Reset clears a subject's violation/block state and refills its token
// buckets in the per-user and per-peer scopes, for admin-initiated reset.
// The shared global bucket is left as it is.
func (l *Limiter) Reset(mud, user string) {
	l.userBucket(mud, user).reset()
	l.peerBucket(mud).reset()
}
