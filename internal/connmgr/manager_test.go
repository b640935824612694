package connmgr

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestConnection(id string) *Connection {
	return &Connection{
		ID:                 id,
		log:                zerolog.Nop(),
		state:              StateLive,
		queue:              newOutboundQueue(DefaultOutboundQueueSize),
		wake:               make(chan struct{}, 1),
		closeCh:            make(chan struct{}),
		heartbeatInterval:  DefaultHeartbeatInterval,
		authDeadline:       DefaultAuthDeadline,
		drainDeadline:      DefaultDrainDeadline,
		MalformedThreshold: 5,
		MalformedWindow:    time.Minute,
	}
}

func TestManagerRegisterLookupUnregister(t *testing.T) {
	m := NewManager()
	c := newTestConnection("conn-1")
	c.MarkAuthenticated("Alpha")

	m.Register(c)
	m.Bind("Alpha", c)

	found, ok := m.Lookup("Alpha")
	require.True(t, ok)
	require.Same(t, c, found)
	require.Equal(t, 1, m.Count())

	m.Unregister(c)
	_, ok = m.Lookup("Alpha")
	require.False(t, ok)
	require.Equal(t, 0, m.Count())
}

func TestManagerUnregisterLeavesNewerBindingIntact(t *testing.T) {
	m := NewManager()
	old := newTestConnection("conn-1")
	old.MarkAuthenticated("Alpha")
	next := newTestConnection("conn-2")
	next.MarkAuthenticated("Alpha")

	m.Register(old)
	m.Bind("Alpha", old)
	m.Register(next)
	m.Bind("Alpha", next) // displacement already rebound Alpha -> next

	m.Unregister(old) // old's own teardown must not clobber next's binding

	found, ok := m.Lookup("Alpha")
	require.True(t, ok)
	require.Same(t, next, found)
}
