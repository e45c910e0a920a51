package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []protocol.Envelope
	full   bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errors.New("backpressure")
	}
	env, err := protocol.Decode(f)
	if err != nil {
		return err
	}
	c.frames = append(c.frames, env)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Event)
	}
	return out
}

func (c *fakeConn) last(event string) (protocol.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Event == event {
			return c.frames[i], true
		}
	}
	return protocol.Envelope{}, false
}

type client struct {
	sid      core.SessionID
	conn     *fakeConn
	canceled bool
}

func newOrch() *Orchestrator {
	return &Orchestrator{Registry: NewRegistry(), Rooms: NewRoomManager(), Policy: SimplePolicy{}}
}

func connect(o *Orchestrator, sid string) *client {
	c := &client{sid: core.SessionID(sid), conn: &fakeConn{}}
	sess := core.NewMemberSession(domain.NewMember(domain.PeerID(sid))).UpdateSignal(c.conn)
	o.Registry.Bind(c.sid, sess, func() { c.canceled = true })
	return c
}

func start(t *testing.T, o *Orchestrator, c *client) domain.Role {
	t.Helper()
	var got domain.Role
	require.NoError(t, o.Start(c.sid, func(r domain.Role) { got = r }))
	return got
}

func stringArg(t *testing.T, env protocol.Envelope) string {
	t.Helper()
	var s string
	require.NoError(t, env.Arg(0, &s))
	return s
}

func TestStartPairsTwoClients(t *testing.T) {
	o := newOrch()
	a, b := connect(o, "a"), connect(o, "b")

	assert.Equal(t, domain.RoleInitiator, start(t, o, a))
	assert.Empty(t, a.conn.events())

	assert.Equal(t, domain.RoleResponder, start(t, o, b))
	assert.Equal(t, []string{protocol.EventRoomID, protocol.EventRemoteSocket}, a.conn.events())
	assert.Equal(t, []string{protocol.EventRoomID, protocol.EventRemoteSocket}, b.conn.events())

	ra, _ := a.conn.last(protocol.EventRoomID)
	rb, _ := b.conn.last(protocol.EventRoomID)
	assert.Equal(t, stringArg(t, ra), stringArg(t, rb))
	pa, _ := a.conn.last(protocol.EventRemoteSocket)
	pb, _ := b.conn.last(protocol.EventRemoteSocket)
	assert.Equal(t, "b", stringArg(t, pa))
	assert.Equal(t, "a", stringArg(t, pb))

	stats := o.Stats()
	assert.Equal(t, 2, stats.Online)
	require.Len(t, stats.Rooms, 1)
	assert.Equal(t, 2, stats.Rooms[0].MemberCount)
}

func TestRepeatedStartKeepsRole(t *testing.T) {
	o := newOrch()
	a := connect(o, "a")
	assert.Equal(t, domain.RoleInitiator, start(t, o, a))
	assert.Equal(t, domain.RoleInitiator, start(t, o, a))

	b := connect(o, "b")
	assert.Equal(t, domain.RoleResponder, start(t, o, b))
	assert.Equal(t, domain.RoleResponder, start(t, o, b))
	assert.Len(t, o.Rooms.List(), 1)
}

func TestThirdClientWaits(t *testing.T) {
	o := newOrch()
	a, b, c := connect(o, "a"), connect(o, "b"), connect(o, "c")
	start(t, o, a)
	start(t, o, b)
	assert.Equal(t, domain.RoleInitiator, start(t, o, c))
	assert.Empty(t, c.conn.events())
}

func TestForwardReachesPartnerOnly(t *testing.T) {
	o := newOrch()
	a, b := connect(o, "a"), connect(o, "b")
	start(t, o, a)
	start(t, o, b)

	frame, err := protocol.Encode(protocol.EventSDPReply, 0, protocol.DescriptionPayload{From: "a"})
	require.NoError(t, err)
	require.NoError(t, o.Forward(a.sid, protocol.EventSDPReply, frame))

	_, ok := b.conn.last(protocol.EventSDPReply)
	assert.True(t, ok)
	_, ok = a.conn.last(protocol.EventSDPReply)
	assert.False(t, ok)

	partner, ok := o.Partner(b.sid)
	require.True(t, ok)
	assert.Equal(t, a.sid, partner)
}

func TestForwardWithoutRoom(t *testing.T) {
	o := newOrch()
	a := connect(o, "a")
	start(t, o, a)
	assert.ErrorIs(t, o.Forward(a.sid, protocol.EventSDPReply, core.Frame(`{}`)), ErrNotInRoom)
}

func TestLeaveNotifiesPartner(t *testing.T) {
	o := newOrch()
	a, b := connect(o, "a"), connect(o, "b")
	start(t, o, a)
	start(t, o, b)

	o.Leave(a.sid)
	events := b.conn.events()
	assert.Contains(t, events, protocol.EventDisconnected)
	online, ok := b.conn.last(protocol.EventOnlineUsers)
	require.True(t, ok)
	var n int
	require.NoError(t, online.Arg(0, &n))
	assert.Equal(t, 1, n)

	assert.Empty(t, o.Rooms.List())
	_, _, inRoom := o.Registry.RoomOf(b.sid)
	assert.False(t, inRoom)
}

func TestLeaveWhileWaiting(t *testing.T) {
	o := newOrch()
	a := connect(o, "a")
	start(t, o, a)
	o.Leave(a.sid)

	b := connect(o, "b")
	assert.Equal(t, domain.RoleInitiator, start(t, o, b))
}

func TestBackpressurePolicy(t *testing.T) {
	o := newOrch()
	a, b := connect(o, "a"), connect(o, "b")
	start(t, o, a)
	start(t, o, b)
	b.conn.mu.Lock()
	b.conn.full = true
	b.conn.mu.Unlock()

	require.NoError(t, o.Forward(a.sid, protocol.EventGetMessage, core.Frame(`{"event":"get-message"}`)))
	assert.False(t, b.canceled)

	require.NoError(t, o.Forward(a.sid, protocol.EventICEReply, core.Frame(`{"event":"ice:reply"}`)))
	assert.True(t, b.canceled)
}

func TestStartUnknownSession(t *testing.T) {
	o := newOrch()
	err := o.Start("ghost", func(domain.Role) {})
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestRegistryCancel(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Bind("x", core.NewMemberSession(domain.NewMember("x")), context.CancelFunc(func() { called = true }))
	assert.True(t, r.Cancel("x"))
	assert.True(t, called)
	assert.False(t, r.Cancel("y"))
}
