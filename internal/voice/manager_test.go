package voice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, h *harness, cfg ManagerConfig) *Manager {
	t.Helper()
	cfg.Session.HealthInterval = time.Hour
	m := NewManager(cfg, h.deps())
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestManagerJoinReusesSameRoom(t *testing.T) {
	h := newHarness()
	m := newTestManager(t, h, ManagerConfig{})
	ctx := context.Background()

	s1, err := m.Join(ctx, testRoom)
	require.NoError(t, err)
	s2, err := m.Join(ctx, testRoom)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Len(t, h.transport.conns, 1)
}

func TestManagerJoinMovesToNewChannel(t *testing.T) {
	h := newHarness()
	m := newTestManager(t, h, ManagerConfig{})
	ctx := context.Background()

	s1, err := m.Join(ctx, testRoom)
	require.NoError(t, err)
	first := h.transport.last()

	s2, err := m.Join(ctx, Room{GuildID: "g1", ChannelID: "c2"})
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.False(t, first.Connected())
	assert.Equal(t, "c2", m.Session("g1").Room().ChannelID)
}

func TestManagerLeave(t *testing.T) {
	h := newHarness()
	m := newTestManager(t, h, ManagerConfig{})
	ctx := context.Background()

	require.NoError(t, m.Leave(ctx, "nope"))
	_, err := m.Join(ctx, testRoom)
	require.NoError(t, err)
	require.NoError(t, m.Leave(ctx, "g1"))
	require.NoError(t, m.Leave(ctx, "g1"))
	assert.Nil(t, m.Session("g1"))
	assert.Equal(t, 1, h.transport.last().disconnectCount())
}

func TestPresenceAutoJoinAndLeave(t *testing.T) {
	h := newHarness()
	m := newTestManager(t, h, ManagerConfig{AutoJoin: true})
	ctx := context.Background()

	m.HandlePresence(ctx, PresenceChange{GuildID: "g1", UserID: "bot", IsBot: true, AfterChannelID: "c1"})
	assert.Nil(t, m.Session("g1"), "bots never trigger a join")

	h.members.setHumans("c1", 1)
	m.HandlePresence(ctx, PresenceChange{GuildID: "g1", UserID: "u1", AfterChannelID: "c1"})
	s := m.Session("g1")
	require.NotNil(t, s)
	assert.Equal(t, testRoom, s.Room())

	// A second human joining elsewhere does not move the bot.
	h.members.setHumans("c9", 1)
	m.HandlePresence(ctx, PresenceChange{GuildID: "g1", UserID: "u2", AfterChannelID: "c9"})
	assert.Same(t, s, m.Session("g1"))

	h.members.setHumans("c1", 0)
	m.HandlePresence(ctx, PresenceChange{GuildID: "g1", UserID: "u1", BeforeChannelID: "c1"})
	assert.Nil(t, m.Session("g1"))
	assert.False(t, s.Connected())

	// Redundant leave events are harmless.
	m.HandlePresence(ctx, PresenceChange{GuildID: "g1", UserID: "u1", BeforeChannelID: "c1"})
}

func TestPresenceRespectsPolicy(t *testing.T) {
	h := newHarness()
	off := newTestManager(t, h, ManagerConfig{})
	off.HandlePresence(context.Background(), PresenceChange{GuildID: "g1", UserID: "u1", AfterChannelID: "c1"})
	assert.Nil(t, off.Session("g1"))

	scoped := newTestManager(t, h, ManagerConfig{AutoJoin: true, GuildID: "g2"})
	scoped.HandlePresence(context.Background(), PresenceChange{GuildID: "g1", UserID: "u1", AfterChannelID: "c1"})
	assert.Nil(t, scoped.Session("g1"))
}

func TestPresenceLeavesEmptyChannelWithoutAutoJoin(t *testing.T) {
	h := newHarness()
	m := newTestManager(t, h, ManagerConfig{})
	ctx := context.Background()

	s, err := m.Join(ctx, testRoom)
	require.NoError(t, err)
	h.members.setHumans("c1", 0)
	m.HandlePresence(ctx, PresenceChange{GuildID: "g1", UserID: "u1", BeforeChannelID: "c1"})
	assert.Nil(t, m.Session("g1"))
	assert.False(t, s.Connected())
}

func TestManagerCloseLeavesAll(t *testing.T) {
	h := newHarness()
	m := NewManager(ManagerConfig{}, h.deps())
	ctx := context.Background()
	_, err := m.Join(ctx, Room{GuildID: "g1", ChannelID: "c1"})
	require.NoError(t, err)
	_, err = m.Join(ctx, Room{GuildID: "g2", ChannelID: "c1"})
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	assert.Empty(t, m.Sessions())
	for _, c := range h.transport.conns {
		assert.False(t, c.Connected())
	}
}
