package discordvoice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meowko-voice/internal/voice"
)

func member(id, username, global, nick string, bot bool) *discordgo.Member {
	return &discordgo.Member{
		GuildID: "g1",
		Nick:    nick,
		User:    &discordgo.User{ID: id, Username: username, GlobalName: global, Bot: bot},
	}
}

func newTestSession(t *testing.T) *discordgo.Session {
	t.Helper()
	st := discordgo.NewState()
	st.User = &discordgo.User{ID: "self", Bot: true}
	require.NoError(t, st.GuildAdd(&discordgo.Guild{
		ID: "g1",
		Members: []*discordgo.Member{
			member("u1", "alice", "Alice A", "Ally", false),
			member("u2", "bob", "Bobby", "", false),
			member("u3", "carol", "", "", false),
			member("b1", "musicbot", "", "", true),
			member("self", "meowko", "", "", true),
		},
		VoiceStates: []*discordgo.VoiceState{
			{GuildID: "g1", ChannelID: "c1", UserID: "u1"},
			{GuildID: "g1", ChannelID: "c1", UserID: "b1"},
			{GuildID: "g1", ChannelID: "c1", UserID: "self"},
			{GuildID: "g1", ChannelID: "c2", UserID: "u2"},
		},
	}))
	return &discordgo.Session{State: st}
}

func TestDisplayNamePreference(t *testing.T) {
	r := NewResolver(newTestSession(t))
	r.fetch = func(string, string) (*discordgo.Member, error) { return nil, errors.New("offline") }

	for user, want := range map[string]string{"u1": "Ally", "u2": "Bobby", "u3": "carol"} {
		got, ok := r.DisplayName("g1", user)
		assert.True(t, ok, user)
		assert.Equal(t, want, got, user)
	}
	_, ok := r.DisplayName("g1", "ghost")
	assert.False(t, ok)
	_, ok = r.DisplayName("g1", "")
	assert.False(t, ok)
}

func TestDisplayNameFetchesAndCaches(t *testing.T) {
	r := NewResolver(newTestSession(t))
	now := time.Date(2026, 5, 11, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	var mu sync.Mutex
	calls := 0
	nick := "Dee"
	r.fetch = func(guildID, userID string) (*discordgo.Member, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return &discordgo.Member{Nick: nick, User: &discordgo.User{ID: userID, Username: "dee"}}, nil
	}

	name, ok := r.DisplayName("g1", "u4")
	require.True(t, ok)
	assert.Equal(t, "Dee", name)
	name, _ = r.DisplayName("g1", "u4")
	assert.Equal(t, "Dee", name)
	assert.Equal(t, 1, calls)

	now = now.Add(cacheTTL + time.Second)
	_, ok = r.DisplayName("g1", "u4")
	require.True(t, ok)
	assert.Equal(t, 1, calls, "expired entry is refilled from the state cache")
}

func TestHumanCount(t *testing.T) {
	r := NewResolver(newTestSession(t))
	assert.Equal(t, 1, r.HumanCount("g1", "c1"), "bots and self are excluded")
	assert.Equal(t, 1, r.HumanCount("g1", "c2"))
	assert.Equal(t, 0, r.HumanCount("g1", "c3"))
	assert.Equal(t, 0, r.HumanCount("nope", "c1"))
	assert.Equal(t, 0, NewResolver(nil).HumanCount("g1", "c1"))
}

type presenceRecorder struct {
	mu  sync.Mutex
	evs []voice.PresenceChange
}

func (p *presenceRecorder) HandlePresence(_ context.Context, ev voice.PresenceChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evs = append(p.evs, ev)
}

func TestPresenceHandlerTranslates(t *testing.T) {
	s := newTestSession(t)
	rec := &presenceRecorder{}
	h := NewPresenceHandler(context.Background(), rec)

	h.Handle(s, &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: "g1", UserID: "u1", ChannelID: "c2"},
		BeforeUpdate: &discordgo.VoiceState{GuildID: "g1", UserID: "u1", ChannelID: "c1"},
	})
	h.Handle(s, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "g1", UserID: "b1", ChannelID: "c1"},
	})
	h.Handle(s, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "g1", UserID: "self", ChannelID: "c1"},
	})
	h.Handle(s, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{
			GuildID: "g1", UserID: "x9",
			Member: &discordgo.Member{User: &discordgo.User{ID: "x9", Bot: true}},
		},
	})
	h.Handle(s, &discordgo.VoiceStateUpdate{})

	assert.Equal(t, []voice.PresenceChange{
		{GuildID: "g1", UserID: "u1", BeforeChannelID: "c1", AfterChannelID: "c2"},
		{GuildID: "g1", UserID: "b1", IsBot: true, AfterChannelID: "c1"},
		{GuildID: "g1", UserID: "self", IsBot: true, AfterChannelID: "c1"},
		{GuildID: "g1", UserID: "x9", IsBot: true},
	}, rec.evs)
}
