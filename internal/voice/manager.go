package voice

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/meowko-voice/internal/logging"
)

// ManagerConfig holds the session settings and the auto-join policy.
type ManagerConfig struct {
	Session SessionConfig
	// AutoJoin follows humans into voice channels. Leaving an empty channel
	// does not depend on it.
	AutoJoin bool
	// GuildID restricts auto-join to one guild when set.
	GuildID string
}

// Manager keeps at most one session per guild.
type Manager struct {
	cfg  ManagerConfig
	deps Deps

	// ops serializes join and leave so redundant presence events cannot race.
	ops sync.Mutex

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(cfg ManagerConfig, deps Deps) *Manager {
	return &Manager{cfg: cfg, deps: deps, sessions: make(map[string]*Session)}
}

// Session returns the guild's session, or nil.
func (m *Manager) Session(guildID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[guildID]
}

// Sessions returns a snapshot of all sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Join returns the guild's session for room, reusing a connected session in
// the same channel and replacing one in a different channel.
func (m *Manager) Join(ctx context.Context, room Room) (*Session, error) {
	m.ops.Lock()
	defer m.ops.Unlock()

	if old := m.Session(room.GuildID); old != nil {
		if old.Connected() && old.Room() == room {
			return old, nil
		}
		m.remove(room.GuildID, old)
		if err := old.Leave(ctx); err != nil {
			logging.Warnw("voice: leaving previous channel failed", append(logging.GuildFields(room.GuildID, ""), "err", err)...)
		}
	}

	s := NewSession(m.cfg.Session, m.deps)
	if err := s.Join(ctx, room); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[room.GuildID] = s
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) remove(guildID string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[guildID] == s {
		delete(m.sessions, guildID)
	}
}

// Leave tears down the guild's session if there is one.
func (m *Manager) Leave(ctx context.Context, guildID string) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	s := m.Session(guildID)
	if s == nil {
		return nil
	}
	m.remove(guildID, s)
	return s.Leave(ctx)
}

// HandlePresence applies the auto-join policy to a voice state change and
// leaves the guild's channel once no human remains in it.
func (m *Manager) HandlePresence(ctx context.Context, ev PresenceChange) {
	if ev.IsBot {
		return
	}
	fields := append(logging.GuildFields(ev.GuildID, ""), logging.UserFields(ev.UserID, "")...)

	if m.joinAllowed(ev.GuildID) && ev.AfterChannelID != "" && ev.AfterChannelID != ev.BeforeChannelID {
		if s := m.Session(ev.GuildID); s == nil || !s.Connected() {
			logging.Infow("voice: auto-joining", append(fields, "channel.id", ev.AfterChannelID)...)
			if _, err := m.Join(ctx, Room{GuildID: ev.GuildID, ChannelID: ev.AfterChannelID}); err != nil {
				logging.Warnw("voice: auto-join failed", append(fields, "err", err)...)
			}
			return
		}
	}

	s := m.Session(ev.GuildID)
	if s == nil || !s.Connected() {
		return
	}
	room := s.Room()
	if m.deps.Members.HumanCount(room.GuildID, room.ChannelID) == 0 {
		logging.Infow("voice: channel is empty, auto-leaving", append(fields, "channel.id", room.ChannelID)...)
		if err := m.Leave(ctx, room.GuildID); err != nil {
			logging.Warnw("voice: auto-leave failed", append(fields, "err", err)...)
		}
	}
}

func (m *Manager) joinAllowed(guildID string) bool {
	return m.cfg.AutoJoin && (m.cfg.GuildID == "" || guildID == m.cfg.GuildID)
}

// Close leaves every session in parallel.
func (m *Manager) Close(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error { return s.Leave(ctx) })
	}
	return g.Wait()
}
