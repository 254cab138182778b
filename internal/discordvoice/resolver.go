package discordvoice

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/meowko-voice/internal/logging"
)

// cacheTTL controls how long a resolved display name is reused.
var cacheTTL = 5 * time.Minute

type cacheEntry struct {
	val    string
	expiry time.Time
}

// Resolver answers member questions from the gateway state cache, falling
// back to the REST API for members the cache has not seen.
type Resolver struct {
	s   *discordgo.Session
	now func() time.Time
	// fetch loads a member the state does not know.
	fetch func(guildID, userID string) (*discordgo.Member, error)

	mu    sync.Mutex
	names map[string]cacheEntry
}

func NewResolver(s *discordgo.Session) *Resolver {
	r := &Resolver{s: s, now: time.Now, names: make(map[string]cacheEntry)}
	r.fetch = func(guildID, userID string) (*discordgo.Member, error) {
		return s.GuildMember(guildID, userID)
	}
	return r
}

func (r *Resolver) lookupCache(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.names[key]; ok {
		if r.now().Before(e.expiry) {
			return e.val, true
		}
		delete(r.names, key)
	}
	return "", false
}

func (r *Resolver) setCache(key, val string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[key] = cacheEntry{val: val, expiry: r.now().Add(cacheTTL)}
}

func (r *Resolver) member(guildID, userID string) (*discordgo.Member, error) {
	if r.s != nil && r.s.State != nil {
		if m, err := r.s.State.Member(guildID, userID); err == nil && m != nil {
			return m, nil
		}
	}
	m, err := r.fetch(guildID, userID)
	if err != nil {
		return nil, err
	}
	if r.s != nil && r.s.State != nil {
		if m.GuildID == "" {
			m.GuildID = guildID
		}
		_ = r.s.State.MemberAdd(m)
	}
	return m, nil
}

// DisplayName returns the member's nickname, global name or username, in
// that order of preference.
func (r *Resolver) DisplayName(guildID, userID string) (string, bool) {
	if userID == "" {
		return "", false
	}
	key := guildID + "/" + userID
	if v, ok := r.lookupCache(key); ok {
		return v, true
	}
	m, err := r.member(guildID, userID)
	if err != nil || m == nil || m.User == nil {
		logging.Debugw("discordvoice: member lookup failed", append(logging.UserFields(userID, ""), "err", err)...)
		return "", false
	}
	name := displayName(m)
	r.setCache(key, name)
	return name, true
}

func displayName(m *discordgo.Member) string {
	switch {
	case m.Nick != "":
		return m.Nick
	case m.User.GlobalName != "":
		return m.User.GlobalName
	default:
		return m.User.Username
	}
}

// HumanCount counts the non-bot members currently in a voice channel.
func (r *Resolver) HumanCount(guildID, channelID string) int {
	if r.s == nil || r.s.State == nil {
		return 0
	}
	st := r.s.State
	g, err := st.Guild(guildID)
	if err != nil {
		return 0
	}
	st.RLock()
	states := make([]discordgo.VoiceState, 0, len(g.VoiceStates))
	for _, vs := range g.VoiceStates {
		if vs != nil && vs.ChannelID == channelID {
			states = append(states, *vs)
		}
	}
	self := ""
	if st.User != nil {
		self = st.User.ID
	}
	st.RUnlock()

	n := 0
	for _, vs := range states {
		if vs.UserID == self || r.isBot(guildID, &vs) {
			continue
		}
		n++
	}
	return n
}

func (r *Resolver) isBot(guildID string, vs *discordgo.VoiceState) bool {
	if vs.Member != nil && vs.Member.User != nil {
		return vs.Member.User.Bot
	}
	if m, err := r.s.State.Member(guildID, vs.UserID); err == nil && m.User != nil {
		return m.User.Bot
	}
	return false
}
