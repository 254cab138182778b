package discordvoice

import (
	"context"

	"github.com/bwmarrin/discordgo"

	"github.com/meowko-voice/internal/voice"
)

// PresenceSink receives translated voice state changes.
type PresenceSink interface {
	HandlePresence(ctx context.Context, ev voice.PresenceChange)
}

// PresenceHandler turns gateway VoiceStateUpdate events into presence
// changes. Register Handle with discordgo's AddHandler.
type PresenceHandler struct {
	ctx  context.Context
	sink PresenceSink
}

func NewPresenceHandler(ctx context.Context, sink PresenceSink) *PresenceHandler {
	return &PresenceHandler{ctx: ctx, sink: sink}
}

func (h *PresenceHandler) Handle(s *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu == nil || vsu.VoiceState == nil {
		return
	}
	h.sink.HandlePresence(h.ctx, translate(s, vsu))
}

func translate(s *discordgo.Session, vsu *discordgo.VoiceStateUpdate) voice.PresenceChange {
	ev := voice.PresenceChange{
		GuildID:        vsu.GuildID,
		UserID:         vsu.UserID,
		AfterChannelID: vsu.ChannelID,
	}
	if vsu.BeforeUpdate != nil {
		ev.BeforeChannelID = vsu.BeforeUpdate.ChannelID
	}
	switch {
	case vsu.Member != nil && vsu.Member.User != nil:
		ev.IsBot = vsu.Member.User.Bot
	case s != nil && s.State != nil:
		if m, err := s.State.Member(vsu.GuildID, vsu.UserID); err == nil && m.User != nil {
			ev.IsBot = m.User.Bot
		}
	}
	if s != nil && s.State != nil && s.State.User != nil && s.State.User.ID == vsu.UserID {
		ev.IsBot = true
	}
	return ev
}
