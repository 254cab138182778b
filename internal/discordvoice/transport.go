// Package discordvoice connects the voice pipeline to Discord through
// discordgo: voice channel joins, Opus receive and playback, member lookups
// and voice state events.
package discordvoice

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/meowko-voice/internal/logging"
	"github.com/meowko-voice/internal/voice"
)

// Transport joins voice channels on a discordgo session.
type Transport struct {
	s *discordgo.Session
}

func NewTransport(s *discordgo.Session) *Transport {
	return &Transport{s: s}
}

type joinResult struct {
	vc  *discordgo.VoiceConnection
	err error
}

// Connect joins room unmuted and undeafened. If ctx ends first the join is
// abandoned and the late connection, if any, is torn down.
func (t *Transport) Connect(ctx context.Context, room voice.Room) (voice.Connection, error) {
	res := make(chan joinResult, 1)
	go func() {
		vc, err := t.s.ChannelVoiceJoin(room.GuildID, room.ChannelID, false, false)
		res <- joinResult{vc: vc, err: err}
	}()

	var r joinResult
	select {
	case r = <-res:
	case <-ctx.Done():
		go func() {
			if late := <-res; late.vc != nil {
				_ = late.vc.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
	if r.err != nil {
		if r.vc != nil {
			_ = r.vc.Disconnect()
		}
		return nil, fmt.Errorf("discordvoice: join: %w", r.err)
	}

	c := newConnection(room, &vcLink{vc: r.vc})
	r.vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		c.onSpeaking(su.UserID, uint32(su.SSRC))
	})
	logging.Infow("discordvoice: joined", append(logging.GuildFields(room.GuildID, ""), logging.ChannelFields(room.ChannelID, "")...)...)
	return c, nil
}

// vcLink reads the connection's fields under its lock since discordgo
// replaces them while it reconnects.
type vcLink struct {
	vc *discordgo.VoiceConnection
}

func (l *vcLink) Recv() <-chan *discordgo.Packet {
	l.vc.RLock()
	defer l.vc.RUnlock()
	return l.vc.OpusRecv
}

func (l *vcLink) Send() chan<- []byte {
	l.vc.RLock()
	defer l.vc.RUnlock()
	return l.vc.OpusSend
}

func (l *vcLink) Ready() bool {
	l.vc.RLock()
	defer l.vc.RUnlock()
	return l.vc.Ready
}

func (l *vcLink) Speaking(on bool) error { return l.vc.Speaking(on) }

func (l *vcLink) Disconnect() error { return l.vc.Disconnect() }

// Fingerprint changes whenever discordgo swaps the packet channels or the
// connection drops out of the ready state.
func (l *vcLink) Fingerprint() string {
	l.vc.RLock()
	defer l.vc.RUnlock()
	return fmt.Sprintf("%p/%p/%p/%t", l.vc, l.vc.OpusRecv, l.vc.OpusSend, l.vc.Ready)
}
