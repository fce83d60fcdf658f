package discord

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/channels"
)

const botID = "999"

func message(content string, mentions ...string) *discordgo.Message {
	m := &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   content,
		Author:    &discordgo.User{ID: "u1", Username: "alice"},
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	for _, id := range mentions {
		m.Mentions = append(m.Mentions, &discordgo.User{ID: id})
	}
	return m
}

func TestBuildInbound(t *testing.T) {
	t.Run("strips bot mention and detects it", func(t *testing.T) {
		msg, stop := buildInbound(message("<@999> hello there", botID), botID, discordgo.ChannelTypeGuildText)
		if msg.Content != "hello there" {
			t.Errorf("Content = %q, want %q", msg.Content, "hello there")
		}
		if !msg.Mentioned {
			t.Error("Mentioned = false, want true")
		}
		if msg.Direct {
			t.Error("Direct = true for a guild channel")
		}
		if stop {
			t.Error("stop = true for ordinary text")
		}
		if msg.ChatID != "c1" || msg.MessageID != "m1" || msg.SenderID != "u1" {
			t.Errorf("ids = %q/%q/%q", msg.ChatID, msg.MessageID, msg.SenderID)
		}
	})

	t.Run("nickname form and other mentions", func(t *testing.T) {
		msg, _ := buildInbound(message("<@!999> ping <@42>", botID, "42"), botID, discordgo.ChannelTypeGuildText)
		if msg.Content != "ping <@42>" {
			t.Errorf("Content = %q", msg.Content)
		}
		if !msg.Mentioned {
			t.Error("Mentioned = false, want true")
		}
	})

	t.Run("mention of someone else is not a trigger", func(t *testing.T) {
		msg, _ := buildInbound(message("hey <@42>", "42"), botID, discordgo.ChannelTypeGuildText)
		if msg.Mentioned {
			t.Error("Mentioned = true, want false")
		}
	})

	t.Run("attachments", func(t *testing.T) {
		m := message("look")
		m.Attachments = []*discordgo.MessageAttachment{{URL: "https://cdn.example/a.png"}}
		msg, _ := buildInbound(m, botID, discordgo.ChannelTypeGuildText)
		want := "look\n[attachment: https://cdn.example/a.png]"
		if msg.Content != want {
			t.Errorf("Content = %q, want %q", msg.Content, want)
		}
	})

	t.Run("empty content", func(t *testing.T) {
		msg, _ := buildInbound(message("<@999>", botID), botID, discordgo.ChannelTypeGuildText)
		if msg.Content != "[empty message]" {
			t.Errorf("Content = %q", msg.Content)
		}
	})

	t.Run("bot author", func(t *testing.T) {
		m := message("<@999> stop", botID)
		m.Author.Bot = true
		msg, stop := buildInbound(m, botID, discordgo.ChannelTypeGuildText)
		if !msg.FromAgent {
			t.Error("FromAgent = false, want true")
		}
		if stop {
			t.Error("agents cannot issue stop")
		}
	})

	t.Run("display name priority", func(t *testing.T) {
		m := message("hi")
		m.Author.GlobalName = "Alice G"
		msg, _ := buildInbound(m, botID, discordgo.ChannelTypeGuildText)
		if msg.SenderName != "Alice G" {
			t.Errorf("SenderName = %q", msg.SenderName)
		}
		m.Member = &discordgo.Member{Nick: "ali"}
		msg, _ = buildInbound(m, botID, discordgo.ChannelTypeGuildText)
		if msg.SenderName != "ali" {
			t.Errorf("SenderName = %q", msg.SenderName)
		}
	})
}

func TestBuildInboundDirect(t *testing.T) {
	tests := []struct {
		chType discordgo.ChannelType
		want   bool
	}{
		{discordgo.ChannelTypeDM, true},
		{discordgo.ChannelTypeGroupDM, true},
		{discordgo.ChannelTypeGuildText, false},
		{discordgo.ChannelTypeGuildPublicThread, false},
	}
	for _, tt := range tests {
		msg, _ := buildInbound(message("hi"), botID, tt.chType)
		if msg.Direct != tt.want {
			t.Errorf("Direct for type %d = %v, want %v", tt.chType, msg.Direct, tt.want)
		}
	}
}

func TestStopCommand(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		mentions []string
		chType   discordgo.ChannelType
		want     bool
	}{
		{"mention stop", "<@999> stop", []string{botID}, discordgo.ChannelTypeGuildText, true},
		{"mention slash stop", "<@999> /STOP", []string{botID}, discordgo.ChannelTypeGuildText, true},
		{"dm stop", "stop", nil, discordgo.ChannelTypeDM, true},
		{"unaddressed stop", "stop", nil, discordgo.ChannelTypeGuildText, false},
		{"stop in a sentence", "<@999> please stop that", []string{botID}, discordgo.ChannelTypeGuildText, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got := buildInbound(message(tt.content, tt.mentions...), botID, tt.chType)
			if got != tt.want {
				t.Errorf("stop = %v, want %v", got, tt.want)
			}
		})
	}
}

func newPolicyChannel(allow []string, dm, group string) *Channel {
	c := &Channel{BaseChannel: channels.NewBaseChannel("discord", nil)}
	c.SetPolicy(allow, channels.DMPolicy(dm), channels.GroupPolicy(group))
	return c
}

func TestAdmit(t *testing.T) {
	tests := []struct {
		name  string
		c     *Channel
		msg   bus.InboundMessage
		want  bool
		flags bool // Mentioned||Direct after admit
	}{
		{
			name:  "open group mention",
			c:     newPolicyChannel(nil, "open", "open"),
			msg:   bus.InboundMessage{SenderID: "u1", Mentioned: true},
			want:  true,
			flags: true,
		},
		{
			name:  "plain message is observed only",
			c:     newPolicyChannel(nil, "open", "open"),
			msg:   bus.InboundMessage{SenderID: "u1"},
			want:  false,
			flags: false,
		},
		{
			name:  "disabled dm loses trigger",
			c:     newPolicyChannel(nil, "disabled", "open"),
			msg:   bus.InboundMessage{SenderID: "u1", Direct: true},
			want:  false,
			flags: false,
		},
		{
			name:  "allowlisted group sender",
			c:     newPolicyChannel([]string{"u1"}, "open", "allowlist"),
			msg:   bus.InboundMessage{SenderID: "u1", Mentioned: true},
			want:  true,
			flags: true,
		},
		{
			name:  "sender outside allowlist",
			c:     newPolicyChannel([]string{"u2"}, "open", "open"),
			msg:   bus.InboundMessage{SenderID: "u1", Mentioned: true},
			want:  false,
			flags: false,
		},
		{
			name:  "agent mention is left to the relay",
			c:     newPolicyChannel([]string{"u2"}, "disabled", "disabled"),
			msg:   bus.InboundMessage{SenderID: "bot", FromAgent: true, Mentioned: true},
			want:  false,
			flags: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.msg
			if got := tt.c.admit(&msg); got != tt.want {
				t.Errorf("admit = %v, want %v", got, tt.want)
			}
			if flags := msg.Mentioned || msg.Direct; flags != tt.flags {
				t.Errorf("trigger flags = %v, want %v", flags, tt.flags)
			}
		})
	}
}
