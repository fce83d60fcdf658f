package discord

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
)

// isPrivate reports whether t is a one-to-one or group DM.
func isPrivate(t discordgo.ChannelType) bool {
	return t == discordgo.ChannelTypeDM || t == discordgo.ChannelTypeGroupDM
}

// buildInbound converts a Discord message into a bus event. The second
// result is true when the text is a stop command aimed at the bot.
func buildInbound(m *discordgo.Message, botID string, chType discordgo.ChannelType) (bus.InboundMessage, bool) {
	mentioned := false
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			mentioned = true
			break
		}
	}

	content := stripBotMention(m.Content, botID)
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		content = "[empty message]"
	}

	msg := bus.InboundMessage{
		Channel:    "discord",
		ChatID:     m.ChannelID,
		MessageID:  m.ID,
		SenderID:   m.Author.ID,
		SenderName: resolveDisplayName(m),
		Content:    content,
		FromAgent:  m.Author.Bot,
		Mentioned:  mentioned,
		Direct:     isPrivate(chType),
		Timestamp:  m.Timestamp,
		Metadata: map[string]string{
			"message_id": m.ID,
			"username":   m.Author.Username,
			"guild_id":   m.GuildID,
		},
	}

	isStop := !msg.FromAgent && (msg.Mentioned || msg.Direct) && isStopCommand(content)
	return msg, isStop
}

// stripBotMention removes <@id> and <@!id> tokens for the bot and trims.
func stripBotMention(content, botID string) string {
	if botID != "" {
		content = strings.ReplaceAll(content, "<@"+botID+">", "")
		content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	}
	return strings.TrimSpace(content)
}

func isStopCommand(content string) bool {
	c := strings.ToLower(strings.TrimSpace(content))
	return c == "stop" || c == "/stop"
}

// resolveDisplayName returns the best available display name for a Discord message author.
// Priority: server nickname > global display name > username.
func resolveDisplayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
