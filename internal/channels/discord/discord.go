package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/channels"
	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/metrics"
	"github.com/nextlevelbuilder/clawrelay/internal/streaming"
)

const (
	replyStopped   = "Stopped."
	replyNoneToEnd = "Nothing to stop."
)

// Channel connects to Discord via the Bot API using gateway events. It feeds
// every observed message and typing signal to the installed handler and
// implements the send/reply/edit/react surface the relay streams through.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	botUserID string
	edits     *channels.KeyedLimiter

	chanTypes sync.Map // channelID string → discordgo.ChannelType
	knownBots sync.Map // userID string → struct{}
}

// New creates a new Discord channel from config.
func New(cfg config.DiscordConfig) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageTyping |
		discordgo.IntentsDirectMessageTyping

	c := &Channel{
		BaseChannel: channels.NewBaseChannel("discord", cfg.AllowFrom),
		session:     session,
		edits:       channels.NewKeyedLimiter(0, 0),
	}
	c.ApplyPolicy(cfg)
	return c, nil
}

// ApplyPolicy installs the allowlist and DM/group policies from cfg.
func (c *Channel) ApplyPolicy(cfg config.DiscordConfig) {
	c.SetPolicy(cfg.AllowFrom, channels.DMPolicy(cfg.DMPolicy), channels.GroupPolicy(cfg.GroupPolicy))
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)
	c.session.AddHandler(c.handleTyping)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// BotUserID returns the bot's own user id once connected.
func (c *Channel) BotUserID() string { return c.botUserID }

func observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.TransportCalls.WithLabelValues(op, result).Inc()
}

// Send posts a new message in channelID.
func (c *Channel) Send(ctx context.Context, channelID, content string) (streaming.MessageRef, error) {
	m, err := c.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	observe("send", err)
	if err != nil {
		return streaming.MessageRef{}, fmt.Errorf("send discord message: %w", err)
	}
	return streaming.MessageRef{ChannelID: m.ChannelID, MessageID: m.ID}, nil
}

// Reply posts content as a reply to parent.
func (c *Channel) Reply(ctx context.Context, parent streaming.MessageRef, content string) (streaming.MessageRef, error) {
	ref := &discordgo.MessageReference{MessageID: parent.MessageID, ChannelID: parent.ChannelID}
	m, err := c.session.ChannelMessageSendReply(parent.ChannelID, content, ref, discordgo.WithContext(ctx))
	observe("reply", err)
	if err != nil {
		return streaming.MessageRef{}, fmt.Errorf("reply to discord message %s: %w", parent.MessageID, err)
	}
	return streaming.MessageRef{ChannelID: m.ChannelID, MessageID: m.ID}, nil
}

// Edit replaces the content of ref. Edits are paced per channel.
func (c *Channel) Edit(ctx context.Context, ref streaming.MessageRef, content string) error {
	if err := c.edits.Wait(ctx, ref.ChannelID); err != nil {
		observe("edit", err)
		return fmt.Errorf("edit discord message %s: %w", ref.MessageID, err)
	}
	_, err := c.session.ChannelMessageEdit(ref.ChannelID, ref.MessageID, content, discordgo.WithContext(ctx))
	observe("edit", err)
	if err != nil {
		return fmt.Errorf("edit discord message %s: %w", ref.MessageID, err)
	}
	return nil
}

// React adds emoji to ref as the bot.
func (c *Channel) React(ctx context.Context, ref streaming.MessageRef, emoji string) error {
	err := c.session.MessageReactionAdd(ref.ChannelID, ref.MessageID, emoji, discordgo.WithContext(ctx))
	observe("react", err)
	return err
}

// RemoveReaction removes the bot's emoji reaction from ref.
func (c *Channel) RemoveReaction(ctx context.Context, ref streaming.MessageRef, emoji string) error {
	err := c.session.MessageReactionRemove(ref.ChannelID, ref.MessageID, emoji, "@me", discordgo.WithContext(ctx))
	observe("unreact", err)
	return err
}

// handleMessage translates a Discord message into a bus event.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID {
		return
	}
	h := c.Handler()
	if h == nil {
		return
	}
	if m.Author.Bot {
		c.knownBots.Store(m.Author.ID, struct{}{})
	}

	ctx := context.Background()
	msg, isStop := buildInbound(m.Message, c.botUserID, c.channelType(m.ChannelID, m.GuildID))
	triggered := c.admit(&msg)

	if isStop && triggered {
		c.handleStop(ctx, h, msg)
		return
	}

	slog.Debug("discord message received",
		"sender_id", msg.SenderID,
		"channel_id", msg.ChatID,
		"from_agent", msg.FromAgent,
		"mentioned", msg.Mentioned,
		"is_dm", msg.Direct,
		"preview", channels.Truncate(msg.Content, 50),
	)
	h.HandleInbound(ctx, msg)
}

// admit applies access policy to a human trigger. A sender the policy rejects
// is still observed for context but loses its trigger flags. Agents are never
// gated here. Returns whether msg still triggers a run.
func (c *Channel) admit(msg *bus.InboundMessage) bool {
	if msg.FromAgent {
		return false
	}
	if !msg.Mentioned && !msg.Direct {
		return false
	}
	if c.CheckPolicy(msg.PeerKind(), msg.SenderID) && c.IsAllowed(msg.SenderID) {
		return true
	}
	slog.Debug("discord trigger rejected by policy",
		"user_id", msg.SenderID,
		"username", msg.SenderName,
		"peer_kind", msg.PeerKind(),
	)
	msg.Mentioned = false
	msg.Direct = false
	return false
}

func (c *Channel) handleStop(ctx context.Context, h bus.InboundHandler, msg bus.InboundMessage) {
	text := replyNoneToEnd
	if h.HandleStop(ctx, msg.ChatID) {
		text = replyStopped
	}
	slog.Info("discord stop command", "channel_id", msg.ChatID, "user_id", msg.SenderID, "reply", text)
	if _, err := c.Reply(ctx, streaming.MessageRef{ChannelID: msg.ChatID, MessageID: msg.MessageID}, text); err != nil {
		slog.Warn("discord: stop reply failed", "channel_id", msg.ChatID, "error", err)
	}
}

// handleTyping forwards typing-start signals.
func (c *Channel) handleTyping(_ *discordgo.Session, t *discordgo.TypingStart) {
	if t.UserID == c.botUserID {
		return
	}
	h := c.Handler()
	if h == nil {
		return
	}
	h.HandleTyping(context.Background(), bus.TypingEvent{
		Channel:   c.Name(),
		ChatID:    t.ChannelID,
		UserID:    t.UserID,
		FromAgent: c.isBot(t.GuildID, t.UserID),
		Timestamp: time.Now(),
	})
}

func (c *Channel) isBot(guildID, userID string) bool {
	if _, ok := c.knownBots.Load(userID); ok {
		return true
	}
	if guildID == "" || c.session.State == nil {
		return false
	}
	if mem, err := c.session.State.Member(guildID, userID); err == nil && mem.User != nil {
		return mem.User.Bot
	}
	return false
}

// channelType resolves the channel kind from the state cache, then the API.
// Without either, a message outside a guild is treated as a DM.
func (c *Channel) channelType(channelID, guildID string) discordgo.ChannelType {
	if v, ok := c.chanTypes.Load(channelID); ok {
		return v.(discordgo.ChannelType)
	}

	if c.session.State != nil {
		if ch, err := c.session.State.Channel(channelID); err == nil {
			c.chanTypes.Store(channelID, ch.Type)
			return ch.Type
		}
	}
	if ch, err := c.session.Channel(channelID); err == nil {
		c.chanTypes.Store(channelID, ch.Type)
		return ch.Type
	} else {
		slog.Debug("discord: channel lookup failed", "channel_id", channelID, "error", err)
	}

	if guildID == "" {
		return discordgo.ChannelTypeDM
	}
	return discordgo.ChannelTypeGuildText
}
