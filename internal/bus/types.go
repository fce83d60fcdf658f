package bus

import (
	"context"
	"time"
)

// InboundMessage represents a chat message observed on a channel (Discord, etc.).
// Every observed message is delivered, including ones the relay will only buffer.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	ChatID     string            `json:"chat_id"`
	MessageID  string            `json:"message_id"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name"`
	Content    string            `json:"content"`
	FromAgent  bool              `json:"from_agent,omitempty"` // sender is a bot/agent account
	Mentioned  bool              `json:"mentioned,omitempty"`  // message explicitly mentions this relay
	Direct     bool              `json:"direct,omitempty"`     // arrived via a DM / private channel
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// PeerKind returns "direct" for private channels and "group" otherwise.
func (m InboundMessage) PeerKind() string {
	if m.Direct {
		return "direct"
	}
	return "group"
}

// TypingEvent is a typing-start signal observed on a channel.
type TypingEvent struct {
	Channel   string    `json:"channel"`
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	FromAgent bool      `json:"from_agent,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Chunk types emitted by an injection stream.
const (
	ChunkText     = "chunk"
	ChunkThinking = "thinking"
)

// Chunk is one increment of streamed generation output.
type Chunk struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// InboundHandler consumes channel events. Implemented by the relay dispatcher.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg InboundMessage)
	HandleTyping(ctx context.Context, evt TypingEvent)
	// HandleStop cancels pending and active work for a chat.
	// Returns false when there was nothing to stop.
	HandleStop(ctx context.Context, chatID string) bool
}
