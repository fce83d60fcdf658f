package protocol

// EventChat is the WebSocket event carrying streamed chat output.
const EventChat = "chat"

// Chat event subtypes (in payload.type)
const (
	ChatEventChunk    = "chunk"
	ChatEventThinking = "thinking"
)
