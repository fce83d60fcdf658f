package protocol

// RPC method names the relay calls on the agent gateway.
const (
	MethodConnect = "connect"
	MethodHealth  = "health"

	// Chat
	MethodChatSend  = "chat.send"
	MethodChatAbort = "chat.abort"
)
