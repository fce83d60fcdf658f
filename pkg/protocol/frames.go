package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the gateway wire protocol version the relay speaks.
const ProtocolVersion = 3

// Frame types.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame is a client → gateway RPC call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorShape describes a failed RPC.
type ErrorShape struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ResponseFrame answers a RequestFrame with the same ID.
type ResponseFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// EventFrame is a server push.
type EventFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// ChatEventPayload is the payload of an EventChat frame.
type ChatEventPayload struct {
	Type       string `json:"type"`
	Content    string `json:"content,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	RunID      string `json:"runId,omitempty"`
}

// ChatSendParams are the params of MethodChatSend.
type ChatSendParams struct {
	Message    string `json:"message"`
	AgentID    string `json:"agentId,omitempty"`
	SessionKey string `json:"sessionKey"`
	Stream     bool   `json:"stream"`
}

// ChatSendResult is the payload of a successful MethodChatSend response.
type ChatSendResult struct {
	Content string `json:"content"`
	RunID   string `json:"runId,omitempty"`
}

// ChatAbortParams are the params of MethodChatAbort.
type ChatAbortParams struct {
	SessionKey string `json:"sessionKey"`
}

// ChatAbortResult is the payload of a MethodChatAbort response.
type ChatAbortResult struct {
	Aborted bool `json:"aborted"`
}

// ParseFrameType peeks at the "type" field of a raw frame.
func ParseFrameType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("parse frame: %w", err)
	}
	return head.Type, nil
}

// NewRequest builds a request frame with JSON-encoded params.
func NewRequest(id, method string, params interface{}) (*RequestFrame, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		raw = data
	}
	return &RequestFrame{Type: FrameTypeRequest, ID: id, Method: method, Params: raw}, nil
}
