// Package gateway is a WebSocket client for the agent gateway. The relay uses
// it to inject a prompt into an agent session and stream the reply back.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/metrics"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

var (
	// ErrCancelled is returned when the gateway reports an aborted run.
	ErrCancelled = errors.New("gateway: run cancelled")
	// ErrNotConnected is returned when the connection drops mid-call.
	ErrNotConnected = errors.New("gateway: not connected")
)

const (
	abortTimeout = 5 * time.Second
	writeTimeout = 10 * time.Second
)

// conn is one live WebSocket session. done closes when its read loop exits.
type conn struct {
	ws   *websocket.Conn
	done chan struct{}
	wmu  sync.Mutex
}

func (c *conn) write(frame interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(frame)
}

// Client multiplexes RPCs over a single lazily (re)connected socket.
// dialing is non-nil while a dial is in progress.
type Client struct {
	url     string
	token   string
	agentID string
	dialer  *websocket.Dialer

	mu      sync.Mutex
	conn    *conn
	dialing chan struct{}
	pending map[string]chan protocol.ResponseFrame // by request id
	streams map[string]func(bus.Chunk)             // by session key
	closed  bool
}

// New creates a client for cfg. No connection is made until first use.
func New(cfg config.GatewayConfig) *Client {
	agentID := cfg.AgentID
	if agentID == "" {
		agentID = config.DefaultAgentID
	}
	return &Client{
		url:     cfg.URL,
		token:   cfg.Token,
		agentID: agentID,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pending: make(map[string]chan protocol.ResponseFrame),
		streams: make(map[string]func(bus.Chunk)),
	}
}

// Connect dials the gateway and authenticates. It is a no-op when already
// connected.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.ensure(ctx)
	return err
}

// ensure returns the live connection, dialing one if needed. The dial runs
// without c.mu held; concurrent callers wait for it to finish.
func (c *Client) ensure(ctx context.Context) (*conn, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrNotConnected
		}
		if cn := c.conn; cn != nil {
			c.mu.Unlock()
			return cn, nil
		}
		if wait := c.dialing; wait != nil {
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		wait := make(chan struct{})
		c.dialing = wait
		c.mu.Unlock()

		cn, err := c.dial(ctx)

		c.mu.Lock()
		c.dialing = nil
		close(wait)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		if c.closed {
			c.mu.Unlock()
			cn.ws.Close()
			return nil, ErrNotConnected
		}
		c.conn = cn
		c.mu.Unlock()

		go c.readLoop(cn)
		slog.Info("gateway connected", "url", c.url, "agent_id", c.agentID)
		return cn, nil
	}
}

func (c *Client) dial(ctx context.Context) (*conn, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", c.url, err)
	}
	if err := handshake(ws, c.token); err != nil {
		ws.Close()
		return nil, err
	}
	return &conn{ws: ws, done: make(chan struct{})}, nil
}

// handshake sends the connect RPC and waits for the auth response.
func handshake(ws *websocket.Conn, token string) error {
	params := map[string]interface{}{"protocol": protocol.ProtocolVersion}
	if token != "" {
		params["token"] = token
	}
	req, err := protocol.NewRequest("connect-1", protocol.MethodConnect, params)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(req); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(writeTimeout))
	defer ws.SetReadDeadline(time.Time{})
	var resp protocol.ResponseFrame
	if err := ws.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read connect response: %w", err)
	}
	if !resp.OK {
		if resp.Error != nil {
			return fmt.Errorf("connect rejected: %s", resp.Error.Message)
		}
		return fmt.Errorf("connect rejected")
	}
	return nil
}

func (c *Client) readLoop(cn *conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == cn {
			c.conn = nil
		}
		c.mu.Unlock()
		close(cn.done)
		cn.ws.Close()
	}()

	for {
		_, raw, err := cn.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				slog.Warn("gateway connection lost", "error", err)
			}
			return
		}

		frameType, err := protocol.ParseFrameType(raw)
		if err != nil {
			slog.Debug("gateway: dropping malformed frame", "error", err)
			continue
		}

		switch frameType {
		case protocol.FrameTypeResponse:
			var resp protocol.ResponseFrame
			if err := json.Unmarshal(raw, &resp); err != nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[resp.ID]
			delete(c.pending, resp.ID)
			c.mu.Unlock()
			if ok {
				ch <- resp
			}

		case protocol.FrameTypeEvent:
			var evt protocol.EventFrame
			if err := json.Unmarshal(raw, &evt); err != nil {
				continue
			}
			c.dispatchEvent(evt)
		}
	}
}

func (c *Client) dispatchEvent(evt protocol.EventFrame) {
	if evt.Event != protocol.EventChat {
		return
	}
	var p protocol.ChatEventPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil || p.SessionKey == "" {
		return
	}

	var chunk bus.Chunk
	switch p.Type {
	case protocol.ChatEventChunk:
		chunk = bus.Chunk{Type: bus.ChunkText, Content: p.Content}
	case protocol.ChatEventThinking:
		chunk = bus.Chunk{Type: bus.ChunkThinking, Content: p.Content}
	default:
		return
	}

	c.mu.Lock()
	fn := c.streams[p.SessionKey]
	c.mu.Unlock()
	if fn != nil {
		fn(chunk)
	}
}

// call sends one RPC and waits for its response.
func (c *Client) call(ctx context.Context, method string, params interface{}) (protocol.ResponseFrame, error) {
	cn, err := c.ensure(ctx)
	if err != nil {
		return protocol.ResponseFrame{}, err
	}

	id := uuid.NewString()
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return protocol.ResponseFrame{}, err
	}

	ch := make(chan protocol.ResponseFrame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := cn.write(req); err != nil {
		metrics.TransportCalls.WithLabelValues(method, "error").Inc()
		return protocol.ResponseFrame{}, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		result := "ok"
		if !resp.OK {
			result = "error"
		}
		metrics.TransportCalls.WithLabelValues(method, result).Inc()
		return resp, nil
	case <-cn.done:
		metrics.TransportCalls.WithLabelValues(method, "error").Inc()
		return protocol.ResponseFrame{}, ErrNotConnected
	case <-ctx.Done():
		metrics.TransportCalls.WithLabelValues(method, "cancelled").Inc()
		return protocol.ResponseFrame{}, ctx.Err()
	}
}

// Inject sends text into sessionKey and blocks until the run completes,
// passing streamed output to onStream. The returned string is the final
// content reported by the gateway. If ctx is cancelled the run is aborted
// on the gateway and ctx.Err() is returned.
func (c *Client) Inject(ctx context.Context, sessionKey, text string, onStream func(bus.Chunk)) (string, error) {
	if onStream != nil {
		c.mu.Lock()
		c.streams[sessionKey] = onStream
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.streams, sessionKey)
			c.mu.Unlock()
		}()
	}

	resp, err := c.call(ctx, protocol.MethodChatSend, protocol.ChatSendParams{
		Message:    text,
		AgentID:    c.agentID,
		SessionKey: sessionKey,
		Stream:     onStream != nil,
	})
	if err != nil {
		if ctx.Err() != nil {
			c.CancelInject(sessionKey)
			return "", ctx.Err()
		}
		return "", err
	}

	if !resp.OK {
		msg := "unknown error"
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "cancel") || strings.Contains(lower, "abort") {
			return "", fmt.Errorf("%w: %s", ErrCancelled, msg)
		}
		return "", fmt.Errorf("agent error: %s", msg)
	}

	var result protocol.ChatSendResult
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &result); err != nil {
			return "", fmt.Errorf("decode chat.send result: %w", err)
		}
	}
	return result.Content, nil
}

// CancelInject asks the gateway to abort the active run for sessionKey.
// Returns true if the gateway reports a run was aborted.
func (c *Client) CancelInject(sessionKey string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()

	resp, err := c.call(ctx, protocol.MethodChatAbort, protocol.ChatAbortParams{SessionKey: sessionKey})
	if err != nil {
		slog.Warn("gateway: abort failed", "session", sessionKey, "error", err)
		return false
	}
	if !resp.OK {
		return false
	}
	var result protocol.ChatAbortResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return false
	}
	return result.Aborted
}

// Health calls the gateway health RPC and reports an error unless it
// answers OK.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.call(ctx, protocol.MethodHealth, nil)
	if err != nil {
		return err
	}
	if !resp.OK {
		if resp.Error != nil {
			return fmt.Errorf("gateway unhealthy: %s", resp.Error.Message)
		}
		return fmt.Errorf("gateway unhealthy")
	}
	return nil
}

// Connected reports whether a live socket is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close shuts the connection and refuses further calls.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	cn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cn == nil {
		return nil
	}
	cn.wmu.Lock()
	_ = cn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	cn.wmu.Unlock()
	err := cn.ws.Close()
	<-cn.done
	return err
}
