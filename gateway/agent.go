package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/gaoyangz77/easyclaw/internal/logger"
	"github.com/gaoyangz77/easyclaw/types"
)

// 智能体事件的 run 状态
const (
	RunStateDelta   = "delta"
	RunStateFinal   = "final"
	RunStateError   = "error"
	RunStateAborted = "aborted"
)

// AgentEvent 智能体运行时推送的一次状态变更
type AgentEvent struct {
	RunID   string
	State   string
	Message string
}

// AgentRuntime 本机智能体运行时。Forward 发起一次 run 并返回其 id，
// 结果经 Events 异步回流。
type AgentRuntime interface {
	Forward(ctx context.Context, customerID, content string) (string, error)
	Events() <-chan AgentEvent
	Close() error
}

// agentRequest 控制通道请求帧（type: "req"）
type agentRequest struct {
	Type   string                 `json:"type"`
	ID     string                 `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// AgentClient 经 WebSocket 连接本机智能体运行时的客户端实现
type AgentClient struct {
	url string

	mu      sync.Mutex
	ws      *websocket.Conn
	pending map[string]chan gjson.Result

	events chan AgentEvent
	done   chan struct{}
	once   sync.Once
}

// DialAgent 连接智能体运行时并启动读循环
func DialAgent(ctx context.Context, url string) (*AgentClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, types.NewUpstreamAPIError("failed to connect to agent runtime", err)
	}

	c := &AgentClient{
		url:     url,
		ws:      ws,
		pending: make(map[string]chan gjson.Result),
		events:  make(chan AgentEvent, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	logger.Info("Connected to agent runtime", zap.String("url", url))
	return c, nil
}

// Forward 把用户消息转交智能体，返回本次 run 的 id
func (c *AgentClient) Forward(ctx context.Context, customerID, content string) (string, error) {
	id := uuid.New().String()
	req := &agentRequest{
		Type:   "req",
		ID:     id,
		Method: "agent",
		Params: map[string]interface{}{
			"message":    content,
			"sessionKey": "customer:" + customerID,
		},
	}

	ch := make(chan gjson.Result, 1)
	c.mu.Lock()
	if c.ws == nil {
		c.mu.Unlock()
		return "", types.NewNetworkError("agent runtime connection closed", nil)
	}
	c.pending[id] = ch
	err := c.writeJSON(req)
	c.mu.Unlock()
	if err != nil {
		c.dropPending(id)
		return "", types.NewUpstreamAPIError("failed to send agent request", err)
	}

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return "", ctx.Err()
	case <-c.done:
		return "", types.NewNetworkError("agent runtime connection closed", nil)
	case res := <-ch:
		if !res.Get("ok").Bool() {
			return "", types.NewUpstreamAPIError(
				fmt.Sprintf("agent request rejected: %s", res.Get("error.message").String()), nil)
		}
		runID := res.Get("payload.runId").String()
		if runID == "" {
			return "", types.NewUpstreamAPIError("agent response missing runId", nil)
		}
		return runID, nil
	}
}

// Events 智能体事件流；连接关闭时通道被关闭
func (c *AgentClient) Events() <-chan AgentEvent {
	return c.events
}

// Close 关闭连接并终止读循环
func (c *AgentClient) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		if c.ws != nil {
			err = c.ws.Close()
			c.ws = nil
		}
		c.mu.Unlock()
	})
	return err
}

// writeJSON 调用方必须持有 c.mu
func (c *AgentClient) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *AgentClient) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop 分流响应帧与事件帧。退出时关闭事件通道，让上层感知断连。
func (c *AgentClient) readLoop() {
	defer func() {
		close(c.done)
		close(c.events)
		_ = c.Close()
	}()

	for {
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws == nil {
			return
		}

		_, data, err := ws.ReadMessage()
		if err != nil {
			logger.Warn("Agent runtime connection lost", zap.Error(err))
			return
		}

		msg := gjson.ParseBytes(data)
		switch msg.Get("type").String() {
		case "res":
			id := msg.Get("id").String()
			c.mu.Lock()
			ch, ok := c.pending[id]
			if ok {
				delete(c.pending, id)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
			}

		case "event":
			if msg.Get("event").String() != "chat" {
				continue
			}
			payload := msg.Get("payload")
			event := AgentEvent{
				RunID:   payload.Get("runId").String(),
				State:   payload.Get("state").String(),
				Message: extractText(payload.Get("message")),
			}
			if event.RunID == "" {
				continue
			}
			select {
			case c.events <- event:
			default:
				logger.Warn("Agent event dropped, channel full",
					zap.String("run_id", event.RunID))
			}

		default:
			logger.Debug("Ignoring agent frame",
				zap.String("type", msg.Get("type").String()))
		}
	}
}

// extractText 从消息体里取出文本内容。
// 兼容 content 为字符串或 [{type:"text",text:"..."}] 两种形态。
func extractText(message gjson.Result) string {
	content := message.Get("content")
	if content.Type == gjson.String {
		return content.String()
	}
	var text string
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			text += part.Get("text").String()
		}
		return true
	})
	return text
}
