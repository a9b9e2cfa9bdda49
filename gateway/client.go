package gateway

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gaoyangz77/easyclaw/config"
	"github.com/gaoyangz77/easyclaw/internal/logger"
	"github.com/gaoyangz77/easyclaw/relay"
	"github.com/gaoyangz77/easyclaw/stt"
	"github.com/gaoyangz77/easyclaw/types"
)

// 连接状态
const (
	StateDisconnected int32 = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

// 超时未出结果时发给用户的文案
const textRunTimeout = "处理超时，请稍后再试。"

// Transcriber 语音转写；为 nil 或未启用时语音走降级文案
type Transcriber interface {
	Enabled() bool
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

var _ Transcriber = (*stt.Client)(nil)

// Client 桌面网关：维持到中继的长连接，把 inbound 帧交给本机智能体，
// 把智能体的最终结果作为 reply/image_reply 回传。
type Client struct {
	cfg   *config.GatewayConfig
	agent AgentRuntime
	stt   Transcriber

	state int32

	mu       sync.Mutex
	ws       *websocket.Conn
	backoff  *types.Backoff
	reconnMu sync.Mutex
	reconnT  *time.Timer
	stopped  bool

	runs *RunTable

	bindMu   sync.Mutex
	bindings map[string]string // customer_id -> platform

	onBindingChange func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// 测试注入点
	dial      func(ctx context.Context, url string) (*websocket.Conn, error)
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// NewClient 创建网关客户端
func NewClient(cfg *config.GatewayConfig, agent AgentRuntime, transcriber Transcriber) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:       cfg,
		agent:     agent,
		stt:       transcriber,
		backoff:   types.NewBackoff(cfg.ReconnectMin, cfg.ReconnectMax),
		bindings:  make(map[string]string),
		ctx:       ctx,
		cancel:    cancel,
		afterFunc: time.AfterFunc,
	}
	c.dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		ws, _, err := dialer.DialContext(ctx, url, nil)
		return ws, err
	}
	c.runs = NewRunTable(cfg.ReplyTimeout, c.onRunExpired)
	return c
}

// OnBindingChange 绑定状态变更回调（配对窗口据此刷新界面）
func (c *Client) OnBindingChange(fn func()) {
	c.onBindingChange = fn
}

// State 当前连接状态
func (c *Client) State() int32 {
	return atomic.LoadInt32(&c.state)
}

// Bindings 当前绑定的用户快照
func (c *Client) Bindings() map[string]string {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	out := make(map[string]string, len(c.bindings))
	for k, v := range c.bindings {
		out[k] = v
	}
	return out
}

// Start 发起首次连接并启动事件消费循环
func (c *Client) Start() error {
	c.wg.Add(1)
	go c.eventLoop()
	c.connect()
	return nil
}

// Stop 停止客户端：取消重连、断开连接、拒绝全部在途 run
func (c *Client) Stop() {
	c.reconnMu.Lock()
	c.stopped = true
	if c.reconnT != nil {
		c.reconnT.Stop()
		c.reconnT = nil
	}
	c.reconnMu.Unlock()

	c.cancel()

	c.mu.Lock()
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	c.mu.Unlock()

	c.runs.Clear()
	if c.agent != nil {
		_ = c.agent.Close()
	}
	c.wg.Wait()
	atomic.StoreInt32(&c.state, StateDisconnected)
	logger.Info("Gateway client stopped", zap.String("gateway_id", c.cfg.ID))
}

// connect 建连并发送 hello；失败则按退避计划重连
func (c *Client) connect() {
	if !atomic.CompareAndSwapInt32(&c.state, StateDisconnected, StateConnecting) {
		return
	}

	logger.Info("Connecting to relay",
		zap.String("url", c.cfg.RelayURL),
		zap.String("gateway_id", c.cfg.ID))

	ws, err := c.dial(c.ctx, c.cfg.RelayURL)
	if err != nil {
		logger.Warn("Failed to connect to relay", zap.Error(err))
		atomic.StoreInt32(&c.state, StateDisconnected)
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	atomic.StoreInt32(&c.state, StateConnected)

	if err := c.sendFrame(&relay.Frame{
		Type:      relay.FrameHello,
		GatewayID: c.cfg.ID,
		AuthToken: c.cfg.AuthToken,
	}); err != nil {
		logger.Warn("Failed to send hello", zap.Error(err))
		c.teardown()
		return
	}

	c.wg.Add(1)
	go c.readLoop(ws)
}

// readLoop 消费中继下行帧直到连接断开
func (c *Client) readLoop(ws *websocket.Conn) {
	defer c.wg.Done()
	defer c.teardown()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				logger.Warn("Relay connection lost",
					zap.String("gateway_id", c.cfg.ID),
					zap.Error(err))
			}
			return
		}

		frame, err := relay.Decode(data)
		if err != nil {
			logger.Warn("Ignoring undecodable frame from relay", zap.Error(err))
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame *relay.Frame) {
	switch frame.Type {
	case relay.FrameAck:
		if frame.ID == "cs_hello" {
			atomic.StoreInt32(&c.state, StateAuthenticated)
			c.backoff.Reset()
			logger.Info("Authenticated with relay",
				zap.String("gateway_id", c.cfg.ID))
		}

	case relay.FrameBindingResolved:
		c.bindMu.Lock()
		c.bindings[frame.CustomerID] = frame.Platform
		c.bindMu.Unlock()
		logger.Info("Binding resolved",
			zap.String("customer_id", frame.CustomerID),
			zap.String("platform", frame.Platform))
		c.notifyBindingChange()

	case relay.FrameBindingCleared:
		c.bindMu.Lock()
		c.bindings = make(map[string]string)
		c.bindMu.Unlock()
		logger.Info("Bindings cleared", zap.String("gateway_id", c.cfg.ID))
		c.notifyBindingChange()

	case relay.FrameInbound:
		// 转发不阻塞读循环
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleInbound(frame)
		}()

	case relay.FrameCreateBindingAck:
		logger.Info("Pairing token issued",
			zap.String("token", frame.Token),
			zap.String("url", frame.CustomerServiceURL))

	case relay.FrameError:
		logger.Warn("Relay reported error",
			zap.String("message", frame.Message))

	default:
		logger.Debug("Ignoring frame from relay",
			zap.String("type", string(frame.Type)))
	}
}

// handleInbound 把一条用户消息喂给智能体并登记 run 关联
func (c *Client) handleInbound(frame *relay.Frame) {
	content := frame.Content

	switch frame.MsgType {
	case "voice":
		content = c.transcribeVoice(frame)
	case "image":
		// 智能体只收文本；图片以提示语代入上下文
		if content == "" {
			content = "[用户发来一张图片]"
		}
	}
	if content == "" {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()

	runID, err := c.agent.Forward(ctx, frame.CustomerID, content)
	if err != nil {
		logger.Error("Failed to forward message to agent",
			zap.String("customer_id", frame.CustomerID),
			zap.Error(err))
		c.sendTextReply(frame.Platform, frame.CustomerID, textRunTimeout)
		return
	}

	c.runs.Add(runID, frame.Platform+"|"+frame.CustomerID)
	logger.Debug("Run started",
		zap.String("run_id", runID),
		zap.String("customer_id", frame.CustomerID))
}

// transcribeVoice 语音转文字；服务未配置或失败时返回降级文案
func (c *Client) transcribeVoice(frame *relay.Frame) string {
	if c.stt == nil || !c.stt.Enabled() {
		return textVoiceFallback
	}
	audio, err := base64.StdEncoding.DecodeString(frame.MediaData)
	if err != nil {
		logger.Warn("Failed to decode voice payload", zap.Error(err))
		return textVoiceFallback
	}

	ctx, cancel := context.WithTimeout(c.ctx, 60*time.Second)
	defer cancel()

	text, err := c.stt.Transcribe(ctx, audio, formatFromMime(frame.MediaMime))
	if err != nil {
		logger.Warn("Voice transcription failed", zap.Error(err))
		return textVoiceFallback
	}
	return text
}

func formatFromMime(mime string) string {
	switch mime {
	case "audio/amr":
		return "amr"
	case "audio/mpeg":
		return "mp3"
	case "audio/wav", "audio/x-wav":
		return "wav"
	default:
		return "amr"
	}
}

// eventLoop 消费智能体事件流，把最终结果路由回对应用户
func (c *Client) eventLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case event, ok := <-c.agent.Events():
			if !ok {
				logger.Warn("Agent event stream closed")
				return
			}
			c.handleAgentEvent(event)
		}
	}
}

func (c *Client) handleAgentEvent(event AgentEvent) {
	switch event.State {
	case RunStateDelta:
		// 中间增量不外发
		return
	case RunStateFinal, RunStateError, RunStateAborted:
	default:
		return
	}

	key, ok := c.runs.Resolve(event.RunID)
	if !ok {
		logger.Debug("Event for unknown run", zap.String("run_id", event.RunID))
		return
	}
	platform, customerID := splitRunKey(key)

	if event.State != RunStateFinal {
		logger.Warn("Run ended abnormally",
			zap.String("run_id", event.RunID),
			zap.String("state", event.State))
		c.sendTextReply(platform, customerID, textRunTimeout)
		return
	}

	c.sendReply(platform, customerID, event.Message)
}

// sendReply 发送最终回复：拆附件、剥免回复标记、文本与图片分帧发送
func (c *Client) sendReply(platform, customerID, text string) {
	text, paths := ExtractAttachments(text)
	text, suppressed := StripNoReply(text)

	if text != "" {
		c.sendTextReply(platform, customerID, text)
	} else if suppressed && len(paths) == 0 {
		logger.Debug("Reply suppressed by marker",
			zap.String("customer_id", customerID))
	}

	for _, path := range paths {
		att, err := LoadAttachment(path)
		if err != nil {
			logger.Warn("Failed to load attachment",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		if err := c.sendFrame(&relay.Frame{
			Type:       relay.FrameImageReply,
			Platform:   platform,
			CustomerID: customerID,
			ImageData:  base64.StdEncoding.EncodeToString(att.Data),
			ImageMime:  att.Mime,
		}); err != nil {
			logger.Warn("Failed to send image reply", zap.Error(err))
		}
	}
}

func (c *Client) sendTextReply(platform, customerID, text string) {
	if err := c.sendFrame(&relay.Frame{
		Type:       relay.FrameReply,
		Platform:   platform,
		CustomerID: customerID,
		Content:    text,
	}); err != nil {
		logger.Warn("Failed to send reply", zap.Error(err))
	}
}

// RequestBinding 请求中继生成配对 token
func (c *Client) RequestBinding() error {
	return c.sendFrame(&relay.Frame{
		Type:      relay.FrameCreateBinding,
		GatewayID: c.cfg.ID,
	})
}

// UnbindAll 请求解除本网关全部绑定
func (c *Client) UnbindAll() error {
	return c.sendFrame(&relay.Frame{
		Type:      relay.FrameUnbindAll,
		GatewayID: c.cfg.ID,
	})
}

func (c *Client) onRunExpired(runID, key string) {
	platform, customerID := splitRunKey(key)
	logger.Warn("Run ended without result",
		zap.String("run_id", runID),
		zap.String("customer_id", customerID),
		zap.Error(types.NewTimeoutError("no agent result within reply window")))
	c.sendTextReply(platform, customerID, textRunTimeout)
}

func (c *Client) sendFrame(f *relay.Frame) error {
	data, err := relay.Encode(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return types.NewNetworkError("not connected to relay", nil)
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// teardown 断开当前连接并计划重连
func (c *Client) teardown() {
	c.mu.Lock()
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	c.mu.Unlock()
	atomic.StoreInt32(&c.state, StateDisconnected)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.reconnMu.Lock()
	defer c.reconnMu.Unlock()
	if c.stopped || c.reconnT != nil {
		return
	}

	delay := c.backoff.Next()
	logger.Info("Scheduling reconnect",
		zap.Duration("delay", delay),
		zap.String("gateway_id", c.cfg.ID))

	c.reconnT = c.afterFunc(delay, func() {
		c.reconnMu.Lock()
		c.reconnT = nil
		stopped := c.stopped
		c.reconnMu.Unlock()
		if !stopped {
			c.connect()
		}
	})
}

func (c *Client) notifyBindingChange() {
	if c.onBindingChange != nil {
		c.onBindingChange()
	}
}

func splitRunKey(key string) (platform, customerID string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return "wecom", key
}
