package relay

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gaoyangz77/easyclaw/config"
	"github.com/gaoyangz77/easyclaw/internal/logger"
	"github.com/gaoyangz77/easyclaw/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 网关通过 hello 帧内的共享密钥认证，不依赖 Origin
		return true
	},
}

// hello 与 unbind_all 的确认帧 id
const (
	ackHello     = "cs_hello"
	ackUnbindAll = "cs_unbind_all"
)

// 回给网关的 error 帧文案
const (
	errMsgAuthRequired   = "authentication required"
	errMsgAuthFailed     = "authentication failed"
	errMsgIdentity       = "gateway_id mismatch"
	errMsgSendReply      = "Failed to send reply"
	errMsgSendImageReply = "Failed to send image reply"
	errMsgCreateBinding  = "Failed to create binding"
	errMsgMalformedFrame = "malformed frame"
)

// Server 中继服务器：单个 WebSocket 监听口上复用全部网关连接，
// 驱动认证握手，并把认证后的帧分发给注册表/绑定库/出站处理器。
type Server struct {
	cfg      *config.RelayConfig
	api      PlatformAPI
	store    *BindingStore
	registry *Registry
	inbound  *InboundHandler
	outbound *OutboundHandler

	server *http.Server

	mu      sync.Mutex
	running bool

	cursorMu sync.Mutex
	cursor   string // sync_msg 增量游标
}

// NewServer 创建中继服务器
func NewServer(cfg *config.RelayConfig, api PlatformAPI, store *BindingStore) *Server {
	registry := NewRegistry()
	return &Server{
		cfg:      cfg,
		api:      api,
		store:    store,
		registry: registry,
		inbound:  NewInboundHandler(api, store, registry),
		outbound: NewOutboundHandler(api),
	}
}

// Registry 返回连接注册表
func (s *Server) Registry() *Registry {
	return s.registry
}

// Inbound 返回入站处理器（webhook 之外的馈入方使用）
func (s *Server) Inbound() *InboundHandler {
	return s.inbound
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("relay server already running")
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/webhook/wecom", s.handleWeComWebhook)
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: mux,
	}

	go func() {
		logger.Info("Relay server started",
			zap.String("addr", s.server.Addr),
			zap.String("path", s.cfg.Path))

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Relay server error", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	return nil
}

// Stop 停止服务器
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown relay server", zap.Error(err))
		}
	}

	logger.Info("Relay server stopped")
	return nil
}

// handleHealth 健康检查
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"connections": s.registry.Count(),
		"time":        time.Now().Unix(),
	})
}

// handleWeComWebhook 接收平台回调（已解密的 JSON 形式），触发一次增量拉取。
// 回调本身只携带拉取凭据，消息体走 sync_msg。
func (s *Server) handleWeComWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var callback struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &callback); err != nil {
		http.Error(w, "Invalid callback payload", http.StatusBadRequest)
		return
	}

	go s.syncAndDispatch(callback.Token)

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// syncAndDispatch 拉取增量消息并逐条交给入站处理器
func (s *Server) syncAndDispatch(callbackToken string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	s.cursorMu.Lock()
	cursor := s.cursor
	s.cursorMu.Unlock()

	messages, next, err := s.api.SyncMessages(ctx, cursor, callbackToken)
	if err != nil {
		logger.Error("Failed to sync messages", zap.Error(err))
		return
	}

	s.cursorMu.Lock()
	s.cursor = next
	s.cursorMu.Unlock()

	for i := range messages {
		if err := s.inbound.HandleMessage(ctx, &messages[i]); err != nil {
			logger.Error("Failed to handle inbound message",
				zap.String("msgid", messages[i].MsgID),
				zap.Error(err))
		}
	}
}

// handleWebSocket WebSocket 连接入口
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade to WebSocket", zap.Error(err))
		return
	}

	conn := newConn(ws, s.cfg.WriteTimeout)
	logger.Info("Gateway connection accepted",
		zap.String("remote_addr", r.RemoteAddr))

	go s.handleConn(conn)
}

// handleConn 驱动单条连接的状态机：unauthenticated → authenticated → closed
func (s *Server) handleConn(c *Conn) {
	if s.cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(s.cfg.MaxMessageSize)
	}

	// 认证窗口：hello 必须在截止前到达，否则读超时断连
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))

	heartbeatDone := make(chan struct{})
	defer func() {
		close(heartbeatDone)
		if c.gatewayID != "" {
			s.registry.Remove(c.gatewayID, c)
		}
		c.Close()
		// 绑定保留：网关重连后无需重新配对
		logger.Info("Gateway connection closed",
			zap.String("gateway_id", c.gatewayID),
			zap.Bool("authenticated", c.authed))
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.authed {
				logger.Warn("Connection closed before authentication", zap.Error(err))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Error("Gateway connection error",
					zap.String("gateway_id", c.gatewayID),
					zap.Error(err))
			}
			return
		}

		frame, err := Decode(data)
		if err != nil {
			// 未知但格式完好的帧：记录并忽略，保持前向兼容
			if errors.Is(err, ErrUnknownType) {
				logger.Warn("Ignoring unknown frame type",
					zap.String("gateway_id", c.gatewayID),
					zap.Error(err))
				continue
			}
			// 非法帧（含显式拒绝的旧版帧名）：协议违例，断连
			relayErr := types.NewProtocolError(errMsgMalformedFrame, err)
			logger.Error("Malformed frame, closing connection",
				zap.String("gateway_id", c.gatewayID),
				zap.Error(relayErr))
			c.reject(relayErr, errMsgMalformedFrame)
			return
		}

		if !c.authed {
			if !s.authenticate(c, frame, heartbeatDone) {
				return
			}
			continue
		}

		s.dispatch(c, frame)
	}
}

// authenticate 处理认证前唯一合法的帧 hello；返回 false 表示连接已终结
func (s *Server) authenticate(c *Conn, frame *Frame, heartbeatDone chan struct{}) bool {
	if frame.Type != FrameHello {
		logger.Warn("Frame before authentication",
			zap.String("type", string(frame.Type)))
		c.reject(types.NewProtocolError(errMsgAuthRequired, nil), errMsgAuthRequired)
		return false
	}

	if frame.GatewayID == "" ||
		subtle.ConstantTimeCompare([]byte(frame.AuthToken), []byte(s.cfg.AuthToken)) != 1 {
		logger.Warn("Gateway authentication failed",
			zap.String("gateway_id", frame.GatewayID))
		c.reject(types.NewAuthError(errMsgAuthFailed), errMsgAuthFailed)
		return false
	}

	c.authed = true
	c.gatewayID = frame.GatewayID

	// 认证完成：解除认证窗口，交给心跳的 pong 超时接管读截止
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	// 同 id 的旧连接被覆盖（注册表不主动关它，其读循环失败后自会清理）
	if prev := s.registry.Register(c.gatewayID, c); prev != nil {
		logger.Warn("Superseding existing gateway connection",
			zap.String("gateway_id", prev.GatewayID()),
			zap.Duration("age", time.Since(prev.createdAt)))
	}
	go c.heartbeat(s.cfg.PingInterval, heartbeatDone)

	logger.Info("Gateway authenticated",
		zap.String("gateway_id", c.gatewayID))

	if err := c.SendFrame(&Frame{Type: FrameAck, ID: ackHello}); err != nil {
		return false
	}
	s.replayBindings(c)
	return true
}

// replayBindings 认证后回放绑定状态：每个已绑定用户一条 binding_resolved，
// 一个都没有则回一条 binding_cleared。重连因此天然幂等，无需单独查询接口。
func (s *Server) replayBindings(c *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bindings, err := s.store.ListByGateway(ctx, c.gatewayID)
	if err != nil {
		logger.Error("Failed to list bindings for replay",
			zap.String("gateway_id", c.gatewayID),
			zap.Error(err))
		return
	}

	if len(bindings) == 0 {
		_ = c.SendFrame(&Frame{Type: FrameBindingCleared, GatewayID: c.gatewayID})
		return
	}
	for _, b := range bindings {
		_ = c.SendFrame(&Frame{
			Type:       FrameBindingResolved,
			Platform:   b.Platform,
			CustomerID: b.CustomerID,
			GatewayID:  b.GatewayID,
		})
	}
}

// dispatch 分发认证后的帧。平台调用在本连接的读协程上同步执行，
// 保证同一连接帧按发送顺序处理，且不会阻塞其他连接。
func (s *Server) dispatch(c *Conn, frame *Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	switch frame.Type {
	case FrameReply:
		if err := s.outbound.HandleReply(ctx, frame); err != nil {
			logger.Error("Failed to send reply",
				zap.String("gateway_id", c.gatewayID),
				zap.String("customer_id", frame.CustomerID),
				zap.Error(err))
			_ = c.SendFrame(&Frame{Type: FrameError, Message: errMsgSendReply})
		}

	case FrameImageReply:
		if err := s.outbound.HandleImageReply(ctx, frame); err != nil {
			logger.Error("Failed to send image reply",
				zap.String("gateway_id", c.gatewayID),
				zap.String("customer_id", frame.CustomerID),
				zap.Error(err))
			_ = c.SendFrame(&Frame{Type: FrameError, Message: errMsgSendImageReply})
		}

	case FrameCreateBinding:
		s.handleCreateBinding(ctx, c, frame)

	case FrameUnbindAll:
		s.handleUnbindAll(ctx, c, frame)

	default:
		// 已知但不该由网关上行的帧（inbound/ack/...）：记录并忽略
		logger.Warn("Ignoring unexpected frame from gateway",
			zap.String("gateway_id", c.gatewayID),
			zap.String("type", string(frame.Type)))
	}
}

// handleCreateBinding 生成配对 token 并换取客服链接
func (s *Server) handleCreateBinding(ctx context.Context, c *Conn, frame *Frame) {
	if frame.GatewayID != c.gatewayID {
		logger.Warn("create_binding rejected",
			zap.Error(types.NewIdentityMismatchError(frame.GatewayID, c.gatewayID)))
		_ = c.SendFrame(&Frame{Type: FrameError, Message: errMsgIdentity})
		return
	}

	token, err := mintToken()
	if err != nil {
		logger.Error("Failed to mint pairing token", zap.Error(err))
		_ = c.SendFrame(&Frame{Type: FrameError, Message: errMsgCreateBinding})
		return
	}

	if err := s.store.CreatePendingBinding(ctx, token, c.gatewayID); err != nil {
		logger.Error("Failed to store pending binding", zap.Error(err))
		_ = c.SendFrame(&Frame{Type: FrameError, Message: errMsgCreateBinding})
		return
	}

	// token 同时作为场景参数嵌入客服链接，扫码与手动粘贴走同一条配对通道
	serviceURL, err := s.api.AddContactWay(ctx, token)
	if err != nil {
		logger.Error("Failed to fetch contact way URL", zap.Error(err))
		_ = c.SendFrame(&Frame{Type: FrameError, Message: errMsgCreateBinding})
		return
	}

	_ = c.SendFrame(&Frame{
		Type:               FrameCreateBindingAck,
		Token:              token,
		CustomerServiceURL: serviceURL,
	})
	logger.Info("Pending binding created",
		zap.String("gateway_id", c.gatewayID),
		zap.String("token", token))
}

// handleUnbindAll 解除该网关全部绑定；平台侧结束会话尽力而为，总是回 ack
func (s *Server) handleUnbindAll(ctx context.Context, c *Conn, frame *Frame) {
	if frame.GatewayID != c.gatewayID {
		logger.Warn("unbind_all rejected",
			zap.Error(types.NewIdentityMismatchError(frame.GatewayID, c.gatewayID)))
		_ = c.SendFrame(&Frame{Type: FrameError, Message: errMsgIdentity})
		return
	}

	bindings, err := s.store.ListByGateway(ctx, c.gatewayID)
	if err != nil {
		logger.Error("Failed to list bindings for unbind",
			zap.String("gateway_id", c.gatewayID),
			zap.Error(err))
	}
	for _, b := range bindings {
		if err := s.api.EndSession(ctx, b.CustomerID); err != nil {
			logger.Warn("Failed to end platform session",
				zap.String("customer_id", b.CustomerID),
				zap.Error(err))
		}
	}

	count, err := s.store.UnbindByGateway(ctx, c.gatewayID)
	if err != nil {
		logger.Error("Failed to remove bindings",
			zap.String("gateway_id", c.gatewayID),
			zap.Error(err))
	}

	_ = c.SendFrame(&Frame{Type: FrameAck, ID: ackUnbindAll})
	logger.Info("Gateway unbound",
		zap.String("gateway_id", c.gatewayID),
		zap.Int64("count", count))
}

// mintToken 生成 8 位十六进制配对 token
func mintToken() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Conn 一条网关连接：传输句柄 + 认证标记 +（认证后的）gateway_id
type Conn struct {
	ws        *websocket.Conn
	gatewayID string
	authed    bool
	createdAt time.Time

	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Conn{
		ws:           ws,
		createdAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
}

// GatewayID 返回认证后的网关 id
func (c *Conn) GatewayID() string {
	return c.gatewayID
}

// SendFrame 编码并发送一帧。gorilla/websocket 不允许并发写，这里串行化。
func (c *Conn) SendFrame(f *Frame) error {
	data, err := Encode(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// 每次写入前重新设置写超时
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// heartbeat 周期性发送 ping；pong 超时由读截止触发断连（见 authenticate）
func (c *Conn) heartbeat(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.writeMu.Unlock()
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.writeMu.Unlock()
				return
			}
			c.writeMu.Unlock()
		}
	}
}

// reject 回 error 帧后断连，关闭码由错误类别决定：
// 认证失败用 1008（policy violation），协议违例用 1002（protocol error）
func (c *Conn) reject(relayErr *types.RelayError, msg string) {
	_ = c.SendFrame(&Frame{Type: FrameError, Message: msg})
	code := websocket.CloseProtocolError
	if relayErr.Kind == types.KindAuth {
		code = websocket.ClosePolicyViolation
	}
	c.closeWithCode(code, msg)
}

// closeWithCode 发送关闭帧后关闭连接
func (c *Conn) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		message := websocket.FormatCloseMessage(code, reason)
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		_ = c.ws.WriteMessage(websocket.CloseMessage, message)
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

// Close 正常关闭连接
func (c *Conn) Close() {
	c.closeWithCode(websocket.CloseNormalClosure, "")
}
