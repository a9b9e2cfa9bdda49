package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gaoyangz77/easyclaw/config"
	"github.com/gaoyangz77/easyclaw/relay"
)

// fakeAgent 可控的智能体运行时
type fakeAgent struct {
	mu       sync.Mutex
	forwards []string
	nextRun  int
	failNext bool
	events   chan AgentEvent
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{events: make(chan AgentEvent, 16)}
}

func (a *fakeAgent) Forward(ctx context.Context, customerID, content string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failNext {
		a.failNext = false
		return "", fmt.Errorf("agent unavailable")
	}
	a.nextRun++
	a.forwards = append(a.forwards, customerID+"|"+content)
	return fmt.Sprintf("run-%d", a.nextRun), nil
}

func (a *fakeAgent) Events() <-chan AgentEvent { return a.events }
func (a *fakeAgent) Close() error             { return nil }

func (a *fakeAgent) forwarded() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.forwards...)
}

// fakeRelay 替代中继服务器的 ws 端
type fakeRelay struct {
	t      *testing.T
	ts     *httptest.Server
	url    string
	frames chan *relay.Frame

	mu     sync.Mutex
	conn   *websocket.Conn
	hellos int
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{t: t, frames: make(chan *relay.Frame, 32)}

	upgrader := websocket.Upgrader{}
	r.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conn = ws
		r.mu.Unlock()

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			f, err := relay.Decode(data)
			if err != nil {
				continue
			}
			if f.Type == relay.FrameHello {
				r.mu.Lock()
				r.hellos++
				r.mu.Unlock()
				r.send(&relay.Frame{Type: relay.FrameAck, ID: "cs_hello"})
				r.send(&relay.Frame{Type: relay.FrameBindingCleared, GatewayID: f.GatewayID})
				continue
			}
			r.frames <- f
		}
	}))
	t.Cleanup(r.ts.Close)
	r.url = "ws" + strings.TrimPrefix(r.ts.URL, "http")
	return r
}

func (r *fakeRelay) send(f *relay.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		r.t.Error("no connection to send on")
		return
	}
	data, err := relay.Encode(f)
	if err != nil {
		r.t.Errorf("Encode() error = %v", err)
		return
	}
	if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		r.t.Logf("send failed: %v", err)
	}
}

func (r *fakeRelay) dropConn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		_ = r.conn.Close()
	}
}

func (r *fakeRelay) helloCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hellos
}

func (r *fakeRelay) nextFrame(d time.Duration) (*relay.Frame, bool) {
	select {
	case f := <-r.frames:
		return f, true
	case <-time.After(d):
		return nil, false
	}
}

func newTestClient(t *testing.T, r *fakeRelay, agent AgentRuntime) *Client {
	t.Helper()
	cfg := &config.GatewayConfig{
		ID:           "gw-test",
		RelayURL:     r.url,
		AuthToken:    "secret",
		ReconnectMin: 20 * time.Millisecond,
		ReconnectMax: 100 * time.Millisecond,
		ReplyTimeout: 2 * time.Second,
	}
	c := NewClient(cfg, agent, nil)
	t.Cleanup(c.Stop)
	return c
}

func waitState(t *testing.T, c *Client, want int32) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %d, want %d", c.State(), want)
}

func TestClientAuthenticates(t *testing.T) {
	r := newFakeRelay(t)
	c := newTestClient(t, r, newFakeAgent())

	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitState(t, c, StateAuthenticated)
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	r := newFakeRelay(t)
	c := newTestClient(t, r, newFakeAgent())

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	waitState(t, c, StateAuthenticated)

	r.dropConn()
	// 等客户端察觉断连并完成重连（状态位可能尚未离开 Authenticated，
	// 以 hello 计数为准）
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && r.helloCount() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	waitState(t, c, StateAuthenticated)

	if n := r.helloCount(); n < 2 {
		t.Errorf("hello count = %d, want >= 2", n)
	}
}

func TestInboundForwardedAndFinalReplySent(t *testing.T) {
	r := newFakeRelay(t)
	agent := newFakeAgent()
	c := newTestClient(t, r, agent)

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	waitState(t, c, StateAuthenticated)

	r.send(&relay.Frame{
		Type:       relay.FrameInbound,
		ID:         "m1",
		Platform:   "wecom",
		CustomerID: "u1",
		MsgType:    "text",
		Content:    "帮我查一下",
	})

	// 消息到达智能体
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(agent.forwarded()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	got := agent.forwarded()
	if len(got) != 1 || got[0] != "u1|帮我查一下" {
		t.Fatalf("forwarded = %v", got)
	}

	// 中间增量不回传
	agent.events <- AgentEvent{RunID: "run-1", State: RunStateDelta, Message: "思考中"}
	// 最终结果回传
	agent.events <- AgentEvent{RunID: "run-1", State: RunStateFinal, Message: "已查到结果"}

	f, ok := r.nextFrame(2 * time.Second)
	if !ok {
		t.Fatal("no reply frame received")
	}
	if f.Type != relay.FrameReply || f.CustomerID != "u1" || f.Content != "已查到结果" {
		t.Errorf("reply frame = %+v", f)
	}
	if f.Platform != "wecom" {
		t.Errorf("platform = %q, want wecom", f.Platform)
	}

	// delta 不额外产生帧
	if extra, ok := r.nextFrame(100 * time.Millisecond); ok {
		t.Errorf("unexpected extra frame %+v", extra)
	}
}

func TestNoReplyMarkerSuppressesReply(t *testing.T) {
	r := newFakeRelay(t)
	agent := newFakeAgent()
	c := newTestClient(t, r, agent)

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	waitState(t, c, StateAuthenticated)

	r.send(&relay.Frame{Type: relay.FrameInbound, ID: "m1", Platform: "wecom", CustomerID: "u1", MsgType: "text", Content: "hi"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(agent.forwarded()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	agent.events <- AgentEvent{RunID: "run-1", State: RunStateFinal, Message: "[no-reply]"}

	if f, ok := r.nextFrame(300 * time.Millisecond); ok {
		t.Errorf("suppressed reply still sent: %+v", f)
	}
}

func TestErroredRunSendsFallback(t *testing.T) {
	r := newFakeRelay(t)
	agent := newFakeAgent()
	c := newTestClient(t, r, agent)

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	waitState(t, c, StateAuthenticated)

	r.send(&relay.Frame{Type: relay.FrameInbound, ID: "m1", Platform: "wecom", CustomerID: "u1", MsgType: "text", Content: "hi"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(agent.forwarded()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	agent.events <- AgentEvent{RunID: "run-1", State: RunStateError, Message: "boom"}

	f, ok := r.nextFrame(2 * time.Second)
	if !ok {
		t.Fatal("no fallback frame received")
	}
	if f.Type != relay.FrameReply || f.CustomerID != "u1" {
		t.Errorf("fallback frame = %+v", f)
	}
}

func TestVoiceWithoutTranscriberUsesFallback(t *testing.T) {
	r := newFakeRelay(t)
	agent := newFakeAgent()
	c := newTestClient(t, r, agent)

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	waitState(t, c, StateAuthenticated)

	r.send(&relay.Frame{
		Type:       relay.FrameInbound,
		ID:         "m1",
		Platform:   "wecom",
		CustomerID: "u1",
		MsgType:    "voice",
		MediaData:  base64.StdEncoding.EncodeToString([]byte("amr-bytes")),
		MediaMime:  "audio/amr",
	})

	// 语音不被丢弃：无转写服务时以降级文案进入智能体
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(agent.forwarded()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	got := agent.forwarded()
	if len(got) != 1 || got[0] != "u1|"+textVoiceFallback {
		t.Fatalf("forwarded = %v, want the voice fallback text", got)
	}
}

func TestBindingStateTracksFrames(t *testing.T) {
	r := newFakeRelay(t)
	c := newTestClient(t, r, newFakeAgent())

	var mu sync.Mutex
	changes := 0
	c.OnBindingChange(func() {
		mu.Lock()
		changes++
		mu.Unlock()
	})

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	waitState(t, c, StateAuthenticated)

	r.send(&relay.Frame{Type: relay.FrameBindingResolved, Platform: "wecom", CustomerID: "u1", GatewayID: "gw-test"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b := c.Bindings(); b["u1"] == "wecom" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if b := c.Bindings(); b["u1"] != "wecom" {
		t.Fatalf("bindings = %v", b)
	}

	r.send(&relay.Frame{Type: relay.FrameBindingCleared, GatewayID: "gw-test"})
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(c.Bindings()) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if b := c.Bindings(); len(b) != 0 {
		t.Fatalf("bindings after clear = %v", b)
	}

	mu.Lock()
	defer mu.Unlock()
	if changes < 2 {
		t.Errorf("binding change callback fired %d times, want >= 2", changes)
	}
}

func TestAgentFailureSendsFallback(t *testing.T) {
	r := newFakeRelay(t)
	agent := newFakeAgent()
	agent.failNext = true
	c := newTestClient(t, r, agent)

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	waitState(t, c, StateAuthenticated)

	r.send(&relay.Frame{Type: relay.FrameInbound, ID: "m1", Platform: "wecom", CustomerID: "u1", MsgType: "text", Content: "hi"})

	f, ok := r.nextFrame(2 * time.Second)
	if !ok {
		t.Fatal("no fallback frame after agent failure")
	}
	if f.Type != relay.FrameReply || f.CustomerID != "u1" {
		t.Errorf("fallback frame = %+v", f)
	}
}
