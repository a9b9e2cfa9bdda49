package relay

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/gaoyangz77/easyclaw/wecom"
)

func newInboundFixture(t *testing.T) (*InboundHandler, *fakeAPI, *BindingStore, *Registry) {
	t.Helper()
	store, err := NewBindingStore(filepath.Join(t.TempDir(), "bindings.db"), 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	api := newFakeAPI()
	registry := NewRegistry()
	return NewInboundHandler(api, store, registry), api, store, registry
}

func TestInboundIgnoresOtherAccounts(t *testing.T) {
	h, api, store, _ := newInboundFixture(t)
	ctx := context.Background()
	if _, err := store.Bind(ctx, "wecom", "u1", "gw-1"); err != nil {
		t.Fatal(err)
	}

	msg := &wecom.Message{
		MsgID:          "m1",
		OpenKfID:       "kf-someone-else",
		ExternalUserID: "u1",
		MsgType:        wecom.MsgTypeText,
		Content:        "hello",
	}
	if err := h.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if len(api.sentTexts()) != 0 {
		t.Error("message for other account must not trigger platform calls")
	}
}

func TestInboundDropsUnboundUser(t *testing.T) {
	h, _, _, _ := newInboundFixture(t)

	msg := &wecom.Message{
		MsgID:          "m1",
		OpenKfID:       "kf-test",
		ExternalUserID: "stranger",
		MsgType:        wecom.MsgTypeText,
		Content:        "hello",
	}
	// 无绑定：丢弃且不报错
	if err := h.HandleMessage(context.Background(), msg); err != nil {
		t.Errorf("HandleMessage() error = %v, want nil", err)
	}
}

func TestInboundDropsWhenGatewayOffline(t *testing.T) {
	h, _, store, _ := newInboundFixture(t)
	ctx := context.Background()
	if _, err := store.Bind(ctx, "wecom", "u1", "gw-1"); err != nil {
		t.Fatal(err)
	}

	msg := &wecom.Message{
		MsgID:          "m1",
		OpenKfID:       "kf-test",
		ExternalUserID: "u1",
		MsgType:        wecom.MsgTypeText,
		Content:        "hello",
	}
	// 绑定存在但网关不在线：丢弃且不报错
	if err := h.HandleMessage(ctx, msg); err != nil {
		t.Errorf("HandleMessage() error = %v, want nil", err)
	}
}

func TestInboundNonTokenTextNotPairing(t *testing.T) {
	h, api, store, _ := newInboundFixture(t)
	ctx := context.Background()

	if err := store.CreatePendingBinding(ctx, "ab12cd34", "gw-1"); err != nil {
		t.Fatal(err)
	}

	// 普通文本不等于 token：不得触发配对
	msg := &wecom.Message{
		MsgID:          "m1",
		OpenKfID:       "kf-test",
		ExternalUserID: "u1",
		MsgType:        wecom.MsgTypeText,
		Content:        "这不是一个配对码",
	}
	if err := h.HandleMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if gw, _ := store.Lookup(ctx, "wecom", "u1"); gw != "" {
		t.Error("non-token text must not create a binding")
	}
	if len(api.sentTexts()) != 0 {
		t.Error("non-token text must not trigger confirmation")
	}
	// token 仍然可用
	if gw, _ := store.ResolvePendingBinding(ctx, "ab12cd34"); gw != "gw-1" {
		t.Error("pending token consumed by unrelated text")
	}
}

func TestInboundEnterSessionScenePairing(t *testing.T) {
	h, api, store, _ := newInboundFixture(t)
	ctx := context.Background()

	if err := store.CreatePendingBinding(ctx, "ab12cd34", "gw-1"); err != nil {
		t.Fatal(err)
	}

	msg := &wecom.Message{
		MsgID:          "m1",
		OpenKfID:       "kf-test",
		ExternalUserID: "u1",
		MsgType:        wecom.MsgTypeEvent,
		EventType:      wecom.EventEnterSession,
		SceneParam:     "ab12cd34",
	}
	if err := h.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	if gw, _ := store.Lookup(ctx, "wecom", "u1"); gw != "gw-1" {
		t.Errorf("scene pairing did not bind, got %q", gw)
	}
	if texts := api.sentTexts(); len(texts) != 1 || texts[0].ToUser != "u1" {
		t.Errorf("expected one confirmation to u1, got %+v", texts)
	}
}

func TestInboundTakeoverNotifiesUser(t *testing.T) {
	h, api, store, _ := newInboundFixture(t)
	ctx := context.Background()

	if _, err := store.Bind(ctx, "wecom", "u1", "gw-old"); err != nil {
		t.Fatal(err)
	}
	if err := store.CreatePendingBinding(ctx, "ab12cd34", "gw-new"); err != nil {
		t.Fatal(err)
	}

	msg := &wecom.Message{
		MsgID:          "m1",
		OpenKfID:       "kf-test",
		ExternalUserID: "u1",
		MsgType:        wecom.MsgTypeText,
		Content:        "ab12cd34",
	}
	if err := h.HandleMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	if gw, _ := store.Lookup(ctx, "wecom", "u1"); gw != "gw-new" {
		t.Errorf("takeover did not rebind, got %q", gw)
	}
	// 确认 + 接管提示，共两条
	texts := api.sentTexts()
	if len(texts) != 2 {
		t.Fatalf("expected 2 notices, got %d", len(texts))
	}
}

func TestTranslateEmbedsMedia(t *testing.T) {
	h, api, _, _ := newInboundFixture(t)

	raw := []byte("png-bytes")
	api.media["mid-1"] = raw

	msg := &wecom.Message{
		MsgID:          "m1",
		ExternalUserID: "u1",
		MsgType:        wecom.MsgTypeImage,
		MediaID:        "mid-1",
	}
	frame := h.translate(context.Background(), msg)

	if frame.MsgType != wecom.MsgTypeImage {
		t.Errorf("MsgType = %q, want image", frame.MsgType)
	}
	decoded, err := base64.StdEncoding.DecodeString(frame.MediaData)
	if err != nil || string(decoded) != string(raw) {
		t.Errorf("media payload mismatch: %v %q", err, decoded)
	}
	if frame.MediaMime != "image/png" {
		t.Errorf("MediaMime = %q", frame.MediaMime)
	}
}

func TestTranslateDownloadFailureDegrades(t *testing.T) {
	h, _, _, _ := newInboundFixture(t)

	msg := &wecom.Message{
		MsgID:          "m1",
		ExternalUserID: "u1",
		MsgType:        wecom.MsgTypeVoice,
		MediaID:        "missing",
	}
	frame := h.translate(context.Background(), msg)

	// 下载失败降级为占位文本，消息不丢
	if frame.MsgType != wecom.MsgTypeText {
		t.Errorf("MsgType = %q, want text", frame.MsgType)
	}
	if frame.Content != textVoiceUnavailable {
		t.Errorf("Content = %q, want placeholder", frame.Content)
	}
}

func TestTranslateGeneratesIDWhenMissing(t *testing.T) {
	h, _, _, _ := newInboundFixture(t)

	frame := h.translate(context.Background(), &wecom.Message{
		ExternalUserID: "u1",
		MsgType:        wecom.MsgTypeText,
		Content:        "hi",
	})
	if frame.ID == "" {
		t.Error("frame ID should be generated when msgid missing")
	}
}
