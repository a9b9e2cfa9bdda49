package relay

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gaoyangz77/easyclaw/internal/logger"
	"github.com/gaoyangz77/easyclaw/types"
	"github.com/gaoyangz77/easyclaw/wecom"
)

// 发给终端用户的提示文案
const (
	textBindConfirm  = "绑定成功！您的消息将转发给桌面助手处理。"
	textBindTakeover = "提示：该账号此前已绑定其他设备，现已切换到新设备。"

	textImageUnavailable = "[图片下载失败，请重新发送]"
	textVoiceUnavailable = "[语音下载失败，请重新发送]"
)

// InboundHandler 把平台消息转换为中继帧并投递到归属网关。
// 也负责两种配对路径：进入会话事件的 scene_param 与纯文本粘贴 token。
type InboundHandler struct {
	api      PlatformAPI
	store    *BindingStore
	registry *Registry
}

// NewInboundHandler 创建入站处理器
func NewInboundHandler(api PlatformAPI, store *BindingStore, registry *Registry) *InboundHandler {
	return &InboundHandler{api: api, store: store, registry: registry}
}

// HandleMessage 处理一条新收到的平台消息。
// 投递是尽力而为的 at-most-once：无绑定或网关不在线时记日志丢弃，不缓冲。
func (h *InboundHandler) HandleMessage(ctx context.Context, msg *wecom.Message) error {
	// 只处理配置的客服账号
	if msg.OpenKfID != h.api.OpenKfID() {
		logger.Debug("ignoring message for other account",
			zap.String("open_kfid", msg.OpenKfID))
		return nil
	}

	// 配对路径一：进入会话事件携带场景参数（扫码绑定）
	if msg.MsgType == wecom.MsgTypeEvent {
		if msg.EventType == wecom.EventEnterSession && msg.SceneParam != "" {
			gatewayID, err := h.store.ResolvePendingBinding(ctx, msg.SceneParam)
			if err != nil {
				return err
			}
			if gatewayID != "" {
				return h.completeBinding(ctx, msg.ExternalUserID, gatewayID)
			}
		}
		// 其他事件不投递
		return nil
	}

	// 配对路径二：纯文本内容恰好是一个待确认 token（手动粘贴绑定）
	if msg.MsgType == wecom.MsgTypeText {
		trimmed := strings.TrimSpace(msg.Content)
		if trimmed != "" {
			gatewayID, err := h.store.ResolvePendingBinding(ctx, trimmed)
			if err != nil {
				return err
			}
			if gatewayID != "" {
				return h.completeBinding(ctx, msg.ExternalUserID, gatewayID)
			}
		}
	}

	// 常规消息：查归属
	gatewayID, err := h.store.Lookup(ctx, wecom.Platform, msg.ExternalUserID)
	if err != nil {
		return err
	}
	if gatewayID == "" {
		logger.Warn("dropping message",
			zap.String("customer_id", msg.ExternalUserID),
			zap.String("msg_type", msg.MsgType),
			zap.Error(types.NewDeliveryMiss("user not bound to any gateway")))
		return nil
	}

	conn, ok := h.registry.Get(gatewayID)
	if !ok {
		logger.Warn("dropping message",
			zap.String("customer_id", msg.ExternalUserID),
			zap.String("gateway_id", gatewayID),
			zap.Error(types.NewDeliveryMiss("bound gateway offline")))
		return nil
	}

	frame := h.translate(ctx, msg)
	if err := conn.SendFrame(frame); err != nil {
		logger.Warn("failed to deliver inbound frame",
			zap.String("gateway_id", gatewayID),
			zap.Error(err))
		return nil
	}

	logger.Debug("inbound delivered",
		zap.String("customer_id", msg.ExternalUserID),
		zap.String("gateway_id", gatewayID),
		zap.String("msg_type", msg.MsgType))
	return nil
}

// completeBinding 配对完成：落库、通知用户、推送 binding_resolved
func (h *InboundHandler) completeBinding(ctx context.Context, customerID, gatewayID string) error {
	previous, err := h.store.Bind(ctx, wecom.Platform, customerID, gatewayID)
	if err != nil {
		return err
	}
	takeover := previous != "" && previous != gatewayID

	// 给用户的确认（接管时附加提示；被接管的网关不另行通知）
	if err := h.api.SendText(ctx, customerID, textBindConfirm); err != nil {
		logger.Warn("failed to send binding confirmation", zap.Error(err))
	}
	if takeover {
		logger.Info("binding takeover",
			zap.String("customer_id", customerID),
			zap.String("from", previous),
			zap.String("to", gatewayID))
		if err := h.api.SendText(ctx, customerID, textBindTakeover); err != nil {
			logger.Warn("failed to send takeover notice", zap.Error(err))
		}
	}

	if conn, ok := h.registry.Get(gatewayID); ok {
		_ = conn.SendFrame(&Frame{
			Type:       FrameBindingResolved,
			Platform:   wecom.Platform,
			CustomerID: customerID,
			GatewayID:  gatewayID,
		})
	}
	return nil
}

// translate 把平台消息转为 inbound 帧；图片/语音同步下载并 base64 内嵌
func (h *InboundHandler) translate(ctx context.Context, msg *wecom.Message) *Frame {
	id := msg.MsgID
	if id == "" {
		id = uuid.New().String()
	}
	frame := &Frame{
		Type:       FrameInbound,
		ID:         id,
		Platform:   wecom.Platform,
		CustomerID: msg.ExternalUserID,
		MsgType:    msg.MsgType,
		Content:    msg.Content,
		Timestamp:  msg.SendTime,
	}

	switch msg.MsgType {
	case wecom.MsgTypeImage, wecom.MsgTypeVoice:
		data, mimeType, err := h.api.DownloadMedia(ctx, msg.MediaID)
		if err != nil {
			// 媒体拉不下来就降级为占位文本，消息本身不丢
			logger.Warn("media download failed",
				zap.String("media_id", msg.MediaID),
				zap.String("msg_type", msg.MsgType),
				zap.Error(err))
			frame.MsgType = wecom.MsgTypeText
			if msg.MsgType == wecom.MsgTypeImage {
				frame.Content = textImageUnavailable
			} else {
				frame.Content = textVoiceUnavailable
			}
			return frame
		}
		frame.MediaData = base64.StdEncoding.EncodeToString(data)
		frame.MediaMime = mimeType
	}
	return frame
}
