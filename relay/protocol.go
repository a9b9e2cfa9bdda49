package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType 帧类型
type FrameType string

const (
	// FrameHello 网关认证握手
	FrameHello FrameType = "hello"
	// FrameInbound 平台用户消息 → 网关
	FrameInbound FrameType = "inbound"
	// FrameReply 网关文本回复 → 平台
	FrameReply FrameType = "reply"
	// FrameImageReply 网关图片回复 → 平台
	FrameImageReply FrameType = "image_reply"
	// FrameAck 服务端确认
	FrameAck FrameType = "ack"
	// FrameError 服务端错误通知
	FrameError FrameType = "error"
	// FrameCreateBinding 网关请求生成配对 token
	FrameCreateBinding FrameType = "create_binding"
	// FrameCreateBindingAck 配对 token 与客服链接
	FrameCreateBindingAck FrameType = "create_binding_ack"
	// FrameUnbindAll 网关请求解除其全部绑定
	FrameUnbindAll FrameType = "unbind_all"
	// FrameBindingResolved 某用户已绑定到该网关
	FrameBindingResolved FrameType = "binding_resolved"
	// FrameBindingCleared 该网关当前无绑定
	FrameBindingCleared FrameType = "binding_cleared"
)

var knownFrameTypes = map[FrameType]bool{
	FrameHello:            true,
	FrameInbound:          true,
	FrameReply:            true,
	FrameImageReply:       true,
	FrameAck:              true,
	FrameError:            true,
	FrameCreateBinding:    true,
	FrameCreateBindingAck: true,
	FrameUnbindAll:        true,
	FrameBindingResolved:  true,
	FrameBindingCleared:   true,
}

// legacyFrameTypes 协议早期版本的帧名，显式拒绝以防止新旧端混用时静默丢帧
var legacyFrameTypes = map[string]bool{
	"bind_request": true,
	"bind_ack":     true,
	"message":      true,
}

// 解码错误。ErrUnknownType / ErrLegacyType 均包含 ErrDecode，
// 分发层据此区分"未知但格式完好"（忽略）与"格式非法"（断连）。
var (
	ErrDecode      = errors.New("invalid frame")
	ErrUnknownType = fmt.Errorf("%w: unknown frame type", ErrDecode)
	ErrLegacyType  = fmt.Errorf("%w: legacy frame type", ErrDecode)
)

// Frame 线上帧：单行 UTF-8 JSON，type 为判别字段。
// 各 handler 自行校验所需字段，codec 只保证 type 合法。
type Frame struct {
	Type FrameType `json:"type"`

	// 通用
	ID        string `json:"id,omitempty"`
	GatewayID string `json:"gateway_id,omitempty"`

	// hello
	AuthToken string `json:"auth_token,omitempty"`

	// inbound / reply / image_reply
	Platform   string `json:"platform,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
	MsgType    string `json:"msg_type,omitempty"`
	Content    string `json:"content,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	MediaData  string `json:"media_data,omitempty"` // base64
	MediaMime  string `json:"media_mime,omitempty"`
	ImageData  string `json:"image_data,omitempty"` // base64
	ImageMime  string `json:"image_mime,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// create_binding_ack
	Token              string `json:"token,omitempty"`
	CustomerServiceURL string `json:"customer_service_url,omitempty"`
}

// Encode 序列化帧为 UTF-8 JSON
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode 解析并校验帧。非法 JSON、缺失/非字符串/未知 type 均返回错误。
func Decode(data []byte) (*Frame, error) {
	var probe map[string]interface{}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	raw, ok := probe["type"]
	if !ok {
		return nil, fmt.Errorf("%w: missing type", ErrDecode)
	}
	tag, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("%w: type is not a string", ErrDecode)
	}
	if legacyFrameTypes[tag] {
		return nil, fmt.Errorf("%w: %q", ErrLegacyType, tag)
	}
	if !knownFrameTypes[FrameType(tag)] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, tag)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &f, nil
}
