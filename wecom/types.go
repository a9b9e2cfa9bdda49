package wecom

// Platform 写入帧 platform 字段的平台标识
const Platform = "wecom"

// 消息类型
const (
	MsgTypeText  = "text"
	MsgTypeImage = "image"
	MsgTypeVoice = "voice"
	MsgTypeEvent = "event"
)

// EventEnterSession 用户进入会话事件（扫码配对时携带 scene_param）
const EventEnterSession = "enter_session"

// Message 客服消息（sync_msg 拉取结果的归一化形式）
type Message struct {
	MsgID          string `json:"msgid"`
	OpenKfID       string `json:"open_kfid"`
	ExternalUserID string `json:"external_userid"`
	SendTime       int64  `json:"send_time"`
	MsgType        string `json:"msgtype"`

	Content    string `json:"content,omitempty"`     // text
	MediaID    string `json:"media_id,omitempty"`    // image / voice
	EventType  string `json:"event_type,omitempty"`  // event
	SceneParam string `json:"scene_param,omitempty"` // enter_session 场景参数
}
