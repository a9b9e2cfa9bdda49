package config

import (
	"time"
)

// Config 是主配置结构
type Config struct {
	Log     LogConfig     `mapstructure:"log" json:"log"`
	Relay   RelayConfig   `mapstructure:"relay" json:"relay"`
	WeCom   WeComConfig   `mapstructure:"wecom" json:"wecom"`
	Gateway GatewayConfig `mapstructure:"gateway" json:"gateway"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `mapstructure:"level" json:"level"` // debug | info | warn | error
	JSON  bool   `mapstructure:"json" json:"json"`
	File  string `mapstructure:"file" json:"file"` // 为空则仅输出 stdout
}

// RelayConfig 中继服务器配置
type RelayConfig struct {
	Host      string `mapstructure:"host" json:"host"`
	Port      int    `mapstructure:"port" json:"port"`
	Path      string `mapstructure:"path" json:"path"`             // WebSocket 路径
	AuthToken string `mapstructure:"auth_token" json:"auth_token"` // 所有网关共享的预置密钥

	AuthTimeout    time.Duration `mapstructure:"auth_timeout" json:"auth_timeout"`       // hello 必须在该窗口内到达
	PingInterval   time.Duration `mapstructure:"ping_interval" json:"ping_interval"`     // 心跳发送间隔
	PongTimeout    time.Duration `mapstructure:"pong_timeout" json:"pong_timeout"`       // 未收到 pong 视为死连接
	WriteTimeout   time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size" json:"max_message_size"`

	BindingDB  string        `mapstructure:"binding_db" json:"binding_db"`   // 绑定库 sqlite 路径
	PendingTTL time.Duration `mapstructure:"pending_ttl" json:"pending_ttl"` // 待确认配对 token 有效期
}

// WeComConfig 企业微信客服配置
type WeComConfig struct {
	CorpID   string `mapstructure:"corp_id" json:"corp_id"`
	Secret   string `mapstructure:"secret" json:"secret"`
	OpenKfID string `mapstructure:"open_kfid" json:"open_kfid"` // 客服账号，入站消息按此过滤
	BaseURL  string `mapstructure:"base_url" json:"base_url"`   // 默认官方地址，测试时可指向 mock
}

// GatewayConfig 桌面网关（客户端）配置
type GatewayConfig struct {
	ID        string `mapstructure:"id" json:"id"`                 // 网关标识，hello 帧携带
	RelayURL  string `mapstructure:"relay_url" json:"relay_url"`   // ws://host:port/ws
	AuthToken string `mapstructure:"auth_token" json:"auth_token"`

	ReconnectMin time.Duration `mapstructure:"reconnect_min" json:"reconnect_min"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max" json:"reconnect_max"`
	ReplyTimeout time.Duration `mapstructure:"reply_timeout" json:"reply_timeout"` // agent 回复关联的截止时间

	AgentURL string `mapstructure:"agent_url" json:"agent_url"` // 本地 agent 运行时 RPC 地址
	STTURL   string `mapstructure:"stt_url" json:"stt_url"`     // 本地语音转写服务，为空则用占位文本
}
