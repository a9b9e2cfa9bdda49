package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

var globalConfig *Config
var globalConfigMu sync.RWMutex
var lastConfigFile string // 上次 Load 实际使用的配置文件路径，供排查用
var configWatcher *Watcher

// ConfigFileUsed 返回上次 Load 时实际使用的配置文件路径（可能为空，如仅用默认值或环境变量）
func ConfigFileUsed() string {
	return lastConfigFile
}

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// 设置配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 默认配置文件路径：~/.easyclaw/config.json
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		v.AddConfigPath(filepath.Join(home, ".easyclaw"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("json")
	}

	// 环境变量覆盖（如 EASYCLAW_RELAY_AUTH_TOKEN 覆盖 relay.auth_token）
	v.SetEnvPrefix("EASYCLAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// 读取配置文件；不存在则仅用默认值和环境变量
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	lastConfigFile = v.ConfigFileUsed()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	globalConfigMu.Lock()
	globalConfig = &cfg
	globalConfigMu.Unlock()

	return &cfg, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	// Relay 默认配置
	v.SetDefault("relay.host", "0.0.0.0")
	v.SetDefault("relay.port", 28765)
	v.SetDefault("relay.path", "/ws")
	v.SetDefault("relay.auth_timeout", "5s")
	v.SetDefault("relay.ping_interval", "30s")
	v.SetDefault("relay.pong_timeout", "75s")
	v.SetDefault("relay.write_timeout", "10s")
	v.SetDefault("relay.max_message_size", 10*1024*1024) // 10MB，图片/语音 base64 内嵌需要较大上限
	v.SetDefault("relay.pending_ttl", "10m")

	// 企业微信默认使用官方接口地址
	v.SetDefault("wecom.base_url", "https://qyapi.weixin.qq.com")

	// Gateway 默认配置
	v.SetDefault("gateway.relay_url", "ws://127.0.0.1:28765/ws")
	v.SetDefault("gateway.reconnect_min", "1s")
	v.SetDefault("gateway.reconnect_max", "30s")
	v.SetDefault("gateway.reply_timeout", "60s")
	v.SetDefault("gateway.agent_url", "ws://127.0.0.1:28789/ws")
}

// Validate 校验配置的关键字段
func Validate(cfg *Config) error {
	if cfg.Relay.Port <= 0 || cfg.Relay.Port > 65535 {
		return fmt.Errorf("invalid relay.port: %d", cfg.Relay.Port)
	}
	if cfg.Relay.AuthTimeout <= 0 {
		return fmt.Errorf("relay.auth_timeout must be positive")
	}
	if cfg.Relay.PendingTTL <= 0 {
		return fmt.Errorf("relay.pending_ttl must be positive")
	}
	return nil
}

// Save 保存配置到文件
func Save(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Get 获取全局配置
func Get() *Config {
	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// Set 设置全局配置（用于热重载）
func Set(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// EnableHotReload 启用配置热重载
func EnableHotReload(configPath string) error {
	if configWatcher != nil {
		return fmt.Errorf("hot reload already enabled")
	}

	watcher, err := NewWatcher(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	configWatcher = watcher
	configWatcher.Start()
	return nil
}

// DisableHotReload 禁用配置热重载
func DisableHotReload() error {
	if configWatcher == nil {
		return nil
	}

	if err := configWatcher.Stop(); err != nil {
		return fmt.Errorf("failed to stop config watcher: %w", err)
	}

	configWatcher = nil
	return nil
}

// OnConfigChange 注册配置变更处理函数
func OnConfigChange(handler ChangeHandler) error {
	if configWatcher == nil {
		return fmt.Errorf("hot reload not enabled")
	}

	configWatcher.OnChange(handler)
	return nil
}
