// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"time"

	"github.com/fkteams/webchat/pkg/util"
)

// Config 应用全局配置，字段名与环境变量一一对应。
type Config struct {
	// 服务端
	ServerBaseURL string `env:"FKTEAMS_SERVER_URL" default:"http://127.0.0.1:8000"`
	WSPath        string `env:"FKTEAMS_WS_PATH" default:"/ws"`

	// 会话
	SessionID string `env:"FKTEAMS_SESSION_ID" default:"default"`
	Mode      string `env:"FKTEAMS_MODE" default:"supervisor"`

	// 重连 (线性退避: base * attempt, 超过 MaxAttempts 进入终态)
	ReconnectBaseDelayMS    int `env:"FKTEAMS_RECONNECT_BASE_MS" default:"2000" min:"1"`
	ReconnectMaxAttempts    int `env:"FKTEAMS_RECONNECT_MAX_ATTEMPTS" default:"5" min:"1"`
	HandshakeTimeoutSeconds int `env:"FKTEAMS_HANDSHAKE_TIMEOUT_SEC" default:"5" min:"1"`

	// 开发服务器
	DevListenAddr string `env:"FKTEAMS_DEV_LISTEN" default:":8000"`
	HistoryDir    string `env:"FKTEAMS_HISTORY_DIR" default:".fkteams/history"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"production"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}

// ReconnectBaseDelay 返回线性退避基数。
func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMS) * time.Millisecond
}

// HandshakeTimeout 返回 WebSocket 握手超时。
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

// WSURL 由 ServerBaseURL 推导 WebSocket 地址 (http→ws, https→wss)。
func (c *Config) WSURL() string {
	base := c.ServerBaseURL
	switch {
	case len(base) >= 8 && base[:8] == "https://":
		base = "wss://" + base[8:]
	case len(base) >= 7 && base[:7] == "http://":
		base = "ws://" + base[7:]
	}
	return base + c.WSPath
}
