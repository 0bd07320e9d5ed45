// Package command 构造出站 WebSocket 命令帧。
//
// 四种命令: chat / cancel / clear_history / load_history。
// 字段名与服务端协议一一对应, 可选字段缺省时不出现在帧里。
package command

import (
	"encoding/json"

	apperrors "github.com/fkteams/webchat/pkg/errors"
)

// MemorySessionID 清空内存态会话 (而非磁盘日志) 的保留会话标识。
const MemorySessionID = "__memory__"

// Chat 一次用户发送。Message 保留完整原文 (含 @提及 与 #引用),
// AgentName/FilePaths 是抽取出的路由副本。
type Chat struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	Message   string   `json:"message"`
	Mode      string   `json:"mode"`
	AgentName string   `json:"agent_name,omitempty"`
	FilePaths []string `json:"file_paths,omitempty"`
}

// NewChat 构造 chat 命令。
func NewChat(sessionID, message, mode string) Chat {
	return Chat{Type: "chat", SessionID: sessionID, Message: message, Mode: mode}
}

// Cancel 协作式取消请求。发出后不改本地状态, 等服务端 cancelled 回执。
type Cancel struct {
	Type string `json:"type"`
}

// NewCancel 构造 cancel 命令。
func NewCancel() Cancel {
	return Cancel{Type: "cancel"}
}

// ClearHistory 清空会话历史。SessionID 为 MemorySessionID 时
// 只清内存态, 不动持久化日志。
type ClearHistory struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// NewClearHistory 构造 clear_history 命令。
func NewClearHistory(sessionID string) ClearHistory {
	return ClearHistory{Type: "clear_history", SessionID: sessionID}
}

// LoadHistory 请求加载一份持久化日志。Message 携带日志文件名,
// 服务端以 history_loaded 帧应答。
type LoadHistory struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewLoadHistory 构造 load_history 命令。
func NewLoadHistory(filename string) LoadHistory {
	return LoadHistory{Type: "load_history", Message: filename}
}

// Encode 把命令序列化为出站帧。
func Encode(cmd any) ([]byte, error) {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, apperrors.Wrap(err, "command.Encode", "marshal command")
	}
	return raw, nil
}
