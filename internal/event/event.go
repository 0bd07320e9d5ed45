// Package event 定义入站事件的封闭联合类型与帧解析。
//
// 服务端以 JSON 帧推送异构事件流 (文本增量/工具调用/action/控制信号)。
// 本包在边界处把"鸭子类型"的帧解码为带标签的 Event，聚合器只消费
// 解码后的结构，不再信任原始 map。未知类型映射为 KindUnknown，
// 由调用方记录日志后跳过，绝不让一条坏帧打断 reducer。
package event

import (
	"encoding/json"
	"strings"

	apperrors "github.com/fkteams/webchat/pkg/errors"
)

// Kind 事件标签。
type Kind string

const (
	KindTextDelta         Kind = "text_delta"         // stream_chunk: 增量文本
	KindMessage           Kind = "message"            // message: 完整文本 (整体替换)
	KindToolCallPreparing Kind = "tool_call_preparing" // 工具调用即将发出, 参数未知
	KindToolCallIssued    Kind = "tool_call_issued"    // 参数就绪, 回填最近的工具卡片
	KindToolResult        Kind = "tool_result"         // 工具执行结果
	KindAction            Kind = "action"              // 智能体结构性事件 (转交/退出等)
	KindError             Kind = "error"               // 服务端错误
	KindControl           Kind = "control"             // 连接/处理/历史等控制信号
	KindUnknown           Kind = "unknown"             // 未识别标签, 记录后忽略
)

// ControlKind 控制信号细分。
type ControlKind string

const (
	ControlConnected       ControlKind = "connected"
	ControlProcessingStart ControlKind = "processing_start"
	ControlProcessingEnd   ControlKind = "processing_end"
	ControlCancelled       ControlKind = "cancelled"
	ControlHistoryCleared  ControlKind = "history_cleared"
	ControlHistoryLoaded   ControlKind = "history_loaded"
)

// ActionType action 事件类型。
type ActionType string

const (
	ActionTransfer    ActionType = "transfer"
	ActionExit        ActionType = "exit"
	ActionInterrupted ActionType = "interrupted"
	ActionOther       ActionType = "other"
)

// NormalizeActionType 收敛未知 action 类型为 ActionOther。
func NormalizeActionType(raw string) ActionType {
	switch ActionType(strings.TrimSpace(raw)) {
	case ActionTransfer:
		return ActionTransfer
	case ActionExit:
		return ActionExit
	case ActionInterrupted:
		return ActionInterrupted
	default:
		return ActionOther
	}
}

// ToolCall 工具调用载荷 (单元素列表中的一项)。
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// Event 解码后的入站事件。
//
// 只有与 Kind 对应的字段有意义; Turns 仅在 history_loaded 时携带
// 原始载荷, 由 session 包进一步解析 (避免与回放模型循环依赖)。
type Event struct {
	Kind      Kind
	Control   ControlKind
	AgentName string
	Content   string
	ToolName  string
	Arguments string
	Action    ActionType
	Error     string
	SessionID string
	Turns     json.RawMessage
}

// frame 原始 JSON 帧 (对应服务端 fkevent 输出)。
type frame struct {
	Type       string          `json:"type"`
	AgentName  string          `json:"agent_name,omitempty"`
	Content    string          `json:"content,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ActionType string          `json:"action_type,omitempty"`
	Error      string          `json:"error,omitempty"`
	Message    string          `json:"message,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Messages   json.RawMessage `json:"messages,omitempty"`
}

// Decode 把一条入站帧解码为带标签事件。
//
// JSON 损坏返回错误; 类型未识别返回 KindUnknown 且无错误,
// 调用方应记录并跳过。两种情况都不得中断事件循环。
func Decode(raw []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Event{}, apperrors.Wrap(err, "event.Decode", "malformed frame")
	}

	ev := Event{
		AgentName: f.AgentName,
		Content:   f.Content,
		SessionID: f.SessionID,
	}

	switch f.Type {
	case "stream_chunk":
		ev.Kind = KindTextDelta

	case "message":
		ev.Kind = KindMessage

	case "tool_calls_preparing":
		ev.Kind = KindToolCallPreparing
		if len(f.ToolCalls) == 0 {
			// 无载荷的准备帧视为未知, 跳过
			ev.Kind = KindUnknown
			break
		}
		ev.ToolName = f.ToolCalls[0].Name

	case "tool_calls":
		ev.Kind = KindToolCallIssued
		if len(f.ToolCalls) == 0 {
			ev.Kind = KindUnknown
			break
		}
		ev.ToolName = f.ToolCalls[0].Name
		ev.Arguments = f.ToolCalls[0].Arguments

	case "tool_result", "tool_result_chunk":
		ev.Kind = KindToolResult

	case "action":
		ev.Kind = KindAction
		ev.Action = NormalizeActionType(f.ActionType)

	case "error":
		ev.Kind = KindError
		ev.Error = f.Error

	case "connected":
		ev.Kind, ev.Control = KindControl, ControlConnected
	case "processing_start":
		ev.Kind, ev.Control = KindControl, ControlProcessingStart
	case "processing_end":
		ev.Kind, ev.Control = KindControl, ControlProcessingEnd
	case "cancelled":
		ev.Kind, ev.Control = KindControl, ControlCancelled
		// 取消提示优先用服务端给的 message
		if f.Message != "" {
			ev.Content = f.Message
		}
	case "history_cleared":
		ev.Kind, ev.Control = KindControl, ControlHistoryCleared
	case "history_loaded":
		ev.Kind, ev.Control = KindControl, ControlHistoryLoaded
		ev.Turns = f.Messages

	default:
		ev.Kind = KindUnknown
	}

	return ev, nil
}
