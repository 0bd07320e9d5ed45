// Package session 定义持久化 turn 模型与历史回放引擎。
//
// 服务端把会话日志保存为 turn 数组。新格式的 turn 携带结构化 events
// 列表 (保留文本/工具/action 的交错顺序); 旧格式只有扁平的
// content/tool_calls/actions 三个字段, 交错信息已丢失。两种格式都
// 归一化后喂给与实时流相同的聚合器, 保证回放与实时产出结构一致。
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fkteams/webchat/internal/aggregate"
	"github.com/fkteams/webchat/internal/event"
	apperrors "github.com/fkteams/webchat/pkg/errors"
)

// UserSpeaker 持久化日志中用户 turn 的发言者标记。
const UserSpeaker = "用户"

// ToolCallRecord 持久化的一次工具调用 (参数与结果成对保存)。
type ToolCallRecord struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result"`
}

// ActionRecord 持久化的 action 事件。
type ActionRecord struct {
	ActionType string `json:"action_type"`
	Content    string `json:"content"`
}

// TurnEvent 新格式 turn 内的单条结构化事件。
// Type 取 text / tool_call / action 之一。
type TurnEvent struct {
	Type     string          `json:"type"`
	Content  string          `json:"content,omitempty"`
	ToolCall *ToolCallRecord `json:"tool_call,omitempty"`
	Action   *ActionRecord   `json:"action,omitempty"`
}

// Turn 一次完整发言。AgentName 为 UserSpeaker 时是用户输入。
type Turn struct {
	AgentName string           `json:"agent_name"`
	Content   string           `json:"content"`
	RunPath   string           `json:"run_path,omitempty"`
	StartTime time.Time        `json:"start_time"`
	EndTime   time.Time        `json:"end_time"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	Actions   []ActionRecord   `json:"actions,omitempty"`
	Events    []TurnEvent      `json:"events,omitempty"`
}

// Duration 返回 turn 的持续时长, 起止时间缺失或倒置时为 0。
func (t Turn) Duration() time.Duration {
	if t.StartTime.IsZero() || t.EndTime.IsZero() {
		return 0
	}
	if d := t.EndTime.Sub(t.StartTime); d > 0 {
		return d
	}
	return 0
}

// UserContent 返回用户 turn 的输入文本。
// 新格式从 events 拼接, 旧格式回退到扁平 content。
func (t Turn) UserContent() string {
	var out string
	for _, evt := range t.Events {
		if evt.Type == "text" {
			out += evt.Content
		}
	}
	if out == "" {
		out = t.Content
	}
	return out
}

// ParseTurns 解析 history_loaded 载荷中的 turn 数组。
func ParseTurns(raw json.RawMessage) ([]Turn, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var turns []Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, apperrors.Wrap(err, "session.ParseTurns", "malformed history payload")
	}
	return turns, nil
}

// Replay 把持久化的 turn 序列重放进聚合器。
//
// 用户 turn 直接落用户卡片; 智能体 turn 归一化为与实时流同形的
// 事件后逐条 Consume, turn 边界强制定稿。回放结束后给本 turn 新增
// 的卡片补上持久化时间 (CreatedAt/Duration), 供展示层标注时长。
func Replay(agg *aggregate.Aggregator, turns []Turn) {
	for _, turn := range turns {
		if turn.AgentName == UserSpeaker {
			before := len(agg.Cards())
			agg.AddUserCard(turn.UserContent())
			stampTurnCards(agg.Cards()[before:], turn)
			continue
		}

		before := len(agg.Cards())
		agg.SetDefaultAgent(turn.AgentName)
		for _, ev := range normalizeTurn(turn) {
			agg.Consume(ev)
		}
		agg.ForceFinalize()
		agg.SetDefaultAgent("")
		stampTurnCards(agg.Cards()[before:], turn)
	}
}

func stampTurnCards(cards []*aggregate.Card, turn Turn) {
	for _, c := range cards {
		if !turn.StartTime.IsZero() {
			c.CreatedAt = turn.StartTime
		}
		c.Duration = turn.Duration()
	}
}

// normalizeTurn 把一个智能体 turn 展开为实时流同形的事件序列。
func normalizeTurn(turn Turn) []event.Event {
	if len(turn.Events) > 0 {
		return normalizeStructured(turn)
	}
	return normalizeLegacy(turn)
}

func normalizeStructured(turn Turn) []event.Event {
	var evs []event.Event
	for _, te := range turn.Events {
		switch te.Type {
		case "text":
			evs = append(evs, event.Event{
				Kind:      event.KindTextDelta,
				AgentName: turn.AgentName,
				Content:   te.Content,
			})
		case "tool_call":
			if te.ToolCall == nil {
				continue
			}
			evs = append(evs, toolCallEvents(turn.AgentName, *te.ToolCall)...)
		case "action":
			if te.Action == nil {
				continue
			}
			evs = append(evs, event.Event{
				Kind:      event.KindAction,
				AgentName: turn.AgentName,
				Action:    event.NormalizeActionType(te.Action.ActionType),
				Content:   te.Action.Content,
			})
		}
	}
	return evs
}

// normalizeLegacy 展开旧格式: 交错顺序已丢失,
// 按 content → tool_calls → actions 的固定顺序重建。
func normalizeLegacy(turn Turn) []event.Event {
	var evs []event.Event
	if turn.Content != "" {
		evs = append(evs, event.Event{
			Kind:      event.KindMessage,
			AgentName: turn.AgentName,
			Content:   turn.Content,
		})
	}
	for _, tc := range turn.ToolCalls {
		evs = append(evs, toolCallEvents(turn.AgentName, tc)...)
	}
	for _, ac := range turn.Actions {
		evs = append(evs, event.Event{
			Kind:      event.KindAction,
			AgentName: turn.AgentName,
			Action:    event.NormalizeActionType(ac.ActionType),
			Content:   ac.Content,
		})
	}
	return evs
}

// toolCallEvents 把一条工具记录还原为实时流同形的事件序列:
// preparing 先开新卡, issued 回填参数, 有结果再补结果事件。
// 不发 preparing 会让第二条记录误回填上一张卡片的参数。
func toolCallEvents(agent string, tc ToolCallRecord) []event.Event {
	evs := []event.Event{{
		Kind:      event.KindToolCallPreparing,
		AgentName: agent,
		ToolName:  tc.Name,
	}, {
		Kind:      event.KindToolCallIssued,
		AgentName: agent,
		ToolName:  tc.Name,
		Arguments: tc.Arguments,
	}}
	if tc.Result != "" {
		evs = append(evs, event.Event{
			Kind:      event.KindToolResult,
			AgentName: agent,
			Content:   tc.Result,
		})
	}
	return evs
}

// FormatTimestamp 格式化 turn 的时间标注:
// "15:04:05"、"15:04:05 (42秒)" 或 "15:04:05 (2分5秒)"。
func FormatTimestamp(start time.Time, d time.Duration) string {
	if start.IsZero() {
		return ""
	}
	ts := start.Format("15:04:05")
	secs := int(d.Seconds())
	if secs <= 0 {
		return ts
	}
	if secs >= 60 {
		return fmt.Sprintf("%s (%d分%d秒)", ts, secs/60, secs%60)
	}
	return fmt.Sprintf("%s (%d秒)", ts, secs)
}
