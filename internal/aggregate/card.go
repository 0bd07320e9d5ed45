// card.go — 卡片模型与展示格式化。
package aggregate

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"

	"github.com/fkteams/webchat/internal/event"
	"github.com/fkteams/webchat/pkg/util"
)

// CardKind 卡片类型。
type CardKind string

const (
	CardUser       CardKind = "user"
	CardAssistant  CardKind = "assistant"
	CardToolCall   CardKind = "tool_call"
	CardToolResult CardKind = "tool_result"
	CardAction     CardKind = "action"
	CardError      CardKind = "error"
)

// ToolResultBudget 工具结果的展示预算 (字符数)。
// 仅影响展示, 卡片保存的原文永不截断 (回放需要完整内容)。
const ToolResultBudget = 2048

// truncateMarker 追加在被截断结果末尾。
const truncateMarker = "\n..."

// Card 一个可渲染的对话单元: 消息气泡 / 工具调用框 / action 横幅。
//
// 不变量: 任意时刻最多一张 assistant 卡片处于未定稿状态;
// tool_call / tool_result / action / error 卡片创建即定稿, 不会重开。
// 唯一例外: tool_calls 事件会就地回填已定稿工具卡片的参数。
type Card struct {
	ID        string
	Kind      CardKind
	AgentName string

	// Text 累积原文。tool_result 卡片保存未截断原文,
	// 截断与美化只发生在 DisplayText()。
	Text string

	ToolName    string
	Arguments   string
	ArgsPending bool

	Action event.ActionType

	CreatedAt time.Time
	Duration  time.Duration // 回放时由 turn 的起止时间计算, 实时流为 0
	Finalized bool
}

// Label 返回展示用的发言者名称。
func (c *Card) Label() string {
	if c.Kind == CardUser {
		return "您"
	}
	return util.FirstNonEmpty(c.AgentName, "Assistant")
}

// DisplayText 返回展示用文本。
// tool_result 卡片做结构化美化并按预算截断; 其余卡片原样返回。
func (c *Card) DisplayText() string {
	if c.Kind != CardToolResult {
		return c.Text
	}
	formatted := FormatStructured(c.Text)
	return util.TruncateRunes(formatted, ToolResultBudget, truncateMarker)
}

// DisplayArguments 返回展示用参数。
func (c *Card) DisplayArguments() string {
	if c.ArgsPending {
		return "参数准备中..."
	}
	if c.Arguments == "" {
		return "无参数"
	}
	return c.Arguments
}

// FormatStructured 尝试把载荷按结构化数据美化输出。
// 解析失败时原样返回 — 坏载荷降级展示, 绝不报错。
func FormatStructured(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || !gjson.Valid(trimmed) {
		return raw
	}
	out := pretty.PrettyOptions([]byte(trimmed), &pretty.Options{Indent: "  "})
	return strings.TrimRight(string(out), "\n")
}

// Op 卡片变更操作。
type Op string

const (
	OpCreate   Op = "create"   // 新卡片入列
	OpAppend   Op = "append"   // 向打开的卡片追加文本
	OpReplace  Op = "replace"  // 整体替换文本 (完整 message 事件)
	OpSetArgs  Op = "set_args" // 就地回填工具参数
	OpFinalize Op = "finalize" // 卡片定稿
)

// Mutation 聚合器产出的卡片级变更, 供外部渲染器增量应用。
type Mutation struct {
	Op   Op
	Card *Card
	// Text 仅 OpAppend 携带本次增量 (已应用首块去空白规则)。
	Text string
}
