// Package aggregate 实现卡片聚合状态机。
//
// 逐事件决定: 入站片段属于当前打开的卡片, 还是关闭它并新开一张。
// Consume 是 (state, event) → (state', mutations) 的确定性归约,
// 无 I/O、无锁 — 并发约束由调用方 (单线程事件循环) 保证,
// 实时流与历史回放驱动同一实现, 保证两种路径产出结构一致。
package aggregate

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/fkteams/webchat/internal/event"
	"github.com/fkteams/webchat/pkg/util"
)

// Aggregator 持有一个会话的聚合状态。
// 会话切换或清空历史时整体丢弃重建, 绝不跨会话复用。
type Aggregator struct {
	cards []*Card

	open           *Card // 未定稿的 assistant 卡片
	lastToolCard   *Card // 最近创建的工具卡片 (参数回填/孤儿结果的挂靠点)
	toolIntervened bool  // 上次文本之后是否插入过工具调用

	// defaultAgent 回放时 turn 级别的默认发言者标签。
	defaultAgent string

	now func() time.Time
	seq int
}

// New 创建空聚合器。
func New() *Aggregator {
	return &Aggregator{now: time.Now}
}

// NewWithClock 注入时钟, 供测试与回放使用。
func NewWithClock(now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{now: now}
}

// Cards 返回当前卡片序列 (追加顺序)。
func (a *Aggregator) Cards() []*Card {
	return a.cards
}

// SetDefaultAgent 设置无名事件的默认发言者 (回放时为 turn 的 agent_name)。
func (a *Aggregator) SetDefaultAgent(name string) {
	a.defaultAgent = name
}

// Reset 整体清空: 会话切换 / history_cleared。
func (a *Aggregator) Reset() {
	a.cards = nil
	a.open = nil
	a.lastToolCard = nil
	a.toolIntervened = false
	a.defaultAgent = ""
}

// Consume 消费一条事件, 返回卡片变更列表。
// 未识别事件返回 nil — 永不 panic, 永不破坏状态。
func (a *Aggregator) Consume(ev event.Event) []Mutation {
	switch ev.Kind {
	case event.KindTextDelta:
		return a.consumeText(ev, false)
	case event.KindMessage:
		if ev.Content == "" {
			return nil
		}
		return a.consumeText(ev, true)
	case event.KindToolCallPreparing:
		return a.consumeToolPreparing(ev)
	case event.KindToolCallIssued:
		return a.consumeToolIssued(ev)
	case event.KindToolResult:
		return a.consumeToolResult(ev)
	case event.KindAction:
		return a.consumeAction(ev)
	case event.KindError:
		return a.consumeError(ev)
	case event.KindControl:
		return a.consumeControl(ev)
	default:
		return nil
	}
}

// consumeText 处理增量 (replace=false) 与完整消息 (replace=true)。
//
// 新开卡片的三个触发条件 (按优先级):
//  1. 没有打开的卡片
//  2. 上次文本之后插入过工具调用
//  3. 事件带 agent_name 且与打开卡片的不同
func (a *Aggregator) consumeText(ev event.Event, replace bool) []Mutation {
	var muts []Mutation

	needNew := a.toolIntervened ||
		a.open == nil ||
		(ev.AgentName != "" && a.open.AgentName != ev.AgentName)

	if needNew {
		muts = append(muts, a.finalizeOpen()...)
		card := a.push(&Card{
			Kind:      CardAssistant,
			AgentName: util.FirstNonEmpty(ev.AgentName, a.defaultAgent),
		})
		a.open = card
		a.toolIntervened = false
		muts = append(muts, Mutation{Op: OpCreate, Card: card})
	}

	if replace {
		a.open.Text = trimLeading(ev.Content)
		muts = append(muts, Mutation{Op: OpReplace, Card: a.open, Text: a.open.Text})
		return muts
	}

	chunk := ev.Content
	// 首块去空白: 仅当累积文本为空时剥除前导空白/控制字符,
	// 后续块原样追加, 保留流中的词间空格。
	if a.open.Text == "" {
		chunk = trimLeading(chunk)
	}
	if chunk == "" {
		return muts
	}
	a.open.Text += chunk
	muts = append(muts, Mutation{Op: OpAppend, Card: a.open, Text: chunk})
	return muts
}

func (a *Aggregator) consumeToolPreparing(ev event.Event) []Mutation {
	muts := a.finalizeOpen()

	card := a.push(&Card{
		Kind:        CardToolCall,
		AgentName:   util.FirstNonEmpty(ev.AgentName, a.defaultAgent),
		ToolName:    ev.ToolName,
		ArgsPending: true,
		Finalized:   true,
	})
	a.lastToolCard = card
	// 下一条文本必须另起卡片
	a.toolIntervened = true
	return append(muts, Mutation{Op: OpCreate, Card: card})
}

// consumeToolIssued 就地回填最近工具卡片的参数 —
// "已定稿卡片不可变"的唯一例外。
// 没有任何工具卡片时合成一张空名卡片再回填, 保持归约全函数。
func (a *Aggregator) consumeToolIssued(ev event.Event) []Mutation {
	var muts []Mutation
	if a.lastToolCard == nil {
		muts = a.synthesizeToolCard(ev)
	}
	card := a.lastToolCard
	card.Arguments = FormatStructured(ev.Arguments)
	card.ArgsPending = false
	if card.ToolName == "" {
		card.ToolName = ev.ToolName
	}
	return append(muts, Mutation{Op: OpSetArgs, Card: card})
}

func (a *Aggregator) consumeToolResult(ev event.Event) []Mutation {
	var muts []Mutation
	if a.lastToolCard == nil {
		// turn 开头就收到结果: 合成空名工具卡片挂靠
		muts = a.synthesizeToolCard(ev)
	}
	card := a.push(&Card{
		Kind:      CardToolResult,
		AgentName: util.FirstNonEmpty(ev.AgentName, a.defaultAgent),
		Text:      ev.Content,
		Finalized: true,
	})
	return append(muts, Mutation{Op: OpCreate, Card: card})
}

func (a *Aggregator) synthesizeToolCard(ev event.Event) []Mutation {
	muts := a.finalizeOpen()
	card := a.push(&Card{
		Kind:      CardToolCall,
		AgentName: util.FirstNonEmpty(ev.AgentName, a.defaultAgent),
		ToolName:  "",
		Finalized: true,
	})
	a.lastToolCard = card
	a.toolIntervened = true
	return append(muts, Mutation{Op: OpCreate, Card: card})
}

func (a *Aggregator) consumeAction(ev event.Event) []Mutation {
	muts := a.finalizeOpen()
	card := a.push(&Card{
		Kind:      CardAction,
		AgentName: util.FirstNonEmpty(ev.AgentName, a.defaultAgent),
		Action:    ev.Action,
		Text:      util.FirstNonEmpty(ev.Content, string(ev.Action)),
		Finalized: true,
	})
	return append(muts, Mutation{Op: OpCreate, Card: card})
}

func (a *Aggregator) consumeError(ev event.Event) []Mutation {
	muts := a.finalizeOpen()
	card := a.push(&Card{
		Kind:      CardError,
		AgentName: ev.AgentName,
		Text:      ev.Error,
		Finalized: true,
	})
	return append(muts, Mutation{Op: OpCreate, Card: card})
}

func (a *Aggregator) consumeControl(ev event.Event) []Mutation {
	switch ev.Control {
	case event.ControlProcessingEnd:
		// 防御性收尾: 关掉所有悬挂状态
		muts := a.finalizeOpen()
		a.clearTurnState()
		return muts

	case event.ControlCancelled:
		muts := a.finalizeOpen()
		a.clearTurnState()
		card := a.push(&Card{
			Kind:      CardAction,
			Action:    event.ActionInterrupted,
			Text:      util.FirstNonEmpty(ev.Content, "任务已取消"),
			Finalized: true,
		})
		return append(muts, Mutation{Op: OpCreate, Card: card})

	default:
		// connected / processing_start / history_* 由引擎层处理
		return nil
	}
}

// AddUserCard 直接落一张定稿的用户卡片 —
// 用户输入不走 assistant 聚合规则, 永不跨块拆分。
func (a *Aggregator) AddUserCard(text string) []Mutation {
	card := a.push(&Card{
		Kind:      CardUser,
		Text:      text,
		Finalized: true,
	})
	return []Mutation{{Op: OpCreate, Card: card}}
}

// ForceFinalize 强制定稿打开的卡片 (回放中 turn 边界必然关卡)。
func (a *Aggregator) ForceFinalize() []Mutation {
	muts := a.finalizeOpen()
	a.clearTurnState()
	return muts
}

func (a *Aggregator) finalizeOpen() []Mutation {
	if a.open == nil {
		return nil
	}
	card := a.open
	card.Finalized = true
	a.open = nil
	return []Mutation{{Op: OpFinalize, Card: card}}
}

func (a *Aggregator) clearTurnState() {
	a.open = nil
	a.lastToolCard = nil
	a.toolIntervened = false
}

func (a *Aggregator) push(card *Card) *Card {
	a.seq++
	card.ID = fmt.Sprintf("%s-%d-%d", card.Kind, a.now().UnixMilli(), a.seq)
	card.CreatedAt = a.now()
	a.cards = append(a.cards, card)
	return card
}

// trimLeading 剥除前导空白与控制字符:
// 空格/CR/LF/NBSP/Unicode 空白区/零宽空格/BOM。
func trimLeading(s string) string {
	return strings.TrimLeftFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '\u200B' || r == '\uFEFF'
	})
}
