// session_test.go — 回放保真: 回放与实时必须产出同构卡片序列。
package session

import (
	"testing"
	"time"

	"github.com/fkteams/webchat/internal/aggregate"
	"github.com/fkteams/webchat/internal/event"
)

var testClock = func() time.Time {
	return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
}

// cardShape 结构对比用的卡片骨架 (忽略 ID/时间戳)。
type cardShape struct {
	kind     aggregate.CardKind
	agent    string
	text     string
	toolName string
	args     string
}

func shapes(cards []*aggregate.Card) []cardShape {
	out := make([]cardShape, 0, len(cards))
	for _, c := range cards {
		out = append(out, cardShape{c.Kind, c.AgentName, c.Text, c.ToolName, c.Arguments})
	}
	return out
}

func TestReplayMatchesLiveStream(t *testing.T) {
	// 实时流: 文本 → 工具调用+结果 → 文本 → 轮次结束
	live := aggregate.NewWithClock(testClock)
	liveEvents := []event.Event{
		{Kind: event.KindTextDelta, AgentName: "写作者", Content: "先查一下。"},
		{Kind: event.KindToolCallPreparing, AgentName: "写作者", ToolName: "search"},
		{Kind: event.KindToolCallIssued, AgentName: "写作者", ToolName: "search", Arguments: `{"q":"go"}`},
		{Kind: event.KindToolResult, AgentName: "写作者", Content: "三条结果"},
		{Kind: event.KindTextDelta, AgentName: "写作者", Content: "查到了。"},
		{Kind: event.KindControl, Control: event.ControlProcessingEnd},
	}
	for _, ev := range liveEvents {
		live.Consume(ev)
	}

	// 同一轮次的新格式持久化形态
	replayed := aggregate.NewWithClock(testClock)
	Replay(replayed, []Turn{{
		AgentName: "写作者",
		Events: []TurnEvent{
			{Type: "text", Content: "先查一下。"},
			{Type: "tool_call", ToolCall: &ToolCallRecord{Name: "search", Arguments: `{"q":"go"}`, Result: "三条结果"}},
			{Type: "text", Content: "查到了。"},
		},
	}})

	got, want := shapes(replayed.Cards()), shapes(live.Cards())
	if len(got) != len(want) {
		t.Fatalf("replay cards = %d, live = %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("card[%d]: replay %+v, live %+v", i, got[i], want[i])
		}
	}
	for _, c := range replayed.Cards() {
		if !c.Finalized {
			t.Errorf("replayed card %s not finalized", c.ID)
		}
	}
}

func TestReplayLegacyFlatTurn(t *testing.T) {
	agg := aggregate.NewWithClock(testClock)
	Replay(agg, []Turn{{
		AgentName: "审核者",
		Content:   "审核完成",
		ToolCalls: []ToolCallRecord{
			{Name: "read", Arguments: `{"f":"a.md"}`, Result: "内容A"},
			{Name: "read", Arguments: `{"f":"b.md"}`, Result: "内容B"},
		},
		Actions: []ActionRecord{{ActionType: "exit", Content: "退出协作"}},
	}})

	cards := agg.Cards()
	wantKinds := []aggregate.CardKind{
		aggregate.CardAssistant,
		aggregate.CardToolCall, aggregate.CardToolResult,
		aggregate.CardToolCall, aggregate.CardToolResult,
		aggregate.CardAction,
	}
	if len(cards) != len(wantKinds) {
		t.Fatalf("len(cards) = %d, want %d", len(cards), len(wantKinds))
	}
	for i, want := range wantKinds {
		if cards[i].Kind != want {
			t.Errorf("cards[%d].Kind = %q, want %q", i, cards[i].Kind, want)
		}
	}
	// 两条工具记录必须各占一张卡片, 参数不得互相覆盖
	if cards[1].ToolName != "read" || cards[3].ToolName != "read" {
		t.Fatalf("tool names = %q/%q", cards[1].ToolName, cards[3].ToolName)
	}
	if cards[1].Arguments == cards[3].Arguments {
		t.Fatalf("second tool record overwrote the first: %q", cards[1].Arguments)
	}
	if cards[5].Text != "退出协作" {
		t.Fatalf("action text = %q", cards[5].Text)
	}
}

func TestReplayUserTurn(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	agg := aggregate.NewWithClock(testClock)
	Replay(agg, []Turn{
		{
			AgentName: UserSpeaker,
			StartTime: start,
			EndTime:   start,
			Events:    []TurnEvent{{Type: "text", Content: "帮我写个摘要"}},
		},
		{AgentName: "写作者", Content: "好的"},
	})

	cards := agg.Cards()
	if len(cards) != 2 {
		t.Fatalf("len(cards) = %d", len(cards))
	}
	if cards[0].Kind != aggregate.CardUser || cards[0].Text != "帮我写个摘要" {
		t.Fatalf("user card = %+v", cards[0])
	}
	if !cards[0].CreatedAt.Equal(start) {
		t.Fatalf("CreatedAt = %v, want persisted start time", cards[0].CreatedAt)
	}
}

func TestReplayUserTurnLegacyContent(t *testing.T) {
	agg := aggregate.NewWithClock(testClock)
	Replay(agg, []Turn{{AgentName: UserSpeaker, Content: "旧格式输入"}})

	if got := agg.Cards()[0].Text; got != "旧格式输入" {
		t.Fatalf("Text = %q", got)
	}
}

func TestReplayStampsDuration(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	agg := aggregate.NewWithClock(testClock)
	Replay(agg, []Turn{{
		AgentName: "写作者",
		Content:   "耗时发言",
		StartTime: start,
		EndTime:   start.Add(125 * time.Second),
	}})

	card := agg.Cards()[0]
	if card.Duration != 125*time.Second {
		t.Fatalf("Duration = %v", card.Duration)
	}
	if !card.CreatedAt.Equal(start) {
		t.Fatalf("CreatedAt = %v", card.CreatedAt)
	}
}

func TestReplayTurnBoundaryClosesCards(t *testing.T) {
	agg := aggregate.NewWithClock(testClock)
	Replay(agg, []Turn{
		{AgentName: "甲", Events: []TurnEvent{{Type: "text", Content: "第一轮"}}},
		{AgentName: "甲", Events: []TurnEvent{{Type: "text", Content: "第二轮"}}},
	})

	cards := agg.Cards()
	if len(cards) != 2 {
		t.Fatalf("len(cards) = %d, want one card per turn", len(cards))
	}
	if cards[0].Text != "第一轮" || cards[1].Text != "第二轮" {
		t.Fatalf("texts = %q/%q", cards[0].Text, cards[1].Text)
	}
}

func TestParseTurns(t *testing.T) {
	turns, err := ParseTurns([]byte(`[{"agent_name":"写作者","content":"x","start_time":"2026-03-01T09:00:00Z","end_time":"2026-03-01T09:00:05Z"}]`))
	if err != nil {
		t.Fatalf("ParseTurns error: %v", err)
	}
	if len(turns) != 1 || turns[0].AgentName != "写作者" {
		t.Fatalf("turns = %+v", turns)
	}
	if turns[0].Duration() != 5*time.Second {
		t.Fatalf("Duration = %v", turns[0].Duration())
	}
}

func TestParseTurnsMalformed(t *testing.T) {
	if _, err := ParseTurns([]byte(`{"not":"a list"}`)); err == nil {
		t.Fatalf("ParseTurns(malformed) = nil error")
	}
}

func TestParseTurnsEmpty(t *testing.T) {
	turns, err := ParseTurns(nil)
	if err != nil || turns != nil {
		t.Fatalf("ParseTurns(nil) = %v, %v", turns, err)
	}
}

func TestFormatTimestamp(t *testing.T) {
	start := time.Date(2026, 3, 1, 14, 30, 5, 0, time.UTC)
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "14:30:05"},
		{42 * time.Second, "14:30:05 (42秒)"},
		{125 * time.Second, "14:30:05 (2分5秒)"},
	}
	for _, tt := range tests {
		if got := FormatTimestamp(start, tt.d); got != tt.want {
			t.Errorf("FormatTimestamp(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
	if got := FormatTimestamp(time.Time{}, time.Second); got != "" {
		t.Errorf("FormatTimestamp(zero) = %q, want empty", got)
	}
}
