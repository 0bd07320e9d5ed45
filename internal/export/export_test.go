// export_test.go — HTML 文稿渲染: Markdown 转换与转义。
package export

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fkteams/webchat/internal/aggregate"
)

func TestWriteTranscript(t *testing.T) {
	cards := []*aggregate.Card{
		{Kind: aggregate.CardUser, Text: "帮我 **加粗**"},
		{Kind: aggregate.CardAssistant, AgentName: "写作者", Text: "这是 **加粗** 文本"},
		{Kind: aggregate.CardToolCall, AgentName: "写作者", ToolName: "search", Arguments: `{"q": "go"}`},
		{Kind: aggregate.CardToolResult, Text: "<script>alert(1)</script>"},
	}

	var buf bytes.Buffer
	if err := Write(&buf, "测试会话", cards); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	out := buf.String()

	if !strings.Contains(out, "<title>测试会话</title>") {
		t.Fatalf("missing title:\n%s", out)
	}
	// assistant 文本走 Markdown
	if !strings.Contains(out, "<strong>加粗</strong>") {
		t.Fatalf("assistant markdown not rendered")
	}
	// 用户文本不走 Markdown
	if !strings.Contains(out, "帮我 **加粗**") {
		t.Fatalf("user text must stay literal")
	}
	if !strings.Contains(out, "search(") {
		t.Fatalf("tool call missing")
	}
	// 工具结果必须转义
	if strings.Contains(out, "<script>alert(1)</script>") {
		t.Fatalf("tool result not escaped")
	}
}

func TestWriteIncludesTimeAnnotation(t *testing.T) {
	start := time.Date(2026, 3, 1, 14, 30, 5, 0, time.UTC)
	cards := []*aggregate.Card{{
		Kind:      aggregate.CardAssistant,
		AgentName: "写作者",
		Text:      "耗时发言",
		CreatedAt: start,
		Duration:  125 * time.Second,
	}}

	var buf bytes.Buffer
	if err := Write(&buf, "t", cards); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if !strings.Contains(buf.String(), "14:30:05 (2分5秒)") {
		t.Fatalf("time annotation missing:\n%s", buf.String())
	}
}
