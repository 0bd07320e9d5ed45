// Package export 把回放出的卡片序列渲染成独立 HTML 文稿。
package export

import (
	"bytes"
	"html/template"
	"io"

	"github.com/yuin/goldmark"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/fkteams/webchat/internal/aggregate"
	"github.com/fkteams/webchat/internal/session"
	apperrors "github.com/fkteams/webchat/pkg/errors"
)

// markdown 渲染器: 软换行当硬换行, 对齐聊天输入的直觉。
var markdown = goldmark.New(
	goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
)

var pageTmpl = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="zh-CN">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { max-width: 860px; margin: 0 auto; padding: 24px; font-family: sans-serif; background: #f6f7f9; }
.card { background: #fff; border-radius: 8px; padding: 12px 16px; margin: 12px 0; box-shadow: 0 1px 2px rgba(0,0,0,.08); }
.card.user { background: #e8f0fe; }
.card.error { background: #fdecea; }
.card.action { background: #f0f0f0; font-size: .9em; }
.meta { color: #666; font-size: .85em; margin-bottom: 6px; }
.tool { font-family: monospace; white-space: pre-wrap; background: #f5f5f5; padding: 8px; border-radius: 4px; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{range .Cards}}
<div class="card {{.Class}}">
  <div class="meta">{{.Label}}{{if .Time}} · {{.Time}}{{end}}</div>
  {{if .ToolName}}<div class="tool">{{.ToolName}}({{.Args}})</div>{{end}}
  {{if .Body}}<div class="body">{{.Body}}</div>{{end}}
</div>
{{end}}
</body>
</html>
`))

type cardView struct {
	Class    string
	Label    string
	Time     string
	ToolName string
	Args     string
	Body     template.HTML
}

type pageView struct {
	Title string
	Cards []cardView
}

// Write 渲染整份对话文稿。
func Write(w io.Writer, title string, cards []*aggregate.Card) error {
	page := pageView{Title: title, Cards: make([]cardView, 0, len(cards))}
	for _, c := range cards {
		view, err := renderCard(c)
		if err != nil {
			return err
		}
		page.Cards = append(page.Cards, view)
	}
	if err := pageTmpl.Execute(w, page); err != nil {
		return apperrors.Wrap(err, "export.Write", "execute template")
	}
	return nil
}

func renderCard(c *aggregate.Card) (cardView, error) {
	view := cardView{
		Class: string(c.Kind),
		Label: c.Label(),
		Time:  session.FormatTimestamp(c.CreatedAt, c.Duration),
	}

	switch c.Kind {
	case aggregate.CardToolCall:
		view.ToolName = c.ToolName
		view.Args = c.DisplayArguments()

	case aggregate.CardAssistant:
		// assistant 文本按 Markdown 渲染
		var buf bytes.Buffer
		if err := markdown.Convert([]byte(c.Text), &buf); err != nil {
			return cardView{}, apperrors.Wrap(err, "export.renderCard", "render markdown")
		}
		view.Body = template.HTML(buf.String())

	default:
		// 其余卡片纯文本转义 (工具结果走截断后的展示文本)
		view.Body = template.HTML(template.HTMLEscapeString(c.DisplayText()))
	}
	return view, nil
}
