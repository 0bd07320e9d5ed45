// Package tui 终端聊天界面: 卡片流视图 + 输入框。
//
// 界面是聚合器输出的薄消费层: 引擎回调把变更转成 tea 消息,
// 渲染时整体重读卡片序列, 不在界面层保存第二份对话状态。
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/fkteams/webchat/internal/aggregate"
	"github.com/fkteams/webchat/internal/api"
	"github.com/fkteams/webchat/internal/client"
	"github.com/fkteams/webchat/internal/config"
	"github.com/fkteams/webchat/internal/session"
	"github.com/fkteams/webchat/internal/transport"
	"github.com/fkteams/webchat/pkg/logger"
)

var (
	userStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	agentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	actionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	metaStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("111"))
)

// 引擎回调转成的 tea 消息。
type (
	cardsChangedMsg struct{}
	processingMsg   bool
	channelStateMsg struct {
		state   transport.State
		attempt int
	}
)

// Model 聊天界面模型。
type Model struct {
	engine *client.Engine

	viewport viewport.Model
	input    textinput.Model
	markdown *glamour.TermRenderer

	status     string
	processing bool
	lastErr    string
	ready      bool
}

func newModel(engine *client.Engine) Model {
	input := textinput.New()
	input.Placeholder = "输入消息, @智能体 指定发言者, #路径 引用文件"
	input.Focus()
	input.CharLimit = 0

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		// 降级为纯文本渲染
		logger.Warn("tui: markdown renderer unavailable", logger.FieldError, err)
		renderer = nil
	}

	return Model{
		engine:   engine,
		input:    input,
		markdown: renderer,
		status:   "连接中...",
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		inputHeight := 3
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-inputHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - inputHeight
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEsc:
			if m.processing {
				if err := m.engine.Cancel(); err != nil {
					m.lastErr = err.Error()
				}
			}
			return m, nil
		case tea.KeyCtrlL:
			if err := m.engine.ClearHistory(); err != nil {
				m.lastErr = err.Error()
			}
			m.refresh()
			return m, nil
		case tea.KeyEnter:
			text := m.input.Value()
			if err := m.engine.Send(context.Background(), text); err != nil {
				m.lastErr = err.Error()
			} else {
				m.input.Reset()
				m.lastErr = ""
			}
			m.refresh()
			return m, nil
		}

	case cardsChangedMsg:
		m.refresh()
		return m, nil

	case processingMsg:
		m.processing = bool(msg)
		if m.processing {
			m.status = "处理中... (Esc 取消)"
		} else {
			m.status = "已连接"
		}
		return m, nil

	case channelStateMsg:
		switch msg.state {
		case transport.StateOpen:
			m.status = "已连接"
		case transport.StateRetrying:
			m.status = fmt.Sprintf("重连中 (%d)...", msg.attempt)
		case transport.StateFailed:
			m.status = "连接失败, 重试次数用尽"
		default:
			m.status = "连接中..."
		}
		return m, nil
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(RenderCards(m.engine.Cards(), m.markdown))
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	if !m.ready {
		return "加载中..."
	}
	var b strings.Builder
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(statusStyle.Render(m.status))
	if m.lastErr != "" {
		b.WriteString("  ")
		b.WriteString(errorStyle.Render(m.lastErr))
	}
	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}

// RenderCards 把卡片序列渲染成终端文本。renderer 为 nil 时纯文本输出。
func RenderCards(cards []*aggregate.Card, renderer *glamour.TermRenderer) string {
	var b strings.Builder
	for i, c := range cards {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(renderCard(c, renderer))
	}
	return b.String()
}

func renderCard(c *aggregate.Card, renderer *glamour.TermRenderer) string {
	meta := ""
	if ts := session.FormatTimestamp(c.CreatedAt, c.Duration); ts != "" {
		meta = " " + metaStyle.Render(ts)
	}

	switch c.Kind {
	case aggregate.CardUser:
		return userStyle.Render(c.Label()) + meta + "\n" + c.Text + "\n"

	case aggregate.CardToolCall:
		head := toolStyle.Render(fmt.Sprintf("⚙ %s", c.ToolName))
		return head + meta + "\n" + c.DisplayArguments() + "\n"

	case aggregate.CardToolResult:
		return toolStyle.Render("→ 结果") + meta + "\n" + c.DisplayText() + "\n"

	case aggregate.CardAction:
		return actionStyle.Render(fmt.Sprintf("[%s] %s", c.Label(), c.Text)) + "\n"

	case aggregate.CardError:
		return errorStyle.Render("✗ "+c.Text) + "\n"

	default:
		body := c.Text
		if renderer != nil {
			if out, err := renderer.Render(c.Text); err == nil {
				body = strings.TrimRight(out, "\n")
			}
		}
		return agentStyle.Render(c.Label()) + meta + "\n" + body + "\n"
	}
}

// Run 组装引擎与传输层并启动界面, 阻塞到用户退出。
func Run(ctx context.Context, cfg *config.Config) error {
	restClient := api.New(cfg.ServerBaseURL)

	var program *tea.Program

	channel := transport.New(transport.Options{
		URL:              cfg.WSURL(),
		BaseDelay:        cfg.ReconnectBaseDelay(),
		MaxAttempts:      cfg.ReconnectMaxAttempts,
		HandshakeTimeout: cfg.HandshakeTimeout(),
		OnStateChange: func(state transport.State, attempt int) {
			if program != nil {
				program.Send(channelStateMsg{state: state, attempt: attempt})
			}
		},
	})

	engine := client.New(channel, restClient, client.Options{
		SessionID: cfg.SessionID,
		Mode:      cfg.Mode,
		OnMutations: func([]aggregate.Mutation) {
			if program != nil {
				program.Send(cardsChangedMsg{})
			}
		},
		OnReplaced: func() {
			if program != nil {
				program.Send(cardsChangedMsg{})
			}
		},
		OnProcessing: func(processing bool) {
			if program != nil {
				program.Send(processingMsg(processing))
			}
		},
	})

	channel.Bind(engine.HandleFrame, engine.OnTransportOpen)

	program = tea.NewProgram(newModel(engine), tea.WithAltScreen(), tea.WithContext(ctx))
	channel.Connect(ctx)
	defer channel.Close()

	_, err := program.Run()
	return err
}
