// Package client 组装单个会话的引擎: 事件循环、命令发送与状态路由。
//
// 引擎持有聚合器与传输通道, 是协议语义的唯一落点:
// 入站帧在这里解码并路由 (聚合事件 → aggregate, 控制事件 → 本地状态),
// 出站命令在这里构造 (提及解析、文件引用、取消、历史操作)。
// 所有方法都经互斥锁串行化, 聚合器因此保持单线程归约语义。
package client

import (
	"context"
	"strings"
	"sync"

	"github.com/fkteams/webchat/internal/aggregate"
	"github.com/fkteams/webchat/internal/api"
	"github.com/fkteams/webchat/internal/command"
	"github.com/fkteams/webchat/internal/event"
	"github.com/fkteams/webchat/internal/mention"
	"github.com/fkteams/webchat/internal/session"
	apperrors "github.com/fkteams/webchat/pkg/errors"
	"github.com/fkteams/webchat/pkg/logger"
)

// FrameSender 出站帧发送器 (transport.Channel 满足)。
type FrameSender interface {
	Send(raw []byte) error
}

// Directory 服务端协作查询 (api.Client 满足):
// 智能体目录与持久化日志列表。
type Directory interface {
	Agents(ctx context.Context) ([]api.AgentInfo, error)
	HistoryFiles(ctx context.Context) ([]api.HistoryFileInfo, error)
}

// Options 引擎回调与初始状态。
type Options struct {
	SessionID string
	Mode      string

	// OnMutations 聚合器每产出一批卡片变更时调用 (引擎锁内, 勿阻塞)。
	OnMutations func(muts []aggregate.Mutation)
	// OnReplaced 历史回放/清空后整体重建时调用, 渲染层应重读 Cards()。
	OnReplaced func()
	// OnProcessing 处理中标志翻转时调用。
	OnProcessing func(processing bool)
}

// Engine 单会话引擎。
type Engine struct {
	mu sync.Mutex

	agg    *aggregate.Aggregator
	sender FrameSender
	dir    Directory
	opts   Options

	sessionID    string
	mode         string
	currentAgent string
	processing   bool

	agents []api.AgentInfo // 目录缓存, 首次发送时拉取
}

// New 创建引擎。
func New(sender FrameSender, dir Directory, opts Options) *Engine {
	if opts.SessionID == "" {
		opts.SessionID = "default"
	}
	if opts.Mode == "" {
		opts.Mode = "supervisor"
	}
	return &Engine{
		agg:       aggregate.New(),
		sender:    sender,
		dir:       dir,
		opts:      opts,
		sessionID: opts.SessionID,
		mode:      opts.Mode,
	}
}

// Cards 返回当前卡片序列。
func (e *Engine) Cards() []*aggregate.Card {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agg.Cards()
}

// SessionID 返回当前会话标识。
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Processing 返回是否有任务在跑。
func (e *Engine) Processing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processing
}

// HandleFrame 消费一条入站帧 (传输层读循环串行调用)。
// 坏帧与未知类型记录日志后跳过, 绝不中断事件循环。
func (e *Engine) HandleFrame(raw []byte) {
	ev, err := event.Decode(raw)
	if err != nil {
		logger.Warn("client: dropping malformed frame", logger.FieldError, err)
		return
	}
	if ev.Kind == event.KindUnknown {
		logger.Debug("client: skipping unknown event")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if ev.Kind == event.KindControl {
		e.handleControlLocked(ev)
		return
	}
	e.applyLocked(e.agg.Consume(ev))
}

func (e *Engine) handleControlLocked(ev event.Event) {
	switch ev.Control {
	case event.ControlConnected:
		logger.Info("client: server acknowledged connection", logger.FieldSession, e.sessionID)

	case event.ControlProcessingStart:
		e.setProcessingLocked(true)

	case event.ControlProcessingEnd:
		e.setProcessingLocked(false)
		e.applyLocked(e.agg.Consume(ev))

	case event.ControlCancelled:
		// 协作式取消: 只有服务端回执才落地
		e.setProcessingLocked(false)
		e.applyLocked(e.agg.Consume(ev))

	case event.ControlHistoryCleared:
		e.agg.Reset()
		if e.opts.OnReplaced != nil {
			e.opts.OnReplaced()
		}

	case event.ControlHistoryLoaded:
		e.replayLocked(ev)
	}
}

func (e *Engine) replayLocked(ev event.Event) {
	turns, err := session.ParseTurns(ev.Turns)
	if err != nil {
		logger.Error("client: history payload rejected", logger.FieldError, err)
		return
	}
	if ev.SessionID != "" {
		e.sessionID = ev.SessionID
	}
	e.agg.Reset()
	session.Replay(e.agg, turns)
	logger.Info("client: history replayed",
		logger.FieldSession, e.sessionID,
		logger.FieldCount, len(turns))
	if e.opts.OnReplaced != nil {
		e.opts.OnReplaced()
	}
}

// Send 发送一条用户输入。
//
// 完整原文随帧发出; @提及 解析出的智能体与 #引用 解析出的文件
// 作为路由字段附带。提及了不存在的智能体时拒绝发送。
func (e *Engine) Send(ctx context.Context, text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "client.Send", "empty message")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.processing {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "client.Send", "previous task still running")
	}

	cmd := command.NewChat(e.sessionID, trimmed, e.mode)

	if m, ok := mention.ExtractAgentMention(trimmed); ok {
		agent, err := e.resolveAgentLocked(ctx, m.AgentName)
		if err != nil {
			return err
		}
		e.currentAgent = agent.Name
	}
	if e.currentAgent != "" {
		cmd.AgentName = e.currentAgent
	}
	if paths := mention.ExtractFilePaths(trimmed); len(paths) > 0 {
		cmd.FilePaths = paths
	}

	raw, err := command.Encode(cmd)
	if err != nil {
		return err
	}
	if err := e.sender.Send(raw); err != nil {
		return err
	}

	e.applyLocked(e.agg.AddUserCard(trimmed))
	e.setProcessingLocked(true)
	return nil
}

// resolveAgentLocked 在目录里查找被提及的智能体, 目录缓存惰性填充。
func (e *Engine) resolveAgentLocked(ctx context.Context, name string) (api.AgentInfo, error) {
	if len(e.agents) == 0 && e.dir != nil {
		agents, err := e.dir.Agents(ctx)
		if err != nil {
			return api.AgentInfo{}, apperrors.Wrap(err, "client.Send", "load agent directory")
		}
		e.agents = agents
	}
	for _, a := range e.agents {
		if a.Name == name {
			return a, nil
		}
	}
	return api.AgentInfo{}, apperrors.Wrapf(apperrors.ErrUnknownAgent, "client.Send", "agent %q", name)
}

// Cancel 发出协作式取消请求。本地状态不变, 等服务端 cancelled 回执。
func (e *Engine) Cancel() error {
	raw, err := command.Encode(command.NewCancel())
	if err != nil {
		return err
	}
	return e.sender.Send(raw)
}

// ClearHistory 请求清空当前会话历史并立即清空本地卡片。
func (e *Engine) ClearHistory() error {
	e.mu.Lock()
	sessionID := e.sessionID
	e.mu.Unlock()

	raw, err := command.Encode(command.NewClearHistory(sessionID))
	if err != nil {
		return err
	}
	if err := e.sender.Send(raw); err != nil {
		return err
	}

	e.mu.Lock()
	e.agg.Reset()
	e.mu.Unlock()
	if e.opts.OnReplaced != nil {
		e.opts.OnReplaced()
	}
	return nil
}

// LoadHistory 请求加载一份持久化日志, 应答经 history_loaded 回放。
func (e *Engine) LoadHistory(filename string) error {
	if filename == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "client.LoadHistory", "empty filename")
	}
	raw, err := command.Encode(command.NewLoadHistory(filename))
	if err != nil {
		return err
	}
	return e.sender.Send(raw)
}

// SwitchSession 切换会话: 聚合状态整体丢弃重建。
func (e *Engine) SwitchSession(sessionID string) {
	e.mu.Lock()
	e.sessionID = sessionID
	e.currentAgent = ""
	e.processing = false
	e.agg.Reset()
	e.mu.Unlock()

	if e.opts.OnReplaced != nil {
		e.opts.OnReplaced()
	}
}

// OnTransportOpen 传输层连接建立回调。
//
// 重连后不允许沿用掉线前的聚合状态: 悬挂的流式卡片先定稿
// (之后到达的片段只能开新卡), 处理中标志清零 — 服务端的任务
// 状态已不可知 — 然后对当前会话做一次确定性再同步: 拉取日志
// 列表, 找到落盘文件就请求回放, 经 history_loaded 走统一重建路径。
// 回调在传输层 goroutine 内, 同步拉取不会阻塞界面。
func (e *Engine) OnTransportOpen(resumed bool) {
	if !resumed {
		return
	}

	e.mu.Lock()
	logger.Info("client: reconnected, resyncing session", logger.FieldSession, e.sessionID)
	e.setProcessingLocked(false)
	e.applyLocked(e.agg.ForceFinalize())
	sessionID := e.sessionID
	e.mu.Unlock()

	e.resyncSession(sessionID)
}

// resyncSession 重连后的再同步: 当前会话有落盘日志就请求回放,
// 没有则保留本地已定稿的卡片。列表失败只告警, 不打断事件循环。
func (e *Engine) resyncSession(sessionID string) {
	if e.dir == nil {
		return
	}
	files, err := e.dir.HistoryFiles(context.Background())
	if err != nil {
		logger.Warn("client: resync listing failed", logger.FieldError, err)
		return
	}
	for _, f := range files {
		if f.SessionID == sessionID {
			if err := e.LoadHistory(f.Filename); err != nil {
				logger.Warn("client: resync load failed", logger.FieldError, err)
			}
			return
		}
	}
}

func (e *Engine) applyLocked(muts []aggregate.Mutation) {
	if len(muts) > 0 && e.opts.OnMutations != nil {
		e.opts.OnMutations(muts)
	}
}

func (e *Engine) setProcessingLocked(processing bool) {
	if e.processing == processing {
		return
	}
	e.processing = processing
	if e.opts.OnProcessing != nil {
		e.opts.OnProcessing(processing)
	}
}
