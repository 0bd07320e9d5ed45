// Package transport 实现带重连的 WebSocket 通道。
//
// 通道是一个显式状态机: idle → connecting → open → retrying(n) → failed。
// 断开后按线性退避重试 (delay = base × attempt), 尝试次数到达上限即
// 进入终态 failed, 不再自动恢复 — 恢复由调用方显式 Connect。
// 重连成功后通过 OnOpen(resumed=true) 通知引擎重新同步会话状态。
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/fkteams/webchat/pkg/errors"
	"github.com/fkteams/webchat/pkg/logger"
	"github.com/fkteams/webchat/pkg/util"
)

// State 通道状态。
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateRetrying   State = "retrying"
	StateFailed     State = "failed" // 终态: 重试次数用尽
)

// Conn 抽象底层 WebSocket 连接, 便于测试注入。
// *websocket.Conn 天然满足。
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer 建立一条连接。测试用假实现替换。
type Dialer func(ctx context.Context, url string) (Conn, error)

// Sleeper 可中断地等待一段时长, ctx 取消时返回 false。
// 测试注入假时钟。
type Sleeper func(ctx context.Context, d time.Duration) bool

// Options 通道配置。
type Options struct {
	URL              string
	BaseDelay        time.Duration // 线性退避基数, 默认 2s
	MaxAttempts      int           // 连续失败上限, 默认 5
	HandshakeTimeout time.Duration // WebSocket 握手超时, 默认 5s
	Dialer           Dialer
	Sleeper          Sleeper

	// OnMessage 每收到一帧调用一次 (读循环 goroutine 内, 串行)。
	OnMessage func(raw []byte)
	// OnOpen 连接建立后调用; resumed 表示这是一次重连。
	OnOpen func(resumed bool)
	// OnStateChange 状态迁移通知; attempt 仅在 retrying 时有意义。
	OnStateChange func(state State, attempt int)
}

// Channel 带重连的 WebSocket 通道。
type Channel struct {
	opts Options

	mu      sync.Mutex
	state   State
	conn    Conn
	writeMu sync.Mutex

	cancel context.CancelFunc
}

// New 创建通道, 未设置的选项取默认值。
func New(opts Options) *Channel {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = gorillaDialer(opts.HandshakeTimeout)
	}
	if opts.Sleeper == nil {
		opts.Sleeper = sleepWithContext
	}
	return &Channel{opts: opts, state: StateIdle}
}

func gorillaDialer(handshakeTimeout time.Duration) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Bind 在 Connect 之前补挂消息与连接回调。
// 引擎与通道互相引用, 构造顺序上只能后挂。
func (c *Channel) Bind(onMessage func(raw []byte), onOpen func(resumed bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.OnMessage = onMessage
	c.opts.OnOpen = onOpen
}

// State 返回当前状态。
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect 启动连接与读循环 (后台 goroutine), 立即返回。
// failed 终态下再次调用即为显式恢复。
func (c *Channel) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.mu.Unlock()

	util.SafeGo(func() { c.run(ctx) })
}

// run 连接主循环: 拨号成功读到断开, 失败线性退避,
// 连续失败次数到达上限进入终态。
func (c *Channel) run(ctx context.Context) {
	attempt := 0
	resumed := false

	for {
		if ctx.Err() != nil {
			c.setState(StateIdle, 0)
			return
		}

		c.setState(StateConnecting, attempt)
		conn, err := c.opts.Dialer(ctx, c.opts.URL)
		if err == nil {
			c.setConn(conn)
			c.setState(StateOpen, 0)
			if c.opts.OnOpen != nil {
				c.opts.OnOpen(resumed)
			}

			readErr := c.readLoop(ctx, conn)
			c.setConn(nil)
			if ctx.Err() != nil {
				c.setState(StateIdle, 0)
				return
			}
			logger.Warn("transport: connection lost",
				logger.FieldAddr, c.opts.URL,
				logger.FieldError, readErr)

			// 掉线后重新计数, 下一次成功视为重连
			attempt = 0
			resumed = true
		} else {
			logger.Warn("transport: dial failed",
				logger.FieldAddr, c.opts.URL,
				logger.FieldAttempt, attempt+1,
				logger.FieldError, err)
		}

		attempt++
		if attempt >= c.opts.MaxAttempts {
			c.setState(StateFailed, attempt)
			logger.Error("transport: giving up after max attempts",
				logger.FieldAddr, c.opts.URL,
				logger.FieldAttempt, attempt)
			return
		}

		c.setState(StateRetrying, attempt)
		if !c.opts.Sleeper(ctx, c.opts.BaseDelay*time.Duration(attempt)) {
			c.setState(StateIdle, 0)
			return
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(raw)
		}
	}
}

// Send 发送一帧。未连接时返回 ErrNotConnected。
func (c *Channel) Send(raw []byte) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state == StateFailed {
		return apperrors.Wrap(apperrors.ErrGaveUp, "transport.Send", "reconnect attempts exhausted")
	}
	if state != StateOpen || conn == nil {
		return apperrors.Wrap(apperrors.ErrNotConnected, "transport.Send", "channel not open")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return apperrors.Wrap(err, "transport.Send", "write frame")
	}
	return nil
}

// Close 停止重连并关闭当前连接。
func (c *Channel) Close() {
	c.mu.Lock()
	cancel, conn := c.cancel, c.conn
	c.cancel, c.conn = nil, nil
	c.state = StateIdle
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Channel) setConn(conn Conn) {
	c.mu.Lock()
	prev := c.conn
	c.conn = conn
	c.mu.Unlock()
	if prev != nil && prev != conn {
		_ = prev.Close()
	}
}

func (c *Channel) setState(state State, attempt int) {
	c.mu.Lock()
	changed := c.state != state || state == StateRetrying
	c.state = state
	c.mu.Unlock()
	if changed && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(state, attempt)
	}
}
