// transport_test.go — 状态机与线性退避: 全部用假拨号器/假时钟驱动。
package transport

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/fkteams/webchat/pkg/errors"
)

// fakeConn 按脚本吐消息, 脚本耗尽后返回 closeErr。
type fakeConn struct {
	frames   [][]byte
	closeErr error
	sent     [][]byte
	closed   bool
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	if len(f.frames) == 0 {
		if f.closeErr == nil {
			f.closeErr = context.Canceled
		}
		return 0, nil, f.closeErr
	}
	raw := f.frames[0]
	f.frames = f.frames[1:]
	return 1, raw, nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

// scriptDialer 依次返回预置结果。
type scriptDialer struct {
	conns []*fakeConn // nil 表示本次拨号失败
	calls int
}

func (d *scriptDialer) dial(context.Context, string) (Conn, error) {
	d.calls++
	if len(d.conns) == 0 {
		return nil, apperrors.New("test.dial", "refused")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	if conn == nil {
		return nil, apperrors.New("test.dial", "refused")
	}
	return conn, nil
}

func TestLinearBackoffThenTerminalFailure(t *testing.T) {
	dialer := &scriptDialer{} // 永远拨不通
	var delays []time.Duration
	var states []State

	c := New(Options{
		URL:         "ws://test/ws",
		BaseDelay:   2 * time.Second,
		MaxAttempts: 5,
		Dialer:      dialer.dial,
		Sleeper: func(_ context.Context, d time.Duration) bool {
			delays = append(delays, d)
			return true
		},
		OnStateChange: func(s State, _ int) { states = append(states, s) },
	})
	c.run(context.Background())

	if dialer.calls != 5 {
		t.Fatalf("dial calls = %d, want 5", dialer.calls)
	}
	// 线性退避: base × attempt; 第 5 次失败直接进终态, 不再等待
	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second, 8 * time.Second}
	if len(delays) != len(wantDelays) {
		t.Fatalf("delays = %v, want %v", delays, wantDelays)
	}
	for i, want := range wantDelays {
		if delays[i] != want {
			t.Errorf("delays[%d] = %v, want %v", i, delays[i], want)
		}
	}
	if c.State() != StateFailed {
		t.Fatalf("State = %q, want failed", c.State())
	}
	if states[len(states)-1] != StateFailed {
		t.Fatalf("last state = %q", states[len(states)-1])
	}
}

func TestReconnectResetsAttemptsAndSignalsResume(t *testing.T) {
	first := &fakeConn{frames: [][]byte{[]byte(`{"type":"connected"}`)}}
	second := &fakeConn{}
	// 首连成功 → 掉线 → 一次失败 → 重连成功 → 再掉线 → 后续全失败
	dialer := &scriptDialer{conns: []*fakeConn{first, nil, second}}

	var delays []time.Duration
	var opens []bool
	var got [][]byte

	c := New(Options{
		URL:         "ws://test/ws",
		BaseDelay:   2 * time.Second,
		MaxAttempts: 3,
		Dialer:      dialer.dial,
		Sleeper: func(_ context.Context, d time.Duration) bool {
			delays = append(delays, d)
			return true
		},
		OnMessage: func(raw []byte) { got = append(got, raw) },
		OnOpen:    func(resumed bool) { opens = append(opens, resumed) },
	})
	c.run(context.Background())

	if len(got) != 1 || string(got[0]) != `{"type":"connected"}` {
		t.Fatalf("messages = %q", got)
	}
	if len(opens) != 2 || opens[0] || !opens[1] {
		t.Fatalf("opens = %v, want [false true]", opens)
	}
	// 每次掉线后尝试计数归零: 两轮重试都从 base×1 开始
	if len(delays) < 2 || delays[0] != 2*time.Second {
		t.Fatalf("delays = %v, want first retry at base×1", delays)
	}
	if !first.closed {
		t.Fatalf("dropped connection not closed")
	}
}

func TestHandshakeTimeoutOption(t *testing.T) {
	c := New(Options{URL: "ws://test/ws"})
	if c.opts.HandshakeTimeout != 5*time.Second {
		t.Fatalf("default HandshakeTimeout = %v, want 5s", c.opts.HandshakeTimeout)
	}

	c = New(Options{URL: "ws://test/ws", HandshakeTimeout: time.Second})
	if c.opts.HandshakeTimeout != time.Second {
		t.Fatalf("HandshakeTimeout = %v, want override kept", c.opts.HandshakeTimeout)
	}
}

func TestSendAfterGiveUp(t *testing.T) {
	c := New(Options{URL: "ws://test/ws"})
	c.setState(StateFailed, 5)

	err := c.Send([]byte(`{"type":"chat"}`))
	if !apperrors.Is(err, apperrors.ErrGaveUp) {
		t.Fatalf("Send error = %v, want ErrGaveUp", err)
	}
}

func TestSendRequiresOpenChannel(t *testing.T) {
	c := New(Options{URL: "ws://test/ws"})
	err := c.Send([]byte(`{"type":"cancel"}`))
	if !apperrors.Is(err, apperrors.ErrNotConnected) {
		t.Fatalf("Send error = %v, want ErrNotConnected", err)
	}
}

func TestSendWritesToOpenConn(t *testing.T) {
	conn := &fakeConn{}
	c := New(Options{URL: "ws://test/ws"})
	c.setConn(conn)
	c.setState(StateOpen, 0)

	if err := c.Send([]byte(`{"type":"cancel"}`)); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(conn.sent) != 1 || string(conn.sent[0]) != `{"type":"cancel"}` {
		t.Fatalf("sent = %q", conn.sent)
	}
}

func TestCancelledContextStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dialer := &scriptDialer{}

	c := New(Options{
		URL:         "ws://test/ws",
		MaxAttempts: 5,
		Dialer:      dialer.dial,
		Sleeper: func(context.Context, time.Duration) bool {
			cancel() // 等待期间被取消
			return false
		},
	})
	c.run(ctx)

	if c.State() != StateIdle {
		t.Fatalf("State = %q, want idle after cancel", c.State())
	}
	if dialer.calls != 1 {
		t.Fatalf("dial calls = %d, want 1", dialer.calls)
	}
}
