// logger_test.go — Init 与字段常量行为验证。
package logger

import (
	"log/slog"
	"testing"
	"time"
)

func TestInitSwitchesHandler(t *testing.T) {
	Init("development")
	if Get() == nil {
		t.Fatalf("Get() = nil after Init(development)")
	}
	Init("production")
	if Get() == nil {
		t.Fatalf("Get() = nil after Init(production)")
	}
}

func TestReplaceTimeAttr(t *testing.T) {
	ts := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	a := replaceTimeAttr(nil, slog.Time(slog.TimeKey, ts))
	got := a.Value.String()
	// UTC 00:00 → UTC+8 08:00
	if got != "2026-01-02 08:00:00" {
		t.Fatalf("time attr = %q, want %q", got, "2026-01-02 08:00:00")
	}
}

func TestReplaceTimeAttrLeavesOtherKeys(t *testing.T) {
	a := replaceTimeAttr(nil, slog.String("msg", "hello"))
	if a.Value.String() != "hello" {
		t.Fatalf("non-time attr mutated: %v", a.Value)
	}
}
