package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestContextLogRoutesToSink(t *testing.T) {
	var got []string
	ctx := NewContext(context.Background(), func(msg string) { got = append(got, msg) })

	ContextLog(ctx, "plain ", "message")
	ContextLogf(ctx, "formatted %d", 7)

	want := []string{"plain message", "formatted 7"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("sink received %v, want %v", got, want)
	}
}

func TestContextLogWithoutSinkIsNoOp(t *testing.T) {
	// Must not panic.
	ContextLog(context.Background(), "dropped")
	ContextLogf(context.Background(), "dropped %d", 1)
}

func TestSimpleDropsDebugUnlessVerbose(t *testing.T) {
	var buf bytes.Buffer
	s := NewSimple(&buf, false, false)
	s.Log(LevelDebug, time.Now(), "debug detail")
	s.Log(LevelInfo, time.Now(), "info line")
	out := buf.String()
	if strings.Contains(out, "debug detail") {
		t.Errorf("debug entry should be dropped when not verbose:\n%s", out)
	}
	if !strings.Contains(out, "info line") {
		t.Errorf("info entry missing:\n%s", out)
	}
}

func TestMultiLoggerFansOut(t *testing.T) {
	var a, b bytes.Buffer
	ml := NewMultiLogger(NewSimple(&a, false, true))
	ml.AddLogger(NewSimple(&b, false, true))
	ml.Log(LevelInfo, time.Now(), "hello")
	if !strings.Contains(a.String(), "hello") || !strings.Contains(b.String(), "hello") {
		t.Errorf("expected both loggers to receive the entry: a=%q b=%q", a.String(), b.String())
	}
}
