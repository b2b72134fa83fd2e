package logger

import (
	"bytes"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(zapcore.AddSync(&buf))
	t.Cleanup(func() {
		SetLevel(INFO)
	})

	SetLevel(WARN)
	InfoCF("memory", "hidden", map[string]interface{}{"key": "a"})
	WarnCF("memory", "shown", map[string]interface{}{"key": "b"})

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info entry should be filtered at WARN: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "memory") {
		t.Fatalf("warn entry missing component or message: %q", out)
	}
	if GetLevel() != WARN {
		t.Fatalf("GetLevel() = %v, want WARN", GetLevel())
	}
}
