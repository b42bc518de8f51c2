package ui

import (
	"bytes"
	"strings"
	"testing"
)

// TestRender_PlainWhenNotTerminal tests that styles add no escapes off a TTY
func TestRender_PlainWhenNotTerminal(t *testing.T) {
	SetOutput(&bytes.Buffer{})

	for name, render := range map[string]func(string) string{
		"accent": RenderAccent,
		"pass":   RenderPass,
		"warn":   RenderWarn,
		"fail":   RenderFail,
		"muted":  RenderMuted,
	} {
		if got := render("ok"); got != "ok" {
			t.Errorf("%s: Render(%q) = %q, want plain text", name, "ok", got)
		}
	}

	got := KeyValue("Channels", 3)
	if !strings.HasPrefix(got, "Channels:") || !strings.HasSuffix(got, " 3") {
		t.Errorf("KeyValue() = %q", got)
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		size int64
		want string
	}{
		{512, "512 bytes"},
		{2048, "2.0 KB"},
		{3 * 1024 * 1024, "3.0 MB"},
	}
	for _, tt := range tests {
		if got := FormatSize(tt.size); got != tt.want {
			t.Errorf("FormatSize(%d) = %q, want %q", tt.size, got, tt.want)
		}
	}
}
