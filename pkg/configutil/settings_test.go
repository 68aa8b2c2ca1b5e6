package configutil

import (
	"testing"
	"time"
)

type sampleSettings struct {
	Path       string `mapstructure:"path"`
	SendBuffer int    `mapstructure:"send_buffer"`
	Secure     bool   `mapstructure:"secure"`
}

func TestDecodeSettings(t *testing.T) {
	var out sampleSettings
	err := DecodeSettings(map[string]any{
		"path":        "/stream",
		"send-buffer": "32",
		"Secure":      true,
	}, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Path != "/stream" {
		t.Fatalf("unexpected path: %q", out.Path)
	}
	if out.SendBuffer != 32 {
		t.Fatalf("weakly typed int not decoded: %d", out.SendBuffer)
	}
	if !out.Secure {
		t.Fatalf("case-insensitive key not matched")
	}
}

func TestDecodeSettingsEmptyInput(t *testing.T) {
	out := sampleSettings{Path: "/keep"}
	if err := DecodeSettings(nil, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Path != "/keep" {
		t.Fatalf("empty input must not touch the target")
	}
}

func TestRequireString(t *testing.T) {
	if err := RequireString("value", "field"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := RequireString("   ", "deepgram.api_key"); err == nil {
		t.Fatalf("blank value must be rejected")
	}
}

func TestFallbackValues(t *testing.T) {
	if got := DurationValue(0, 5*time.Second); got != 5*time.Second {
		t.Fatalf("zero duration must fall back, got %v", got)
	}
	if got := DurationValue(time.Minute, 5*time.Second); got != time.Minute {
		t.Fatalf("set duration must win, got %v", got)
	}
	if got := IntValue(-1, 64); got != 64 {
		t.Fatalf("negative int must fall back, got %d", got)
	}
	if got := IntValue(8, 64); got != 8 {
		t.Fatalf("set int must win, got %d", got)
	}
}
