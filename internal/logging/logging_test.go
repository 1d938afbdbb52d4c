package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewHandlerLevels(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "DEBUG", want: slog.LevelDebug},
		{in: " warn ", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "info+2", want: slog.LevelInfo + 2},
		{in: "verbose", wantErr: true},
	}
	for _, tt := range tests {
		h, err := NewHandler(&bytes.Buffer{}, tt.in, FormatText)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NewHandler(%q) error = nil, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NewHandler(%q) error = %v", tt.in, err)
		}
		if !h.Enabled(context.Background(), tt.want) || h.Enabled(context.Background(), tt.want-1) {
			t.Errorf("NewHandler(%q) does not enable exactly %v and above", tt.in, tt.want)
		}
	}
}

func TestNewHandlerJSON(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, LevelInfo, FormatJSON)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	slog.New(h).Info("Release started.", "release", "abc")

	out := buf.String()
	if !strings.HasPrefix(out, "{") || !strings.Contains(out, `"release":"abc"`) {
		t.Fatalf("output = %q, want JSON object with release attribute", out)
	}
}

func TestNewHandlerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, LevelDebug, FormatText)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	slog.New(h).With("component", "notify").Debug("Sending.",
		"telegram_token", "123:abc", "DOCKER_PASSWORD", "hunter2", "host", "203.0.113.10", "ssh_key", true)

	out := buf.String()
	for _, leaked := range []string{"123:abc", "hunter2"} {
		if strings.Contains(out, leaked) {
			t.Errorf("secret %q leaked: %s", leaked, out)
		}
	}
	if !strings.Contains(out, "host=203.0.113.10") || !strings.Contains(out, "telegram_token="+redacted) || !strings.Contains(out, "ssh_key=true") {
		t.Errorf("output = %s", out)
	}
}

func TestNewHandlerRejectsUnknownFormat(t *testing.T) {
	if _, err := NewHandler(&bytes.Buffer{}, LevelInfo, "xml"); err == nil {
		t.Fatal("NewHandler() error = nil, want error")
	}
}
