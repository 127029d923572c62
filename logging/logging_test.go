package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/risa-org/wspipe/config"
)

func TestSetupJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "wspipe.log")

	log, closer, err := Setup(config.LogConfig{
		Level:   "info",
		Format:  "json",
		Outputs: []string{path},
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	log.Debug().Msg("hidden")
	log.Info().Str("conn", "abc").Msg("connected")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line (debug filtered), got %d: %q", len(lines), data)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if entry["message"] != "connected" || entry["conn"] != "abc" || entry["level"] != "info" {
		t.Errorf("unexpected entry %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected a timestamp")
	}
}

func TestSetupRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotated.log")

	log, closer, err := Setup(config.LogConfig{
		Level:    "debug",
		Format:   "console",
		Outputs:  []string{path},
		Rotation: config.RotationConfig{Enable: true, MaxSizeMB: 1, MaxBackups: 1},
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	log.Debug().Msg("through lumberjack")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "through lumberjack") {
		t.Errorf("message missing from rotated file: %q", data)
	}
	if strings.Contains(string(data), "\x1b[") {
		t.Error("file output should not be colored")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		got, err := parseLevel(in)
		if err != nil {
			t.Errorf("parseLevel(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}

	if _, err := parseLevel("chatty"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestSetupBadLevel(t *testing.T) {
	if _, _, err := Setup(config.LogConfig{Level: "chatty"}); err == nil {
		t.Fatal("expected error")
	}
}
