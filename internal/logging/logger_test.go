package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConsoleShowsInfoButNotDebug(t *testing.T) {
	var console bytes.Buffer
	logger, err := NewLogger(Config{EnableDebug: true, Console: &console})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Close()

	logger.Debug().Msg("hidden-debug-line")
	logger.Info().Msg("visible-info-line")

	out := console.String()
	if strings.Contains(out, "hidden-debug-line") {
		t.Errorf("Expected debug output to stay off the console, got %q", out)
	}
	if !strings.Contains(out, "visible-info-line") {
		t.Errorf("Expected info output on the console, got %q", out)
	}
}

func TestFileReceivesDebugOnlyWhenEnabled(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "gachatap.log")

	logger, err := NewLogger(Config{LogFile: logFile, MaxSizeMB: 1, Console: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Debug().Msg("first-debug")
	logger.SetDebug(true)
	if !logger.DebugEnabled() {
		t.Fatal("Expected debug to be enabled after SetDebug(true)")
	}
	logger.Debug().Str("host", "example.com").Msg("second-debug")

	if err := logger.Close(); err != nil {
		t.Fatalf("Failed to close logger: %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	content := string(data)
	if strings.Contains(content, "first-debug") {
		t.Error("Expected debug line written before SetDebug to be dropped")
	}
	if !strings.Contains(content, "second-debug") || !strings.Contains(content, `"host":"example.com"`) {
		t.Errorf("Expected structured debug line in file, got %q", content)
	}
}

func TestChildSharesDebugSwitch(t *testing.T) {
	var console bytes.Buffer
	parent, err := NewLogger(Config{Console: &console})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	child := parent.With("session", "abc")
	if child.DebugEnabled() {
		t.Error("Expected child debug to start disabled")
	}

	parent.SetDebug(true)
	if !child.DebugEnabled() {
		t.Error("Expected child to follow parent's debug switch")
	}

	child.Info().Msg("from-child")
	if !strings.Contains(console.String(), "abc") {
		t.Errorf("Expected child field in output, got %q", console.String())
	}
}

func TestGlobalLoggerDefaultsToNop(t *testing.T) {
	if L() == nil {
		t.Fatal("Expected a usable logger before initialization")
	}
	// Must not panic
	L().Info().Msg("ignored")
	L().Debug().Msg("ignored")
}
