package main

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/localrecall/localrecall/internal/models"
)

func TestReorderArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected []string
	}{
		{
			name:     "flags after query are moved first",
			args:     []string{"goroutine leaks", "-k", "3"},
			expected: []string{"-k", "3", "goroutine leaks"},
		},
		{
			name:     "flags first returns unchanged",
			args:     []string{"-k", "3", "goroutine leaks"},
			expected: []string{"-k", "3", "goroutine leaks"},
		},
		{
			name:     "query only returns unchanged",
			args:     []string{"goroutine leaks"},
			expected: []string{"goroutine leaks"},
		},
		{
			name:     "empty args returns unchanged",
			args:     []string{},
			expected: []string{},
		},
		{
			name:     "multiple positionals then flags",
			args:     []string{"one", "two", "-stream"},
			expected: []string{"-stream", "one", "two"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reorderArgs(tt.args)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("reorderArgs() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRenderStreamEventTerminatesOnErrorEvent(t *testing.T) {
	var buf bytes.Buffer

	done, err := renderStreamEvent(&buf, models.StreamEvent{Type: models.StreamEventChunk, Content: "partial "})
	if done || err != nil {
		t.Fatalf("chunk event: done=%v err=%v", done, err)
	}
	done, err = renderStreamEvent(&buf, models.StreamEvent{Type: models.StreamEventError, Content: "model exploded"})
	if !done {
		t.Error("error event must be terminal")
	}
	if err == nil || !strings.Contains(err.Error(), "model exploded") {
		t.Errorf("expected the error event's cause, got %v", err)
	}
	if buf.String() != "partial " {
		t.Errorf("unexpected output: %q", buf.String())
	}
}

func TestRenderStreamEventDone(t *testing.T) {
	var buf bytes.Buffer
	done, err := renderStreamEvent(&buf, models.StreamEvent{Type: models.StreamEventDone})
	if !done || err != nil {
		t.Errorf("done event: done=%v err=%v", done, err)
	}
}

func TestPrintStreamEventsStopsAtTerminalEvent(t *testing.T) {
	events := make(chan models.StreamEvent, 3)
	events <- models.StreamEvent{Type: models.StreamEventChunk, Content: "a"}
	events <- models.StreamEvent{Type: models.StreamEventError, Content: "boom"}
	events <- models.StreamEvent{Type: models.StreamEventChunk, Content: "never rendered"}
	close(events)

	if err := printStreamEvents(events); err == nil {
		t.Error("expected the error event to surface")
	}
}

func TestLoadConfigMissingDefaultUsesDefaults(t *testing.T) {
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatalf("loadConfig with missing default should not fail: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
}

func TestLoadConfigMissingExplicitPathFails(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config path")
	}
}
