package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"eventbot/pkg/config"
)

func TestLoggerJSONEntryShape(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("component", "session").Info("Dispatch event", "task_id", "42", "ok", true)

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	if entry.Level != "info" {
		t.Fatalf("level = %q, want %q", entry.Level, "info")
	}
	if entry.Message != "Dispatch event" {
		t.Fatalf("message = %q, want %q", entry.Message, "Dispatch event")
	}
	if entry.Component != "session" {
		t.Fatalf("component = %q, want %q", entry.Component, "session")
	}
	if entry.Timestamp == "" {
		t.Fatal("expected timestamp")
	}
	if got := entry.Fields["task_id"]; got != "42" {
		t.Fatalf("fields.task_id = %v, want %q", got, "42")
	}
	if got := entry.Fields["ok"]; got != true {
		t.Fatalf("fields.ok = %v, want true", got)
	}
}

func TestLoggerPromotesDispatchAttributes(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("component", "dispatch.registry", "category", "GroupMessage").
		Error("Task failed", "task", "dispatch:GroupMessage", "task_id", "7")

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	if entry.Category != "GroupMessage" {
		t.Fatalf("category = %q, want %q", entry.Category, "GroupMessage")
	}
	if entry.Task != "dispatch:GroupMessage" {
		t.Fatalf("task = %q, want %q", entry.Task, "dispatch:GroupMessage")
	}
	if _, ok := entry.Fields["category"]; ok {
		t.Fatalf("category left in fields: %v", entry.Fields)
	}
	if got := entry.Fields["task_id"]; got != "7" {
		t.Fatalf("fields.task_id = %v, want %q", got, "7")
	}
}

func TestLoggerKeepsGroupedKeysInFields(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.WithGroup("job").Info("Running job", "task", "tick")

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if entry.Task != "" || entry.Fields["job.task"] != "tick" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Ignored")
	if got := strings.TrimSpace(out.String()); got != "" {
		t.Fatalf("expected no output for info, got %q", got)
	}

	log.Error("Kept")
	if got := strings.TrimSpace(out.String()); got == "" {
		t.Fatal("expected output for error")
	}
}

func TestLoggerEnvironmentOverrides(t *testing.T) {
	t.Setenv("EVENTBOT_LOG_LEVEL", "debug")
	t.Setenv("EVENTBOT_LOG_FORMAT", "text")
	defer unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Debug("Debug enabled", "component", "test")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected debug output with env override")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format override, got %q", line)
	}
}

func TestLoggerDefaultsToTextFormat(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Default format")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format by default, got %q", line)
	}
}

func TestNewDisabledDiscardsOutput(t *testing.T) {
	unsetLoggingEnv(t)

	log, err := New(config.LoggingConfig{Disabled: true})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if log.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("expected disabled logger to drop every level")
	}
}

func TestNewWritesRotatingFile(t *testing.T) {
	unsetLoggingEnv(t)

	dir := filepath.Join(t.TempDir(), "logs")
	log, err := New(config.LoggingConfig{Format: "json", File: dir})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	log.Info("Written to file")

	content, err := os.ReadFile(filepath.Join(dir, logFileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "Written to file") {
		t.Fatalf("log file content = %q", content)
	}
}

func unsetLoggingEnv(t *testing.T) {
	t.Helper()
	_ = os.Unsetenv("EVENTBOT_LOG_LEVEL")
	_ = os.Unsetenv("EVENTBOT_LOG_FORMAT")
	_ = os.Unsetenv("EVENTBOT_LOG_ADD_SOURCE")
}
