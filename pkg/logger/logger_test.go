package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"cargochats/pkg/config"
)

func TestLoggerJSONEntryShape(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("component", "supervisor.reconciler").Info("Runtime started", "account_id", int64(42), "ok", true)

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
	if entry.Message != "Runtime started" {
		t.Fatalf("message = %q, want %q", entry.Message, "Runtime started")
	}
	if entry.Component != "supervisor.reconciler" {
		t.Fatalf("component = %q, want %q", entry.Component, "supervisor.reconciler")
	}
	if entry.Timestamp == "" {
		t.Fatal("expected timestamp")
	}
	if entry.AccountID != 42 {
		t.Fatalf("account_id = %d, want 42", entry.AccountID)
	}
	if _, ok := entry.Fields["account_id"]; ok {
		t.Fatal("account_id should be promoted out of fields")
	}
	if got := entry.Fields["ok"]; got != true {
		t.Fatalf("fields.ok = %v, want true", got)
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
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envLogFormat, "text")
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

func unsetLoggingEnv(t *testing.T) {
	t.Helper()
	_ = os.Unsetenv(envLogLevel)
	_ = os.Unsetenv(envLogFormat)
	_ = os.Unsetenv(envLogAddSource)
}

func TestLoggerRejectsUnknownLevel(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	if _, err := newWithWriter(config.LoggingConfig{Level: "chatty"}, &out); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLoggerGroupedAttrs(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.WithGroup("runtime").Info("Grouped", "state", "running")

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if got := entry.Fields["runtime.state"]; got != "running" {
		t.Fatalf("fields[runtime.state] = %v, want running", got)
	}
}

func TestLoggerPromotesAccountIdentity(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "debug"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("component", "supervisor.runtime", "account_id", int64(3), "tenant_id", int64(100)).
		Debug("Received message", "chat_id", int64(-42), "message_id", int64(9), "account_id_hint", "x")

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if entry.AccountID != 3 || entry.TenantID != 100 || entry.ChatID != -42 {
		t.Fatalf("identity = %d/%d/%d, want 3/100/-42", entry.AccountID, entry.TenantID, entry.ChatID)
	}
	if got := entry.Fields["message_id"]; got != float64(9) {
		t.Fatalf("fields.message_id = %v, want 9", got)
	}
	if len(entry.Fields) != 2 {
		t.Fatalf("fields = %v, want message_id and account_id_hint only", entry.Fields)
	}
}

func TestLoggerKeepsNonNumericIdentityInFields(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Odd id", "account_id", "local")

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if entry.AccountID != 0 {
		t.Fatalf("account_id = %d, want 0", entry.AccountID)
	}
	if got := entry.Fields["account_id"]; got != "local" {
		t.Fatalf("fields.account_id = %v, want local", got)
	}
}

func TestLoggerRejectsUnknownFormat(t *testing.T) {
	unsetLoggingEnv(t)

	if _, err := newWithWriter(config.LoggingConfig{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
