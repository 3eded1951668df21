package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"

	"cargochats/pkg/config"
)

const (
	defaultFormat = "text"
	defaultLevel  = "info"

	envLogFormat    = "CARGOCHATS_LOG_FORMAT"
	envLogLevel     = "CARGOCHATS_LOG_LEVEL"
	envLogAddSource = "CARGOCHATS_LOG_ADD_SOURCE"
)

// LogEntry is one JSON log line. Account and tenant identity are promoted out
// of Fields so per-account lines can be filtered without parsing nested data.
type LogEntry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	AccountID int64          `json:"account_id,omitempty"`
	TenantID  int64          `json:"tenant_id,omitempty"`
	ChatID    int64          `json:"chat_id,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

// settings is the resolved logging configuration after env overrides.
type settings struct {
	format    string
	level     slog.Level
	addSource bool
}

func resolve(cfg config.LoggingConfig) (settings, error) {
	format := firstNonEmpty(os.Getenv(envLogFormat), cfg.Format, defaultFormat)
	if format != "json" && format != "text" {
		return settings{}, fmt.Errorf("unsupported log format %q", format)
	}

	level, err := parseLevel(firstNonEmpty(os.Getenv(envLogLevel), cfg.Level, defaultLevel))
	if err != nil {
		return settings{}, err
	}

	addSource := cfg.AddSource
	if env := strings.TrimSpace(os.Getenv(envLogAddSource)); env != "" {
		addSource = parseBool(env)
	}

	return settings{format: format, level: level, addSource: addSource}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if v := strings.ToLower(strings.TrimSpace(value)); v != "" {
			return v
		}
	}
	return ""
}

// New builds the process logger: charmbracelet/log for text, entryHandler for
// json.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	if s.format == "json" {
		return slog.New(&entryHandler{
			level:     s.level,
			addSource: s.addSource,
			writer:    writer,
			mu:        &sync.Mutex{},
		}), nil
	}

	return slog.New(charmLog.NewWithOptions(writer, charmLog.Options{
		Level:           charmLevel(s.level),
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		ReportCaller:    s.addSource,
		Formatter:       charmLog.TextFormatter,
		Prefix:          "cargochats",
	})), nil
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

func parseLevel(levelText string) (slog.Level, error) {
	switch levelText {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", levelText)
	}
}

func parseBool(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

type entryHandler struct {
	level     slog.Level
	addSource bool
	writer    io.Writer
	attrs     []slog.Attr
	groups    []string
	mu        *sync.Mutex
}

func (h *entryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *entryHandler) Handle(_ context.Context, record slog.Record) error {
	at := record.Time
	if at.IsZero() {
		at = time.Now()
	}
	entry := LogEntry{
		Level:     strings.ToLower(record.Level.String()),
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Message:   record.Message,
	}

	fields := make(map[string]any)
	for _, attr := range h.attrs {
		entry.apply(fields, h.groups, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		entry.apply(fields, h.groups, attr)
		return true
	})
	if len(fields) > 0 {
		entry.Fields = fields
	}

	if h.addSource {
		entry.Caller = callerFromRecord(record)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.writer.Write(append(line, '\n'))
	return err
}

func (h *entryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *entryHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}

// apply promotes identity attrs onto the entry and files the rest under
// fields. Grouped attrs are never promoted.
func (e *LogEntry) apply(fields map[string]any, groups []string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	if len(groups) > 0 {
		fields[strings.Join(append(append([]string{}, groups...), attr.Key), ".")] = attrValue(attr.Value)
		return
	}

	switch attr.Key {
	case "component":
		if attr.Value.Kind() == slog.KindString {
			e.Component = attr.Value.String()
			return
		}
	case "account_id":
		if id, ok := int64Value(attr.Value); ok {
			e.AccountID = id
			return
		}
	case "tenant_id":
		if id, ok := int64Value(attr.Value); ok {
			e.TenantID = id
			return
		}
	case "chat_id":
		if id, ok := int64Value(attr.Value); ok {
			e.ChatID = id
			return
		}
	}

	fields[attr.Key] = attrValue(attr.Value)
}

func int64Value(value slog.Value) (int64, bool) {
	switch value.Kind() {
	case slog.KindInt64:
		return value.Int64(), true
	case slog.KindUint64:
		return int64(value.Uint64()), true
	default:
		return 0, false
	}
}

func callerFromRecord(record slog.Record) string {
	if record.PC == 0 {
		return ""
	}

	frame, _ := runtime.CallersFrames([]uintptr{record.PC}).Next()
	if frame.File == "" {
		return ""
	}

	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}

func attrValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindString:
		return value.String()
	case slog.KindInt64:
		return value.Int64()
	case slog.KindUint64:
		return value.Uint64()
	case slog.KindFloat64:
		return value.Float64()
	case slog.KindBool:
		return value.Bool()
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := value.Group()
		result := make(map[string]any, len(group))
		for _, item := range group {
			result[item.Key] = attrValue(item.Value.Resolve())
		}
		return result
	case slog.KindAny:
		return value.Any()
	default:
		return value.String()
	}
}
