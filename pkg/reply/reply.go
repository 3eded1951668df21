// Package reply turns one inbound chat message into reply text: it resolves the
// tenant's reply target, loads recent chat history and calls a backend.
package reply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"cargochats/pkg/reply/types"
)

// Canned replies returned without calling a backend.
const (
	ReplyEmptyMessage  = "Empty message."
	ReplyNotConfigured = "Reply generation is not configured for this bot."
	ReplyNoAPIKey      = "API key not found or resource disabled."
	ReplyEmptyModel    = "Empty reply from model."
)

// Request carries one inbound message and the account context it arrived on.
type Request struct {
	AccountID      int64
	TenantID       int64
	ChatID         int64
	MessageID      int64
	ReplyTargetRef *int64
	Text           string
}

// Generator produces reply text. Implementations must be safe for concurrent
// use across accounts.
type Generator interface {
	GenerateReply(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

func (f GeneratorFunc) GenerateReply(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

type TargetResolver interface {
	ReplyTarget(ctx context.Context, tenantID, targetID int64) (types.Target, bool, error)
}

type HistoryLoader interface {
	History(ctx context.Context, accountID, chatID int64, pairs int, excludeMessageID int64) ([]types.Message, error)
}

// StaticTarget resolves every reference to the same target.
type StaticTarget types.Target

func (t StaticTarget) ReplyTarget(context.Context, int64, int64) (types.Target, bool, error) {
	return types.Target(t), true, nil
}

type Options struct {
	// RequireKey makes a target without its own API key resolve to ReplyNoAPIKey.
	RequireKey          bool
	DefaultSystemPrompt string
	HistoryPairsLimit   int
}

// Service is the default Generator.
type Service struct {
	backend types.Backend
	targets TargetResolver
	history HistoryLoader
	opts    Options
	log     *slog.Logger
}

func NewService(backend types.Backend, targets TargetResolver, history HistoryLoader, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.HistoryPairsLimit <= 0 {
		opts.HistoryPairsLimit = types.MaxHistoryPairs
	}

	return &Service{
		backend: backend,
		targets: targets,
		history: history,
		opts:    opts,
		log:     log.With("component", "reply.service", "backend", backend.Name()),
	}
}

func (s *Service) GenerateReply(ctx context.Context, req Request) (string, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return ReplyEmptyMessage, nil
	}
	if req.ReplyTargetRef == nil || s.targets == nil {
		return ReplyNotConfigured, nil
	}

	target, ok, err := s.targets.ReplyTarget(ctx, req.TenantID, *req.ReplyTargetRef)
	if err != nil {
		return "", fmt.Errorf("resolve reply target: %w", err)
	}
	if !ok || (s.opts.RequireKey && target.APIKey == "") {
		return ReplyNoAPIKey, nil
	}

	log := s.log.With("account_id", req.AccountID, "chat_id", req.ChatID, "target_id", target.ID)

	var history []types.Message
	pairs := min(types.ClampHistoryPairs(target.HistoryPairs), s.opts.HistoryPairsLimit)
	if pairs > 0 && s.history != nil && req.ChatID != 0 {
		loaded, err := s.history.History(ctx, req.AccountID, req.ChatID, pairs, req.MessageID)
		if err != nil {
			log.Warn("Failed to load chat history", "error", err)
		} else {
			history = NormalizeHistory(loaded, pairs*2)
		}
	}

	system := strings.TrimSpace(target.SystemPrompt)
	if system == "" {
		system = s.opts.DefaultSystemPrompt
	}

	result, err := s.backend.Complete(ctx, target, types.Conversation{
		Key:     fmt.Sprintf("%d:%d:%d", req.AccountID, req.ChatID, target.ID),
		System:  system,
		History: history,
		Prompt:  text,
	})
	if err != nil {
		return "", err
	}

	if result.Metadata.Usage != nil {
		log.Debug("Reply usage",
			"model", result.Metadata.Model,
			"input_tokens", result.Metadata.Usage.InputTokens,
			"output_tokens", result.Metadata.Usage.OutputTokens,
		)
	}

	out := strings.TrimSpace(result.Text)
	if out == "" {
		return ReplyEmptyModel, nil
	}
	return out, nil
}

// NormalizeHistory drops empty turns, trims to whole user/assistant pairs and
// keeps at most limit messages from the end.
func NormalizeHistory(messages []types.Message, limit int) []types.Message {
	out := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		out = append(out, msg)
	}

	if len(out)%2 == 1 {
		out = out[1:]
	}
	if len(out) > 0 && out[0].Role == types.RoleAssistant {
		out = out[1:]
	}
	if limit >= 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
