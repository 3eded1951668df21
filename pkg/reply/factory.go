package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"cargochats/pkg/config"
	replyfantasy "cargochats/pkg/reply/fantasy"
	replyopenai "cargochats/pkg/reply/openai"
	"cargochats/pkg/reply/opencode"
	"cargochats/pkg/reply/profile"
	"cargochats/pkg/reply/types"
)

type healthChecker interface {
	Health(ctx context.Context) error
}

// New resolves the configured backend and wraps it in a Service.
func New(cfg *config.Config, targets TargetResolver, history HistoryLoader, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}

	providerID := strings.ToLower(strings.TrimSpace(cfg.Replies.Provider))
	if providerID == "" {
		providerID = "openai"
	}
	log.With("component", "reply.factory").Debug("Resolving reply backend", "provider", providerID)

	var (
		backend    types.Backend
		requireKey bool
	)
	switch providerID {
	case "openai":
		client := replyopenai.New(cfg.Replies, cfg.Providers.OpenAI)
		backend, requireKey = client, !client.HasFallbackKey()
	case "fantasy":
		client, err := replyfantasy.New(cfg.Replies, cfg.Providers.OpenAI)
		if err != nil {
			return nil, err
		}
		backend, requireKey = client, !client.HasFallbackKey()
	case "opencode":
		client, err := opencode.New(cfg.Replies, cfg.Providers.OpenCode)
		if err != nil {
			return nil, err
		}
		backend = client
	default:
		return nil, fmt.Errorf("unsupported reply provider: %s", providerID)
	}

	systemPrompt, err := profile.ResolveSystemPrompt(providerID)
	if err != nil {
		return nil, err
	}

	return NewService(backend, targets, history, Options{
		RequireKey:          requireKey,
		DefaultSystemPrompt: systemPrompt,
		HistoryPairsLimit:   cfg.Replies.HistoryPairsLimit,
	}, log), nil
}

// Health probes the backend when it supports a health check.
func (s *Service) Health(ctx context.Context) error {
	checker, ok := s.backend.(healthChecker)
	if !ok {
		return errors.ErrUnsupported
	}
	return checker.Health(ctx)
}
