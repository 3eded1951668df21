package opencode

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"cargochats/pkg/config"
	"cargochats/pkg/reply/types"

	sdk "github.com/sst/opencode-sdk-go"
	"github.com/sst/opencode-sdk-go/option"
)

const providerName = "opencode"

// Client relays replies through an OpenCode server. The server keeps chat
// history itself, so one OpenCode session is held per conversation key.
type Client struct {
	client         *sdk.Client
	requestTimeout time.Duration
	defaultModel   string

	mu       sync.Mutex
	sessions map[string]string
}

type healthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

func New(replies config.RepliesConfig, providerCfg config.OpenCodeProviderConfig) (*Client, error) {
	baseURL := strings.TrimSpace(providerCfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("providers.opencode.base_url is required")
	}

	opts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if authHeader, ok := buildBasicAuthHeader(providerCfg); ok {
		opts = append(opts, option.WithHeader("Authorization", authHeader))
	}

	return &Client{
		client:         sdk.NewClient(opts...),
		requestTimeout: time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second,
		defaultModel:   strings.TrimSpace(replies.Model),
		sessions:       make(map[string]string),
	}, nil
}

func (c *Client) Name() string {
	return providerName
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "health")
	startedAt := time.Now()
	log.Debug("provider request started")

	var response healthResponse
	if err := c.client.Get(ctx, "/global/health", nil, &response); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	if !response.Healthy {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "server unhealthy")
		return errors.New("opencode server reported unhealthy status")
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "version", response.Version)
	return nil
}

// Complete prompts the conversation's OpenCode session, creating it first when
// needed. A new session receives the system prompt as a leading text part.
func (c *Client) Complete(ctx context.Context, target types.Target, conversation types.Conversation) (types.Result, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "complete", "conversation", conversation.Key)
	startedAt := time.Now()

	prompt := strings.TrimSpace(conversation.Prompt)
	if prompt == "" {
		return types.Result{}, errors.New("prompt is required")
	}

	sessionID, created, err := c.session(ctx, conversation.Key)
	if err != nil {
		return types.Result{}, err
	}

	parts := make([]sdk.SessionPromptParamsPartUnion, 0, 2)
	if system := strings.TrimSpace(conversation.System); created && system != "" {
		parts = append(parts, textPart(system))
	}
	parts = append(parts, textPart(prompt))

	params := sdk.SessionPromptParams{Parts: sdk.F(parts)}

	model := strings.TrimSpace(target.Model)
	if model == "" {
		model = c.defaultModel
	}
	if providerID, modelID, ok := parseModelRef(model); ok {
		params.Model = sdk.F(sdk.SessionPromptParamsModel{
			ProviderID: sdk.F(providerID),
			ModelID:    sdk.F(modelID),
		})
	}

	log.Debug("provider request started", "session_id", sessionID, "model", model, "prompt_length", len(prompt))

	response, err := c.client.Session.Prompt(ctx, sessionID, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		c.forget(conversation.Key)
		return types.Result{}, fmt.Errorf("prompt failed: %w", err)
	}

	text := extractText(response.Parts)
	log.Debug("provider request completed",
		"duration_ms", time.Since(startedAt).Milliseconds(),
		"response_length", len(text),
		"parts_count", len(response.Parts),
	)

	usage := types.TokenUsage{
		InputTokens:     tokenCount(response.Info.Tokens.Input),
		OutputTokens:    tokenCount(response.Info.Tokens.Output),
		TotalTokens:     tokenCount(response.Info.Tokens.Input) + tokenCount(response.Info.Tokens.Output),
		ReasoningTokens: tokenCount(response.Info.Tokens.Reasoning),
		CacheReadTokens: tokenCount(response.Info.Tokens.Cache.Read),
	}
	var usagePtr *types.TokenUsage
	if !usage.IsZero() {
		usagePtr = &usage
	}

	return types.Result{
		Text: text,
		Metadata: types.Metadata{
			Provider: strings.TrimSpace(response.Info.ProviderID),
			Model:    strings.TrimSpace(response.Info.ModelID),
			Usage:    usagePtr,
		},
	}, nil
}

// session returns the cached session for key or creates one. An empty key
// always creates a fresh, uncached session.
func (c *Client) session(ctx context.Context, key string) (string, bool, error) {
	if key != "" {
		c.mu.Lock()
		id, ok := c.sessions[key]
		c.mu.Unlock()
		if ok {
			return id, false, nil
		}
	}

	params := sdk.SessionNewParams{}
	if key != "" {
		params.Title = sdk.F(key)
	}

	session, err := c.client.Session.New(ctx, params)
	if err != nil {
		return "", false, fmt.Errorf("create session failed: %w", err)
	}
	if session.ID == "" {
		return "", false, errors.New("create session returned empty session id")
	}

	if key != "" {
		c.mu.Lock()
		c.sessions[key] = session.ID
		c.mu.Unlock()
	}
	return session.ID, true, nil
}

func (c *Client) forget(key string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	delete(c.sessions, key)
	c.mu.Unlock()
}

func textPart(text string) sdk.TextPartInputParam {
	return sdk.TextPartInputParam{
		Type: sdk.F(sdk.TextPartInputTypeText),
		Text: sdk.F(text),
	}
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "reply.opencode")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

func buildBasicAuthHeader(cfg config.OpenCodeProviderConfig) (string, bool) {
	passwordEnv := strings.TrimSpace(cfg.PasswordEnv)
	if passwordEnv == "" {
		return "", false
	}

	password := strings.TrimSpace(os.Getenv(passwordEnv))
	if password == "" {
		return "", false
	}

	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = "opencode"
	}

	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return "Basic " + token, true
}

func parseModelRef(input string) (providerID string, modelID string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(input), "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}

	providerID = strings.TrimSpace(parts[0])
	modelID = strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", "", false
	}

	return providerID, modelID, true
}

func extractText(parts []sdk.Part) string {
	var lines []string
	for _, part := range parts {
		if part.Type == sdk.PartTypeText {
			text := strings.TrimSpace(part.Text)
			if text != "" {
				lines = append(lines, text)
			}
		}
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func tokenCount(value float64) int64 {
	if value <= 0 {
		return 0
	}

	return int64(math.Round(value))
}
