package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cargochats/pkg/config"
	"cargochats/pkg/reply/types"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
)

const providerName = "openai"

// Client generates replies through the Responses API. Each tenant target may
// carry its own API key, so the SDK client is built per call.
type Client struct {
	baseOpts       []option.RequestOption
	fallbackKey    string
	defaultModel   string
	maxTokens      int64
	temperature    float64
	requestTimeout time.Duration
}

func New(replies config.RepliesConfig, providerCfg config.OpenAIProviderConfig) *Client {
	var opts []option.RequestOption
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(providerCfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(providerCfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	requestTimeout := time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	return &Client{
		baseOpts:       opts,
		fallbackKey:    ResolveAPIKey(providerCfg),
		defaultModel:   strings.TrimSpace(replies.Model),
		maxTokens:      int64(replies.MaxTokens),
		temperature:    replies.Temperature,
		requestTimeout: requestTimeout,
	}
}

func (c *Client) Name() string {
	return providerName
}

// HasFallbackKey reports whether targets without their own key can still be served.
func (c *Client) HasFallbackKey() bool {
	return c.fallbackKey != ""
}

// Health lists models with the process-wide key.
func (c *Client) Health(ctx context.Context) error {
	if c.fallbackKey == "" {
		return errors.New("no process-wide openai api key configured")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	client := osdk.NewClient(append(c.baseOpts, option.WithAPIKey(c.fallbackKey))...)
	if _, err := client.Models.List(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// Complete sends system prompt, history and the new user text as one
// stateless Responses call.
func (c *Client) Complete(ctx context.Context, target types.Target, conversation types.Conversation) (types.Result, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "complete", "target_id", target.ID)
	startedAt := time.Now()

	apiKey := strings.TrimSpace(target.APIKey)
	if apiKey == "" {
		apiKey = c.fallbackKey
	}
	if apiKey == "" {
		return types.Result{}, errors.New("api key is required")
	}

	prompt := strings.TrimSpace(conversation.Prompt)
	if prompt == "" {
		return types.Result{}, errors.New("prompt is required")
	}

	model := strings.TrimSpace(target.Model)
	if model == "" {
		model = c.defaultModel
	}
	normalizedModel, err := normalizeModel(model)
	if err != nil {
		return types.Result{}, err
	}

	params := responses.ResponseNewParams{
		Model: normalizedModel,
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: buildInput(conversation.History, prompt)},
		Store: osdk.Bool(false),
	}
	if system := strings.TrimSpace(conversation.System); system != "" {
		params.Instructions = osdk.String(system)
	}
	if c.maxTokens > 0 {
		params.MaxOutputTokens = osdk.Int(c.maxTokens)
	}
	if c.temperature > 0 {
		params.Temperature = osdk.Float(c.temperature)
	}

	log.Debug("provider request started",
		"model", normalizedModel,
		"history_messages", len(conversation.History),
		"prompt_length", len(prompt),
	)

	client := osdk.NewClient(append(c.baseOpts, option.WithAPIKey(apiKey))...)
	response, err := client.Responses.New(ctx, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return types.Result{}, fmt.Errorf("prompt failed: %w", err)
	}

	text := strings.TrimSpace(response.OutputText())
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text))

	usage := types.TokenUsage{
		InputTokens:     response.Usage.InputTokens,
		OutputTokens:    response.Usage.OutputTokens,
		TotalTokens:     response.Usage.TotalTokens,
		ReasoningTokens: response.Usage.OutputTokensDetails.ReasoningTokens,
		CacheReadTokens: response.Usage.InputTokensDetails.CachedTokens,
	}
	metadata := types.Metadata{Provider: providerName, Model: normalizedModel}
	if !usage.IsZero() {
		metadata.Usage = &usage
	}

	return types.Result{Text: text, Metadata: metadata}, nil
}

func buildInput(history []types.Message, prompt string) responses.ResponseInputParam {
	items := make(responses.ResponseInputParam, 0, len(history)+1)
	for _, msg := range history {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		items = append(items, responses.ResponseInputItemParamOfMessage(content, inputRole(msg.Role)))
	}
	return append(items, responses.ResponseInputItemParamOfMessage(prompt, responses.EasyInputMessageRoleUser))
}

func inputRole(role types.Role) responses.EasyInputMessageRole {
	switch role {
	case types.RoleAssistant:
		return responses.EasyInputMessageRoleAssistant
	case types.RoleSystem:
		return responses.EasyInputMessageRoleSystem
	default:
		return responses.EasyInputMessageRoleUser
	}
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "reply.openai")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

// ResolveAPIKey reads the process-wide key from the configured env var, then
// OPENAI_API_KEY.
func ResolveAPIKey(cfg config.OpenAIProviderConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model is required")
	}

	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 {
		return model, nil
	}

	providerID := strings.TrimSpace(parts[0])
	modelID := strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if providerID != "openai" {
		return "", fmt.Errorf("model provider %q is not supported by openai provider", providerID)
	}

	return modelID, nil
}
