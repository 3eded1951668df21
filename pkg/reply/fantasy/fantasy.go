package fantasy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	core "charm.land/fantasy"
	provideropenai "charm.land/fantasy/providers/openai"

	"cargochats/pkg/config"
	replyopenai "cargochats/pkg/reply/openai"
	"cargochats/pkg/reply/types"
)

const providerName = "fantasy"

type languageModelProvider interface {
	LanguageModel(ctx context.Context, modelID string) (core.LanguageModel, error)
}

// Client runs each reply as a single fantasy agent generation against an
// OpenAI language model keyed by the tenant's API key.
type Client struct {
	newProvider     func(apiKey string) (languageModelProvider, error)
	fallbackKey     string
	defaultModel    string
	requestTimeout  time.Duration
	maxOutputTokens *int64
	temperature     *float64
	generate        func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error)
}

func New(replies config.RepliesConfig, providerCfg config.OpenAIProviderConfig) (*Client, error) {
	if _, err := normalizeOpenAIModel(replies.Model); err != nil {
		return nil, err
	}

	var providerOptions []provideropenai.Option
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		providerOptions = append(providerOptions, provideropenai.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(providerCfg.Organization); organization != "" {
		providerOptions = append(providerOptions, provideropenai.WithOrganization(organization))
	}
	if project := strings.TrimSpace(providerCfg.Project); project != "" {
		providerOptions = append(providerOptions, provideropenai.WithProject(project))
	}

	client := &Client{
		newProvider: func(apiKey string) (languageModelProvider, error) {
			opts := append([]provideropenai.Option{provideropenai.WithAPIKey(apiKey)}, providerOptions...)
			p, err := provideropenai.New(opts...)
			if err != nil {
				return nil, fmt.Errorf("initialize fantasy openai provider: %w", err)
			}
			return p, nil
		},
		fallbackKey:    replyopenai.ResolveAPIKey(providerCfg),
		defaultModel:   strings.TrimSpace(replies.Model),
		requestTimeout: time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second,
		generate:       generateWithFantasyAgent,
	}

	if replies.MaxTokens > 0 {
		maxTokens := int64(replies.MaxTokens)
		client.maxOutputTokens = &maxTokens
	}
	if replies.Temperature > 0 {
		temp := replies.Temperature
		client.temperature = &temp
	}

	return client, nil
}

func (c *Client) Name() string {
	return providerName
}

// HasFallbackKey reports whether targets without their own key can still be served.
func (c *Client) HasFallbackKey() bool {
	return c.fallbackKey != ""
}

func (c *Client) Complete(ctx context.Context, target types.Target, conversation types.Conversation) (types.Result, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

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
	modelID, err := normalizeOpenAIModel(model)
	if err != nil {
		return types.Result{}, err
	}

	provider, err := c.newProvider(apiKey)
	if err != nil {
		return types.Result{}, err
	}

	languageModel, err := provider.LanguageModel(ctx, modelID)
	if err != nil {
		return types.Result{}, fmt.Errorf("resolve language model: %w", err)
	}

	call := core.AgentCall{
		Prompt:   prompt,
		Messages: buildMessages(conversation.System, conversation.History),
	}
	if c.maxOutputTokens != nil {
		call.MaxOutputTokens = c.maxOutputTokens
	}
	if c.temperature != nil {
		call.Temperature = c.temperature
	}

	generate := c.generate
	if generate == nil {
		generate = generateWithFantasyAgent
	}

	result, err := generate(ctx, languageModel, call)
	if err != nil {
		return types.Result{}, fmt.Errorf("prompt failed: %w", err)
	}

	usage := types.TokenUsage{
		InputTokens:         result.TotalUsage.InputTokens,
		OutputTokens:        result.TotalUsage.OutputTokens,
		TotalTokens:         result.TotalUsage.TotalTokens,
		ReasoningTokens:     result.TotalUsage.ReasoningTokens,
		CacheCreationTokens: result.TotalUsage.CacheCreationTokens,
		CacheReadTokens:     result.TotalUsage.CacheReadTokens,
	}
	metadata := types.Metadata{Provider: "openai", Model: modelID}
	if !usage.IsZero() {
		metadata.Usage = &usage
	}

	return types.Result{
		Text:     extractText(result.Response.Content),
		Metadata: metadata,
	}, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func buildMessages(system string, history []types.Message) []core.Message {
	messages := make([]core.Message, 0, len(history)+1)
	if system = strings.TrimSpace(system); system != "" {
		messages = append(messages, textMessage(core.MessageRoleSystem, system))
	}

	for _, msg := range history {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		switch msg.Role {
		case types.RoleAssistant:
			messages = append(messages, textMessage(core.MessageRoleAssistant, content))
		case types.RoleSystem:
			messages = append(messages, textMessage(core.MessageRoleSystem, content))
		default:
			messages = append(messages, core.NewUserMessage(content))
		}
	}

	return messages
}

func textMessage(role core.MessageRole, text string) core.Message {
	return core.Message{
		Role: role,
		Content: []core.MessagePart{
			core.TextPart{Text: text},
		},
	}
}

func normalizeOpenAIModel(model string) (string, error) {
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
		return "", fmt.Errorf("model provider %q is not supported by fantasy openai provider", providerID)
	}

	return modelID, nil
}

func extractText(content core.ResponseContent) string {
	lines := make([]string, 0)
	for _, part := range content {
		if part.GetType() != core.ContentTypeText {
			continue
		}

		textPart, ok := core.AsContentType[core.TextContent](part)
		if !ok {
			continue
		}

		line := strings.TrimSpace(textPart.Text)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func generateWithFantasyAgent(ctx context.Context, model core.LanguageModel, call core.AgentCall) (*core.AgentResult, error) {
	runtime := core.NewAgent(model)
	return runtime.Generate(ctx, call)
}
