package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"cargochats/pkg/config"
	"cargochats/pkg/logger"
	"cargochats/pkg/reply"
	"cargochats/pkg/reply/types"

	"github.com/spf13/cobra"
)

const localChatID = 1

var (
	promptText   string
	replyAPIKey  string
	replyModel   string
	replySystem  string
	replyHistory int
)

var replyCmd = &cobra.Command{
	Use:   "reply [message]",
	Short: "Generate a reply locally or start an interactive chat",
	Long:  "Runs one message (or an interactive chat) through the configured reply backend exactly as a bot account would, without Telegram.",
	Run: func(cmd *cobra.Command, args []string) {
		prompt := resolvePrompt(args)

		cfg, err := loadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}

		history := &memoryHistory{}
		generator, err := reply.New(cfg, localTarget(cfg), history, appLogger.With("component", "cmd.reply"))
		if err != nil {
			fmt.Printf("failed to initialize reply backend: %v\n", err)
			return
		}

		chat := &localChat{generator: generator, history: history}
		ctx := context.Background()
		if prompt != "" {
			response, err := chat.send(ctx, prompt)
			if err != nil {
				fmt.Printf("reply failed: %v\n", err)
				return
			}
			fmt.Println(response)
			return
		}

		runInteractive(ctx, chat, os.Stdin)
	},
}

func init() {
	rootCmd.AddCommand(replyCmd)
	replyCmd.Flags().StringVarP(&promptText, "prompt", "p", "", "message text to send")
	replyCmd.Flags().StringVar(&replyAPIKey, "api-key", "", "API key for the reply target (default: provider fallback key)")
	replyCmd.Flags().StringVar(&replyModel, "model", "", "model override")
	replyCmd.Flags().StringVar(&replySystem, "system-prompt", "", "system prompt override")
	replyCmd.Flags().IntVar(&replyHistory, "history-pairs", 10, "prior exchanges kept in interactive mode")
}

func localTarget(cfg *config.Config) reply.StaticTarget {
	model := strings.TrimSpace(replyModel)
	if model == "" {
		model = cfg.Replies.Model
	}

	apiKey := strings.TrimSpace(replyAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv(cfg.Providers.OpenAI.APIKeyEnv))
	}

	return reply.StaticTarget{
		ID:           1,
		APIKey:       apiKey,
		Model:        model,
		SystemPrompt: strings.TrimSpace(replySystem),
		HistoryPairs: types.ClampHistoryPairs(replyHistory),
	}
}

// localChat drives the generator the way a runtime would for one chat.
type localChat struct {
	generator reply.Generator
	history   *memoryHistory
	nextID    int64
}

func (c *localChat) send(ctx context.Context, text string) (string, error) {
	c.nextID++
	targetRef := int64(1)

	response, err := c.generator.GenerateReply(ctx, reply.Request{
		ChatID:         localChatID,
		MessageID:      c.nextID,
		ReplyTargetRef: &targetRef,
		Text:           text,
	})
	if err != nil {
		return "", err
	}

	c.history.record(text, response)
	return response, nil
}

// memoryHistory keeps the local chat's exchanges for the reply backend.
type memoryHistory struct {
	mu       sync.Mutex
	messages []types.Message
}

func (h *memoryHistory) History(_ context.Context, _, _ int64, pairs int, _ int64) ([]types.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	limit := pairs * 2
	start := max(0, len(h.messages)-limit)
	return append([]types.Message(nil), h.messages[start:]...), nil
}

func (h *memoryHistory) record(in, out string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages,
		types.Message{Role: types.RoleUser, Content: in},
		types.Message{Role: types.RoleAssistant, Content: out},
	)
}

func resolvePrompt(args []string) string {
	if value := strings.TrimSpace(promptText); value != "" {
		return value
	}

	if len(args) == 0 {
		return ""
	}

	return strings.TrimSpace(strings.Join(args, " "))
}

func runInteractive(ctx context.Context, chat *localChat, input io.Reader) {
	scanner := bufio.NewScanner(input)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				fmt.Printf("input error: %v\n", err)
			}
			return
		}

		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}
		if isExitCommand(prompt) {
			return
		}

		response, err := chat.send(ctx, prompt)
		if err != nil {
			fmt.Printf("reply failed: %v\n", err)
			continue
		}

		printAssistantMessage(response)
	}
}

func printAssistantMessage(message string) {
	lines := assistantLines(message)
	for _, line := range lines {
		fmt.Printf("bot> %s\n", line)
	}
	if len(lines) > 0 {
		fmt.Println()
	}
}

func assistantLines(message string) []string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "\n")
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", ":q":
		return true
	default:
		return false
	}
}
