package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"cargochats/pkg/account"
	"cargochats/pkg/store"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var (
	accountSeed     store.AccountSeed
	accountTargetID int64
	targetSeed      store.ReplyTargetSeed
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Inspect and edit bot accounts in the store",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every bot account and whether it is eligible",
	Run: func(cmd *cobra.Command, args []string) {
		withStore(func(ctx context.Context, st *store.Store) error {
			return listAccounts(ctx, st, cmd.OutOrStdout())
		})
	},
}

var accountsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a bot account",
	Run: func(cmd *cobra.Command, args []string) {
		seed := accountSeed
		if accountTargetID > 0 {
			ref := accountTargetID
			seed.ReplyTargetRef = &ref
		}
		withStore(func(ctx context.Context, st *store.Store) error {
			id, err := st.PutAccount(ctx, seed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created account %d\n", id)
			return nil
		})
	},
}

var accountsAddTargetCmd = &cobra.Command{
	Use:   "add-target",
	Short: "Create a reply target (model credentials and prompt)",
	Run: func(cmd *cobra.Command, args []string) {
		withStore(func(ctx context.Context, st *store.Store) error {
			id, err := st.PutReplyTarget(ctx, targetSeed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created reply target %d\n", id)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsListCmd, accountsAddCmd, accountsAddTargetCmd)

	for _, toggle := range []struct {
		use, short string
		apply      func(ctx context.Context, st *store.Store, id int64) error
	}{
		{"enable <account-id>", "Enable an account", func(ctx context.Context, st *store.Store, id int64) error {
			return st.SetAccountEnabled(ctx, id, true)
		}},
		{"disable <account-id>", "Disable an account", func(ctx context.Context, st *store.Store, id int64) error {
			return st.SetAccountEnabled(ctx, id, false)
		}},
		{"activate <account-id>", "Mark an account as activated", func(ctx context.Context, st *store.Store, id int64) error {
			return st.SetAccountActivated(ctx, id, true)
		}},
		{"deactivate <account-id>", "Clear an account's activation", func(ctx context.Context, st *store.Store, id int64) error {
			return st.SetAccountActivated(ctx, id, false)
		}},
	} {
		accountsCmd.AddCommand(&cobra.Command{
			Use:   toggle.use,
			Short: toggle.short,
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				id, err := parseAccountID(args[0])
				if err != nil {
					fmt.Println(err)
					return
				}
				withStore(func(ctx context.Context, st *store.Store) error {
					if err := toggle.apply(ctx, st, id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "account %d updated\n", id)
					return nil
				})
			},
		})
	}

	accountsCmd.AddCommand(&cobra.Command{
		Use:   "set-token <account-id> <bot-token>",
		Short: "Replace an account's bot token",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			id, err := parseAccountID(args[0])
			if err != nil {
				fmt.Println(err)
				return
			}
			withStore(func(ctx context.Context, st *store.Store) error {
				if err := st.SetAccountToken(ctx, id, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "account %d token replaced\n", id)
				return nil
			})
		},
	})

	flags := accountsAddCmd.Flags()
	flags.Int64Var(&accountSeed.TenantID, "tenant", 0, "tenant (company) id")
	flags.StringVar(&accountSeed.Code, "code", "", "human-readable account code")
	flags.StringVar(&accountSeed.BotToken, "token", "", "Telegram bot token")
	flags.StringVar(&accountSeed.APIURL, "api-url", "", "Bot API server override")
	flags.Int64Var(&accountTargetID, "reply-target", 0, "reply target id")
	flags.BoolVar(&accountSeed.Activated, "activated", true, "mark the account as activated")
	flags.BoolVar(&accountSeed.Disabled, "disabled", false, "create the account disabled")
	_ = accountsAddCmd.MarkFlagRequired("tenant")

	flags = accountsAddTargetCmd.Flags()
	flags.Int64Var(&targetSeed.TenantID, "tenant", 0, "tenant (company) id")
	flags.StringVar(&targetSeed.Code, "code", "", "human-readable target code")
	flags.StringVar(&targetSeed.APIKey, "api-key", "", "model API key")
	flags.StringVar(&targetSeed.Model, "model", "", "model id")
	flags.StringVar(&targetSeed.SystemPrompt, "system-prompt", "", "system prompt")
	flags.IntVar(&targetSeed.HistoryPairs, "history-pairs", 0, "prior exchanges to include")
	flags.BoolVar(&targetSeed.Disabled, "disabled", false, "create the target disabled")
	_ = accountsAddTargetCmd.MarkFlagRequired("tenant")
}

func withStore(fn func(ctx context.Context, st *store.Store) error) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		return
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		fmt.Printf("failed to open store: %v\n", err)
		return
	}
	defer st.Close()

	if err := fn(context.Background(), st); err != nil {
		fmt.Printf("%v\n", err)
	}
}

func parseAccountID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid account id: %q", raw)
	}
	return id, nil
}

func listAccounts(ctx context.Context, st *store.Store, w io.Writer) error {
	infos, err := st.Accounts(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		_, err := fmt.Fprintln(w, "no accounts")
		return err
	}

	_, err = fmt.Fprintln(w, renderAccounts(infos))
	return err
}

func renderAccounts(infos []store.AccountInfo) string {
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, []string{
			strconv.FormatInt(info.AccountID, 10),
			strconv.FormatInt(info.TenantID, 10),
			yesNo(info.Eligible()),
			ineligibleReason(info),
			replyTargetLabel(info.ReplyTargetRef),
			account.ShortSignature(info.Config.Signature),
		})
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ACCOUNT", "TENANT", "ELIGIBLE", "REASON", "REPLY TARGET", "SIGNATURE").
		Rows(rows...).
		String()
}

func ineligibleReason(info store.AccountInfo) string {
	var reasons []string
	if !info.ResourceEnabled {
		reasons = append(reasons, "resource disabled")
	}
	if !info.SessionEnabled {
		reasons = append(reasons, "session disabled")
	}
	if !info.SettingsEnabled {
		reasons = append(reasons, "settings disabled")
	}
	if !info.Activated {
		reasons = append(reasons, "not activated")
	}
	if !info.TokenSet {
		reasons = append(reasons, "no token")
	}
	if len(reasons) == 0 {
		return "-"
	}
	return strings.Join(reasons, ", ")
}

func replyTargetLabel(ref *int64) string {
	if ref == nil {
		return "-"
	}
	return strconv.FormatInt(*ref, 10)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
