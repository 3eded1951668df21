package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"cargochats/pkg/account"
	"cargochats/pkg/reply/types"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on resources(kind, company_id)
const currentSchemaVersion = 1

const (
	KindTelegram = "telegram"
	KindOpenAI   = "openai"
)

// Store is the SQLite-backed desired-state source and sent-message log.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the logger used for skipped-row diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log.With("component", "store")
		}
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, log: slog.Default().With("component", "store")}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_resources_kind ON resources(kind, company_id)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// telegramResourceData is the resource_settings payload of a telegram resource.
type telegramResourceData struct {
	APIURL           string `json:"api_url,omitempty"`
	OpenAIResourceID *int64 `json:"openai_resource_id,omitempty"`
}

// telegramSessionData is the session_settings payload of one bot session.
type telegramSessionData struct {
	BotToken    string `json:"bot_token,omitempty"`
	IsActivated bool   `json:"is_activated"`
}

// openAIResourceData is the resource_settings payload of an openai resource.
type openAIResourceData struct {
	APIKey       string `json:"api_key,omitempty"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	HistoryPairs int    `json:"history_pairs,omitempty"`
}

// AccountInfo is one telegram session row with its eligibility breakdown.
type AccountInfo struct {
	AccountID       int64
	TenantID        int64
	ResourceEnabled bool
	SessionEnabled  bool
	SettingsEnabled bool
	Activated       bool
	TokenSet        bool
	ReplyTargetRef  *int64
	Config          account.Config
}

// Eligible reports whether the account should have a live connection.
func (a AccountInfo) Eligible() bool {
	return a.ResourceEnabled && a.SessionEnabled && a.SettingsEnabled && a.Activated && a.TokenSet
}

const accountsQuery = `
SELECT s.id, r.company_id, r.is_enabled, s.is_enabled,
       COALESCE(rs.data, '{}'), COALESCE(rs.is_enabled, 0),
       COALESCE(ss.data, '{}'), COALESCE(ss.is_enabled, 0)
FROM sessions s
JOIN resources r ON r.id = s.resource_id
LEFT JOIN resource_settings rs ON rs.resource_id = r.id
LEFT JOIN session_settings ss ON ss.session_id = s.id
WHERE r.kind = ?
ORDER BY s.id`

// Accounts lists every telegram session, eligible or not.
func (s *Store) Accounts(ctx context.Context) ([]AccountInfo, error) {
	rows, err := s.db.QueryContext(ctx, accountsQuery, KindTelegram)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var infos []AccountInfo
	for rows.Next() {
		var (
			info                    AccountInfo
			resourceData            string
			sessionData             string
			resourceEnabled         bool
			resourceSettingsEnabled bool
		)
		if err := rows.Scan(
			&info.AccountID, &info.TenantID, &resourceEnabled, &info.SessionEnabled,
			&resourceData, &resourceSettingsEnabled,
			&sessionData, &info.SettingsEnabled,
		); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}

		var rd telegramResourceData
		if err := json.Unmarshal([]byte(resourceData), &rd); err != nil {
			s.log.Warn("Skipping account with malformed resource settings", "account_id", info.AccountID, "error", err)
			continue
		}
		var sd telegramSessionData
		if err := json.Unmarshal([]byte(sessionData), &sd); err != nil {
			s.log.Warn("Skipping account with malformed session settings", "account_id", info.AccountID, "error", err)
			continue
		}

		info.ResourceEnabled = resourceEnabled && resourceSettingsEnabled
		info.Activated = sd.IsActivated
		info.TokenSet = strings.TrimSpace(sd.BotToken) != ""
		info.ReplyTargetRef = rd.OpenAIResourceID
		info.Config = account.NewConfig(info.AccountID, info.TenantID, account.Credentials{
			Token:  sd.BotToken,
			APIURL: rd.APIURL,
		}, rd.OpenAIResourceID)

		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}

	return infos, nil
}

// Fetch returns a fresh snapshot of every eligible account keyed by account id.
func (s *Store) Fetch(ctx context.Context) (map[int64]account.Config, error) {
	infos, err := s.Accounts(ctx)
	if err != nil {
		return nil, err
	}

	desired := make(map[int64]account.Config, len(infos))
	for _, info := range infos {
		if info.Eligible() {
			desired[info.AccountID] = info.Config
		}
	}
	return desired, nil
}

// MarkSent appends one handled message to the sent log.
func (s *Store) MarkSent(ctx context.Context, msg account.SentMessage) error {
	at := msg.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sent_messages (session_id, company_id, chat_id, in_message_id, in_text, out_text, failed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.AccountID, msg.TenantID, msg.ChatID, msg.InMessageID, msg.InText, msg.OutText, msg.Failed,
		at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert sent message: %w", err)
	}
	return nil
}

// ReplyTarget resolves an enabled openai resource owned by tenantID.
// The bool is false when the resource is missing, disabled or owned by
// another tenant.
func (s *Store) ReplyTarget(ctx context.Context, tenantID, targetID int64) (types.Target, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(rs.data, '{}')
		FROM resources r
		LEFT JOIN resource_settings rs ON rs.resource_id = r.id
		WHERE r.id = ? AND r.company_id = ? AND r.kind = ?
		  AND r.is_enabled = 1 AND COALESCE(rs.is_enabled, 1) = 1`,
		targetID, tenantID, KindOpenAI,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Target{}, false, nil
	}
	if err != nil {
		return types.Target{}, false, fmt.Errorf("query reply target: %w", err)
	}

	var od openAIResourceData
	if err := json.Unmarshal([]byte(data), &od); err != nil {
		return types.Target{}, false, fmt.Errorf("decode reply target %d: %w", targetID, err)
	}

	return types.Target{
		ID:           targetID,
		TenantID:     tenantID,
		APIKey:       strings.TrimSpace(od.APIKey),
		Model:        strings.TrimSpace(od.Model),
		SystemPrompt: strings.TrimSpace(od.SystemPrompt),
		HistoryPairs: types.ClampHistoryPairs(od.HistoryPairs),
	}, true, nil
}

// History returns up to pairs past exchanges for one chat, oldest first, as
// alternating user/assistant messages. Failed replies are skipped.
func (s *Store) History(ctx context.Context, accountID, chatID int64, pairs int, excludeMessageID int64) ([]types.Message, error) {
	pairs = types.ClampHistoryPairs(pairs)
	if pairs == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT in_text, out_text FROM sent_messages
		WHERE session_id = ? AND chat_id = ? AND failed = 0 AND in_message_id != ?
		ORDER BY id DESC
		LIMIT ?`,
		accountID, chatID, excludeMessageID, pairs,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var exchanges [][2]string
	for rows.Next() {
		var in, out string
		if err := rows.Scan(&in, &out); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		exchanges = append(exchanges, [2]string{in, out})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	slices.Reverse(exchanges)
	messages := make([]types.Message, 0, len(exchanges)*2)
	for _, ex := range exchanges {
		messages = append(messages,
			types.Message{Role: types.RoleUser, Content: ex[0]},
			types.Message{Role: types.RoleAssistant, Content: ex[1]},
		)
	}
	return messages, nil
}
