package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when an admin helper targets a missing row.
var ErrNotFound = errors.New("not found")

// AccountSeed describes one telegram bot account to create.
type AccountSeed struct {
	TenantID       int64
	Code           string
	BotToken       string
	APIURL         string
	ReplyTargetRef *int64
	Activated      bool
	Disabled       bool
}

// ReplyTargetSeed describes one openai resource to create.
type ReplyTargetSeed struct {
	TenantID     int64
	Code         string
	APIKey       string
	Model        string
	SystemPrompt string
	HistoryPairs int
	Disabled     bool
}

// PutAccount creates a telegram resource, its settings, one session and the
// session settings in one transaction, returning the new account id.
func (s *Store) PutAccount(ctx context.Context, seed AccountSeed) (int64, error) {
	resourceData, err := json.Marshal(telegramResourceData{
		APIURL:           strings.TrimSpace(seed.APIURL),
		OpenAIResourceID: seed.ReplyTargetRef,
	})
	if err != nil {
		return 0, fmt.Errorf("encode resource settings: %w", err)
	}
	sessionData, err := json.Marshal(telegramSessionData{
		BotToken:    strings.TrimSpace(seed.BotToken),
		IsActivated: seed.Activated,
	})
	if err != nil {
		return 0, fmt.Errorf("encode session settings: %w", err)
	}

	var accountID int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		resourceID, err := insertResource(ctx, tx, seed.TenantID, KindTelegram, seed.Code, string(resourceData), !seed.Disabled)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO sessions (resource_id, code, is_enabled) VALUES (?, ?, 1)`, resourceID, seed.Code)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		accountID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("session id: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO session_settings (session_id, data, is_enabled) VALUES (?, ?, 1)`, accountID, string(sessionData)); err != nil {
			return fmt.Errorf("insert session settings: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return accountID, nil
}

// PutReplyTarget creates an openai resource and returns its id.
func (s *Store) PutReplyTarget(ctx context.Context, seed ReplyTargetSeed) (int64, error) {
	data, err := json.Marshal(openAIResourceData{
		APIKey:       strings.TrimSpace(seed.APIKey),
		Model:        strings.TrimSpace(seed.Model),
		SystemPrompt: strings.TrimSpace(seed.SystemPrompt),
		HistoryPairs: seed.HistoryPairs,
	})
	if err != nil {
		return 0, fmt.Errorf("encode reply target settings: %w", err)
	}

	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertResource(ctx, tx, seed.TenantID, KindOpenAI, seed.Code, string(data), !seed.Disabled)
		return err
	})
	return id, err
}

// SetAccountEnabled toggles the session row of one account.
func (s *Store) SetAccountEnabled(ctx context.Context, accountID int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET is_enabled = ? WHERE id = ?`, enabled, accountID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireAffected(res, accountID)
}

// SetAccountActivated flips the activation flag in session settings.
func (s *Store) SetAccountActivated(ctx context.Context, accountID int64, activated bool) error {
	return s.updateSessionData(ctx, accountID, func(data *telegramSessionData) {
		data.IsActivated = activated
	})
}

// SetAccountToken replaces the bot token of one account.
func (s *Store) SetAccountToken(ctx context.Context, accountID int64, token string) error {
	return s.updateSessionData(ctx, accountID, func(data *telegramSessionData) {
		data.BotToken = strings.TrimSpace(token)
	})
}

func (s *Store) updateSessionData(ctx context.Context, accountID int64, mutate func(*telegramSessionData)) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT data FROM session_settings WHERE session_id = ?`, accountID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("account %d: %w", accountID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("query session settings: %w", err)
		}

		var data telegramSessionData
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return fmt.Errorf("decode session settings: %w", err)
		}
		mutate(&data)

		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode session settings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE session_settings SET data = ? WHERE session_id = ?`, string(encoded), accountID); err != nil {
			return fmt.Errorf("update session settings: %w", err)
		}
		return nil
	})
}

func insertResource(ctx context.Context, tx *sql.Tx, tenantID int64, kind, code, data string, enabled bool) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO resources (company_id, kind, code, is_enabled) VALUES (?, ?, ?, ?)`, tenantID, kind, code, enabled)
	if err != nil {
		return 0, fmt.Errorf("insert resource: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("resource id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO resource_settings (resource_id, data, is_enabled) VALUES (?, ?, 1)`, id, data); err != nil {
		return 0, fmt.Errorf("insert resource settings: %w", err)
	}
	return id, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result, accountID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("account %d: %w", accountID, ErrNotFound)
	}
	return nil
}
