// Package account describes the desired state the supervisor converges on:
// one Config per tenant messaging account that should have a live connection.
package account

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Credentials is the opaque secret bundle needed to open one connection.
type Credentials struct {
	Token  string
	APIURL string
}

// LogValue keeps secrets out of log output.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("token_set", strings.TrimSpace(c.Token) != ""),
		slog.String("api_url", c.APIURL),
	)
}

// Config identifies one account and everything its runtime is started with.
// A Config is immutable once fetched.
type Config struct {
	AccountID      int64
	TenantID       int64
	Credentials    Credentials
	ReplyTargetRef *int64
	Signature      string
}

// NewConfig builds a Config and derives its signature.
func NewConfig(accountID, tenantID int64, creds Credentials, replyTargetRef *int64) Config {
	creds.Token = strings.TrimSpace(creds.Token)
	creds.APIURL = strings.TrimSpace(creds.APIURL)

	var ref *int64
	if replyTargetRef != nil {
		value := *replyTargetRef
		ref = &value
	}

	return Config{
		AccountID:      accountID,
		TenantID:       tenantID,
		Credentials:    creds,
		ReplyTargetRef: ref,
		Signature:      ComputeSignature(creds, ref),
	}
}

// ComputeSignature hashes every field whose change requires a reconnect.
func ComputeSignature(creds Credentials, replyTargetRef *int64) string {
	ref := ""
	if replyTargetRef != nil {
		ref = strconv.FormatInt(*replyTargetRef, 10)
	}

	sum := sha256.Sum256([]byte(strings.Join([]string{creds.Token, creds.APIURL, ref}, "\x00")))
	return hex.EncodeToString(sum[:])
}

// ShortSignature is a log- and status-safe prefix of a signature.
func ShortSignature(signature string) string {
	if len(signature) <= 12 {
		return signature
	}
	return signature[:12]
}

// Fetcher reads the current desired state. Implementations return a fresh map
// on every call and never cache.
type Fetcher interface {
	Fetch(ctx context.Context) (map[int64]Config, error)
}

// FetcherFunc adapts a plain function to Fetcher.
type FetcherFunc func(ctx context.Context) (map[int64]Config, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context) (map[int64]Config, error) {
	return f(ctx)
}

// SentMessage is one entry of the mark-as-sent log.
type SentMessage struct {
	AccountID   int64
	TenantID    int64
	ChatID      int64
	InMessageID int64
	InText      string
	OutText     string
	Failed      bool
	At          time.Time
}
