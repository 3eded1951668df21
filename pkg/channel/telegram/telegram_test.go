package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"cargochats/pkg/account"
	"cargochats/pkg/bus"
	"cargochats/pkg/channel"
	"cargochats/pkg/config"

	"github.com/mymmrac/telego"
)

func TestAllowFromSet(t *testing.T) {
	allowed := allowFromSet([]string{" 123 ", "", "456", "123"})
	if len(allowed) != 2 {
		t.Fatalf("allowFromSet len = %d, want 2", len(allowed))
	}
	if _, ok := allowed["123"]; !ok {
		t.Fatal("allowFromSet missing 123")
	}
	if allowFromSet([]string{" ", ""}) != nil {
		t.Fatal("expected nil set for blank entries")
	}
}

func TestOpenRequiresToken(t *testing.T) {
	provider := NewProvider(config.TelegramConfig{}, nil)

	if _, err := provider.Open(account.NewConfig(1, 1, account.Credentials{}, nil)); err == nil {
		t.Fatal("expected error for missing token")
	}

	conn, err := provider.Open(account.NewConfig(1, 1, account.Credentials{Token: "123:abc"}, nil))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if _, ok := conn.(*Connection); !ok {
		t.Fatalf("Open returned %T, want *Connection", conn)
	}
}

func TestOperationsBeforeConnect(t *testing.T) {
	provider := NewProvider(config.TelegramConfig{}, nil)
	conn, err := provider.Open(account.NewConfig(1, 1, account.Credentials{Token: "123:abc"}, nil))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	if err := conn.Send(context.Background(), 1, "hi"); !errors.Is(err, channel.ErrNotConnected) {
		t.Fatalf("Send error = %v, want ErrNotConnected", err)
	}
	if err := conn.Run(context.Background()); !errors.Is(err, channel.ErrNotConnected) {
		t.Fatalf("Run error = %v, want ErrNotConnected", err)
	}

	stop := conn.SetComposing(context.Background(), 1)
	stop()

	if err := conn.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect error: %v", err)
	}
	if err := conn.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect error: %v", err)
	}
}

func TestDispatchFiltersUpdates(t *testing.T) {
	sender := &telego.User{ID: 77}
	private := telego.Chat{ID: 500, Type: telego.ChatTypePrivate}

	tests := []struct {
		name    string
		update  telego.Update
		allow   []string
		wantHit bool
	}{
		{name: "no message", update: telego.Update{}},
		{name: "group chat", update: telego.Update{Message: &telego.Message{MessageID: 1, From: sender, Chat: telego.Chat{ID: -5, Type: telego.ChatTypeGroup}, Text: "hi"}}},
		{name: "empty text", update: telego.Update{Message: &telego.Message{MessageID: 1, From: sender, Chat: private, Text: "  "}}},
		{name: "no sender", update: telego.Update{Message: &telego.Message{MessageID: 1, Chat: private, Text: "hi"}}},
		{name: "zero message id", update: telego.Update{Message: &telego.Message{From: sender, Chat: private, Text: "hi"}}},
		{name: "sender not allowed", allow: []string{"1"}, update: telego.Update{Message: &telego.Message{MessageID: 1, From: sender, Chat: private, Text: "hi"}}},
		{name: "accepted", allow: []string{"77"}, wantHit: true, update: telego.Update{Message: &telego.Message{MessageID: 9, Date: 1700000000, From: sender, Chat: private, Text: " hi "}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []bus.InboundMessage
			conn := &Connection{accountID: 3, allowFrom: allowFromSet(tt.allow), log: NewProvider(config.TelegramConfig{}, nil).log}
			conn.Subscribe(func(msg bus.InboundMessage) { got = append(got, msg) })

			conn.dispatch(tt.update)

			if (len(got) == 1) != tt.wantHit {
				t.Fatalf("dispatched %d messages, wantHit %v", len(got), tt.wantHit)
			}
			if !tt.wantHit {
				return
			}
			msg := got[0]
			if msg.AccountID != 3 || msg.ChatID != 500 || msg.MessageID != 9 || msg.SenderID != 77 {
				t.Fatalf("unexpected message identity: %+v", msg)
			}
			if msg.Text != "hi" {
				t.Fatalf("Text = %q, want hi", msg.Text)
			}
			if msg.ReceivedAt.Unix() != 1700000000 {
				t.Fatalf("ReceivedAt = %v", msg.ReceivedAt)
			}
		})
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("splitMessage short = %v", got)
	}

	long := strings.Repeat("я", 25)
	chunks := splitMessage(long, 10)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if strings.Join(chunks, "") != long {
		t.Fatal("chunks do not reassemble original text")
	}
}

func TestPreviewText(t *testing.T) {
	long := strings.Repeat("a", messagePreviewLimit+20)
	got := previewText(long)
	if len(got) != messagePreviewLimit+3 {
		t.Fatalf("previewText long len = %d, want %d", len(got), messagePreviewLimit+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("previewText long = %q, want ellipsis suffix", got)
	}

	cyrillic := strings.Repeat("привет ", messagePreviewLimit)
	got = previewText(cyrillic)
	if !utf8.ValidString(got) {
		t.Fatalf("previewText produced invalid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != messagePreviewLimit+3 {
		t.Fatalf("previewText cyrillic runes = %d, want %d", n, messagePreviewLimit+3)
	}
}
