package reply

import (
	"context"
	"errors"
	"testing"

	"cargochats/pkg/config"
	"cargochats/pkg/reply/types"
)

type fakeBackend struct {
	result types.Result
	err    error
	calls  []types.Conversation
	target types.Target
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Complete(_ context.Context, target types.Target, conversation types.Conversation) (types.Result, error) {
	f.calls = append(f.calls, conversation)
	f.target = target
	return f.result, f.err
}

type fakeTargets map[int64]types.Target

func (f fakeTargets) ReplyTarget(_ context.Context, tenantID, targetID int64) (types.Target, bool, error) {
	target, ok := f[targetID]
	if !ok || target.TenantID != tenantID {
		return types.Target{}, false, nil
	}
	return target, true, nil
}

type fakeHistory struct {
	messages []types.Message
	err      error
	pairs    int
	exclude  int64
}

func (f *fakeHistory) History(_ context.Context, _, _ int64, pairs int, excludeMessageID int64) ([]types.Message, error) {
	f.pairs = pairs
	f.exclude = excludeMessageID
	return f.messages, f.err
}

func ref(v int64) *int64 { return &v }

func TestGenerateReplyCannedResponses(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{result: types.Result{Text: "model"}}
	targets := fakeTargets{
		1: {ID: 1, TenantID: 10, APIKey: "sk"},
		2: {ID: 2, TenantID: 10},
	}
	svc := NewService(backend, targets, nil, Options{RequireKey: true}, nil)

	tests := []struct {
		name string
		req  Request
		want string
	}{
		{name: "empty text", req: Request{TenantID: 10, ReplyTargetRef: ref(1), Text: "   "}, want: ReplyEmptyMessage},
		{name: "no target ref", req: Request{TenantID: 10, Text: "hi"}, want: ReplyNotConfigured},
		{name: "unknown target", req: Request{TenantID: 10, ReplyTargetRef: ref(9), Text: "hi"}, want: ReplyNoAPIKey},
		{name: "other tenant", req: Request{TenantID: 11, ReplyTargetRef: ref(1), Text: "hi"}, want: ReplyNoAPIKey},
		{name: "missing key", req: Request{TenantID: 10, ReplyTargetRef: ref(2), Text: "hi"}, want: ReplyNoAPIKey},
	}

	for _, tt := range tests {
		got, err := svc.GenerateReply(context.Background(), tt.req)
		if err != nil {
			t.Fatalf("%s: GenerateReply error: %v", tt.name, err)
		}
		if got != tt.want {
			t.Fatalf("%s: reply = %q, want %q", tt.name, got, tt.want)
		}
	}
	if len(backend.calls) != 0 {
		t.Fatalf("backend called %d times, want 0", len(backend.calls))
	}
}

func TestGenerateReplyBuildsConversation(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{result: types.Result{Text: "  hello  "}}
	history := &fakeHistory{messages: []types.Message{
		{Role: types.RoleAssistant, Content: "orphan"},
		{Role: types.RoleUser, Content: "q1"},
		{Role: types.RoleAssistant, Content: "a1"},
	}}
	targets := fakeTargets{1: {ID: 1, TenantID: 10, APIKey: "sk", HistoryPairs: 3}}
	svc := NewService(backend, targets, history, Options{DefaultSystemPrompt: "default prompt", HistoryPairsLimit: 2}, nil)

	got, err := svc.GenerateReply(context.Background(), Request{
		AccountID: 5, TenantID: 10, ChatID: 7, MessageID: 42, ReplyTargetRef: ref(1), Text: " hi ",
	})
	if err != nil {
		t.Fatalf("GenerateReply error: %v", err)
	}
	if got != "hello" {
		t.Fatalf("reply = %q, want hello", got)
	}

	if history.pairs != 2 || history.exclude != 42 {
		t.Fatalf("history called with pairs=%d exclude=%d", history.pairs, history.exclude)
	}

	conv := backend.calls[0]
	if conv.Prompt != "hi" || conv.System != "default prompt" || conv.Key != "5:7:1" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	if len(conv.History) != 2 || conv.History[0].Content != "q1" {
		t.Fatalf("history = %+v, want normalized q1/a1", conv.History)
	}
}

func TestGenerateReplyTargetPromptWins(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{result: types.Result{Text: "ok"}}
	targets := fakeTargets{1: {ID: 1, TenantID: 1, SystemPrompt: "tenant prompt"}}
	svc := NewService(backend, targets, nil, Options{DefaultSystemPrompt: "default prompt"}, nil)

	if _, err := svc.GenerateReply(context.Background(), Request{TenantID: 1, ReplyTargetRef: ref(1), Text: "hi"}); err != nil {
		t.Fatalf("GenerateReply error: %v", err)
	}
	if backend.calls[0].System != "tenant prompt" {
		t.Fatalf("System = %q, want tenant prompt", backend.calls[0].System)
	}
}

func TestGenerateReplyEmptyModelOutput(t *testing.T) {
	t.Parallel()

	svc := NewService(&fakeBackend{}, fakeTargets{1: {ID: 1, TenantID: 1}}, nil, Options{}, nil)

	got, err := svc.GenerateReply(context.Background(), Request{TenantID: 1, ReplyTargetRef: ref(1), Text: "hi"})
	if err != nil {
		t.Fatalf("GenerateReply error: %v", err)
	}
	if got != ReplyEmptyModel {
		t.Fatalf("reply = %q, want %q", got, ReplyEmptyModel)
	}
}

func TestGenerateReplyPropagatesBackendError(t *testing.T) {
	t.Parallel()

	boom := errors.New("upstream 500")
	svc := NewService(&fakeBackend{err: boom}, fakeTargets{1: {ID: 1, TenantID: 1}}, nil, Options{}, nil)

	_, err := svc.GenerateReply(context.Background(), Request{TenantID: 1, ReplyTargetRef: ref(1), Text: "hi"})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
}

func TestGenerateReplyIgnoresHistoryFailure(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{result: types.Result{Text: "ok"}}
	history := &fakeHistory{err: errors.New("db locked")}
	svc := NewService(backend, fakeTargets{1: {ID: 1, TenantID: 1, HistoryPairs: 5}}, history, Options{}, nil)

	got, err := svc.GenerateReply(context.Background(), Request{TenantID: 1, ChatID: 3, ReplyTargetRef: ref(1), Text: "hi"})
	if err != nil || got != "ok" {
		t.Fatalf("GenerateReply = (%q, %v), want ok", got, err)
	}
	if len(backend.calls[0].History) != 0 {
		t.Fatal("expected empty history after load failure")
	}
}

func TestNormalizeHistory(t *testing.T) {
	t.Parallel()

	u := func(s string) types.Message { return types.Message{Role: types.RoleUser, Content: s} }
	a := func(s string) types.Message { return types.Message{Role: types.RoleAssistant, Content: s} }

	tests := []struct {
		name  string
		in    []types.Message
		limit int
		want  []string
	}{
		{name: "empty", in: nil, limit: 4, want: nil},
		{name: "odd drops oldest", in: []types.Message{a("x"), u("q"), a("r")}, limit: 4, want: []string{"q", "r"}},
		{name: "leading assistant", in: []types.Message{a("x"), u("q"), a("r"), u("q2")}, limit: 4, want: []string{"q", "r", "q2"}},
		{name: "blank skipped", in: []types.Message{u(" "), u("q"), a("r")}, limit: 4, want: []string{"q", "r"}},
		{name: "limit keeps tail", in: []types.Message{u("q1"), a("r1"), u("q2"), a("r2")}, limit: 2, want: []string{"q2", "r2"}},
	}

	for _, tt := range tests {
		got := NormalizeHistory(tt.in, tt.limit)
		if len(got) != len(tt.want) {
			t.Fatalf("%s: len = %d, want %d (%+v)", tt.name, len(got), len(tt.want), got)
		}
		for i := range got {
			if got[i].Content != tt.want[i] {
				t.Fatalf("%s: [%d] = %q, want %q", tt.name, i, got[i].Content, tt.want[i])
			}
		}
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Replies.Provider = "nope"

	if _, err := New(cfg, nil, nil, nil); err == nil {
		t.Fatal("expected unsupported provider error")
	}
}

func TestNewOpenAIRequiresTargetKeyWithoutFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	cfg := &config.Config{}
	cfg.ApplyDefaults()

	svc, err := New(cfg, fakeTargets{1: {ID: 1, TenantID: 1}}, nil, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	got, err := svc.GenerateReply(context.Background(), Request{TenantID: 1, ReplyTargetRef: ref(1), Text: "hi"})
	if err != nil {
		t.Fatalf("GenerateReply error: %v", err)
	}
	if got != ReplyNoAPIKey {
		t.Fatalf("reply = %q, want %q", got, ReplyNoAPIKey)
	}
}
