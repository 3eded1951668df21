package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"cargochats/pkg/account"
	"cargochats/pkg/bus"
	"cargochats/pkg/channel"
	"cargochats/pkg/reply"

	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type sentRecord struct {
	chatID int64
	text   string
}

type fakeConn struct {
	accountID  int64
	connectErr error

	mu          sync.Mutex
	handler     channel.InboundHandler
	sent        []sentRecord
	disconnects int
	connected   bool

	failCh chan error
}

func (c *fakeConn) Connect(context.Context) error {
	if c.connectErr != nil {
		return c.connectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-c.failCh:
		return err
	}
}

func (c *fakeConn) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
	return nil
}

func (c *fakeConn) Subscribe(handler channel.InboundHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *fakeConn) Send(_ context.Context, chatID int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return channel.ErrNotConnected
	}
	c.sent = append(c.sent, sentRecord{chatID: chatID, text: text})
	return nil
}

func (c *fakeConn) MarkRead(context.Context, int64, int64) error { return nil }

func (c *fakeConn) SetComposing(context.Context, int64) func() { return func() {} }

func (c *fakeConn) deliver(chatID, messageID int64, text string) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	handler(bus.InboundMessage{AccountID: c.accountID, ChatID: chatID, MessageID: messageID, Text: text})
}

func (c *fakeConn) fail(err error) {
	c.failCh <- err
}

func (c *fakeConn) sentTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	texts := make([]string, 0, len(c.sent))
	for _, record := range c.sent {
		texts = append(texts, record.text)
	}
	return texts
}

func (c *fakeConn) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// fakeProvider hands out one fakeConn per Open and remembers all of them.
type fakeProvider struct {
	mu         sync.Mutex
	conns      map[int64][]*fakeConn
	connectErr map[int64]error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		conns:      make(map[int64][]*fakeConn),
		connectErr: make(map[int64]error),
	}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Open(cfg account.Config) (channel.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn := &fakeConn{
		accountID:  cfg.AccountID,
		connectErr: p.connectErr[cfg.AccountID],
		failCh:     make(chan error, 1),
	}
	p.conns[cfg.AccountID] = append(p.conns[cfg.AccountID], conn)
	return conn, nil
}

func (p *fakeProvider) failConnect(accountID int64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr[accountID] = err
}

func (p *fakeProvider) opened(accountID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns[accountID])
}

func (p *fakeProvider) latest(t *testing.T, accountID int64) *fakeConn {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.conns[accountID]
	require.NotEmpty(t, conns, "no connection opened for account %d", accountID)
	return conns[len(conns)-1]
}

type fakeSentLog struct {
	mu      sync.Mutex
	entries []account.SentMessage
}

func (l *fakeSentLog) MarkSent(_ context.Context, msg account.SentMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, msg)
	return nil
}

func (l *fakeSentLog) all() []account.SentMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]account.SentMessage(nil), l.entries...)
}

// echoGenerator replies "re:<text>" after the latency configured for text.
func echoGenerator(latency map[string]time.Duration) reply.GeneratorFunc {
	return func(ctx context.Context, req reply.Request) (string, error) {
		if d := latency[req.Text]; d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		switch req.Text {
		case "panic":
			panic("generator exploded")
		case "fail":
			return "", errors.New("upstream said no")
		}
		return "re:" + req.Text, nil
	}
}

func testDeps(provider *fakeProvider, generator reply.Generator, sentLog SentLog) Deps {
	return Deps{
		Connections:  provider,
		Generator:    generator,
		SentLog:      sentLog,
		Log:          slog.New(slog.DiscardHandler),
		PollInterval: 10 * time.Millisecond,
	}
}

func testConfig(accountID int64, token string) account.Config {
	return account.NewConfig(accountID, 100, account.Credentials{Token: token}, nil)
}

func desiredOf(cfgs ...account.Config) map[int64]account.Config {
	desired := make(map[int64]account.Config, len(cfgs))
	for _, cfg := range cfgs {
		desired[cfg.AccountID] = cfg
	}
	return desired
}

func newTestReconciler(deps Deps) (*Reconciler, *Registry) {
	registry := NewRegistry()
	start := func(ctx context.Context, cfg account.Config) (*Runtime, error) {
		return Start(ctx, cfg, deps)
	}
	return NewReconciler(registry, start, time.Second, 4, deps.Events, deps.Log), registry
}

func stopAllOnCleanup(t *testing.T, r *Reconciler) {
	t.Helper()
	t.Cleanup(func() { _ = r.StopAll() })
}
