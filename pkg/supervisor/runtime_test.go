package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"cargochats/pkg/bus"
	"cargochats/pkg/reply"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestRuntime(t *testing.T, deps Deps, accountID int64) (*Runtime, *fakeConn) {
	t.Helper()

	rt, err := Start(context.Background(), testConfig(accountID, "token"), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Stop(time.Second) })

	provider := deps.Connections.(*fakeProvider)
	return rt, provider.latest(t, accountID)
}

func TestRuntimeRepliesInArrivalOrder(t *testing.T) {
	provider := newFakeProvider()
	generator := echoGenerator(map[string]time.Duration{
		"hi":          300 * time.Millisecond,
		"how are you": 30 * time.Millisecond,
	})
	rt, conn := startTestRuntime(t, testDeps(provider, generator, nil), 1)
	require.Equal(t, StateRunning, rt.State())

	conn.deliver(10, 1, "hi")
	conn.deliver(10, 2, "how are you")

	require.Eventually(t, func() bool { return len(conn.sentTexts()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"re:hi", "re:how are you"}, conn.sentTexts())
}

func TestRuntimeSendsFailureReplyAndRecordsIt(t *testing.T) {
	provider := newFakeProvider()
	sentLog := &fakeSentLog{}
	rt, conn := startTestRuntime(t, testDeps(provider, echoGenerator(nil), sentLog), 1)

	conn.deliver(10, 7, "fail")

	require.Eventually(t, func() bool { return len(sentLog.all()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"Reply generation failed: upstream said no"}, conn.sentTexts())

	entry := sentLog.all()[0]
	assert.True(t, entry.Failed)
	assert.Equal(t, int64(7), entry.InMessageID)
	assert.Equal(t, "fail", entry.InText)

	status := rt.Status()
	assert.Equal(t, int64(1), status.Handled)
	assert.Equal(t, int64(1), status.Failed)
	assert.NotNil(t, status.LastMessageAt)
}

func TestRuntimeReplacesEmptyOutput(t *testing.T) {
	provider := newFakeProvider()
	generator := reply.GeneratorFunc(func(context.Context, reply.Request) (string, error) {
		return "   ", nil
	})
	_, conn := startTestRuntime(t, testDeps(provider, generator, nil), 1)

	conn.deliver(10, 1, "anything")

	require.Eventually(t, func() bool { return len(conn.sentTexts()) == 1 }, waitFor, tick)
	assert.Equal(t, reply.ReplyEmptyModel, conn.sentTexts()[0])
}

func TestRuntimePassesAccountToGenerator(t *testing.T) {
	provider := newFakeProvider()

	var (
		mu  sync.Mutex
		got reply.Request
	)
	generator := reply.GeneratorFunc(func(_ context.Context, req reply.Request) (string, error) {
		mu.Lock()
		got = req
		mu.Unlock()
		return "ok", nil
	})
	_, conn := startTestRuntime(t, testDeps(provider, generator, nil), 3)

	conn.deliver(42, 9, "hello")
	require.Eventually(t, func() bool { return len(conn.sentTexts()) == 1 }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(3), got.AccountID)
	assert.Equal(t, int64(100), got.TenantID)
	assert.Equal(t, int64(42), got.ChatID)
	assert.Equal(t, int64(9), got.MessageID)
	assert.Equal(t, "hello", got.Text)
}

func TestRuntimeCrashesOnGeneratorPanic(t *testing.T) {
	provider := newFakeProvider()
	events := bus.NewEventBus()
	defer events.Close()
	ch, unsubscribe := events.Subscribe(context.Background(), 16)
	defer unsubscribe()

	deps := testDeps(provider, echoGenerator(nil), nil)
	deps.Events = events
	rt, conn := startTestRuntime(t, deps, 1)

	conn.deliver(10, 1, "panic")

	select {
	case <-rt.Done():
	case <-time.After(waitFor):
		t.Fatal("runtime did not exit after panic")
	}
	assert.Equal(t, StateCrashed, rt.State())
	require.ErrorIs(t, rt.Err(), ErrRuntimeCrashed)
	assert.Contains(t, rt.Err().Error(), "generator exploded")
	assert.GreaterOrEqual(t, conn.disconnectCount(), 1)

	var crashed bool
	for !crashed {
		select {
		case event := <-ch:
			crashed = event.Type == bus.EventRuntimeCrashed
		case <-time.After(waitFor):
			t.Fatal("no crash event published")
		}
	}
}

func TestRuntimeCrashesWhenConnectionFails(t *testing.T) {
	provider := newFakeProvider()
	rt, conn := startTestRuntime(t, testDeps(provider, echoGenerator(nil), nil), 1)

	networkErr := errors.New("network is unreachable")
	conn.fail(networkErr)

	select {
	case <-rt.Done():
	case <-time.After(waitFor):
		t.Fatal("runtime did not exit after connection failure")
	}
	assert.Equal(t, StateCrashed, rt.State())
	assert.ErrorIs(t, rt.Err(), ErrRuntimeCrashed)
	assert.ErrorIs(t, rt.Err(), networkErr)
}

func TestRuntimeStopIsIdempotent(t *testing.T) {
	provider := newFakeProvider()
	rt, conn := startTestRuntime(t, testDeps(provider, echoGenerator(nil), nil), 1)

	require.NoError(t, rt.Stop(time.Second))
	require.NoError(t, rt.Stop(time.Second))

	assert.Equal(t, StateStopped, rt.State())
	assert.True(t, rt.Exited())
	assert.NoError(t, rt.Err())
	assert.GreaterOrEqual(t, conn.disconnectCount(), 1)
}

func TestRuntimeStopTimeoutDropsLateReply(t *testing.T) {
	provider := newFakeProvider()
	release := make(chan struct{})
	entered := make(chan struct{})
	generator := reply.GeneratorFunc(func(context.Context, reply.Request) (string, error) {
		close(entered)
		<-release
		return "too late", nil
	})
	rt, conn := startTestRuntime(t, testDeps(provider, generator, nil), 1)

	conn.deliver(10, 1, "slow")
	<-entered

	err := rt.Stop(50 * time.Millisecond)
	require.ErrorIs(t, err, ErrStopTimeout)
	assert.Equal(t, StateStopped, rt.State())

	close(release)
	select {
	case <-rt.Done():
	case <-time.After(waitFor):
		t.Fatal("runtime did not finish after generator returned")
	}
	assert.Empty(t, conn.sentTexts())
}

func TestStartFailsWhenConnectFails(t *testing.T) {
	provider := newFakeProvider()
	provider.failConnect(1, errors.New("bad token"))

	_, err := Start(context.Background(), testConfig(1, "token"), testDeps(provider, echoGenerator(nil), nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad token")
	assert.Equal(t, 1, provider.latest(t, 1).disconnectCount())
}

func TestStartRequiresCollaborators(t *testing.T) {
	_, err := Start(context.Background(), testConfig(1, "token"), Deps{Generator: echoGenerator(nil)})
	assert.Error(t, err)

	_, err = Start(context.Background(), testConfig(1, "token"), Deps{Connections: newFakeProvider()})
	assert.Error(t, err)
}

func TestRuntimeDropsMessagesWhenQueueFull(t *testing.T) {
	provider := newFakeProvider()
	release := make(chan struct{})
	generator := reply.GeneratorFunc(func(ctx context.Context, _ reply.Request) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "ok", nil
	})
	deps := testDeps(provider, generator, nil)
	deps.QueueCapacity = 1
	rt, conn := startTestRuntime(t, deps, 1)

	conn.deliver(10, 1, "first")
	require.Eventually(t, func() bool { return rt.Status().QueueLength == 0 }, waitFor, tick)
	conn.deliver(10, 2, "second")
	conn.deliver(10, 3, "third")

	assert.Equal(t, int64(1), rt.Status().Dropped)
	close(release)
}

func TestFailureReply(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		limit int
		want  string
	}{
		{name: "short", err: errors.New("timeout"), limit: 180, want: "Reply generation failed: timeout"},
		{name: "truncated", err: errors.New(strings.Repeat("x", 200)), limit: 180, want: "Reply generation failed: " + strings.Repeat("x", 180)},
		{name: "runes", err: errors.New("привет мир"), limit: 6, want: "Reply generation failed: привет"},
		{name: "empty message", err: emptyErr{}, limit: 180, want: "Reply generation failed: supervisor.emptyErr"},
		{name: "no limit", err: fmt.Errorf("wrapped: %w", errors.New("cause")), limit: 0, want: "Reply generation failed: wrapped: cause"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FailureReply(tt.err, tt.limit))
		})
	}
}

type emptyErr struct{}

func (emptyErr) Error() string { return "" }
