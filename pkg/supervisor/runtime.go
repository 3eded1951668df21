package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"cargochats/pkg/account"
	"cargochats/pkg/bus"
	"cargochats/pkg/channel"
	"cargochats/pkg/reply"
)

var (
	ErrStopTimeout    = errors.New("runtime did not stop within timeout")
	ErrRuntimeCrashed = errors.New("runtime crashed")
)

const (
	errorReplyPrefix    = "Reply generation failed: "
	defaultErrorLimit   = 180
	defaultPollInterval = 500 * time.Millisecond
	markReadTimeout     = 10 * time.Second
	disconnectTimeout   = 5 * time.Second
)

type State int32

const (
	StateConnecting State = iota
	StateRunning
	StateStopping
	StateStopped
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// SentLog records each handled message. Failures are logged, never fatal.
type SentLog interface {
	MarkSent(ctx context.Context, msg account.SentMessage) error
}

// Deps are the collaborators shared by every runtime.
type Deps struct {
	Connections channel.Provider
	Generator   reply.Generator
	SentLog     SentLog
	Events      *bus.EventBus
	Log         *slog.Logger

	PollInterval     time.Duration
	ConnectTimeout   time.Duration
	QueueCapacity    int
	ErrorPrefixLimit int
}

// Runtime is the live pipeline of one account: its connection, inbound queue
// and the single consumer draining that queue in arrival order.
type Runtime struct {
	cfg   account.Config
	conn  channel.Connection
	queue *bus.Queue
	deps  Deps
	log   *slog.Logger

	state     atomic.Int32
	startedAt time.Time
	cancel    context.CancelFunc

	// done closes once both the connection and consumer goroutines exited
	// and the connection was released. err is set before done closes.
	done chan struct{}
	err  error

	stopOnce sync.Once
	stopErr  error

	handled       atomic.Int64
	failed        atomic.Int64
	dropped       atomic.Int64
	lastMessageAt atomic.Int64
}

// Start opens and connects the account's connection, then spawns its run
// loop and consumer. Nothing keeps running when Start returns an error.
func Start(ctx context.Context, cfg account.Config, deps Deps) (*Runtime, error) {
	if deps.Connections == nil {
		return nil, errors.New("connection provider is required")
	}
	if deps.Generator == nil {
		return nil, errors.New("reply generator is required")
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = defaultPollInterval
	}
	if deps.ErrorPrefixLimit <= 0 {
		deps.ErrorPrefixLimit = defaultErrorLimit
	}

	conn, err := deps.Connections.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open connection: %w", err)
	}

	rt := &Runtime{
		cfg:   cfg,
		conn:  conn,
		queue: bus.NewQueue(deps.QueueCapacity),
		deps:  deps,
		log: deps.Log.With(
			"component", "supervisor.runtime",
			"account_id", cfg.AccountID,
			"tenant_id", cfg.TenantID,
		),
		done: make(chan struct{}),
	}
	rt.state.Store(int32(StateConnecting))
	conn.Subscribe(rt.push)

	connectCtx, cancelConnect := ctx, context.CancelFunc(func() {})
	if deps.ConnectTimeout > 0 {
		connectCtx, cancelConnect = context.WithTimeout(ctx, deps.ConnectTimeout)
	}
	err = conn.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		rt.release()
		rt.queue.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	// The runtime outlives the tick that started it; only Stop or a crash
	// ends it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt.cancel = cancel
	rt.startedAt = time.Now()
	rt.state.Store(int32(StateRunning))

	connDone := make(chan error, 1)
	consumerDone := make(chan error, 1)
	go func() { connDone <- rt.runConnection(runCtx) }()
	go func() { consumerDone <- rt.consume(runCtx) }()
	go rt.wait(connDone, consumerDone)

	rt.log.Info("Runtime started", "signature", account.ShortSignature(cfg.Signature))
	return rt, nil
}

// Stop cancels the runtime, waits up to timeout for both goroutines, and
// closes the connection. It is idempotent; later calls return the first result.
// On timeout the connection is still closed so a lingering consumer cannot send.
func (rt *Runtime) Stop(timeout time.Duration) error {
	rt.stopOnce.Do(func() {
		rt.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
		rt.cancel()
		rt.release()

		var expired <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			expired = timer.C
		}

		select {
		case <-rt.done:
		case <-expired:
			rt.stopErr = ErrStopTimeout
			rt.log.Warn("Runtime did not stop in time", "timeout", timeout)
		}

		rt.state.CompareAndSwap(int32(StateStopping), int32(StateStopped))
	})
	return rt.stopErr
}

// Done closes once the runtime's goroutines have all exited.
func (rt *Runtime) Done() <-chan struct{} {
	return rt.done
}

// Err returns the crash cause after Done closed, or nil.
func (rt *Runtime) Err() error {
	select {
	case <-rt.done:
		return rt.err
	default:
		return nil
	}
}

// Exited reports whether Done is closed.
func (rt *Runtime) Exited() bool {
	select {
	case <-rt.done:
		return true
	default:
		return false
	}
}

func (rt *Runtime) State() State {
	return State(rt.state.Load())
}

func (rt *Runtime) Signature() string {
	return rt.cfg.Signature
}

// RuntimeStatus is a point-in-time copy of one runtime for status output.
type RuntimeStatus struct {
	AccountID     int64      `json:"account_id"`
	TenantID      int64      `json:"tenant_id"`
	State         string     `json:"state"`
	Signature     string     `json:"signature"`
	StartedAt     time.Time  `json:"started_at"`
	QueueLength   int        `json:"queue_length"`
	Handled       int64      `json:"handled"`
	Failed        int64      `json:"failed"`
	Dropped       int64      `json:"dropped"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

func (rt *Runtime) Status() RuntimeStatus {
	status := RuntimeStatus{
		AccountID:   rt.cfg.AccountID,
		TenantID:    rt.cfg.TenantID,
		State:       rt.State().String(),
		Signature:   account.ShortSignature(rt.cfg.Signature),
		StartedAt:   rt.startedAt,
		QueueLength: rt.queue.Len(),
		Handled:     rt.handled.Load(),
		Failed:      rt.failed.Load(),
		Dropped:     rt.dropped.Load(),
	}
	if nanos := rt.lastMessageAt.Load(); nanos > 0 {
		at := time.Unix(0, nanos).UTC()
		status.LastMessageAt = &at
	}
	if err := rt.Err(); err != nil {
		status.Error = err.Error()
	}
	return status
}

// push is the connection's inbound handler. It only enqueues.
func (rt *Runtime) push(msg bus.InboundMessage) {
	if msg.AccountID == 0 {
		msg.AccountID = rt.cfg.AccountID
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	if err := rt.queue.Push(msg); err != nil {
		rt.dropped.Add(1)
		rt.log.Warn("Dropping inbound message", "chat_id", msg.ChatID, "message_id", msg.MessageID, "error", err)
	}
}

func (rt *Runtime) runConnection(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connection panic: %v", r)
		}
	}()

	if err := rt.conn.Run(ctx); err != nil {
		return fmt.Errorf("connection: %w", err)
	}
	if ctx.Err() == nil {
		return errors.New("connection closed unexpectedly")
	}
	return nil
}

// consume drains the queue one message at a time until ctx is cancelled.
// A panic in handling ends the consumer and crashes the runtime.
func (rt *Runtime) consume(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panic: %v", r)
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, ok := rt.queue.Pop(ctx, rt.deps.PollInterval)
		if !ok {
			continue
		}
		rt.handle(ctx, msg)
	}
}

// wait observes both goroutines. The first one to exit while the runtime is
// still Running marks it Crashed; either way the other is cancelled and
// awaited before the connection is released and done is closed.
func (rt *Runtime) wait(connDone, consumerDone <-chan error) {
	var (
		first     error
		remaining <-chan error
	)
	select {
	case first = <-connDone:
		remaining = consumerDone
	case first = <-consumerDone:
		if first == nil && rt.State() == StateRunning {
			first = errors.New("consumer exited unexpectedly")
		}
		remaining = connDone
	}

	crashed := rt.state.CompareAndSwap(int32(StateRunning), int32(StateCrashed))
	if crashed {
		if first == nil {
			first = errors.New("runtime exited unexpectedly")
		}
		rt.err = fmt.Errorf("%w: %w", ErrRuntimeCrashed, first)
		rt.log.Error("Runtime crashed", "error", first)
		rt.deps.Events.Publish(context.Background(), bus.Event{
			Type:      bus.EventRuntimeCrashed,
			AccountID: rt.cfg.AccountID,
			TenantID:  rt.cfg.TenantID,
			Error:     first.Error(),
		})
	}

	rt.cancel()
	<-remaining
	rt.release()
	rt.queue.Close()
	close(rt.done)
}

func (rt *Runtime) release() {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()

	if err := rt.conn.Disconnect(ctx); err != nil {
		rt.log.Warn("Disconnect failed", "error", err)
	}
}

// handle runs one message through read-ack, typing, generation, send and the
// sent log. Every message is attempted exactly once.
func (rt *Runtime) handle(ctx context.Context, msg bus.InboundMessage) {
	log := rt.log.With("chat_id", msg.ChatID, "message_id", msg.MessageID)
	rt.lastMessageAt.Store(time.Now().UnixNano())

	go func() {
		readCtx, cancel := context.WithTimeout(ctx, markReadTimeout)
		defer cancel()
		if err := rt.conn.MarkRead(readCtx, msg.ChatID, msg.MessageID); err != nil {
			log.Debug("Mark read failed", "error", err)
		}
	}()

	startedAt := time.Now()
	text, genErr := rt.generate(ctx, msg)
	replyDuration.Observe(time.Since(startedAt).Seconds())

	if ctx.Err() != nil {
		log.Info("Dropping reply for stopped runtime", "duration_ms", time.Since(startedAt).Milliseconds())
		return
	}

	failed := false
	outcome := "sent"
	if genErr != nil {
		failed = true
		outcome = "error_reply"
		log.Warn("Reply generation failed", "error", genErr)
		text = FailureReply(genErr, rt.deps.ErrorPrefixLimit)
	} else if strings.TrimSpace(text) == "" {
		text = reply.ReplyEmptyModel
	}

	sendErr := rt.conn.Send(ctx, msg.ChatID, text)
	if sendErr != nil {
		failed = true
		outcome = "send_failed"
		log.Warn("Send failed", "error", sendErr)
	}

	repliesTotal.WithLabelValues(outcome).Inc()
	rt.handled.Add(1)
	if failed {
		rt.failed.Add(1)
	}

	if rt.deps.SentLog != nil {
		if err := rt.deps.SentLog.MarkSent(ctx, account.SentMessage{
			AccountID:   rt.cfg.AccountID,
			TenantID:    rt.cfg.TenantID,
			ChatID:      msg.ChatID,
			InMessageID: msg.MessageID,
			InText:      msg.Text,
			OutText:     text,
			Failed:      failed,
			At:          time.Now().UTC(),
		}); err != nil {
			log.Warn("Failed to record sent message", "error", err)
		}
	}

	event := bus.Event{
		Type:      bus.EventReplySent,
		AccountID: rt.cfg.AccountID,
		TenantID:  rt.cfg.TenantID,
		ChatID:    msg.ChatID,
		MessageID: msg.MessageID,
		Payload: map[string]string{
			"outcome":     outcome,
			"duration_ms": fmt.Sprint(time.Since(startedAt).Milliseconds()),
		},
	}
	if failed {
		event.Type = bus.EventReplyFailed
		event.Error = errors.Join(genErr, sendErr).Error()
	}
	rt.deps.Events.Publish(ctx, event)
}

// generate calls the reply collaborator with a typing indicator shown for the
// duration of the call.
func (rt *Runtime) generate(ctx context.Context, msg bus.InboundMessage) (string, error) {
	stopTyping := rt.conn.SetComposing(ctx, msg.ChatID)
	defer stopTyping()

	return rt.deps.Generator.GenerateReply(ctx, reply.Request{
		AccountID:      rt.cfg.AccountID,
		TenantID:       rt.cfg.TenantID,
		ChatID:         msg.ChatID,
		MessageID:      msg.MessageID,
		ReplyTargetRef: rt.cfg.ReplyTargetRef,
		Text:           msg.Text,
	})
}

// FailureReply is the user-visible text sent in place of a failed reply.
func FailureReply(err error, limit int) string {
	detail := strings.TrimSpace(err.Error())
	if detail == "" {
		detail = fmt.Sprintf("%T", err)
	}
	if limit > 0 && utf8.RuneCountInString(detail) > limit {
		detail = string([]rune(detail)[:limit])
	}
	return errorReplyPrefix + detail
}
