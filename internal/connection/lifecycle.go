package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/ticket-realtime/internal/backoff"
)

// consumer is one attached handle's callbacks.
type consumer struct {
	id        string
	onMessage func(Message)
	onState   func(Status)
	detached  atomic.Bool
}

// lifecycle owns the single transport for one endpoint.
//
// Every asynchronous event (dial result, read error, heartbeat tick, retry
// timer) carries the generation it was started under; events from an older
// generation are discarded.
type lifecycle struct {
	endpoint      string
	cfg           Config
	policy        backoff.Policy
	dialer        Dialer
	tokens        TokenSource
	observer      Observer
	onAuthFailure func(endpoint string)
	logger        *slog.Logger

	mu           sync.Mutex
	state        State
	gen          uint64
	attempt      int
	transport    Transport
	cancelDial   context.CancelFunc
	heartbeat    *heartbeat
	retry        *time.Timer
	consumers    []*consumer
	lastClose    CloseInfo
	lastSeen     time.Time
	changedAt    time.Time
	gaveUp       bool
	unauthorized bool
	stopped      bool
	stats        statsState

	events *notifier
}

func newLifecycle(endpoint string, r *Registry) *lifecycle {
	l := &lifecycle{
		endpoint:      endpoint,
		cfg:           r.cfg,
		policy:        backoff.Policy{Base: r.cfg.BaseDelay, MaxAttempts: r.cfg.MaxAttempts},
		dialer:        r.dialer,
		tokens:        r.tokens,
		observer:      r.observer,
		onAuthFailure: r.onAuthFailure,
		logger:        r.logger.With("endpoint", endpoint),
		state:         StateIdle,
		changedAt:     time.Now(),
	}
	l.stats.CreatedAt = l.changedAt
	l.events = newNotifier(l.deliverStatus)
	return l
}

// attach registers a consumer. An idle entry, or one that stopped
// retrying, starts a fresh connection attempt.
func (l *lifecycle) attach(c *consumer) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.consumers = append(l.consumers, c)
	n := len(l.consumers)
	l.observer.Consumers(l.endpoint, n)

	if l.stopped {
		return n
	}

	switch {
	case l.state == StateIdle:
		l.connectLocked()
	case l.state == StateClosed && l.retry == nil:
		l.attempt = 0
		l.connectLocked()
	}

	return n
}

// detach removes a consumer and returns how many remain.
func (l *lifecycle) detach(id string) (remaining int, found bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, c := range l.consumers {
		if c.id == id {
			c.detached.Store(true)
			l.consumers = slices.Delete(l.consumers, i, i+1)
			found = true
			break
		}
	}

	n := len(l.consumers)
	if found {
		l.observer.Consumers(l.endpoint, n)
	}
	return n, found
}

func (l *lifecycle) consumerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.consumers)
}

// connectLocked moves to Connecting and dials in the background.
func (l *lifecycle) connectLocked() {
	l.gen++
	gen := l.gen

	l.gaveUp = false
	l.unauthorized = false
	l.stats.TotalConnections++
	l.observer.ConnectAttempt(l.endpoint)
	l.setStateLocked(StateConnecting)

	timeout := l.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	l.cancelDial = cancel

	target, header := l.dialTarget()
	go l.dial(ctx, cancel, gen, target, header, time.Now())
}

func (l *lifecycle) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, target string, header http.Header, started time.Time) {
	t, err := l.dialer.Dial(ctx, target, header)
	cancel()

	l.mu.Lock()
	if gen != l.gen || l.state != StateConnecting {
		l.mu.Unlock()
		if t != nil {
			t.Close(CloseNormalClosure, "superseded")
		}
		return
	}
	l.cancelDial = nil

	if err != nil {
		l.stats.FailedConnections++
		l.observer.ConnectFailed(l.endpoint)
		l.logger.Warn("websocket connect failed",
			"attempt", l.attempt,
			"error", err,
		)
		l.closedLocked(closeInfoFromError(err))
		l.mu.Unlock()
		return
	}

	now := time.Now()
	took := now.Sub(started)

	l.transport = t
	l.attempt = 0
	l.lastSeen = now
	l.stats.recordConnected(took, now)
	l.heartbeat = startHeartbeat(l.cfg.HeartbeatInterval, func() { l.beat(gen) })
	l.setStateLocked(StateOpen)
	l.observer.Connected(l.endpoint, took)
	l.mu.Unlock()

	l.logger.Info("websocket connected", "took", took)

	go l.readLoop(t, gen)
}

// readLoop reads frames until the transport fails.
func (l *lifecycle) readLoop(t Transport, gen uint64) {
	for {
		data, err := t.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately

		if err != nil {
			l.transportFailed(gen, closeInfoFromError(err))
			return
		}

		l.handleFrame(gen, t, data, receivedAt)
	}
}

// handleFrame filters keep-alive traffic and fans application frames out.
func (l *lifecycle) handleFrame(gen uint64, t Transport, data []byte, receivedAt time.Time) {
	f, ok := parseFrame(data)
	if !ok {
		l.logger.Debug("dropping malformed message", "bytes", len(data))
		return
	}

	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.lastSeen = receivedAt

	if f.isControl() {
		var reply []byte
		switch f.Type {
		case FramePing:
			reply = pongFrame(f.Timestamp)
		case FramePong:
			if ms, ok := f.millis(); ok {
				d := receivedAt.Sub(time.UnixMilli(ms))
				l.stats.recordLatency(d)
				l.observer.Latency(l.endpoint, d)
			}
		}
		l.mu.Unlock()

		if reply != nil {
			if err := t.WriteMessage(reply); err != nil {
				l.logger.Debug("failed to answer ping", "error", err)
			}
		}
		return
	}

	l.stats.MessagesReceived++
	consumers := slices.Clone(l.consumers)
	l.mu.Unlock()

	l.observer.MessageReceived(l.endpoint)

	msg := Message{
		Endpoint:   l.endpoint,
		Type:       f.Type,
		Data:       json.RawMessage(data),
		ReceivedAt: receivedAt,
	}

	for _, c := range consumers {
		if c.onMessage == nil || c.detached.Load() {
			continue
		}
		l.safeCall(c.id, func() { c.onMessage(msg) })
	}
}

// transportFailed handles a read error on the open transport.
func (l *lifecycle) transportFailed(gen uint64, info CloseInfo) {
	l.mu.Lock()
	if gen != l.gen || l.state != StateOpen {
		l.mu.Unlock()
		return
	}

	l.logger.Info("websocket disconnected",
		"code", info.Code,
		"reason", info.Reason,
	)
	t := l.closedLocked(info)
	l.mu.Unlock()

	if t != nil {
		t.Close(CloseNormalClosure, "")
	}
}

// beat runs on every heartbeat tick.
func (l *lifecycle) beat(gen uint64) {
	now := time.Now()

	l.mu.Lock()
	if gen != l.gen || l.state != StateOpen || l.transport == nil {
		l.mu.Unlock()
		return
	}

	if l.cfg.PongTimeout > 0 && now.Sub(l.lastSeen) > l.cfg.PongTimeout {
		l.logger.Warn("no heartbeat reply, connection stale",
			"last_seen", l.lastSeen,
			"timeout", l.cfg.PongTimeout,
		)
		t := l.closedLocked(CloseInfo{
			Code:   CloseAbnormalClosure,
			Reason: "heartbeat timeout",
			Err:    ErrStaleConnection,
		})
		l.mu.Unlock()

		if t != nil {
			t.Close(CloseGoingAway, "heartbeat timeout")
		}
		return
	}

	t := l.transport
	l.mu.Unlock()

	if err := t.WriteMessage(pingFrame(now)); err != nil {
		l.logger.Debug("failed to send ping", "error", err)
	}
}

// closedLocked moves to Closed, decides whether to reconnect, and returns
// the transport the caller must close after unlocking.
func (l *lifecycle) closedLocked(info CloseInfo) Transport {
	l.heartbeat.Stop()
	l.heartbeat = nil

	t := l.transport
	l.transport = nil

	if l.state == StateOpen {
		l.stats.ConnectedAt = time.Time{}
		l.observer.Disconnected(l.endpoint, info.Code)
	}
	l.lastClose = info

	delay, retry := l.decideLocked(info)
	l.setStateLocked(StateClosed)

	if retry {
		gen := l.gen
		l.retry = time.AfterFunc(delay, func() { l.reconnect(gen) })
	}

	return t
}

// decideLocked applies the reconnect policy to a close.
func (l *lifecycle) decideLocked(info CloseInfo) (time.Duration, bool) {
	switch {
	case l.stopped:
		return 0, false

	case len(l.consumers) == 0:
		l.logger.Debug("no consumers, not reconnecting")
		return 0, false

	case l.isAuthFailure(info):
		l.unauthorized = true
		l.logger.Warn("websocket rejected credentials, not reconnecting", "code", info.Code)
		if l.onAuthFailure != nil {
			go l.onAuthFailure(l.endpoint)
		}
		return 0, false

	case l.isNormalClose(info.Code):
		l.logger.Info("websocket closed normally, not reconnecting", "code", info.Code)
		return 0, false

	case l.policy.Exhausted(l.attempt):
		l.gaveUp = true
		l.observer.GaveUp(l.endpoint)
		l.logger.Warn("max reconnection attempts reached, giving up", "attempts", l.attempt)
		return 0, false
	}

	l.attempt++
	l.stats.ReconnectAttempts++
	delay, _ := l.policy.Next(l.attempt)

	l.observer.ReconnectScheduled(l.endpoint, l.attempt, delay)
	l.logger.Info("reconnect scheduled",
		"attempt", l.attempt,
		"max_attempts", l.policy.MaxAttempts,
		"delay", delay,
	)
	return delay, true
}

// reconnect fires from the retry timer.
func (l *lifecycle) reconnect(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.gen || l.stopped || l.state != StateClosed {
		return
	}
	l.retry = nil

	if len(l.consumers) == 0 {
		return
	}
	l.connectLocked()
}

// send writes data if the transport is open. It never queues.
func (l *lifecycle) send(data []byte) bool {
	l.mu.Lock()
	if l.state != StateOpen || l.transport == nil {
		state := l.state
		l.mu.Unlock()

		l.observer.SendDropped(l.endpoint)
		l.logger.Warn("websocket is not connected, dropping message", "state", state)
		return false
	}
	t := l.transport
	l.mu.Unlock()

	if err := t.WriteMessage(data); err != nil {
		l.observer.SendDropped(l.endpoint)
		l.logger.Warn("websocket send failed", "error", err)
		return false
	}

	l.mu.Lock()
	l.stats.MessagesSent++
	l.mu.Unlock()
	l.observer.MessageSent(l.endpoint)
	return true
}

// halt closes the entry with a terminal unauthorized status. Consumers
// stay attached so revive can reopen it.
func (l *lifecycle) halt(info CloseInfo) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}

	t := l.cancelLocked()
	l.unauthorized = true
	l.gaveUp = false
	l.lastClose = info
	l.setStateLocked(StateClosed)
	l.mu.Unlock()

	if t != nil {
		t.Close(CloseNormalClosure, info.Reason)
	}
}

// revive reopens an entry that stopped retrying and still has consumers.
func (l *lifecycle) revive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped || len(l.consumers) == 0 || l.state != StateClosed || l.retry != nil {
		return false
	}
	l.attempt = 0
	l.connectLocked()
	return true
}

// stop marks the lifecycle as torn down. The caller closes the returned
// transport and then calls finish.
func (l *lifecycle) stop(code int, reason string) Transport {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return nil
	}
	l.stopped = true

	t := l.cancelLocked()
	l.lastClose = CloseInfo{Code: code, Reason: reason}
	l.setStateLocked(StateClosed)
	return t
}

// finish closes the transport handed back by stop and drains notifications.
func (l *lifecycle) finish(t Transport, code int, reason string) {
	if t != nil {
		t.Close(code, reason)
	}
	l.events.stop()
	l.logger.Debug("connection lifecycle finished")
}

// cancelLocked invalidates every in-flight event and cancels timers.
func (l *lifecycle) cancelLocked() Transport {
	l.gen++

	if l.cancelDial != nil {
		l.cancelDial()
		l.cancelDial = nil
	}
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	l.heartbeat.Stop()
	l.heartbeat = nil

	t := l.transport
	l.transport = nil

	if l.state == StateOpen || l.state == StateConnecting {
		l.stats.ConnectedAt = time.Time{}
		l.setStateLocked(StateClosing)
	}
	return t
}

func (l *lifecycle) isNormalClose(code int) bool {
	return slices.Contains(l.cfg.NormalCloseCodes, code)
}

func (l *lifecycle) isAuthFailure(info CloseInfo) bool {
	var hs *HandshakeError
	if errors.As(info.Err, &hs) && hs.Unauthorized() {
		return true
	}
	return slices.Contains(l.cfg.AuthFailureCodes, info.Code)
}

// dialTarget attaches the current token as a bearer header and, when
// configured, as a query parameter.
func (l *lifecycle) dialTarget() (string, http.Header) {
	header := http.Header{}
	if l.tokens == nil {
		return l.endpoint, header
	}

	token := l.tokens.CurrentToken()
	if token == "" {
		return l.endpoint, header
	}
	header.Set("Authorization", "Bearer "+token)

	if l.cfg.TokenParam == "" {
		return l.endpoint, header
	}

	u, err := url.Parse(l.endpoint)
	if err != nil {
		return l.endpoint, header
	}
	q := u.Query()
	q.Set(l.cfg.TokenParam, token)
	u.RawQuery = q.Encode()
	return u.String(), header
}

func (l *lifecycle) setStateLocked(s State) {
	l.state = s
	l.changedAt = time.Now()
	l.events.push(l.statusLocked())
}

func (l *lifecycle) statusLocked() Status {
	return Status{
		Endpoint:     l.endpoint,
		State:        l.state,
		Attempt:      l.attempt,
		Consumers:    len(l.consumers),
		LastClose:    l.lastClose,
		GaveUp:       l.gaveUp,
		Unauthorized: l.unauthorized,
		ChangedAt:    l.changedAt,
	}
}

func (l *lifecycle) status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked()
}

func (l *lifecycle) snapshotStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats.snapshot(l.state == StateOpen)
}

// deliverStatus runs on the notifier goroutine.
func (l *lifecycle) deliverStatus(s Status) {
	l.mu.Lock()
	consumers := slices.Clone(l.consumers)
	l.mu.Unlock()

	for _, c := range consumers {
		if c.onState == nil || c.detached.Load() {
			continue
		}
		l.safeCall(c.id, func() { c.onState(s) })
	}
}

// safeCall isolates one consumer's callback from the others.
func (l *lifecycle) safeCall(id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("consumer callback panicked",
				"consumer", id,
				"panic", r,
			)
		}
	}()
	fn()
}

// redactToken hides credentials before a URL is logged.
func redactToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for _, key := range []string{"token", "access_token"} {
		if q.Has(key) {
			q.Set(key, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// notifier delivers status changes in order on its own goroutine so that
// callbacks never run under the lifecycle lock.
type notifier struct {
	mu      sync.Mutex
	queue   []Status
	closing bool

	wake    chan struct{}
	done    chan struct{}
	deliver func(Status)
}

func newNotifier(deliver func(Status)) *notifier {
	n := &notifier{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		deliver: deliver,
	}
	go n.run()
	return n
}

func (n *notifier) push(s Status) {
	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, s)
	n.mu.Unlock()
	n.signal()
}

// stop delivers what is queued and then ends the goroutine.
func (n *notifier) stop() {
	n.mu.Lock()
	n.closing = true
	n.mu.Unlock()
	n.signal()
}

func (n *notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)

	for range n.wake {
		for {
			n.mu.Lock()
			if len(n.queue) == 0 {
				closing := n.closing
				n.mu.Unlock()
				if closing {
					return
				}
				break
			}
			s := n.queue[0]
			n.queue = n.queue[1:]
			n.mu.Unlock()

			n.deliver(s)
		}
	}
}
