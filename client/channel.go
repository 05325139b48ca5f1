// Package client holds the pieces a collaborator process runs: the
// session channel (duplex websocket to the hub), the local view
// reducer, and the REST loader used for the initial baseline.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 5 * time.Second

	defaultOutboxSize     = 64
	defaultPendingTimeout = 10 * time.Second
)

// ErrOutboxFull is returned by Emit when the channel is disconnected
// and the queue of intents waiting for reconnect is at capacity.
var ErrOutboxFull = errors.New("outbox full")

// ErrChannelClosed is returned by Emit after Close.
var ErrChannelClosed = errors.New("channel closed")

// Handler receives one decoded broadcast. Registering the same handler
// twice delivers each event twice; the channel does not deduplicate.
type Handler func(ev domain.Event)

type pendingIntent struct {
	revert func()
	timer  *time.Timer
}

// outboxEntry is one intent queued while disconnected. The correlation
// id ties it to its pending-intent entry so a timed-out, already
// rolled-back intent is not replayed on reconnect.
type outboxEntry struct {
	corrID  string
	payload []byte
}

// Channel maintains one persistent duplex connection to the hub per
// client process. It reconnects forever with backoff, queues intents
// emitted while disconnected in a bounded outbox, and tracks emitted
// intents by correlation id so an optimistic local edit can be rolled
// back when the hub rejects it or never answers.
//
// A Channel is constructed and owned by its caller; nothing here is a
// process-wide singleton.
type Channel struct {
	url    string
	log    *log.Logger
	dialer *websocket.Dialer

	outboxSize     int
	pendingTimeout time.Duration
	onConnect      func()

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	handlers  map[domain.EventType][]*handlerEntry
	outbox    []outboxEntry
	pending   map[string]pendingIntent

	writeMu sync.Mutex

	newCorrID func() string
}

type handlerEntry struct {
	fn Handler
}

// Option configures a Channel.
type Option func(*Channel)

// WithOutboxSize bounds the number of intents queued while
// disconnected.
func WithOutboxSize(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.outboxSize = n
		}
	}
}

// WithPendingTimeout sets how long an emitted intent may stay
// unanswered before its revert runs.
func WithPendingTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.pendingTimeout = d
		}
	}
}

// WithOnConnect registers a hook invoked after every successful
// (re)connect, before the outbox is flushed. The reducer uses it to
// re-fetch the full baseline so state missed while offline is not lost.
func WithOnConnect(fn func()) Option {
	return func(c *Channel) { c.onConnect = fn }
}

// NewChannel builds a channel for the given websocket URL. Run must be
// called to actually connect.
func NewChannel(url string, logger *log.Logger, opts ...Option) *Channel {
	c := &Channel{
		url:            url,
		log:            logger,
		dialer:         websocket.DefaultDialer,
		outboxSize:     defaultOutboxSize,
		pendingTimeout: defaultPendingTimeout,
		handlers:       make(map[domain.EventType][]*handlerEntry),
		pending:        make(map[string]pendingIntent),
		newCorrID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connected reports whether the channel currently holds a live
// connection.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// On subscribes handler to one event type and returns the matching
// unsubscribe function.
func (c *Channel) On(t domain.EventType, handler Handler) (off func()) {
	entry := &handlerEntry{fn: handler}
	c.mu.Lock()
	c.handlers[t] = append(c.handlers[t], entry)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		entries := c.handlers[t]
		for i, e := range entries {
			if e == entry {
				c.handlers[t] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Emit sends an intent to the hub and returns its correlation id. When
// disconnected the intent is queued for the next reconnect; a full
// queue yields ErrOutboxFull and the intent is dropped. If revert is
// non-nil it runs when the hub answers the intent with an error event,
// or when no answer arrives within the pending timeout.
func (c *Channel) Emit(in domain.Intent, revert func()) (string, error) {
	corrID := c.newCorrID()
	payload, err := domain.EncodeIntent(in, corrID)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrChannelClosed
	}
	if !c.connected {
		if len(c.outbox) >= c.outboxSize {
			c.mu.Unlock()
			return "", ErrOutboxFull
		}
		c.outbox = append(c.outbox, outboxEntry{corrID: corrID, payload: payload})
		c.trackPendingLocked(corrID, revert)
		c.mu.Unlock()
		c.log.WithField("type", in.IntentType()).Debug("intent queued while disconnected")
		return corrID, nil
	}
	conn := c.conn
	c.trackPendingLocked(corrID, revert)
	c.mu.Unlock()

	if err := c.write(conn, payload); err != nil {
		// the intent never left; roll the optimistic edit back now
		c.resolvePending(corrID, true)
		return "", err
	}
	return corrID, nil
}

func (c *Channel) write(conn *websocket.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Channel) trackPendingLocked(corrID string, revert func()) {
	if revert == nil {
		return
	}
	timer := time.AfterFunc(c.pendingTimeout, func() {
		c.resolvePending(corrID, true)
	})
	c.pending[corrID] = pendingIntent{revert: revert, timer: timer}
}

// resolvePending removes the tracked intent; failed runs its revert. A
// failed intent still sitting in the outbox is dropped there too, so
// the rollback and the wire stay in agreement.
func (c *Channel) resolvePending(corrID string, failed bool) {
	c.mu.Lock()
	p, ok := c.pending[corrID]
	if ok {
		delete(c.pending, corrID)
		p.timer.Stop()
	}
	if failed {
		for i, e := range c.outbox {
			if e.corrID == corrID {
				c.outbox = append(c.outbox[:i], c.outbox[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()
	if ok && failed && p.revert != nil {
		p.revert()
	}
}

// Run dials and serves the connection until ctx is cancelled or Close
// is called, reconnecting forever with backoff doubling from 1s to a 5s
// cap.
func (c *Channel) Run(ctx context.Context) {
	delay := initialBackoff
	for {
		if ctx.Err() != nil || c.isClosed() {
			return
		}
		conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			c.log.WithError(err).WithField("url", c.url).Warn("channel dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxBackoff {
				delay = maxBackoff
			}
			continue
		}
		delay = initialBackoff
		c.serveConn(ctx, conn)
	}
}

func (c *Channel) serveConn(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.connected = true
	queued := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	if c.onConnect != nil {
		c.onConnect()
	}
	for i, entry := range queued {
		if err := c.write(conn, entry.payload); err != nil {
			c.log.WithError(err).Warn("outbox flush failed")
			c.requeue(queued[i:])
			break
		}
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !c.isClosed() {
				c.log.WithError(err).Warn("channel disconnected")
			}
			break
		}
		c.dispatch(data)
	}
	close(stop)
	conn.Close()

	c.mu.Lock()
	c.connected = false
	c.conn = nil
	c.mu.Unlock()
}

// requeue puts an unsent outbox tail back at the head of the queue so
// the next reconnect retries it; nothing queued while offline is
// dropped silently.
func (c *Channel) requeue(tail []outboxEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(tail) == 0 {
		return
	}
	next := make([]outboxEntry, 0, len(tail)+len(c.outbox))
	next = append(next, tail...)
	next = append(next, c.outbox...)
	c.outbox = next
}

func (c *Channel) dispatch(data []byte) {
	ev, env, err := domain.DecodeEvent(data)
	if err != nil {
		c.log.WithError(err).Warn("undecodable broadcast dropped")
		return
	}
	if env.CorrelationID != "" {
		_, failed := ev.(domain.ErrorEvent)
		c.resolvePending(env.CorrelationID, failed)
	}

	c.mu.Lock()
	entries := c.handlers[ev.EventType()]
	fns := make([]Handler, len(entries))
	for i, e := range entries {
		fns[i] = e.fn
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears the channel down. Pending intents are dropped without
// running their reverts; queued outbox intents are discarded.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	for id, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, id)
	}
	c.outbox = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
