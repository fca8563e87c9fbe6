// Package stream maintains the push connection to the account's event
// namespace and delivers classified events to subscribers.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trymwestin/simplisafe/internal/core/clock"
	"github.com/trymwestin/simplisafe/internal/core/events"
	"github.com/trymwestin/simplisafe/internal/core/model"
	"github.com/trymwestin/simplisafe/internal/core/transport"
)

const (
	defaultPingInterval     = 25 * time.Second
	defaultPingTimeout      = 60 * time.Second
	defaultHandshakeTimeout = 15 * time.Second

	DefaultBackoffMin  = time.Second
	DefaultBackoffMax  = 30 * time.Second
	DefaultMaxAttempts = 10
)

const reasonTransportClose = "transport close"

var errReconnectFailed = errors.New("stream: reconnect attempts exhausted")

// Handler receives stream events. Handlers run on the stream goroutine and
// must not call Close or Subscription.Cancel synchronously.
type Handler func(events.Event)

// Account resolves what the connection is scoped to.
type Account interface {
	UserID(ctx context.Context) (model.ID, error)
	SubscriptionID(ctx context.Context) (model.ID, error)
	AccessToken() string
}

// Config configures a Stream.
type Config struct {
	Dialer  transport.Dialer
	Account Account
	// OnLockout is called synchronously for events after which lock states
	// are still settling.
	OnLockout func()
	Clock     clock.Clock
	Log       *slog.Logger

	BackoffMin  time.Duration
	BackoffMax  time.Duration
	MaxAttempts int
}

// Stream owns at most one push connection.
type Stream struct {
	dialer      transport.Dialer
	account     Account
	onLockout   func()
	clock       clock.Clock
	log         *slog.Logger
	backoffMin  time.Duration
	backoffMax  time.Duration
	maxAttempts int

	deliverMu sync.Mutex // held while handlers run

	mu       sync.Mutex
	conn     *connection
	handlers []subscriber
	nextID   uint64
}

type subscriber struct {
	id uint64
	fn Handler
}

// connection is one logical push connection, possibly spanning several
// websocket sessions when the transport reconnects.
type connection struct {
	userID model.ID
	sid    model.ID
	cancel context.CancelFunc
	done   chan struct{}

	connected atomic.Bool

	mu     sync.Mutex
	ws     transport.Conn
	closed bool
}

// New creates an idle stream.
func New(cfg Config) *Stream {
	s := &Stream{
		dialer:      cfg.Dialer,
		account:     cfg.Account,
		onLockout:   cfg.OnLockout,
		clock:       cfg.Clock,
		log:         cfg.Log,
		backoffMin:  cfg.BackoffMin,
		backoffMax:  cfg.BackoffMax,
		maxAttempts: cfg.MaxAttempts,
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.backoffMin <= 0 {
		s.backoffMin = DefaultBackoffMin
	}
	if s.backoffMax <= 0 {
		s.backoffMax = DefaultBackoffMax
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	return s
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	stream *Stream
	id     uint64
}

// Subscribe registers fn and opens the connection if none is open. Further
// subscribers share the open connection.
func (s *Stream) Subscribe(ctx context.Context, fn Handler) (*Subscription, error) {
	s.mu.Lock()
	if s.conn != nil {
		sub := s.addLocked(fn)
		s.mu.Unlock()
		return sub, nil
	}
	s.mu.Unlock()

	userID, err := s.account.UserID(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream: subscribe: %w", err)
	}
	sid, err := s.account.SubscriptionID(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream: subscribe: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.addLocked(fn)
	if s.conn == nil {
		runCtx, cancel := context.WithCancel(context.Background())
		c := &connection{userID: userID, sid: sid, cancel: cancel, done: make(chan struct{})}
		s.conn = c
		go s.run(runCtx, c)
	}
	return sub, nil
}

func (s *Stream) addLocked(fn Handler) *Subscription {
	s.nextID++
	s.handlers = append(s.handlers, subscriber{id: s.nextID, fn: fn})
	return &Subscription{stream: s, id: s.nextID}
}

// Cancel detaches the handler. The connection is closed when no handlers remain.
func (sub *Subscription) Cancel() {
	s := sub.stream
	s.mu.Lock()
	for i, h := range s.handlers {
		if h.id == sub.id {
			s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
			break
		}
	}
	last := len(s.handlers) == 0 && s.conn != nil
	s.mu.Unlock()

	if last {
		s.Close()
		return
	}
	// Wait out a delivery that may still hold the removed handler.
	s.deliverMu.Lock()
	s.deliverMu.Unlock()
}

// Close closes the connection and detaches every handler. No handler is
// running or will run once Close returns.
func (s *Stream) Close() {
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	s.handlers = nil
	s.mu.Unlock()

	if c != nil {
		c.cancel()
		c.close()
		<-c.done
		s.log.Info("event stream closed")
	}
	s.deliverMu.Lock()
	s.deliverMu.Unlock()
}

// Connected reports whether the connection is open and acknowledged.
func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && s.conn.connected.Load()
}

func (s *Stream) run(ctx context.Context, c *connection) {
	defer close(c.done)

	ws, hs, err := s.connect(ctx, c)
	if err != nil {
		if ctx.Err() == nil {
			s.lose(c, "connect failed: "+err.Error())
		}
		return
	}

	for {
		reason, terminal := s.serve(ctx, c, ws, hs)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		if terminal {
			s.lose(c, reason)
			return
		}

		s.log.Warn("event stream disconnected, reconnecting", "reason", reason)
		s.deliver(c, events.Event{Type: events.Disconnect, Reason: reason})

		ws, hs, err = s.reconnect(ctx, c)
		if err != nil {
			if ctx.Err() == nil {
				s.lose(c, err.Error())
			}
			return
		}
	}
}

func (s *Stream) connect(ctx context.Context, c *connection) (transport.Conn, transport.Handshake, error) {
	var hs transport.Handshake

	ws, err := s.dialer.Dial(ctx, c.userID.String(), s.account.AccessToken())
	if err != nil {
		return nil, hs, err
	}
	if !c.attach(ws) {
		return nil, hs, context.Canceled
	}

	_ = ws.SetReadDeadline(time.Now().Add(defaultHandshakeTimeout))
	p, err := ws.Recv(ctx)
	if err != nil {
		c.detach(ws)
		return nil, hs, fmt.Errorf("stream: handshake: %w", err)
	}
	if p.Engine != transport.EngineOpen {
		c.detach(ws)
		return nil, hs, fmt.Errorf("stream: handshake: unexpected packet %q", p.Encode())
	}
	if len(p.Data) > 0 {
		if err := json.Unmarshal(p.Data, &hs); err != nil {
			c.detach(ws)
			return nil, hs, fmt.Errorf("stream: handshake: %w", err)
		}
	}

	if err := ws.Send(ctx, transport.Connect(transport.Namespace(c.userID.String()))); err != nil {
		c.detach(ws)
		return nil, hs, fmt.Errorf("stream: namespace connect: %w", err)
	}
	return ws, hs, nil
}

func (s *Stream) reconnect(ctx context.Context, c *connection) (transport.Conn, transport.Handshake, error) {
	delay := s.backoffMin
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := s.sleep(ctx, delay); err != nil {
			return nil, transport.Handshake{}, err
		}

		ws, hs, err := s.connect(ctx, c)
		if err == nil {
			return ws, hs, nil
		}
		if ctx.Err() != nil {
			return nil, hs, ctx.Err()
		}
		s.log.Warn("event stream reconnect failed", "attempt", attempt, "error", err)
		delay = min(delay*2, s.backoffMax)
	}
	return nil, transport.Handshake{}, errReconnectFailed
}

// serve reads packets until the session ends. terminal is true when the
// server ended the session and no reconnect should be attempted.
func (s *Stream) serve(ctx context.Context, c *connection, ws transport.Conn, hs transport.Handshake) (reason string, terminal bool) {
	interval := hs.Interval(defaultPingInterval)
	timeout := hs.Timeout(defaultPingTimeout)
	namespace := transport.Namespace(c.userID.String())

	p := s.startPinger(ws, interval)
	defer p.stop()
	defer c.detach(ws)

	for {
		_ = ws.SetReadDeadline(time.Now().Add(interval + timeout))
		pkt, err := ws.Recv(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrBadPacket) {
				s.log.Debug("ignoring malformed packet", "error", err)
				continue
			}
			return reasonTransportClose, false
		}

		switch pkt.Engine {
		case transport.EnginePing:
			_ = ws.Send(ctx, transport.Packet{Engine: transport.EnginePong, Data: pkt.Data})
		case transport.EngineClose:
			return "server close", true
		case transport.EngineMessage:
			switch pkt.Socket {
			case transport.SocketConnect:
				if pkt.Namespace != namespace {
					continue
				}
				c.connected.Store(true)
				s.log.Info("event stream connected", "user_id", c.userID)
				s.deliver(c, events.Event{Type: events.Connected})
			case transport.SocketDisconnect:
				return "io server disconnect", true
			case transport.SocketError:
				msg := transport.ErrorMessage(pkt.Data)
				s.log.Warn("event stream error", "error", msg)
				return msg, true
			case transport.SocketEvent:
				s.handleEvent(c, pkt.Data)
			}
		}
	}
}

func (s *Stream) handleEvent(c *connection, data json.RawMessage) {
	name, args, err := transport.EventArgs(data)
	if err != nil {
		s.log.Debug("ignoring event packet", "error", err)
		return
	}
	if name != "event" || len(args) == 0 {
		s.log.Debug("ignoring socket message", "name", name)
		return
	}

	var raw events.Raw
	if err := json.Unmarshal(args[0], &raw); err != nil {
		s.log.Warn("event payload not understood", "error", err)
		return
	}
	if raw.SID != c.sid {
		return
	}

	cl := events.Classify(raw)
	if cl.ArmsLockout && s.onLockout != nil {
		s.onLockout()
	}
	if !cl.Deliver {
		s.log.Info("event received", "event_cid", raw.EventCid, "note", cl.Note, "info", raw.Info)
		return
	}
	if cl.Type == events.EventUnknown {
		s.log.Debug("unknown event", "event_cid", raw.EventCid, "event_type", raw.EventType)
	}
	s.deliver(c, events.Event{Type: cl.Type, Raw: &raw})
}

func (s *Stream) deliver(c *connection, ev events.Event) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}
	handlers := append([]subscriber(nil), s.handlers...)
	s.mu.Unlock()

	for _, h := range handlers {
		h.fn(ev)
	}
}

// lose tears the connection down and surfaces CONNECTION_LOST to the
// handlers that were attached to it.
func (s *Stream) lose(c *connection, reason string) {
	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}
	handlers := s.handlers
	s.conn = nil
	s.handlers = nil
	s.mu.Unlock()

	c.close()
	s.log.Warn("event stream lost", "reason", reason)

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	ev := events.Event{Type: events.ConnectionLost, Reason: reason}
	for _, h := range handlers {
		h.fn(ev)
	}
}

func (s *Stream) sleep(ctx context.Context, d time.Duration) error {
	fired := make(chan struct{})
	t := s.clock.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

type pinger struct {
	mu      sync.Mutex
	timer   clock.Timer
	stopped bool
}

func (s *Stream) startPinger(ws transport.Conn, interval time.Duration) *pinger {
	p := &pinger{}
	var tick func()
	tick = func() {
		if err := ws.Send(context.Background(), transport.Ping()); err != nil {
			s.log.Debug("keepalive ping failed", "error", err)
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.stopped {
			p.timer = s.clock.AfterFunc(interval, tick)
		}
	}

	p.mu.Lock()
	p.timer = s.clock.AfterFunc(interval, tick)
	p.mu.Unlock()
	return p
}

func (p *pinger) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
}

func (c *connection) attach(ws transport.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = ws.Close()
		return false
	}
	c.ws = ws
	return true
}

func (c *connection) detach(ws transport.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
	_ = ws.Close()
}

func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected.Store(false)
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
}
