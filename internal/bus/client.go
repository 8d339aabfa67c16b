package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/hermes/internal/observability"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ClientConfig configures one connection manager.
type ClientConfig struct {
	// URL is the hub websocket endpoint, e.g. ws://127.0.0.1:9300/ws.
	URL              string
	Token            string
	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	OutboundBuffer   int
	SubscriberBuffer int
	Reconnect        ReconnectConfig
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DialTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		OutboundBuffer:   256,
		SubscriberBuffer: 64,
		Reconnect:        DefaultReconnectConfig(),
	}
}

type connState int

const (
	stateConnecting connState = iota
	stateConnected
	stateDegraded
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateDegraded:
		return "degraded"
	default:
		return "closed"
	}
}

type subscription struct {
	ch chan Event
}

// queued is one outbound message tagged with the connection it was
// accepted for.
type queued struct {
	msg Message
	gen uint64
}

// Client is a connection manager for one hub. It is safe for concurrent
// use; Run (or Connect) drives the connection from a single goroutine.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	rng    *rand.Rand
	now    func() time.Time

	mu          sync.Mutex
	state       connState
	changed     chan struct{}
	retryAt     time.Time
	subs        map[string]map[*subscription]struct{}
	gen         uint64
	undelivered map[string]int

	outbound chan queued
	wake     chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	startOnce sync.Once
	runCtx    context.Context
	runCancel context.CancelFunc
}

func NewClient(cfg ClientConfig) *Client {
	def := DefaultClientConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = def.OutboundBuffer
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Client{
		cfg:         cfg,
		dialer:      &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		now:         time.Now,
		changed:     make(chan struct{}),
		subs:        make(map[string]map[*subscription]struct{}),
		undelivered: make(map[string]int),
		outbound:    make(chan queued, cfg.OutboundBuffer),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		runCtx:      runCtx,
		runCancel:   runCancel,
	}
}

// Connect starts the manager in the background and waits for the first
// connection. It returns ErrBrokerUnavailable once the first bounded dial
// cycle is exhausted; the manager keeps running either way.
func (c *Client) Connect(ctx context.Context) error {
	c.startOnce.Do(func() {
		go func() {
			err := c.Run(c.runCtx)
			if err != nil && !errors.Is(err, ErrClientClosed) && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("bus client stopped")
			}
		}()
	})
	for {
		c.mu.Lock()
		state, changed := c.state, c.changed
		c.mu.Unlock()
		switch state {
		case stateConnected:
			return nil
		case stateDegraded:
			return fmt.Errorf("%w: %s", ErrBrokerUnavailable, c.cfg.URL)
		case stateClosed:
			return ErrClientClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Run drives the connection until ctx is done or the client is closed.
// Call it at most once, or use Connect.
func (c *Client) Run(ctx context.Context) error {
	defer c.stopped()
	reconnect := false
	for {
		if err := c.alive(ctx); err != nil {
			return err
		}
		conn, err := c.dialCycle(ctx, reconnect)
		if err != nil {
			if aliveErr := c.alive(ctx); aliveErr != nil {
				return aliveErr
			}
			c.enterDegraded()
			log.Warn().Err(err).Str("url", c.cfg.URL).
				Dur("cool_down", c.cfg.Reconnect.CoolDown).Msg("bus unreachable, publishing degraded")
			if err := c.awaitRetry(ctx); err != nil {
				return err
			}
			continue
		}
		reconnect = true
		log.Info().Str("url", c.cfg.URL).Msg("bus connected")
		if err := c.serve(ctx, conn); err != nil {
			if aliveErr := c.alive(ctx); aliveErr != nil {
				return aliveErr
			}
			log.Warn().Err(err).Str("url", c.cfg.URL).Msg("bus connection lost")
		}
	}
}

func (c *Client) alive(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	return ctx.Err()
}

func (c *Client) dialCycle(ctx context.Context, reconnect bool) (*websocket.Conn, error) {
	c.setState(stateConnecting)
	maxAttempts := c.cfg.Reconnect.MaxAttempts
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if reconnect || attempt > 1 {
			observability.RecordBusReconnect()
		}
		conn, err := c.dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Debug().Err(err).Int("attempt", attempt).Int("max_attempts", maxAttempts).Msg("bus dial failed")
		if attempt == maxAttempts {
			break
		}
		if err := c.sleep(ctx, NextBackoffDelay(c.cfg.Reconnect.Backoff, attempt, c.rng)); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %d dial attempts: %v", ErrBrokerUnavailable, maxAttempts, lastErr)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	case <-timer.C:
		return nil
	}
}

func (c *Client) enterDegraded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryAt = c.now().Add(c.cfg.Reconnect.CoolDown)
	c.setStateLocked(stateDegraded)
}

// awaitRetry parks the manager until a publish or subscribe asks for a
// new cycle after the cool-down has elapsed.
func (c *Client) awaitRetry(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClientClosed
		case <-c.wake:
		}
		c.mu.Lock()
		ready := !c.now().Before(c.retryAt)
		c.mu.Unlock()
		if ready {
			return nil
		}
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()
	defer c.discardOutbound()

	c.mu.Lock()
	rooms := make([]string, 0, len(c.subs))
	for room := range c.subs {
		rooms = append(rooms, room)
	}
	c.gen++
	gen := c.gen
	c.setStateLocked(stateConnected)
	c.mu.Unlock()

	for _, room := range rooms {
		if err := c.write(conn, Message{Op: OpJoin, Room: room}); err != nil {
			c.setState(stateConnecting)
			return err
		}
	}

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	for {
		select {
		case <-ctx.Done():
			c.goodbye(conn)
			return ctx.Err()
		case <-c.done:
			c.goodbye(conn)
			return ErrClientClosed
		case err := <-readErr:
			c.setState(stateConnecting)
			return err
		case q := <-c.outbound:
			if q.gen != gen {
				// Accepted for an earlier connection; sending it now would
				// reorder the room against the record store.
				c.lost(q.msg)
				continue
			}
			if err := c.write(conn, q.msg); err != nil {
				c.lost(q.msg)
				c.setState(stateConnecting)
				return err
			}
		}
	}
}

// discardOutbound drops everything still buffered for a connection that
// is gone.
func (c *Client) discardOutbound() {
	for {
		select {
		case q := <-c.outbound:
			c.lost(q.msg)
		default:
			return
		}
	}
}

// lost counts a publish that was accepted but never written.
func (c *Client) lost(msg Message) {
	if msg.Op != OpPublish {
		return
	}
	observability.RecordBusLost(msg.Event)
	c.mu.Lock()
	c.undelivered[msg.Room]++
	c.mu.Unlock()
}

// TakeUndelivered returns how many accepted publishes for room were lost
// since the last call and resets the count.
func (c *Client) TakeUndelivered(room string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.undelivered[room]
	delete(c.undelivered, room)
	return n
}

func (c *Client) write(conn *websocket.Conn, msg Message) error {
	_ = conn.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(msg)
}

func (c *Client) goodbye(conn *websocket.Conn) {
	deadline := c.now().Add(c.cfg.WriteTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Op {
		case OpEvent:
			c.deliver(Event{Room: msg.Room, Name: msg.Event, Payload: msg.Payload})
		case OpError:
			log.Warn().Str("detail", msg.Event).Msg("bus hub rejected message")
		}
	}
}

func (c *Client) deliver(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs[ev.Room] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Publish hands one event to the connection without blocking. It returns
// ErrBrokerUnavailable when the client is not connected or its outbound
// buffer is full; a degraded client past its cool-down starts a new
// connection cycle in the background.
func (c *Client) Publish(room, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: encode %s payload: %w", event, err)
	}

	c.mu.Lock()
	state, gen := c.state, c.gen
	retry := state == stateDegraded && !c.now().Before(c.retryAt)
	c.mu.Unlock()

	switch state {
	case stateClosed:
		return ErrClientClosed
	case stateConnected:
	default:
		if retry {
			c.signalWake()
		}
		observability.RecordBusPublish(event, false)
		return fmt.Errorf("%w: %s", ErrBrokerUnavailable, state)
	}

	select {
	case c.outbound <- queued{msg: Message{Op: OpPublish, Room: room, Event: event, Payload: data}, gen: gen}:
		observability.RecordBusPublish(event, true)
		return nil
	default:
		observability.RecordBusPublish(event, false)
		return fmt.Errorf("%w: outbound buffer full", ErrBrokerUnavailable)
	}
}

// Subscribe joins room and returns its events until ctx is done or the
// client closes, at which point the channel is closed. Membership survives
// reconnects; events broadcast while disconnected are not replayed.
func (c *Client) Subscribe(ctx context.Context, room string) (<-chan Event, error) {
	sub := &subscription{ch: make(chan Event, c.cfg.SubscriberBuffer)}

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	members, ok := c.subs[room]
	if !ok {
		members = make(map[*subscription]struct{})
		c.subs[room] = members
	}
	members[sub] = struct{}{}
	first := len(members) == 1
	state, gen := c.state, c.gen
	retry := state == stateDegraded && !c.now().Before(c.retryAt)
	c.mu.Unlock()

	if first && state == stateConnected {
		select {
		case c.outbound <- queued{msg: Message{Op: OpJoin, Room: room}, gen: gen}:
		case <-ctx.Done():
		case <-c.done:
		}
	}
	if retry {
		c.signalWake()
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		c.unsubscribe(room, sub)
	}()
	return sub.ch, nil
}

func (c *Client) unsubscribe(room string, sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	members := c.subs[room]
	if _, ok := members[sub]; !ok {
		return
	}
	delete(members, sub)
	close(sub.ch)
	if len(members) > 0 {
		return
	}
	delete(c.subs, room)
	if c.state == stateConnected {
		select {
		case c.outbound <- queued{msg: Message{Op: OpLeave, Room: room}, gen: c.gen}:
		default:
		}
	}
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// Close stops the manager and closes every subscription.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.setStateLocked(stateClosed)
		c.mu.Unlock()
		close(c.done)
		c.runCancel()
	})
	return nil
}

func (c *Client) stopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateClosed {
		c.retryAt = time.Time{}
		c.setStateLocked(stateDegraded)
	}
}

func (c *Client) signalWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) setState(s connState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

func (c *Client) setStateLocked(s connState) {
	if c.state == s || c.state == stateClosed {
		return
	}
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}

var (
	_ Publisher        = (*Client)(nil)
	_ DeliveryReporter = (*Client)(nil)
)
