package relay

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaybridge/agent-relay/pkg/log"
	"github.com/relaybridge/agent-relay/pkg/protocol"
)

// state is the project connection's lifecycle state, per the state machine:
// Idle -> Connecting -> HandshakePending -> Ready -> Closing -> Closed, plus
// Reconnecting (entered from Closed, exits back to Connecting).
type state int

const (
	stateIdle state = iota
	stateConnecting
	stateHandshakePending
	stateReady
	stateClosing
	stateClosed
	stateReconnecting
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateHandshakePending:
		return "handshake_pending"
	case stateReady:
		return "ready"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	case stateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// dialFunc opens a transport to a Unix domain socket. Overridable in tests.
type dialFunc func(ctx context.Context, socketPath string) (net.Conn, error)

func defaultDial(ctx context.Context, socketPath string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", socketPath)
}

// conn is a single project connection: the transport, its frame parser, and
// the reconnect bookkeeping, owned exclusively by the Bridge that created it.
type conn struct {
	cfg  ProjectConfig
	opts Options
	log  *log.Logger
	dial dialFunc

	onStateChange StateChangeFunc
	onDeliver     DeliverFunc
	shutdown      *atomic.Bool

	mu                sync.Mutex
	st                state
	nc                net.Conn
	parser            *protocol.Parser
	lead              *LeadInfo
	reconnectAttempts int
	reconnectTimer    *time.Timer
	reconnecting      bool

	writeMu sync.Mutex

	handshakeResult chan error
	resultOnce      *sync.Once
}

func newConn(cfg ProjectConfig, opts Options, shutdown *atomic.Bool, onStateChange StateChangeFunc, onDeliver DeliverFunc) *conn {
	return &conn{
		cfg:           cfg,
		opts:          opts,
		log:           log.ForService("relay." + cfg.ID),
		dial:          defaultDial,
		onStateChange: onStateChange,
		onDeliver:     onDeliver,
		shutdown:      shutdown,
		st:            stateIdle,
	}
}

// open performs the full Open transition synchronously: it blocks until the
// connection reaches Ready, the handshake deadline elapses, or the transport
// fails before Ready. It starts the read loop in the background.
func (c *conn) open(parent context.Context) error {
	if _, err := os.Lstat(c.cfg.SocketPath); err != nil {
		c.setState(stateClosed)
		return ErrSocketMissing
	}

	ctx, cancel := context.WithTimeout(parent, handshakeTimeout)
	defer cancel()

	c.setState(stateConnecting)
	nc, err := c.dial(ctx, c.cfg.SocketPath)
	if err != nil {
		c.setState(stateClosed)
		return fmt.Errorf("open transport for %s: %w", c.cfg.ID, err)
	}

	resultCh := make(chan error, 1)
	once := &sync.Once{}

	c.mu.Lock()
	c.nc = nc
	c.parser = protocol.NewParser()
	c.st = stateHandshakePending
	c.handshakeResult = resultCh
	c.resultOnce = once
	c.mu.Unlock()

	hello := protocol.Hello(c.opts.AgentName, "bridge", protocol.DefaultCapabilities())
	if err := c.writeEnvelope(hello); err != nil {
		c.finishHandshake(once, resultCh, err)
		nc.Close()
		c.setState(stateClosed)
		return fmt.Errorf("write HELLO to %s: %w", c.cfg.ID, err)
	}

	go c.readLoop(nc, resultCh, once)

	select {
	case err := <-resultCh:
		if err != nil {
			return fmt.Errorf("handshake with %s: %w", c.cfg.ID, err)
		}
		return nil
	case <-ctx.Done():
		c.finishHandshake(once, resultCh, ErrConnectionTimeout)
		nc.Close()
		c.setState(stateClosed)
		return ErrConnectionTimeout
	}
}

func (c *conn) finishHandshake(once *sync.Once, ch chan error, err error) {
	once.Do(func() {
		ch <- err
	})
}

func (c *conn) setState(s state) {
	c.mu.Lock()
	c.st = s
	c.mu.Unlock()
}

func (c *conn) isReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st == stateReady
}

func (c *conn) readLoop(nc net.Conn, resultCh chan error, once *sync.Once) {
	buf := make([]byte, 32*1024)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			envs, perr := c.parser.Feed(buf[:n])
			if perr != nil {
				c.log.Warnf("frame parse error on %s (resynchronizing): %v", c.cfg.ID, perr)
			}
			for _, e := range envs {
				c.dispatch(e, once, resultCh)
			}
		}
		if err != nil {
			c.onTransportClosed(err, once, resultCh)
			return
		}
	}
}

func (c *conn) dispatch(e protocol.Envelope, once *sync.Once, resultCh chan error) {
	switch e.Type {
	case protocol.TypeWelcome:
		c.markReady(once, resultCh)
	case protocol.TypeDeliver:
		info := e.Deliver()
		ack := protocol.AckFor(e.ID, info.Seq)
		if err := c.writeEnvelope(ack); err != nil {
			c.log.Warnf("failed to ack delivery %s from %s: %v", e.ID, c.cfg.ID, err)
		}
		c.safeDeliver(e.From, info.Body, e.ID)
	case protocol.TypePing:
		pong := protocol.Pong(e.PingNonce())
		if err := c.writeEnvelope(pong); err != nil {
			c.log.Warnf("failed to pong %s: %v", c.cfg.ID, err)
		}
	default:
		// Unknown types are ignored.
	}
}

func (c *conn) safeDeliver(from, body, envelopeID string) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("delivery sink panicked for %s: %v", c.cfg.ID, r)
		}
	}()
	if c.onDeliver != nil {
		c.onDeliver(c.cfg.ID, from, body, envelopeID)
	}
}

func (c *conn) markReady(once *sync.Once, resultCh chan error) {
	c.mu.Lock()
	already := c.st == stateReady
	c.st = stateReady
	c.reconnectAttempts = 0
	c.mu.Unlock()

	c.finishHandshake(once, resultCh, nil)
	if !already && c.onStateChange != nil {
		c.onStateChange(c.cfg.ID, true)
	}
}

func (c *conn) onTransportClosed(cause error, once *sync.Once, resultCh chan error) {
	c.mu.Lock()
	wasReady := c.st == stateReady
	c.st = stateClosed
	if c.nc != nil {
		c.nc.Close()
	}
	c.mu.Unlock()

	if !wasReady {
		c.finishHandshake(once, resultCh, cause)
		return
	}

	if c.onStateChange != nil {
		c.onStateChange(c.cfg.ID, false)
	}
	if c.opts.Reconnect && !c.shutdown.Load() {
		c.scheduleReconnect()
	}
}

// writeEnvelope serializes and writes a single envelope, serializing writers
// with writeMu so the framing on the wire is never interleaved.
func (c *conn) writeEnvelope(e protocol.Envelope) error {
	frame, err := protocol.Encode(e)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", e.Type, err)
	}
	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()
	if nc == nil {
		return fmt.Errorf("write %s envelope: no transport", e.Type)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for written := 0; written < len(frame); {
		n, err := nc.Write(frame[written:])
		if err != nil {
			return fmt.Errorf("write %s envelope: %w", e.Type, err)
		}
		written += n
	}
	return nil
}

// scheduleReconnect increments the attempt counter and arms a one-shot timer
// per the exponential backoff policy: delay = min(reconnectDelay *
// 2^(attempts-1), maxReconnectDelay).
func (c *conn) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown.Load() {
		c.reconnecting = false
		return
	}

	c.reconnecting = true
	c.reconnectAttempts++
	attempts := c.reconnectAttempts

	if c.opts.MaxReconnectAttempts > 0 && attempts > c.opts.MaxReconnectAttempts {
		c.reconnecting = false
		c.log.Warnf("giving up reconnecting to %s after %d attempts", c.cfg.ID, attempts-1)
		return
	}

	delay := backoffDelay(c.opts.ReconnectDelay, c.opts.MaxReconnectDelay, attempts)
	c.st = stateReconnecting
	c.reconnectTimer = time.AfterFunc(delay, c.attemptReconnect)
}

func backoffDelay(base, cap time.Duration, attempts int) time.Duration {
	if attempts <= 1 {
		if base > cap {
			return cap
		}
		return base
	}
	shift := attempts - 1
	if shift > 62 {
		return cap
	}
	d := base * time.Duration(uint64(1)<<uint(shift))
	if d <= 0 || d > cap {
		return cap
	}
	return d
}

// attemptReconnect fires when the reconnect timer expires.
func (c *conn) attemptReconnect() {
	if c.shutdown.Load() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
		return
	}

	if _, err := os.Lstat(c.cfg.SocketPath); err != nil {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
		c.scheduleReconnect()
		return
	}

	err := c.open(context.Background())

	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()

	if err != nil {
		c.log.Warnf("reconnect to %s failed: %v", c.cfg.ID, err)
		c.scheduleReconnect()
		return
	}
}

// close performs the Closing transition: best-effort BYE, cancel any pending
// reconnect timer, half-close the transport. A connection that was Ready
// reports connected=false through the state-change callback.
func (c *conn) close() {
	c.mu.Lock()
	wasReady := c.st == stateReady
	c.st = stateClosing
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	nc := c.nc
	c.mu.Unlock()

	if nc != nil {
		_ = c.writeEnvelope(protocol.Bye())
		nc.Close()
	}

	c.setState(stateClosed)
	if wasReady && c.onStateChange != nil {
		c.onStateChange(c.cfg.ID, false)
	}
}

func (c *conn) currentLead() *LeadInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lead
}

func (c *conn) setLead(l *LeadInfo) {
	c.mu.Lock()
	c.lead = l
	c.mu.Unlock()
}
