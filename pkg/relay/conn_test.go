package relay

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaybridge/agent-relay/pkg/protocol"
)

func newDeliverEnvelope(from, body string, seq int) protocol.Envelope {
	e := protocol.NewEnvelope(protocol.TypeDeliver)
	e.From = from
	e.Payload = map[string]any{
		"delivery": map[string]any{"seq": seq},
		"payload":  map[string]any{"kind": "message", "body": body},
	}
	return e
}

func testOpts() Options {
	return Options{
		AgentName:         "test-bridge",
		Reconnect:         false,
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
	}.withDefaults()
}

func TestConnOpenReachesReadyOnWelcome(t *testing.T) {
	d := newFakeDaemon(t)
	defer d.close()
	d.acceptOne()

	var shutdown atomic.Bool
	var gotState []bool
	c := newConn(ProjectConfig{ID: "p1", SocketPath: d.socketPath, LeadName: "lead-1"}, testOpts(), &shutdown,
		func(projectID string, connected bool) { gotState = append(gotState, connected) },
		nil,
	)

	if err := c.open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !c.isReady() {
		t.Fatalf("expected connection to be ready")
	}
	if len(gotState) != 1 || gotState[0] != true {
		t.Fatalf("expected a single connected=true callback, got %v", gotState)
	}

	hello, ok := d.lastHello()
	if !ok {
		t.Fatalf("daemon never received a HELLO")
	}
	if hello.Payload["agent"] != "test-bridge" || hello.Payload["cli"] != "bridge" {
		t.Fatalf("unexpected HELLO payload: %+v", hello.Payload)
	}
}

func TestConnOpenFailsWhenSocketMissing(t *testing.T) {
	var shutdown atomic.Bool
	c := newConn(ProjectConfig{ID: "p1", SocketPath: missingSocketPath(t)}, testOpts(), &shutdown, nil, nil)

	err := c.open(context.Background())
	if err != ErrSocketMissing {
		t.Fatalf("expected ErrSocketMissing, got %v", err)
	}
}

func TestConnOpenTimesOutWithoutWelcome(t *testing.T) {
	d := newFakeDaemon(t)
	defer d.close()
	d.welcomeOnHello = false
	d.acceptOne()

	opts := testOpts()
	var shutdown atomic.Bool
	c := newConn(ProjectConfig{ID: "p1", SocketPath: d.socketPath}, opts, &shutdown, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := c.open(ctx)
	if err != ErrConnectionTimeout {
		t.Fatalf("expected ErrConnectionTimeout, got %v", err)
	}
}

func TestConnDeliverAcksBeforeSink(t *testing.T) {
	d := newFakeDaemon(t)
	defer d.close()
	d.acceptOne()

	var shutdown atomic.Bool
	delivered := make(chan string, 1)
	c := newConn(ProjectConfig{ID: "p1", SocketPath: d.socketPath}, testOpts(), &shutdown, nil,
		func(projectID, from, body, envelopeID string) {
			delivered <- body
		},
	)
	if err := c.open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	env := newDeliverEnvelope("lead-1", "hello from lead", 3)
	if err := d.send(env); err != nil {
		t.Fatalf("send deliver: %v", err)
	}

	select {
	case body := <-delivered:
		if body != "hello from lead" {
			t.Fatalf("unexpected delivered body: %q", body)
		}
	case <-time.After(time.Second):
		t.Fatalf("delivery sink never invoked")
	}

	ack, ok := d.waitForType(protocol.TypeAck, time.Second)
	if !ok {
		t.Fatalf("daemon never received an ACK")
	}
	if ack.Payload["ack_id"] != env.ID {
		t.Fatalf("ack did not reference the delivered envelope id: %+v", ack.Payload)
	}
}

func TestConnReconnectsAfterUnexpectedClose(t *testing.T) {
	d := newFakeDaemon(t)
	defer d.close()
	d.acceptOne()

	opts := testOpts()
	opts.Reconnect = true
	var shutdown atomic.Bool

	var transitions []bool
	c := newConn(ProjectConfig{ID: "p1", SocketPath: d.socketPath}, opts, &shutdown,
		func(projectID string, connected bool) { transitions = append(transitions, connected) },
		nil,
	)
	if err := c.open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	d.dropConnection()
	d.acceptOne()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.isReady() && len(transitions) >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !c.isReady() {
		t.Fatalf("connection never became ready again after reconnect")
	}
	if len(transitions) < 3 || transitions[0] != true || transitions[1] != false || transitions[2] != true {
		t.Fatalf("expected true,false,true transitions, got %v", transitions)
	}
}

func TestConnCloseIsIdempotentAndCancelsReconnect(t *testing.T) {
	d := newFakeDaemon(t)
	defer d.close()
	d.acceptOne()

	opts := testOpts()
	opts.Reconnect = true
	opts.ReconnectDelay = time.Hour
	opts.MaxReconnectDelay = time.Hour
	var shutdown atomic.Bool
	c := newConn(ProjectConfig{ID: "p1", SocketPath: d.socketPath}, opts, &shutdown, nil, nil)
	if err := c.open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Drop the transport so a reconnect timer is armed, then close before it fires.
	d.dropConnection()
	pending := false
	for deadline := time.Now().Add(time.Second); !pending && time.Now().Before(deadline); {
		c.mu.Lock()
		pending = c.reconnectTimer != nil
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	if !pending {
		t.Fatalf("expected a reconnect to be scheduled after the drop")
	}

	shutdown.Store(true)
	c.close()
	c.close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnectTimer != nil {
		t.Fatalf("expected close to cancel the pending reconnect timer")
	}
}
