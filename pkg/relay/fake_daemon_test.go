package relay

import (
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaybridge/agent-relay/pkg/protocol"
)

// fakeDaemon is a minimal stand-in for a project relay daemon: it accepts one
// Unix socket connection, reads framed envelopes, and lets the test script
// replies and deliveries. It mirrors the shape of the real daemon closely
// enough to exercise the connection's handshake and dispatch logic without
// depending on any particular daemon implementation.
type fakeDaemon struct {
	t          *testing.T
	socketPath string
	ln         net.Listener

	mu       sync.Mutex
	conn     net.Conn
	received []protocol.Envelope

	welcomeOnHello bool
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "relay.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d := &fakeDaemon{t: t, socketPath: socketPath, ln: ln, welcomeOnHello: true}
	return d
}

func (d *fakeDaemon) acceptOne() {
	go func() {
		c, err := d.ln.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.conn = c
		d.mu.Unlock()
		d.readLoop(c)
	}()
}

func (d *fakeDaemon) readLoop(c net.Conn) {
	p := protocol.NewParser()
	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			envs, _ := p.Feed(buf[:n])
			for _, e := range envs {
				d.mu.Lock()
				d.received = append(d.received, e)
				d.mu.Unlock()
				if e.Type == protocol.TypeHello && d.welcomeOnHello {
					d.send(protocol.NewEnvelope(protocol.TypeWelcome))
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (d *fakeDaemon) send(e protocol.Envelope) error {
	frame, err := protocol.Encode(e)
	if err != nil {
		return err
	}
	d.mu.Lock()
	c := d.conn
	d.mu.Unlock()
	_, err = c.Write(frame)
	return err
}

func (d *fakeDaemon) sendRaw(b []byte) error {
	d.mu.Lock()
	c := d.conn
	d.mu.Unlock()
	_, err := c.Write(b)
	return err
}

func (d *fakeDaemon) lastHello() (protocol.Envelope, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.received) - 1; i >= 0; i-- {
		if d.received[i].Type == protocol.TypeHello {
			return d.received[i], true
		}
	}
	return protocol.Envelope{}, false
}

func (d *fakeDaemon) waitForType(typ protocol.Type, timeout time.Duration) (protocol.Envelope, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		for _, e := range d.received {
			if e.Type == typ {
				d.mu.Unlock()
				return e, true
			}
		}
		d.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	return protocol.Envelope{}, false
}

func (d *fakeDaemon) dropConnection() {
	d.mu.Lock()
	c := d.conn
	d.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

func (d *fakeDaemon) close() {
	d.ln.Close()
	d.mu.Lock()
	if d.conn != nil {
		d.conn.Close()
	}
	d.mu.Unlock()
}

func missingSocketPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "does-not-exist.sock")
}
