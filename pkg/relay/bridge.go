// Package relay implements the bridge client: a process that maintains one
// framed Unix-domain-socket connection per project daemon and routes
// messages between them and the agents running in this process.
package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/relaybridge/agent-relay/pkg/log"
	"github.com/relaybridge/agent-relay/pkg/protocol"
)

// StateChangeFunc is invoked whenever a project connection transitions
// between connected and disconnected.
type StateChangeFunc func(projectID string, connected bool)

// DeliverFunc is invoked for each DELIVER envelope received on a ready
// connection, after the ACK for it has already been written.
type DeliverFunc func(projectID, from, body, envelopeID string)

// Bridge owns one connection per configured project and exposes the
// fan-out surface callers use to talk to them.
type Bridge struct {
	opts Options
	log  *log.Logger

	onStateChange StateChangeFunc
	onDeliver     DeliverFunc

	shutdown atomic.Bool

	mu    sync.RWMutex
	conns map[string]*conn
}

// NewBridge constructs a Bridge for the given projects. onStateChange and
// onDeliver may be nil.
func NewBridge(projects []ProjectConfig, opts Options, onStateChange StateChangeFunc, onDeliver DeliverFunc) *Bridge {
	b := &Bridge{
		opts:          opts.withDefaults(),
		log:           log.ForService("bridge"),
		onStateChange: onStateChange,
		onDeliver:     onDeliver,
		conns:         make(map[string]*conn, len(projects)),
	}
	for _, p := range projects {
		b.conns[p.ID] = newConn(p, b.opts, &b.shutdown, onStateChange, onDeliver)
	}
	return b
}

// Connect opens every configured project concurrently. It succeeds only if
// every project reaches Ready within its handshake deadline; already-opened
// projects are left connected on partial failure (see DESIGN.md open
// questions — mirrors the reference bridge consumer, which does not roll
// back sibling connections either).
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.RLock()
	targets := make([]*conn, 0, len(b.conns))
	for _, c := range b.conns {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	errs := make([]error, len(targets))
	for i, c := range targets {
		wg.Add(1)
		go func(i int, c *conn) {
			defer wg.Done()
			errs[i] = c.open(ctx)
		}(i, c)
	}
	wg.Wait()

	var failed []error
	for i, err := range errs {
		if err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", targets[i].cfg.ID, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("bridge connect: %d of %d projects failed: %w", len(failed), len(targets), failed[0])
	}
	return nil
}

// SendToProject looks up the connection for projectId and, if Ready, writes
// a SEND envelope to it. The "lead" alias is resolved through the lead
// directory, falling back to the project's configured lead name.
func (b *Bridge) SendToProject(projectID, to, body string) bool {
	b.mu.RLock()
	c, ok := b.conns[projectID]
	b.mu.RUnlock()
	if !ok || !c.isReady() {
		return false
	}

	resolved := to
	if to == "lead" {
		if lead := c.currentLead(); lead != nil && lead.Name != "" {
			resolved = lead.Name
		} else {
			resolved = c.cfg.LeadName
		}
	}

	env := protocol.Send(resolved, body)
	if err := c.writeEnvelope(env); err != nil {
		b.log.Warnf("send to %s (%s) failed: %v", projectID, resolved, err)
		return false
	}
	return true
}

// BroadcastToLeads sends body to the lead of every configured project.
// Connections that are not Ready naturally return false from SendToProject
// and are simply skipped.
func (b *Bridge) BroadcastToLeads(body string) {
	for _, id := range b.allProjectIDs() {
		b.SendToProject(id, "lead", body)
	}
}

// BroadcastAll sends body to every agent of every Ready connection.
func (b *Bridge) BroadcastAll(body string) {
	for _, id := range b.allProjectIDs() {
		b.SendToProject(id, broadcastTo, body)
	}
}

const broadcastTo = "*"

// RegisterLead upserts the lead directory entry for a project. It does not
// check that the connection is Ready; a project id the Bridge has no
// connection record for is ignored and no entry is stored for it.
func (b *Bridge) RegisterLead(projectID, leadName string) {
	b.mu.RLock()
	c, ok := b.conns[projectID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	c.setLead(&LeadInfo{Name: leadName, ProjectID: projectID, Connected: true})
}

// GetConnectedProjects returns the ids of every project whose connection is
// currently Ready.
func (b *Bridge) GetConnectedProjects() []string {
	var out []string
	for _, id := range b.allProjectIDs() {
		b.mu.RLock()
		c := b.conns[id]
		b.mu.RUnlock()
		if c != nil && c.isReady() {
			out = append(out, id)
		}
	}
	return out
}

// Disconnect sets the shutdown latch (inhibiting further reconnects), then
// tears down every connection: cancel its reconnect timer, best-effort BYE,
// half-close the transport. The connection and lead tables are cleared.
func (b *Bridge) Disconnect() {
	b.shutdown.Store(true)

	b.mu.Lock()
	conns := b.conns
	b.conns = make(map[string]*conn)
	b.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (b *Bridge) allProjectIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.conns))
	for id := range b.conns {
		ids = append(ids, id)
	}
	return ids
}
