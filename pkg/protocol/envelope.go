// Package protocol defines the wire envelope exchanged with a project relay
// daemon and the length-prefixed framing used to put it on a Unix domain
// socket connection.
//
// The envelope shape and the set of message types are fixed by the daemons
// this client talks to; this package only originates and consumes them, it
// does not own the protocol.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version this client speaks.
const Version = 1

// Type identifies the kind of envelope being carried.
type Type string

const (
	TypeHello   Type = "HELLO"
	TypeWelcome Type = "WELCOME"
	TypeSend    Type = "SEND"
	TypeDeliver Type = "DELIVER"
	TypeAck     Type = "ACK"
	TypePing    Type = "PING"
	TypePong    Type = "PONG"
	TypeBye     Type = "BYE"
)

// Broadcast is the addressing wildcard meaning "every agent in the project".
const Broadcast = "*"

// Envelope is a single protocol message. Payload is kept as a raw map so the
// codec never needs to know every payload shape up front; typed accessors
// below decode it into the concrete payload structs.
type Envelope struct {
	V       int            `json:"v"`
	Type    Type           `json:"type"`
	ID      string         `json:"id"`
	TS      int64          `json:"ts"`
	To      string         `json:"to,omitempty"`
	From    string         `json:"from,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// NewEnvelope stamps a fresh id and the current timestamp on a new envelope
// of the given type. Callers fill in To/From/Payload as needed.
func NewEnvelope(t Type) Envelope {
	return Envelope{
		V:    Version,
		Type: t,
		ID:   uuid.New().String(),
		TS:   time.Now().UnixMilli(),
	}
}

// Capabilities describes what the local end of a HELLO/WELCOME supports.
type Capabilities struct {
	Ack            bool `json:"ack"`
	Resume         bool `json:"resume"`
	MaxInflight    int  `json:"max_inflight"`
	SupportsTopics bool `json:"supports_topics"`
}

// DefaultCapabilities is the capability set this client advertises in HELLO.
func DefaultCapabilities() Capabilities {
	return Capabilities{Ack: true, Resume: false, MaxInflight: 256, SupportsTopics: true}
}

// Hello builds a HELLO envelope announcing this client's identity.
func Hello(agent, cli string, caps Capabilities) Envelope {
	e := NewEnvelope(TypeHello)
	e.Payload = map[string]any{
		"agent": agent,
		"cli":   cli,
		"capabilities": map[string]any{
			"ack":             caps.Ack,
			"resume":          caps.Resume,
			"max_inflight":    caps.MaxInflight,
			"supports_topics": caps.SupportsTopics,
		},
	}
	return e
}

// Send builds a SEND envelope carrying a plain-text message body to `to`.
func Send(to, body string) Envelope {
	e := NewEnvelope(TypeSend)
	e.To = to
	e.Payload = map[string]any{"kind": "message", "body": body}
	return e
}

// AckFor builds the ACK envelope that must be sent in response to a DELIVER,
// referencing the delivered envelope's id and sequence number.
func AckFor(deliverID string, seq int) Envelope {
	e := NewEnvelope(TypeAck)
	e.Payload = map[string]any{"ack_id": deliverID, "seq": seq}
	return e
}

// Pong builds a PONG reply echoing the nonce (if any) carried by a PING.
func Pong(nonce string) Envelope {
	e := NewEnvelope(TypePong)
	if nonce != "" {
		e.Payload = map[string]any{"nonce": nonce}
	}
	return e
}

// Bye builds a best-effort disconnect notice.
func Bye() Envelope {
	e := NewEnvelope(TypeBye)
	e.Payload = map[string]any{}
	return e
}

// DeliverInfo extracts the fields the bridge needs out of a DELIVER
// envelope's nested payload: the sequence number (for the ACK) and the
// inner message body (for the delivery sink).
type DeliverInfo struct {
	Seq  int
	Body string
}

// Deliver decodes a DELIVER envelope's payload. It tolerates a missing or
// malformed delivery/payload block by returning zero values rather than an
// error, since parse errors on individual frames must not tear down the
// connection (see the bridge's inbound dispatch contract).
func (e Envelope) Deliver() DeliverInfo {
	var info DeliverInfo
	if d, ok := e.Payload["delivery"].(map[string]any); ok {
		if seq, ok := d["seq"].(float64); ok {
			info.Seq = int(seq)
		}
	}
	if p, ok := e.Payload["payload"].(map[string]any); ok {
		if body, ok := p["body"].(string); ok {
			info.Body = body
		}
	} else if body, ok := e.Payload["body"].(string); ok {
		info.Body = body
	}
	return info
}

// PingNonce extracts the optional nonce from a PING envelope's payload.
func (e Envelope) PingNonce() string {
	if n, ok := e.Payload["nonce"].(string); ok {
		return n
	}
	return ""
}
