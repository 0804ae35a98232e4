package protocol

import (
	"testing"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	env := Send("lead", "hello there")
	frame, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	p := NewParser()
	got, err := p.Feed(frame)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(got))
	}
	if got[0].ID != env.ID || got[0].Type != TypeSend {
		t.Fatalf("round trip mismatch: %+v", got[0])
	}
}

func TestParserBuffersPartialFrames(t *testing.T) {
	env := Hello("agent-x", "bridge", DefaultCapabilities())
	frame, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	p := NewParser()
	split := len(frame) / 2

	got, err := p.Feed(frame[:split])
	if err != nil {
		t.Fatalf("Feed first half: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no envelopes from a partial frame, got %d", len(got))
	}

	got, err = p.Feed(frame[split:])
	if err != nil {
		t.Fatalf("Feed second half: %v", err)
	}
	if len(got) != 1 || got[0].Type != TypeHello {
		t.Fatalf("expected the HELLO envelope after the remainder arrived, got %+v", got)
	}
}

func TestParserEmitsMultipleFramesFromOneChunk(t *testing.T) {
	var chunk []byte
	for i := 0; i < 3; i++ {
		frame, err := Encode(Pong("n"))
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		chunk = append(chunk, frame...)
	}

	p := NewParser()
	got, err := p.Feed(chunk)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(got))
	}
}

func TestParserResynchronizesAfterBadFrame(t *testing.T) {
	bad, err := Encode(Envelope{V: Version, Type: TypePing, ID: "bad"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Corrupt the JSON body in place while keeping the length prefix valid.
	for i := lengthPrefixSize; i < len(bad); i++ {
		bad[i] = '!'
	}

	good, err := Encode(Pong("ok"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	p := NewParser()
	got, err := p.Feed(append(bad, good...))
	if err == nil {
		t.Fatalf("expected a parse error for the corrupted frame")
	}
	if len(got) != 1 || got[0].Type != TypePong {
		t.Fatalf("expected the well-formed frame after the bad one to still parse, got %+v", got)
	}
}

func TestDeliverExtractsSeqAndBody(t *testing.T) {
	env := Envelope{
		Type: TypeDeliver,
		Payload: map[string]any{
			"delivery": map[string]any{"seq": float64(7)},
			"payload":  map[string]any{"kind": "message", "body": "hi"},
		},
	}
	info := env.Deliver()
	if info.Seq != 7 || info.Body != "hi" {
		t.Fatalf("unexpected deliver info: %+v", info)
	}
}
