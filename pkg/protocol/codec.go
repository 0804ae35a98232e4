package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Frames are a 4-byte big-endian length prefix followed by that many bytes
// of JSON-encoded envelope. An explicit length, rather than a delimiter,
// means a single write corresponds to exactly one frame regardless of
// payload content.

// maxFrameLen guards against a corrupt or hostile length prefix causing an
// unbounded allocation.
const maxFrameLen = 16 * 1024 * 1024

const lengthPrefixSize = 4

// Encode serializes an envelope into a single length-prefixed frame.
func Encode(e Envelope) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(body) > maxFrameLen {
		return nil, fmt.Errorf("encode envelope: frame too large (%d bytes)", len(body))
	}
	out := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[lengthPrefixSize:], body)
	return out, nil
}

// Parser accumulates bytes across chunk boundaries and emits complete
// envelopes as they become available. It never emits a partial envelope and
// never drops bytes between Feed calls; a parse error on one frame is
// recoverable by discarding that frame's bytes and continuing from the next
// length prefix once enough data has been consumed to determine a new frame
// boundary.
type Parser struct {
	buf []byte
}

// NewParser returns a parser with an empty internal buffer.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends a chunk of bytes read from the transport and returns every
// envelope that is now complete. Parse errors for an individual frame are
// returned alongside any successfully parsed envelopes that preceded it;
// the caller is expected to log and continue, per the connection's parse
// error contract.
func (p *Parser) Feed(chunk []byte) ([]Envelope, error) {
	p.buf = append(p.buf, chunk...)

	var out []Envelope
	var firstErr error
	for {
		if len(p.buf) < lengthPrefixSize {
			return out, firstErr
		}
		frameLen := binary.BigEndian.Uint32(p.buf[:lengthPrefixSize])
		if frameLen > maxFrameLen {
			// Resynchronization is not possible without dropping the
			// stream; surface the error and let the caller tear down
			// the connection rather than read garbage forever.
			if firstErr == nil {
				firstErr = fmt.Errorf("parse frame: declared length %d exceeds maximum %d", frameLen, maxFrameLen)
			}
			p.buf = nil
			return out, firstErr
		}
		total := lengthPrefixSize + int(frameLen)
		if len(p.buf) < total {
			return out, firstErr
		}

		body := p.buf[lengthPrefixSize:total]
		var env Envelope
		err := json.Unmarshal(body, &env)
		p.buf = p.buf[total:]
		if err != nil {
			// Skip this one frame and keep going; the next complete
			// frame still buffered is independently parseable.
			if firstErr == nil {
				firstErr = fmt.Errorf("parse frame: %w", err)
			}
			continue
		}
		out = append(out, env)
	}
}
