package process

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Stream identifies which child pipe a chunk was read from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Chunk is one decoded piece of child output, in the order it was read.
type Chunk struct {
	Stream Stream `json:"stream"`
	Text   string `json:"text"`
}

// Subscriber receives every chunk synchronously.
type Subscriber func(Chunk)

const readBufferSize = 4096

// Multiplexer fans decoded child output out to subscribers and accumulates it
// per stream for post-run extraction.
type Multiplexer struct {
	mu     sync.Mutex
	subs   []Subscriber
	bufs   map[Stream]*strings.Builder
	closed bool
}

// NewMultiplexer creates an empty multiplexer.
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{
		bufs: map[Stream]*strings.Builder{
			StreamStdout: {},
			StreamStderr: {},
		},
	}
}

// Subscribe registers s; subscribers are called in registration order.
func (m *Multiplexer) Subscribe(s Subscriber) {
	if s == nil {
		return
	}
	m.mu.Lock()
	m.subs = append(m.subs, s)
	m.mu.Unlock()
}

// Publish forwards text to every subscriber, then appends it to the stream's
// buffer. It is a no-op once the multiplexer is closed.
func (m *Multiplexer) Publish(stream Stream, text string) {
	if text == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	c := Chunk{Stream: stream, Text: text}
	for _, s := range m.subs {
		s(c)
	}

	buf, ok := m.bufs[stream]
	if !ok {
		buf = &strings.Builder{}
		m.bufs[stream] = buf
	}
	buf.WriteString(text)
}

// Pump reads r until EOF, decoding with enc, and publishes every read as one
// chunk. The decoder is streaming, so multi-byte characters split across reads
// are emitted whole.
func (m *Multiplexer) Pump(stream Stream, r io.Reader, enc encoding.Encoding) error {
	if enc == nil {
		enc = unicode.UTF8
	}
	dr := transform.NewReader(r, enc.NewDecoder())

	buf := make([]byte, readBufferSize)
	for {
		n, err := dr.Read(buf)
		if n > 0 {
			m.Publish(stream, string(buf[:n]))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("reading %s: %w", stream, err)
		}
	}
}

// Text returns everything accumulated on stream so far.
func (m *Multiplexer) Text(stream Stream) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if buf, ok := m.bufs[stream]; ok {
		return buf.String()
	}
	return ""
}

// Close stops delivery. Chunks published afterwards are dropped.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// LookupEncoding resolves an encoding by its WHATWG name ("utf-8", "gbk",
// "gb18030", ...). An empty name means UTF-8.
func LookupEncoding(name string) (encoding.Encoding, error) {
	if name == "" {
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown output encoding %q: %w", name, err)
	}
	return enc, nil
}
