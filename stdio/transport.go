// Package stdio implements the local stream transport: newline-delimited
// JSON-RPC over a byte stream pair, typically a child process's stdin and
// stdout. It is intended for embedding servers as subprocesses, local
// development, and environments where piping JSON to a child is simpler
// than running an HTTP server.
//
// Characteristics
//
//	Connection model : 1 stream pair <-> 1 logical connection
//	Sessions         : none; a close is final, nothing is replayed
//	Framing          : one JSON-RPC message or batch per line
//
// Options allow supplying an alternate io.Reader / io.Writer or a custom
// logger. Pipe builds a connected in-process transport pair for tests and
// embedded use.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/leehack/mcp-go/jsonrpc"
	"github.com/leehack/mcp-go/protocol"
)

// maxLineBytes bounds a single framed message. Oversized lines fault the
// transport rather than silently truncating.
const maxLineBytes = 16 * 1024 * 1024

// Option customizes a Transport.
type Option func(*Transport)

// WithIO sets the reader and writer for the transport. Defaults are
// os.Stdin and os.Stdout.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(t *Transport) {
		if r != nil {
			t.r = r
		}
		if w != nil {
			t.w = w
		}
	}
}

// WithLogger sets the logger used for transport events.
func WithLogger(log *slog.Logger) Option {
	return func(t *Transport) {
		t.log = log
	}
}

// Transport frames JSON-RPC payloads as newline-delimited JSON over a byte
// stream pair. It has no resumption semantics: once the stream ends, the
// transport is closed for good.
type Transport struct {
	r   io.Reader
	w   io.Writer
	log *slog.Logger

	// closers are shut on Close to unblock the read loop. Populated with
	// the stream ends when they are closable.
	closers []io.Closer

	mu        sync.Mutex
	started   bool
	closed    bool
	onMessage func(jsonrpc.Message)
	onError   func(error)
	onClose   func()

	wmu sync.Mutex

	closeOnce sync.Once
}

var _ protocol.Transport = (*Transport)(nil)

// New builds a transport over stdin/stdout unless overridden by options.
func New(opts ...Option) *Transport {
	t := &Transport{
		r:   os.Stdin,
		w:   os.Stdout,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if c, ok := t.r.(io.Closer); ok {
		t.closers = append(t.closers, c)
	}
	if c, ok := t.w.(io.Closer); ok {
		t.closers = append(t.closers, c)
	}
	return t
}

// Pipe returns two transports connected back to back in process. Closing
// either side ends the stream for both.
func Pipe() (*Transport, *Transport) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a := New(WithIO(ar, aw))
	b := New(WithIO(br, bw))
	return a, b
}

// Start launches the read loop. The context bounds startup only; cancel the
// transport with Close.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return protocol.ErrAlreadyStarted
	}
	if t.closed {
		t.mu.Unlock()
		return protocol.ErrConnectionClosed
	}
	t.started = true
	t.mu.Unlock()

	go t.readLoop()
	return nil
}

// Send writes one payload followed by a newline. Writes are serialized so
// concurrent senders never interleave frames.
func (t *Transport) Send(ctx context.Context, msg jsonrpc.Message) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return protocol.ErrNotStarted
	}
	if t.closed {
		t.mu.Unlock()
		return protocol.ErrConnectionClosed
	}
	t.mu.Unlock()

	if bytes.ContainsRune(msg, '\n') {
		return errors.New("payload must not contain a newline")
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.w.Write(append(msg, '\n')); err != nil {
		return err
	}
	return nil
}

func (t *Transport) OnMessage(fn func(jsonrpc.Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

func (t *Transport) OnError(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = fn
}

func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = fn
}

// Close ends the stream and fires the close callback exactly once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		onClose := t.onClose
		t.mu.Unlock()

		for _, c := range t.closers {
			_ = c.Close()
		}
		if onClose != nil {
			onClose()
		}
	})
	return nil
}

func (t *Transport) readLoop() {
	scanner := bufio.NewScanner(t.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		t.mu.Lock()
		onMessage := t.onMessage
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		if onMessage == nil {
			t.log.Warn("stdio.read.dropped", slog.Int("bytes", len(line)))
			continue
		}
		// The scanner reuses its buffer across lines.
		onMessage(jsonrpc.Message(bytes.Clone(line)))
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
		t.mu.Lock()
		onError := t.onError
		t.mu.Unlock()
		if onError != nil {
			onError(err)
		}
	}

	_ = t.Close()
}
