package coord

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"memcoord/pkg/types"
)

// Transport carries wire messages to and from the worker.
type Transport interface {
	Send(ctx context.Context, req types.WireRequest) error
	// Responses yields decoded responses and is closed when the peer goes away.
	Responses() <-chan types.WireResponse
	Close() error
}

// ErrTransportClosed is returned by Send after Close or peer EOF.
var ErrTransportClosed = errors.New("worker transport closed")

// maxLine bounds a single framed message.
const maxLine = 4 << 20

// LineTransport frames one JSON object per line over a reader/writer pair.
type LineTransport struct {
	w     io.Writer
	wc    io.Closer
	out   chan types.WireResponse
	log   zerolog.Logger
	wmu   sync.Mutex
	mu    sync.Mutex
	done  bool
	err   error
	close sync.Once
}

// NewLineTransport starts reading responses from r. If w is an io.Closer it
// is closed by Close.
func NewLineTransport(r io.Reader, w io.Writer) *LineTransport {
	t := &LineTransport{
		w:   w,
		out: make(chan types.WireResponse, 64),
		log: log.With().Str("component", "transport").Logger(),
	}
	if c, ok := w.(io.Closer); ok {
		t.wc = c
	}
	go t.readLoop(r)
	return t
}

func (t *LineTransport) readLoop(r io.Reader) {
	defer close(t.out)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp types.WireResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			malformedTotal.Inc()
			t.log.Warn().Err(err).Int("bytes", len(line)).Msg("discarding malformed line")
			continue
		}
		t.out <- resp
	}
	err := sc.Err()
	t.mu.Lock()
	t.done = true
	if err == nil {
		err = io.EOF
	}
	t.err = err
	t.mu.Unlock()
	t.log.Debug().Err(err).Msg("response stream ended")
}

// Send writes req as a single line.
func (t *LineTransport) Send(ctx context.Context, req types.WireRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done {
		return ErrTransportClosed
	}
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Action, err)
	}
	b = append(b, '\n')
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.w.Write(b); err != nil {
		return fmt.Errorf("write %s: %w", req.Action, err)
	}
	return nil
}

// Responses implements Transport.
func (t *LineTransport) Responses() <-chan types.WireResponse { return t.out }

// Err reports why the response stream ended, or nil while it is open.
func (t *LineTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close marks the transport closed and closes the write side.
func (t *LineTransport) Close() error {
	var err error
	t.close.Do(func() {
		t.mu.Lock()
		t.done = true
		t.mu.Unlock()
		if t.wc != nil {
			err = t.wc.Close()
		}
	})
	return err
}
