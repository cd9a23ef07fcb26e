package modbus

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// LinkOptions tune a Link.
type LinkOptions struct {
	// Timeout is the per-request response window.
	Timeout time.Duration
	// FrameGap is the idle time enforced after each exchange.
	FrameGap time.Duration
}

// Link performs framed request/response exchanges over a half-duplex
// multi-drop bus. At most one exchange is on the wire at any time. A Link
// never retries; retry policy belongs to its caller.
type Link struct {
	open     Opener
	timeout  time.Duration
	frameGap time.Duration

	// sem is the bus token. Holding it grants exclusive use of port.
	sem chan struct{}

	mu   sync.Mutex
	port Port
}

// NewLink creates a lazily connected link. The port is opened on first use
// and reopened after a write failure.
func NewLink(open Opener, opts LinkOptions) *Link {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &Link{
		open:     open,
		timeout:  opts.Timeout,
		frameGap: opts.FrameGap,
		sem:      make(chan struct{}, 1),
	}
}

// Connected reports whether the link currently holds an open port.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil
}

// Close releases the port. A later Send reopens it.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == nil {
		return nil
	}
	err := l.port.Close()
	l.port = nil
	return err
}

// Send writes one request frame to address and waits for its reply.
func (l *Link) Send(ctx context.Context, address, function byte, payload []byte) (*Response, error) {
	if address < 1 || address > 247 {
		return nil, ErrInvalidAddress
	}
	if err := l.acquire(ctx, address, function); err != nil {
		return nil, err
	}
	defer l.release()

	port, err := l.ensurePort(address, function)
	if err != nil {
		return nil, err
	}
	if err := l.write(port, BuildFrame(address, function, payload), address, function); err != nil {
		return nil, err
	}
	frame, err := l.readReply(ctx, port, address, function)
	if err != nil {
		return nil, err
	}
	return ParseResponse(frame, address, function)
}

// Broadcast writes a request to every slave (address 0). Slaves do not reply
// to broadcasts, so only the write is checked.
func (l *Link) Broadcast(ctx context.Context, function byte, payload []byte) error {
	if err := l.acquire(ctx, 0, function); err != nil {
		return err
	}
	defer l.release()

	port, err := l.ensurePort(0, function)
	if err != nil {
		return err
	}
	if err := l.write(port, BuildFrame(0, function, payload), 0, function); err != nil {
		return err
	}
	// Give the slaves time to act before the bus is used again.
	time.Sleep(100 * time.Millisecond)
	return nil
}

func (l *Link) acquire(ctx context.Context, address, function byte) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return &LinkError{Kind: KindBusy, Address: address, Function: function, Err: ctx.Err()}
	}
}

func (l *Link) release() {
	if l.frameGap > 0 {
		time.Sleep(l.frameGap)
	}
	<-l.sem
}

func (l *Link) ensurePort(address, function byte) (Port, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port != nil {
		return l.port, nil
	}
	port, err := l.open()
	if err != nil {
		return nil, &LinkError{Kind: KindPortUnavailable, Address: address, Function: function, Err: err}
	}
	l.port = port
	return port, nil
}

// drop closes a port that failed so the next request reopens it.
func (l *Link) drop(port Port) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == port {
		_ = port.Close()
		l.port = nil
	}
}

func (l *Link) write(port Port, frame []byte, address, function byte) error {
	if err := port.Flush(); err != nil {
		l.drop(port)
		return &LinkError{Kind: KindPortUnavailable, Address: address, Function: function, Err: err}
	}
	if _, err := port.Write(frame); err != nil {
		l.drop(port)
		return &LinkError{Kind: KindPortUnavailable, Address: address, Function: function, Err: err}
	}
	return nil
}

var errDeadline = errors.New("no reply within deadline")

func (l *Link) readReply(ctx context.Context, port Port, address, function byte) ([]byte, error) {
	deadline := time.Now().Add(l.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	fail := func(got int, err error) error {
		kind := KindTimeout
		if got > 0 {
			kind = KindMalformed // truncated frame
		}
		if !errors.Is(err, errDeadline) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			l.drop(port)
			kind = KindPortUnavailable
		}
		return &LinkError{Kind: kind, Address: address, Function: function, Err: err}
	}

	frame := make([]byte, 2, 64)
	if n, err := readFull(ctx, port, frame, deadline); err != nil {
		return nil, fail(n, err)
	}

	more, needCount, err := remainingLength(frame[1], 0, false)
	if err != nil {
		return nil, &LinkError{Kind: KindMalformed, Address: address, Function: function, Err: err}
	}
	if needCount {
		count := make([]byte, 1)
		if _, err := readFull(ctx, port, count, deadline); err != nil {
			return nil, fail(len(frame), err)
		}
		frame = append(frame, count[0])
		more, _, _ = remainingLength(frame[1], count[0], true)
	}

	rest := make([]byte, more)
	if _, err := readFull(ctx, port, rest, deadline); err != nil {
		return nil, fail(len(frame), err)
	}
	return append(frame, rest...), nil
}

// readFull fills buf before deadline. Reads that return no data (the serial
// driver's per-read timeout) are retried until the deadline passes.
func readFull(ctx context.Context, r io.Reader, buf []byte, deadline time.Time) (int, error) {
	off := 0
	for off < len(buf) {
		if err := ctx.Err(); err != nil {
			return off, err
		}
		if !time.Now().Before(deadline) {
			return off, errDeadline
		}
		n, err := r.Read(buf[off:])
		off += n
		if err != nil && !errors.Is(err, io.EOF) {
			return off, err
		}
		if n == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}
	return off, nil
}
