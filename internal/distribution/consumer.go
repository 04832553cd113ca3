package distribution

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is the byte-stream connection of a consumer. net.Conn satisfies it,
// as do the QUIC stream wrappers in the transport package.
type Conn interface {
	io.WriteCloser
	RemoteAddr() net.Addr
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

var (
	// ErrQueueFull is the eviction cause for a queued consumer that fell
	// more than a queue's worth of frames behind.
	ErrQueueFull = errors.New("distribution: consumer queue full")

	// ErrClosed is returned by Send after a consumer has been closed.
	ErrClosed = errors.New("distribution: consumer closed")
)

// Consumer is one admitted connection. All methods except Stats are called
// from the relay loop goroutine only.
type Consumer interface {
	ID() string
	Slot() int
	// Join delivers the join-point prefix. It runs before the consumer is
	// placed in a slot, so no broadcast frame can precede it.
	Join(src JoinSource) error
	// Send delivers one start code + unit frame. A non-nil error means the
	// consumer is dead and must be evicted.
	Send(frame []byte) error
	Close() error
	Stats() ConsumerStats
}

// JoinSource is the join-point cache as seen by the dispatcher.
type JoinSource interface {
	Drain(w io.Writer) error
	Snapshot() []byte
}

// consumerBase holds the identity and delivery counters common to both
// delivery modes.
type consumerBase struct {
	id          string
	slot        int
	conn        Conn
	timeout     time.Duration
	connectedAt time.Time
	mode        DeliveryMode

	bytesSent  atomic.Int64
	framesSent atomic.Int64
}

func (b *consumerBase) ID() string { return b.id }
func (b *consumerBase) Slot() int  { return b.slot }

// write sends p in full, honoring the write timeout when the connection
// supports deadlines. Only bytes are counted; see writeFrame.
func (b *consumerBase) write(p []byte) error {
	if b.timeout > 0 {
		if d, ok := b.conn.(writeDeadliner); ok {
			if err := d.SetWriteDeadline(time.Now().Add(b.timeout)); err != nil {
				return fmt.Errorf("set write deadline: %w", err)
			}
		}
	}
	n, err := b.conn.Write(p)
	b.bytesSent.Add(int64(n))
	if err != nil {
		return err
	}
	if n < len(p) {
		return io.ErrShortWrite
	}
	return nil
}

// writeFrame writes one live frame. The join prefix is not a frame.
func (b *consumerBase) writeFrame(p []byte) error {
	if err := b.write(p); err != nil {
		return err
	}
	b.framesSent.Add(1)
	return nil
}

func (b *consumerBase) stats(queueDepth int) ConsumerStats {
	return ConsumerStats{
		ID:          b.id,
		Slot:        b.slot,
		Mode:        string(b.mode),
		RemoteAddr:  remoteString(b.conn),
		ConnectedAt: b.connectedAt.UnixMilli(),
		UptimeMs:    time.Since(b.connectedAt).Milliseconds(),
		BytesSent:   b.bytesSent.Load(),
		FramesSent:  b.framesSent.Load(),
		QueueDepth:  queueDepth,
	}
}

func remoteString(c Conn) string {
	if a := c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// blockingConsumer writes every frame synchronously on the caller's
// goroutine. A slow consumer stalls the whole relay loop until its write
// completes, fails or times out.
type blockingConsumer struct {
	consumerBase
	closeOnce sync.Once
	closed    bool
}

func (c *blockingConsumer) Join(src JoinSource) error {
	return src.Drain(writerFunc(c.write))
}

func (c *blockingConsumer) Send(frame []byte) error {
	if c.closed {
		return ErrClosed
	}
	return c.writeFrame(frame)
}

func (c *blockingConsumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed = true
		err = c.conn.Close()
	})
	return err
}

func (c *blockingConsumer) Stats() ConsumerStats {
	return c.stats(0)
}

// queuedConsumer hands frames to a dedicated sender goroutine through a
// bounded queue, so a stalled connection only affects itself. Frames are
// shared between consumers and must not be modified after Send.
type queuedConsumer struct {
	consumerBase
	log    *slog.Logger
	queue  chan queuedFrame
	done   chan struct{}
	notify func(Consumer, error)

	closeOnce sync.Once
	failOnce  sync.Once
	failed    atomic.Bool
}

type queuedFrame struct {
	data []byte
	join bool
}

func (c *queuedConsumer) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.run()
	}()
}

func (c *queuedConsumer) run() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.queue:
			write := c.writeFrame
			if f.join {
				write = c.write
			}
			if err := write(f.data); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

// fail marks the consumer dead and reports it to the dispatcher once.
func (c *queuedConsumer) fail(err error) {
	c.failOnce.Do(func() {
		c.failed.Store(true)
		select {
		case <-c.done:
			// Closed by the dispatcher; nothing to report.
		default:
			c.log.Debug("consumer write failed", "consumer", c.id, "error", err)
			if c.notify != nil {
				c.notify(c, err)
			}
		}
	})
}

// Join enqueues a copy of the cache as the first frame. The sender writes
// frames in order and stops at the first failure, so a consumer whose
// prefix fails never receives live frames.
func (c *queuedConsumer) Join(src JoinSource) error {
	snap := src.Snapshot()
	if len(snap) == 0 {
		return nil
	}
	return c.enqueue(queuedFrame{data: snap, join: true})
}

func (c *queuedConsumer) Send(frame []byte) error {
	return c.enqueue(queuedFrame{data: frame})
}

func (c *queuedConsumer) enqueue(f queuedFrame) error {
	if c.failed.Load() {
		return ErrClosed
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.queue <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *queuedConsumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *queuedConsumer) Stats() ConsumerStats {
	return c.stats(len(c.queue))
}

type writerFunc func(p []byte) error

func (f writerFunc) Write(p []byte) (int, error) {
	if err := f(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
