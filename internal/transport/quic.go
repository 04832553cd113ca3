package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/nalrelay/internal/distribution"
)

// ALPN is the application protocol consumers must offer when dialing the
// QUIC listener.
const ALPN = "nalrelay"

// QUIC application error codes sent on connection close.
const (
	quicErrNone   quic.ApplicationErrorCode = 0
	quicErrStream quic.ApplicationErrorCode = 1
)

// closeLinger bounds how long a closed consumer connection waits for the
// peer to acknowledge the end of the stream before it is torn down.
const closeLinger = 2 * time.Second

// openStreamTimeout bounds opening the data stream on a new connection. A
// peer that grants no unidirectional streams is dropped after it.
const openStreamTimeout = 5 * time.Second

// QUICListener accepts consumer connections over QUIC. Every connection is
// one consumer; the relay opens a single unidirectional stream on it and
// writes the Annex B stream there.
type QUICListener struct {
	log   *slog.Logger
	ln    *quic.Listener
	conns chan *quicConn

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// ListenQUIC binds addr over UDP using cert. If log is nil, slog.Default()
// is used.
func ListenQUIC(addr string, cert tls.Certificate, log *slog.Logger) (*QUICListener, error) {
	if log == nil {
		log = slog.Default()
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
	}
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("quic listen on %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &QUICListener{
		log:    log.With("component", "quic-listener"),
		ln:     ln,
		conns:  make(chan *quicConn),
		ctx:    ctx,
		cancel: cancel,
	}
	go l.acceptLoop()
	l.log.Info("listening", "addr", ln.Addr())
	return l, nil
}

func (l *QUICListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil && !errors.Is(err, quic.ErrServerClosed) {
				l.log.Warn("accept failed", "error", err)
			}
			return
		}
		go l.openStream(conn)
	}
}

// openStream opens the data stream on conn and hands the consumer to
// Accept. Each connection gets its own goroutine so a stalled peer does
// not hold up the ones behind it.
func (l *QUICListener) openStream(conn quic.Connection) {
	ctx, cancel := context.WithTimeout(l.ctx, openStreamTimeout)
	defer cancel()

	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(quicErrStream, "open stream")
		l.log.Debug("open stream failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	c := &quicConn{conn: conn, stream: stream}
	select {
	case l.conns <- c:
	case <-l.ctx.Done():
		conn.CloseWithError(quicErrNone, "")
	}
}

// Accept waits for the next QUIC connection with an open data stream. It
// returns net.ErrClosed after Close.
func (l *QUICListener) Accept(ctx context.Context) (distribution.Conn, error) {
	select {
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	default:
	}
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting. Connections already returned stay open.
func (l *QUICListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		err = l.ln.Close()
	})
	return err
}

// Addr returns the bound UDP address.
func (l *QUICListener) Addr() net.Addr {
	return l.ln.Addr()
}

// quicConn adapts a QUIC connection and its send stream to
// distribution.Conn. Write and Close may run on different goroutines.
type quicConn struct {
	conn   quic.Connection
	stream quic.SendStream

	mu      sync.Mutex
	writing bool
	closed  bool
}

func (c *quicConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, net.ErrClosed
	}
	c.writing = true
	c.mu.Unlock()

	n, err := c.stream.Write(p)

	c.mu.Lock()
	c.writing = false
	c.mu.Unlock()
	return n, err
}

func (c *quicConn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close ends the stream. With no write in flight the stream is finished
// normally and the connection closes once the peer is done with it, or
// after closeLinger. A write still in flight is cancelled, which unblocks
// it, and the connection is closed at once.
func (c *quicConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	busy := c.writing
	c.mu.Unlock()

	if busy {
		c.stream.CancelWrite(quic.StreamErrorCode(quicErrStream))
		return c.conn.CloseWithError(quicErrStream, "consumer closed")
	}

	err := c.stream.Close()
	go func() {
		select {
		case <-c.conn.Context().Done():
		case <-time.After(closeLinger):
		}
		c.conn.CloseWithError(quicErrNone, "")
	}()
	return err
}

// DialQUIC connects to a relay's QUIC listener and returns the stream of
// Annex B bytes. tlsConf must trust the relay's certificate; its NextProtos
// are replaced with ALPN.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (io.ReadCloser, error) {
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{ALPN}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	stream, err := conn.AcceptUniStream(ctx)
	if err != nil {
		conn.CloseWithError(quicErrStream, "accept stream")
		return nil, fmt.Errorf("quic accept stream: %w", err)
	}
	return &quicReader{conn: conn, stream: stream}, nil
}

type quicReader struct {
	conn   quic.Connection
	stream quic.ReceiveStream
}

func (r *quicReader) Read(p []byte) (int, error) {
	return r.stream.Read(p)
}

func (r *quicReader) Close() error {
	r.stream.CancelRead(0)
	return r.conn.CloseWithError(quicErrNone, "")
}
