// Package transport provides the listeners consumers connect through: plain
// TCP, the relay's primary surface, and QUIC, where each connection carries
// the stream on one unidirectional stream.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/zsiec/nalrelay/internal/distribution"
)

// TCPListener accepts consumer connections over TCP. With an empty host it
// binds every interface on both IPv4 and IPv6.
type TCPListener struct {
	log *slog.Logger
	ln  net.Listener
}

// ListenTCP binds addr. If log is nil, slog.Default() is used.
func ListenTCP(addr string, log *slog.Logger) (*TCPListener, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen on %s: %w", addr, err)
	}
	l := &TCPListener{log: log.With("component", "tcp-listener"), ln: ln}
	l.log.Info("listening", "addr", ln.Addr())
	return l, nil
}

// Accept waits for the next consumer. It returns net.ErrClosed after Close;
// ctx is not consulted because Close is what unblocks a pending accept.
func (l *TCPListener) Accept(_ context.Context) (distribution.Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}

// Close stops accepting. Connections already returned stay open.
func (l *TCPListener) Close() error {
	return l.ln.Close()
}

// Addr returns the bound address.
func (l *TCPListener) Addr() net.Addr {
	return l.ln.Addr()
}
