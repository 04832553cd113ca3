package srt

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtReadBufferSize is the read buffer for SRT socket reads, ten standard
// 1316-byte SRT payloads.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

const dialTimeout = 10 * time.Second

// Conn is an established SRT ingest connection carrying the elementary
// stream. Reads are buffered so callers may use small read sizes.
type Conn struct {
	conn      *srtgo.Conn
	r         *bufio.Reader
	closeOnce sync.Once
	stop      func()
}

func newConn(conn *srtgo.Conn, stop func()) *Conn {
	return &Conn{
		conn: conn,
		r:    bufio.NewReaderSize(conn, srtReadBufferSize),
		stop: stop,
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Close closes the connection and, in listener mode, the listener.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		if c.stop != nil {
			c.stop()
		}
	})
	return err
}

// RemoteAddr returns the publisher's or remote listener's address.
func (c *Conn) RemoteAddr() string {
	if a := c.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// StreamID returns the SRT stream ID negotiated for the connection.
func (c *Conn) StreamID() string {
	return c.conn.StreamID()
}

// Listen waits on addr for one SRT publisher and returns its connection.
// If streamKey is non-empty, publishers whose stream ID names another key
// are rejected. Once a publisher is accepted every further caller is
// rejected until the returned Conn is closed. Listen blocks until a
// publisher connects or ctx is cancelled. If log is nil, slog.Default()
// is used.
func Listen(ctx context.Context, addr, streamKey string, log *slog.Logger) (*Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-listener")

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("SRT listen on %s: %w", addr, err)
	}
	log.Info("waiting for publisher", "addr", addr)

	var busy atomic.Bool
	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if !acceptStreamID(busy.Load(), streamKey, req.StreamID) {
			log.Info("publisher rejected", "stream_id", req.StreamID, "busy", busy.Load())
			return srtgo.RejPeer
		}
		return 0
	})

	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { l.Close() }) }

	accepted := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-accepted:
		}
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("accept error", "error", err)
			continue
		}
		busy.Store(true)
		close(accepted)

		log.Info("publish", "stream_key", extractStreamKey(conn.StreamID()), "remote", conn.RemoteAddr())
		return newConn(conn, stop), nil
	}
}

// Dial connects to a remote SRT listener in caller mode. If streamID is
// empty the remote listener's default stream is requested.
func Dial(ctx context.Context, addr, streamID string, log *slog.Logger) (*Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-caller")
	log.Info("dialing", "address", addr, "stream_id", streamID)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	if streamID != "" {
		cfg.StreamID = streamID
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		log.Info("connected", "address", addr)
		return newConn(res.conn, nil), nil
	case <-timer.C:
		// Drain the dial result in the background and close any leaked connection.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// acceptStreamID decides whether a connecting publisher is let in.
func acceptStreamID(busy bool, want, streamID string) bool {
	if busy {
		return false
	}
	return want == "" || extractStreamKey(streamID) == want
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
