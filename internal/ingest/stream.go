package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/nalrelay/internal/ingest/srt"
)

// Stats captures connection-level metrics for the ingest stream, exposed
// via the status API for monitoring source health.
type Stats struct {
	Source        string `json:"source"`
	Kind          Kind   `json:"kind"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr,omitempty"`
}

// Stream is the open ingest byte stream. It counts every read so the
// status API can report source health independently of the relay loop.
type Stream struct {
	src       Source
	StartedAt time.Time
	r         io.Reader
	closer    io.Closer
	closeOnce sync.Once

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

func newStream(src Source, r io.Reader, c io.Closer) *Stream {
	return &Stream{src: src, StartedAt: time.Now(), r: r, closer: c}
}

// Open opens src. Standard input is read from stdin, which is never closed.
// An SRT listener source blocks until a publisher connects or ctx is
// cancelled. If log is nil, slog.Default() is used.
func Open(ctx context.Context, src Source, stdin io.Reader, log *slog.Logger) (*Stream, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ingest")

	var s *Stream
	switch src.Kind {
	case KindStdin:
		s = newStream(src, stdin, nil)
	case KindFile:
		f, err := os.Open(src.Path)
		if err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
		s = newStream(src, f, f)
	case KindSRTListen:
		conn, err := srt.Listen(ctx, src.Addr, src.StreamID, log)
		if err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
		s = newStream(src, conn, conn)
		s.SetRemoteAddr(conn.RemoteAddr())
	case KindSRTCall:
		conn, err := srt.Dial(ctx, src.Addr, src.StreamID, log)
		if err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
		s = newStream(src, conn, conn)
		s.SetRemoteAddr(src.Addr)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSource, src.Kind)
	}

	log.Info("ingest opened", "source", src.String(), "kind", src.Kind)
	return s, nil
}

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.RecordRead(n)
	}
	return n, err
}

// Close releases the underlying file or connection. Closing an SRT stream
// unblocks a pending Read.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}

// Source returns the location the stream was opened from.
func (s *Stream) Source() Source {
	return s.src
}

// RecordRead increments the byte and read counters.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of the ingest connection for
// diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Stats returns a snapshot of ingest connection metrics.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		Source:        s.src.String(),
		Kind:          s.src.Kind,
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}
