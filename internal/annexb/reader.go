package annexb

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// StartCode is the 4-byte marker that delimits access units on the wire,
// on both the ingest and the consumer side.
var StartCode = [4]byte{0x00, 0x00, 0x00, 0x01}

// MaxUnitSize is the default scratch capacity (C_in). An access unit that
// cannot be terminated by a start code within this many bytes is dropped.
const MaxUnitSize = 1 << 20

// ErrUnitTooLarge is returned by Reader.Next when the scratch buffer fills
// before a start code is seen. The reader skips ahead to the next start
// code, so the stream can keep being read after this error.
var ErrUnitTooLarge = errors.New("annexb: access unit exceeds scratch capacity")

// ReaderStats is a snapshot of reader counters.
type ReaderStats struct {
	BytesRead int64 `json:"bytesRead"`
	Units     int64 `json:"units"`
	Empty     int64 `json:"empty"`
	Oversized int64 `json:"oversized"`
}

// Reader splits an Annex B elementary stream into access units. It consumes
// one byte at a time and tracks how many consecutive zero bytes it has seen
// (saturating at three), so a start code is recognized as soon as its 0x01
// arrives. Only 4-byte start codes delimit units.
//
// Reader is not safe for concurrent use; Stats may be called from any
// goroutine.
type Reader struct {
	src        io.ByteReader
	scratch    []byte
	limit      int
	zeros      int
	discarding bool

	bytesRead atomic.Int64
	units     atomic.Int64
	empty     atomic.Int64
	oversized atomic.Int64
}

// NewReader returns a Reader over r with a scratch capacity of limit bytes.
// A limit <= 0 selects MaxUnitSize. If r does not implement io.ByteReader
// it is wrapped in a bufio.Reader.
func NewReader(r io.Reader, limit int) *Reader {
	if limit <= 0 {
		limit = MaxUnitSize
	}
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{
		src:     br,
		scratch: make([]byte, 0, limit),
		limit:   limit,
	}
}

// Next returns the bytes collected before the next start code, with the
// start code itself removed. The returned slice is only valid until the
// next call. A zero-length unit is a legal result (two adjacent start
// codes, or the start code at the head of the stream).
//
// At end of stream Next returns io.EOF; bytes collected after the last
// start code are never returned because their end was not observed.
func (r *Reader) Next() ([]byte, error) {
	r.scratch = r.scratch[:0]
	for {
		c, err := r.src.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("annexb: read ingest: %w", err)
		}
		r.bytesRead.Add(1)

		if !r.discarding {
			r.scratch = append(r.scratch, c)
		}

		if r.markerEnds(c) {
			if r.discarding {
				// Resynchronized past the oversized unit.
				r.discarding = false
				continue
			}
			// The zero run resets whenever a unit is returned or
			// discarding ends, so all four marker bytes are in scratch.
			n := len(r.scratch) - len(StartCode)
			r.scratch = r.scratch[:n]
			if n == 0 {
				r.empty.Add(1)
			} else {
				r.units.Add(1)
			}
			return r.scratch, nil
		}

		if !r.discarding && len(r.scratch) == r.limit {
			r.scratch = r.scratch[:0]
			r.discarding = true
			r.oversized.Add(1)
			return nil, ErrUnitTooLarge
		}
	}
}

// markerEnds advances the zero-run counter and reports whether c completes
// a 00 00 00 01 sequence.
func (r *Reader) markerEnds(c byte) bool {
	switch {
	case c == 0x00:
		if r.zeros < 3 {
			r.zeros++
		}
	case c == 0x01 && r.zeros == 3:
		r.zeros = 0
		return true
	default:
		r.zeros = 0
	}
	return false
}

// Stats returns a snapshot of the reader counters.
func (r *Reader) Stats() ReaderStats {
	return ReaderStats{
		BytesRead: r.bytesRead.Load(),
		Units:     r.units.Load(),
		Empty:     r.empty.Load(),
		Oversized: r.oversized.Load(),
	}
}

// AppendUnit appends the start code followed by unit to dst, producing the
// wire form written to consumers and stored in the join cache.
func AppendUnit(dst, unit []byte) []byte {
	dst = append(dst, StartCode[:]...)
	return append(dst, unit...)
}

// Frame returns a newly allocated start code + unit slice.
func Frame(unit []byte) []byte {
	return AppendUnit(make([]byte, 0, len(StartCode)+len(unit)), unit)
}
