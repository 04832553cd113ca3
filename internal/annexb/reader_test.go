package annexb

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func buildStream(units ...[]byte) []byte {
	var b []byte
	for _, u := range units {
		b = AppendUnit(b, u)
	}
	return b
}

// readAll collects non-empty units until EOF, copying each one.
func readAll(t *testing.T, r *Reader) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		u, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if len(u) == 0 {
			continue
		}
		out = append(out, bytes.Clone(u))
	}
}

// next calls r.Next and fails the test on any error.
func next(t *testing.T, r *Reader) []byte {
	t.Helper()
	u, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return u
}

func equalUnits(t *testing.T, got, want [][]byte) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d units %x, want %d %x", len(got), got, len(want), want)
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("unit %d: got %x, want %x", i, got[i], want[i])
		}
	}
}

func TestReaderRoundTrip(t *testing.T) {
	t.Parallel()

	units := [][]byte{
		{0x27, 0x42, 0xE0, 0x1E},
		{0x28, 0xCE, 0x38, 0x80},
		{0x25, 0x88, 0x84, 0x00, 0xFF},
		{0x21, 0x9A},
		{0x21, 0x9B, 0x00, 0x00, 0x02},
	}
	// A trailing start code terminates the final unit.
	stream := append(buildStream(units...), StartCode[:]...)

	got := readAll(t, NewReader(bytes.NewReader(stream), 0))
	equalUnits(t, got, units)
	for i, u := range got {
		if bytes.Contains(u, StartCode[:]) {
			t.Errorf("unit %d contains a start code: %x", i, u)
		}
	}
}

func TestReaderLeadingStartCodeYieldsEmptyUnit(t *testing.T) {
	t.Parallel()

	r := NewReader(bytes.NewReader(buildStream([]byte{0x27, 0x01}, nil)), 0)

	if u := next(t, r); len(u) != 0 {
		t.Errorf("first unit: got %x, want empty", u)
	}
	if u := next(t, r); !bytes.Equal(u, []byte{0x27, 0x01}) {
		t.Errorf("second unit: got %x, want 2701", u)
	}

	stats := r.Stats()
	if stats.Empty != 1 || stats.Units != 1 {
		t.Errorf("stats: got empty=%d units=%d, want 1 and 1", stats.Empty, stats.Units)
	}
}

func TestReaderAdjacentStartCodes(t *testing.T) {
	t.Parallel()

	stream := []byte{0, 0, 0, 1, 0, 0, 0, 1, 0x21, 0xAA, 0, 0, 0, 1}
	got := readAll(t, NewReader(bytes.NewReader(stream), 0))
	equalUnits(t, got, [][]byte{{0x21, 0xAA}})
}

func TestReaderTrailingBytesNotEmitted(t *testing.T) {
	t.Parallel()

	stream := buildStream([]byte{0x25, 0x01}, []byte{0x21, 0x02, 0x03})
	r := NewReader(bytes.NewReader(stream), 0)

	next(t, r) // leading start code
	if u := next(t, r); !bytes.Equal(u, []byte{0x25, 0x01}) {
		t.Errorf("got %x, want 2501", u)
	}

	// 0x21 0x02 0x03 never sees a closing start code.
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("got %v, want io.EOF", err)
	}
}

func TestReaderEmptyInput(t *testing.T) {
	t.Parallel()

	if _, err := NewReader(bytes.NewReader(nil), 0).Next(); !errors.Is(err, io.EOF) {
		t.Errorf("got %v, want io.EOF", err)
	}
}

func TestReaderThreeByteStartCodeIsPayload(t *testing.T) {
	t.Parallel()

	unit := []byte{0x21, 0x00, 0x00, 0x01, 0x44}
	got := readAll(t, NewReader(bytes.NewReader(append(buildStream(unit), StartCode[:]...)), 0))
	equalUnits(t, got, [][]byte{unit})
}

func TestReaderExtraLeadingZeroStaysWithUnit(t *testing.T) {
	t.Parallel()

	// Five zeros then 0x01: the last four form the start code.
	stream := []byte{0, 0, 0, 1, 0x21, 0xAB, 0, 0, 0, 0, 1}
	got := readAll(t, NewReader(bytes.NewReader(stream), 0))
	equalUnits(t, got, [][]byte{{0x21, 0xAB, 0x00}})
}

func TestReaderOversizedUnitResynchronizes(t *testing.T) {
	t.Parallel()

	const limit = 16
	big := bytes.Repeat([]byte{0xAB}, limit*3)
	big[0] = 0x21
	stream := buildStream([]byte{0x27, 0x01}, big, []byte{0x25, 0x02}, []byte{0x21, 0x03})
	stream = append(stream, StartCode[:]...)

	r := NewReader(bytes.NewReader(stream), limit)

	var units [][]byte
	var oversized int
	for {
		u, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, ErrUnitTooLarge) {
			oversized++
			continue
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if len(u) > 0 {
			units = append(units, bytes.Clone(u))
		}
	}

	if oversized != 1 {
		t.Errorf("oversized: got %d, want 1", oversized)
	}
	equalUnits(t, units, [][]byte{{0x27, 0x01}, {0x25, 0x02}, {0x21, 0x03}})
	if got := r.Stats().Oversized; got != 1 {
		t.Errorf("Stats().Oversized: got %d, want 1", got)
	}
}

func TestReaderUnitExactlyAtCapacityIsDropped(t *testing.T) {
	t.Parallel()

	const limit = 8
	unit := bytes.Repeat([]byte{0x21}, limit)
	stream := append(buildStream(unit, []byte{0x25}), StartCode[:]...)

	r := NewReader(bytes.NewReader(stream), limit)
	next(t, r) // leading start code

	if _, err := r.Next(); !errors.Is(err, ErrUnitTooLarge) {
		t.Fatalf("got %v, want ErrUnitTooLarge", err)
	}
	if u := next(t, r); !bytes.Equal(u, []byte{0x25}) {
		t.Errorf("got %x, want 25", u)
	}
}

func TestReaderCountsBytes(t *testing.T) {
	t.Parallel()

	stream := append(buildStream([]byte{0x21, 0x01}), StartCode[:]...)
	r := NewReader(bytes.NewReader(stream), 0)
	readAll(t, r)
	if got, want := r.Stats().BytesRead, int64(len(stream)); got != want {
		t.Errorf("BytesRead: got %d, want %d", got, want)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestReaderPropagatesReadError(t *testing.T) {
	t.Parallel()

	_, err := NewReader(failingReader{}, 0).Next()
	if err == nil || errors.Is(err, io.EOF) {
		t.Errorf("got %v, want a non-EOF error", err)
	}
}

func TestFrame(t *testing.T) {
	t.Parallel()

	if got, want := Frame([]byte{0x25, 0x01}), []byte{0, 0, 0, 1, 0x25, 0x01}; !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
	if got, want := Frame(nil), []byte{0, 0, 0, 1}; !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
}
