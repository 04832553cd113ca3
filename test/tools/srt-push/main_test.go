package main

import (
	"bytes"
	"testing"

	"github.com/zsiec/nalrelay/internal/annexb"
)

func TestSplitFrames(t *testing.T) {
	data := []byte{
		0, 0, 0, 1, 0x27, 0x42,
		0, 0, 0, 1, 0x28, 0xce,
		0, 0, 0, 1, 0x25, 0x88, 0x84,
		0, 0, 0, 1, 0x21, 0x9a,
	}
	frames := splitFrames(data)
	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 4", len(frames))
	}
	if !bytes.Equal(bytes.Join(frames, nil), data) {
		t.Errorf("frames do not reassemble the input")
	}
	if got := frames[3]; !bytes.Equal(got, []byte{0, 0, 0, 1, 0x21, 0x9a}) {
		t.Errorf("last frame: got %x, want the trailing unit", got)
	}
}

func TestChunks(t *testing.T) {
	tests := []struct {
		name string
		n    int
		want []int
	}{
		{"small", 10, []int{10}},
		{"exact", 1316, []int{1316}},
		{"one over", 1317, []int{1316, 1}},
		{"three", 3000, []int{1316, 1316, 368}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chunks(make([]byte, tt.n), srtPayloadSize)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d chunks, want %d", len(got), len(tt.want))
			}
			for i, c := range got {
				if len(c) != tt.want[i] {
					t.Errorf("chunk %d: got %d bytes, want %d", i, len(c), tt.want[i])
				}
			}
		})
	}
}

func TestIsFrame(t *testing.T) {
	table := annexb.DefaultRoleTable()
	for code, want := range map[byte]bool{0x27: false, 0x28: false, 0x25: true, 0x21: true, 0x09: false} {
		if got := isFrame(&table, []byte{0, 0, 0, 1, code}); got != want {
			t.Errorf("isFrame(0x%02X) = %v, want %v", code, got, want)
		}
	}
}
