// Command srt-push publishes an Annex B file to a relay's SRT listener,
// looping forever and pacing frames at a fixed rate, so the relay can be
// exercised without a camera.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/nalrelay/internal/annexb"
)

// srtPayloadSize is the largest SRT live-mode message.
const srtPayloadSize = 1316

func main() {
	fileFlag := flag.String("file", "", "Annex B file to push")
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT listener address")
	streamIDFlag := flag.String("streamid", "live/pi", "SRT stream ID")
	fpsFlag := flag.Float64("fps", 30, "frames per second (sync and ordinary units)")
	rolesFlag := flag.String("roles", annexb.DefaultRoleTableSpec, "unit code to role table")
	onceFlag := flag.Bool("once", false, "stop after one pass instead of looping")
	flag.Parse()

	if *fileFlag == "" || flag.NArg() > 0 || *fpsFlag <= 0 {
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  srt-push -file capture.h264 [-addr host:port] [-streamid id] [-fps 30] [-once]\n")
		os.Exit(1)
	}

	table, err := annexb.ParseRoleTable(*rolesFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid role table: %v\n", err)
		os.Exit(1)
	}

	data, err := os.ReadFile(*fileFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read file: %v\n", err)
		os.Exit(1)
	}
	frames := splitFrames(data)
	if len(frames) == 0 {
		fmt.Fprintf(os.Stderr, "No access units in %s\n", *fileFlag)
		os.Exit(1)
	}
	interval := time.Duration(float64(time.Second) / *fpsFlag)
	fmt.Printf("File: %s (%d units, %d bytes, %s per frame)\n", *fileFlag, len(frames), len(data), interval)

	for {
		fmt.Printf("[%s] Connecting to SRT %s...\n", *streamIDFlag, *addrFlag)

		cfg := srt.DefaultConfig()
		cfg.StreamID = *streamIDFlag

		conn, err := srt.Dial(*addrFlag, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] SRT connect failed: %v, retrying...\n", *streamIDFlag, err)
			time.Sleep(time.Second)
			continue
		}

		fmt.Printf("[%s] Connected, streaming\n", *streamIDFlag)
		writeErr := streamLoop(conn, frames, &table, interval, *onceFlag, *streamIDFlag)
		conn.Close()

		if writeErr == nil {
			return
		}
		fmt.Fprintf(os.Stderr, "[%s] Connection lost: %v, reconnecting...\n", *streamIDFlag, writeErr)
		time.Sleep(time.Second)
	}
}

// splitFrames cuts data into start code + unit frames. The end of the file
// is treated as the end of the last unit.
func splitFrames(data []byte) [][]byte {
	in := append(bytes.Clone(data), annexb.StartCode[:]...)
	r := annexb.NewReader(bytes.NewReader(in), len(in))

	var frames [][]byte
	for {
		unit, err := r.Next()
		if err != nil {
			return frames
		}
		if len(unit) > 0 {
			frames = append(frames, annexb.Frame(unit))
		}
	}
}

// chunks splits a frame into SRT-sized messages.
func chunks(frame []byte, size int) [][]byte {
	var out [][]byte
	for len(frame) > size {
		out = append(out, frame[:size])
		frame = frame[size:]
	}
	return append(out, frame)
}

// isFrame reports whether a unit advances the pacing clock. Parameter sets
// ride along with the picture that follows them.
func isFrame(table *annexb.RoleTable, frame []byte) bool {
	switch table.Classify(frame[len(annexb.StartCode):]) {
	case annexb.RoleSync, annexb.RoleOrdinary:
		return true
	}
	return false
}

func streamLoop(conn *srt.Conn, frames [][]byte, table *annexb.RoleTable, interval time.Duration, once bool, streamID string) error {
	globalStart := time.Now()
	var totalBytesSent, framesSent int64
	lastLog := time.Now()
	const logInterval = 10 * time.Second

	for loop := 1; ; loop++ {
		if loop > 1 {
			if once {
				return nil
			}
			fmt.Printf("[%s] Loop %d complete, restarting (total sent: %.1f MB, elapsed: %s)\n",
				streamID, loop-1,
				float64(totalBytesSent)/(1024*1024),
				time.Since(globalStart).Truncate(time.Second))
		}

		for _, frame := range frames {
			for _, msg := range chunks(frame, srtPayloadSize) {
				if _, err := conn.Write(msg); err != nil {
					return err
				}
				totalBytesSent += int64(len(msg))
			}
			if !isFrame(table, frame) {
				continue
			}
			framesSent++

			// Pace against the global clock so timing is continuous across
			// loop boundaries.
			if wait := time.Until(globalStart.Add(time.Duration(framesSent) * interval)); wait > 0 {
				time.Sleep(wait)
			}

			if time.Since(lastLog) >= logInterval {
				elapsed := time.Since(globalStart).Seconds()
				fmt.Printf("[%s] loop=%d frames=%d rate=%.1f fps total=%.1f MB\n",
					streamID, loop, framesSent, float64(framesSent)/elapsed,
					float64(totalBytesSent)/(1024*1024))
				lastLog = time.Now()
			}
		}
	}
}
