// Command nal-pull connects to a relay as a consumer over TCP or QUIC and
// writes the received Annex B stream to a file or standard output, printing
// a summary of the units received when the relay closes the connection.
package main

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zsiec/nalrelay/internal/annexb"
	"github.com/zsiec/nalrelay/internal/transport"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:5500", "relay address")
	quicFlag := flag.Bool("quic", false, "connect over QUIC instead of TCP")
	pinFlag := flag.String("pin", "", "expected SHA-256 certificate fingerprint for QUIC (hex, colons optional)")
	outFlag := flag.String("o", "-", "output file, - for stdout")
	rolesFlag := flag.String("roles", annexb.DefaultRoleTableSpec, "unit code to role table")
	flag.Parse()

	table, err := annexb.ParseRoleTable(*rolesFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid role table: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	src, err := dial(ctx, *addrFlag, *quicFlag, *pinFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connect failed: %v\n", err)
		os.Exit(1)
	}
	go func() {
		<-ctx.Done()
		src.Close()
	}()

	var out io.Writer = os.Stdout
	if *outFlag != "-" {
		f, err := os.Create(*outFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Create output: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	start := time.Now()
	counts, err := copyUnits(out, src, &table)
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Stream ended with error: %v\n", err)
	}
	fmt.Fprintf(os.Stderr, "Received %s in %s\n", counts, time.Since(start).Truncate(time.Millisecond))
}

func dial(ctx context.Context, addr string, useQUIC bool, pin string) (io.ReadCloser, error) {
	if !useQUIC {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	tlsConf := &tls.Config{InsecureSkipVerify: true}
	if pin != "" {
		want, err := hex.DecodeString(strings.ReplaceAll(pin, ":", ""))
		if err != nil || len(want) != sha256.Size {
			return nil, fmt.Errorf("invalid fingerprint %q", pin)
		}
		tlsConf.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("no certificate presented")
			}
			got := sha256.Sum256(rawCerts[0])
			if string(got[:]) != string(want) {
				return fmt.Errorf("certificate fingerprint %x does not match pin", got)
			}
			return nil
		}
	}
	return transport.DialQUIC(ctx, addr, tlsConf)
}

type unitCounts struct {
	bytes int64
	roles [annexb.RoleOrdinary + 1]int64
}

func (c unitCounts) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d bytes", c.bytes)
	for role, n := range c.roles {
		if n > 0 {
			fmt.Fprintf(&b, ", %d %s", n, annexb.Role(role))
		}
	}
	return b.String()
}

// copyUnits copies src to dst unit by unit, counting roles. Bytes after the
// last start code are not counted or written.
func copyUnits(dst io.Writer, src io.Reader, table *annexb.RoleTable) (unitCounts, error) {
	var c unitCounts
	r := annexb.NewReader(src, 0)
	for {
		unit, err := r.Next()
		if errors.Is(err, annexb.ErrUnitTooLarge) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return c, nil
			}
			return c, err
		}
		if len(unit) == 0 {
			continue
		}
		c.roles[table.Classify(unit)]++
		frame := annexb.Frame(unit)
		n, err := dst.Write(frame)
		c.bytes += int64(n)
		if err != nil {
			return c, err
		}
	}
}
