package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/nalrelay/internal/certs"
	"github.com/zsiec/nalrelay/internal/distribution"
)

func TestTCPAcceptAndWrite(t *testing.T) {
	t.Parallel()

	l, err := ListenTCP("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer l.Close()

	client, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	conn, err := l.Accept(context.Background())
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got, want := conn.RemoteAddr().String(), client.LocalAddr().String(); got != want {
		t.Errorf("RemoteAddr: got %s, want %s", got, want)
	}

	payload := []byte{0, 0, 0, 1, 0x27, 0x42}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	conn.Close()

	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("got %x, want %x", got, payload)
	}
}

func TestTCPAcceptAfterClose(t *testing.T) {
	t.Parallel()

	l, err := ListenTCP("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Accept(context.Background())
		errCh <- err
	}()
	l.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, net.ErrClosed) {
			t.Errorf("Accept after Close: got %v, want net.ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return after Close")
	}
}

func TestTCPListenBindFailure(t *testing.T) {
	t.Parallel()

	l, err := ListenTCP("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer l.Close()

	if _, err := ListenTCP(l.Addr().String(), nil); err == nil {
		t.Error("expected error binding an address in use")
	}
}

func TestQUICDeliversStream(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	l, err := ListenQUIC("127.0.0.1:0", cert.TLSCert, nil)
	if err != nil {
		t.Fatalf("ListenQUIC: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		r, err := DialQUIC(ctx, l.Addr().String(), &tls.Config{InsecureSkipVerify: true})
		if err != nil {
			done <- result{err: err}
			return
		}
		defer r.Close()
		b, err := io.ReadAll(r)
		done <- result{data: b, err: err}
	}()

	conn, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if conn.RemoteAddr() == nil {
		t.Error("RemoteAddr is nil")
	}

	payload := []byte{0, 0, 0, 1, 0x27, 0x42, 0, 0, 0, 1, 0x25, 0x88}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("client: %v", res.err)
		}
		if string(res.data) != string(payload) {
			t.Errorf("got %x, want %x", res.data, payload)
		}
	case <-ctx.Done():
		t.Fatal("client did not receive the stream")
	}
}

func TestQUICAcceptAfterClose(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	l, err := ListenQUIC("127.0.0.1:0", cert.TLSCert, nil)
	if err != nil {
		t.Fatalf("ListenQUIC: %v", err)
	}
	l.Close()

	if _, err := l.Accept(context.Background()); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Accept after Close: got %v, want net.ErrClosed", err)
	}
}

func newQUICListener(t *testing.T) *QUICListener {
	t.Helper()
	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	l, err := ListenQUIC("127.0.0.1:0", cert.TLSCert, nil)
	if err != nil {
		t.Fatalf("ListenQUIC: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestQUICCloseUnblocksStalledConsumer(t *testing.T) {
	t.Parallel()

	l := newQUICListener(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// The client never reads, so flow control stalls the sender.
	go func() {
		r, err := DialQUIC(ctx, l.Addr().String(), &tls.Config{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		<-ctx.Done()
		r.Close()
	}()

	conn, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	d, err := distribution.NewDispatcher(distribution.Config{
		MaxConsumers: 1,
		Mode:         distribution.DeliveryQueued,
		QueueDepth:   32,
	}, nil)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	if _, err := d.Admit(conn, nil); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	frame := make([]byte, 1<<20)
	copy(frame, []byte{0, 0, 0, 1, 0x21})
	for i := 0; i < 20; i++ {
		d.Broadcast(frame)
	}
	time.Sleep(300 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		d.CloseAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("CloseAll blocked on a stalled QUIC consumer")
	}
}

func TestQUICAcceptNotHeldByStalledPeer(t *testing.T) {
	t.Parallel()

	l := newQUICListener(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// This peer grants no unidirectional streams, so the data stream can
	// never be opened on it.
	stalled, err := quic.DialAddr(ctx, l.Addr().String(),
		&tls.Config{InsecureSkipVerify: true, NextProtos: []string{ALPN}},
		&quic.Config{MaxIncomingUniStreams: -1})
	if err != nil {
		t.Fatalf("dial stalled peer: %v", err)
	}
	defer stalled.CloseWithError(0, "")

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		r, err := DialQUIC(ctx, l.Addr().String(), &tls.Config{InsecureSkipVerify: true})
		if err != nil {
			done <- result{err: err}
			return
		}
		defer r.Close()
		b, err := io.ReadAll(r)
		done <- result{data: b, err: err}
	}()

	acceptCtx, acceptCancel := context.WithTimeout(ctx, 3*time.Second)
	defer acceptCancel()
	conn, err := l.Accept(acceptCtx)
	if err != nil {
		t.Fatalf("Accept: got %v, want the second consumer", err)
	}

	payload := []byte{0, 0, 0, 1, 0x25, 0x88}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	conn.Close()

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("client: %v", res.err)
		}
		if string(res.data) != string(payload) {
			t.Errorf("got %x, want %x", res.data, payload)
		}
	case <-ctx.Done():
		t.Fatal("client did not receive the stream")
	}
}

func TestQUICWriteAfterClose(t *testing.T) {
	t.Parallel()

	l := newQUICListener(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		if r, err := DialQUIC(ctx, l.Addr().String(), &tls.Config{InsecureSkipVerify: true}); err == nil {
			io.Copy(io.Discard, r)
			r.Close()
		}
	}()

	conn, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	conn.Close()
	if _, err := conn.Write([]byte{0, 0, 0, 1}); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Write after Close: got %v, want net.ErrClosed", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close: got %v, want nil", err)
	}
}
