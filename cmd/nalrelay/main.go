// Command nalrelay reads a live H.264 Annex B stream and relays it to every
// connected consumer, starting each new consumer at the most recent join
// point so it can decode immediately.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/nalrelay/internal/api"
	"github.com/zsiec/nalrelay/internal/certs"
	"github.com/zsiec/nalrelay/internal/config"
	"github.com/zsiec/nalrelay/internal/ingest"
	"github.com/zsiec/nalrelay/internal/relay"
	"github.com/zsiec/nalrelay/internal/transport"
)

var version = "dev"

var (
	_ relay.Listener = (*transport.TCPListener)(nil)
	_ relay.Listener = (*transport.QUICListener)(nil)
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args, os.Getenv, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return 1
	}

	level, _ := cfg.Level()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	var listeners []relay.Listener
	closeListeners := func() {
		for _, l := range listeners {
			l.Close()
		}
	}

	tcp, err := transport.ListenTCP(cfg.ListenAddr(), nil)
	if err != nil {
		slog.Error("failed to listen", "error", err)
		return 1
	}
	listeners = append(listeners, tcp)

	var cert *certs.CertInfo
	if cfg.QUICAddr != "" || cfg.APIHTTP3 {
		cert, err = loadCert(cfg)
		if err != nil {
			slog.Error("failed to prepare certificate", "error", err)
			closeListeners()
			return 1
		}
	}
	if cfg.QUICAddr != "" {
		q, err := transport.ListenQUIC(cfg.QUICAddr, cert.TLSCert, nil)
		if err != nil {
			slog.Error("failed to listen", "error", err)
			closeListeners()
			return 1
		}
		listeners = append(listeners, q)
	}

	// The ingest source is opened and copied into a pipe in the background so
	// consumers can connect while an SRT listener is still waiting for its
	// publisher. The relay sees end of stream when the copy finishes.
	pr, pw := io.Pipe()
	defer pr.Close()

	rl, err := relay.New(relay.Config{
		Roles:    cfg.RoleTable(),
		Dispatch: cfg.Dispatch(),
	}, pr, nil)
	if err != nil {
		slog.Error("failed to create relay", "error", err)
		closeListeners()
		return 1
	}

	slog.Info("nalrelay starting",
		"version", version,
		"listen", tcp.Addr(),
		"quic", cfg.QUICAddr,
		"api", cfg.APIAddr,
		"input", cfg.Input,
		"max_clients", cfg.MaxClients,
		"delivery", cfg.Delivery,
	)

	g, ctx := errgroup.WithContext(ctx)

	var source atomic.Pointer[ingest.Stream]
	go func() {
		s, err := ingest.Open(ctx, cfg.Source(), os.Stdin, nil)
		if err != nil {
			if ctx.Err() != nil {
				err = nil
			}
			pw.CloseWithError(err)
			return
		}
		source.Store(s)
		defer s.Close()
		_, err = io.Copy(pw, s)
		pw.CloseWithError(err)
	}()

	g.Go(func() error {
		// End of stream stops the whole process, including the API.
		defer cancel()
		return rl.Run(ctx, listeners...)
	})

	if cfg.APIAddr != "" {
		apiSrv := api.NewServer(api.Config{
			Status: rl.Status,
			Source: func() ingest.Stats {
				if s := source.Load(); s != nil {
					return s.Stats()
				}
				return ingest.Stats{Source: cfg.Input, Kind: cfg.Source().Kind}
			},
			Cert:    cert,
			Version: version,
		}, nil)
		g.Go(func() error {
			return apiSrv.Serve(ctx, cfg.APIAddr, cfg.APIHTTP3)
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("relay error", "error", err)
		return 1
	}
	slog.Info("nalrelay stopped")
	return 0
}

func loadCert(cfg config.Config) (*certs.CertInfo, error) {
	if cfg.TLSCert != "" {
		cert, err := certs.Load(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, err
		}
		slog.Info("certificate loaded",
			"fingerprint", cert.FingerprintHex(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
		return cert, nil
	}

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(certs.DefaultValidity, cfg.Host)
	if err != nil {
		return nil, err
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintHex(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return cert, nil
}
