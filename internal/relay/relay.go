// Package relay runs the single-owner event loop that ties ingest, the join
// cache and the dispatcher together: every unit read from ingest is
// classified, applied to the join cache and broadcast, and every accepted
// connection is admitted with the current cache as its prefix.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/zsiec/nalrelay/internal/annexb"
	"github.com/zsiec/nalrelay/internal/distribution"
	"github.com/zsiec/nalrelay/internal/joincache"
)

// Listener produces consumer connections. Accept must return promptly
// once ctx is cancelled or Close is called.
type Listener interface {
	Accept(ctx context.Context) (distribution.Conn, error)
	Close() error
	Addr() net.Addr
}

// Config configures a Relay.
type Config struct {
	Roles         annexb.RoleTable
	UnitLimit     int
	CacheCapacity int
	Dispatch      distribution.Config
}

// Status is a point-in-time view of the relay, served by the loop itself so
// it is consistent with the cache and slot table.
type Status struct {
	Timestamp  int64                        `json:"ts"`
	UptimeMs   int64                        `json:"uptimeMs"`
	Ingest     annexb.ReaderStats           `json:"ingest"`
	Roles      map[string]int64             `json:"roles"`
	Cache      joincache.Stats              `json:"cache"`
	Dispatcher distribution.DispatcherStats `json:"dispatcher"`
	Listeners  []string                     `json:"listeners"`
}

// Relay is the event loop. The cache and the dispatcher are only touched
// by the goroutine running Run; other goroutines talk to it over channels.
type Relay struct {
	log       *slog.Logger
	roles     annexb.RoleTable
	reader    *annexb.Reader
	cache     *joincache.Cache
	disp      *distribution.Dispatcher
	startTime time.Time
	unitLimit int

	roleCounts  [annexb.RoleOrdinary + 1]int64
	unknownSeen [256]bool
	listeners   []string

	statusReq chan chan Status
}

type unitResult struct {
	frame []byte
	err   error
}

// New creates a Relay that reads Annex B units from input. Zero limits
// select annexb.MaxUnitSize and joincache.DefaultCapacity. If log is nil,
// slog.Default() is used.
func New(cfg Config, input io.Reader, log *slog.Logger) (*Relay, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.UnitLimit <= 0 {
		cfg.UnitLimit = annexb.MaxUnitSize
	}
	disp, err := distribution.NewDispatcher(cfg.Dispatch, log)
	if err != nil {
		return nil, err
	}
	return &Relay{
		log:       log.With("component", "relay"),
		roles:     cfg.Roles,
		reader:    annexb.NewReader(input, cfg.UnitLimit),
		cache:     joincache.New(cfg.CacheCapacity, log),
		disp:      disp,
		startTime: time.Now(),
		unitLimit: cfg.UnitLimit,
		statusReq: make(chan chan Status),
	}, nil
}

// Run drives the loop until ingest reaches end of stream or ctx is
// cancelled, then closes every consumer and every listener. It returns nil
// on end of stream and on cancellation, and an error if ingest fails.
func (r *Relay) Run(ctx context.Context, listeners ...Listener) error {
	ctx, cancel := context.WithCancel(ctx)

	units := make(chan unitResult)
	conns := make(chan distribution.Conn)

	go r.readLoop(ctx, units)

	var accepting sync.WaitGroup
	for _, l := range listeners {
		r.listeners = append(r.listeners, l.Addr().String())
		accepting.Add(1)
		go func() {
			defer accepting.Done()
			r.acceptLoop(ctx, l, conns)
		}()
	}

	defer func() {
		cancel()
		for _, l := range listeners {
			l.Close()
		}
		accepting.Wait()
		r.disp.CloseAll()
	}()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopped", "reason", context.Cause(ctx))
			return nil

		case conn := <-conns:
			r.log.Debug("connection accepted", "remote", conn.RemoteAddr())
			r.disp.Admit(conn, r.cache)

		case res := <-units:
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					r.log.Info("EOF", "ingest", r.reader.Stats())
					return nil
				}
				return fmt.Errorf("relay: %w", res.err)
			}
			r.handleUnit(res.frame)

		case ev := <-r.disp.Evictions():
			r.disp.Evict(ev)

		case reply := <-r.statusReq:
			reply <- r.status()
		}
	}
}

// readLoop turns ingest bytes into framed units. Each frame is allocated
// fresh because the loop and queued consumers keep references to it.
func (r *Relay) readLoop(ctx context.Context, units chan<- unitResult) {
	for {
		unit, err := r.reader.Next()
		if errors.Is(err, annexb.ErrUnitTooLarge) {
			r.log.Warn("input buffer full, dropping unit", "limit", r.unitLimit)
			continue
		}

		var res unitResult
		switch {
		case err != nil:
			res.err = err
		case len(unit) == 0:
			continue
		default:
			res.frame = annexb.Frame(unit)
		}

		select {
		case units <- res:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (r *Relay) acceptLoop(ctx context.Context, l Listener, conns chan<- distribution.Conn) {
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.Warn("accept error", "addr", l.Addr(), "error", err)
			continue
		}
		select {
		case conns <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// handleUnit classifies one unit, updates the join cache and broadcasts it.
// The cache is updated first so a consumer admitted next sees this unit in
// its prefix and not twice.
func (r *Relay) handleUnit(frame []byte) {
	unit := frame[len(annexb.StartCode):]
	role := r.roles.Classify(unit)
	r.roleCounts[role]++

	if role == annexb.RoleUnrecognized {
		if !r.unknownSeen[unit[0]] {
			r.unknownSeen[unit[0]] = true
			r.log.Warn("unknown frame type, forwarding without caching", "code", fmt.Sprintf("0x%02X", unit[0]))
		} else {
			r.log.Debug("unknown frame type", "code", fmt.Sprintf("0x%02X", unit[0]))
		}
	}

	// Capacity errors are logged by the cache; the unit is still forwarded.
	_ = r.cache.OnUnit(unit, role)

	r.disp.Broadcast(frame)
}

// Status asks the loop for a snapshot. It fails if the loop is not running
// or ctx ends first.
func (r *Relay) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	select {
	case r.statusReq <- reply:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (r *Relay) status() Status {
	roles := make(map[string]int64, len(r.roleCounts))
	for role, n := range r.roleCounts {
		roles[annexb.Role(role).String()] = n
	}
	return Status{
		Timestamp:  time.Now().UnixMilli(),
		UptimeMs:   time.Since(r.startTime).Milliseconds(),
		Ingest:     r.reader.Stats(),
		Roles:      roles,
		Cache:      r.cache.Stats(),
		Dispatcher: r.disp.Stats(),
		Listeners:  append([]string(nil), r.listeners...),
	}
}
