package distribution

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DeliveryMode selects how frames reach consumers.
type DeliveryMode string

// Delivery modes.
const (
	// DeliveryQueued gives every consumer its own sender goroutine fed by a
	// bounded queue.
	DeliveryQueued DeliveryMode = "queued"
	// DeliveryBlocking writes to each consumer in turn inside Broadcast.
	DeliveryBlocking DeliveryMode = "blocking"
)

// ParseDeliveryMode validates a delivery mode name.
func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch m := DeliveryMode(s); m {
	case DeliveryQueued, DeliveryBlocking:
		return m, nil
	}
	return "", fmt.Errorf("distribution: unknown delivery mode %q", s)
}

// DefaultQueueDepth is the per-consumer queue length in queued mode.
const DefaultQueueDepth = 256

// ErrNoSlot is returned by Admit when every slot is occupied. The offered
// connection has already been closed.
var ErrNoSlot = errors.New("distribution: no free consumer slot")

// Config configures a Dispatcher.
type Config struct {
	MaxConsumers int
	Mode         DeliveryMode
	QueueDepth   int
	WriteTimeout time.Duration
}

// Dispatcher owns the bounded set of active consumers. It drains the join
// cache to every newly admitted consumer and fans every broadcast frame out
// to all of them, evicting any consumer whose delivery fails without
// affecting the others.
//
// Admit, Broadcast, Evict and CloseAll must be called from a single
// goroutine (the relay loop). Sender goroutines in queued mode only report
// failures through Evictions.
type Dispatcher struct {
	log       *slog.Logger
	cfg       Config
	slots     *SlotTable
	evictions chan Eviction
	senders   sync.WaitGroup
	nextID    uint64

	admitted int64
	rejected int64
	evicted  int64
	frames   int64
}

// Eviction reports a consumer whose sender goroutine failed.
type Eviction struct {
	Consumer Consumer
	Cause    error
}

// NewDispatcher creates a Dispatcher with cfg.MaxConsumers empty slots.
// MaxConsumers must be positive. If log is nil, slog.Default() is used.
func NewDispatcher(cfg Config, log *slog.Logger) (*Dispatcher, error) {
	if cfg.MaxConsumers <= 0 {
		return nil, fmt.Errorf("distribution: MaxConsumers must be positive, got %d", cfg.MaxConsumers)
	}
	if cfg.Mode == "" {
		cfg.Mode = DeliveryQueued
	}
	if _, err := ParseDeliveryMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:       log.With("component", "dispatcher"),
		cfg:       cfg,
		slots:     NewSlotTable(cfg.MaxConsumers),
		evictions: make(chan Eviction, 2*cfg.MaxConsumers),
	}, nil
}

// Admit places conn into a free slot after delivering the join prefix from
// src. If no slot is free the connection is closed and ErrNoSlot returned.
// If the prefix cannot be delivered the connection is closed and the slot
// stays empty. A nil src admits without a prefix.
func (d *Dispatcher) Admit(conn Conn, src JoinSource) (int, error) {
	i, ok := d.slots.Acquire()
	if !ok {
		d.rejected++
		conn.Close()
		d.log.Info("consumer rejected, all slots busy",
			"remote", remoteString(conn), "max", d.slots.Cap())
		return -1, ErrNoSlot
	}

	c := d.newConsumer(i, conn)
	if src == nil {
		src = emptySource{}
	}
	if err := c.Join(src); err != nil {
		c.Close()
		d.slots.Release(i)
		d.log.Info("consumer dropped during join", "consumer", c.ID(), "remote", remoteString(conn), "error", err)
		return -1, fmt.Errorf("join prefix: %w", err)
	}

	d.slots.Set(i, c)
	d.admitted++
	d.log.Info("consumer admitted",
		"consumer", c.ID(), "slot", i, "remote", remoteString(conn),
		"consumers", d.slots.Active())
	return i, nil
}

func (d *Dispatcher) newConsumer(slot int, conn Conn) Consumer {
	d.nextID++
	base := consumerBase{
		id:          fmt.Sprintf("c%d", d.nextID),
		slot:        slot,
		conn:        conn,
		timeout:     d.cfg.WriteTimeout,
		connectedAt: time.Now(),
		mode:        d.cfg.Mode,
	}

	if d.cfg.Mode == DeliveryBlocking {
		return &blockingConsumer{consumerBase: base}
	}

	qc := &queuedConsumer{
		consumerBase: base,
		log:          d.log,
		queue:        make(chan queuedFrame, d.cfg.QueueDepth),
		done:         make(chan struct{}),
		notify:       d.report,
	}
	qc.start(&d.senders)
	return qc
}

// report is called by sender goroutines. It never blocks; if the channel
// is full the next Send to the consumer fails and evicts it instead.
func (d *Dispatcher) report(c Consumer, cause error) {
	select {
	case d.evictions <- Eviction{Consumer: c, Cause: cause}:
	default:
	}
}

// Broadcast sends frame to every populated slot in slot order. Consumers
// whose delivery fails are closed and their slots freed before Broadcast
// returns. It returns the number of consumers the frame was handed to.
func (d *Dispatcher) Broadcast(frame []byte) int {
	d.frames++
	delivered := 0
	for i := 0; i < d.slots.Cap(); i++ {
		c := d.slots.Get(i)
		if c == nil {
			continue
		}
		if err := c.Send(frame); err != nil {
			d.evictSlot(i, c, err)
			continue
		}
		delivered++
	}
	return delivered
}

// Evictions delivers failures detected by sender goroutines. The owner of
// the dispatcher passes each one to Evict.
func (d *Dispatcher) Evictions() <-chan Eviction {
	return d.evictions
}

// Evict closes the consumer named by ev and frees its slot, unless the slot
// has already been given to someone else.
func (d *Dispatcher) Evict(ev Eviction) {
	i := ev.Consumer.Slot()
	if i < 0 || i >= d.slots.Cap() || d.slots.Get(i) != ev.Consumer {
		return
	}
	d.evictSlot(i, ev.Consumer, ev.Cause)
}

func (d *Dispatcher) evictSlot(i int, c Consumer, cause error) {
	c.Close()
	d.slots.Release(i)
	d.evicted++
	st := c.Stats()
	d.log.Info("consumer evicted",
		"consumer", c.ID(), "slot", i, "remote", st.RemoteAddr,
		"cause", cause, "bytes", st.BytesSent, "uptime_ms", st.UptimeMs)
}

type emptySource struct{}

func (emptySource) Drain(io.Writer) error { return nil }
func (emptySource) Snapshot() []byte      { return nil }

// CloseAll closes every consumer, frees all slots and waits for sender
// goroutines to exit.
func (d *Dispatcher) CloseAll() {
	for i := 0; i < d.slots.Cap(); i++ {
		if c := d.slots.Get(i); c != nil {
			c.Close()
			d.slots.Release(i)
		}
	}
	d.senders.Wait()
}

// Active returns the number of admitted consumers.
func (d *Dispatcher) Active() int {
	return d.slots.Active()
}

// Stats returns counters and a per-consumer breakdown.
func (d *Dispatcher) Stats() DispatcherStats {
	st := DispatcherStats{
		Mode:         string(d.cfg.Mode),
		MaxConsumers: d.slots.Cap(),
		Active:       d.slots.Active(),
		Admitted:     d.admitted,
		Rejected:     d.rejected,
		Evicted:      d.evicted,
		Frames:       d.frames,
		Consumers:    make([]ConsumerStats, 0, d.slots.Cap()),
	}
	for i := 0; i < d.slots.Cap(); i++ {
		if c := d.slots.Get(i); c != nil {
			st.Consumers = append(st.Consumers, c.Stats())
		}
	}
	return st
}
