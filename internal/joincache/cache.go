// Package joincache keeps the minimal Annex B byte sequence a newly joined
// consumer needs in order to start decoding a live stream: the most recent
// parameter sets, the most recent sync unit, and every ordinary unit since.
package joincache

import (
	"bytes"
	"errors"
	"io"
	"log/slog"

	"github.com/zsiec/nalrelay/internal/annexb"
)

// DefaultCapacity is the default cache bound (C_out).
const DefaultCapacity = 8 * annexb.MaxUnitSize

// ErrCapacity is returned by OnUnit when storing a unit would exceed the
// cache capacity. The cache is left exactly as it was before the call.
var ErrCapacity = errors.New("joincache: capacity exceeded")

// Stats is a snapshot of cache occupancy and counters.
type Stats struct {
	Bytes       int   `json:"bytes"`
	HeaderBytes int   `json:"headerBytes"`
	HeaderUnits int   `json:"headerUnits"`
	TailUnits   int   `json:"tailUnits"`
	Capacity    int   `json:"capacity"`
	Overflows   int64 `json:"overflows"`
	Skipped     int64 `json:"skipped"`
	Frozen      bool  `json:"frozen"`
}

// Cache is the join-point cache. Its contents, read start to end, are
// always one of: empty; a header region; or a header region followed by a
// sync unit and zero or more ordinary units. Every unit is stored with its
// start code in front, so the contents can be written to a consumer as is.
//
// headerEnd separates the header region from the tail region. A run of
// consecutive parameter-set units with distinct codes forms one header
// region; a parameter-set unit arriving after a tail has started, or
// repeating a code already in the region, starts a new region and drops
// everything before it.
//
// When an append would exceed the capacity the cache stops growing instead
// of evicting: a frozen tail is only replaced by the next sync unit, and a
// rejected header blocks tail updates until a header fits.
//
// Cache is not safe for concurrent use. It is owned by the relay loop.
type Cache struct {
	log      *slog.Logger
	buf      []byte
	capacity int

	headerEnd   int
	headerCodes []byte
	tailUnits   int
	hasSync     bool
	tailFrozen  bool
	headerStale bool

	overflows int64
	skipped   int64
}

// New creates an empty Cache bounded to capacity bytes. A capacity <= 0
// selects DefaultCapacity. If log is nil, slog.Default() is used.
func New(capacity int, log *slog.Logger) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		log:      log.With("component", "joincache"),
		capacity: capacity,
	}
}

// OnUnit applies the cache update rule for one classified unit. It must be
// called before the unit is broadcast so a consumer admitted afterwards
// never misses it. Unrecognized units leave the cache untouched.
func (c *Cache) OnUnit(unit []byte, role annexb.Role) error {
	if len(unit) == 0 {
		return nil
	}
	switch {
	case role.IsHeader():
		return c.onHeader(unit)
	case role == annexb.RoleSync:
		return c.onSync(unit)
	case role == annexb.RoleOrdinary:
		return c.onOrdinary(unit)
	}
	return nil
}

func (c *Cache) onHeader(unit []byte) error {
	start := c.headerEnd
	fresh := c.headerStale || len(c.buf) > c.headerEnd || bytes.IndexByte(c.headerCodes, unit[0]) >= 0
	if fresh {
		start = 0
	}
	if !c.fits(start, unit) {
		c.headerStale = true
		return c.overflow("header", unit)
	}

	c.buf = annexb.AppendUnit(c.buf[:start], unit)
	if fresh {
		c.headerCodes = c.headerCodes[:0]
	}
	c.headerCodes = append(c.headerCodes, unit[0])
	c.headerEnd = len(c.buf)
	c.tailUnits = 0
	c.hasSync = false
	c.tailFrozen = false
	c.headerStale = false
	return nil
}

func (c *Cache) onSync(unit []byte) error {
	if c.headerEnd == 0 || c.headerStale {
		c.skip("sync unit without current header", unit)
		return nil
	}
	if !c.fits(c.headerEnd, unit) {
		c.tailFrozen = true
		return c.overflow("sync", unit)
	}

	c.buf = annexb.AppendUnit(c.buf[:c.headerEnd], unit)
	c.tailUnits = 1
	c.hasSync = true
	c.tailFrozen = false
	return nil
}

func (c *Cache) onOrdinary(unit []byte) error {
	if !c.hasSync || c.tailFrozen || c.headerStale {
		c.skip("ordinary unit without cached sync unit", unit)
		return nil
	}
	if !c.fits(len(c.buf), unit) {
		c.tailFrozen = true
		return c.overflow("ordinary", unit)
	}

	c.buf = annexb.AppendUnit(c.buf, unit)
	c.tailUnits++
	return nil
}

func (c *Cache) fits(at int, unit []byte) bool {
	return at+len(annexb.StartCode)+len(unit) <= c.capacity
}

func (c *Cache) overflow(kind string, unit []byte) error {
	c.overflows++
	c.log.Warn("cache full, keeping previous contents",
		"unit", kind, "unitBytes", len(unit), "cacheBytes", len(c.buf), "capacity", c.capacity)
	return ErrCapacity
}

func (c *Cache) skip(reason string, unit []byte) {
	c.skipped++
	c.log.Debug("unit not cached", "reason", reason, "code", unit[0])
}

// Len returns the current cache size in bytes.
func (c *Cache) Len() int {
	return len(c.buf)
}

// Drain writes the entire cache contents to w. It is used once per newly
// admitted consumer in blocking delivery mode.
func (c *Cache) Drain(w io.Writer) error {
	if len(c.buf) == 0 {
		return nil
	}
	_, err := w.Write(c.buf)
	return err
}

// Snapshot returns a copy of the cache contents, or nil if the cache is
// empty. The copy stays valid after later updates.
func (c *Cache) Snapshot() []byte {
	if len(c.buf) == 0 {
		return nil
	}
	return bytes.Clone(c.buf)
}

// Stats returns a snapshot of cache occupancy and counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Bytes:       len(c.buf),
		HeaderBytes: c.headerEnd,
		HeaderUnits: len(c.headerCodes),
		TailUnits:   c.tailUnits,
		Capacity:    c.capacity,
		Overflows:   c.overflows,
		Skipped:     c.skipped,
		Frozen:      c.tailFrozen || c.headerStale,
	}
}
