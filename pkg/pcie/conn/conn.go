// Package conn holds per-peer protocol state on top of a net.Conn: sequence
// numbers, the outbound tag allocator, the completion callback table, the
// BAR table and configuration-space handlers, and the receive/send
// primitives that turn bytes into decoded transport units and back.
package conn

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/antmicro/warp-pipe-go/pkg/metrics"
	"github.com/antmicro/warp-pipe-go/pkg/pcie/wire"
)

// MaxPacketDataSize is the largest TLP payload this engine will carry.
const MaxPacketDataSize = 4096

// MaxPacketHeaderSize is 1 (proto) + 16 (4DW TLP header) + 4 (LCRC32).
const MaxPacketHeaderSize = 21

// BufferSize is the receive buffer size: large enough for one maximum-size
// frame, including the 2-byte DL header that precedes the TLP header.
const BufferSize = MaxPacketHeaderSize + wire.DLHeaderLen + MaxPacketDataSize

const numBARs = 6
const numTags = 32

// ReadHandler services a memory/IO/config read against a BAR or the
// configuration-space handler. It must fill len(data) bytes into data and
// return nil on success.
type ReadHandler func(offset uint64, data []byte) error

// WriteHandler services a memory/IO/config write.
type WriteHandler func(offset uint64, data []byte)

// CompletionStatus is delivered to a completion callback alongside the
// payload.
type CompletionStatus struct {
	Error bool
}

// CompletionFunc is invoked when a CplD matching an outstanding tag
// arrives.
type CompletionFunc func(status CompletionStatus, data []byte)

// BAR is one of a connection's six Base Address Register slots.
type BAR struct {
	Base  uint64
	Size  uint64
	Read  ReadHandler
	Write WriteHandler
	used  bool
}

// TLPHandler dispatches a decoded, CRC-valid TLP to the appropriate
// registered handler. pkg/pcie/router implements this interface; conn does
// not import router, avoiding a cycle.
type TLPHandler interface {
	HandleTLP(c *Conn, t *wire.TLP)
}

// Conn is a single PCIe-over-TCP peer connection: an owned net.Conn plus the
// protocol state layered on top of it.
type Conn struct {
	net.Conn

	ID  xid.ID
	log *logrus.Entry

	AcceptedAt time.Time

	active  bool
	closing bool

	seq uint16 // 12-bit outbound sequence counter

	tagNext     uint8
	completions [numTags]CompletionFunc

	bars      [numBARs]BAR
	cfg0Read  ReadHandler
	cfg0Write WriteHandler

	// UserData is an arbitrary pointer the owner of the Conn may use to
	// carry application state (e.g. a memory-mock device's backing store).
	UserData interface{}

	// Metrics, if set, receives protocol event counts. Nil is valid and
	// simply means nothing is recorded.
	Metrics *metrics.Counters

	rx    [BufferSize]byte
	rxPos int
}

// New wraps nc with fresh, empty PCIe connection state.
func New(nc net.Conn) *Conn {
	return &Conn{
		Conn:       nc,
		ID:         xid.New(),
		AcceptedAt: time.Now(),
		active:     true,
	}
}

func (c *Conn) logger() *logrus.Entry {
	if c.log == nil {
		c.log = logrus.WithField("conn", c.ID.String())
	}
	return c.log
}

// Active reports whether the connection is still open and usable.
func (c *Conn) Active() bool {
	return c.active && !c.closing
}

// MarkClosing transitions the connection to the Closing state. The event
// loop is responsible for the Closing -> Gone transition (closing the
// socket and dropping the connection from its collection).
func (c *Conn) MarkClosing(reason error) {
	if !c.closing {
		c.logger().WithError(reason).Debug("connection closing")
	}
	c.closing = true
	c.active = false
}

// Closing reports whether the connection has been marked for teardown.
func (c *Conn) Closing() bool {
	return c.closing
}

// RegisterBAR installs a BAR at the given index. size must be a power of
// two and base must be size-aligned; idx must not already be registered.
func (c *Conn) RegisterBAR(idx int, base, size uint64, read ReadHandler, write WriteHandler) error {
	if idx < 0 || idx >= numBARs {
		return fmt.Errorf("pcie: BAR index %d out of range", idx)
	}
	if c.bars[idx].used {
		return fmt.Errorf("pcie: BAR %d already registered", idx)
	}
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("pcie: BAR size %d is not a power of two", size)
	}
	if base&(size-1) != 0 {
		return fmt.Errorf("pcie: BAR base %#x is not aligned to size %#x", base, size)
	}
	c.bars[idx] = BAR{Base: base, Size: size, Read: read, Write: write, used: true}
	return nil
}

// BAR returns the registered BAR at idx, or ok=false if none is registered
// there.
func (c *Conn) BAR(idx int) (BAR, bool) {
	if idx < 0 || idx >= numBARs {
		return BAR{}, false
	}
	b := c.bars[idx]
	return b, b.used
}

// MatchBAR returns the index of the first registered BAR whose window
// contains addr, and the offset of addr within that window.
func (c *Conn) MatchBAR(addr uint64) (idx int, offset uint64, ok bool) {
	for i, b := range c.bars {
		if !b.used {
			continue
		}
		if addr&^(b.Size-1) == b.Base {
			return i, addr & (b.Size - 1), true
		}
	}
	return 0, 0, false
}

// RegisterConfig0 installs the configuration-space (function 0) read/write
// handlers.
func (c *Conn) RegisterConfig0(read ReadHandler, write WriteHandler) {
	c.cfg0Read = read
	c.cfg0Write = write
}

// Config0Handlers returns the configuration-space handlers, which may be
// nil if never registered.
func (c *Conn) Config0Handlers() (ReadHandler, WriteHandler) {
	return c.cfg0Read, c.cfg0Write
}

// allocTag reserves the next free completion-callback slot and installs cb
// there. It fails rather than overwrite a slot that is still in flight.
func (c *Conn) allocTag(cb CompletionFunc) (uint8, error) {
	for i := 0; i < numTags; i++ {
		tag := (c.tagNext + uint8(i)) & 0x1f
		if c.completions[tag] == nil {
			c.completions[tag] = cb
			c.tagNext = (tag + 1) & 0x1f
			return tag, nil
		}
	}
	return 0, fmt.Errorf("pcie: no free completion tag on connection %s (32 requests in flight)", c.ID)
}

// deliverCompletion invokes and clears the callback for tag, if any is
// installed. Returns false if the tag had no pending callback.
func (c *Conn) deliverCompletion(tag uint8, status CompletionStatus, data []byte) bool {
	tag &= 0x1f
	cb := c.completions[tag]
	if cb == nil {
		return false
	}
	c.completions[tag] = nil
	cb(status, data)
	return true
}

// dropPendingCompletions clears every in-flight completion slot without
// invoking the callbacks, per the shutdown semantics in §5: pending
// completions are dropped, not delivered, when a connection is torn down.
func (c *Conn) dropPendingCompletions() {
	for i := range c.completions {
		c.completions[i] = nil
	}
}

// AllocTag reserves the next free completion-callback slot and installs cb
// there, returning the tag to place in an outbound request. It fails
// rather than silently overwrite a slot that is still awaiting a
// completion.
func (c *Conn) AllocTag(cb CompletionFunc) (uint8, error) {
	return c.allocTag(cb)
}

// DeliverCompletion invokes and clears the callback installed for tag, if
// any. It reports whether a callback was found.
func (c *Conn) DeliverCompletion(tag uint8, status CompletionStatus, data []byte) bool {
	return c.deliverCompletion(tag, status, data)
}

// Close marks the connection Gone: it closes the underlying socket and
// drops any pending completion callbacks without invoking them, per the
// shutdown semantics described in §5.
func (c *Conn) Close() error {
	c.active = false
	c.closing = true
	c.dropPendingCompletions()
	return c.Conn.Close()
}

// nextSeq advances the outbound sequence counter modulo 2^12 and returns
// the new value, so the first TLP sent on a connection carries seqno 1 (the
// reference implementation's client_cpl pre-increments for the same
// reason). DLLPs do not consume a sequence number; only SendTLP calls this.
func (c *Conn) nextSeq() uint16 {
	c.seq = (c.seq + 1) & 0x0fff
	return c.seq
}
