// Package requester implements the public Requester-side API described in
// §4.5: issuing memory/config reads and writes, registering BARs and
// configuration handlers, and emitting DLLP ACK/NAK.
package requester

import (
	"fmt"

	"github.com/antmicro/warp-pipe-go/pkg/pcie/conn"
	"github.com/antmicro/warp-pipe-go/pkg/pcie/wire"
)

// Requester is a thin, stateless wrapper around a *conn.Conn exposing the
// request-issuing half of the protocol.
type Requester struct {
	c *conn.Conn
}

// New returns a Requester bound to c.
func New(c *conn.Conn) *Requester {
	return &Requester{c: c}
}

// RegisterBAR installs a BAR at idx with the given base/size and handlers.
func (r *Requester) RegisterBAR(idx int, base, size uint64, read conn.ReadHandler, write conn.WriteHandler) error {
	return r.c.RegisterBAR(idx, base, size, read, write)
}

// RegisterConfig0 installs the function-0 configuration-space handlers.
func (r *Requester) RegisterConfig0(read conn.ReadHandler, write conn.WriteHandler) {
	r.c.RegisterConfig0(read, write)
}

// Read issues a memory read of length bytes at offset within bar, composed
// as an MRd64 (4DW form) regardless of whether the resulting address would
// fit in 32 bits, per the Requester API contract. cb is invoked when the
// matching completion arrives.
func (r *Requester) Read(barIdx int, offset uint64, length int, cb conn.CompletionFunc) error {
	bar, ok := r.c.BAR(barIdx)
	if !ok {
		return fmt.Errorf("pcie: BAR %d not registered", barIdx)
	}
	return r.read(bar.Base+offset, length, wire.Fmt4DWNoData, 0, cb)
}

// ConfigRead issues a CfgRd0 read of length bytes at offset.
func (r *Requester) ConfigRead(offset uint64, length int, cb conn.CompletionFunc) error {
	return r.read(offset, length, wire.Fmt3DWNoData, wire.TypeCfgRd0&0x1f, cb)
}

func (r *Requester) read(addr uint64, length int, fmtBits, typ uint8, cb conn.CompletionFunc) error {
	tag, err := r.c.AllocTag(cb)
	if err != nil {
		return err
	}
	t := &wire.TLP{}
	wire.SetReqAddr(t, addr, length)
	t.Fmt = fmtBits
	t.Type = typ
	t.Tag = tag
	return r.c.SendTLP(t)
}

// Write issues a memory write of data at offset within bar, composed as an
// MWr64 (4DW form).
func (r *Requester) Write(barIdx int, offset uint64, data []byte) error {
	bar, ok := r.c.BAR(barIdx)
	if !ok {
		return fmt.Errorf("pcie: BAR %d not registered", barIdx)
	}
	return r.write(bar.Base+offset, data, wire.Fmt4DWData, 0)
}

// ConfigWrite issues a CfgWr0 write of data at offset.
func (r *Requester) ConfigWrite(offset uint64, data []byte) error {
	return r.write(offset, data, wire.Fmt3DWData, wire.TypeCfgWr0&0x1f)
}

func (r *Requester) write(addr uint64, data []byte, fmtBits, typ uint8) error {
	t := &wire.TLP{}
	wire.SetReqAddr(t, addr, len(data))
	t.Fmt = fmtBits
	t.Type = typ
	t.Data = padPayload(addr, data)
	return r.c.SendTLP(t)
}

// padPayload places data at byte offset (addr&3) within the first DW of the
// payload and zero-pads the result up to a whole number of DWs, matching
// the byte-enable layout SetReqAddr computes for the same (addr, length).
func padPayload(addr uint64, data []byte) []byte {
	align := int(addr & 3)
	total := align + len(data)
	if rem := total % 4; rem != 0 {
		total += 4 - rem
	}
	buf := make([]byte, total)
	copy(buf[align:], data)
	return buf
}

// Ack emits a DLLP ACK or NAK carrying seqno.
func (r *Requester) Ack(kind wire.DLLPType, seqno uint16) error {
	return r.c.Ack(kind, seqno)
}
