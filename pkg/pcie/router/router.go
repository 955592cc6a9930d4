// Package router turns a decoded, CRC-valid TLP into an invocation of the
// handler registered for its target: a BAR, the configuration-space
// handlers, or an outstanding completion callback. It implements
// conn.TLPHandler so that pkg/pcie/conn can dispatch without importing this
// package.
package router

import (
	"github.com/sirupsen/logrus"

	"github.com/antmicro/warp-pipe-go/pkg/pcie/conn"
	"github.com/antmicro/warp-pipe-go/pkg/pcie/wire"
)

// Router is a stateless dispatcher: all the state it needs (BAR table,
// config handlers, completion table) lives on the Conn it is handed.
type Router struct{}

// New returns a ready-to-use Router.
func New() *Router {
	return &Router{}
}

// HandleTLP dispatches t, received on c, to the appropriate handler.
func (r *Router) HandleTLP(c *conn.Conn, t *wire.TLP) {
	switch t.TypeCode() {
	case wire.TypeMRd32, wire.TypeMRd64, wire.TypeIORd, wire.TypeCfgRd0:
		r.handleRead(c, t)
	case wire.TypeMWr32, wire.TypeMWr64, wire.TypeIOWr, wire.TypeCfgWr0:
		r.handleWrite(c, t)
	case wire.TypeCplD:
		r.handleCompletionData(c, t)
	case wire.TypeCpl:
		logrus.WithField("conn", c.ID).Debug("received completion without data (no callback path)")
	case wire.TypeMRdLk32, wire.TypeMRdLk64:
		logrus.WithField("conn", c.ID).Debug("received locked read request (logged only, not dispatched)")
	default:
		logrus.WithFields(logrus.Fields{"conn": c.ID, "type": t.TypeCode()}).Warn("unrecognized TLP fmt/type")
		if c.Metrics != nil {
			c.Metrics.AddDispatchError()
		}
	}
}

func (r *Router) resolveTarget(c *conn.Conn, t *wire.TLP) (read conn.ReadHandler, write conn.WriteHandler, offset uint64, found bool) {
	if t.Type == wire.TypeCfgRd0 || t.Type == wire.TypeCfgWr0 {
		read, write = c.Config0Handlers()
		return read, write, t.Addr, read != nil || write != nil
	}
	idx, off, ok := c.MatchBAR(t.Addr)
	if !ok {
		return nil, nil, 0, false
	}
	bar, _ := c.BAR(idx)
	return bar.Read, bar.Write, off, true
}

func (r *Router) handleRead(c *conn.Conn, t *wire.TLP) {
	dataDW := wire.DataLength(t.Length)
	dataBytes, err := wire.DataLengthBytes(dataDW, t.FirstBE, t.LastBE)
	if err != nil {
		logrus.WithField("conn", c.ID).WithError(err).Warn("malformed byte-enables on read request")
		dataBytes = 0
		if c.Metrics != nil {
			c.Metrics.AddDispatchError()
		}
	}

	cpl := &wire.TLP{
		Fmt:       wire.Fmt3DWData,
		Type:      wire.TypeCplD & 0x1f,
		Length:    t.Length,
		Requester: t.Requester,
		CplTag:    t.Tag,
		ByteCount: uint16(dataBytes),
		LowerAddr: uint8(t.Addr & 0x7f),
	}

	read, _, offset, found := r.resolveTarget(c, t)
	if !found || read == nil {
		logrus.WithFields(logrus.Fields{"conn": c.ID, "addr": t.Addr}).Warn("read request matched no BAR or config handler")
		if c.Metrics != nil {
			c.Metrics.AddDispatchError()
		}
		cpl.Fmt = wire.Fmt3DWNoData
		cpl.Status = 1
		cpl.ByteCount = 0
		_ = c.SendTLP(cpl)
		return
	}

	// The frame carries a whole number of DWs (dataDW*4 bytes), as its own
	// Length field promises; dataBytes (which may be fewer, for an
	// unaligned or sub-DW transfer) is only the valid-byte count reported
	// in ByteCount, not the payload size.
	payload := make([]byte, dataDW*4)
	if err := read(offset, payload); err != nil {
		logrus.WithFields(logrus.Fields{"conn": c.ID, "addr": t.Addr}).WithError(err).Warn("read handler reported failure")
		if c.Metrics != nil {
			c.Metrics.AddDispatchError()
		}
		cpl.Fmt = wire.Fmt3DWNoData
		cpl.Status = 1
		cpl.ByteCount = 0
	} else {
		cpl.Data = payload
	}
	_ = c.SendTLP(cpl)
}

func (r *Router) handleWrite(c *conn.Conn, t *wire.TLP) {
	dataDW := wire.DataLength(t.Length)
	dataBytes, err := wire.DataLengthBytes(dataDW, t.FirstBE, t.LastBE)
	if err != nil {
		logrus.WithField("conn", c.ID).WithError(err).Warn("malformed byte-enables on write request")
		if c.Metrics != nil {
			c.Metrics.AddDispatchError()
		}
		return
	}

	_, write, offset, found := r.resolveTarget(c, t)
	if !found || write == nil {
		logrus.WithFields(logrus.Fields{"conn": c.ID, "addr": t.Addr}).Warn("write request matched no BAR or config handler, dropped")
		if c.Metrics != nil {
			c.Metrics.AddDispatchError()
		}
		return
	}

	data := t.Data
	if dataBytes < len(data) {
		data = data[:dataBytes]
	}
	write(offset, data)
}

func (r *Router) handleCompletionData(c *conn.Conn, t *wire.TLP) {
	data := t.Data
	if int(t.ByteCount) <= len(data) {
		data = data[:t.ByteCount]
	}
	status := conn.CompletionStatus{Error: t.Status != 0}
	if !c.DeliverCompletion(t.CplTag, status, data) {
		logrus.WithFields(logrus.Fields{"conn": c.ID, "tag": t.CplTag}).Warn("completion for unknown tag, dropped")
		if c.Metrics != nil {
			c.Metrics.AddDispatchError()
		}
	}
}
