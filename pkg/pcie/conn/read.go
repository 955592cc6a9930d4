package conn

import (
	"fmt"
	"io"

	"github.com/antmicro/warp-pipe-go/pkg/pcie/wire"
)

// prefixLen is 1 (proto) + sizeof(DLLP) (6), the amount read on every
// ReadOnce call before the transport unit's own length is known: just
// enough to either hold a complete DLLP, or the DL header plus the first
// four bytes of a TLP header (whose length field lives there).
const prefixLen = 1 + wire.DLLPLen

// ReadOnce reads and decodes exactly one transport unit from the
// connection, dispatching TLPs to handler. DLLPs are handled internally
// (ACK/NAK and flow-control are logged; credit-based metering is not
// implemented). Any I/O error, graceful EOF, or framing error marks the
// connection Closing; ReadOnce never returns an error for conditions that
// only affect this one unit (a bad CRC, an unrecognized DLLP type) since
// those are logged and dropped rather than fatal to the connection.
func (c *Conn) ReadOnce(handler TLPHandler) error {
	if _, err := io.ReadFull(c.Conn, c.rx[:prefixLen]); err != nil {
		c.MarkClosing(err)
		return nil
	}

	proto := wire.Proto(c.rx[0])
	switch proto {
	case wire.ProtoDLLP:
		if c.Metrics != nil {
			c.Metrics.AddDLLPReceived()
		}
		c.handleDLLP()
		return nil
	case wire.ProtoTLP:
		if c.Metrics != nil {
			c.Metrics.AddTLPReceived()
		}
		return c.readTLP(handler)
	default:
		c.MarkClosing(fmt.Errorf("pcie: unrecognized transport proto byte %#x", c.rx[0]))
		return nil
	}
}

func (c *Conn) handleDLLP() {
	d, _ := wire.DecodeDLLP(c.rx[1:prefixLen])
	if !d.Valid() {
		c.logger().Warn("DLLP CRC-16 mismatch, dropping")
		return
	}
	switch {
	case d.IsAckNak():
		an := d.AckNak()
		c.logger().WithField("seqno", an.Seqno).Debugf("received %v", an.Kind)
	case d.IsFlowControl():
		fc := d.FlowControl()
		c.logger().WithFields(logFieldsFlowControl(fc)).Debug("received flow-control DLLP (not metered)")
	default:
		c.logger().WithField("dl_type", d.Raw[0]).Warn("unrecognized DLLP type")
	}
}

func (c *Conn) readTLP(handler TLPHandler) error {
	dlHeader := c.rx[1:3]
	seqno := wire.Seqno(dlHeader)
	dw0 := c.rx[3:prefixLen]

	fmtBits := dw0[0] >> 5 & 0x7
	length := uint16(dw0[2]&0x3)<<8 | uint16(dw0[3])

	total, err := wire.TotalLength(fmtBits, length)
	if err != nil {
		c.MarkClosing(fmt.Errorf("pcie: framing error: %w", err))
		return nil
	}

	// The frame still on the wire after the prefixLen bytes already read is
	// exactly `total` bytes: the remaining header+data (total-4, since the
	// prefix already holds the header's first 4 bytes) plus the 4-byte
	// LCRC trailer.
	if prefixLen+total > len(c.rx) {
		c.MarkClosing(fmt.Errorf("pcie: frame of %d bytes exceeds receive buffer", prefixLen+total))
		return nil
	}
	if total > 0 {
		if _, err := io.ReadFull(c.Conn, c.rx[prefixLen:prefixLen+total]); err != nil {
			c.MarkClosing(err)
			return nil
		}
	}

	frame := c.rx[1 : prefixLen+total] // DL header + TLP header + data + LCRC
	ok := wire.ValidLCRC(frame)

	if ok {
		c.sendAckNak(wire.DLLPAck, seqno)
	} else {
		c.logger().WithField("seqno", seqno).Warn("TLP LCRC-32 mismatch, sending NAK")
		c.sendAckNak(wire.DLLPNak, seqno)
		return nil
	}

	t, err := wire.Decode(frame[wire.DLHeaderLen : len(frame)-4])
	if err != nil {
		c.logger().WithError(err).Warn("failed to decode TLP despite valid LCRC")
		return nil
	}

	handler.HandleTLP(c, t)
	return nil
}

func logFieldsFlowControl(fc wire.FlowControl) map[string]interface{} {
	return map[string]interface{}{
		"vcid": fc.VCID,
		"kind": fc.Kind,
		"type": fc.Type,
	}
}
