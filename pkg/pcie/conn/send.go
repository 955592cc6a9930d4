package conn

import (
	"fmt"

	"github.com/antmicro/warp-pipe-go/pkg/pcie/wire"
)

// SendTLP stamps t with the next outbound sequence number, assembles the
// full transport frame (proto + DL header + TLP header + data + LCRC-32),
// and writes it in one call. Any short write or error marks the connection
// Closing and returns the error.
func (c *Conn) SendTLP(t *wire.TLP) error {
	header, err := wire.Encode(t)
	if err != nil {
		return fmt.Errorf("pcie: encoding TLP: %w", err)
	}

	frame := make([]byte, 1+wire.DLHeaderLen+len(header)+4)
	frame[0] = byte(wire.ProtoTLP)
	wire.PutSeqno(frame[1:1+wire.DLHeaderLen], c.nextSeq())
	copy(frame[1+wire.DLHeaderLen:], header)
	wire.PutLCRC(frame[1:])

	if err := c.writeFrame(frame); err != nil {
		return err
	}
	if c.Metrics != nil {
		c.Metrics.AddTLPSent()
	}
	return nil
}

// sendAckNak emits an ACK or NAK DLLP carrying seqno. It does not consume
// the outbound TLP sequence counter.
func (c *Conn) sendAckNak(kind wire.DLLPType, seqno uint16) error {
	d := wire.EncodeAckNak(kind, seqno)
	if err := c.sendDLLP(d); err != nil {
		return err
	}
	if c.Metrics != nil {
		if kind == wire.DLLPAck {
			c.Metrics.AddAckSent()
		} else {
			c.Metrics.AddNakSent()
		}
	}
	return nil
}

// Ack is the public Requester-API entry point for emitting a DLLP ACK or
// NAK with an explicit sequence number.
func (c *Conn) Ack(kind wire.DLLPType, seqno uint16) error {
	return c.sendAckNak(kind, seqno)
}

func (c *Conn) sendDLLP(d wire.DLLP) error {
	frame := make([]byte, 1+wire.DLLPLen)
	frame[0] = byte(wire.ProtoDLLP)
	copy(frame[1:], d.Raw[:])
	if err := c.writeFrame(frame); err != nil {
		return err
	}
	if c.Metrics != nil {
		c.Metrics.AddDLLPSent()
	}
	return nil
}

func (c *Conn) writeFrame(frame []byte) error {
	n, err := c.Conn.Write(frame)
	if err != nil {
		c.MarkClosing(err)
		return err
	}
	if n != len(frame) {
		err := fmt.Errorf("pcie: short write (%d of %d bytes)", n, len(frame))
		c.MarkClosing(err)
		return err
	}
	return nil
}
