package wire

import "encoding/binary"

// PCIe CRC polynomials are given bit-reversed relative to the spec, so that
// the computation can process the least-significant bit first and shift
// right, matching how the reference C implementation does it.
const (
	dllpCRC16Poly uint32 = 0xd008
	tlpLCRC32Poly uint32 = 0xedb88320
)

// crcBitwise computes a table-free CRC over data, low bit first, shifting
// right, starting from init and using the given (already bit-reversed)
// polynomial. Both the 16-bit and 32-bit PCIe CRCs reduce to this same loop;
// the 16-bit variant never sets a bit above bit 15 as long as init and poly
// are themselves 16-bit values.
func crcBitwise(data []byte, init uint32, poly uint32) uint32 {
	crc := init
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// CRC16 computes the PCIe DLLP CRC over body (the 4-byte DLLP payload,
// excluding the trailer).
func CRC16(body []byte) uint16 {
	crc := crcBitwise(body, 0xffff, dllpCRC16Poly)
	return uint16(^crc & 0xffff)
}

// LCRC32 computes the PCIe TLP link CRC over data (the 2-byte DL header plus
// TLP header and payload, excluding the trailer).
func LCRC32(data []byte) uint32 {
	crc := crcBitwise(data, 0xffffffff, tlpLCRC32Poly)
	return ^crc
}

// PutDLLPCRC computes the CRC-16 over body[:4] and writes it little-endian
// into body[4:6].
func PutDLLPCRC(body []byte) {
	binary.LittleEndian.PutUint16(body[4:6], CRC16(body[:4]))
}

// ValidDLLPCRC reports whether the trailing two bytes of body match the
// CRC-16 of body[:4].
func ValidDLLPCRC(body []byte) bool {
	if len(body) < 6 {
		return false
	}
	return binary.LittleEndian.Uint16(body[4:6]) == CRC16(body[:4])
}

// PutLCRC computes the LCRC-32 over frame[:len(frame)-4] and writes it
// little-endian into the last four bytes of frame.
func PutLCRC(frame []byte) {
	n := len(frame)
	binary.LittleEndian.PutUint32(frame[n-4:n], LCRC32(frame[:n-4]))
}

// ValidLCRC reports whether the trailing four bytes of frame match the
// LCRC-32 of the rest of frame.
func ValidLCRC(frame []byte) bool {
	n := len(frame)
	if n < 4 {
		return false
	}
	return binary.LittleEndian.Uint32(frame[n-4:n]) == LCRC32(frame[:n-4])
}
