package wire

import "testing"

func TestCRCRoundTrip(t *testing.T) {
	body := []byte{0x00, 0x00, 0x01, 0x23, 0x00, 0x00}
	PutDLLPCRC(body)
	if !ValidDLLPCRC(body) {
		t.Fatalf("DLLP CRC did not validate after PutDLLPCRC: % x", body)
	}
	body[1] ^= 0x01
	if ValidDLLPCRC(body) {
		t.Fatalf("corrupted DLLP body unexpectedly validated: % x", body)
	}
}

func TestLCRCRoundTrip(t *testing.T) {
	frame := make([]byte, 20)
	for i := range frame[:16] {
		frame[i] = byte(i * 7)
	}
	PutLCRC(frame)
	if !ValidLCRC(frame) {
		t.Fatalf("LCRC did not validate after PutLCRC: % x", frame)
	}
	frame[3] ^= 0xff
	if ValidLCRC(frame) {
		t.Fatalf("corrupted frame unexpectedly validated: % x", frame)
	}
}

func TestEncodeAckNakDecode(t *testing.T) {
	d := EncodeAckNak(DLLPAck, 0x0abc)
	if !d.Valid() {
		t.Fatalf("encoded ACK DLLP failed its own CRC: % x", d.Raw)
	}
	decoded, ok := DecodeDLLP(d.Raw[:])
	if !ok {
		t.Fatalf("DecodeDLLP reported failure for a well-formed frame")
	}
	if !decoded.IsAckNak() {
		t.Fatalf("decoded DLLP not recognized as AckNak: % x", decoded.Raw)
	}
	an := decoded.AckNak()
	if an.Kind != DLLPAck || an.Seqno != 0x0abc {
		t.Fatalf("AckNak = %+v, want Kind=%#x Seqno=0xabc", an, DLLPAck)
	}
}

func TestEncodeFlowControlDecode(t *testing.T) {
	d := EncodeFlowControl(FlowControl{VCID: 1, Kind: 2, Type: 3, HdrFC: 0xab, DataFC: 0x0cde})
	decoded, ok := DecodeDLLP(d.Raw[:])
	if !ok {
		t.Fatalf("DecodeDLLP reported failure for a well-formed frame")
	}
	if !decoded.IsFlowControl() {
		t.Fatalf("decoded DLLP not recognized as FlowControl: % x", decoded.Raw)
	}
	fc := decoded.FlowControl()
	if fc.VCID != 1 || fc.Kind != 2 || fc.Type != 3 || fc.HdrFC != 0xab || fc.DataFC != 0x0cde {
		t.Fatalf("FlowControl = %+v, want VCID=1 Kind=2 Type=3 HdrFC=0xab DataFC=0xcde", fc)
	}
}

// TestDataLength covers the 0-decodes-to-1024 rule.
func TestDataLength(t *testing.T) {
	cases := []struct {
		length uint16
		want   int
	}{
		{1, 1},
		{8, 8},
		{1023, 1023},
		{0, 1024},
	}
	for _, c := range cases {
		if got := DataLength(c.length); got != c.want {
			t.Errorf("DataLength(%d) = %d, want %d", c.length, got, c.want)
		}
	}
}

func TestTotalLength(t *testing.T) {
	total, err := TotalLength(Fmt3DWNoData, 8)
	if err != nil || total != 12 {
		t.Fatalf("TotalLength(3DW, 8) = %d, %v; want 12, nil", total, err)
	}
	total, err = TotalLength(Fmt4DWData, 2)
	if err != nil || total != 16+8 {
		t.Fatalf("TotalLength(4DW data, 2) = %d, %v; want 24, nil", total, err)
	}
	if _, err := TotalLength(0x7, 1); err == nil {
		t.Fatalf("TotalLength with unrecognized fmt did not error")
	}
}

func TestDataLengthBytes(t *testing.T) {
	// S2: 32-byte aligned read, dataDW=8, full enables both ends.
	n, err := DataLengthBytes(8, 0xf, 0xf)
	if err != nil || n != 32 {
		t.Fatalf("DataLengthBytes(8, 0xf, 0xf) = %d, %v; want 32, nil", n, err)
	}
	// S3: unaligned read of 6 bytes at addr 0x3 -> 3DW, first_be=0x8, last_be=0x1.
	n, err = DataLengthBytes(3, 0x8, 0x1)
	if err != nil || n != 6 {
		t.Fatalf("DataLengthBytes(3, 0x8, 0x1) = %d, %v; want 6, nil", n, err)
	}
	// S4: zero-length read, first_be=0, last_be=0 -> 0 bytes, no error.
	n, err = DataLengthBytes(1, 0, 0)
	if err != nil || n != 0 {
		t.Fatalf("DataLengthBytes(1, 0, 0) = %d, %v; want 0, nil", n, err)
	}
	// Non-contiguous byte enables are an error.
	if _, err := DataLengthBytes(1, 0x5, 0); err == nil {
		t.Fatalf("DataLengthBytes with non-contiguous first_be did not error")
	}
}

func TestSetReqAddrScenarios(t *testing.T) {
	// S2: aligned 32-byte read at addr 0x1000.
	tlp := &TLP{}
	SetReqAddr(tlp, 0x1000, 32)
	if tlp.Length != 8 || tlp.FirstBE != 0xf || tlp.LastBE != 0xf || tlp.Addr != 0x1000 || tlp.Fmt != Fmt3DWNoData {
		t.Fatalf("S2: got Length=%d FirstBE=%#x LastBE=%#x Addr=%#x Fmt=%d",
			tlp.Length, tlp.FirstBE, tlp.LastBE, tlp.Addr, tlp.Fmt)
	}

	// S3: unaligned 6-byte read at addr 0x3.
	tlp = &TLP{}
	SetReqAddr(tlp, 0x3, 6)
	if tlp.Length != 3 || tlp.FirstBE != 0x8 || tlp.LastBE != 0x1 || tlp.Addr != 0 {
		t.Fatalf("S3: got Length=%d FirstBE=%#x LastBE=%#x Addr=%#x",
			tlp.Length, tlp.FirstBE, tlp.LastBE, tlp.Addr)
	}

	// S4: zero-length read.
	tlp = &TLP{}
	SetReqAddr(tlp, 0x10, 0)
	if tlp.Length != 1 || tlp.FirstBE != 0 || tlp.LastBE != 0 {
		t.Fatalf("S4: got Length=%d FirstBE=%#x LastBE=%#x", tlp.Length, tlp.FirstBE, tlp.LastBE)
	}
}

func TestSetReqAddr64BitFmt(t *testing.T) {
	tlp := &TLP{}
	SetReqAddr(tlp, uint64(1)<<33, 4)
	if tlp.Fmt != Fmt4DWNoData {
		t.Fatalf("SetReqAddr with a >=2^32 address chose Fmt=%d, want Fmt4DWNoData", tlp.Fmt)
	}
}

func TestEncodeDecodeRequest(t *testing.T) {
	orig := &TLP{
		Fmt:       Fmt4DWData,
		Type:      TypeMWr64 & 0x1f,
		TC:        3,
		Requester: ID{Bus: 0x01, Device: 0x1f, Function: 1},
		Tag:       0x17,
		FirstBE:   0xf,
		LastBE:    0x3,
		Addr:      0x1_0000_0000,
		Length:    3,
		Data:      []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	buf, err := Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Fmt != orig.Fmt || decoded.Type != orig.Type || decoded.TC != orig.TC ||
		decoded.Requester != orig.Requester || decoded.Tag != orig.Tag ||
		decoded.FirstBE != orig.FirstBE || decoded.LastBE != orig.LastBE ||
		decoded.Addr != orig.Addr || decoded.Length != orig.Length {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, orig)
	}
	if string(decoded.Data) != string(orig.Data) {
		t.Fatalf("payload mismatch: got % x, want % x", decoded.Data, orig.Data)
	}
}

func TestEncodeDecodeCompletion(t *testing.T) {
	orig := &TLP{
		Fmt:       Fmt3DWData,
		Type:      TypeCplD & 0x1f,
		Completer: ID{Bus: 0x02, Device: 0x03, Function: 0},
		Status:    1,
		ByteCount: 64,
		Requester: ID{Bus: 0x01, Device: 0x1f, Function: 1},
		CplTag:    0x09,
		LowerAddr: 0x20,
		Length:    16,
		Data:      make([]byte, 64),
	}
	buf, err := Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Completer != orig.Completer || decoded.Status != orig.Status ||
		decoded.ByteCount != orig.ByteCount || decoded.Requester != orig.Requester ||
		decoded.CplTag != orig.CplTag || decoded.LowerAddr != orig.LowerAddr {
		t.Fatalf("completion round trip mismatch: got %+v, want %+v", decoded, orig)
	}
}
