package router

import (
	"net"
	"testing"
	"time"

	"github.com/antmicro/warp-pipe-go/pkg/pcie/conn"
	"github.com/antmicro/warp-pipe-go/pkg/pcie/requester"
)

// TestBARReadDispatch is scenario S5: a BAR0 read handler filling i -> i is
// registered on the completer side; a requester read of 40 bytes at offset
// 0 comes back as a CplD whose payload is 0..39 and whose completion
// callback fires with no error.
func TestBARReadDispatch(t *testing.T) {
	completerSide, requesterSide := net.Pipe()
	defer completerSide.Close()
	defer requesterSide.Close()

	completer := conn.New(completerSide)
	if err := completer.RegisterBAR(0, 0x1000, 1024, func(offset uint64, data []byte) error {
		for i := range data {
			data[i] = byte(int(offset) + i)
		}
		return nil
	}, nil); err != nil {
		t.Fatalf("RegisterBAR: %v", err)
	}

	r := New()
	go func() {
		for {
			if err := completer.ReadOnce(r); err != nil || completer.Closing() {
				return
			}
		}
	}()

	reqConn := conn.New(requesterSide)
	go func() {
		for {
			if err := reqConn.ReadOnce(r); err != nil || reqConn.Closing() {
				return
			}
		}
	}()

	req := requester.New(reqConn)
	if err := req.RegisterBAR(0, 0x1000, 1024, nil, nil); err != nil {
		t.Fatalf("requester RegisterBAR: %v", err)
	}

	done := make(chan struct{})
	var gotData []byte
	var gotErr bool
	if err := req.Read(0, 0, 40, func(status conn.CompletionStatus, data []byte) {
		gotErr = status.Error
		gotData = append([]byte(nil), data...)
		close(done)
	}); err != nil {
		t.Fatalf("Read: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	if gotErr {
		t.Fatal("completion reported an error status")
	}
	if len(gotData) != 40 {
		t.Fatalf("got %d bytes, want 40", len(gotData))
	}
	for i, b := range gotData {
		if b != byte(i) {
			t.Fatalf("byte %d = %#x, want %#x", i, b, i)
		}
	}
}
