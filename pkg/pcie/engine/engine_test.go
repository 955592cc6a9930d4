package engine

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/antmicro/warp-pipe-go/pkg/pcie/conn"
	"github.com/antmicro/warp-pipe-go/pkg/pcie/wire"
)

type noopHandler struct{}

func (noopHandler) HandleTLP(c *conn.Conn, t *wire.TLP) {}

func TestServerAcceptsAndSweeps(t *testing.T) {
	var accepted *conn.Conn
	acceptedCh := make(chan struct{})

	e := New(Config{
		Family: "tcp4",
		Host:   "127.0.0.1",
		Port:   "0",
		Listen: true,
		OnAccept: func(c *conn.Conn) {
			accepted = c
			close(acceptedCh)
		},
	}, noopHandler{})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	addr := e.listener.Addr().String()
	stop := make(chan os.Signal)
	go func() {
		_ = e.Run(stop)
	}()
	defer e.Stop()

	nc, err := net.Dial("tcp4", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer nc.Close()

	select {
	case <-acceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}

	if accepted == nil || !accepted.Active() {
		t.Fatal("accepted connection should be active")
	}

	nc.Close()

	deadline := time.After(3 * time.Second)
	for {
		if len(e.conns) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for sweep to reap the closed connection")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
