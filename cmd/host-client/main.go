// Command host-client is an example Requester: it connects to a peer (such
// as memory-mock), issues a single memory read against a BAR, and prints
// the bytes it gets back.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/akamensky/argparse"
	"github.com/sirupsen/logrus"

	"github.com/antmicro/warp-pipe-go/pkg/pcie/conn"
	"github.com/antmicro/warp-pipe-go/pkg/pcie/engine"
	"github.com/antmicro/warp-pipe-go/pkg/pcie/requester"
	"github.com/antmicro/warp-pipe-go/pkg/pcie/router"
)

const defaultPort = "2115"

func main() {
	parser := argparse.NewParser("host-client", "example PCIe memory requester")

	host := parser.String("a", "addr", &argparse.Options{Default: "localhost", Help: "peer address"})
	port := parser.String("p", "port", &argparse.Options{Default: defaultPort, Help: "peer port"})
	bar := parser.Int("b", "bar", &argparse.Options{Default: 0, Help: "BAR index to read from"})
	baseStr := parser.String("", "base", &argparse.Options{Default: "1000", Help: "non-0x-prefixed hexadecimal BAR base address (must match the peer's BAR)"})
	sizeInt := parser.Int("", "size", &argparse.Options{Default: 4096, Help: "BAR size in bytes (must be a power of two)"})
	offsetStr := parser.String("o", "offset", &argparse.Options{Default: "0", Help: "non-0x-prefixed hexadecimal offset within the BAR"})
	length := parser.Int("l", "len", &argparse.Options{Default: 16, Help: "number of bytes to read"})

	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	offset, err := strconv.ParseUint(*offsetStr, 16, 64)
	if err != nil {
		logrus.Fatalf("parsing offset: %v", err)
	}
	base, err := strconv.ParseUint(*baseStr, 16, 64)
	if err != nil {
		logrus.Fatalf("parsing base: %v", err)
	}

	r := router.New()
	var req *requester.Requester
	done := make(chan struct{})
	var result []byte
	var resultErr error

	e := engine.New(engine.Config{
		Host:   *host,
		Port:   *port,
		Listen: false,
		OnAccept: func(c *conn.Conn) {
			req = requester.New(c)
			if err := req.RegisterBAR(*bar, base, uint64(*sizeInt), nil, nil); err != nil {
				resultErr = err
				close(done)
				return
			}
			if err := req.Read(*bar, offset, *length, func(status conn.CompletionStatus, data []byte) {
				if status.Error {
					resultErr = fmt.Errorf("completion reported an error status")
				} else {
					result = append([]byte(nil), data...)
				}
				close(done)
			}); err != nil {
				resultErr = err
				close(done)
			}
		},
	}, r)

	if err := e.Start(context.Background()); err != nil {
		logrus.Fatalf("connecting: %v", err)
	}

	go func() {
		<-done
		e.Stop()
	}()

	if err := e.Run(make(chan os.Signal)); err != nil {
		logrus.Fatalf("engine loop: %v", err)
	}

	if resultErr != nil {
		logrus.Fatalf("read failed: %v", resultErr)
	}
	fmt.Println(hex.EncodeToString(result))
}
