// Command memory-mock is a minimal Completer: a single 4KiB BAR backing a
// small byte array, served over the PCIe-over-TCP transport engine. It
// mirrors the reference memory-mock device used to exercise a Requester
// against a known-good read target.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/sirupsen/logrus"

	"github.com/antmicro/warp-pipe-go/pkg/pcie/conn"
	"github.com/antmicro/warp-pipe-go/pkg/pcie/engine"
	"github.com/antmicro/warp-pipe-go/pkg/pcie/router"
)

const (
	defaultPort = "2115"
	bar0Base    = 0x1000
	bar0Size    = 4 * 1024
)

var memory = func() []byte {
	m := make([]byte, bar0Size)
	for i := range m {
		m[i] = byte(0x10 + i%0xa8)
	}
	return m
}()

func main() {
	parser := argparse.NewParser("memory-mock", "example PCIe memory completer")

	ipv4 := parser.Flag("4", "ipv4", &argparse.Options{Help: "force IPv4"})
	ipv6 := parser.Flag("6", "ipv6", &argparse.Options{Help: "force IPv6"})
	client := parser.Flag("c", "client", &argparse.Options{Help: "client mode (default: server mode)"})
	host := parser.String("a", "addr", &argparse.Options{Help: "server address"})
	port := parser.String("p", "port", &argparse.Options{Default: defaultPort, Help: "server port"})

	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	family := ""
	switch {
	case *ipv4:
		family = "tcp4"
	case *ipv6:
		family = "tcp6"
	}

	r := router.New()
	e := engine.New(engine.Config{
		Family: family,
		Host:   *host,
		Port:   *port,
		Listen: !*client,
		OnAccept: func(c *conn.Conn) {
			if err := c.RegisterBAR(0, bar0Base, bar0Size, readBAR0, nil); err != nil {
				logrus.WithError(err).Error("registering BAR0")
			}
		},
	}, r)

	if err := e.Start(context.Background()); err != nil {
		logrus.Fatalf("starting engine: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT)

	logrus.Info("memory-mock running")
	if err := e.Run(stop); err != nil {
		logrus.Fatalf("engine loop: %v", err)
	}
	logrus.Info("memory-mock shut down")
}

func readBAR0(offset uint64, data []byte) error {
	if offset > uint64(len(memory)) {
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	n := copy(data, memory[offset:])
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
	return nil
}
