// Command warp-pipe runs the PCIe-over-TCP transport engine in either
// server (listen) or client mode, with an optional Prometheus metrics
// endpoint and an optional configuration-space description loaded from
// YAML.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/antmicro/warp-pipe-go/pkg/configspace"
	"github.com/antmicro/warp-pipe-go/pkg/metrics"
	"github.com/antmicro/warp-pipe-go/pkg/pcie/conn"
	"github.com/antmicro/warp-pipe-go/pkg/pcie/engine"
	"github.com/antmicro/warp-pipe-go/pkg/pcie/router"
)

const defaultPort = "2115"

func main() {
	parser := argparse.NewParser("warp-pipe", "PCIe transaction-layer transport over TCP")

	ipv4 := parser.Flag("4", "ipv4", &argparse.Options{Help: "force IPv4"})
	ipv6 := parser.Flag("6", "ipv6", &argparse.Options{Help: "force IPv6"})
	client := parser.Flag("c", "client", &argparse.Options{Help: "client mode (default: server mode)"})
	host := parser.String("a", "addr", &argparse.Options{Help: "server address (default: wildcard for server, loopback for client)"})
	port := parser.String("p", "port", &argparse.Options{Default: defaultPort, Help: "server port"})
	cfgPath := parser.String("f", "config", &argparse.Options{Help: "YAML configuration-space file to load"})
	metricsAddr := parser.String("", "metrics-addr", &argparse.Options{Help: "if set, serve Prometheus metrics on this address"})

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

	var cfg *configspace.Header
	if *cfgPath != "" {
		var err error
		cfg, err = configspace.Load(*cfgPath)
		if err != nil {
			logrus.Fatalf("loading config-space file: %v", err)
		}
	}

	var counters *metrics.Counters
	if *metricsAddr != "" {
		counters = &metrics.Counters{}
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector("warp_pipe", counters, nil))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			logrus.WithField("addr", *metricsAddr).Info("serving metrics")
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logrus.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	r := router.New()
	e := engine.New(engine.Config{
		Family:  family,
		Host:    *host,
		Port:    *port,
		Listen:  !*client,
		Metrics: counters,
		OnAccept: func(c *conn.Conn) {
			if cfg != nil {
				c.RegisterConfig0(
					func(offset uint64, data []byte) error {
						if offset > uint64(configspace.HeaderLen) || offset+uint64(len(data)) > uint64(configspace.HeaderLen) {
							return fmt.Errorf("configuration-space read out of range: offset %d length %d", offset, len(data))
						}
						copy(data, cfg.Bytes()[offset:])
						return nil
					},
					func(offset uint64, data []byte) {
						logrus.WithField("offset", offset).Debug("configuration-space write ignored (read-only example)")
					},
				)
			}
		},
	}, r)

	if err := e.Start(context.Background()); err != nil {
		logrus.Fatalf("starting engine: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT)

	logrus.Info("warp-pipe running")
	if err := e.Run(stop); err != nil {
		logrus.Fatalf("engine loop: %v", err)
	}
	logrus.Info("warp-pipe shut down")
}
