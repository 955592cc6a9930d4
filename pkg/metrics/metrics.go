// Package metrics exposes engine and connection counters as a
// prometheus.Collector, adapted from the shape of the teacher's
// TCPInfoCollector: a small set of atomic counters fed by the packages that
// generate the events, polled into Prometheus metrics on Collect.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters holds the raw counts a Collector reports. The zero value is
// ready to use; every increment method is safe for concurrent use, though
// the engine's single-threaded loop means contention is not expected in
// practice.
type Counters struct {
	tlpsSent       int64
	tlpsReceived   int64
	dllpsSent      int64
	dllpsReceived  int64
	acksSent       int64
	naksSent       int64
	dispatchErrors int64
	activeConns    int64
}

func (c *Counters) AddTLPSent()       { atomic.AddInt64(&c.tlpsSent, 1) }
func (c *Counters) AddTLPReceived()   { atomic.AddInt64(&c.tlpsReceived, 1) }
func (c *Counters) AddDLLPSent()      { atomic.AddInt64(&c.dllpsSent, 1) }
func (c *Counters) AddDLLPReceived()  { atomic.AddInt64(&c.dllpsReceived, 1) }
func (c *Counters) AddAckSent()       { atomic.AddInt64(&c.acksSent, 1) }
func (c *Counters) AddNakSent()       { atomic.AddInt64(&c.naksSent, 1) }
func (c *Counters) AddDispatchError() { atomic.AddInt64(&c.dispatchErrors, 1) }
func (c *Counters) ConnectionOpened() { atomic.AddInt64(&c.activeConns, 1) }
func (c *Counters) ConnectionClosed() { atomic.AddInt64(&c.activeConns, -1) }

// Collector reports Counters as Prometheus metrics.
type Collector struct {
	counters *Counters
	constLbl prometheus.Labels

	tlpsSent       *prometheus.Desc
	tlpsReceived   *prometheus.Desc
	dllpsSent      *prometheus.Desc
	dllpsReceived  *prometheus.Desc
	acksSent       *prometheus.Desc
	naksSent       *prometheus.Desc
	dispatchErrors *prometheus.Desc
	activeConns    *prometheus.Desc
}

// NewCollector returns a Collector reading from counters (which the caller
// continues to feed via its Add* methods) under the given prefix and
// constant labels.
func NewCollector(prefix string, counters *Counters, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prefix+"_"+name, help, nil, constLabels)
	}
	return &Collector{
		counters:       counters,
		constLbl:       constLabels,
		tlpsSent:       desc("tlps_sent_total", "TLPs sent across all connections"),
		tlpsReceived:   desc("tlps_received_total", "TLPs received across all connections"),
		dllpsSent:      desc("dllps_sent_total", "DLLPs sent across all connections"),
		dllpsReceived:  desc("dllps_received_total", "DLLPs received across all connections"),
		acksSent:       desc("acks_sent_total", "ACK DLLPs sent"),
		naksSent:       desc("naks_sent_total", "NAK DLLPs sent"),
		dispatchErrors: desc("dispatch_errors_total", "TLPs that failed router dispatch"),
		activeConns:    desc("active_connections", "Currently open connections"),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.tlpsSent
	descs <- c.tlpsReceived
	descs <- c.dllpsSent
	descs <- c.dllpsReceived
	descs <- c.acksSent
	descs <- c.naksSent
	descs <- c.dispatchErrors
	descs <- c.activeConns
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	metrics <- prometheus.MustNewConstMetric(c.tlpsSent, prometheus.CounterValue, float64(atomic.LoadInt64(&c.counters.tlpsSent)))
	metrics <- prometheus.MustNewConstMetric(c.tlpsReceived, prometheus.CounterValue, float64(atomic.LoadInt64(&c.counters.tlpsReceived)))
	metrics <- prometheus.MustNewConstMetric(c.dllpsSent, prometheus.CounterValue, float64(atomic.LoadInt64(&c.counters.dllpsSent)))
	metrics <- prometheus.MustNewConstMetric(c.dllpsReceived, prometheus.CounterValue, float64(atomic.LoadInt64(&c.counters.dllpsReceived)))
	metrics <- prometheus.MustNewConstMetric(c.acksSent, prometheus.CounterValue, float64(atomic.LoadInt64(&c.counters.acksSent)))
	metrics <- prometheus.MustNewConstMetric(c.naksSent, prometheus.CounterValue, float64(atomic.LoadInt64(&c.counters.naksSent)))
	metrics <- prometheus.MustNewConstMetric(c.dispatchErrors, prometheus.CounterValue, float64(atomic.LoadInt64(&c.counters.dispatchErrors)))
	metrics <- prometheus.MustNewConstMetric(c.activeConns, prometheus.GaugeValue, float64(atomic.LoadInt64(&c.counters.activeConns)))
}
