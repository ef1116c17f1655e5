// Package metrics exports the slave's state as Prometheus metrics. Values
// are read from a stats snapshot at scrape time.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"kvrepl/pkg/slave"
)

const namespace = "kvrepl"

var states = []slave.State{slave.Disconnected, slave.Init, slave.Copy, slave.Sync, slave.OutOfSync}

type StatsFunc func() slave.Stats

// SlaveCollector is a prometheus.Collector over a slave's Stats.
type SlaveCollector struct {
	stats StatsFunc

	state     *prometheus.Desc
	lastSeq   *prometheus.Desc
	copyCount *prometheus.Desc
	syncCount *prometheus.Desc
	retries   *prometheus.Desc

	reqlogFile   *prometheus.Desc
	reqlogOffset *prometheus.Desc
}

func NewSlaveCollector(stats StatsFunc) *SlaveCollector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, name),
			help, append([]string{"id"}, labels...), nil,
		)
	}

	return &SlaveCollector{
		stats:     stats,
		state:     desc("slave", "state", "1 for the current replication state, 0 otherwise", "state"),
		lastSeq:   desc("slave", "last_seq", "Sequence number of the last applied record"),
		copyCount: desc("slave", "copy_records_total", "Records applied during the current copy"),
		syncCount: desc("slave", "sync_records_total", "Records applied in sync phase since start"),
		retries:   desc("slave", "connect_retries", "Consecutive failed connection attempts"),

		reqlogFile:   desc("reqlog", "file_index", "Segment index of a request log cursor", "cursor"),
		reqlogOffset: desc("reqlog", "offset_bytes", "Offset of a request log cursor in its segment", "cursor"),
	}
}

func (c *SlaveCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.lastSeq
	ch <- c.copyCount
	ch <- c.syncCount
	ch <- c.retries
	ch <- c.reqlogFile
	ch <- c.reqlogOffset
}

func (c *SlaveCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()

	for _, s := range states {
		v := 0.0
		if s == st.State {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, st.ID, s.String())
	}
	ch <- prometheus.MustNewConstMetric(c.lastSeq, prometheus.GaugeValue, float64(st.LastSeq), st.ID)
	ch <- prometheus.MustNewConstMetric(c.copyCount, prometheus.CounterValue, float64(st.CopyCount), st.ID)
	ch <- prometheus.MustNewConstMetric(c.syncCount, prometheus.CounterValue, float64(st.SyncCount), st.ID)
	ch <- prometheus.MustNewConstMetric(c.retries, prometheus.GaugeValue, float64(st.Retries), st.ID)

	if st.Reqlog != nil {
		ch <- prometheus.MustNewConstMetric(c.reqlogFile, prometheus.GaugeValue, float64(st.Reqlog.Write.FileIndex), st.ID, "write")
		ch <- prometheus.MustNewConstMetric(c.reqlogOffset, prometheus.GaugeValue, float64(st.Reqlog.Write.Offset), st.ID, "write")
		ch <- prometheus.MustNewConstMetric(c.reqlogFile, prometheus.GaugeValue, float64(st.Reqlog.Read.FileIndex), st.ID, "read")
		ch <- prometheus.MustNewConstMetric(c.reqlogOffset, prometheus.GaugeValue, float64(st.Reqlog.Read.Offset), st.ID, "read")
	}
}

// NewRegistry returns a registry with the slave collector and the Go
// runtime collectors.
func NewRegistry(stats StatsFunc) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewSlaveCollector(stats),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
