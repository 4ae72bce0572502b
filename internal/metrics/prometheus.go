package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "portbridge"

var (
	descProxies = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "proxies_active"),
		"Number of live proxy instances.", nil, nil)
	descClients = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "clients_active"),
		"Number of connected local clients.", nil, nil)
	descClientsTotal = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "clients_total"),
		"Local client connections accepted.", nil, nil)
	descBackends = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "backends_open"),
		"Number of open backend connections.", nil, nil)
	descBytes = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "bytes_total"),
		"Bytes forwarded, by direction.", []string{"direction"}, nil)
	descReconnects = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "backend_reconnects_total"),
		"Backend reconnect attempts scheduled.", nil, nil)
	descErrors = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "errors_total"),
		"Transient I/O errors logged.", nil, nil)
)

var _ prometheus.Collector = (*Collector)(nil)

// Describe implements [prometheus.Collector].
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descProxies
	ch <- descClients
	ch <- descClientsTotal
	ch <- descBackends
	ch <- descBytes
	ch <- descReconnects
	ch <- descErrors
}

// Collect implements [prometheus.Collector].  Values are read from the
// atomic counters at scrape time, so the collector needs no extra
// bookkeeping on the forwarding path.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.Snapshot()
	ch <- prometheus.MustNewConstMetric(descProxies, prometheus.GaugeValue, float64(s.ProxiesActive))
	ch <- prometheus.MustNewConstMetric(descClients, prometheus.GaugeValue, float64(s.ClientsActive))
	ch <- prometheus.MustNewConstMetric(descClientsTotal, prometheus.CounterValue, float64(s.ClientsTotal))
	ch <- prometheus.MustNewConstMetric(descBackends, prometheus.GaugeValue, float64(s.BackendsOpen))
	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.CounterValue, float64(s.BytesFromClients), "from_client")
	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.CounterValue, float64(s.BytesToClients), "to_client")
	ch <- prometheus.MustNewConstMetric(descReconnects, prometheus.CounterValue, float64(s.BackendReconnects))
	ch <- prometheus.MustNewConstMetric(descErrors, prometheus.CounterValue, float64(s.ErrorsTotal))
}

// NewRegistry returns a Prometheus registry exposing c together with
// the standard Go runtime and process collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return reg
}
