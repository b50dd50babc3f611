package hook

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/elfhook/pkg/util"
)

const (
	statusSuccess = "success"
	statusFailure = "failure"

	relocBound   = "bound"
	relocSkipped = "skipped"
	relocFailed  = "failed"
)

// Metrics is shared by every engine created with WithMetrics. A nil
// *Metrics records nothing.
type Metrics struct {
	loads          *prometheus.CounterVec
	mappedBytes    prometheus.Gauge
	hooks          *prometheus.CounterVec
	hookErrors     prometheus.Counter
	memoryWrites   *prometheus.CounterVec
	invocations    prometheus.Counter
	relocations    *prometheus.CounterVec
	libcResolution *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elfhook_image_loads_total",
			Help: "Total number of image loads by status",
		}, []string{"status"}),
		mappedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "elfhook_mapped_bytes",
			Help: "Bytes currently mapped for loaded images",
		}),
		hooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elfhook_hooks_installed_total",
			Help: "Total number of hooks installed by technique",
		}, []string{"technique"}),
		hookErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elfhook_hook_errors_total",
			Help: "Total number of hooks that could not be installed",
		}),
		memoryWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elfhook_memory_writes_total",
			Help: "Total number of raw writes into mapped images by status",
		}, []string{"status"}),
		invocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elfhook_invocations_total",
			Help: "Total number of calls made into mapped images",
		}),
		relocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elfhook_relocations_total",
			Help: "Total number of relocations processed by BindImports by result",
		}, []string{"result"}),
		libcResolution: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elfhook_libc_resolutions_total",
			Help: "Total number of symbols resolved through the fallback C library by status",
		}, []string{"status"}),
	}
	if reg != nil {
		m.loads = util.RegisterOrGet(reg, m.loads)
		m.mappedBytes = util.RegisterOrGet(reg, m.mappedBytes)
		m.hooks = util.RegisterOrGet(reg, m.hooks)
		m.hookErrors = util.RegisterOrGet(reg, m.hookErrors)
		m.memoryWrites = util.RegisterOrGet(reg, m.memoryWrites)
		m.invocations = util.RegisterOrGet(reg, m.invocations)
		m.relocations = util.RegisterOrGet(reg, m.relocations)
		m.libcResolution = util.RegisterOrGet(reg, m.libcResolution)
	}
	return m
}

func (m *Metrics) observeLoad(err error, size uint64) {
	if m == nil {
		return
	}
	if err != nil {
		m.loads.WithLabelValues(statusFailure).Inc()
		return
	}
	m.loads.WithLabelValues(statusSuccess).Inc()
	m.mappedBytes.Add(float64(size))
}

func (m *Metrics) observeUnmap(size uint64) {
	if m == nil {
		return
	}
	m.mappedBytes.Sub(float64(size))
}

func (m *Metrics) observeHook(t Technique, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.hookErrors.Inc()
		return
	}
	m.hooks.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) observeWrite(err error) {
	if m == nil {
		return
	}
	m.memoryWrites.WithLabelValues(status(err)).Inc()
}

func (m *Metrics) observeInvoke() {
	if m == nil {
		return
	}
	m.invocations.Inc()
}

func (m *Metrics) observeRelocation(result string) {
	if m == nil {
		return
	}
	m.relocations.WithLabelValues(result).Inc()
}

func (m *Metrics) observeLibc(err error) {
	if m == nil {
		return
	}
	m.libcResolution.WithLabelValues(status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return statusFailure
	}
	return statusSuccess
}
