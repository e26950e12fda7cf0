// Package metrics provides Prometheus metrics for mount passes.
//
// The daemon is not a server, so the collector is flushed to a node
// exporter textfile after each pass instead of being scraped.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/danieljhkim/metahybrid/internal/fsops"
	"github.com/danieljhkim/metahybrid/internal/granary"
	"github.com/danieljhkim/metahybrid/internal/modules"
	"github.com/danieljhkim/metahybrid/internal/mount"
	"github.com/danieljhkim/metahybrid/internal/planner"
)

const namespace = "metahybrid"

// Collector holds all Prometheus metrics for metahybrid.
type Collector struct {
	reg prometheus.Gatherer

	// Module metrics
	Modules *prometheus.GaugeVec

	// Mount metrics
	Mounted        *prometheus.GaugeVec
	MountFailures  prometheus.Gauge
	Fallbacks      prometheus.Gauge
	PassDuration   prometheus.Gauge
	PassSuccess    prometheus.Gauge
	LastPassSecond prometheus.Gauge

	// Conflict metrics
	Conflicts *prometheus.GaugeVec

	// Storage metrics
	StorageBytes   *prometheus.GaugeVec
	StoragePercent prometheus.Gauge

	// Granary metrics
	Silos *prometheus.GaugeVec

	// Hymo metrics
	HymoConfigVersion prometheus.Gauge
	HymoAvailable     prometheus.Gauge
}

// New creates a collector registered with the default registry.
func New() *Collector {
	return newCollector(promauto.With(prometheus.DefaultRegisterer), prometheus.DefaultGatherer)
}

// NewWithRegistry creates a collector registered with reg.
func NewWithRegistry(reg *prometheus.Registry) *Collector {
	return newCollector(promauto.With(reg), reg)
}

func newCollector(f promauto.Factory, g prometheus.Gatherer) *Collector {
	return &Collector{
		reg: g,

		Modules: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "modules",
				Help:      "Modules seen by the last scan, by state",
			},
			[]string{"state"},
		),

		Mounted: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mounted_modules",
				Help:      "Modules mounted by the last pass, by strategy",
			},
			[]string{"strategy"},
		),
		MountFailures: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mount_failures",
				Help:      "Per-module failures in the last pass",
			},
		),
		Fallbacks: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "overlay_fallbacks",
				Help:      "Overlay layers that fell back to magic mount in the last pass",
			},
		),
		PassDuration: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pass_duration_seconds",
				Help:      "Duration of the last mount pass",
			},
		),
		PassSuccess: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pass_success",
				Help:      "1 if the last mount pass succeeded",
			},
		),
		LastPassSecond: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_pass_timestamp_seconds",
				Help:      "Unix time the last mount pass finished",
			},
		),

		Conflicts: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "conflicts",
				Help:      "Paths contributed by more than one module, by severity",
			},
			[]string{"severity"},
		),

		StorageBytes: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "storage_bytes",
				Help:      "Backing storage size and usage",
			},
			[]string{"kind", "type"},
		),
		StoragePercent: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "storage_used_percent",
				Help:      "Backing storage usage percentage",
			},
		),

		Silos: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "silos",
				Help:      "Granary silos, by kind",
			},
			[]string{"kind"},
		),

		HymoConfigVersion: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "hymo_config_version",
				Help:      "Last Hymo config version acknowledged by the enforcer",
			},
		),
		HymoAvailable: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "hymo_available",
				Help:      "1 if the Hymo enforcer is present",
			},
		),
	}
}

// ObserveScan records module counts.
func (c *Collector) ObserveScan(res *modules.ScanResult) {
	var active, inactive float64
	for _, m := range res.Modules {
		if m.Active() {
			active++
		} else {
			inactive++
		}
	}
	c.Modules.WithLabelValues("active").Set(active)
	c.Modules.WithLabelValues("inactive").Set(inactive)
	c.Modules.WithLabelValues("quarantined").Set(float64(len(res.Quarantined)))
}

// ObservePass records the outcome of a mount pass. res may be nil when the
// pass failed before mounting.
func (c *Collector) ObservePass(res *mount.Result, took time.Duration, ok bool, at time.Time) {
	if res != nil {
		c.Mounted.WithLabelValues(string(planner.StrategyOverlay)).Set(float64(len(res.OverlayModules)))
		c.Mounted.WithLabelValues(string(planner.StrategyMagic)).Set(float64(len(res.MagicModules)))
		c.MountFailures.Set(float64(len(res.Failures)))
		c.Fallbacks.Set(float64(res.Fallbacks))
	}
	c.PassDuration.Set(took.Seconds())
	if ok {
		c.PassSuccess.Set(1)
	} else {
		c.PassSuccess.Set(0)
	}
	c.LastPassSecond.Set(float64(at.Unix()))
}

// ObserveConflicts records conflict counts.
func (c *Collector) ObserveConflicts(entries []planner.ConflictEntry) {
	counts := map[planner.Severity]float64{planner.SeverityInfo: 0, planner.SeverityWarning: 0}
	for _, e := range entries {
		counts[e.Severity]++
	}
	for sev, n := range counts {
		c.Conflicts.WithLabelValues(string(sev)).Set(n)
	}
}

// ObserveStorage records backing storage usage.
func (c *Collector) ObserveStorage(u *fsops.Usage) {
	c.StorageBytes.Reset()
	c.StorageBytes.WithLabelValues("size", u.Type).Set(float64(u.Size))
	c.StorageBytes.WithLabelValues("used", u.Type).Set(float64(u.Used))
	c.StoragePercent.Set(float64(u.Percent))
}

// ObserveSilos records silo counts.
func (c *Collector) ObserveSilos(silos []granary.Silo) {
	var auto, manual float64
	for _, s := range silos {
		if s.Automatic {
			auto++
		} else {
			manual++
		}
	}
	c.Silos.WithLabelValues("automatic").Set(auto)
	c.Silos.WithLabelValues("manual").Set(manual)
}

// ObserveHymo records enforcer state.
func (c *Collector) ObserveHymo(available bool, configVersion uint64) {
	if available {
		c.HymoAvailable.Set(1)
	} else {
		c.HymoAvailable.Set(0)
	}
	c.HymoConfigVersion.Set(float64(configVersion))
}

// WriteFile writes every gathered metric to path in the text exposition
// format.
func (c *Collector) WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, c.reg)
}
