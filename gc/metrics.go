package gc

import (
	metrics "github.com/docker/go-metrics"
)

// Collector metrics, exported under the selene_gc prometheus namespace.
// Registration happens once at package load; every State feeds the same
// series, matching the one-heap-per-process deployment the runtime targets.
var (
	cyclesTotal      metrics.LabeledCounter
	reclaimedBytes   metrics.Counter
	finalizerRuns    metrics.Counter
	finalizerErrors  metrics.Counter
	finalizableGauge metrics.Gauge
	heapGauge        metrics.Gauge
	pauseTimer       metrics.Timer
)

func init() {
	ns := metrics.NewNamespace("selene", "gc", nil)
	cyclesTotal = ns.NewLabeledCounter("cycles", "Completed collection cycles", "kind")
	reclaimedBytes = ns.NewCounter("reclaimed_bytes", "Bytes reclaimed by the sweeper")
	finalizerRuns = ns.NewCounter("finalizer_runs", "Finalizers invoked")
	finalizerErrors = ns.NewCounter("finalizer_errors", "Finalizers that raised an error")
	finalizableGauge = ns.NewGauge("finalizable_objects", "Objects awaiting finalization", metrics.Total)
	heapGauge = ns.NewGauge("heap_bytes", "Logical heap size", metrics.Bytes)
	pauseTimer = ns.NewTimer("pause", "Mutator pause per collector invocation")
	metrics.Register(ns)
}
