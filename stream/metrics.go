package stream

import (
	"time"

	gometrics "github.com/hashicorp/go-metrics"
)

// metrics emission is intentionally package-level (rather than an
// injected sink) so the core never needs a metrics dependency wired
// through its constructors; callers who want the numbers register a
// global sink (e.g. the Prometheus sink in command/agent) the same
// way the teacher's hookstats package expects a process-wide
// go-metrics.Global to already be configured.

func incrCounter(key []string, val float32) {
	gometrics.IncrCounterWithLabels(key, val, nil)
}

func setGauge(key []string, val float32) {
	gometrics.SetGaugeWithLabels(key, val, nil)
}

func measureSince(key []string, start time.Time) {
	gometrics.MeasureSinceWithLabels(key, start, nil)
}

var (
	metricKeyFetchElapsed   = []string{"trackstream", "producer", "fetch", "elapsed"}
	metricKeyNodesAppended  = []string{"trackstream", "producer", "nodes_appended"}
	metricKeyCacheSize      = []string{"trackstream", "cache", "size"}
	metricKeyOldestIndex    = []string{"trackstream", "cache", "oldest_index"}
	metricKeyConsumersTotal = []string{"trackstream", "consumers", "tailing"}
	metricKeyConsumerEvict  = []string{"trackstream", "cleaner", "evicted"}
	metricKeyConsumerSwitch = []string{"trackstream", "consumer", "mode_switch"}
)
