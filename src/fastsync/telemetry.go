package fastsync

import (
	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Telemetry counts what the FastSynchronizer does.
type Telemetry struct {
	Requests    metrics.Counter
	Timeouts    metrics.Counter
	Committed   metrics.Counter
	Failed      metrics.Counter
	Blacklisted metrics.Counter
	Duplicates  metrics.Counter
	Unsolicited metrics.Counter
	Height      metrics.Gauge
}

// NewTelemetry registers the fast sync metrics in registry under the
// "fastsync." prefix. A nil registry gets a private one.
func NewTelemetry(registry metrics.Registry) *Telemetry {
	if registry == nil {
		registry = metrics.NewRegistry()
	}

	return &Telemetry{
		Requests:    metrics.GetOrRegisterCounter("fastsync.requests", registry),
		Timeouts:    metrics.GetOrRegisterCounter("fastsync.timeouts", registry),
		Committed:   metrics.GetOrRegisterCounter("fastsync.committed", registry),
		Failed:      metrics.GetOrRegisterCounter("fastsync.failed", registry),
		Blacklisted: metrics.GetOrRegisterCounter("fastsync.blacklisted", registry),
		Duplicates:  metrics.GetOrRegisterCounter("fastsync.duplicates", registry),
		Unsolicited: metrics.GetOrRegisterCounter("fastsync.unsolicited", registry),
		Height:      metrics.GetOrRegisterGauge("fastsync.height", registry),
	}
}

// Fields returns the counters as log fields.
func (t *Telemetry) Fields() logrus.Fields {
	return logrus.Fields{
		"requests":    t.Requests.Count(),
		"timeouts":    t.Timeouts.Count(),
		"committed":   t.Committed.Count(),
		"failed":      t.Failed.Count(),
		"blacklisted": t.Blacklisted.Count(),
		"duplicates":  t.Duplicates.Count(),
		"unsolicited": t.Unsolicited.Count(),
		"height":      t.Height.Value(),
	}
}
