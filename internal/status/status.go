// Package status implements the operator status output.
package status

import (
	log "github.com/sirupsen/logrus"
)

// Status contains the operator-visible state of the controller.
type Status struct {
	Running     bool
	LastMessage *string
	PingCount   uint32
}

func (s Status) equal(o Status) bool {
	if s.Running != o.Running || s.PingCount != o.PingCount {
		return false
	}
	if s.LastMessage == nil || o.LastMessage == nil {
		return s.LastMessage == o.LastMessage
	}
	return *s.LastMessage == *o.LastMessage
}

// Sink receives the status on every controller tick. Updates are best-effort,
// a Sink must not block.
type Sink interface {
	Update(s Status)
}

// MultiSink forwards the status to multiple sinks.
type MultiSink []Sink

// Update implements Sink.
func (m MultiSink) Update(s Status) {
	for _, sink := range m {
		sink.Update(s)
	}
}

// LogSink logs the status when it changes.
type LogSink struct {
	last    *Status
	summary *Summary
}

// NewLogSink creates a new LogSink. When summary is not nil, the signal
// statistics are included in the log output.
func NewLogSink(summary *Summary) *LogSink {
	return &LogSink{
		summary: summary,
	}
}

// Update implements Sink.
func (l *LogSink) Update(s Status) {
	if l.last != nil && l.last.equal(s) {
		return
	}
	l.last = &s

	fields := log.Fields{
		"running":    s.Running,
		"ping_count": s.PingCount,
	}
	if s.LastMessage != nil {
		fields["last_message"] = *s.LastMessage
	}

	if l.summary != nil && l.summary.Len() != 0 {
		stats := l.summary.Stats()
		fields["rssi_mean"] = stats.RSSIMean
		fields["rssi_stddev"] = stats.RSSIStdDev
		fields["snr_mean"] = stats.SNRMean
		fields["snr_stddev"] = stats.SNRStdDev
	}

	log.WithFields(fields).Info("status: updated")
}
