package storage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fcsc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_frame_counter_save_count",
		Help: "The number of frame-counter saves (per store type).",
	}, []string{"type"})

	fcsec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_frame_counter_save_error_count",
		Help: "The number of failed frame-counter saves (per store type).",
	}, []string{"type"})

	fcsd = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storage_frame_counter_save_duration_seconds",
		Help:    "The duration of the frame-counter saves (per store type).",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"type"})
)

func frameCounterSaveCounter(t string) prometheus.Counter {
	return fcsc.With(prometheus.Labels{"type": t})
}

func frameCounterSaveErrorCounter(t string) prometheus.Counter {
	return fcsec.With(prometheus.Labels{"type": t})
}

func frameCounterSaveDuration(t string) prometheus.Observer {
	return fcsd.With(prometheus.Labels{"type": t})
}

// observeFrameCounterSave calls the given save function and records its
// outcome.
func observeFrameCounterSave(t string, save func() error) error {
	start := time.Now()
	err := save()
	frameCounterSaveDuration(t).Observe(time.Since(start).Seconds())

	if err != nil {
		frameCounterSaveErrorCounter(t).Inc()
		return err
	}

	frameCounterSaveCounter(t).Inc()
	return nil
}
