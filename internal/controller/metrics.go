package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_uplink_count",
		Help: "The number of transmitted uplink frames (per message type).",
	}, []string{"mtype"})

	dc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_downlink_count",
		Help: "The number of received downlink frames (per downlink kind).",
	}, []string{"kind"})

	dec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_decode_error_count",
		Help: "The number of received frames that could not be decoded (per error).",
	}, []string{"error"})

	rec = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controller_radio_error_count",
		Help: "The number of cycles aborted because of a radio error.",
	})

	ptc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controller_phase_timeout_count",
		Help: "The number of phases that did not complete in time (per state).",
	}, []string{"state"})

	rssig = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "controller_last_rssi",
		Help: "The packet RSSI of the last received downlink.",
	})

	snrg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "controller_last_snr",
		Help: "The SNR of the last received downlink.",
	})
)

func uplinkCounter(mType string) prometheus.Counter {
	return uc.With(prometheus.Labels{"mtype": mType})
}

func downlinkCounter(kind string) prometheus.Counter {
	return dc.With(prometheus.Labels{"kind": kind})
}

func decodeErrorCounter(e string) prometheus.Counter {
	return dec.With(prometheus.Labels{"error": e})
}

func radioErrorCounter() prometheus.Counter {
	return rec
}

func phaseTimeoutCounter(state string) prometheus.Counter {
	return ptc.With(prometheus.Labels{"state": state})
}

func lastRSSIGauge() prometheus.Gauge {
	return rssig
}

func lastSNRGauge() prometheus.Gauge {
	return snrg
}
