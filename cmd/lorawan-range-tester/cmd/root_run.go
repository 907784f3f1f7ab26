package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brocaar/lorawan-range-tester/internal/backend/radio/mqtt"
	"github.com/brocaar/lorawan-range-tester/internal/backend/radio/simulator"
	"github.com/brocaar/lorawan-range-tester/internal/band"
	"github.com/brocaar/lorawan-range-tester/internal/config"
	"github.com/brocaar/lorawan-range-tester/internal/controller"
	"github.com/brocaar/lorawan-range-tester/internal/input"
	"github.com/brocaar/lorawan-range-tester/internal/monitoring"
	"github.com/brocaar/lorawan-range-tester/internal/radio"
	"github.com/brocaar/lorawan-range-tester/internal/session"
	"github.com/brocaar/lorawan-range-tester/internal/status"
	"github.com/brocaar/lorawan-range-tester/internal/storage"
)

// summarySize holds the number of pings included in the link-quality
// summary.
const summarySize = 20

var creds session.Credentials

func run(cmd *cobra.Command, args []string) error {
	tasks := []func() error{
		setLogLevel,
		setSyslog,
		printStartMessage,
		setupMonitoring,
		setupStorage,
		setupBand,
		setupSession,
		setupRadio,
	}

	for _, t := range tasks {
		if err := t(); err != nil {
			log.Fatal(err)
		}
	}

	defer func() {
		if err := radio.Get().Close(); err != nil {
			log.WithError(err).Error("close radio error")
		}
	}()

	counter, err := storage.NewFrameCounterStore(config.C, creds.DevAddr)
	if err != nil {
		return errors.Wrap(err, "setup frame-counter store error")
	}

	// the simulated network-server continues the persisted session
	if sim, ok := radio.Get().(*simulator.Backend); ok {
		sim.SetFCntUp(counter.Load(context.Background()) + 1)
	}

	in := input.NewSignalInput()
	defer in.Close()

	summary := status.NewSummary(summarySize)
	sink := status.MultiSink{
		status.NewLogSink(summary),
		status.MetricsSink{},
	}

	ctrl, err := controller.New(config.C, creds, counter, radio.Get(), band.Get(), in, sink, summary, time.Now())
	if err != nil {
		return errors.Wrap(err, "new controller error")
	}

	log.Info("send SIGUSR1 to start the test, SIGUSR2 to stop it")

	if err := ctrl.Run(context.Background()); err != nil {
		log.WithError(err).Error("controller stopped")
		return errors.Wrap(err, "run controller error")
	}

	stats := summary.Stats()
	log.WithFields(log.Fields{
		"ping_count":  ctrl.State().PingCount,
		"rssi_mean":   stats.RSSIMean,
		"rssi_stddev": stats.RSSIStdDev,
		"snr_mean":    stats.SNRMean,
		"snr_stddev":  stats.SNRStdDev,
	}).Info("stopping lorawan-range-tester")

	return nil
}

func setLogLevel() error {
	log.SetLevel(log.Level(uint8(config.C.General.LogLevel)))
	return nil
}

func printStartMessage() error {
	log.WithFields(log.Fields{
		"version": version,
		"band":    config.C.Band.Name,
		"radio":   config.C.Radio.Type,
	}).Info("starting LoRaWAN Range Tester")
	return nil
}

func setupMonitoring() error {
	if err := monitoring.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup monitoring error")
	}
	return nil
}

func setupStorage() error {
	if err := storage.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup storage error")
	}
	return nil
}

func setupBand() error {
	if err := band.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup band error")
	}
	return nil
}

func setupSession() error {
	var err error
	creds, err = session.Setup(config.C)
	if err != nil {
		return errors.Wrap(err, "setup session error")
	}
	return nil
}

func setupRadio() error {
	var err error
	var l radio.Link

	switch config.C.Radio.Type {
	case "mqtt":
		l, err = mqtt.NewBackend(config.C)
	case "simulator":
		l, err = simulator.NewBackend(config.C, creds)
	default:
		return fmt.Errorf("unexpected radio type: %s", config.C.Radio.Type)
	}

	if err != nil {
		return errors.Wrap(err, "radio setup failed")
	}

	radio.SetLink(l)
	return nil
}
