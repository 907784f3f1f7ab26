// Package simulator implements an in-process radio.Link. Each uplink is
// answered by a simulated network-server, using the session keys of the
// device.
package simulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan"

	"github.com/brocaar/lorawan-range-tester/internal/codec"
	"github.com/brocaar/lorawan-range-tester/internal/config"
	"github.com/brocaar/lorawan-range-tester/internal/logging"
	"github.com/brocaar/lorawan-range-tester/internal/radio"
	"github.com/brocaar/lorawan-range-tester/internal/session"
)

// Downlink modes.
const (
	DownlinkAck       = "ack"
	DownlinkConfirmed = "confirmed"
	DownlinkNone      = "none"
)

// downlinkFPort holds the FPort used for the downlink payloads.
const downlinkFPort = 1

// Backend implements the simulated radio.
type Backend struct {
	sync.Mutex

	wg     sync.WaitGroup
	done   chan struct{}
	events chan radio.Event

	creds          session.Credentials
	downlink       string
	confirmedEvery int
	txDelay        time.Duration
	rxDelay        time.Duration
	rssi           int
	snr            float64

	config   radio.Config
	uplinks  int
	fCntUp   uint32
	fCntDown uint32
	pending  []byte

	// Now returns the time used for the confirmed downlink payload.
	Now func() time.Time
}

// NewBackend creates a new simulated radio.
func NewBackend(c config.Config, creds session.Credentials) (*Backend, error) {
	conf := c.Radio.Simulator

	switch conf.Downlink {
	case "":
		conf.Downlink = DownlinkAck
	case DownlinkAck, DownlinkConfirmed, DownlinkNone:
	default:
		return nil, fmt.Errorf("unknown simulator downlink mode: %s", conf.Downlink)
	}

	log.WithFields(log.Fields{
		"downlink":        conf.Downlink,
		"confirmed_every": conf.ConfirmedEvery,
		"tx_delay":        conf.TXDelay,
		"rx_delay":        conf.RXDelay,
	}).Info("radio/simulator: setting up simulated radio")

	return &Backend{
		done:           make(chan struct{}),
		events:         make(chan radio.Event, 10),
		creds:          creds,
		downlink:       conf.Downlink,
		confirmedEvery: conf.ConfirmedEvery,
		txDelay:        conf.TXDelay,
		rxDelay:        conf.RXDelay,
		rssi:           conf.RSSI,
		snr:            conf.SNR,
		Now:            time.Now,
	}, nil
}

// Configure applies the given configuration.
func (b *Backend) Configure(ctx context.Context, c radio.Config) error {
	b.Lock()
	defer b.Unlock()

	if b.config.Mode != radio.Sleep {
		return errors.Wrap(radio.ErrIO, "radio must be in sleep mode to be configured")
	}
	b.config = c

	log.WithFields(log.Fields{
		"mode":      c.Mode,
		"frequency": c.Frequency,
		"sf":        c.SpreadingFactor,
		"bw":        c.Bandwidth,
		"ctx_id":    ctx.Value(logging.ContextIDKey),
	}).Debug("radio/simulator: radio configured")

	return nil
}

// Transmit hands the PHYPayload to the simulated network-server.
func (b *Backend) Transmit(ctx context.Context, phy []byte) error {
	b.Lock()
	defer b.Unlock()

	if b.config.Mode != radio.Transmitting || b.config.IQInverted {
		return errors.Wrap(radio.ErrIO, "radio is not configured for uplink transmission")
	}

	b.pending = nil

	down, err := b.handleUplink(ctx, phy)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"ctx_id": ctx.Value(logging.ContextIDKey),
		}).Warning("radio/simulator: network-server dropped uplink")
	}
	b.pending = down

	b.emitAfter(b.txDelay, radio.Event{Type: radio.TXDone})
	return nil
}

// BeginReceive delivers the pending downlink, if any.
func (b *Backend) BeginReceive(ctx context.Context) error {
	b.Lock()
	defer b.Unlock()

	if b.config.Mode != radio.Receiving || !b.config.IQInverted {
		return errors.Wrap(radio.ErrIO, "radio is not configured for downlink reception")
	}

	if b.pending == nil {
		return nil
	}

	b.emitAfter(b.rxDelay, radio.Event{
		Type:       radio.RXDone,
		PHYPayload: b.pending,
		RXInfo: &radio.RXInfo{
			SNR:        b.snr,
			PacketRSSI: b.rssi,
			RSSI:       b.rssi,
		},
	})
	b.pending = nil

	return nil
}

// Sleep puts the radio in sleep mode.
func (b *Backend) Sleep(ctx context.Context) error {
	b.Lock()
	defer b.Unlock()

	b.config.Mode = radio.Sleep
	return nil
}

// SetFCntUp sets the frame-counter the simulated network-server expects for
// the next uplink, e.g. when the device resumes a persisted session.
func (b *Backend) SetFCntUp(fCnt uint32) {
	b.Lock()
	defer b.Unlock()
	b.fCntUp = fCnt
}

// Events returns the radio event channel.
func (b *Backend) Events() <-chan radio.Event {
	return b.events
}

// Close stops the pending events and closes the event channel.
func (b *Backend) Close() error {
	close(b.done)
	b.wg.Wait()
	close(b.events)
	return nil
}

// handleUplink validates the uplink as a network-server would and returns
// the downlink answer.
func (b *Backend) handleUplink(ctx context.Context, phy []byte) ([]byte, error) {
	up, err := codec.Decode(phy, b.creds, b.fCntUp)
	if err != nil {
		return nil, errors.Wrap(err, "decode uplink error")
	}

	b.fCntUp = up.FCnt + 1
	b.uplinks++

	mode := b.downlink
	if b.confirmedEvery > 0 && b.uplinks%b.confirmedEvery == 0 {
		mode = DownlinkConfirmed
	}

	// a confirmed uplink must be acknowledged
	ack := up.MType == lorawan.ConfirmedDataUp

	log.WithFields(log.Fields{
		"f_cnt":    up.FCnt,
		"mtype":    up.MType,
		"ack":      up.ACK(),
		"downlink": mode,
		"ctx_id":   ctx.Value(logging.ContextIDKey),
	}).Info("radio/simulator: network-server received uplink")

	var down []byte
	switch mode {
	case DownlinkAck:
		down, err = codec.EncodeDownlink(b.creds, b.fCntDown, lorawan.UnconfirmedDataDown, downlinkFPort, nil, ack)
	case DownlinkConfirmed:
		down, err = codec.EncodeDownlink(b.creds, b.fCntDown, lorawan.ConfirmedDataDown, downlinkFPort, []byte(b.Now().Format("15:04:05")), ack)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "encode downlink error")
	}

	b.fCntDown++
	return down, nil
}

func (b *Backend) emitAfter(d time.Duration, ev radio.Event) {
	if d == 0 {
		b.events <- ev
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		select {
		case <-time.After(d):
		case <-b.done:
			return
		}

		select {
		case b.events <- ev:
		case <-b.done:
		}
	}()
}
