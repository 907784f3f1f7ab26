package controller

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan"

	"github.com/brocaar/lorawan-range-tester/internal/codec"
	"github.com/brocaar/lorawan-range-tester/internal/logging"
	"github.com/brocaar/lorawan-range-tester/internal/radio"
	"github.com/brocaar/lorawan-range-tester/internal/status"
	"github.com/brocaar/lorawan-range-tester/internal/storage"
)

var downlinkTasks = []func(*downlinkContext) error{
	decodeDownlink,
	dispatchDownlink,
	updateLinkQuality,
	logDownlink,
	storePingResult,
}

type downlinkContext struct {
	ctx  context.Context
	ctrl *Controller
	now  time.Time

	RXInfo  radio.RXInfo
	Event   radio.Event
	Frame   codec.Frame
	Kind    storage.DownlinkKind
	Message *string
}

// beginReceive reprograms the radio for the receive window.
func (c *Controller) beginReceive(now time.Time) error {
	ctx := c.ping.ctx

	if err := c.link.Sleep(ctx); err != nil {
		return errors.Wrap(err, "put radio in sleep mode error")
	}

	if err := c.link.Configure(ctx, c.profiles.RX); err != nil {
		return errors.Wrap(err, "configure radio for rx error")
	}

	// see transmitUplink
	c.cycle = AwaitingRXDone
	c.phaseStart = now

	if err := c.link.BeginReceive(ctx); err != nil {
		return errors.Wrap(err, "begin receive error")
	}

	log.WithFields(log.Fields{
		"frequency": c.profiles.RX.Frequency,
		"sf":        c.profiles.RX.SpreadingFactor,
		"bw":        c.profiles.RX.Bandwidth,
		"ctx_id":    ctx.Value(logging.ContextIDKey),
	}).Debug("controller: receive window opened")

	return nil
}

// handleDownlink handles the RX-done event of the ping in flight.
func (c *Controller) handleDownlink(now time.Time, ev radio.Event) error {
	dctx := downlinkContext{
		ctx:   c.ping.ctx,
		ctrl:  c,
		now:   now,
		Event: ev,
	}
	if ev.RXInfo != nil {
		dctx.RXInfo = *ev.RXInfo
	}

	for _, t := range downlinkTasks {
		if err := t(&dctx); err != nil {
			if err == ErrAbort {
				return nil
			}

			return err
		}
	}

	return nil
}

// decodeDownlink decodes the received frame. A frame that can not be
// decoded is discarded.
func decodeDownlink(ctx *downlinkContext) error {
	f, err := codec.Decode(ctx.Event.PHYPayload, ctx.ctrl.creds, ctx.ctrl.fCntDown)
	if err != nil {
		switch errors.Cause(err) {
		case codec.ErrIntegrityFailure:
			decodeErrorCounter("ErrIntegrityFailure").Inc()
		case codec.ErrMalformedFrame:
			decodeErrorCounter("ErrMalformedFrame").Inc()
		default:
			decodeErrorCounter("unknown").Inc()
		}

		log.WithError(err).WithFields(log.Fields{
			"rssi":   ctx.RXInfo.PacketRSSI,
			"snr":    ctx.RXInfo.SNR,
			"ctx_id": ctx.ctx.Value(logging.ContextIDKey),
		}).Warning("controller: received frame discarded")

		return ErrAbort
	}

	ctx.Frame = f
	return nil
}

func dispatchDownlink(ctx *downlinkContext) error {
	state := &ctx.ctrl.state

	switch ctx.Frame.MType {
	case lorawan.UnconfirmedDataDown:
		ctx.ctrl.fCntDown = ctx.Frame.FCnt + 1
		msg := ctx.Frame.Text()
		ctx.Kind = storage.DownlinkKindData
		if ctx.Frame.ACK() && len(ctx.Frame.Payload) == 0 {
			msg = serverAckMessage
			ctx.Kind = storage.DownlinkKindAck
		}
		ctx.Message = &msg
	case lorawan.ConfirmedDataDown:
		ctx.ctrl.fCntDown = ctx.Frame.FCnt + 1
		msg := ctx.Frame.Text()
		ctx.Kind = storage.DownlinkKindConfirmed
		state.AckOwed = true
		ctx.Message = &msg
	default:
		ctx.Kind = storage.DownlinkKindOther
	}

	if ctx.Message != nil {
		state.LastMessage = ctx.Message
	}
	state.PingCount++
	downlinkCounter(string(ctx.Kind)).Inc()

	return nil
}

func updateLinkQuality(ctx *downlinkContext) error {
	lastRSSIGauge().Set(float64(ctx.RXInfo.PacketRSSI))
	lastSNRGauge().Set(ctx.RXInfo.SNR)

	if ctx.ctrl.summary != nil {
		ctx.ctrl.summary.Add(ctx.RXInfo.PacketRSSI, ctx.RXInfo.SNR)
	}

	return nil
}

func logDownlink(ctx *downlinkContext) error {
	fields := log.Fields{
		"mtype":       ctx.Frame.MType,
		"kind":        ctx.Kind,
		"f_cnt":       ctx.Frame.FCnt,
		"ack":         ctx.Frame.ACK(),
		"ping_count":  ctx.ctrl.state.PingCount,
		"snr":         ctx.RXInfo.SNR,
		"packet_rssi": ctx.RXInfo.PacketRSSI,
		"rssi":        ctx.RXInfo.RSSI,
		"ctx_id":      ctx.ctx.Value(logging.ContextIDKey),
	}
	if ctx.Message != nil {
		fields["message"] = *ctx.Message
	}
	if margin, ok := status.LinkMargin(ctx.ctrl.profiles.RX.SpreadingFactor, ctx.RXInfo.SNR); ok {
		fields["link_margin"] = margin
	}

	log.WithFields(fields).Info("controller: downlink received")
	return nil
}

// storePingResult stores the outcome of the ping when a database is
// configured. Storage errors do not affect the test.
func storePingResult(ctx *downlinkContext) error {
	db := storage.DB()
	if db == nil {
		return nil
	}

	pr := storage.PingResult{
		SessionID:       ctx.ctrl.sessionID,
		CreatedAt:       ctx.now,
		Iteration:       ctx.ctrl.ping.iteration,
		FCnt:            ctx.ctrl.ping.fCnt,
		DevAddr:         ctx.ctrl.creds.DevAddr,
		DownlinkKind:    ctx.Kind,
		Message:         ctx.Message,
		RSSI:            ctx.RXInfo.RSSI,
		PacketRSSI:      ctx.RXInfo.PacketRSSI,
		SNR:             ctx.RXInfo.SNR,
		Frequency:       ctx.ctrl.profiles.RX.Frequency,
		SpreadingFactor: ctx.ctrl.profiles.RX.SpreadingFactor,
	}

	if err := storage.CreatePingResult(ctx.ctx, db, &pr); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"ctx_id": ctx.ctx.Value(logging.ContextIDKey),
		}).Error("controller: store ping result error")
	}

	return nil
}
