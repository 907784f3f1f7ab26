package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan"

	"github.com/brocaar/lorawan-range-tester/internal/codec"
	"github.com/brocaar/lorawan-range-tester/internal/logging"
)

// uplinkMType holds the message-type of the periodic ping.
const uplinkMType = lorawan.ConfirmedDataUp

var uplinkTasks = []func(*uplinkContext) error{
	incrementFrameCounter,
	setPingPayload,
	encodeUplink,
	configureRadioForTX,
	transmitUplink,
	logUplink,
}

// pingPayload contains the application payload of each ping.
type pingPayload struct {
	Iteration uint32    `json:"i"`
	SessionID uuid.UUID `json:"s"`
	Message   string    `json:"m"`
}

type uplinkContext struct {
	ctx  context.Context
	ctrl *Controller
	now  time.Time

	FCnt       uint32
	ACK        bool
	Payload    []byte
	PHYPayload []byte
}

// sendUplink arms and transmits the next ping. On success the controller
// awaits the TX-done event.
func (c *Controller) sendUplink(now time.Time) error {
	ctx, err := logging.NewContext(context.Background())
	if err != nil {
		ctx = context.Background()
	}
	c.ping = ping{ctx: ctx}

	uctx := uplinkContext{
		ctx:  ctx,
		ctrl: c,
		now:  now,
	}

	for _, t := range uplinkTasks {
		if err := t(&uctx); err != nil {
			if err == ErrAbort {
				return nil
			}

			return err
		}
	}

	return nil
}

// incrementFrameCounter persists the frame-counter before it is used, so
// that a restart never re-uses a transmitted value.
func incrementFrameCounter(ctx *uplinkContext) error {
	next := ctx.ctrl.fCnt + 1

	if err := ctx.ctrl.counter.Save(ctx.ctx, next); err != nil {
		return errors.Wrapf(ErrPersistenceFailure, "save frame-counter %d: %s", next, err)
	}

	ctx.ctrl.fCnt = next
	ctx.ctrl.iteration++
	ctx.FCnt = next
	ctx.ctrl.ping.fCnt = next
	ctx.ctrl.ping.iteration = ctx.ctrl.iteration

	return nil
}

func setPingPayload(ctx *uplinkContext) error {
	b, err := json.Marshal(pingPayload{
		Iteration: ctx.ctrl.iteration,
		SessionID: ctx.ctrl.sessionID,
		Message:   ctx.ctrl.message,
	})
	if err != nil {
		return errors.Wrap(err, "marshal ping payload error")
	}
	ctx.Payload = b
	return nil
}

// encodeUplink encodes the ping. The ACK bit is only set when an ACK is
// owed. The obligation is cleared once the uplink has been transmitted.
func encodeUplink(ctx *uplinkContext) error {
	ctx.ACK = ctx.ctrl.state.AckOwed

	b, err := codec.EncodeUplink(ctx.ctrl.creds, ctx.FCnt, uplinkMType, ctx.Payload, ctx.ACK)
	if err != nil {
		return errors.Wrap(err, "encode uplink error")
	}
	ctx.PHYPayload = b

	return nil
}

func configureRadioForTX(ctx *uplinkContext) error {
	if err := ctx.ctrl.link.Sleep(ctx.ctx); err != nil {
		return errors.Wrap(err, "put radio in sleep mode error")
	}

	if err := ctx.ctrl.link.Configure(ctx.ctx, ctx.ctrl.profiles.TX); err != nil {
		return errors.Wrap(err, "configure radio for tx error")
	}

	return nil
}

func transmitUplink(ctx *uplinkContext) error {
	// the state is set before transmitting, the TX-done event might already
	// be pending when Transmit returns
	ctx.ctrl.cycle = AwaitingTXDone
	ctx.ctrl.phaseStart = ctx.now

	if err := ctx.ctrl.link.Transmit(ctx.ctx, ctx.PHYPayload); err != nil {
		return errors.Wrap(err, "transmit error")
	}

	if ctx.ACK {
		ctx.ctrl.state.AckOwed = false
		ctx.ctrl.ping.ack = true
	}

	uplinkCounter(fmt.Sprint(uplinkMType)).Inc()
	return nil
}

func logUplink(ctx *uplinkContext) error {
	log.WithFields(log.Fields{
		"dev_addr":  ctx.ctrl.creds.DevAddr,
		"f_cnt":     ctx.FCnt,
		"iteration": ctx.ctrl.iteration,
		"ack":       ctx.ACK,
		"frequency": ctx.ctrl.profiles.TX.Frequency,
		"sf":        ctx.ctrl.profiles.TX.SpreadingFactor,
		"power_dbm": ctx.ctrl.profiles.TX.Power.DBm(),
		"ctx_id":    ctx.ctx.Value(logging.ContextIDKey),
	}).Info("controller: uplink sent")

	return nil
}
