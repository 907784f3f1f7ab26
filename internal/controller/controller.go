// Package controller implements the session controller of the range tester.
// It sequences the half-duplex radio through the transmit and receive phase
// of each ping and keeps track of the session state.
package controller

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan-range-tester/internal/band"
	"github.com/brocaar/lorawan-range-tester/internal/config"
	"github.com/brocaar/lorawan-range-tester/internal/input"
	"github.com/brocaar/lorawan-range-tester/internal/logging"
	"github.com/brocaar/lorawan-range-tester/internal/radio"
	"github.com/brocaar/lorawan-range-tester/internal/session"
	"github.com/brocaar/lorawan-range-tester/internal/status"
	"github.com/brocaar/lorawan-range-tester/internal/storage"
)

// Defaults used when the configuration leaves them unset.
const (
	defaultTickInterval = 100 * time.Millisecond
	defaultPingInterval = 5 * time.Second
	defaultPhaseTimeout = 10 * time.Second
)

// Status messages set by the controller itself.
const (
	serverAckMessage = "server ack"
	shutdownMessage  = "shutdown"
	failureMessage   = "counter persistence failure"
)

// CycleState defines the state of the TX / RX cycle.
type CycleState int

// Available cycle states.
const (
	Idle CycleState = iota
	ArmedForTX
	AwaitingTXDone
	AwaitingRXDone
	ShuttingDown
)

func (s CycleState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case ArmedForTX:
		return "ARMED_FOR_TX"
	case AwaitingTXDone:
		return "AWAITING_TX_DONE"
	case AwaitingRXDone:
		return "AWAITING_RX_DONE"
	case ShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return "UNKNOWN"
	}
}

// State holds the session state.
type State struct {
	Running     bool
	PingCount   uint32
	LastMessage *string
	AckOwed     bool
	LastTrigger time.Time
}

// Controller implements the session controller. All methods must be called
// from a single goroutine, Run takes care of this.
type Controller struct {
	creds    session.Credentials
	counter  storage.FrameCounterStore
	link     radio.Link
	profiles band.Profiles
	input    input.Input
	sink     status.Sink
	summary  *status.Summary

	tickInterval time.Duration
	pingInterval time.Duration
	phaseTimeout time.Duration
	message      string
	sessionID    uuid.UUID

	edges      input.EdgeDetector
	state      State
	cycle      CycleState
	phaseStart time.Time
	terminate  bool
	err        error

	fCnt      uint32
	fCntDown  uint32
	iteration uint32
	ping      ping
}

// ping holds the data of the ping in flight.
type ping struct {
	ctx       context.Context
	fCnt      uint32
	iteration uint32
	ack       bool
}

// New creates a new controller. The frame-counter is loaded from the given
// store and the session timer starts at the given time. The summary is
// optional.
func New(c config.Config, creds session.Credentials, counter storage.FrameCounterStore, link radio.Link, profiles band.Profiles, in input.Input, sink status.Sink, summary *status.Summary, now time.Time) (*Controller, error) {
	sessionID, err := uuid.NewV4()
	if err != nil {
		return nil, errors.Wrap(err, "new uuid error")
	}

	ctrl := Controller{
		creds:        creds,
		counter:      counter,
		link:         link,
		profiles:     profiles,
		input:        in,
		sink:         sink,
		summary:      summary,
		tickInterval: c.General.TickInterval,
		pingInterval: c.General.PingInterval,
		phaseTimeout: c.General.PhaseTimeout,
		message:      c.General.Message,
		sessionID:    sessionID,
		state: State{
			Running:     c.General.StartRunning,
			AckOwed:     true,
			LastTrigger: now,
		},
	}

	if ctrl.tickInterval == 0 {
		ctrl.tickInterval = defaultTickInterval
	}
	if ctrl.pingInterval == 0 {
		ctrl.pingInterval = defaultPingInterval
	}
	if ctrl.phaseTimeout == 0 {
		ctrl.phaseTimeout = defaultPhaseTimeout
	}

	ctrl.fCnt = counter.Load(context.Background())

	log.WithFields(log.Fields{
		"session_id":    sessionID,
		"dev_addr":      creds.DevAddr,
		"f_cnt":         ctrl.fCnt,
		"ping_interval": ctrl.pingInterval,
		"running":       ctrl.state.Running,
	}).Info("controller: session started")

	return &ctrl, nil
}

// State returns a copy of the session state.
func (c *Controller) State() State {
	return c.state
}

// CycleState returns the state of the TX / RX cycle.
func (c *Controller) CycleState() CycleState {
	return c.cycle
}

// SessionID returns the ID of the session, included in every uplink.
func (c *Controller) SessionID() uuid.UUID {
	return c.sessionID
}

// Err returns the error that stopped the controller, if any.
func (c *Controller) Err() error {
	return c.err
}

// Run runs the controller until it has shut down. Cancelling the given
// context requests a shutdown, which completes after the phase in flight.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	done := ctx.Done()
	events := c.link.Events()

	for c.cycle != ShuttingDown {
		select {
		case now := <-ticker.C:
			if err := c.Tick(now); err != nil {
				return err
			}
		case ev, ok := <-events:
			if !ok {
				c.shutdown(time.Now(), shutdownMessage)
				return errors.Wrap(radio.ErrIO, "radio event channel closed")
			}
			c.HandleEvent(time.Now(), ev)
		case <-done:
			done = nil
			c.RequestShutdown(time.Now())
		}
	}

	return c.err
}

// RequestShutdown requests the controller to shut down. When a phase is in
// flight, the shutdown is deferred until it completes or times out.
func (c *Controller) RequestShutdown(now time.Time) {
	if c.cycle == ShuttingDown {
		return
	}

	c.terminate = true
	if c.cycle == Idle {
		c.shutdown(now, shutdownMessage)
		return
	}

	log.WithFields(log.Fields{
		"state":  c.cycle,
		"ctx_id": c.ping.ctx.Value(logging.ContextIDKey),
	}).Info("controller: shutdown deferred until phase completes")
}

// Tick samples the operator input, enforces the phase timeout and arms a
// new ping when the interval has elapsed. The returned error is fatal.
func (c *Controller) Tick(now time.Time) error {
	if c.cycle == ShuttingDown {
		return c.err
	}

	pressed := c.edges.Pressed(c.input.Sample())
	if pressed.Start && !c.state.Running {
		c.state.Running = true
		log.Info("controller: test started")
	}
	if pressed.Stop && c.state.Running {
		c.state.Running = false
		log.Info("controller: test stopped")
	}
	if pressed.Terminate {
		c.RequestShutdown(now)
	}

	if (c.cycle == AwaitingTXDone || c.cycle == AwaitingRXDone) && now.Sub(c.phaseStart) > c.phaseTimeout {
		c.handlePhaseTimeout(now)
	}

	if c.cycle == Idle && c.state.Running && now.Sub(c.state.LastTrigger) > c.pingInterval {
		c.state.LastTrigger = c.nextTrigger(now)
		c.cycle = ArmedForTX

		if err := c.sendUplink(now); err != nil {
			if errors.Cause(err) == ErrPersistenceFailure {
				c.err = err
				c.shutdown(now, failureMessage)
				return err
			}

			radioErrorCounter().Inc()
			log.WithError(err).WithFields(log.Fields{
				"ctx_id": c.ping.ctx.Value(logging.ContextIDKey),
			}).Error("controller: uplink cycle aborted")
			c.abortCycle()
		}
	}

	c.updateStatus()
	return nil
}

// nextTrigger returns the trigger time of the ping armed at now. The trigger
// times are spaced by the ping interval, unless the schedule fell behind by
// more than an interval (e.g. the test was stopped), in which case it
// restarts at now.
func (c *Controller) nextTrigger(now time.Time) time.Time {
	next := c.state.LastTrigger.Add(c.pingInterval)
	if now.Sub(next) > c.pingInterval {
		return now
	}
	return next
}

// HandleEvent handles the given radio event.
func (c *Controller) HandleEvent(now time.Time, ev radio.Event) {
	logFields := log.Fields{
		"event": ev.Type,
		"state": c.cycle,
	}
	if c.ping.ctx != nil {
		logFields["ctx_id"] = c.ping.ctx.Value(logging.ContextIDKey)
	}

	switch {
	case ev.Type == radio.TXDone && c.cycle == AwaitingTXDone:
	case ev.Type == radio.RXDone && c.cycle == AwaitingRXDone:
	default:
		log.WithFields(logFields).Warning("controller: unexpected radio event ignored")
		return
	}

	if ev.Err != nil {
		radioErrorCounter().Inc()
		log.WithError(ev.Err).WithFields(logFields).Error("controller: radio reported error, cycle aborted")

		// the ack might not have been sent
		if ev.Type == radio.TXDone && c.ping.ack {
			c.state.AckOwed = true
		}
		c.abortCycle()
		c.completePhase(now)
		return
	}

	switch ev.Type {
	case radio.TXDone:
		if c.terminate {
			c.abortCycle()
			break
		}

		if err := c.beginReceive(now); err != nil {
			radioErrorCounter().Inc()
			log.WithError(err).WithFields(logFields).Error("controller: begin receive error, cycle aborted")
			c.abortCycle()
		}
	case radio.RXDone:
		if err := c.handleDownlink(now, ev); err != nil {
			log.WithError(err).WithFields(logFields).Error("controller: handle downlink error")
		}
		c.abortCycle()
	}

	c.completePhase(now)
}

// completePhase executes the deferred shutdown once the cycle is back in
// the idle state.
func (c *Controller) completePhase(now time.Time) {
	if c.terminate && c.cycle == Idle {
		c.shutdown(now, shutdownMessage)
	}
}

func (c *Controller) handlePhaseTimeout(now time.Time) {
	phaseTimeoutCounter(c.cycle.String()).Inc()
	log.WithError(ErrPhaseTimeout).WithFields(log.Fields{
		"state":   c.cycle,
		"elapsed": now.Sub(c.phaseStart),
		"ctx_id":  c.ping.ctx.Value(logging.ContextIDKey),
	}).Warning("controller: radio did not complete phase, forcing idle")

	c.abortCycle()
	c.completePhase(now)
}

// abortCycle parks the radio and returns to the idle state. Parking the
// radio is best-effort.
func (c *Controller) abortCycle() {
	c.cycle = Idle
	c.park()
}

func (c *Controller) park() {
	ctx := c.ping.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	if err := c.link.Sleep(ctx); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"ctx_id": ctx.Value(logging.ContextIDKey),
		}).Error("controller: put radio in sleep mode error")
	}
}

// shutdown enters the terminal state. The frame-counter is durable at this
// point, only the radio needs to be parked.
func (c *Controller) shutdown(now time.Time, reason string) {
	c.cycle = ShuttingDown
	c.park()

	c.state.Running = false
	c.state.LastMessage = &reason
	c.updateStatus()

	log.WithFields(log.Fields{
		"reason":     reason,
		"ping_count": c.state.PingCount,
		"f_cnt":      c.fCnt,
	}).Info("controller: shutting down")
}

func (c *Controller) updateStatus() {
	c.sink.Update(status.Status{
		Running:     c.state.Running,
		LastMessage: c.state.LastMessage,
		PingCount:   c.state.PingCount,
	})
}
