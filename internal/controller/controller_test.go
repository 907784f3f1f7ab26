package controller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"

	"github.com/brocaar/lorawan-range-tester/internal/backend/radio/simulator"
	"github.com/brocaar/lorawan-range-tester/internal/band"
	"github.com/brocaar/lorawan-range-tester/internal/codec"
	"github.com/brocaar/lorawan-range-tester/internal/config"
	"github.com/brocaar/lorawan-range-tester/internal/input"
	"github.com/brocaar/lorawan-range-tester/internal/radio"
	"github.com/brocaar/lorawan-range-tester/internal/session"
	"github.com/brocaar/lorawan-range-tester/internal/status"
	"github.com/brocaar/lorawan-range-tester/internal/storage"
	"github.com/brocaar/lorawan-range-tester/internal/test"
)

var t0 = time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)

type testSink struct {
	updates []status.Status
}

func (s *testSink) Update(st status.Status) {
	s.updates = append(s.updates, st)
}

func (s *testSink) last() status.Status {
	if len(s.updates) == 0 {
		return status.Status{}
	}
	return s.updates[len(s.updates)-1]
}

// recordingLink records the calls made to the wrapped link.
type recordingLink struct {
	radio.Link

	calls       []string
	transmitted [][]byte
}

func (l *recordingLink) Configure(ctx context.Context, c radio.Config) error {
	l.calls = append(l.calls, "configure "+c.Mode.String())
	return l.Link.Configure(ctx, c)
}

func (l *recordingLink) Transmit(ctx context.Context, b []byte) error {
	l.calls = append(l.calls, "transmit")
	l.transmitted = append(l.transmitted, b)
	return l.Link.Transmit(ctx, b)
}

func (l *recordingLink) BeginReceive(ctx context.Context) error {
	l.calls = append(l.calls, "receive")
	return l.Link.BeginReceive(ctx)
}

func (l *recordingLink) Sleep(ctx context.Context) error {
	l.calls = append(l.calls, "sleep")
	return l.Link.Sleep(ctx)
}

// testLink is a scripted radio link.
type testLink struct {
	events       chan radio.Event
	transmitErr  error
	txDone       *radio.Event
	rxDone       *radio.Event
	transmitted  int
	phys         [][]byte
	sleeps       int
	receiveCalls int
}

func newTestLink() *testLink {
	return &testLink{
		events: make(chan radio.Event, 10),
	}
}

func (l *testLink) Configure(ctx context.Context, c radio.Config) error {
	return nil
}

func (l *testLink) Transmit(ctx context.Context, b []byte) error {
	if l.transmitErr != nil {
		return l.transmitErr
	}
	l.transmitted++
	l.phys = append(l.phys, b)
	if l.txDone != nil {
		l.events <- *l.txDone
	}
	return nil
}

func (l *testLink) BeginReceive(ctx context.Context) error {
	l.receiveCalls++
	if l.rxDone != nil {
		l.events <- *l.rxDone
	}
	return nil
}

func (l *testLink) Sleep(ctx context.Context) error {
	l.sleeps++
	return nil
}

func (l *testLink) Events() <-chan radio.Event {
	return l.events
}

func (l *testLink) Close() error {
	close(l.events)
	return nil
}

type failingStore struct{}

func (failingStore) Load(ctx context.Context) uint32 {
	return 0
}

func (failingStore) Save(ctx context.Context, fCnt uint32) error {
	return errors.New("disk full")
}

type harness struct {
	conf    config.Config
	creds   session.Credentials
	ctrl    *Controller
	link    radio.Link
	input   *input.Static
	sink    *testSink
	summary *status.Summary
	path    string
}

func testCredentials(t *testing.T, c config.Config) session.Credentials {
	creds, err := session.NewCredentials(c.Session.DevAddr, c.Session.NwkSKey, c.Session.AppSKey)
	require.NoError(t, err)
	return creds
}

func testProfiles(t *testing.T, c config.Config) band.Profiles {
	b, err := loraband.GetConfig(c.Band.Name, false, lorawan.DwellTimeNoLimit)
	require.NoError(t, err)
	p, err := band.NewProfiles(b, c)
	require.NoError(t, err)
	return p
}

func newHarness(t *testing.T, conf config.Config, link radio.Link, store storage.FrameCounterStore) *harness {
	h := harness{
		conf:    conf,
		creds:   testCredentials(t, conf),
		link:    link,
		input:   &input.Static{},
		sink:    &testSink{},
		summary: status.NewSummary(10),
		path:    filepath.Join(t.TempDir(), "frame.txt"),
	}

	if store == nil {
		store = storage.NewFileFrameCounterStore(h.path)
	}

	var err error
	h.ctrl, err = New(conf, h.creds, store, link, testProfiles(t, conf), h.input, h.sink, h.summary, t0)
	require.NoError(t, err)

	return &h
}

func newSimulatorHarness(t *testing.T, conf config.Config) (*harness, *recordingLink, *simulator.Backend) {
	sim, err := simulator.NewBackend(conf, testCredentials(t, conf))
	require.NoError(t, err)
	sim.Now = func() time.Time {
		return time.Date(2020, 1, 1, 12, 30, 15, 0, time.UTC)
	}
	t.Cleanup(func() { sim.Close() })

	link := &recordingLink{Link: sim}
	return newHarness(t, conf, link, nil), link, sim
}

// run ticks the controller from t0 until the given duration has elapsed,
// handling the pending radio events after each tick.
func (h *harness) run(t *testing.T, d time.Duration) {
	for i := 1; time.Duration(i)*h.conf.General.TickInterval <= d; i++ {
		now := t0.Add(time.Duration(i) * h.conf.General.TickInterval)
		require.NoError(t, h.ctrl.Tick(now))
		h.drain(now)
	}
}

func (h *harness) drain(now time.Time) {
	for {
		select {
		case ev := <-h.link.Events():
			h.ctrl.HandleEvent(now, ev)
		default:
			return
		}
	}
}

func (h *harness) storedFrameCounter() uint32 {
	return storage.NewFileFrameCounterStore(h.path).Load(context.Background())
}

// decodeUplinks decodes the given uplinks, the first is expected to use
// the given frame-counter.
func decodeUplinks(t *testing.T, creds session.Credentials, fCnt uint32, phys [][]byte) []codec.Frame {
	var out []codec.Frame
	for _, b := range phys {
		f, err := codec.Decode(b, creds, fCnt)
		require.NoError(t, err)
		out = append(out, f)
		fCnt = f.FCnt + 1
	}
	return out
}

func TestEndToEnd(t *testing.T) {
	assert := require.New(t)

	conf := test.GetConfig()
	conf.General.StartRunning = true

	h, link, _ := newSimulatorHarness(t, conf)
	h.run(t, 12*time.Second)

	state := h.ctrl.State()
	assert.Equal(uint32(2), state.PingCount)
	assert.NotNil(state.LastMessage)
	assert.Equal("server ack", *state.LastMessage)
	assert.Equal(uint32(2), h.storedFrameCounter())
	assert.Equal(Idle, h.ctrl.CycleState())
	assert.Equal(2, h.summary.Len())

	assert.Equal([]string{
		"sleep", "configure TX", "transmit",
		"sleep", "configure RX", "receive",
		"sleep",
		"sleep", "configure TX", "transmit",
		"sleep", "configure RX", "receive",
		"sleep",
	}, link.calls)

	uplinks := decodeUplinks(t, h.creds, 1, link.transmitted)
	assert.Len(uplinks, 2)
	for i, up := range uplinks {
		assert.Equal(lorawan.ConfirmedDataUp, up.MType)
		assert.Equal(uint32(i+1), up.FCnt)
	}

	last := h.sink.last()
	assert.True(last.Running)
	assert.Equal(uint32(2), last.PingCount)
	assert.Equal("server ack", *last.LastMessage)
}

func TestPingPayload(t *testing.T) {
	assert := require.New(t)

	conf := test.GetConfig()
	conf.General.StartRunning = true
	conf.General.Message = "hello"

	h, link, _ := newSimulatorHarness(t, conf)
	h.run(t, 6*time.Second)

	uplinks := decodeUplinks(t, h.creds, 1, link.transmitted)
	assert.Len(uplinks, 1)
	assert.NotNil(uplinks[0].FPort)
	assert.Equal(uint8(1), *uplinks[0].FPort)
	assert.JSONEq(`{"i": 1, "s": "`+h.ctrl.SessionID().String()+`", "m": "hello"}`, uplinks[0].Text())
}

func TestFrameCounterResume(t *testing.T) {
	tests := []struct {
		Name   string
		Stored uint32
	}{
		{"16 bit", 41},
		{"above 16 bit", 70000},
	}

	for _, tst := range tests {
		t.Run(tst.Name, func(t *testing.T) {
			assert := require.New(t)

			conf := test.GetConfig()
			conf.General.StartRunning = true

			h, link, sim := newSimulatorHarness(t, conf)
			store := storage.NewFileFrameCounterStore(h.path)
			store.Load(context.Background())
			assert.NoError(store.Save(context.Background(), tst.Stored))
			sim.SetFCntUp(tst.Stored + 1)

			// new controller instance, as after a restart
			ctrl, err := New(conf, h.creds, storage.NewFileFrameCounterStore(h.path), link, testProfiles(t, conf), h.input, h.sink, nil, t0)
			assert.NoError(err)
			h.ctrl = ctrl

			h.run(t, 6*time.Second)

			uplinks := decodeUplinks(t, h.creds, tst.Stored+1, link.transmitted)
			assert.Len(uplinks, 1)
			assert.Equal(tst.Stored+1, uplinks[0].FCnt)
			assert.Equal(tst.Stored+1, h.storedFrameCounter())

			// answered by the network-server
			assert.Equal(uint32(1), h.ctrl.State().PingCount)
			assert.Equal("server ack", *h.ctrl.State().LastMessage)
		})
	}
}

func TestAckOwed(t *testing.T) {
	assert := require.New(t)

	conf := test.GetConfig()
	conf.General.StartRunning = true
	conf.Radio.Simulator.ConfirmedEvery = 2

	h, link, _ := newSimulatorHarness(t, conf)
	assert.True(h.ctrl.State().AckOwed)

	h.run(t, 16*time.Second)

	uplinks := decodeUplinks(t, h.creds, 1, link.transmitted)
	assert.Len(uplinks, 3)

	// first uplink of the session
	assert.True(uplinks[0].ACK())
	// answered by an unconfirmed downlink
	assert.False(uplinks[1].ACK())
	// answered by a confirmed downlink
	assert.True(uplinks[2].ACK())

	state := h.ctrl.State()
	assert.Equal(uint32(3), state.PingCount)
	assert.Equal("server ack", *state.LastMessage)
	assert.False(state.AckOwed)
}

func TestConfirmedDownlinkText(t *testing.T) {
	assert := require.New(t)

	conf := test.GetConfig()
	conf.General.StartRunning = true
	conf.Radio.Simulator.Downlink = simulator.DownlinkConfirmed

	h, _, _ := newSimulatorHarness(t, conf)
	h.run(t, 6*time.Second)

	state := h.ctrl.State()
	assert.Equal(uint32(1), state.PingCount)
	assert.Equal("12:30:15", *state.LastMessage)
	assert.True(state.AckOwed)
}

func TestNotRunning(t *testing.T) {
	assert := require.New(t)

	conf := test.GetConfig()

	h, link, _ := newSimulatorHarness(t, conf)
	h.run(t, time.Minute)

	assert.Len(link.transmitted, 0)
	assert.Equal(uint32(0), h.storedFrameCounter())
	assert.Equal(uint32(0), h.ctrl.State().PingCount)
	assert.Nil(h.ctrl.State().LastMessage)
	assert.False(h.sink.last().Running)
}

func TestOneTransmissionPerInterval(t *testing.T) {
	t.Run("running", func(t *testing.T) {
		assert := require.New(t)

		conf := test.GetConfig()
		conf.General.StartRunning = true

		h, link, _ := newSimulatorHarness(t, conf)

		var triggers []time.Time
		for i := 1; i <= 300; i++ {
			now := t0.Add(time.Duration(i) * conf.General.TickInterval)
			before := len(link.transmitted)

			assert.NoError(h.ctrl.Tick(now))
			h.drain(now)

			if len(link.transmitted) != before {
				triggers = append(triggers, now)
			}
		}

		assert.Len(triggers, 5)
		assert.Equal(t0.Add(5100*time.Millisecond), triggers[0])
		for i := 1; i < len(triggers); i++ {
			// no drift by the tick interval
			assert.Equal(conf.General.PingInterval, triggers[i].Sub(triggers[i-1]))
		}
	})

	t.Run("started late", func(t *testing.T) {
		assert := require.New(t)

		conf := test.GetConfig()
		h, link, _ := newSimulatorHarness(t, conf)

		start := t0.Add(20 * time.Second)
		h.input.Set(input.Buttons{Start: true})
		assert.NoError(h.ctrl.Tick(start))
		h.drain(start)
		assert.Len(link.transmitted, 1)

		// the missed pings are not sent as a burst
		for i := 1; i <= 50; i++ {
			now := start.Add(time.Duration(i) * conf.General.TickInterval)
			assert.NoError(h.ctrl.Tick(now))
			h.drain(now)
		}
		assert.Len(link.transmitted, 1)

		now := start.Add(5100 * time.Millisecond)
		assert.NoError(h.ctrl.Tick(now))
		h.drain(now)
		assert.Len(link.transmitted, 2)
	})
}

func TestHeldButton(t *testing.T) {
	assert := require.New(t)

	conf := test.GetConfig()
	h, _, _ := newSimulatorHarness(t, conf)

	tick := func(i int) {
		assert.NoError(h.ctrl.Tick(t0.Add(time.Duration(i) * time.Millisecond)))
	}

	h.input.Set(input.Buttons{Start: true})
	tick(1)
	assert.True(h.ctrl.State().Running)

	h.input.Set(input.Buttons{Start: true, Stop: true})
	tick(2)
	assert.False(h.ctrl.State().Running)

	// start is still held, this does not restart the test
	h.input.Set(input.Buttons{Start: true})
	for i := 3; i < 10; i++ {
		tick(i)
		assert.False(h.ctrl.State().Running)
	}

	h.input.Set(input.Buttons{})
	tick(10)
	h.input.Set(input.Buttons{Start: true})
	tick(11)
	assert.True(h.ctrl.State().Running)

	h.input.Set(input.Buttons{Terminate: true})
	tick(12)
	assert.Equal(ShuttingDown, h.ctrl.CycleState())
	tick(13)
	assert.Equal(ShuttingDown, h.ctrl.CycleState())
}

func TestPhaseTimeout(t *testing.T) {
	assert := require.New(t)

	conf := test.GetConfig()
	conf.General.StartRunning = true

	link := newTestLink()
	h := newHarness(t, conf, link, nil)

	assert.NoError(h.ctrl.Tick(t0.Add(5100 * time.Millisecond)))
	assert.Equal(AwaitingTXDone, h.ctrl.CycleState())
	assert.Equal(1, link.transmitted)

	assert.NoError(h.ctrl.Tick(t0.Add(15100 * time.Millisecond)))
	assert.Equal(AwaitingTXDone, h.ctrl.CycleState())
	assert.Equal(1, link.transmitted)

	sleeps := link.sleeps

	// the timeout forces idle after which the next ping is due
	assert.NoError(h.ctrl.Tick(t0.Add(15200 * time.Millisecond)))
	assert.True(link.sleeps > sleeps)
	assert.Equal(2, link.transmitted)
	assert.Equal(AwaitingTXDone, h.ctrl.CycleState())
	assert.Equal(uint32(2), h.storedFrameCounter())
	assert.Equal(uint32(0), h.ctrl.State().PingCount)

	t.Run("late event is ignored", func(t *testing.T) {
		assert := require.New(t)
		h.ctrl.HandleEvent(t0.Add(15300*time.Millisecond), radio.Event{Type: radio.RXDone})
		assert.Equal(AwaitingTXDone, h.ctrl.CycleState())
	})
}

func TestRadioError(t *testing.T) {
	t.Run("transmit", func(t *testing.T) {
		assert := require.New(t)

		conf := test.GetConfig()
		conf.General.StartRunning = true

		link := newTestLink()
		link.transmitErr = errors.Wrap(radio.ErrIO, "spi write error")
		h := newHarness(t, conf, link, nil)

		assert.NoError(h.ctrl.Tick(t0.Add(5100 * time.Millisecond)))
		assert.Equal(Idle, h.ctrl.CycleState())
		assert.True(h.ctrl.State().Running)
		assert.Equal(uint32(1), h.storedFrameCounter())
		assert.True(h.ctrl.State().AckOwed)

		// retried on the next scheduled ping
		link.transmitErr = nil
		assert.NoError(h.ctrl.Tick(t0.Add(5200 * time.Millisecond)))
		assert.Equal(0, link.transmitted)

		assert.NoError(h.ctrl.Tick(t0.Add(10200 * time.Millisecond)))
		assert.Equal(1, link.transmitted)
		assert.Equal(AwaitingTXDone, h.ctrl.CycleState())
		assert.Equal(uint32(2), h.storedFrameCounter())

		// the owed ack is carried by the uplink that was transmitted
		uplinks := decodeUplinks(t, h.creds, 2, link.phys)
		assert.Len(uplinks, 1)
		assert.Equal(uint32(2), uplinks[0].FCnt)
		assert.True(uplinks[0].ACK())
		assert.False(h.ctrl.State().AckOwed)
	})

	t.Run("tx done error", func(t *testing.T) {
		assert := require.New(t)

		conf := test.GetConfig()
		conf.General.StartRunning = true

		link := newTestLink()
		link.txDone = &radio.Event{Type: radio.TXDone, Err: errors.Wrap(radio.ErrIO, "tx timeout")}
		h := newHarness(t, conf, link, nil)

		now := t0.Add(5100 * time.Millisecond)
		assert.NoError(h.ctrl.Tick(now))
		h.drain(now)

		assert.Equal(Idle, h.ctrl.CycleState())
		assert.Equal(0, link.receiveCalls)

		// the first uplink carried the ack, it is owed again
		assert.True(h.ctrl.State().AckOwed)
	})
}

func TestDecodeFailure(t *testing.T) {
	assert := require.New(t)

	conf := test.GetConfig()
	conf.General.StartRunning = true

	link := newTestLink()
	link.txDone = &radio.Event{Type: radio.TXDone}
	link.rxDone = &radio.Event{
		Type:       radio.RXDone,
		PHYPayload: []byte{0x60, 0x01, 0x02},
		RXInfo:     &radio.RXInfo{SNR: -3, PacketRSSI: -110, RSSI: -112},
	}
	h := newHarness(t, conf, link, nil)

	now := t0.Add(5100 * time.Millisecond)
	assert.NoError(h.ctrl.Tick(now))
	h.drain(now)

	assert.Equal(Idle, h.ctrl.CycleState())
	assert.Equal(uint32(0), h.ctrl.State().PingCount)
	assert.Nil(h.ctrl.State().LastMessage)
	assert.Equal(1, link.receiveCalls)
}

func TestPersistenceFailure(t *testing.T) {
	assert := require.New(t)

	conf := test.GetConfig()
	conf.General.StartRunning = true

	link := newTestLink()
	h := newHarness(t, conf, link, failingStore{})

	err := h.ctrl.Tick(t0.Add(5100 * time.Millisecond))
	assert.Equal(ErrPersistenceFailure, errors.Cause(err))
	assert.Equal(ShuttingDown, h.ctrl.CycleState())
	assert.Equal(0, link.transmitted)
	assert.True(link.sleeps > 0)

	last := h.sink.last()
	assert.False(last.Running)
	assert.Equal(failureMessage, *last.LastMessage)

	err = h.ctrl.Tick(t0.Add(10200 * time.Millisecond))
	assert.Equal(ErrPersistenceFailure, errors.Cause(err))
	assert.Equal(0, link.transmitted)
}

func TestDeferredShutdown(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		assert := require.New(t)

		h := newHarness(t, test.GetConfig(), newTestLink(), nil)
		h.ctrl.RequestShutdown(t0)
		assert.Equal(ShuttingDown, h.ctrl.CycleState())
		assert.Equal(shutdownMessage, *h.sink.last().LastMessage)
	})

	t.Run("awaiting tx done", func(t *testing.T) {
		assert := require.New(t)

		conf := test.GetConfig()
		conf.General.StartRunning = true

		link := newTestLink()
		h := newHarness(t, conf, link, nil)

		now := t0.Add(5100 * time.Millisecond)
		assert.NoError(h.ctrl.Tick(now))
		assert.Equal(AwaitingTXDone, h.ctrl.CycleState())

		h.input.Set(input.Buttons{Terminate: true})
		assert.NoError(h.ctrl.Tick(now.Add(100 * time.Millisecond)))
		assert.Equal(AwaitingTXDone, h.ctrl.CycleState())

		h.ctrl.HandleEvent(now.Add(200*time.Millisecond), radio.Event{Type: radio.TXDone})
		assert.Equal(ShuttingDown, h.ctrl.CycleState())
		assert.Equal(0, link.receiveCalls)
		assert.False(h.sink.last().Running)
	})

	t.Run("phase timeout", func(t *testing.T) {
		assert := require.New(t)

		conf := test.GetConfig()
		conf.General.StartRunning = true

		link := newTestLink()
		link.txDone = &radio.Event{Type: radio.TXDone}
		h := newHarness(t, conf, link, nil)

		now := t0.Add(5100 * time.Millisecond)
		assert.NoError(h.ctrl.Tick(now))
		h.drain(now)
		assert.Equal(AwaitingRXDone, h.ctrl.CycleState())

		h.ctrl.RequestShutdown(now)
		assert.Equal(AwaitingRXDone, h.ctrl.CycleState())

		assert.NoError(h.ctrl.Tick(now.Add(11 * time.Second)))
		assert.Equal(ShuttingDown, h.ctrl.CycleState())
		assert.Equal(1, link.transmitted)
	})
}

func TestRun(t *testing.T) {
	t.Run("cancel", func(t *testing.T) {
		assert := require.New(t)

		conf := test.GetConfig()
		conf.General.StartRunning = true
		conf.General.TickInterval = 5 * time.Millisecond
		conf.General.PingInterval = 20 * time.Millisecond

		h, _, _ := newSimulatorHarness(t, conf)

		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()

		assert.NoError(h.ctrl.Run(ctx))
		assert.Equal(ShuttingDown, h.ctrl.CycleState())
		assert.True(h.ctrl.State().PingCount > 0)

		// the shutdown might have skipped the receive window of the last ping
		assert.True(h.storedFrameCounter() >= h.ctrl.State().PingCount)
	})

	t.Run("persistence failure", func(t *testing.T) {
		assert := require.New(t)

		conf := test.GetConfig()
		conf.General.StartRunning = true
		conf.General.TickInterval = 5 * time.Millisecond
		conf.General.PingInterval = 20 * time.Millisecond

		h := newHarness(t, conf, newTestLink(), failingStore{})

		err := h.ctrl.Run(context.Background())
		assert.Equal(ErrPersistenceFailure, errors.Cause(err))
		assert.Equal(err, h.ctrl.Err())
	})
}

func TestCycleStateString(t *testing.T) {
	assert := require.New(t)

	assert.Equal("IDLE", Idle.String())
	assert.Equal("AWAITING_RX_DONE", AwaitingRXDone.String())
	assert.Equal("SHUTTING_DOWN", ShuttingDown.String())
}
