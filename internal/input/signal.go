package input

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// SignalInput maps process signals onto the operator controls. Each
// received signal results in one press: the control reads as pressed by
// the next Sample and as released by the one after.
type SignalInput struct {
	sync.Mutex

	wg      sync.WaitGroup
	sigChan chan os.Signal
	pending Buttons
}

// NewSignalInput creates a SignalInput and starts listening for signals.
func NewSignalInput() *SignalInput {
	s := SignalInput{
		sigChan: make(chan os.Signal, 4),
	}

	signals := append([]os.Signal{os.Interrupt, syscall.SIGTERM}, controlSignals()...)
	signal.Notify(s.sigChan, signals...)

	s.wg.Add(1)
	go s.loop()

	return &s
}

// Sample implements Input.
func (s *SignalInput) Sample() Buttons {
	s.Lock()
	defer s.Unlock()

	out := s.pending
	s.pending = Buttons{}
	return out
}

// Close stops listening for signals.
func (s *SignalInput) Close() error {
	signal.Stop(s.sigChan)
	close(s.sigChan)
	s.wg.Wait()
	return nil
}

func (s *SignalInput) loop() {
	defer s.wg.Done()

	for sig := range s.sigChan {
		s.handle(sig)
	}
}

func (s *SignalInput) handle(sig os.Signal) {
	s.Lock()
	defer s.Unlock()

	switch sig {
	case os.Interrupt, syscall.SIGTERM:
		s.pending.Terminate = true
	default:
		b := signalButtons(sig)
		s.pending.Start = s.pending.Start || b.Start
		s.pending.Stop = s.pending.Stop || b.Stop
	}

	log.WithField("signal", sig).Info("input: signal received")
}
