// Package input provides the operator controls of the range tester.
package input

import "sync"

// Buttons holds the level of each operator control.
type Buttons struct {
	Start     bool
	Stop      bool
	Terminate bool
}

// Any returns true when at least one control is pressed.
func (b Buttons) Any() bool {
	return b.Start || b.Stop || b.Terminate
}

// Input defines the interface of an operator input.
type Input interface {
	// Sample returns the current level of the controls.
	Sample() Buttons
}

// EdgeDetector turns sampled levels into presses. A control that is held
// down over multiple samples results in a single press.
type EdgeDetector struct {
	last Buttons
}

// Pressed returns the controls that went from released to pressed since
// the previous sample.
func (e *EdgeDetector) Pressed(b Buttons) Buttons {
	out := Buttons{
		Start:     b.Start && !e.last.Start,
		Stop:      b.Stop && !e.last.Stop,
		Terminate: b.Terminate && !e.last.Terminate,
	}
	e.last = b
	return out
}

// Static is an input of which the levels are set by the caller.
type Static struct {
	sync.Mutex
	buttons Buttons
}

// Set sets the levels returned by Sample.
func (s *Static) Set(b Buttons) {
	s.Lock()
	defer s.Unlock()
	s.buttons = b
}

// Sample implements Input.
func (s *Static) Sample() Buttons {
	s.Lock()
	defer s.Unlock()
	return s.buttons
}
