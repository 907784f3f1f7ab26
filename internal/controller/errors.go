package controller

import "github.com/pkg/errors"

// ErrAbort is used to abort the flow without error
var ErrAbort = errors.New("nothing to do")

// controller errors
var (
	ErrPersistenceFailure = errors.New("frame-counter persistence failure")
	ErrPhaseTimeout       = errors.New("phase timeout")
)
