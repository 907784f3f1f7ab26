//go:build !windows
// +build !windows

package input

import (
	"os"
	"syscall"
)

func controlSignals() []os.Signal {
	return []os.Signal{syscall.SIGUSR1, syscall.SIGUSR2}
}

func signalButtons(sig os.Signal) Buttons {
	switch sig {
	case syscall.SIGUSR1:
		return Buttons{Start: true}
	case syscall.SIGUSR2:
		return Buttons{Stop: true}
	}
	return Buttons{}
}
