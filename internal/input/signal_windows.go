//go:build windows
// +build windows

package input

import (
	"os"

	log "github.com/sirupsen/logrus"
)

func controlSignals() []os.Signal {
	log.Warning("input: start and stop signals are not supported on Windows, use --start")
	return nil
}

func signalButtons(sig os.Signal) Buttons {
	return Buttons{}
}
