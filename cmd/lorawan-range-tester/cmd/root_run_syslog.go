//go:build !windows
// +build !windows

package cmd

import (
	"log/syslog"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	lsyslog "github.com/sirupsen/logrus/hooks/syslog"

	"github.com/brocaar/lorawan-range-tester/internal/config"
)

var syslogPriorities = map[log.Level]syslog.Priority{
	log.TraceLevel: syslog.LOG_DEBUG,
	log.DebugLevel: syslog.LOG_DEBUG,
	log.InfoLevel:  syslog.LOG_INFO,
	log.WarnLevel:  syslog.LOG_WARNING,
	log.ErrorLevel: syslog.LOG_ERR,
	log.FatalLevel: syslog.LOG_CRIT,
	log.PanicLevel: syslog.LOG_CRIT,
}

func setSyslog() error {
	if !config.C.General.LogToSyslog {
		return nil
	}

	prio := syslog.LOG_USER | syslogPriorities[log.GetLevel()]

	hook, err := lsyslog.NewSyslogHook("", "", prio, "lorawan-range-tester")
	if err != nil {
		return errors.Wrap(err, "get syslog hook error")
	}

	log.AddHook(hook)
	log.WithField("priority", prio).Debug("logging to syslog")

	return nil
}
