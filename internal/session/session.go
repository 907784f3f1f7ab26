package session

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan"

	"github.com/brocaar/lorawan-range-tester/internal/config"
)

// Credentials contains the ABP identity of the device. It is constructed
// once at startup and never modified afterwards.
type Credentials struct {
	DevAddr lorawan.DevAddr
	NwkSKey lorawan.AES128Key
	AppSKey lorawan.AES128Key
}

// NewCredentials parses the given HEX encoded device address and session keys.
func NewCredentials(devAddr, nwkSKey, appSKey string) (Credentials, error) {
	var c Credentials

	if err := c.DevAddr.UnmarshalText([]byte(devAddr)); err != nil {
		return c, errors.Wrap(ErrInvalidDevAddr, err.Error())
	}
	if err := c.NwkSKey.UnmarshalText([]byte(nwkSKey)); err != nil {
		return c, errors.Wrap(ErrInvalidKey, "nwk_s_key: "+err.Error())
	}
	if err := c.AppSKey.UnmarshalText([]byte(appSKey)); err != nil {
		return c, errors.Wrap(ErrInvalidKey, "app_s_key: "+err.Error())
	}

	return c, nil
}

// Setup returns the credentials from the given configuration.
func Setup(c config.Config) (Credentials, error) {
	creds, err := NewCredentials(c.Session.DevAddr, c.Session.NwkSKey, c.Session.AppSKey)
	if err != nil {
		return creds, errors.Wrap(err, "session: parse credentials error")
	}

	log.WithFields(log.Fields{
		"dev_addr": creds.DevAddr,
		"nwk_id":   creds.DevAddr.NwkID(),
	}).Info("session: abp session credentials loaded")

	return creds, nil
}
