// Package band derives the transmit and receive radio profiles from the
// configured LoRaWAN regional band.
package band

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"

	"github.com/brocaar/lorawan-range-tester/internal/config"
	"github.com/brocaar/lorawan-range-tester/internal/radio"
)

// LoRaWAN public network sync-word.
const syncWord = 0x34

// Default power-amplifier settings.
const (
	maxPower    = 0x0f
	outputPower = 0x0e
)

// Profiles contains the radio configuration for each phase of a cycle.
type Profiles struct {
	TX radio.Config
	RX radio.Config

	// UplinkDR and RX1DR hold the data-rate indices of the band.
	UplinkDR int
	RX1DR    int
}

var (
	band     loraband.Band
	profiles Profiles
)

// Setup sets up the band and the radio profiles with the given configuration.
func Setup(c config.Config) error {
	b, err := loraband.GetConfig(c.Band.Name, false, lorawan.DwellTimeNoLimit)
	if err != nil {
		return errors.Wrap(err, "get band config error")
	}

	p, err := NewProfiles(b, c)
	if err != nil {
		return err
	}

	band = b
	profiles = p

	log.WithFields(log.Fields{
		"band":          c.Band.Name,
		"tx_frequency":  p.TX.Frequency,
		"tx_sf":         p.TX.SpreadingFactor,
		"tx_bw":         p.TX.Bandwidth,
		"rx_frequency":  p.RX.Frequency,
		"rx_sf":         p.RX.SpreadingFactor,
		"rx_bw":         p.RX.Bandwidth,
		"uplink_dr":     p.UplinkDR,
		"rx1_dr":        p.RX1DR,
		"rx1_dr_offset": c.Band.RX1DROffset,
	}).Info("band: radio profiles configured")

	return nil
}

// Band returns the configured band.
func Band() loraband.Band {
	return band
}

// Get returns the configured radio profiles.
func Get() Profiles {
	return profiles
}

// NewProfiles returns the TX and RX profiles for the given band and
// configuration. The uplink frequency is taken from the configured uplink
// channel and the receive window parameters are those of RX1, unless a
// frequency is explicitly configured.
func NewProfiles(b loraband.Band, c config.Config) (Profiles, error) {
	var p Profiles

	txFreq := c.Band.UplinkFrequency
	if txFreq == 0 {
		ch, err := b.GetUplinkChannel(c.Band.UplinkChannel)
		if err != nil {
			return p, errors.Wrap(err, "get uplink channel error")
		}
		txFreq = uint32(ch.Frequency)
	}

	rxFreq := c.Band.RXFrequency
	if rxFreq == 0 {
		f, err := b.GetRX1FrequencyForUplinkFrequency(txFreq)
		if err != nil {
			return p, errors.Wrap(err, "get rx1 frequency error")
		}
		rxFreq = f
	}

	rx1DR, err := b.GetRX1DataRateIndex(c.Band.UplinkDR, c.Band.RX1DROffset)
	if err != nil {
		return p, errors.Wrap(err, "get rx1 data-rate index error")
	}

	txDR, err := getLoRaDataRate(b, c.Band.UplinkDR)
	if err != nil {
		return p, err
	}

	rxDR, err := getLoRaDataRate(b, rx1DR)
	if err != nil {
		return p, err
	}

	p.UplinkDR = c.Band.UplinkDR
	p.RX1DR = rx1DR

	p.TX = radio.Config{
		Mode:            radio.Transmitting,
		Frequency:       txFreq,
		Bandwidth:       txDR.Bandwidth,
		SpreadingFactor: txDR.SpreadFactor,
		SyncWord:        syncWord,
		CRC:             true,
		IQInverted:      false,
		Power: radio.PowerConfig{
			PASelect:    true,
			MaxPower:    maxPower,
			OutputPower: outputPower,
		},
	}

	// tx_power overrides the output power (dBm above the 2 dBm PA_BOOST minimum)
	if c.Band.TXPower > 0 {
		if c.Band.TXPower < 2 || c.Band.TXPower > 17 {
			return p, fmt.Errorf("tx_power must be between 2 and 17 dBm, got: %d", c.Band.TXPower)
		}
		p.TX.Power.OutputPower = uint8(c.Band.TXPower - 2)
	}

	p.RX = radio.Config{
		Mode:            radio.Receiving,
		Frequency:       rxFreq,
		Bandwidth:       rxDR.Bandwidth,
		SpreadingFactor: rxDR.SpreadFactor,
		SyncWord:        syncWord,
		CRC:             false,
		IQInverted:      true,
		Power: radio.PowerConfig{
			PASelect: true,
		},
	}

	return p, nil
}

func getLoRaDataRate(b loraband.Band, dr int) (loraband.DataRate, error) {
	dataRate, err := b.GetDataRate(dr)
	if err != nil {
		return dataRate, errors.Wrap(err, "get data-rate error")
	}

	if dataRate.Modulation != loraband.LoRaModulation {
		return dataRate, fmt.Errorf("data-rate %d does not use LoRa modulation: %s", dr, dataRate.Modulation)
	}

	return dataRate, nil
}
