// Package radio defines the boundary between the session controller and the
// half-duplex LoRa transceiver.
package radio

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ErrIO is returned (wrapped) when the transceiver driver reports a failure.
var ErrIO = errors.New("radio io error")

// Phase defines the operating mode of the transceiver.
type Phase int

// Available phases.
const (
	Sleep Phase = iota
	Standby
	Transmitting
	Receiving
)

func (p Phase) String() string {
	switch p {
	case Sleep:
		return "SLEEP"
	case Standby:
		return "STANDBY"
	case Transmitting:
		return "TX"
	case Receiving:
		return "RX"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// PowerConfig defines the power-amplifier settings.
type PowerConfig struct {
	// PASelect selects the PA_BOOST output pin.
	PASelect    bool
	MaxPower    uint8
	OutputPower uint8
}

// DBm returns the output power in dBm for the SX127x power-amplifier.
func (p PowerConfig) DBm() float64 {
	if p.PASelect {
		return 17 - (15 - float64(p.OutputPower))
	}

	maxPower := 10.8 + 0.6*float64(p.MaxPower)
	return maxPower - (15 - float64(p.OutputPower))
}

// Config defines the transceiver configuration for a phase.
type Config struct {
	Mode            Phase
	Frequency       uint32
	Bandwidth       int // kHz
	SpreadingFactor int
	SyncWord        uint8
	CRC             bool
	IQInverted      bool
	Power           PowerConfig
}

// EventType defines the radio event type.
type EventType int

// Available event types.
const (
	TXDone EventType = iota
	RXDone
)

func (t EventType) String() string {
	switch t {
	case TXDone:
		return "TX_DONE"
	case RXDone:
		return "RX_DONE"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// RXInfo contains the signal metadata of a received frame.
type RXInfo struct {
	SNR        float64
	PacketRSSI int
	RSSI       int
}

// Event is emitted by the Link on the completion of a transmission or
// reception. When Err is set, the operation failed.
type Event struct {
	Type       EventType
	PHYPayload []byte
	RXInfo     *RXInfo
	Err        error
}

// Link defines the interface of a half-duplex radio.
// Transmit and BeginReceive return once the operation has been started, the
// completion is signalled through the Events channel.
type Link interface {
	// Configure applies the given configuration.
	Configure(ctx context.Context, c Config) error

	// Transmit starts the transmission of the given PHYPayload.
	Transmit(ctx context.Context, b []byte) error

	// BeginReceive puts the radio in continuous receive mode.
	BeginReceive(ctx context.Context) error

	// Sleep puts the radio in sleep mode.
	Sleep(ctx context.Context) error

	// Events returns the channel on which TX-done and RX-done events
	// are emitted.
	Events() <-chan Event

	// Close closes the link.
	Close() error
}

var link Link

// Get returns the configured radio link.
func Get() Link {
	return link
}

// SetLink sets the radio link.
func SetLink(l Link) {
	link = l
}
