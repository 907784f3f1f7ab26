// Package codec implements the LoRaWAN 1.0 data-frame encoding and decoding
// for a device using an ABP session.
package codec

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"

	"github.com/brocaar/lorawan-range-tester/internal/session"
)

// uplinkFPort holds the FPort used for application payloads.
const uplinkFPort = 1

// Frame contains a decoded LoRaWAN data frame.
type Frame struct {
	MType   lorawan.MType
	DevAddr lorawan.DevAddr
	FCnt    uint32
	FCtrl   lorawan.FCtrl
	FPort   *uint8
	Payload []byte
}

// ACK returns true when the ACK bit is set in the frame-control.
func (f Frame) ACK() bool {
	return f.FCtrl.ACK
}

// Text returns the payload as display text.
func (f Frame) Text() string {
	return string(f.Payload)
}

// EncodeUplink encodes the given payload into an uplink PHYPayload. The
// FRMPayload is encrypted with the AppSKey and the MIC is calculated using
// the NwkSKey. When ack is set, the ACK bit of the frame-control is set.
func EncodeUplink(creds session.Credentials, fCnt uint32, mType lorawan.MType, payload []byte, ack bool) ([]byte, error) {
	if mType != lorawan.UnconfirmedDataUp && mType != lorawan.ConfirmedDataUp {
		return nil, fmt.Errorf("codec: expected uplink data mtype, got: %s", mType)
	}

	phy, err := newDataPHYPayload(creds, fCnt, mType, uplinkFPort, payload, ack)
	if err != nil {
		return nil, err
	}

	if err := phy.SetUplinkDataMIC(lorawan.LoRaWAN1_0, 0, 0, 0, creds.NwkSKey, creds.NwkSKey); err != nil {
		return nil, errors.Wrap(err, "set uplink mic error")
	}

	b, err := phy.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "marshal phypayload error")
	}
	return b, nil
}

// EncodeDownlink encodes the given payload into a downlink PHYPayload, the
// way a network-server would do this for the device session.
func EncodeDownlink(creds session.Credentials, fCnt uint32, mType lorawan.MType, fPort uint8, payload []byte, ack bool) ([]byte, error) {
	if mType != lorawan.UnconfirmedDataDown && mType != lorawan.ConfirmedDataDown {
		return nil, fmt.Errorf("codec: expected downlink data mtype, got: %s", mType)
	}

	phy, err := newDataPHYPayload(creds, fCnt, mType, fPort, payload, ack)
	if err != nil {
		return nil, err
	}

	if err := phy.SetDownlinkDataMIC(lorawan.LoRaWAN1_0, 0, creds.NwkSKey); err != nil {
		return nil, errors.Wrap(err, "set downlink mic error")
	}

	b, err := phy.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "marshal phypayload error")
	}
	return b, nil
}

// Decode decodes the given PHYPayload bytes. It validates the MIC and
// decrypts the FRMPayload. It returns ErrMalformedFrame when the bytes can
// not be decoded into a data frame and ErrIntegrityFailure on a MIC mismatch.
//
// Only the 16 LSB of the frame-counter are transmitted. The full 32 bit
// frame-counter used for the MIC and decryption is restored from the given
// expected frame-counter, see FullFCnt.
func Decode(b []byte, creds session.Credentials, expectedFCnt uint32) (Frame, error) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(b); err != nil {
		return Frame{}, errors.Wrap(ErrMalformedFrame, err.Error())
	}

	macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return Frame{}, errors.Wrap(ErrMalformedFrame, fmt.Sprintf("expected *lorawan.MACPayload, got: %T", phy.MACPayload))
	}

	if macPL.FHDR.DevAddr != creds.DevAddr {
		return Frame{}, errors.Wrap(ErrMalformedFrame, fmt.Sprintf("unexpected dev_addr: %s", macPL.FHDR.DevAddr))
	}

	macPL.FHDR.FCnt = FullFCnt(expectedFCnt, macPL.FHDR.FCnt)

	var micOK bool
	var err error

	switch phy.MHDR.MType {
	case lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
		micOK, err = phy.ValidateUplinkDataMIC(lorawan.LoRaWAN1_0, 0, 0, 0, creds.NwkSKey, creds.NwkSKey)
	case lorawan.UnconfirmedDataDown, lorawan.ConfirmedDataDown:
		micOK, err = phy.ValidateDownlinkDataMIC(lorawan.LoRaWAN1_0, 0, creds.NwkSKey)
	default:
		return Frame{}, errors.Wrap(ErrMalformedFrame, fmt.Sprintf("unexpected mtype: %s", phy.MHDR.MType))
	}
	if err != nil {
		return Frame{}, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	if !micOK {
		return Frame{}, ErrIntegrityFailure
	}

	if macPL.FPort != nil {
		key := creds.AppSKey
		if *macPL.FPort == 0 {
			key = creds.NwkSKey
		}

		if err := phy.DecryptFRMPayload(key); err != nil {
			return Frame{}, errors.Wrap(ErrMalformedFrame, err.Error())
		}
	}

	f := Frame{
		MType:   phy.MHDR.MType,
		DevAddr: macPL.FHDR.DevAddr,
		FCnt:    macPL.FHDR.FCnt,
		FCtrl:   macPL.FHDR.FCtrl,
		FPort:   macPL.FPort,
	}

	for _, pl := range macPL.FRMPayload {
		pb, err := pl.MarshalBinary()
		if err != nil {
			return Frame{}, errors.Wrap(ErrMalformedFrame, err.Error())
		}
		f.Payload = append(f.Payload, pb...)
	}

	return f, nil
}

// FullFCnt returns the full 32 bit frame-counter for the given received
// frame-counter, of which only the 16 LSB are used. The result is the first
// value greater than or equal to the expected frame-counter having the same
// 16 LSB.
func FullFCnt(expectedFCnt, fCnt uint32) uint32 {
	// compare the difference of the 16 LSB
	gap := uint32(uint16(fCnt) - uint16(expectedFCnt%65536))
	return expectedFCnt + gap
}

func newDataPHYPayload(creds session.Credentials, fCnt uint32, mType lorawan.MType, fPort uint8, payload []byte, ack bool) (lorawan.PHYPayload, error) {
	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: mType,
			Major: lorawan.LoRaWANR1,
		},
	}

	macPL := &lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: creds.DevAddr,
			FCtrl: lorawan.FCtrl{
				ACK: ack,
			},
			FCnt: fCnt,
		},
	}
	phy.MACPayload = macPL

	// an empty frame (e.g. an ack) does not carry a FPort
	if len(payload) == 0 {
		return phy, nil
	}

	data := make([]byte, len(payload))
	copy(data, payload)

	macPL.FPort = &fPort
	macPL.FRMPayload = []lorawan.Payload{
		&lorawan.DataPayload{Bytes: data},
	}

	key := creds.AppSKey
	if fPort == 0 {
		key = creds.NwkSKey
	}

	if err := phy.EncryptFRMPayload(key); err != nil {
		return phy, errors.Wrap(err, "encrypt frmpayload error")
	}

	return phy, nil
}
