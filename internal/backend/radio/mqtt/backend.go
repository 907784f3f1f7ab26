// Package mqtt implements a radio.Link which drives a radio bridge over MQTT.
// The bridge exchanges the ChirpStack gateway messages, it transmits
// DownlinkFrame commands and reports UplinkFrame and DownlinkTXAck events.
package mqtt

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"strings"
	"sync"
	"text/template"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/gofrs/uuid"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-api/go/v3/common"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/lorawan"

	"github.com/brocaar/lorawan-range-tester/internal/backend/radio/marshaler"
	"github.com/brocaar/lorawan-range-tester/internal/config"
	"github.com/brocaar/lorawan-range-tester/internal/logging"
	"github.com/brocaar/lorawan-range-tester/internal/radio"
)

const defaultCodeRate = "4/5"

// Command types.
const (
	commandConfig = "config"
	commandDown   = "down"
	commandSleep  = "sleep"
)

// Event types.
const (
	eventUp    = "up"
	eventTXAck = "txack"
)

// Backend implements a MQTT radio bridge backend.
type Backend struct {
	sync.RWMutex

	wg sync.WaitGroup

	// closeMu guards the event channel against sends after Close.
	closeMu sync.RWMutex
	closed  bool
	done    chan struct{}

	conn            paho.Client
	qos             uint8
	radioID         lorawan.EUI64
	eventTopic      string
	commandTemplate *template.Template
	marshaler       marshaler.Type

	events chan radio.Event

	config    radio.Config
	receiving bool
	txToken   uint32
}

// NewBackend creates a new Backend and connects to the MQTT broker.
func NewBackend(c config.Config) (*Backend, error) {
	conf := c.Radio.MQTT

	b, err := newBackend(nil, c)
	if err != nil {
		return nil, err
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(conf.Server)
	opts.SetUsername(conf.Username)
	opts.SetPassword(conf.Password)
	opts.SetCleanSession(conf.CleanSession)
	opts.SetClientID(conf.ClientID)
	opts.SetOnConnectHandler(b.onConnected)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	if conf.MaxReconnectInterval != 0 {
		opts.SetMaxReconnectInterval(conf.MaxReconnectInterval)
	}

	tlsconfig, err := newTLSConfig(conf.CACert, conf.TLSCert, conf.TLSKey)
	if err != nil {
		return nil, errors.Wrap(err, "load tls configuration error")
	}
	if tlsconfig != nil {
		opts.SetTLSConfig(tlsconfig)
	}

	log.WithField("server", conf.Server).Info("radio/mqtt: connecting to mqtt broker")
	b.conn = paho.NewClient(opts)
	for {
		if token := b.conn.Connect(); token.Wait() && token.Error() != nil {
			log.Errorf("radio/mqtt: connecting to mqtt broker failed, will retry in 2s: %s", token.Error())
			time.Sleep(2 * time.Second)
		} else {
			break
		}
	}

	return b, nil
}

func newBackend(conn paho.Client, c config.Config) (*Backend, error) {
	conf := c.Radio.MQTT

	b := Backend{
		conn:   conn,
		qos:    conf.QOS,
		events: make(chan radio.Event, 10),
		done:   make(chan struct{}),
	}

	if err := b.radioID.UnmarshalText([]byte(conf.RadioID)); err != nil {
		return nil, errors.Wrap(err, "decode radio_id error")
	}

	var err error
	b.marshaler, err = marshaler.ParseType(conf.Marshaler)
	if err != nil {
		return nil, err
	}

	b.commandTemplate, err = template.New("command").Parse(conf.CommandTopicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "parse command topic template error")
	}

	eventTemplate, err := template.New("event").Parse(conf.EventTopicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "parse event topic template error")
	}
	topic := bytes.NewBuffer(nil)
	if err := eventTemplate.Execute(topic, struct{ RadioID lorawan.EUI64 }{b.radioID}); err != nil {
		return nil, errors.Wrap(err, "execute event topic template error")
	}
	b.eventTopic = topic.String()

	return &b, nil
}

// Configure applies the given radio configuration. A receive configuration
// is forwarded to the bridge as channel configuration. A transmit
// configuration is used for the next downlink frame.
func (b *Backend) Configure(ctx context.Context, c radio.Config) error {
	b.Lock()
	b.config = c
	b.receiving = false
	b.Unlock()

	log.WithFields(log.Fields{
		"mode":        c.Mode,
		"frequency":   c.Frequency,
		"bw":          c.Bandwidth,
		"sf":          c.SpreadingFactor,
		"sync_word":   c.SyncWord,
		"crc":         c.CRC,
		"iq_inverted": c.IQInverted,
		"ctx_id":      ctx.Value(logging.ContextIDKey),
	}).Debug("radio/mqtt: configuring radio")

	if c.Mode != radio.Receiving {
		return nil
	}

	version, err := uuid.NewV4()
	if err != nil {
		return errors.Wrap(err, "new uuid error")
	}

	gwConf := gw.GatewayConfiguration{
		GatewayId: b.radioID[:],
		Version:   version.String(),
		Channels: []*gw.ChannelConfiguration{
			{
				Frequency:  c.Frequency,
				Modulation: common.Modulation_LORA,
				ModulationConfig: &gw.ChannelConfiguration_LoraModulationConfig{
					LoraModulationConfig: &gw.LoRaModulationConfig{
						Bandwidth:        uint32(c.Bandwidth),
						SpreadingFactors: []uint32{uint32(c.SpreadingFactor)},
					},
				},
			},
		},
	}

	return b.publishCommand(ctx, commandConfig, &gwConf)
}

// Transmit sends the given PHYPayload as downlink frame to the bridge, using
// the last applied transmit configuration.
func (b *Backend) Transmit(ctx context.Context, phy []byte) error {
	b.RLock()
	c := b.config
	b.RUnlock()

	if c.Mode != radio.Transmitting {
		return errors.Wrap(radio.ErrIO, "radio is not configured for transmission")
	}

	downID, err := uuid.NewV4()
	if err != nil {
		return errors.Wrap(err, "new uuid error")
	}
	token := binary.BigEndian.Uint16(downID[0:2])

	df := gw.DownlinkFrame{
		Token:      uint32(token),
		DownlinkId: downID[:],
		GatewayId:  b.radioID[:],
		Items: []*gw.DownlinkFrameItem{
			{
				PhyPayload: phy,
				TxInfo:     newDownlinkTXInfo(b.radioID, c),
			},
		},
	}

	b.Lock()
	b.txToken = df.Token
	b.receiving = false
	b.Unlock()

	return b.publishCommand(ctx, commandDown, &df)
}

// BeginReceive starts forwarding the uplink frames received by the bridge.
func (b *Backend) BeginReceive(ctx context.Context) error {
	b.Lock()
	defer b.Unlock()

	if b.config.Mode != radio.Receiving {
		return errors.Wrap(radio.ErrIO, "radio is not configured for reception")
	}
	b.receiving = true

	return nil
}

// Sleep stops the reception of uplink frames by the bridge.
func (b *Backend) Sleep(ctx context.Context) error {
	b.Lock()
	b.receiving = false
	b.config.Mode = radio.Sleep
	b.Unlock()

	return b.publishCommand(ctx, commandSleep, &gw.GatewayConfiguration{
		GatewayId: b.radioID[:],
	})
}

// Events returns the radio event channel.
func (b *Backend) Events() <-chan radio.Event {
	return b.events
}

// Close unsubscribes from the event topic and closes the event channel
// once the pending events have been handled.
func (b *Backend) Close() error {
	log.Info("radio/mqtt: closing backend")

	log.WithField("topic", b.eventTopic).Info("radio/mqtt: unsubscribing from event topic")
	if token := b.conn.Unsubscribe(b.eventTopic); token.Wait() && token.Error() != nil {
		return fmt.Errorf("radio/mqtt: unsubscribe from %s error: %s", b.eventTopic, token.Error())
	}

	// pending events are dropped when nobody reads them anymore
	close(b.done)

	log.Info("radio/mqtt: handling last events")
	b.wg.Wait()

	b.closeMu.Lock()
	b.closed = true
	close(b.events)
	b.closeMu.Unlock()

	b.conn.Disconnect(250)
	return nil
}

func (b *Backend) publishCommand(ctx context.Context, command string, msg proto.Message) error {
	bb, err := marshaler.MarshalCommand(b.marshaler, msg)
	if err != nil {
		return errors.Wrap(err, "marshal command error")
	}

	topic := bytes.NewBuffer(nil)
	if err := b.commandTemplate.Execute(topic, struct {
		RadioID     lorawan.EUI64
		CommandType string
	}{b.radioID, command}); err != nil {
		return errors.Wrap(err, "execute command topic template error")
	}

	log.WithFields(log.Fields{
		"radio_id": b.radioID,
		"command":  command,
		"topic":    topic.String(),
		"qos":      b.qos,
		"ctx_id":   ctx.Value(logging.ContextIDKey),
	}).Debug("radio/mqtt: publishing command")

	mqttCommandCounter(command).Inc()

	if token := b.conn.Publish(topic.String(), b.qos, false, bb); token.Wait() && token.Error() != nil {
		return errors.Wrap(radio.ErrIO, fmt.Sprintf("publish %s command error: %s", command, token.Error()))
	}

	return nil
}

func (b *Backend) eventHandler(c paho.Client, msg paho.Message) {
	b.wg.Add(1)
	defer b.wg.Done()

	switch {
	case strings.HasSuffix(msg.Topic(), "/"+eventUp):
		mqttEventCounter(eventUp).Inc()
		b.uplinkFrameHandler(msg)
	case strings.HasSuffix(msg.Topic(), "/"+eventTXAck):
		mqttEventCounter(eventTXAck).Inc()
		b.downlinkTXAckHandler(msg)
	default:
		log.WithFields(log.Fields{
			"topic": msg.Topic(),
		}).Warning("radio/mqtt: unknown event type")
	}
}

func (b *Backend) uplinkFrameHandler(msg paho.Message) {
	var uplinkFrame gw.UplinkFrame
	if _, err := marshaler.UnmarshalEvent(msg.Payload(), &uplinkFrame); err != nil {
		log.WithFields(log.Fields{
			"data_base64": base64.StdEncoding.EncodeToString(msg.Payload()),
		}).WithError(err).Error("radio/mqtt: unmarshal uplink frame error")
		return
	}

	if uplinkFrame.TxInfo == nil || uplinkFrame.RxInfo == nil {
		log.WithFields(log.Fields{
			"data_base64": base64.StdEncoding.EncodeToString(msg.Payload()),
		}).Error("radio/mqtt: tx_info and rx_info must not be nil")
		return
	}

	b.RLock()
	receiving := b.receiving
	frequency := b.config.Frequency
	b.RUnlock()

	if !receiving {
		log.Debug("radio/mqtt: radio is not receiving, ignoring uplink frame")
		return
	}

	if uplinkFrame.TxInfo.Frequency != frequency {
		log.WithFields(log.Fields{
			"frequency":          uplinkFrame.TxInfo.Frequency,
			"expected_frequency": frequency,
		}).Debug("radio/mqtt: ignoring uplink frame on other frequency")
		return
	}

	log.WithFields(log.Fields{
		"rssi": uplinkFrame.RxInfo.Rssi,
		"snr":  uplinkFrame.RxInfo.LoraSnr,
	}).Info("radio/mqtt: uplink frame received")

	b.emit(radio.Event{
		Type:       radio.RXDone,
		PHYPayload: uplinkFrame.PhyPayload,
		RXInfo: &radio.RXInfo{
			SNR:        uplinkFrame.RxInfo.LoraSnr,
			PacketRSSI: int(uplinkFrame.RxInfo.Rssi),
			RSSI:       int(uplinkFrame.RxInfo.Rssi),
		},
	})
}

func (b *Backend) downlinkTXAckHandler(msg paho.Message) {
	var ack gw.DownlinkTXAck
	if _, err := marshaler.UnmarshalEvent(msg.Payload(), &ack); err != nil {
		log.WithFields(log.Fields{
			"data_base64": base64.StdEncoding.EncodeToString(msg.Payload()),
		}).WithError(err).Error("radio/mqtt: unmarshal downlink tx ack error")
		return
	}

	b.RLock()
	txToken := b.txToken
	b.RUnlock()

	if ack.Token != txToken {
		log.WithFields(log.Fields{
			"token":          ack.Token,
			"expected_token": txToken,
		}).Warning("radio/mqtt: ignoring downlink tx ack for unknown token")
		return
	}

	ev := radio.Event{
		Type: radio.TXDone,
	}

	if ack.Error != "" {
		ev.Err = errors.Wrap(radio.ErrIO, ack.Error)
	}
	for _, item := range ack.Items {
		if item.Status != gw.TxAckStatus_OK {
			ev.Err = errors.Wrap(radio.ErrIO, item.Status.String())
		}
	}

	log.WithFields(log.Fields{
		"token": ack.Token,
		"error": ev.Err,
	}).Info("radio/mqtt: downlink tx acknowledgement received")

	b.emit(ev)
}

// emit must only be called from within an event handler, Close waits for
// these before closing the channel. Once the backend is closing, events
// are dropped.
func (b *Backend) emit(ev radio.Event) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()

	if b.closed {
		log.WithField("event", ev.Type).Warning("radio/mqtt: backend closed, event dropped")
		return
	}

	select {
	case b.events <- ev:
	case <-b.done:
		log.WithField("event", ev.Type).Warning("radio/mqtt: backend closing, event dropped")
	}
}

func (b *Backend) onConnected(c paho.Client) {
	mqttConnectCounter().Inc()
	log.Info("radio/mqtt: connected to mqtt broker")

	for {
		log.WithFields(log.Fields{
			"topic": b.eventTopic,
			"qos":   b.qos,
		}).Info("radio/mqtt: subscribing to event topic")
		if token := c.Subscribe(b.eventTopic, b.qos, b.eventHandler); token.Wait() && token.Error() != nil {
			log.WithFields(log.Fields{
				"topic": b.eventTopic,
				"qos":   b.qos,
			}).Errorf("radio/mqtt: subscribe error: %s", token.Error())
			time.Sleep(time.Second)
			continue
		}
		break
	}
}

func (b *Backend) onConnectionLost(c paho.Client, reason error) {
	mqttDisconnectCounter().Inc()
	log.Errorf("radio/mqtt: mqtt connection error: %s", reason)
}

func newDownlinkTXInfo(radioID lorawan.EUI64, c radio.Config) *gw.DownlinkTXInfo {
	return &gw.DownlinkTXInfo{
		GatewayId:  radioID[:],
		Frequency:  c.Frequency,
		Power:      int32(c.Power.DBm()),
		Modulation: common.Modulation_LORA,
		ModulationInfo: &gw.DownlinkTXInfo_LoraModulationInfo{
			LoraModulationInfo: &gw.LoRaModulationInfo{
				Bandwidth:             uint32(c.Bandwidth),
				SpreadingFactor:       uint32(c.SpreadingFactor),
				CodeRate:              defaultCodeRate,
				PolarizationInversion: c.IQInverted,
			},
		},
		Timing: gw.DownlinkTiming_IMMEDIATELY,
		TimingInfo: &gw.DownlinkTXInfo_ImmediatelyTimingInfo{
			ImmediatelyTimingInfo: &gw.ImmediatelyTimingInfo{},
		},
	}
}

func newTLSConfig(cafile, certFile, certKeyFile string) (*tls.Config, error) {
	if cafile == "" && certFile == "" && certKeyFile == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{}

	// Import trusted certificates from CAfile.pem.
	if cafile != "" {
		cacert, err := ioutil.ReadFile(cafile)
		if err != nil {
			log.WithError(err).Error("radio/mqtt: could not load ca certificate")
			return nil, err
		}
		certpool := x509.NewCertPool()
		certpool.AppendCertsFromPEM(cacert)

		tlsConfig.RootCAs = certpool
	}

	// Import certificate and the key
	if certFile != "" && certKeyFile != "" {
		kp, err := tls.LoadX509KeyPair(certFile, certKeyFile)
		if err != nil {
			log.WithError(err).Error("radio/mqtt: could not load mqtt tls key-pair")
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{kp}
	}

	return tlsConfig, nil
}
