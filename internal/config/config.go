package config

import (
	"time"

	"github.com/brocaar/lorawan/band"
)

// Version defines the LoRaWAN Range Tester version.
var Version string

// Config defines the configuration structure.
type Config struct {
	General struct {
		LogLevel     int           `mapstructure:"log_level"`
		LogToSyslog  bool          `mapstructure:"log_to_syslog"`
		TickInterval time.Duration `mapstructure:"tick_interval"`
		PingInterval time.Duration `mapstructure:"ping_interval"`
		PhaseTimeout time.Duration `mapstructure:"phase_timeout"`
		StartRunning bool          `mapstructure:"start_running"`
		Message      string        `mapstructure:"message"`
	} `mapstructure:"general"`

	Session struct {
		DevAddr string `mapstructure:"dev_addr"`
		NwkSKey string `mapstructure:"nwk_s_key"`
		AppSKey string `mapstructure:"app_s_key"`
	} `mapstructure:"session"`

	FrameCounter struct {
		Type string `mapstructure:"type"`
		Path string `mapstructure:"path"`
	} `mapstructure:"frame_counter"`

	Redis struct {
		URL        string   `mapstructure:"url"` // deprecated
		Servers    []string `mapstructure:"servers"`
		Cluster    bool     `mapstructure:"cluster"`
		MasterName string   `mapstructure:"master_name"`
		PoolSize   int      `mapstructure:"pool_size"`
		Password   string   `mapstructure:"password"`
		Database   int      `mapstructure:"database"`
		TLSEnabled bool     `mapstructure:"tls_enabled"`
	} `mapstructure:"redis"`

	PostgreSQL struct {
		DSN                string `mapstructure:"dsn"`
		Automigrate        bool   `mapstructure:"automigrate"`
		MaxOpenConnections int    `mapstructure:"max_open_connections"`
		MaxIdleConnections int    `mapstructure:"max_idle_connections"`
	} `mapstructure:"postgresql"`

	Band struct {
		Name            band.Name `mapstructure:"name"`
		UplinkChannel   int       `mapstructure:"uplink_channel"`
		UplinkDR        int       `mapstructure:"uplink_dr"`
		RX1DROffset     int       `mapstructure:"rx1_dr_offset"`
		UplinkFrequency uint32    `mapstructure:"uplink_frequency"`
		RXFrequency     uint32    `mapstructure:"rx_frequency"`
		TXPower         int       `mapstructure:"tx_power"`
	} `mapstructure:"band"`

	Radio struct {
		Type string `mapstructure:"type"`

		MQTT struct {
			Server               string        `mapstructure:"server"`
			Username             string        `mapstructure:"username"`
			Password             string        `mapstructure:"password"`
			QOS                  uint8         `mapstructure:"qos"`
			CleanSession         bool          `mapstructure:"clean_session"`
			ClientID             string        `mapstructure:"client_id"`
			CACert               string        `mapstructure:"ca_cert"`
			TLSCert              string        `mapstructure:"tls_cert"`
			TLSKey               string        `mapstructure:"tls_key"`
			RadioID              string        `mapstructure:"radio_id"`
			EventTopicTemplate   string        `mapstructure:"event_topic_template"`
			CommandTopicTemplate string        `mapstructure:"command_topic_template"`
			Marshaler            string        `mapstructure:"marshaler"`
			MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval"`
		} `mapstructure:"mqtt"`

		Simulator struct {
			Downlink       string        `mapstructure:"downlink"`
			ConfirmedEvery int           `mapstructure:"confirmed_every"`
			TXDelay        time.Duration `mapstructure:"tx_delay"`
			RXDelay        time.Duration `mapstructure:"rx_delay"`
			RSSI           int           `mapstructure:"rssi"`
			SNR            float64       `mapstructure:"snr"`
		} `mapstructure:"simulator"`
	} `mapstructure:"radio"`

	Monitoring struct {
		Bind                string `mapstructure:"bind"`
		PrometheusEndpoint  bool   `mapstructure:"prometheus_endpoint"`
		HealthcheckEndpoint bool   `mapstructure:"healthcheck_endpoint"`
	} `mapstructure:"monitoring"`
}

// C holds the global configuration.
var C Config

// SpreadFactorToRequiredSNRTable contains the required SNR to demodulate a
// LoRa frame for the given spreadfactor.
// These values are taken from the SX1276 datasheet.
var SpreadFactorToRequiredSNRTable = map[int]float64{
	6:  -5,
	7:  -7.5,
	8:  -10,
	9:  -12.5,
	10: -15,
	11: -17.5,
	12: -20,
}
