// Package test contains helpers shared by the package tests.
package test

import (
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan/band"

	"github.com/brocaar/lorawan-range-tester/internal/config"
)

func init() {
	log.SetLevel(log.ErrorLevel)
}

// GetConfig returns the test configuration.
// Redis, PostgreSQL and MQTT are only configured when the TEST_REDIS_URL,
// TEST_POSTGRES_DSN and TEST_MQTT_SERVER environment variables are set.
func GetConfig() config.Config {
	log.SetLevel(log.FatalLevel)

	var c config.Config
	c.General.TickInterval = 100 * time.Millisecond
	c.General.PingInterval = 5 * time.Second
	c.General.PhaseTimeout = 10 * time.Second
	c.General.Message = "ping"

	c.Session.DevAddr = "26011bda"
	c.Session.NwkSKey = "2b7e151628aed2a6abf7158809cf4f3c"
	c.Session.AppSKey = "1628ae2b7e15d2a6abf7cf4f3c158809"

	c.FrameCounter.Type = "file"
	c.FrameCounter.Path = "frame.txt"

	c.Band.Name = band.US915
	c.Band.UplinkChannel = 8
	c.Band.UplinkDR = 3

	c.Radio.Type = "simulator"
	c.Radio.Simulator.Downlink = "ack"
	c.Radio.Simulator.RSSI = -80
	c.Radio.Simulator.SNR = 7.5

	c.Radio.MQTT.RadioID = "0102030405060708"
	c.Radio.MQTT.EventTopicTemplate = "radio/{{ .RadioID }}/event/+"
	c.Radio.MQTT.CommandTopicTemplate = "radio/{{ .RadioID }}/command/{{ .CommandType }}"
	c.Radio.MQTT.Marshaler = "json"
	c.Radio.MQTT.CleanSession = true
	if v := os.Getenv("TEST_MQTT_SERVER"); v != "" {
		c.Radio.MQTT.Server = v
	}
	if v := os.Getenv("TEST_MQTT_USERNAME"); v != "" {
		c.Radio.MQTT.Username = v
	}
	if v := os.Getenv("TEST_MQTT_PASSWORD"); v != "" {
		c.Radio.MQTT.Password = v
	}

	c.Redis.PoolSize = 10
	if v := os.Getenv("TEST_REDIS_URL"); v != "" {
		if strings.HasPrefix(v, "redis://") {
			opt, err := redis.ParseURL(v)
			if err != nil {
				panic(err)
			}
			c.Redis.Servers = []string{opt.Addr}
			c.Redis.Database = opt.DB
			c.Redis.Password = opt.Password
		} else {
			c.Redis.Servers = []string{v}
		}
	}

	c.PostgreSQL.MaxOpenConnections = 5
	c.PostgreSQL.MaxIdleConnections = 2
	if v := os.Getenv("TEST_POSTGRES_DSN"); v != "" {
		c.PostgreSQL.DSN = v
	}

	return c
}
