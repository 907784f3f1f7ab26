package cmd

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"reflect"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/brocaar/lorawan-range-tester/internal/config"
)

var (
	cfgFile string
	version string
)

var rootCmd = &cobra.Command{
	Use:   "lorawan-range-tester",
	Short: "LoRaWAN Range Tester",
	Long: `LoRaWAN Range Tester pings a LoRaWAN network-server using an ABP device session
and reports the received acknowledgements and link quality`,
	RunE: run,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to configuration file (optional)")
	rootCmd.PersistentFlags().Int("log-level", 4, "debug=5, info=4, error=2, fatal=1, panic=0")
	rootCmd.Flags().Bool("start", false, "start the test immediately")

	viper.BindPFlag("general.log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("general.start_running", rootCmd.Flags().Lookup("start"))

	// default values
	viper.SetDefault("general.tick_interval", 100*time.Millisecond)
	viper.SetDefault("general.ping_interval", 5*time.Second)
	viper.SetDefault("general.phase_timeout", 10*time.Second)
	viper.SetDefault("general.message", "ping")

	viper.SetDefault("frame_counter.type", "file")
	viper.SetDefault("frame_counter.path", "frame.txt")

	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("postgresql.automigrate", true)
	viper.SetDefault("postgresql.max_idle_connections", 2)

	viper.SetDefault("band.name", "US915")
	viper.SetDefault("band.uplink_channel", 8)
	viper.SetDefault("band.uplink_dr", 3)

	viper.SetDefault("radio.type", "mqtt")
	viper.SetDefault("radio.mqtt.server", "tcp://localhost:1883")
	viper.SetDefault("radio.mqtt.clean_session", true)
	viper.SetDefault("radio.mqtt.event_topic_template", "radio/{{ .RadioID }}/event/+")
	viper.SetDefault("radio.mqtt.command_topic_template", "radio/{{ .RadioID }}/command/{{ .CommandType }}")
	viper.SetDefault("radio.mqtt.marshaler", "json")
	viper.SetDefault("radio.mqtt.max_reconnect_interval", time.Minute)

	viper.SetDefault("radio.simulator.downlink", "ack")
	viper.SetDefault("radio.simulator.rssi", -80)
	viper.SetDefault("radio.simulator.snr", 7.5)

	viper.SetDefault("monitoring.prometheus_endpoint", true)
	viper.SetDefault("monitoring.healthcheck_endpoint", true)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

// Execute executes the root command.
func Execute(v string) {
	version = v

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func initConfig() {
	config.Version = version

	if cfgFile != "" {
		b, err := ioutil.ReadFile(cfgFile)
		if err != nil {
			log.WithError(err).WithField("config", cfgFile).Fatal("error loading config file")
		}
		viper.SetConfigType("toml")
		if err := viper.ReadConfig(bytes.NewBuffer(b)); err != nil {
			log.WithError(err).WithField("config", cfgFile).Fatal("error loading config file")
		}
	} else {
		viper.SetConfigName("lorawan-range-tester")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/lorawan-range-tester")
		viper.AddConfigPath("/etc/lorawan-range-tester")
		if err := viper.ReadInConfig(); err != nil {
			switch err.(type) {
			case viper.ConfigFileNotFoundError:
				log.Warning("No configuration file found, using defaults. See: lorawan-range-tester configfile")
			default:
				log.WithError(err).Fatal("read configuration file error")
			}
		}
	}

	viperBindEnvs(config.C)

	viperHooks := mapstructure.ComposeDecodeHookFunc(
		viperDecodeJSONSlice,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)

	if err := viper.Unmarshal(&config.C, viper.DecodeHook(viperHooks)); err != nil {
		log.WithError(err).Fatal("unmarshal config error")
	}

	if config.C.Redis.URL != "" {
		opt, err := redis.ParseURL(config.C.Redis.URL)
		if err != nil {
			log.WithError(err).Fatal("redis url error")
		}

		config.C.Redis.Servers = []string{opt.Addr}
		config.C.Redis.Database = opt.DB
		config.C.Redis.Password = opt.Password
	}
}

func viperBindEnvs(iface interface{}, parts ...string) {
	ifv := reflect.ValueOf(iface)
	ift := reflect.TypeOf(iface)
	for i := 0; i < ift.NumField(); i++ {
		v := ifv.Field(i)
		t := ift.Field(i)
		tv, ok := t.Tag.Lookup("mapstructure")
		if !ok {
			tv = strings.ToLower(t.Name)
		}
		if tv == "-" {
			continue
		}

		switch v.Kind() {
		case reflect.Struct:
			viperBindEnvs(v.Interface(), append(parts, tv)...)
		default:
			// Bash doesn't allow env variable names with a dot so
			// bind the double underscore version.
			keyDot := strings.Join(append(parts, tv), ".")
			keyUnderscore := strings.Join(append(parts, tv), "__")
			viper.BindEnv(keyDot, strings.ToUpper(keyUnderscore))
		}
	}
}

func viperDecodeJSONSlice(rf reflect.Kind, rt reflect.Kind, data interface{}) (interface{}, error) {
	// input must be a string and destination must be a slice
	if rf != reflect.String || rt != reflect.Slice {
		return data, nil
	}

	raw := data.(string)

	// this decoder expects a JSON list
	if !strings.HasPrefix(raw, "[") || !strings.HasSuffix(raw, "]") {
		return data, nil
	}

	var out []map[string]interface{}
	err := json.Unmarshal([]byte(raw), &out)

	return out, err
}
