package cmd

import (
	"bytes"
	"io/ioutil"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fieldlink/fieldlink/internal/config"
)

var (
	cfgFile string
	version string
)

var rootCmd = &cobra.Command{
	Use:   "fieldlink-gateway",
	Short: "FieldLink gateway",
	Long: `FieldLink gateway coordinates a fleet of LoRa sensor nodes: it queues and
retries commands, collects acknowledgements and telemetry, and exposes a
control API.`,
	RunE: run,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to configuration file (optional)")
	rootCmd.PersistentFlags().Int("log-level", 4, "debug=5, info=4, error=2, fatal=1, panic=0")

	viper.BindPFlag("general.log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	// default values
	viper.SetDefault("redis.servers", []string{"localhost:6379"})
	viper.SetDefault("redis.node_ttl", 24*time.Hour)

	viper.SetDefault("postgresql.automigrate", true)
	viper.SetDefault("postgresql.max_idle_connections", 2)

	viper.SetDefault("monitoring.bind", "0.0.0.0:8081")
	viper.SetDefault("monitoring.prometheus_endpoint", true)
	viper.SetDefault("monitoring.healthcheck_endpoint", true)

	viper.SetDefault("gateway.id", "gateway")
	viper.SetDefault("gateway.api.bind", "0.0.0.0:8080")
	viper.SetDefault("gateway.receive_timeout", 100*time.Millisecond)

	viper.SetDefault("gateway.radio.driver", "sim")
	viper.SetDefault("gateway.radio.n2g_frequency_mhz", 914.9)
	viper.SetDefault("gateway.radio.g2n_frequency_mhz", 915.1)
	viper.SetDefault("gateway.radio.spreading_factor", 7)
	viper.SetDefault("gateway.radio.bandwidth", 0)
	viper.SetDefault("gateway.radio.tx_power", 23)

	viper.SetDefault("gateway.queue.max_size", 100)
	viper.SetDefault("gateway.queue.max_retries", 6)
	viper.SetDefault("gateway.queue.initial_retry_interval", 500*time.Millisecond)
	viper.SetDefault("gateway.queue.max_retry_interval", 5*time.Second)
	viper.SetDefault("gateway.queue.retry_multiplier", 2.0)
	viper.SetDefault("gateway.queue.wait_timeout", 30*time.Second)
	viper.SetDefault("gateway.queue.response_ttl", time.Minute)

	viper.SetDefault("gateway.discovery.rounds", 3)
	viper.SetDefault("gateway.discovery.max_retries", 3)
	viper.SetDefault("gateway.discovery.initial_retry_interval", time.Second)
	viper.SetDefault("gateway.discovery.max_retry_interval", 5*time.Second)
	viper.SetDefault("gateway.discovery.retry_multiplier", 2.0)

	viper.SetDefault("gateway.stream.assemble_timeout", 30*time.Second)

	viper.SetDefault("gateway.integration.mqtt.event_topic_template", "fieldlink/{{ .GatewayID }}/node/{{ .NodeID }}/event")
	viper.SetDefault("gateway.integration.mqtt.clean_session", true)
	viper.SetDefault("gateway.integration.mqtt.max_reconnect_interval", time.Minute)

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
		viper.SetConfigName("fieldlink-gateway")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/fieldlink")
		viper.AddConfigPath("/etc/fieldlink")
		if err := viper.ReadInConfig(); err != nil {
			switch err.(type) {
			case viper.ConfigFileNotFoundError:
				log.Warning("No configuration file found, using defaults.")
			default:
				log.WithError(err).Fatal("read configuration file error")
			}
		}
	}

	viperBindEnvs(config.C)

	viperHooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)

	if err := viper.Unmarshal(&config.C, viper.DecodeHook(viperHooks)); err != nil {
		log.WithError(err).Fatal("unmarshal config error")
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
