package config

import (
	"time"
)

// Version defines the fieldlink version.
var Version string

// RadioConfig holds the physical parameters for one radio role.
type RadioConfig struct {
	// Driver selects the registered radio driver.
	Driver string `mapstructure:"driver"`

	// N2GFrequency carries telemetry and acks (node to gateway);
	// G2NFrequency carries commands (gateway to node). MHz.
	N2GFrequency float64 `mapstructure:"n2g_frequency_mhz"`
	G2NFrequency float64 `mapstructure:"g2n_frequency_mhz"`

	SpreadingFactor int `mapstructure:"spreading_factor"`
	// Bandwidth is a code: 0=125kHz, 1=250kHz, 2=500kHz.
	Bandwidth int `mapstructure:"bandwidth"`
	TxPower   int `mapstructure:"tx_power"`
}

// SensorConfig configures one sensor on a node.
type SensorConfig struct {
	Class    string        `mapstructure:"class"`
	Interval time.Duration `mapstructure:"interval"`
}

// Config defines the configuration structure.
type Config struct {
	General struct {
		LogLevel int `mapstructure:"log_level"`
	} `mapstructure:"general"`

	Redis struct {
		Servers    []string      `mapstructure:"servers"`
		Password   string        `mapstructure:"password"`
		Database   int           `mapstructure:"database"`
		PoolSize   int           `mapstructure:"pool_size"`
		TLSEnabled bool          `mapstructure:"tls_enabled"`
		KeyPrefix  string        `mapstructure:"key_prefix"`
		NodeTTL    time.Duration `mapstructure:"node_ttl"`
	} `mapstructure:"redis"`

	PostgreSQL struct {
		// Empty DSN disables telemetry history persistence.
		DSN                string `mapstructure:"dsn"`
		Automigrate        bool   `mapstructure:"automigrate"`
		MaxOpenConnections int    `mapstructure:"max_open_connections"`
		MaxIdleConnections int    `mapstructure:"max_idle_connections"`
	} `mapstructure:"postgresql"`

	Monitoring struct {
		Bind                string `mapstructure:"bind"`
		PrometheusEndpoint  bool   `mapstructure:"prometheus_endpoint"`
		HealthcheckEndpoint bool   `mapstructure:"healthcheck_endpoint"`
	} `mapstructure:"monitoring"`

	Gateway struct {
		ID string `mapstructure:"id"`

		API struct {
			Bind string `mapstructure:"bind"`
		} `mapstructure:"api"`

		Radio RadioConfig `mapstructure:"radio"`

		// ReceiveTimeout bounds a single receive window of the
		// transceiver loop; kept short so queued commands and staged
		// parameter changes are picked up promptly.
		ReceiveTimeout time.Duration `mapstructure:"receive_timeout"`

		Queue struct {
			MaxSize              int           `mapstructure:"max_size"`
			MaxRetries           int           `mapstructure:"max_retries"`
			InitialRetryInterval time.Duration `mapstructure:"initial_retry_interval"`
			MaxRetryInterval     time.Duration `mapstructure:"max_retry_interval"`
			RetryMultiplier      float64       `mapstructure:"retry_multiplier"`
			WaitTimeout          time.Duration `mapstructure:"wait_timeout"`
			ResponseTTL          time.Duration `mapstructure:"response_ttl"`
		} `mapstructure:"queue"`

		Discovery struct {
			Rounds               int           `mapstructure:"rounds"`
			MaxRetries           int           `mapstructure:"max_retries"`
			InitialRetryInterval time.Duration `mapstructure:"initial_retry_interval"`
			MaxRetryInterval     time.Duration `mapstructure:"max_retry_interval"`
			RetryMultiplier      float64       `mapstructure:"retry_multiplier"`
		} `mapstructure:"discovery"`

		Stream struct {
			AssembleTimeout time.Duration `mapstructure:"assemble_timeout"`
		} `mapstructure:"stream"`

		Integration struct {
			MQTT struct {
				Server               string        `mapstructure:"server"`
				Username             string        `mapstructure:"username"`
				Password             string        `mapstructure:"password"`
				QOS                  uint8         `mapstructure:"qos"`
				CleanSession         bool          `mapstructure:"clean_session"`
				ClientID             string        `mapstructure:"client_id"`
				EventTopicTemplate   string        `mapstructure:"event_topic_template"`
				MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval"`
			} `mapstructure:"mqtt"`
		} `mapstructure:"integration"`
	} `mapstructure:"gateway"`

	Node struct {
		ID string `mapstructure:"id"`

		Radio RadioConfig `mapstructure:"radio"`

		ReceiveTimeout     time.Duration `mapstructure:"receive_timeout"`
		BroadcastAckJitter time.Duration `mapstructure:"broadcast_ack_jitter"`

		DefaultSensorInterval time.Duration  `mapstructure:"default_sensor_interval"`
		Sensors               []SensorConfig `mapstructure:"sensors"`

		Stream struct {
			// ParityPackets is the erasure-coding budget appended to
			// bulk payload streams. Zero disables parity.
			ParityPackets int `mapstructure:"parity_packets"`
		} `mapstructure:"stream"`
	} `mapstructure:"node"`
}

// C holds the global configuration.
var C Config
