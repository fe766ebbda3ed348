package cmd

import (
	"os"
	"text/template"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fieldlink/fieldlink/internal/config"
)

const configTemplate = `[general]
# Log level
#
# debug=5, info=4, warning=3, error=2, fatal=1, panic=0
log_level={{ .General.LogLevel }}


# Monitoring settings.
[monitoring]
# Bind address for the monitoring endpoints (empty disables them).
bind="{{ .Monitoring.Bind }}"

# Serve Prometheus metrics on /metrics.
prometheus_endpoint={{ .Monitoring.PrometheusEndpoint }}

# Serve a healthcheck on /health.
healthcheck_endpoint={{ .Monitoring.HealthcheckEndpoint }}


# Node settings.
[node]
# Node identifier. Empty defaults to the hostname.
id="{{ .Node.ID }}"

# Receive window of the command loop.
receive_timeout="{{ .Node.ReceiveTimeout }}"

# Random ack delay for broadcast commands.
#
# Spreads the fleet's simultaneous answers out so they don't collide
# on air.
broadcast_ack_jitter="{{ .Node.BroadcastAckJitter }}"

# Sensor interval used when a sensor doesn't set its own.
default_sensor_interval="{{ .Node.DefaultSensorInterval }}"

  # Radio settings.
  [node.radio]
  # Radio driver.
  driver="{{ .Node.Radio.Driver }}"

  # Node-to-gateway frequency (telemetry and acks), MHz.
  n2g_frequency_mhz={{ .Node.Radio.N2GFrequency }}

  # Gateway-to-node frequency (commands), MHz.
  g2n_frequency_mhz={{ .Node.Radio.G2NFrequency }}

  # Spreading factor (7 - 12).
  spreading_factor={{ .Node.Radio.SpreadingFactor }}

  # Bandwidth code: 0=125kHz, 1=250kHz, 2=500kHz.
  bandwidth={{ .Node.Radio.Bandwidth }}

  # Transmit power, dBm.
  tx_power={{ .Node.Radio.TxPower }}

  # Packet stream settings.
  [node.stream]
  # Parity packets appended to bulk payload streams (0 disables
  # erasure coding).
  parity_packets={{ .Node.Stream.ParityPackets }}
{{ range .Node.Sensors }}
  # Sensor.
  [[node.sensors]]
  class="{{ .Class }}"
  interval="{{ .Interval }}"
{{ end }}`

var configCmd = &cobra.Command{
	Use:   "configfile",
	Short: "Print the FieldLink node configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := template.New("config").Parse(configTemplate)
		if err != nil {
			return errors.Wrap(err, "parse config template error")
		}
		return t.Execute(os.Stdout, &config.C)
	},
}
