package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fieldlink/fieldlink/internal/config"
	"github.com/fieldlink/fieldlink/internal/monitoring"
	"github.com/fieldlink/fieldlink/internal/node"
	"github.com/fieldlink/fieldlink/internal/radio"
	"github.com/fieldlink/fieldlink/internal/sensors"
)

var (
	radioState  *radio.State
	fieldNode   *node.Node
	broadcaster *node.Broadcaster
)

func run(cmd *cobra.Command, args []string) error {
	tasks := []func() error{
		setLogLevel,
		setNodeID,
		printStartMessage,
		setupMonitoring,
		setupRadio,
		setupNode,
		setupBroadcaster,
	}

	for _, t := range tasks {
		if err := t(); err != nil {
			log.Fatal(err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	log.WithField("signal", <-sigChan).Info("signal received")
	log.Warning("stopping fieldlink-node")
	if broadcaster != nil {
		broadcaster.Stop()
	}
	fieldNode.Stop()

	return nil
}

func setLogLevel() error {
	log.SetLevel(log.Level(uint8(config.C.General.LogLevel)))
	return nil
}

func setNodeID() error {
	if config.C.Node.ID != "" {
		return nil
	}
	host, err := os.Hostname()
	if err != nil {
		return errors.Wrap(err, "get hostname error")
	}
	config.C.Node.ID = host
	return nil
}

func printStartMessage() error {
	log.WithFields(log.Fields{
		"version": version,
		"node_id": config.C.Node.ID,
	}).Info("starting FieldLink node")
	return nil
}

func setupMonitoring() error {
	if err := monitoring.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup monitoring error")
	}
	return nil
}

func setupRadio() error {
	rc := config.C.Node.Radio

	// A node parks on the command frequency and only hops to the
	// telemetry frequency to transmit.
	r, err := radio.Open(rc.Driver, radio.DriverConfig{
		FrequencyMHz: rc.G2NFrequency,
	})
	if err != nil {
		return errors.Wrap(err, "open radio error")
	}

	hz, err := radio.BandwidthHz(rc.Bandwidth)
	if err != nil {
		return errors.Wrap(err, "radio bandwidth error")
	}
	if err := r.SetSpreadingFactor(rc.SpreadingFactor); err != nil {
		return errors.Wrap(err, "set spreading-factor error")
	}
	if err := r.SetBandwidth(hz); err != nil {
		return errors.Wrap(err, "set bandwidth error")
	}
	if err := r.SetTxPower(rc.TxPower); err != nil {
		return errors.Wrap(err, "set tx-power error")
	}

	radioState = radio.NewState(r, radio.Params{
		SpreadingFactor: rc.SpreadingFactor,
		BandwidthCode:   rc.Bandwidth,
		TxPower:         rc.TxPower,
		N2GFrequency:    rc.N2GFrequency,
		G2NFrequency:    rc.G2NFrequency,
	})

	log.WithFields(log.Fields{
		"driver":  rc.Driver,
		"n2g_mhz": rc.N2GFrequency,
		"g2n_mhz": rc.G2NFrequency,
		"sf":      rc.SpreadingFactor,
	}).Info("radio initialized")
	return nil
}

func setupNode() error {
	fieldNode = node.New(node.Config{
		ID:             config.C.Node.ID,
		State:          radioState,
		ReceiveTimeout: config.C.Node.ReceiveTimeout,
		AckJitter:      config.C.Node.BroadcastAckJitter,
		ParityPackets:  config.C.Node.Stream.ParityPackets,
	})
	if err := fieldNode.Start(); err != nil {
		return errors.Wrap(err, "start node error")
	}
	return nil
}

func setupBroadcaster() error {
	if len(config.C.Node.Sensors) == 0 {
		log.Info("no sensors configured, telemetry broadcasting disabled")
		return nil
	}

	var entries []*node.SensorEntry
	for _, sc := range config.C.Node.Sensors {
		s, err := sensors.New(sc.Class)
		if err != nil {
			return errors.Wrap(err, "setup sensor error")
		}
		interval := sc.Interval
		if interval <= 0 {
			interval = config.C.Node.DefaultSensorInterval
		}
		entries = append(entries, &node.SensorEntry{
			Sensor:   s,
			Interval: interval,
		})
	}

	broadcaster = node.NewBroadcaster(fieldNode, entries)
	broadcaster.Start()
	return nil
}
