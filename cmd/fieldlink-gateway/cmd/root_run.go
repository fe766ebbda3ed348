package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"text/template"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fieldlink/fieldlink/internal/api"
	"github.com/fieldlink/fieldlink/internal/config"
	"github.com/fieldlink/fieldlink/internal/gateway"
	"github.com/fieldlink/fieldlink/internal/integration/mqtt"
	"github.com/fieldlink/fieldlink/internal/monitoring"
	"github.com/fieldlink/fieldlink/internal/radio"
	"github.com/fieldlink/fieldlink/internal/storage"
	"github.com/fieldlink/fieldlink/internal/telemetry"
)

var (
	radioState  *radio.State
	cmdQueue    *gateway.Queue
	transceiver *gateway.Transceiver
	mqttInt     *mqtt.Integration
)

func run(cmd *cobra.Command, args []string) error {
	tasks := []func() error{
		setLogLevel,
		printStartMessage,
		setupStorage,
		setupMonitoring,
		setupRadio,
		setupQueue,
		setupIntegration,
		setupTransceiver,
		setupControlAPI,
	}

	for _, t := range tasks {
		if err := t(); err != nil {
			log.Fatal(err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	log.WithField("signal", <-sigChan).Info("signal received")
	log.Warning("stopping fieldlink-gateway")
	transceiver.Stop()
	if mqttInt != nil {
		mqttInt.Close()
	}

	return nil
}

func setLogLevel() error {
	log.SetLevel(log.Level(uint8(config.C.General.LogLevel)))
	return nil
}

func printStartMessage() error {
	log.WithFields(log.Fields{
		"version":    version,
		"gateway_id": config.C.Gateway.ID,
	}).Info("starting FieldLink gateway")
	return nil
}

func setupStorage() error {
	if err := storage.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup storage error")
	}
	return nil
}

func setupMonitoring() error {
	if err := monitoring.Setup(config.C); err != nil {
		return errors.Wrap(err, "setup monitoring error")
	}
	return nil
}

func setupRadio() error {
	rc := config.C.Gateway.Radio

	r, err := radio.Open(rc.Driver, radio.DriverConfig{
		FrequencyMHz: rc.N2GFrequency,
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

func setupQueue() error {
	qc := config.C.Gateway.Queue

	var err error
	cmdQueue, err = gateway.NewQueue(gateway.Settings{
		MaxSize:              qc.MaxSize,
		MaxRetries:           qc.MaxRetries,
		InitialRetryInterval: qc.InitialRetryInterval,
		MaxRetryInterval:     qc.MaxRetryInterval,
		RetryMultiplier:      qc.RetryMultiplier,
		WaitTimeout:          qc.WaitTimeout,
		ResponseTTL:          qc.ResponseTTL,
	})
	if err != nil {
		return errors.Wrap(err, "setup command queue error")
	}
	return nil
}

func setupIntegration() error {
	mc := config.C.Gateway.Integration.MQTT
	if mc.Server == "" {
		return nil
	}

	var err error
	mqttInt, err = mqtt.New(config.C.Gateway.ID, mqtt.Config{
		Server:               mc.Server,
		Username:             mc.Username,
		Password:             mc.Password,
		QOS:                  mc.QOS,
		CleanSession:         mc.CleanSession,
		ClientID:             mc.ClientID,
		EventTopicTemplate:   mc.EventTopicTemplate,
		MaxReconnectInterval: mc.MaxReconnectInterval,
	})
	if err != nil {
		return errors.Wrap(err, "setup mqtt integration error")
	}
	return nil
}

func setupTransceiver() error {
	sinks := telemetry.MultiSink{storage.Sink{}}
	if mqttInt != nil {
		sinks = append(sinks, mqttInt)
	}

	transceiver = gateway.NewTransceiver(gateway.TransceiverConfig{
		State:           radioState,
		Queue:           cmdQueue,
		Sink:            sinks,
		ReceiveTimeout:  config.C.Gateway.ReceiveTimeout,
		AssembleTimeout: config.C.Gateway.Stream.AssembleTimeout,
	})
	transceiver.Start()
	return nil
}

func setupControlAPI() error {
	dc := config.C.Gateway.Discovery

	params := gateway.NewParamRegistry(config.C.Gateway.ID, radioState, cmdQueue)
	coordinator := gateway.NewCoordinator(transceiver, gateway.CoordinatorConfig{
		Rounds:   dc.Rounds,
		Interval: dc.InitialRetryInterval,
		Params: gateway.DiscoveryParams{
			MaxRetries:           dc.MaxRetries,
			InitialRetryInterval: dc.InitialRetryInterval,
			MaxRetryInterval:     dc.MaxRetryInterval,
			RetryMultiplier:      dc.RetryMultiplier,
		},
	})

	server := api.Server{
		Queue:       cmdQueue,
		Transceiver: transceiver,
		Coordinator: coordinator,
		Params:      params,
		Rollout: &gateway.Rollout{
			Queue:       cmdQueue,
			Coordinator: coordinator,
			Params:      params,
			Apply:       transceiver.ApplyRadioConfig,
		},
		SaveConfig: saveConfig,
	}
	if err := api.Setup(config.C, &server); err != nil {
		return errors.Wrap(err, "setup control api error")
	}
	return nil
}

// saveConfig writes the running configuration back to the config file,
// folding in parameters changed at runtime.
func saveConfig() error {
	if cfgFile == "" {
		return errors.New("no config file given, started from defaults")
	}

	p := radioState.Effective()
	config.C.Gateway.Radio.SpreadingFactor = p.SpreadingFactor
	config.C.Gateway.Radio.Bandwidth = p.BandwidthCode
	config.C.Gateway.Radio.TxPower = p.TxPower

	s := cmdQueue.Settings()
	config.C.Gateway.Queue.MaxSize = s.MaxSize
	config.C.Gateway.Queue.MaxRetries = s.MaxRetries
	config.C.Gateway.Queue.InitialRetryInterval = s.InitialRetryInterval
	config.C.Gateway.Queue.MaxRetryInterval = s.MaxRetryInterval
	config.C.Gateway.Queue.RetryMultiplier = s.RetryMultiplier
	config.C.Gateway.Queue.WaitTimeout = s.WaitTimeout

	t, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return errors.Wrap(err, "parse config template error")
	}

	f, err := os.Create(cfgFile)
	if err != nil {
		return errors.Wrap(err, "create config file error")
	}
	defer f.Close()

	if err := t.Execute(f, &config.C); err != nil {
		return errors.Wrap(err, "render config template error")
	}
	log.WithField("config", cfgFile).Info("configuration saved")
	return nil
}
