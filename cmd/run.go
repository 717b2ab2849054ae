package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eberhagen/systemd-mqtt/internal/action"
	"github.com/eberhagen/systemd-mqtt/internal/bridge"
	"github.com/eberhagen/systemd-mqtt/internal/config"
	"github.com/eberhagen/systemd-mqtt/internal/inhibitor"
	"github.com/eberhagen/systemd-mqtt/internal/log"
	"github.com/eberhagen/systemd-mqtt/internal/logind"
)

var (
	flagConfig       string
	flagHost         string
	flagPort         int
	flagBrokerURL    string
	flagUsername     string
	flagPassword     string
	flagPasswordFile string
	flagTopicPrefix  string
	flagClientID     string
	flagNoTLS        bool
	flagTLSCAFile    string
	flagTLSInsecure  bool
	flagDelay        time.Duration
	flagUnits        []string
	flagLogLevel     string
	flagLogFormat    string
)

func init() {
	f := runCmd.Flags()
	f.StringVar(&flagConfig, "config", "", "Config file (default "+config.DefaultPath+")")
	f.StringVar(&flagHost, "host", "", "MQTT broker hostname")
	f.IntVar(&flagPort, "port", 0, "MQTT broker port (default 8883, or 1883 with --no-tls)")
	f.StringVar(&flagBrokerURL, "broker-url", "", "Full broker URL (e.g. wss://broker.example/mqtt), overrides host and port")
	f.StringVar(&flagUsername, "username", "", "MQTT username")
	f.StringVar(&flagPassword, "password", "", "MQTT password (prefer --password-file)")
	f.StringVar(&flagPasswordFile, "password-file", "", "File containing the MQTT password")
	f.StringVar(&flagTopicPrefix, "topic-prefix", "", "Topic prefix for command topics (default systemctl/<hostname>)")
	f.StringVar(&flagClientID, "client-id", "", "MQTT client ID (default systemd-mqtt-<hostname>)")
	f.BoolVar(&flagNoTLS, "no-tls", false, "Disable TLS towards the broker")
	f.StringVar(&flagTLSCAFile, "tls-ca", "", "Custom CA certificate bundle (PEM)")
	f.BoolVar(&flagTLSInsecure, "tls-insecure", false, "Skip TLS certificate verification")
	f.DurationVar(&flagDelay, "shutdown-delay", 0, "Delay between a poweroff/reboot command and the shutdown")
	f.StringArrayVar(&flagUnits, "unit", nil, "Systemd unit exposed as start-unit/<name> (repeatable)")
	f.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (default info)")
	f.StringVar(&flagLogFormat, "log-format", "", "Log format: auto, json, console, journald (default auto)")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the broker and serve systemd commands",
	Long: `Connects to the MQTT broker, subscribes to the command topics below the
configured prefix and executes the matching systemd operations via D-Bus.

A logind delay lock is held while connected so that an impending shutdown
is published to the broker before the system goes down. The connection
automatically reconnects with capped backoff if interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.Overrides{
			ConfigFile:       flagConfig,
			Host:             flagHost,
			Port:             flagPort,
			BrokerURL:        flagBrokerURL,
			Username:         flagUsername,
			Password:         flagPassword,
			PasswordFile:     flagPasswordFile,
			TopicPrefix:      flagTopicPrefix,
			ClientID:         flagClientID,
			DisableTLS:       flagNoTLS,
			TLSCAFile:        flagTLSCAFile,
			TLSInsecure:      flagTLSInsecure,
			ShutdownDelay:    flagDelay,
			ShutdownDelaySet: cmd.Flags().Changed("shutdown-delay"),
			Units:            flagUnits,
			LogLevel:         flagLogLevel,
			LogFormat:        flagLogFormat,
		})
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		log.Configure(log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
		logger := log.WithComponent("cmd")

		manager, err := logind.Connect(log.WithComponent("dbus"))
		if err != nil {
			return err
		}
		defer manager.Close()

		if capability, err := manager.CanPowerOff(cmd.Context()); err != nil {
			logger.Warn().Err(err).Msg("failed to query poweroff capability")
		} else {
			logger.Debug().Str("capability", capability).Msg("poweroff capability")
			if capability == "no" {
				logger.Warn().Msg("logind reports this host cannot power off")
			}
		}

		signals, err := manager.SubscribePrepareForShutdown()
		if err != nil {
			return err
		}

		lock := inhibitor.New(manager, log.WithComponent("inhibitor"))
		registry := action.NewRegistry(manager, action.Options{
			ShutdownDelay: cfg.Shutdown.Delay,
			Units:         cfg.Units,
		}, log.WithComponent("action"))

		rt := bridge.New(bridge.Options{
			Config:   cfg,
			Registry: registry,
			Lock:     lock,
			Signals:  signals,
			Status:   manager,
			Logger:   log.WithComponent("bridge"),
		})

		// Handle graceful shutdown
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		go func() {
			sig := <-sigCh
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			rt.Stop()
		}()

		return rt.Run(cmd.Context())
	},
}
