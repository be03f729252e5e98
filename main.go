package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"msim/config"
	"msim/logging"
)

func NewMsimCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "msim",
		Short:         "MSIM direct messaging relay and client",
		Example:       "msim relay\nmsim chat --user alice --token secret",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		newRelayCommand(),
		newChatCommand(),
		newRegisterCommand(),
	)

	return cmd
}

// setup loads configuration and applies its logging settings, with debug
// forcing the debug level.
func setup(debug bool) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if debug {
		cfg.LogLevel = "debug"
	}
	log, err := logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func main() {
	cmd := NewMsimCommand()
	if err := cmd.Execute(); err != nil {
		logrus.WithError(err).Error("msim failed")
		os.Exit(1)
	}
}
