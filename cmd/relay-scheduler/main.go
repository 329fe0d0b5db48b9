// Command relay-scheduler runs the schedule service and the relay agent,
// and offers a few device cloud utilities.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sweeney/relay-scheduler/internal/config"
	"github.com/sweeney/relay-scheduler/internal/logging"
)

// app is the state shared by every subcommand.
type app struct {
	configPath string
	cfg        config.Config
	log        zerolog.Logger
}

// load reads the configuration and sets up logging.
func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg
	a.log = logging.Setup(cfg.Environment, cfg.LogLevel)
	return nil
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "relay-scheduler",
		Short: "Time-of-day schedules for remotely controlled relay outputs",
		Long: `relay-scheduler keeps on/off schedules for the relay outputs of cloud
connected devices. The serve command runs the API and the reconciler that
expires schedules; the agent command runs on a device and drives its GPIO
lines from the schedules mirrored over MQTT.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("RELAY_CONFIG"), "path to a TOML config file")

	root.AddCommand(
		newServeCmd(a),
		newSweepCmd(a),
		newAgentCmd(a),
		newDeviceCmd(a),
		newTokenCmd(a),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
