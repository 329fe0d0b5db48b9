package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sweeney/relay-scheduler/internal/particle"
	"github.com/sweeney/relay-scheduler/internal/schedule"
)

type deviceFlags struct {
	deviceID string
	token    string
}

func (f *deviceFlags) credentials() (schedule.Credentials, error) {
	creds := schedule.Credentials{DeviceID: strings.ToUpper(f.deviceID), AccessToken: f.token}
	if !creds.Valid() {
		return creds, fmt.Errorf("%w: --device and --token (RELAY_DEVICE_TOKEN) are required", schedule.ErrValidation)
	}
	return creds, nil
}

func newDeviceCmd(a *app) *cobra.Command {
	f := &deviceFlags{}
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Query and switch a device through the device cloud",
	}
	cmd.PersistentFlags().StringVar(&f.deviceID, "device", "", "device cloud id (24 hex characters)")
	cmd.PersistentFlags().StringVar(&f.token, "token", os.Getenv("RELAY_DEVICE_TOKEN"), "device cloud access token")

	client := func() *particle.Client {
		return particle.NewClient(a.cfg.Cloud.BaseURL, &http.Client{Timeout: a.cfg.Cloud.Timeout.Duration})
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "state PIN",
			Short: "Print whether an output is on",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				creds, err := f.credentials()
				if err != nil {
					return err
				}
				on, err := client().State(cmd.Context(), creds, strings.ToUpper(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), onOff(on))
				return nil
			},
		},
		&cobra.Command{
			Use:   "set PIN on|off",
			Short: "Switch an output",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				on, err := parseOnOff(args[1])
				if err != nil {
					return err
				}
				creds, err := f.credentials()
				if err != nil {
					return err
				}
				pin := strings.ToUpper(args[0])
				if err := client().SetState(cmd.Context(), creds, pin, on); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", pin, onOff(on))
				return nil
			},
		},
		&cobra.Command{
			Use:   "info",
			Short: "Print the device's cloud record",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				creds, err := f.credentials()
				if err != nil {
					return err
				}
				info, err := client().Device(cmd.Context(), creds)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "id:        %s\n", info.ID)
				fmt.Fprintf(w, "name:      %s\n", info.Name)
				fmt.Fprintf(w, "platform:  %s\n", info.Platform())
				fmt.Fprintf(w, "connected: %t\n", info.Connected)
				if info.LastHeard != "" {
					fmt.Fprintf(w, "last seen: %s\n", info.LastHeard)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "consumption",
			Short: "Print the voltage, power and current readings",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				creds, err := f.credentials()
				if err != nil {
					return err
				}
				c, err := client().Consumption(cmd.Context(), creds)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "voltage: %.2f V\npower:   %.2f W\ncurrent: %.3f A\n", c.Voltage, c.Power, c.Current)
				return nil
			},
		},
		newFlashCmd(a, f),
	)
	return cmd
}

func newFlashCmd(a *app, f *deviceFlags) *cobra.Command {
	var sourcePath string
	cmd := &cobra.Command{
		Use:   "flash",
		Short: "Flash the stock firmware, or --source, onto the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds, err := f.credentials()
			if err != nil {
				return err
			}
			flasher := particle.NewFlasher(a.cfg.Cloud.FlashURL, a.cfg.Cloud.SourceURL, &http.Client{Timeout: a.cfg.Cloud.Timeout.Duration})

			var out json.RawMessage
			if sourcePath != "" {
				src, err := os.ReadFile(sourcePath)
				if err != nil {
					return fmt.Errorf("read source: %w", err)
				}
				out, err = flasher.FlashSource(cmd.Context(), creds, string(src))
				if err != nil {
					return err
				}
			} else {
				out, err = flasher.Flash(cmd.Context(), creds)
				if err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&sourcePath, "source", "", "firmware source file to compile and flash")
	return cmd
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("%w: state must be on or off, got %q", schedule.ErrValidation, s)
}
