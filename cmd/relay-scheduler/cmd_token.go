package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweeney/relay-scheduler/internal/particle"
)

func newTokenCmd(a *app) *cobra.Command {
	var (
		username string
		password string
		expires  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Obtain a device cloud access token",
		Long: `Exchange device cloud account credentials for an access token. The token
is what a device is registered with. --expires 0 requests one that never
expires.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if username == "" || password == "" {
				return fmt.Errorf("--username and --password (RELAY_CLOUD_PASSWORD) are required")
			}
			client := particle.NewClient(a.cfg.Cloud.BaseURL, &http.Client{Timeout: a.cfg.Cloud.Timeout.Duration})
			tok, err := client.Token(cmd.Context(), username, password, expires)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "device cloud account email")
	cmd.Flags().StringVarP(&password, "password", "p", os.Getenv("RELAY_CLOUD_PASSWORD"), "device cloud account password")
	cmd.Flags().DurationVar(&expires, "expires", 0, "token lifetime (0 never expires)")
	return cmd
}
