package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vmslink/internal/config"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate with the server and remember it",
	Long: `Connects to the server, negotiates the shared key, logs in and saves the
server and username locally so later commands can reuse them. The password is
never written to disk; pass it with --password or VMSLINK_PASSWORD.

Example:
  vmslink login --server http://10.0.0.5:8081 --username admin --password pass`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, opts, err := openSession(ctx)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		defer s.Close(context.Background())

		info := s.ConnectInfo()
		viper.Set("username", opts.Username)
		if err := config.SaveConnection(opts.Server, info.ConnectionID); err != nil {
			return fmt.Errorf("saving configuration: %w", err)
		}
		if jsonOutput {
			return printJSON(info)
		}
		fmt.Printf("Logged in to %s as '%s' (connection %s).\n", opts.Server, opts.Username, info.ConnectionID)
		fmt.Println("Server saved. You can now run commands like 'vmslink cameras watch --id <camera>'.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
}
