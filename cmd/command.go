package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"vmslink/internal/client"
)

var (
	commandParams    []string
	commandNoRestart bool
)

var commandCmd = &cobra.Command{
	Use:   "command <Name>",
	Short: "Send one raw command and print the response",
	Example: `  vmslink command GetAllViewsAndCameras
  vmslink command GetThumbnail --param CameraId=0c6a... --param Width=320`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.Command{Name: args[0]}
		for _, kv := range commandParams {
			name, value, ok := strings.Cut(kv, "=")
			if !ok || name == "" {
				return fmt.Errorf("invalid --param %q, expected NAME=VALUE", kv)
			}
			c = c.With(client.P(name, value))
		}

		ctx := cmd.Context()
		s, _, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close(context.Background())

		resp, err := s.Client.Do(ctx, c, client.Options{NoRestart: commandNoRestart})
		if resp == nil {
			return err
		}
		if jsonOutput {
			if perr := printJSON(resp); perr != nil {
				return perr
			}
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "PARAM\tVALUE")
		fmt.Fprintln(w, "-----\t-----")
		for _, p := range resp.Params {
			fmt.Fprintf(w, "%s\t%s\n", p.Name, p.Value)
		}
		w.Flush()
		return err
	},
}

func init() {
	rootCmd.AddCommand(commandCmd)
	commandCmd.Flags().StringArrayVar(&commandParams, "param", nil, "Input parameter as NAME=VALUE (repeatable)")
	commandCmd.Flags().BoolVar(&commandNoRestart, "no-restart", false, "Do not resubmit the command if the connection drops")
}
