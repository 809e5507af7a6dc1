package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var outputTargetID string

// Parent Command
var outputsCmd = &cobra.Command{
	Use:   "outputs",
	Short: "Manage outputs",
	Long:  `Trigger outputs (relays, sirens, lights) configured on the server.`,
}

var outputsTriggerCmd = &cobra.Command{
	Use:     "trigger",
	Short:   "Trigger an output",
	Example: `  vmslink outputs trigger --id "output_id_here"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, _, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close(context.Background())

		fmt.Printf("Triggering output %s...\n", outputTargetID)
		if _, err := s.Client.TriggerOutput(ctx, outputTargetID); err != nil {
			return fmt.Errorf("triggering output: %w", err)
		}
		fmt.Println("Output triggered successfully.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(outputsCmd)
	outputsCmd.AddCommand(outputsTriggerCmd)

	outputsTriggerCmd.Flags().StringVar(&outputTargetID, "id", "", "ID of the output")
	_ = outputsTriggerCmd.MarkFlagRequired("id")
}
