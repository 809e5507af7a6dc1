package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"vmslink/internal/auth"
)

var pkceCmd = &cobra.Command{
	Use:   "pkce",
	Short: "Generate a PKCE verifier and challenge",
	Long:  `Prints a fresh code verifier and its S256 challenge for external identity provider logins.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := auth.NewPKCE()
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(p)
		}
		fmt.Printf("Verifier:  %s\nChallenge: %s\nMethod:    %s\n", p.Verifier, p.Challenge, p.Method)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pkceCmd)
}
