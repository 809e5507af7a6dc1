package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vmslink/internal/config"
)

var (
	cfgFile    string
	jsonOutput bool
	verbose    bool
	password   string
	logger     = slog.Default()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vmslink",
	Short: "A client for the mobile server protocol of video management systems",
	Long: `Connect to a video management server, send commands over its XML command
channel and pull live or recorded video from its poll and push channels.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() {
		if err := config.InitConfig(cfgFile); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	})

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.vmslink.yaml)")
	flags.BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Log protocol traffic at debug level")
	flags.String("server", "", "Server base URL (e.g. http://10.0.0.5:8081)")
	flags.StringP("username", "u", "", "Username")
	flags.StringVarP(&password, "password", "p", "", "Password (or VMSLINK_PASSWORD)")
	flags.Bool("insecure", false, "Skip TLS certificate verification")

	// The password is not bound: bound flags end up in the saved config file.
	for _, name := range []string{"server", "username", "insecure"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}
