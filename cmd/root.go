package cmd

import (
	"os"

	"sshdeck/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sshdeck",
	Short: "Manage persistent SSH sessions",
	Long: `sshdeck keeps interactive SSH sessions alive across network drops,
paces scripted commands onto remote shells and moves files over SFTP.
Sessions can be driven directly from the command line or through the
HTTP/websocket server started with "sshdeck serve".`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			if err := os.Setenv("CONFIG_PATH", configPath); err != nil {
				logging.Logger().Fatal("Failed to set config path", zap.Error(err))
			}
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $CONFIG_PATH or sshdeck.yaml)")
}
