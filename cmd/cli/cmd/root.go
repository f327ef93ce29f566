package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "extractctl",
	Short:        "extractctl is a command line tool for the extractplane control plane",
	SilenceUsage: true,
	Long: `extractctl is the command-line interface for extractplane.

extractplane queues component extraction jobs, records the code examples
workers produce, runs live preview servers for them, and tracks the human
review verdict on each example.

Common workflows:

  Queue an extraction:
    extractctl enqueue --payload '{"prompt":"...","targetPath":"examples/nav","promptHash":"ab12"}'

  Inspect the queue:
    extractctl jobs list --status failed
    extractctl jobs retry <job-id>

  Preview a produced example:
    extractctl preview start <example-id>
    extractctl preview list

  Review it:
    extractctl review approve <example-id>
    extractctl review reject <example-id> --reason does_not_run --notes "blank page"

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    EXTRACTPLANE_URL      API endpoint (default: http://localhost:6161)
    EXTRACTPLANE_TOKEN    API token for mutating endpoints`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".extractctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".extractctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "EXTRACTPLANE_VARNAME"
	viper.SetEnvPrefix("EXTRACTPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newClient builds an API client from the resolved url and token.
func newClient() *Client {
	return NewClient(viper.GetString("url"), viper.GetString("token"))
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.extractctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "extractplane controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API token for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}
