package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "flowctl",
	Short: "flowctl is a command line tool for the clinicflow workflow engine",
	Long: `flowctl is the command-line interface for clinicflow, the job queue and
workflow engine behind clinic automations (lead follow-ups, appointment
reminders, conversion uploads).

Common workflows:

  Create and publish a template from a graph document:
    flowctl template create -f lead-followup.yaml --key lead-followup --trigger lead.created
    flowctl template publish <template-id>

  Report a domain event:
    flowctl trigger --type lead.created --entity lead:8d1c... --scope-kind clinic --scope-id <clinic-id>

  Inspect and operate an execution:
    flowctl status <execution-id>
    flowctl log <execution-id> --follow
    flowctl signal <execution-id> --key reply --data '{"text":"yes"}'
    flowctl pause|resume|cancel <execution-id>

  Work with the job queue directly:
    flowctl job submit --type message.send --payload '{"channel":"sms","to":"+15550100","body":"hi"}'
    flowctl dlq list

Configuration:
  Set the API endpoint and credentials via flags, environment variables or a config file:
    CLINICFLOW_URL      API endpoint (default: http://localhost:6161)
    CLINICFLOW_TOKEN    Bearer token, sent when set`,
	SilenceUsage: true,
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

		// Search config in home directory with name ".flowctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".flowctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "CLINICFLOW_VARNAME"
	viper.SetEnvPrefix("CLINICFLOW")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newClient() *Client {
	return NewClient(viper.GetString("url"), viper.GetString("token"))
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.flowctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "clinicflow controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "Bearer token for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}
