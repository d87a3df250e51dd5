package client

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ConnectionDetails holds everything needed to talk to a conserver instance.
type ConnectionDetails struct {
	// Base URL of the conserver API, e.g., http://localhost:8000.
	ConserverUrl string `mapstructure:"conserverUrl"`
	// Bearer token used to authenticate every API call.
	ApiToken string `mapstructure:"apiToken"`
	// Per-request timeout covering connection setup and the response body.
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
}

func AddConserverApiConnectionCommandlineArgs(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("conserverUrl", "http://localhost:8000", "specify conserver server url")
	viper.BindPFlag("conserverUrl", rootCmd.PersistentFlags().Lookup("conserverUrl"))
	rootCmd.PersistentFlags().String("apiToken", "", "specify conserver api token")
	viper.BindPFlag("apiToken", rootCmd.PersistentFlags().Lookup("apiToken"))
	rootCmd.PersistentFlags().Duration("requestTimeout", 30*time.Second, "per-request timeout for conserver api calls")
	viper.BindPFlag("requestTimeout", rootCmd.PersistentFlags().Lookup("requestTimeout"))
}

func ExtractCommandlineConserverApiConnectionDetails() *ConnectionDetails {
	return &ConnectionDetails{
		ConserverUrl:   viper.GetString("conserverUrl"),
		ApiToken:       viper.GetString("apiToken"),
		RequestTimeout: viper.GetDuration("requestTimeout"),
	}
}
