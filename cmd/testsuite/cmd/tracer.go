package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/configmanager"
)

// The tracing stage is opaque to the harness; these flags only template its
// descriptor into the generated configuration. Defaults match the JLINC
// tracer shipped with conserver.
func addTracerFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("tracerEnabled", false, "splice an event-tracing stage into the chain")
	cmd.Flags().String("tracerName", "jlinc", "name of the tracing stage")
	cmd.Flags().String("tracerModule", "tracers.jlinc", "module of the tracing stage")
	cmd.Flags().String("tracerDataStoreApiUrl", "http://jlinc-server:9090", "tracer data store API URL")
	cmd.Flags().String("tracerDataStoreApiKey", "", "tracer data store API key")
	cmd.Flags().String("tracerArchiveApiUrl", "http://jlinc-server:9090", "tracer archive API URL")
	cmd.Flags().String("tracerArchiveApiKey", "", "tracer archive API key")
	cmd.Flags().String("tracerSystemPrefix", "VCONTest", "tracer system prefix")
	cmd.Flags().String("tracerAgreementId", "00000000-0000-0000-0000-000000000000", "tracer agreement id")
	cmd.Flags().Bool("tracerHashEventData", true, "hash event data in the tracer")
	cmd.Flags().Bool("tracerDlqVconOnError", true, "send vCons to the DLQ on tracer errors")
}

func tracerStageFromViper() *configmanager.TracerStage {
	return &configmanager.TracerStage{
		Name:   viper.GetString("tracerName"),
		Module: viper.GetString("tracerModule"),
		Options: map[string]interface{}{
			"data_store_api_url": viper.GetString("tracerDataStoreApiUrl"),
			"data_store_api_key": viper.GetString("tracerDataStoreApiKey"),
			"archive_api_url":    viper.GetString("tracerArchiveApiUrl"),
			"archive_api_key":    viper.GetString("tracerArchiveApiKey"),
			"system_prefix":      viper.GetString("tracerSystemPrefix"),
			"agreement_id":       viper.GetString("tracerAgreementId"),
			"hash_event_data":    viper.GetBool("tracerHashEventData"),
			"dlq_vcon_on_error":  viper.GetBool("tracerDlqVconOnError"),
		},
	}
}
