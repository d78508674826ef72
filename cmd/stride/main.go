// Command stride drives training runs described by a YAML config
// file: fitting, the standalone validation, test and predict passes,
// the hyperparameter probes and a listing of registered modules.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "stride",
	Short: "Training run CLI",
	Long: `Stride runs training experiments from a YAML config file.
The config names a registered module and the trainer settings; fit,
validate, test, predict and tune all read the same file.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Run config file (overrides STRIDE_CONFIG)")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Environment variables
	viper.SetEnvPrefix("STRIDE")
	viper.AutomaticEnv()

	// Also accept the MLflow client's own variables
	viper.BindEnv("mlflow_uri", "MLFLOW_TRACKING_URI")
	viper.BindEnv("mlflow_token", "MLFLOW_TRACKING_TOKEN", "DATABRICKS_TOKEN")
}
