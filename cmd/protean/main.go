package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yungbote/protean/internal/app"
	"github.com/yungbote/protean/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "protean",
	Short: "inspect and exercise configured persistence providers",
	Long: fmt.Sprintf(`protean (%s)

Loads a provider configuration, connects every provider it names and
reports on them. Configuration comes from --config, PROTEAN_CONFIG or
the built-in default.`, app.Version),
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "path to a YAML provider configuration")
	rootCmd.PersistentFlags().String("log-mode", "", "development or production; overrides the file")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-mode", rootCmd.PersistentFlags().Lookup("log-mode"))

	rootCmd.AddCommand(versionCmd, checkCmd, providersCmd, pingCmd, smokeCmd)
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("protean")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadConfig resolves the configuration file and applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return config.Config{}, err
	}
	if mode := strings.TrimSpace(viper.GetString("log-mode")); mode != "" {
		cfg.Log.Mode = mode
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
