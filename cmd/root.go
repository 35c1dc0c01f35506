package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/endorses/tlstap/cmd/decrypt"
	"github.com/endorses/tlstap/internal/pkg/logger"
	"github.com/endorses/tlstap/internal/pkg/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "tlstap",
	Short:   "tlstap decrypts captured TLS and DTLS sessions",
	Long:    fmt.Sprintf("tlstap %s - passive TLS/DTLS decryption from packet captures and keylogs", version.GetVersion()),
	Version: version.GetFullVersion(),
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Initialize structured logging
	logger.Initialize()

	rootCmd.AddCommand(decrypt.DecryptCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/tlstap/config.yaml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Priority order for config files:
		// 1. ~/.config/tlstap/config.yaml
		// 2. ~/.config/tlstap.yaml (XDG standard)
		// 3. ~/.tlstap.yaml (legacy)
		viper.AddConfigPath(home + "/.config/tlstap")
		viper.AddConfigPath(home + "/.config")
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")

		viper.SetConfigName("config")
		if err := viper.ReadInConfig(); err != nil {
			viper.SetConfigName("tlstap")
		}
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
