// Package app provides the CLI surface for the gateway daemon (spec §6),
// modeled on minder's cmd/reminder/app root+start split: a single service
// with no subcommand surface beyond start/version.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/neurogate/gateway/internal/config"
)

// RootCmd is the base command when gatewayd is invoked without arguments.
var RootCmd = &cobra.Command{
	Use:   "gatewayd",
	Short: "gatewayd runs the industrial IoT gateway",
	Long:  `gatewayd polls field devices through driver plugins and fans out their data to app plugins, controlled by a single in-process manager.`,
}

const configFileName = "gateway-config.yaml"

// Execute adds all child commands to RootCmd and runs it.
func Execute() {
	RootCmd.SetOut(os.Stdout)
	RootCmd.SetErr(os.Stderr)
	if err := RootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("gatewayd exited with error")
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	config.SetViperDefaults(viper.GetViper())
	RootCmd.PersistentFlags().String("config", "", fmt.Sprintf("config file (default is $PWD/%s)", configFileName))
	if err := viper.BindPFlag("config", RootCmd.PersistentFlags().Lookup("config")); err != nil {
		log.Fatal().Err(err).Msg("error binding config flag")
	}
}

func initConfig() {
	cfgFile := viper.GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(strings.TrimSuffix(configFileName, filepath.Ext(configFileName)))
		viper.AddConfigPath(".")
	}
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			log.Fatal().Err(err).Msg("error reading config file")
		}
	}
}
