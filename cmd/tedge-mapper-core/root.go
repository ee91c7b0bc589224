/*
Copyright © 2024 thin-edge.io <info@thin-edge.io>
*/
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thin-edge/tedge-mapper-core/internal/config"
)

var buildVersion string
var buildBranch string

var rootCmd = &cobra.Command{
	Use:   "tedge-mapper-core",
	Short: "thin-edge.io device-management mapper core",
	Long: `Bridges on-device MQTT clients to a Cumulocity-shaped cloud IoT
platform: entity registration, operation orchestration, cloud wire
protocol conversion, and the flow/transformation engine.`,
	Version: fmt.Sprintf("%s (branch=%s)", buildVersion, buildBranch),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setLogLevel()
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once by main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		switch err.(type) {
		case config.SilentError:
		default:
			slog.Error("command error", "err", err)
		}
		os.Exit(1)
	}
}

func setLogLevel() error {
	value := strings.ToLower(viper.GetString("mapper.log_level"))
	switch value {
	case "debug":
		slog.SetLogLoggerLevel(slog.LevelDebug)
	case "warn":
		slog.SetLogLoggerLevel(slog.LevelWarn)
	case "error":
		slog.SetLogLoggerLevel(slog.LevelError)
	default:
		slog.SetLogLoggerLevel(slog.LevelInfo)
	}
	return nil
}

func init() {
	cliConfig := config.Config{}
	cobra.OnInitialize(cliConfig.OnInit)
	rootCmd.AddCommand(newRunCommand(cliConfig))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level")
	rootCmd.PersistentFlags().StringVarP(&cliConfig.ConfigFile, "config", "c", "", "Configuration file")
	_ = viper.BindPFlag("mapper.log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}
