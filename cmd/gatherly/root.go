package main

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	keyServer   = "server"
	keyLogLevel = "log_level"
	keyName     = "name"
	keyCodec    = "codec"
	keySTUN     = "stun"
)

var rootCmd = &cobra.Command{
	Use:   "gatherly",
	Short: "Join Gatherly mesh rooms from the terminal",
	Long: `gatherly talks to a Gatherly relay. It lists rooms and joins them as a
full mesh participant, negotiating one WebRTC connection per remote member.

Settings come from flags, then GATHERLY_* environment variables (a .env file
is loaded first), then defaults.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(viper.GetString(keyLogLevel))
	},
}

func init() {
	_ = godotenv.Load()
	viper.SetEnvPrefix("GATHERLY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	pf := rootCmd.PersistentFlags()
	pf.String(keyServer, "http://localhost:8080", "relay base URL")
	pf.String("log-level", "warn", "log level (trace, debug, info, warn, error)")
	_ = viper.BindPFlag(keyServer, pf.Lookup(keyServer))
	_ = viper.BindPFlag(keyLogLevel, pf.Lookup("log-level"))

	rootCmd.AddCommand(joinCmd, roomsCmd)
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	return nil
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}
