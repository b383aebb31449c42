// Package cmd is the chatty command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pliu/alumnichat/internal/config"
)

var cfgFile string

// Execute runs the root command. It is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "chatty",
	Short:         "Real-time chat service for the alumni network",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file (yaml, toml or json)")

	rootCmd.PersistentFlags().String("env", "dev",
		"Environment name; dev and local enable colored debug logs")
	_ = viper.BindPFlag("env", rootCmd.PersistentFlags().Lookup("env"))

	rootCmd.PersistentFlags().String("db-driver", "sqlite3",
		"Database driver, sqlite3 or postgres")
	_ = viper.BindPFlag("db.driver", rootCmd.PersistentFlags().Lookup("db-driver"))

	rootCmd.PersistentFlags().String("db-dsn", "chatty.db",
		"Database data source name")
	_ = viper.BindPFlag("db.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))

	rootCmd.PersistentFlags().String("jwt-secret", "",
		"HMAC secret for access tokens")
	_ = viper.BindPFlag("jwt.secret", rootCmd.PersistentFlags().Lookup("jwt-secret"))
}

// initConfig reads in the config file and environment variables.
func initConfig() {
	v := viper.GetViper()
	config.SetDefaults(v)
	config.Bind(v)
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read config %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
	}
}
