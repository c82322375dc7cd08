// SPDX-License-Identifier: Apache-2.0

// Package flags holds the handful of root-level CLI flags that sit outside
// pkg/config.Config: the optional config file path and the verbosity
// switch, following the teacher's cmd/flags/flags.go pattern of one
// viper-backed accessor per persistent flag.
package flags

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func ConfigFile() string {
	return viper.GetString("CONFIG_FILE")
}

func Verbose() bool {
	return viper.GetBool("VERBOSE")
}

// RootFlags registers the root-level flags not covered by config.BindFlags.
func RootFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML or TOML config file")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")

	_ = viper.BindPFlag("CONFIG_FILE", cmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("VERBOSE", cmd.PersistentFlags().Lookup("verbose"))
}
