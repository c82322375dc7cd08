// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pgcopydb-go/pgcopydb-go/cmd/flags"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/config"
)

// Version is the pgcopydb-go version.
var Version = "development"

func init() {
	viper.SetEnvPrefix("PGCOPYDB")
	viper.AutomaticEnv()

	flags.RootFlags(rootCmd)
	config.BindFlags(rootCmd)
}

var rootCmd = &cobra.Command{
	Use:          "pgcopydb-go",
	Short:        "Concurrently migrate a PostgreSQL database to another instance",
	SilenceUsage: true,
	Version:      Version,
}

// Prepare registers every subcommand on rootCmd and returns it without
// executing, for tools that walk the command tree (e.g. CLI JSON schema
// generation) rather than running it.
func Prepare() *cobra.Command {
	rootCmd.AddCommand(cloneCmd())
	rootCmd.AddCommand(copyCmd())
	rootCmd.AddCommand(compareCmd())
	rootCmd.AddCommand(followCmd())
	rootCmd.AddCommand(transformCmd())
	return rootCmd
}

// Execute executes the root command.
func Execute() error {
	return Prepare().Execute()
}
