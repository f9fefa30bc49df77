package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qbloq/tagserv/serv/internal/util"
)

var (
	// These variables are set using -ldflags
	version string
	commit  string
	date    string
)

var log *zap.SugaredLogger

// Cmd is the entry point for the CLI
func Cmd() {
	log = util.NewLogger(false, "info").Sugar()

	cobra.EnableCommandSorting = false
	rootCmd := &cobra.Command{
		Use:   "tagserv",
		Short: BuildDetails(),
	}

	rootCmd.AddCommand(servCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("%s", err)
	}
}

// versionCmd is the cobra CLI command to print build details
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Version information",
		Run: func(*cobra.Command, []string) {
			fmt.Println(BuildDetails())
		},
	}
}

// BuildDetails renders the build metadata
func BuildDetails() string {
	if version == "" {
		return "TAGServ (unversioned build)"
	}
	return fmt.Sprintf("TAGServ %s (%s, %s, %s/%s)",
		version, commit, date, runtime.GOOS, runtime.GOARCH)
}
