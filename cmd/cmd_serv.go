package main

import (
	"github.com/spf13/cobra"

	"github.com/qbloq/tagserv/serv"
)

// servCmd is the cobra CLI command for the serve subcommand
func servCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"serv"},
		Short:   "Run the TAG assistant service",
		Run:     cmdServ,
	}
}

// cmdServ is the handler for the serve subcommand
func cmdServ(*cobra.Command, []string) {
	conf, err := serv.NewConfig()
	if err != nil {
		log.Fatalf("failed to read configuration: %s", err)
	}
	serv.NewService(conf).Start()
}
