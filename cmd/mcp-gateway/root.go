package main

import (
	"github.com/spf13/cobra"
)

const helpTemplate = `MCP Policy Gateway - security and governance gateway for MCP backends.
{{if .UseLine}}
Usage: {{.UseLine}}
{{end}}{{if .HasAvailableLocalFlags}}
Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}
{{end}}{{if .HasAvailableSubCommands}}
Available Commands:
{{range .Commands}}{{if (or .IsAvailableCommand)}}  {{rpad .Name .NamePadding }} {{.Short}}
{{end}}{{end}}{{end}}
`

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:              "mcp-gateway",
		Short:            "Run and administer the MCP policy gateway",
		TraverseChildren: true,
		SilenceUsage:     true,
		SilenceErrors:    true,
	}
	root.SetHelpTemplate(helpTemplate)

	root.AddCommand(newServeCommand())
	root.AddCommand(newMigrateCommand())
	root.AddCommand(newAdapterCommand())

	return root
}
