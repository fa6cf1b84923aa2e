package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/basket/go-relay/internal/commands"
	"github.com/basket/go-relay/internal/config"
)

func commandsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "commands", Short: "Work with command definitions"}
	cmd.AddCommand(commandsValidateCmd())
	cmd.AddCommand(commandsListCmd())
	return cmd
}

func commandsValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a static command file",
		Long: `Validate a static command file without a running relay. Defaults to the
commands_file from config.yaml.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("config load: %w", err)
				}
				file = cfg.CommandsPath()
			}
			// LoadStatic treats a missing file as empty; here it is an error.
			if _, err := os.Stat(file); err != nil {
				return err
			}
			set, err := commands.LoadStatic(file)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			if asJSON {
				return printJSON(cmd.OutOrStdout(), set)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok (version %s)\n", file, dash(set.Version))
			providers := make([]string, 0, len(set.Providers))
			for p := range set.Providers {
				providers = append(providers, p)
			}
			sort.Strings(providers)
			for _, p := range providers {
				renderCommands(cmd, p, set.Providers[p])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the command file")
	return cmd
}

func commandsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <provider>",
		Short: "List merged static and dynamic commands on a running relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			var res struct {
				Commands      []commands.Command `json:"commands"`
				StaticVersion string             `json:"static_version"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/api/commands/"+url.PathEscape(args[0]), nil, &res); err != nil {
				return err
			}
			if c.asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "static version %s\n", dash(res.StaticVersion))
			renderCommands(cmd, args[0], res.Commands)
			return nil
		},
	}
}

func renderCommands(cmd *cobra.Command, provider string, cmds []commands.Command) {
	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.SetTitle(provider)
	tw.AppendHeader(table.Row{"Name", "Aliases", "Profile", "Approval", "Priority", "Source"})
	for _, c := range cmds {
		tw.AppendRow(table.Row{
			c.Name,
			strings.Join(c.Aliases, ", "),
			dash(c.TargetProfile),
			c.RequiresApproval,
			c.Priority,
			dash(c.Source),
		})
	}
	tw.Render()
}
