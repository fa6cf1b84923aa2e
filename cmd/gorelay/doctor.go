package main

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/doctor"
)

var checkStyles = map[string]lipgloss.Style{
	doctor.StatusPass: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	doctor.StatusWarn: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	doctor.StatusFail: lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	doctor.StatusSkip: lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks against the local home directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfgPtr *config.Config
			cfg, err := config.Load()
			if err == nil {
				cfgPtr = &cfg
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "config load: %v\n", err)
			}
			d := doctor.Run(cmd.Context(), cfgPtr, Version)

			asJSON, _ := cmd.Flags().GetBool("json")
			if asJSON {
				if err := printJSON(cmd.OutOrStdout(), d); err != nil {
					return err
				}
			} else {
				p := newPrinter(cmd.OutOrStdout())
				tw := table.NewWriter()
				tw.SetOutputMirror(p.w)
				tw.SetTitle(fmt.Sprintf("gorelay %s (%s/%s, %s)", d.System.Version, d.System.OS, d.System.Arch, d.System.Go))
				tw.AppendHeader(table.Row{"Check", "Status", "Message", "Detail"})
				for _, r := range d.Results {
					status := r.Status
					if style, ok := checkStyles[status]; ok && p.color {
						status = style.Render(status)
					}
					tw.AppendRow(table.Row{r.Name, status, r.Message, r.Detail})
				}
				tw.Render()
			}
			if d.Failed() {
				return errors.New("one or more checks failed")
			}
			return nil
		},
	}
}
