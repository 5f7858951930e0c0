// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"

	"github.com/noldarim/caroni/internal/compiler"
	"github.com/noldarim/caroni/internal/orchestrator/services"
	"github.com/spf13/cobra"
)

func newTemplateCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage workflow templates",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <name> <file>",
		Short: "Register a workflow document under a name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			document, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read workflow document: %w", err)
			}

			_, db, err := opts.load()
			if err != nil {
				return err
			}
			defer db.Close()

			ds := services.NewDataService(db, compiler.NewCWLFrontend())
			tmpl, err := ds.CreateTemplate(cmd.Context(), args[0], string(document))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Template %s registered (%s)\n", tmpl.Name, tmpl.ID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workflow templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := opts.load()
			if err != nil {
				return err
			}
			defer db.Close()

			templates, err := services.NewDataService(db, compiler.NewCWLFrontend()).ListTemplates(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to load templates: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(templates) == 0 {
				fmt.Fprintln(out, "No templates found.")
				fmt.Fprintln(out, "\nRegister one with:")
				fmt.Fprintf(out, "  %s template add <name> <file.cwl>\n", appName)
				return nil
			}

			fmt.Fprintf(out, "%-24s  %-36s  %s\n", "NAME", "ID", "CREATED")
			for _, t := range templates {
				fmt.Fprintf(out, "%-24s  %-36s  %s\n", truncate(t.Name, 24), t.ID, t.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	})

	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
