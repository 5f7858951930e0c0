// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/noldarim/caroni/internal/compiler"
	"github.com/noldarim/caroni/internal/config"
	"github.com/noldarim/caroni/internal/orchestrator/database"
	"github.com/noldarim/caroni/internal/orchestrator/models"
	"github.com/noldarim/caroni/internal/orchestrator/services"
	"github.com/noldarim/caroni/internal/protocol"
	"github.com/noldarim/caroni/internal/transport"
	"github.com/spf13/cobra"
)

// transportFactory opens the transport used to reach the manager
type transportFactory func(ctx context.Context, cfg *config.TransportConfig) (transport.Transport, error)

// sharedTransport refuses the in-memory driver, which cannot reach another process
func sharedTransport(ctx context.Context, cfg *config.TransportConfig) (transport.Transport, error) {
	if cfg.Driver == "memory" {
		return nil, errors.New("workflow create needs a shared transport; set transport.driver to redis")
	}
	return transport.New(ctx, cfg)
}

type createOptions struct {
	name         string
	inputs       map[string]string
	inputsFile   string
	managerTopic string
	dial         transportFactory
}

func newWorkflowCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Submit and inspect workflows",
	}
	cmd.AddCommand(
		newWorkflowCreateCommand(opts, sharedTransport),
		newWorkflowListCommand(opts),
		newWorkflowShowCommand(opts),
	)
	return cmd
}

func newWorkflowCreateCommand(opts *globalOptions, dial transportFactory) *cobra.Command {
	co := &createOptions{dial: dial}
	cmd := &cobra.Command{
		Use:   "create <template>",
		Short: "Ask the manager to instantiate a template",
		Long: `Publishes a workflow_create message to the manager's topic. Creation is
asynchronous: follow progress with "workflow list" or the API's event stream.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return createWorkflow(cmd, opts, co, args[0])
		},
	}
	cmd.Flags().StringVarP(&co.name, "name", "n", "", "Workflow name (default: the template name)")
	cmd.Flags().StringToStringVarP(&co.inputs, "input", "i", nil, "Workflow input key=value, can be repeated")
	cmd.Flags().StringVarP(&co.inputsFile, "inputs-file", "f", "", "YAML file of workflow inputs; --input overrides")
	cmd.Flags().StringVar(&co.managerTopic, "manager-topic", "", "Manager topic (default: derived from config and the site registration)")
	return cmd
}

func createWorkflow(cmd *cobra.Command, opts *globalOptions, co *createOptions, template string) error {
	ctx := cmd.Context()

	inputs := map[string]string{}
	if co.inputsFile != "" {
		fromFile, err := LoadInputsFile(co.inputsFile)
		if err != nil {
			return err
		}
		maps.Copy(inputs, fromFile)
	}
	maps.Copy(inputs, co.inputs)

	cfg, db, err := opts.load()
	if err != nil {
		return err
	}
	defer db.Close()

	topic, err := resolveManagerTopic(ctx, cfg, db, co.managerTopic)
	if err != nil {
		return err
	}

	tr, err := co.dial(ctx, &cfg.Transport)
	if err != nil {
		return fmt.Errorf("failed to connect transport: %w", err)
	}
	defer tr.Close()

	msg := &protocol.WorkflowCreate{
		TemplateName: template,
		WorkflowName: co.name,
		Inputs:       protocol.ParametersFromMap(inputs),
	}
	if err := tr.Publish(ctx, topic, "", msg); err != nil {
		return fmt.Errorf("failed to submit workflow: %w", err)
	}

	getLog().Info().Str("template", template).Str("topic", topic).Msg("Workflow submitted")
	fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s to %s\n", template, topic)
	return nil
}

// resolveManagerTopic picks the explicit topic, then the configured topic id, then the
// one derived from the site registration
func resolveManagerTopic(ctx context.Context, cfg *config.AppConfig, db *database.GormDB, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	id := cfg.Manager.TopicID
	if id == "" {
		site, err := db.EnsureSite(ctx, cfg.Manager.SiteName)
		if err != nil {
			return "", fmt.Errorf("failed to resolve manager site: %w", err)
		}
		id = protocol.TopicIDFromUUID(site.ID)
	}
	return protocol.Topic(cfg.Transport.Exchange, protocol.RoleManager, id), nil
}

func newWorkflowListCommand(opts *globalOptions) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := opts.load()
			if err != nil {
				return err
			}
			defer db.Close()

			ds := services.NewDataService(db, compiler.NewCWLFrontend())
			workflows, err := ds.ListWorkflows(cmd.Context(), models.WorkflowState(state))
			if err != nil {
				return fmt.Errorf("failed to load workflows: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(workflows) == 0 {
				fmt.Fprintln(out, "No workflows found.")
				return nil
			}
			fmt.Fprintf(out, "%-36s  %-24s  %-12s  %s\n", "ID", "NAME", "STATE", "CREATED")
			for _, wf := range workflows {
				fmt.Fprintf(out, "%-36s  %-24s  %-12s  %s\n", wf.ID, truncate(wf.Name, 24), wf.State, wf.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&state, "state", "s", "", "Only workflows in this state")
	return cmd
}

func newWorkflowShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a workflow with its steps, dataflows and outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := opts.load()
			if err != nil {
				return err
			}
			defer db.Close()

			wf, err := services.NewDataService(db, compiler.NewCWLFrontend()).GetWorkflow(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to load workflow: %w", err)
			}
			printWorkflow(cmd.OutOrStdout(), wf)
			return nil
		},
	}
}

func printWorkflow(out io.Writer, wf *models.Workflow) {
	fmt.Fprintf(out, "Workflow %s (%s)\n", wf.Name, wf.ID)
	fmt.Fprintf(out, "  State:   %s\n", wf.State)
	fmt.Fprintf(out, "  Created: %s\n", wf.CreatedAt.Format("2006-01-02 15:04:05"))

	names := make(map[string]string, len(wf.Steps))
	fmt.Fprintln(out, "\nSteps:")
	fmt.Fprintf(out, "  %-20s  %-16s  %-10s  %s\n", "NAME", "JOB TYPE", "STATE", "ATTEMPTS")
	for _, s := range wf.Steps {
		names[s.ID] = s.StepName
		fmt.Fprintf(out, "  %-20s  %-16s  %-10s  %d/%d\n", truncate(s.StepName, 20), truncate(s.JobTypeName, 16), s.State, s.Attempts, s.MaxAttempts)
	}

	port := func(stepID *string, name string) string {
		if stepID == nil {
			return "#" + name
		}
		return names[*stepID] + "/" + name
	}
	fmt.Fprintln(out, "\nDataflows:")
	for _, d := range wf.Dataflows {
		value := "-"
		if d.Value != nil {
			value = *d.Value
		}
		fmt.Fprintf(out, "  %s -> %s  [%s] %s\n", port(d.SrcStepID, d.SrcOutputName), port(d.DstStepID, d.DstInputName), d.State, value)
	}

	fmt.Fprintln(out, "\nOutputs:")
	if len(wf.Outputs) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, k := range slices.Sorted(maps.Keys(wf.Outputs)) {
		fmt.Fprintf(out, "  %s = %s\n", k, wf.Outputs[k])
	}
}
