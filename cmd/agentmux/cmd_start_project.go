package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmux/agentmux/internal/workflow"
)

func startProjectCmd() *cobra.Command {
	var (
		projectID   string
		teamID      string
		timeout     time.Duration
		preserveOrc bool
	)
	cmd := &cobra.Command{
		Use:   "start-project",
		Short: "Start a project with a team and wait for it to come up",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if projectID == "" || teamID == "" {
				return fmt.Errorf("--project and --team are required")
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := buildApp(ctx, buildOpts{preserveOrchestrator: preserveOrc})
			if err != nil {
				return err
			}
			defer a.Close()

			// Agents acknowledge their prompts through the registration
			// endpoint, so the API must be up for the whole run.
			go func() {
				if err := a.serveHTTP(ctx); err != nil {
					a.log.Error("http server failed", "error", err)
				}
			}()

			id, err := a.engine.StartProject(ctx, projectID, teamID)
			if err != nil {
				return err
			}
			a.log.Info("workflow started", "execution", id,
				"project", projectID, "team", teamID)

			waitCtx := ctx
			if timeout > 0 {
				var waitCancel context.CancelFunc
				waitCtx, waitCancel = context.WithTimeout(ctx, timeout)
				defer waitCancel()
			}
			exec, err := a.engine.Wait(waitCtx, id)
			if err != nil {
				return fmt.Errorf("waiting for workflow: %w", err)
			}

			printExecution(exec)
			if exec.Status != workflow.ExecSucceeded {
				return fmt.Errorf("workflow %s", exec.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "Project ID from the roster")
	cmd.Flags().StringVar(&teamID, "team", "", "Team ID from the roster")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (0 waits forever)")
	cmd.Flags().BoolVar(&preserveOrc, "preserve-orchestrator", false,
		"Never kill and recreate the orchestrator session during initialization")
	return cmd
}

func printExecution(exec workflow.Execution) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "EXECUTION\t%s\t%s\n", exec.ID, exec.Status)
	for _, s := range exec.Steps {
		note := s.Detail
		if s.Error != "" {
			note = s.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Status, note)
	}
	w.Flush()
}
