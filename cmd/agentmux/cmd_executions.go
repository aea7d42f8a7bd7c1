package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func executionsCmd() *cobra.Command {
	var execID string
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "Show workflow execution history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context(), buildOpts{})
			if err != nil {
				return err
			}
			defer a.Close()

			if execID != "" {
				exec, err := a.store.GetExecution(cmd.Context(), execID)
				if err != nil {
					return err
				}
				printExecution(exec)
				return nil
			}

			execs, err := a.store.ListExecutions(cmd.Context())
			if err != nil {
				return err
			}
			if len(execs) == 0 {
				fmt.Println("no executions")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROJECT\tTEAM\tSTATUS\tSTARTED")
			for _, e := range execs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.ID, e.ProjectID, e.TeamID, e.Status,
					e.StartedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&execID, "id", "", "Show one execution with its steps")
	return cmd
}
