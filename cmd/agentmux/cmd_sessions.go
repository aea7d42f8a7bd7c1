package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/tmux"
)

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List live tmux sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Parse()
			if err != nil {
				return err
			}
			log := slog.New(slog.NewTextHandler(os.Stderr, nil))
			driver := tmux.NewClient(log, tmux.WithTimeout(cfg.DriverTimeout()))

			sessions, err := driver.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCREATED\tATTACHED\tWINDOWS")
			for _, s := range sessions {
				attached := "no"
				if s.Attached {
					attached = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
					s.Name, s.CreatedAt.Format("2006-01-02 15:04:05"), attached, s.WindowCount)
			}
			return w.Flush()
		},
	}
}
