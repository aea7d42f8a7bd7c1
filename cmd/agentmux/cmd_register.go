package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmux/agentmux/internal/api"
	"github.com/agentmux/agentmux/internal/config"
)

// registerCmd is run by agents from inside their tmux sessions to
// acknowledge that they have read their prompt and are ready.
func registerCmd() *cobra.Command {
	var (
		sessionName string
		role        string
		memberID    string
		status      string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Report an agent as registered with the orchestrator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sessionName == "" {
				sessionName = os.Getenv("AGENTMUX_SESSION")
			}
			if sessionName == "" {
				return fmt.Errorf("--session is required (or set AGENTMUX_SESSION)")
			}

			cfg, err := config.Parse()
			if err != nil {
				return err
			}

			body, err := json.Marshal(api.RegisterRequest{
				SessionName: sessionName,
				Role:        role,
				MemberID:    memberID,
				Status:      status,
			})
			if err != nil {
				return err
			}

			url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/agents/register", cfg.Server.Port)
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("calling registration endpoint: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("registration rejected: %s", resp.Status)
			}
			fmt.Printf("registered %s as %s\n", sessionName, status)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionName, "session", "", "Session name (defaults to AGENTMUX_SESSION)")
	cmd.Flags().StringVar(&role, "role", "", "Agent role")
	cmd.Flags().StringVar(&memberID, "member", "", "Team member ID")
	cmd.Flags().StringVar(&status, "status", "active", "Registration status")
	return cmd
}
