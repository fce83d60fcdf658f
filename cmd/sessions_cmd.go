package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/sessions"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect the relay's per-session run ledger",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	return cmd
}

func openSessions() (*sessions.Manager, *config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, err
	}
	path := cfg.SessionsPath()
	if path == "" {
		return nil, nil, fmt.Errorf("sessions.storage is not set; runs are kept in memory only")
	}
	return sessions.NewManager(path), cfg, nil
}

func sessionsListCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cfg, err := openSessions()
			if err != nil {
				return err
			}
			if agentID == "" {
				agentID = cfg.AgentID()
			}
			if agentID == "*" {
				agentID = ""
			}

			infos := mgr.List(agentID)
			if len(infos) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tCHAT\tRUNS\tFAILED\tLAST\tUPDATED")
			for _, s := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", s.Key, s.ChatID, s.Total, s.Failed, s.LastOutcome, s.Updated.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id to list (default: configured agent, * for all)")
	return cmd
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a session's run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := openSessions()
			if err != nil {
				return err
			}
			if err := mgr.Delete(args[0]); err != nil {
				return fmt.Errorf("delete %s: %w", args[0], err)
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}
