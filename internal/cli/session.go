package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/mnemo/internal/engine"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the agent's sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(eng *engine.Engine) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			sessions, err := eng.ListSessions(ctx, agentID, 0)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions yet.")
				return nil
			}
			for _, s := range sessions {
				state := "open"
				if s.EndedAt != nil {
					state = "ended"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-36s %-5s %3d  %s\n", s.ID, state, s.MemoryCount, s.Title)
			}
			return nil
		})
	},
}

var sessionMemoriesCmd = &cobra.Command{
	Use:   "memories <session-id>",
	Short: "List a session's memories in the order they were saved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(eng *engine.Engine) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			records, err := eng.SessionMemories(ctx, agentID, args[0], 0)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(w, "No memories in this session.")
				return nil
			}
			for _, r := range records {
				created := time.UnixMilli(r.CreatedAt).Format("2006-01-02 15:04")
				fmt.Fprintf(w, "#%d %s  %s [%s]\n", r.ID, created, preview(r.Content, 120), r.Category)
			}
			return nil
		})
	},
}

func init() {
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionMemoriesCmd)
}
