package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/mnemo/internal/engine"
)

var (
	auditEvent string
	auditSince time.Duration
	auditLimit int

	entityType  string
	entityLimit int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the agent's recorded lifecycle events (needs audit.enabled)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(eng *engine.Engine) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			q := engine.AuditQuery{Event: auditEvent, Limit: auditLimit}
			if auditSince > 0 {
				q.Since = time.Now().Add(-auditSince).UnixMilli()
			}
			events, err := eng.AuditLog(ctx, agentID, q)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(w, "No events recorded.")
				return nil
			}
			for _, ev := range events {
				at := time.UnixMilli(ev.CreatedAt).Format(time.DateTime)
				target := "-"
				if ev.MemoryID != nil {
					target = fmt.Sprintf("#%d", *ev.MemoryID)
				}
				fmt.Fprintf(w, "%s  %-18s %-6s %s\n", at, ev.Event, target, ev.Data)
			}
			return nil
		})
	},
}

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "List entity tags (emails, urls, dates, money) on live memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(eng *engine.Engine) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			refs, err := eng.Entities(ctx, agentID, entityType, entityLimit)
			if err != nil {
				return err
			}
			if len(refs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No entities found.")
				return nil
			}
			for _, ref := range refs {
				fmt.Fprintf(cmd.OutOrStdout(), "#%-5d %-6s %s\n", ref.MemoryID, ref.Type, ref.Value)
			}
			return nil
		})
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditEvent, "event", "", "only this event, e.g. memory.saved")
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "only events newer than this, e.g. 24h")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 0, "maximum events (default 100)")
	entitiesCmd.Flags().StringVar(&entityType, "type", "", "email, url, date or money")
	entitiesCmd.Flags().IntVar(&entityLimit, "limit", 0, "maximum entities (default 100)")
}
