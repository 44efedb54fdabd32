package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/lazypower/mnemo/internal/engine"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory totals and distributions for an agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(eng *engine.Engine) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			st, err := eng.Stats(ctx, agentID)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "active %d, archived %d, merged %d\n", st.Active, st.Archived, st.Merged)
			fmt.Fprintf(w, "decay: %d healthy, %d fading, %d critical (avg %.2f)\n",
				st.Decay.Healthy, st.Decay.Fading, st.Decay.Critical, st.Decay.Average)
			fmt.Fprintf(w, "categories: %s\n", formatCounts(st.Categories))
			fmt.Fprintf(w, "importance: %s\n", formatCounts(st.Importance))
			if len(st.TopTags) > 0 {
				fmt.Fprint(w, "top tags:")
				for _, t := range st.TopTags {
					fmt.Fprintf(w, " %s(%d)", t.Tag, t.Count)
				}
				fmt.Fprintln(w)
			}
			fmt.Fprintf(w, "index: %s, embedder: %s\n", st.IndexStrategy, st.EmbedModel)
			return nil
		})
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents with their active memory counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(eng *engine.Engine) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			agents, err := eng.ListAgents(ctx)
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No agents yet.")
				return nil
			}
			for _, a := range agents {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %d\n", a.AgentID, a.Active)
			}
			return nil
		})
	},
}

// formatCounts renders a count map as "k=v" pairs sorted by key.
func formatCounts(m map[string]int) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%d", k, m[k])
	}
	return out
}
