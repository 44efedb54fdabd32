package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lazypower/mnemo/internal/engine"
)

// Without --agent, decay, cleanup and autotune cover every agent.

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Remove expired memories and recompute decay scores",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(eng *engine.Engine) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			res, err := eng.RunDecayPass(ctx, agentID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "decay: %d updated, %d expired, %d failed\n", res.Updated, res.Expired, res.Failed)
			return nil
		})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete memories whose TTL has passed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(eng *engine.Engine) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			res, err := eng.CleanupExpired(ctx, agentID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleanup: %d removed\n", res.Removed)
			return nil
		})
	},
}

var autotuneCmd = &cobra.Command{
	Use:   "autotune",
	Short: "Adjust importance from access patterns",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(eng *engine.Engine) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			res, err := eng.RunAutoTune(ctx, agentID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "autotune: %d boosted, %d reduced\n", res.Boosted, res.Reduced)
			return nil
		})
	},
}

var allAgents bool

var compressCmd = &cobra.Command{
	Use:   "compress",
	Short: "Merge near-duplicate memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(eng *engine.Engine) error {
			return forAgents(cmd, eng, func(agent string) error {
				res, err := eng.RunCompressionPass(cmd.Context(), agent)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d clusters, %d merged into %d, %d failed, %d centroid fallbacks\n",
					agent, res.ClustersFound, res.MergedCount, res.NewRecords, res.Failed, res.CentroidFallbacks)
				return nil
			})
		})
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Embed memories missing a vector and rebuild the index",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(eng *engine.Engine) error {
			return forAgents(cmd, eng, func(agent string) error {
				n, err := eng.RebuildIndex(cmd.Context(), agent)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d embedded\n", agent, n)
				return nil
			})
		})
	},
}

func init() {
	compressCmd.Flags().BoolVar(&allAgents, "all", false, "run for every agent")
	reindexCmd.Flags().BoolVar(&allAgents, "all", false, "run for every agent")
}

// withEngine opens the engine for the duration of fn.
func withEngine(cmd *cobra.Command, fn func(*engine.Engine) error) error {
	eng, closeAll, err := openEngine()
	if err != nil {
		return err
	}
	defer closeAll()
	return fn(eng)
}

// forAgents runs fn for the selected agent, or for each agent with --all.
func forAgents(cmd *cobra.Command, eng *engine.Engine, fn func(agent string) error) error {
	if !allAgents {
		agent := agentID
		if agent == "" {
			agent = engine.DefaultAgent
		}
		return fn(agent)
	}
	agents, err := eng.ListAgents(cmd.Context())
	if err != nil {
		return err
	}
	for _, a := range agents {
		if err := fn(a.AgentID); err != nil {
			return err
		}
	}
	return nil
}
