package cli

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/lazypower/mnemo/internal/config"
)

var (
	cfgFile string
	verbose bool
	agentID string

	cfg    *config.Config
	cfgErr error
)

var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "Long-term memory for AI agents",
	Long: `mnemo stores agent memories in SQLite, ranks them by relevance, decay and
importance, and compresses near-duplicates over time. Single Go binary.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		log.Error(err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./mnemo.yaml or ~/.mnemo/mnemo.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&agentID, "agent", "a", "", "agent id (default \"default\")")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(timelineCmd)
	rootCmd.AddCommand(decayCmd)
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(autotuneCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(entitiesCmd)
}

func initConfig() {
	log.SetOutput(os.Stderr)
	cfg, cfgErr = config.Load(cfgFile)
	if cfgErr != nil {
		return
	}
	log.SetLevel(cfg.LogLevel())
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
	if cfg.File != "" {
		log.Debug("using config file", "path", cfg.File)
	}
}
