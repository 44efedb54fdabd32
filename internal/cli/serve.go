package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/lazypower/mnemo/internal/engine"
	"github.com/lazypower/mnemo/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	eng, closeAll, err := openEngine()
	if err != nil {
		return err
	}
	defer closeAll()

	eng.StartMaintenance()
	go embedMissing(eng)

	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.New(eng, VersionString()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Info("mnemo serving", "addr", addr, "db", eng.DB.Path, "index", eng.Index.Strategy())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-done:
	}
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

// embedMissing backfills vectors for records stored while the provider was
// down or under another model.
func embedMissing(eng *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	agents, err := eng.ListAgents(ctx)
	if err != nil {
		log.Warn("embed missing: list agents", "error", err)
		return
	}
	for _, a := range agents {
		n, err := eng.EmbedMissing(ctx, a.AgentID)
		if err != nil {
			log.Warn("embed missing", "agent", a.AgentID, "error", err)
			continue
		}
		if n > 0 {
			log.Info("embedded missing vectors", "agent", a.AgentID, "count", n)
		}
	}
}
