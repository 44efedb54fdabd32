package cli

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/lazypower/mnemo/internal/config"
	"github.com/lazypower/mnemo/internal/engine"
	"github.com/lazypower/mnemo/internal/store"
	"github.com/lazypower/mnemo/internal/vindex"
)

// hashDims is the width of the offline embedder when auto detection falls
// back to it.
const hashDims = 256

// openEngine wires the store, vector index and embedder from the loaded
// config. The returned func closes everything.
func openEngine() (*engine.Engine, func(), error) {
	if cfgErr != nil {
		return nil, nil, cfgErr
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	idx, err := vindex.Open(cfg.Index.Strategy, db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("open index: %w", err)
	}

	emb, err := engine.NewCachedEmbedder(newEmbedder(cfg.Embedder), cfg.Embedder.CacheSize)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	eng := engine.New(db, idx, emb, engine.NewLocks(), cfg.Engine())
	log.Debug("engine ready", "db", dbPath, "index", idx.Strategy(), "embedder", emb.Model())

	closeAll := func() {
		eng.Stop()
		emb.Close()
		db.Close()
	}
	return eng, closeAll, nil
}

// newEmbedder picks the provider. Auto uses Ollama when it answers and the
// model is pulled, otherwise the offline hashing embedder.
func newEmbedder(c config.EmbedderConfig) engine.Embedder {
	switch c.Provider {
	case config.ProviderHash:
		return engine.NewHashEmbedder(c.Dims)
	case config.ProviderOllama:
		return engine.NewOllamaEmbedder(c.OllamaURL, c.Model, c.Dims)
	}
	if engine.ProbeOllama(c.OllamaURL, c.Model) {
		log.Info("embedder: ollama", "model", c.Model)
		return engine.NewOllamaEmbedder(c.OllamaURL, c.Model, c.Dims)
	}
	log.Info("embedder: ollama not reachable, using hash fallback", "url", c.OllamaURL)
	return engine.NewHashEmbedder(hashDims)
}
