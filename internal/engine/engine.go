package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	errs "github.com/lazypower/mnemo/internal/errors"
	"github.com/lazypower/mnemo/internal/store"
	"github.com/lazypower/mnemo/internal/vindex"
)

// Options tunes the engine. Zero fields take the defaults below.
type Options struct {
	MinSimilarity    float64
	SemanticK        int
	DefaultPageSize  int
	MaxHalfLifeBoost float64
	EmbedTimeout     time.Duration

	CompressionThreshold float64
	CompressionChunk     int
	CompressionMaxDepth  int
	AutoCompress         bool
	AutoTune             bool

	MaintenanceInterval time.Duration

	// EntityTags tags new records with the entities found in their content.
	EntityTags bool
	// Audit persists lifecycle events; AuditRetention bounds their age.
	Audit          bool
	AuditRetention time.Duration

	// Now overrides the store clock. Tests use it to move time forward.
	Now func() time.Time
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		MinSimilarity:        0.1,
		SemanticK:            100,
		DefaultPageSize:      20,
		MaxHalfLifeBoost:     DefaultMaxHalfLifeBoost,
		EmbedTimeout:         5 * time.Second,
		CompressionThreshold: 0.88,
		CompressionChunk:     2000,
		CompressionMaxDepth:  3,
		MaintenanceInterval:  24 * time.Hour,
		AuditRetention:       90 * 24 * time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinSimilarity == 0 {
		o.MinSimilarity = d.MinSimilarity
	}
	if o.SemanticK <= 0 {
		o.SemanticK = d.SemanticK
	}
	if o.DefaultPageSize <= 0 || o.DefaultPageSize > MaxPageSize {
		o.DefaultPageSize = d.DefaultPageSize
	}
	if o.MaxHalfLifeBoost < 1 {
		o.MaxHalfLifeBoost = d.MaxHalfLifeBoost
	}
	if o.EmbedTimeout <= 0 {
		o.EmbedTimeout = d.EmbedTimeout
	}
	if o.CompressionThreshold <= 0 || o.CompressionThreshold > 1 {
		o.CompressionThreshold = d.CompressionThreshold
	}
	if o.CompressionChunk <= 0 {
		o.CompressionChunk = d.CompressionChunk
	}
	if o.CompressionMaxDepth <= 0 {
		o.CompressionMaxDepth = d.CompressionMaxDepth
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = d.MaintenanceInterval
	}
	if o.AuditRetention <= 0 {
		o.AuditRetention = d.AuditRetention
	}
	return o
}

// Engine is the memory engine: scoring, decay, hybrid search, compression
// and the relation graph over one shared store.
type Engine struct {
	DB       *store.DB
	Index    vindex.Index
	Embedder Embedder // nil means textual-only
	Locks    *Locks

	opts     Options
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an Engine. locks may be nil for a private lock set.
func New(db *store.DB, idx vindex.Index, emb Embedder, locks *Locks, opts Options) *Engine {
	opts = opts.withDefaults()
	if opts.Now != nil {
		db.Clock = opts.Now
	}
	if locks == nil {
		locks = NewLocks()
	}
	return &Engine{
		DB:       db,
		Index:    idx,
		Embedder: emb,
		Locks:    locks,
		opts:     opts,
		stopCh:   make(chan struct{}),
	}
}

// Options returns the effective tuning.
func (e *Engine) Options() Options { return e.opts }

func (e *Engine) now() time.Time {
	if e.DB.Clock != nil {
		return e.DB.Clock()
	}
	return time.Now()
}

// embed runs the provider under the configured timeout. A nil embedder
// yields nil vectors and no error.
func (e *Engine) embed(ctx context.Context, op string, texts []string) ([][]float64, error) {
	if e.Embedder == nil || len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.EmbedTimeout)
	defer cancel()
	vecs, err := embedAll(ctx, e.Embedder, texts)
	if err != nil {
		return nil, errs.Unavailable(op, err)
	}
	if len(vecs) != len(texts) {
		return nil, errs.Unavailable(op, fmt.Errorf("got %d vectors for %d texts", len(vecs), len(texts)))
	}
	return vecs, nil
}

func (e *Engine) model() string {
	if e.Embedder == nil {
		return ""
	}
	return e.Embedder.Model()
}

// indexUpsert mirrors stored vectors into the index. The store has already
// committed; an index failure leaves it stale until the next rebuild.
func (e *Engine) indexUpsert(ctx context.Context, agent string, items []vindex.Item) {
	if e.Index == nil || len(items) == 0 {
		return
	}
	if err := e.Index.UpsertBatch(ctx, agent, items); err != nil {
		log.Warn("index upsert failed, rebuild to resync", "agent", agent, "count", len(items), "error", err)
	}
}

func (e *Engine) indexRemove(ctx context.Context, agent string, ids ...int64) {
	if e.Index == nil || len(ids) == 0 {
		return
	}
	if err := e.Index.Remove(ctx, agent, ids...); err != nil {
		log.Warn("index remove failed, rebuild to resync", "agent", agent, "ids", ids, "error", err)
	}
}

// reinforce records a retrieval of ids.
func (e *Engine) reinforce(ctx context.Context, op, agent string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := e.DB.Reinforce(ctx, agent, ids, reinforceBump, reinforceFactor, e.opts.MaxHalfLifeBoost)
	return errs.Storage(op, err)
}

// SaveInput is one record to write.
type SaveInput struct {
	Content    string `json:"content" yaml:"content"`
	Category   string `json:"category,omitempty" yaml:"category,omitempty"`
	Importance int    `json:"importance,omitempty" yaml:"importance,omitempty"` // 0 = score automatically
	SessionID  string `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	TTLHours   int    `json:"ttl_hours,omitempty" yaml:"ttl_hours,omitempty"`
}

// SaveResult reports a stored record.
type SaveResult struct {
	ID         int64 `json:"id"`
	Importance int   `json:"importance"`
}

// BatchResult reports a batch write. Degraded is set when the records were
// stored without embeddings because the provider failed.
type BatchResult struct {
	Saved    []SaveResult `json:"saved"`
	Degraded bool         `json:"degraded"`
}

func (e *Engine) prepare(op, agent string, in SaveInput) (*store.Record, error) {
	content, err := validContent(op, in.Content)
	if err != nil {
		return nil, err
	}
	category, err := validCategory(op, in.Category)
	if err != nil {
		return nil, err
	}
	if err := validImportance(op, in.Importance); err != nil {
		return nil, err
	}
	if err := validTTL(op, in.TTLHours); err != nil {
		return nil, err
	}
	session, err := validSessionID(op, in.SessionID)
	if err != nil {
		return nil, err
	}

	importance := in.Importance
	if importance == 0 {
		importance = Score(content, category)
	}
	r := &store.Record{
		AgentID:    agent,
		Content:    content,
		Category:   category,
		Importance: importance,
		SessionID:  session,
	}
	if in.TTLHours > 0 {
		exp := e.now().Add(time.Duration(in.TTLHours) * time.Hour).UnixMilli()
		r.ExpiresAt = &exp
	}
	return r, nil
}

// Save stores one record and returns its id and importance. If the
// embedding provider fails the record is stored textual-only and the
// result is marked degraded.
func (e *Engine) Save(ctx context.Context, agent string, in SaveInput) (*SaveResult, bool, error) {
	res, err := e.SaveBatch(ctx, agent, []SaveInput{in})
	if err != nil {
		return nil, false, err
	}
	return &res.Saved[0], res.Degraded, nil
}

// SaveBatch stores up to MaxBatchSize records in one transaction with one
// embedding call. Every input is validated before anything is written.
func (e *Engine) SaveBatch(ctx context.Context, agent string, inputs []SaveInput) (*BatchResult, error) {
	const op = "save"
	agent, err := validAgent(op, agent)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, errs.Validation(op, "no records to save")
	}
	if len(inputs) > MaxBatchSize {
		return nil, errs.Validation(op, "at most %d records per batch", MaxBatchSize)
	}

	items := make([]store.Insert, len(inputs))
	texts := make([]string, len(inputs))
	for i, in := range inputs {
		r, err := e.prepare(op, agent, in)
		if err != nil {
			if len(inputs) > 1 {
				return nil, errs.Wrap(errs.CodeValidation, op, fmt.Sprintf("record %d", i), err)
			}
			return nil, err
		}
		items[i] = store.Insert{Record: r}
		texts[i] = r.Content
	}
	return e.insert(ctx, op, agent, items, texts)
}

// insert embeds texts, writes items and mirrors the vectors into the index.
func (e *Engine) insert(ctx context.Context, op, agent string, items []store.Insert, texts []string) (*BatchResult, error) {
	degraded := false
	vecs, err := e.embed(ctx, op, texts)
	if err != nil {
		log.Warn("embedding failed, storing textual-only", "op", op, "agent", agent, "count", len(texts), "error", err)
		degraded = true
	}
	for i := range items {
		if vecs != nil {
			items[i].Embedding = vecs[i]
			items[i].Model = e.model()
		}
	}

	if err := e.DB.InsertRecords(ctx, items); err != nil {
		return nil, errs.Storage(op, err)
	}

	res := &BatchResult{Saved: make([]SaveResult, len(items)), Degraded: degraded}
	var indexed []vindex.Item
	for i, it := range items {
		res.Saved[i] = SaveResult{ID: it.Record.ID, Importance: it.Record.Importance}
		if len(it.Embedding) > 0 {
			indexed = append(indexed, vindex.Item{ID: it.Record.ID, Vector: it.Embedding})
		}
	}
	e.indexUpsert(ctx, agent, indexed)

	for _, it := range items {
		if e.opts.EntityTags {
			e.tagEntities(ctx, agent, it.Record.ID, it.Record.Content)
		}
		e.emit(ctx, EventSaved, agent, it.Record.ID, map[string]any{"op": op})
	}
	return res, nil
}

// Get returns a record by id in any status, including merged ones. Reading
// an active record counts as a retrieval.
func (e *Engine) Get(ctx context.Context, agent string, id int64) (*store.Record, error) {
	const op = "get"
	agent, err := validAgent(op, agent)
	if err != nil {
		return nil, err
	}
	r, err := e.DB.GetRecord(ctx, agent, id)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	if r == nil {
		return nil, errs.NotFound(op, id)
	}
	if r.Status == store.StatusActive && !r.Expired(e.DB.NowMillis()) {
		if err := e.reinforce(ctx, op, agent, []int64{id}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// UpdateInput lists the fields to change. Nil fields are left alone.
type UpdateInput struct {
	Content    *string `json:"content,omitempty"`
	Category   *string `json:"category,omitempty"`
	Importance *int    `json:"importance,omitempty"`
}

// Update changes an active record. New content is re-embedded; when that
// fails the old vector is dropped and the update is reported degraded.
func (e *Engine) Update(ctx context.Context, agent string, id int64, in UpdateInput) (*store.Record, bool, error) {
	const op = "update"
	agent, err := validAgent(op, agent)
	if err != nil {
		return nil, false, err
	}
	if in.Content == nil && in.Category == nil && in.Importance == nil {
		return nil, false, errs.Validation(op, "nothing to update")
	}

	var patch store.Patch
	if in.Content != nil {
		content, err := validContent(op, *in.Content)
		if err != nil {
			return nil, false, err
		}
		patch.Content = &content
	}
	if in.Category != nil {
		category, err := validCategory(op, *in.Category)
		if err != nil {
			return nil, false, err
		}
		patch.Category = &category
	}
	if in.Importance != nil {
		if *in.Importance < 1 || *in.Importance > 5 {
			return nil, false, errs.Validation(op, "importance must be between 1 and 5")
		}
		patch.Importance = in.Importance
	}

	degraded := false
	if patch.Content != nil {
		vecs, err := e.embed(ctx, op, []string{*patch.Content})
		if err != nil {
			log.Warn("embedding failed, dropping vector", "op", op, "id", id, "error", err)
			degraded = true
		} else if vecs != nil {
			patch.Embedding = vecs[0]
			patch.Model = e.model()
		}
	}

	ok, err := e.DB.UpdateRecord(ctx, agent, id, patch)
	if err != nil {
		return nil, false, errs.Storage(op, err)
	}
	if !ok {
		return nil, false, errs.NotFound(op, id)
	}

	if patch.Content != nil {
		if len(patch.Embedding) > 0 {
			e.indexUpsert(ctx, agent, []vindex.Item{{ID: id, Vector: patch.Embedding}})
		} else {
			e.indexRemove(ctx, agent, id)
		}
	}

	e.emit(ctx, EventUpdated, agent, id, nil)

	r, err := e.DB.GetRecord(ctx, agent, id)
	if err != nil {
		return nil, false, errs.Storage(op, err)
	}
	if r == nil {
		return nil, false, errs.NotFound(op, id)
	}
	return r, degraded, nil
}

// Delete hard-deletes a record with its tags, relations and vector.
func (e *Engine) Delete(ctx context.Context, agent string, id int64) error {
	const op = "delete"
	agent, err := validAgent(op, agent)
	if err != nil {
		return err
	}
	ok, err := e.DB.DeleteRecord(ctx, agent, id)
	if err != nil {
		return errs.Storage(op, err)
	}
	if !ok {
		return errs.NotFound(op, id)
	}
	e.indexRemove(ctx, agent, id)
	e.emit(ctx, EventDeleted, agent, id, nil)
	return nil
}

// Archive hides an active record from search without deleting it.
func (e *Engine) Archive(ctx context.Context, agent string, id int64) error {
	const op = "archive"
	agent, err := validAgent(op, agent)
	if err != nil {
		return err
	}
	ok, err := e.DB.ArchiveRecord(ctx, agent, id)
	if err != nil {
		return errs.Storage(op, err)
	}
	if !ok {
		return errs.NotFound(op, id)
	}
	e.indexRemove(ctx, agent, id)
	e.emit(ctx, EventArchived, agent, id, nil)
	return nil
}

// Restore brings an archived record back to active and re-indexes its
// stored vector.
func (e *Engine) Restore(ctx context.Context, agent string, id int64) error {
	const op = "restore"
	agent, err := validAgent(op, agent)
	if err != nil {
		return err
	}
	ok, err := e.DB.RestoreRecord(ctx, agent, id)
	if err != nil {
		return errs.Storage(op, err)
	}
	if !ok {
		return errs.NotFound(op, id)
	}
	v, err := e.DB.GetVector(ctx, agent, id)
	if err != nil {
		return errs.Storage(op, err)
	}
	if v != nil {
		e.indexUpsert(ctx, agent, []vindex.Item{{ID: id, Vector: v.Embedding}})
	}
	e.emit(ctx, EventRestored, agent, id, nil)
	return nil
}

// ListArchived returns archived records, most recently archived first.
func (e *Engine) ListArchived(ctx context.Context, agent string, limit int) ([]store.Record, error) {
	const op = "list_archived"
	agent, err := validAgent(op, agent)
	if err != nil {
		return nil, err
	}
	if limit, err = pageSize(op, limit, e.opts.DefaultPageSize); err != nil {
		return nil, err
	}
	records, err := e.DB.ListArchived(ctx, agent, limit)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	return nonNil(records), nil
}

// Export returns every active record of the agent, newest first.
func (e *Engine) Export(ctx context.Context, agent string) ([]store.Record, error) {
	const op = "export"
	agent, err := validAgent(op, agent)
	if err != nil {
		return nil, err
	}
	records, err := e.DB.ExportRecords(ctx, agent)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	return nonNil(records), nil
}

// ImportResult reports an import.
type ImportResult struct {
	Imported int  `json:"imported"`
	Skipped  int  `json:"skipped"`
	Degraded bool `json:"degraded"`
}

// Import loads up to MaxImportSize records leniently: unusable content is
// skipped, unknown categories become general, importance is clamped and
// long content is truncated.
func (e *Engine) Import(ctx context.Context, agent string, records []store.Record) (*ImportResult, error) {
	const op = "import"
	agent, err := validAgent(op, agent)
	if err != nil {
		return nil, err
	}
	if len(records) > MaxImportSize {
		return nil, errs.Validation(op, "at most %d records per import", MaxImportSize)
	}

	res := &ImportResult{}
	var items []store.Insert
	var texts []string
	for _, in := range records {
		content := truncateChars(in.Content, MaxContentChars)
		content, err := validContent(op, content)
		if err != nil {
			res.Skipped++
			continue
		}
		category, err := validCategory(op, in.Category)
		if err != nil {
			category = "general"
		}
		importance := in.Importance
		if importance == 0 {
			importance = Score(content, category)
		}
		session, err := validSessionID(op, in.SessionID)
		if err != nil {
			session = ""
		}
		items = append(items, store.Insert{Record: &store.Record{
			AgentID:    agent,
			Content:    content,
			Category:   category,
			Importance: clampImportance(importance),
			SessionID:  session,
			ExpiresAt:  in.ExpiresAt,
		}})
		texts = append(texts, content)
	}
	if len(items) == 0 {
		return res, nil
	}

	saved, err := e.insert(ctx, op, agent, items, texts)
	if err != nil {
		return nil, err
	}
	res.Imported = len(saved.Saved)
	res.Degraded = saved.Degraded
	log.Info("import", "agent", agent, "imported", res.Imported, "skipped", res.Skipped)
	return res, nil
}

// Stats summarizes an agent's memory.
type Stats struct {
	*store.Stats
	IndexStrategy string `json:"index_strategy"`
	EmbedModel    string `json:"embed_model,omitempty"`
}

// Stats returns totals and distributions for the agent.
func (e *Engine) Stats(ctx context.Context, agent string) (*Stats, error) {
	const op = "stats"
	agent, err := validAgent(op, agent)
	if err != nil {
		return nil, err
	}
	st, err := e.DB.Stats(ctx, agent)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	out := &Stats{Stats: st, EmbedModel: e.model()}
	if e.Index != nil {
		out.IndexStrategy = e.Index.Strategy()
	}
	return out, nil
}

// ListAgents returns every agent with its active record count.
func (e *Engine) ListAgents(ctx context.Context) ([]store.AgentCount, error) {
	agents, err := e.DB.ListAgents(ctx)
	if err != nil {
		return nil, errs.Storage("list_agents", err)
	}
	if agents == nil {
		agents = []store.AgentCount{}
	}
	return agents, nil
}

// EmbedMissing embeds active records that have no vector or whose vector
// came from another model. Returns the number embedded.
func (e *Engine) EmbedMissing(ctx context.Context, agent string) (int, error) {
	const op = "embed_missing"
	if e.Embedder == nil {
		return 0, nil
	}
	records, err := e.DB.MissingVectors(ctx, agent, e.model())
	if err != nil {
		return 0, errs.Storage(op, err)
	}

	embedded := 0
	for start := 0; start < len(records); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(records))
		batch := records[start:end]
		texts := make([]string, len(batch))
		for i, r := range batch {
			texts[i] = r.Content
		}
		vecs, err := e.embed(ctx, op, texts)
		if err != nil {
			return embedded, err
		}
		for i, r := range batch {
			if err := e.DB.SaveVector(ctx, r.ID, vecs[i], e.model()); err != nil {
				return embedded, errs.Storage(op, err)
			}
			embedded++
		}
	}
	return embedded, nil
}

// RebuildIndex re-embeds records missing a current vector and reloads the
// agent's index partition from the store.
func (e *Engine) RebuildIndex(ctx context.Context, agent string) (int, error) {
	const op = "reindex"
	agent, err := validAgent(op, agent)
	if err != nil {
		return 0, err
	}
	embedded, err := e.EmbedMissing(ctx, agent)
	if err != nil {
		return embedded, err
	}
	if e.Index != nil {
		if err := e.Index.Rebuild(ctx, agent); err != nil {
			return embedded, errs.Storage(op, err)
		}
	}
	log.Info("index rebuilt", "agent", agent, "embedded", embedded)
	return embedded, nil
}

// StartMaintenance runs the decay pass at startup and then on every
// interval tick. Compression and auto-tune ride along when enabled.
func (e *Engine) StartMaintenance() {
	e.runMaintenance()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.opts.MaintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.runMaintenance()
			case <-e.stopCh:
				return
			}
		}
	}()
}

func (e *Engine) runMaintenance() {
	ctx := context.Background()
	if res, err := e.RunDecayPass(ctx, ""); err != nil {
		log.Error("decay pass", "error", err)
	} else if res.Updated > 0 || res.Expired > 0 {
		log.Info("decay pass", "updated", res.Updated, "expired", res.Expired, "failed", res.Failed)
	}

	if e.opts.AutoTune {
		if res, err := e.RunAutoTune(ctx, ""); err != nil {
			log.Error("autotune", "error", err)
		} else if res.Boosted > 0 || res.Reduced > 0 {
			log.Info("autotune", "boosted", res.Boosted, "reduced", res.Reduced)
		}
	}

	if e.opts.Audit {
		if _, err := e.PruneAudit(ctx); err != nil {
			log.Error("audit prune", "error", err)
		}
	}

	if e.opts.AutoCompress {
		agents, err := e.DB.ListAgents(ctx)
		if err != nil {
			log.Error("compression: list agents", "error", err)
			return
		}
		for _, a := range agents {
			res, err := e.RunCompressionPass(ctx, a.AgentID)
			if err != nil {
				log.Error("compression", "agent", a.AgentID, "error", err)
				continue
			}
			if res.ClustersFound > 0 {
				log.Info("compression", "agent", a.AgentID, "clusters", res.ClustersFound, "merged", res.MergedCount)
			}
		}
	}
}

// Stop ends the maintenance loop and waits for it to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func nonNil(records []store.Record) []store.Record {
	if records == nil {
		return []store.Record{}
	}
	return records
}
