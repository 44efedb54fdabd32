package engine

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	errs "github.com/lazypower/mnemo/internal/errors"
)

// Auto-tune thresholds.
const (
	boostAccessThreshold = 5
	reduceAfter          = 30 * 24 * time.Hour
)

// DecayResult reports a decay pass.
type DecayResult struct {
	Updated int `json:"updated"`
	Expired int `json:"expired"`
	Failed  int `json:"failed"`
}

// CleanupResult reports an expiry cleanup.
type CleanupResult struct {
	Removed int `json:"removed"`
}

// AutoTuneResult reports an auto-tune run.
type AutoTuneResult struct {
	Boosted int `json:"boosted"`
	Reduced int `json:"reduced"`
}

// optionalAgent validates agent but lets "" mean every agent.
func optionalAgent(op, agent string) (string, error) {
	if agent == "" {
		return "", nil
	}
	return validAgent(op, agent)
}

// RunDecayPass removes expired records, then recomputes the decay score of
// every active record from the time since its last access (or creation).
// Each write is conditional on the record not having been accessed in the
// meantime, so a concurrent retrieval wins. An empty agent means all.
func (e *Engine) RunDecayPass(ctx context.Context, agent string) (*DecayResult, error) {
	const op = "decay"
	agent, err := optionalAgent(op, agent)
	if err != nil {
		return nil, err
	}
	release, ok := e.Locks.TryLock(OpDecay)
	if !ok {
		return nil, errs.Conflict(op)
	}
	defer release()

	res := &DecayResult{}
	cleaned, err := e.CleanupExpired(ctx, agent)
	switch {
	case errs.IsConflict(err):
		log.Debug("decay: cleanup already running, skipping")
	case err != nil:
		return nil, err
	default:
		res.Expired = cleaned.Removed
	}

	targets, err := e.DB.DecayTargets(ctx, agent)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	now := e.now()
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return res, errs.Storage(op, err)
		}
		elapsed := now.Sub(time.UnixMilli(t.RefTime))
		score := DecayScore(elapsed, t.Importance, t.HalfLifeBoost)
		if score == t.DecayScore {
			continue
		}
		changed, err := e.DB.SetDecay(ctx, t.ID, t.RefTime, score)
		if err != nil {
			log.Warn("decay: update failed", "id", t.ID, "error", err)
			res.Failed++
			continue
		}
		if changed {
			res.Updated++
		}
	}
	log.Debug("decay pass", "agent", agent, "updated", res.Updated, "expired", res.Expired, "failed", res.Failed)
	e.emit(ctx, EventDecayed, agent, 0, res)
	return res, nil
}

// CleanupExpired hard-deletes records whose TTL has passed and drops them
// from the index. An empty agent means all.
func (e *Engine) CleanupExpired(ctx context.Context, agent string) (*CleanupResult, error) {
	const op = "cleanup"
	agent, err := optionalAgent(op, agent)
	if err != nil {
		return nil, err
	}
	release, ok := e.Locks.TryLock(OpCleanup)
	if !ok {
		return nil, errs.Conflict(op)
	}
	defer release()

	removed, err := e.DB.DeleteExpired(ctx, agent)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	byAgent := make(map[string][]int64)
	for _, r := range removed {
		byAgent[r.AgentID] = append(byAgent[r.AgentID], r.ID)
	}
	for a, ids := range byAgent {
		e.indexRemove(ctx, a, ids...)
	}
	if len(removed) > 0 {
		log.Info("expired memories removed", "agent", agent, "count", len(removed))
	}
	return &CleanupResult{Removed: len(removed)}, nil
}

// RunAutoTune adjusts importance from access patterns: records retrieved
// at least five times gain a point, records never retrieved in their first
// thirty days lose one. An empty agent means all.
func (e *Engine) RunAutoTune(ctx context.Context, agent string) (*AutoTuneResult, error) {
	const op = "autotune"
	agent, err := optionalAgent(op, agent)
	if err != nil {
		return nil, err
	}
	release, ok := e.Locks.TryLock(OpAutoTune)
	if !ok {
		return nil, errs.Conflict(op)
	}
	defer release()

	boosted, err := e.DB.BoostFrequent(ctx, agent, boostAccessThreshold)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	cutoff := e.now().Add(-reduceAfter).UnixMilli()
	reduced, err := e.DB.ReduceStale(ctx, agent, cutoff)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	res := &AutoTuneResult{Boosted: boosted, Reduced: reduced}
	e.emit(ctx, EventAutoTuned, agent, 0, res)
	return res, nil
}
