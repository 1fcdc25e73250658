package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"tinker/internal/cache"
	"tinker/internal/manifest"
	"tinker/internal/patch"
)

// runCodeTask drives the full phase machine. The loop re-enters Explore
// when a plan is rejected and re-enters Plan when verification fails,
// consuming one retry either way until the budget runs out.
func (p *Pipeline) runCodeTask(ctx context.Context, task *Task) error {
	ix, err := p.mgr.Index()
	if err != nil {
		return fmt.Errorf("indexing workspace: %w", err)
	}
	ranked := manifest.Rank(ix, searchTerms(task.Request), p.contextBudget(task))

	var (
		fp       string
		baseline map[string]string
	)
	if len(ranked) > 0 {
		fp, baseline, err = p.fingerprint(task.Request, ranked)
		if err != nil {
			return fmt.Errorf("fingerprinting context: %w", err)
		}
	}

	bundle, plan, feedback, err := p.consultCache(ctx, task, fp, baseline)
	if err != nil {
		return err
	}
	if feedback != "" {
		// Cached plan rejected at the approval gate. Fall through to a
		// fresh exploration, spending one retry like any rejection.
		task.Retries++
	}

	budget := p.retryBudget()
	needExplore := bundle == nil

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if needExplore {
			b, question, err := p.explore(ctx, task, ranked, baseline)
			if err != nil {
				return err
			}
			if question != "" {
				task.Question = question
				return nil
			}
			bundle = b
			needExplore = false
		}

		if plan == nil {
			pl, reject, err := p.plan(ctx, task, bundle, feedback)
			if err != nil {
				return err
			}
			if pl == nil {
				if task.Retries >= budget {
					return &TaskError{
						TaskID: task.ID,
						Phase:  task.Phase,
						Next:   "simplify the request or raise pipeline.retry_budget",
						Err:    fmt.Errorf("%w: no acceptable plan after %d attempts: %s", ErrRetryBudgetExhausted, task.Retries+1, reject),
					}
				}
				task.Retries++
				feedback = reject
				needExplore = true
				continue
			}
			plan = pl
			task.Plan = pl
		}

		if err := p.apply(ctx, task, plan, bundle); err != nil {
			return err
		}

		ok, verifyFeedback, err := p.verify(ctx, task, plan, bundle)
		if err != nil {
			return err
		}
		if ok {
			p.recordExperience(task, plan, fp, baseline)
			return nil
		}
		if task.Retries >= budget {
			// Applied patches stay on disk; the records and rollback log
			// are the material for a manual decision.
			return &TaskError{
				TaskID: task.ID,
				Phase:  PhaseVerify,
				Next:   "review the applied patches and the verification output, then fix forward or revert by hand",
				Err:    fmt.Errorf("%w: %d verification failures", ErrRetryBudgetExhausted, task.Retries+1),
			}
		}
		task.Retries++
		feedback = verifyFeedback
		plan = nil
	}
}

// fingerprint hashes the ranked files and derives the experience cache
// key for this request against this tree state.
func (p *Pipeline) fingerprint(request string, ranked []manifest.FileEntry) (string, map[string]string, error) {
	hashes := make(map[string]string, len(ranked))
	for _, f := range ranked {
		h, err := patch.HashFile(filepath.Join(p.tools.Workspace(), f.Path))
		if err != nil {
			return "", nil, err
		}
		hashes[f.Path] = h
	}
	return cache.Fingerprint(request, hashes), hashes, nil
}

// consultCache looks the fingerprint up and, on a valid hit, replays
// Explore and Plan as instant phases carrying the cached plan. The
// approval gate still runs; a rejected cached plan is invalidated and
// reported through the feedback return so the caller re-plans fresh.
func (p *Pipeline) consultCache(ctx context.Context, task *Task, fp string, baseline map[string]string) (*ContextBundle, *Plan, string, error) {
	if p.store == nil || fp == "" {
		return nil, nil, "", nil
	}
	entry, err := p.store.Get(fp)
	if err != nil {
		p.log.Warn("experience lookup failed", zap.Error(err))
		return nil, nil, "", nil
	}
	if entry == nil || !entry.StillValid(baseline) {
		return nil, nil, "", nil
	}

	var plan Plan
	if err := json.Unmarshal([]byte(entry.PlanJSON), &plan); err != nil {
		p.log.Warn("cached plan unreadable, dropping entry",
			zap.String("fingerprint", short(fp)),
			zap.Error(err))
		if derr := p.store.Invalidate(fp); derr != nil {
			p.log.Warn("invalidating cache entry", zap.Error(derr))
		}
		return nil, nil, "", nil
	}
	plan.CacheHit = true
	plan.Approved = false

	erec, err := task.beginPhase(PhaseExplore)
	if err != nil {
		return nil, nil, "", err
	}
	erec.Input = task.Request
	erec.Output = fmt.Sprintf("experience cache hit %.12s, context restored from %d file hashes", fp, len(baseline))
	erec.end(nil)

	prec, err := task.beginPhase(PhasePlan)
	if err != nil {
		return nil, nil, "", err
	}
	approved, fb, err := p.approvePlan(ctx, task, &plan)
	if err != nil {
		prec.end(err)
		return nil, nil, "", err
	}
	if !approved {
		prec.end(ErrPlanRejected)
		if derr := p.store.Invalidate(fp); derr != nil {
			p.log.Warn("invalidating cache entry", zap.Error(derr))
		}
		if fb == "" {
			fb = "the previously cached plan was rejected; produce a fresh one"
		}
		return nil, nil, fb, nil
	}
	prec.Output = "plan restored from experience cache"
	prec.end(nil)
	task.Plan = &plan

	bundle := &ContextBundle{Hashes: make(map[string]string, len(baseline))}
	for path, hash := range baseline {
		bundle.Hashes[path] = hash
	}
	p.log.Info("explore and plan served from cache",
		zap.String("task", short(task.ID)),
		zap.String("fingerprint", short(fp)),
		zap.Int64("hits", entry.Hits))
	return bundle, &plan, "", nil
}

// recordExperience stores the approved plan under the pre-task
// fingerprint after a verified run. Replayed plans are not re-recorded.
func (p *Pipeline) recordExperience(task *Task, plan *Plan, fp string, baseline map[string]string) {
	if p.store == nil || fp == "" || plan.CacheHit {
		return
	}
	data, err := json.Marshal(plan)
	if err != nil {
		p.log.Warn("encoding plan for cache", zap.Error(err))
		return
	}
	err = p.store.Put(&cache.Entry{
		Fingerprint: fp,
		Request:     task.Request,
		Intent:      string(task.Intent),
		PlanJSON:    string(data),
		FileHashes:  baseline,
	})
	if err != nil {
		p.log.Warn("recording experience", zap.Error(err))
		return
	}
	p.log.Debug("experience recorded",
		zap.String("task", short(task.ID)),
		zap.String("fingerprint", short(fp)))
}
