package workloop

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/xiaot623/gogo/workloop/internal/domain"
)

const analyzeBatch = 20

// sampled deterministically selects a fraction rate of task ids.
func sampled(taskID string, rate float64) bool {
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return float64(h.Sum32()%10000) < rate*10000
}

// analyze spawns post-mortem analyzers for recently finished tasks: always
// for failures, sampled for successes.
func (l *Loop) analyze(ctx context.Context, c *cycle) (int, error) {
	if l.cfg.AnalyzeLookback() <= 0 {
		return 0, nil
	}
	since := l.now().Add(-l.cfg.AnalyzeLookback())
	candidates, err := l.store.ListAnalysisCandidates(ctx, c.project.ProjectID, since, analyzeBatch)
	if err != nil {
		return 0, fmt.Errorf("list analysis candidates: %w", err)
	}

	actions := 0
	for i := range candidates {
		if c.spawnBlocked(domain.RoleAnalyzer) {
			break
		}
		t := &candidates[i]
		outcome := "failure"
		if t.Status == domain.TaskStatusDone {
			outcome = "success"
		}

		if outcome == "success" && !sampled(t.TaskID, l.cfg.AnalyzeSuccessSampleRate) {
			err := l.store.CreateAnalysis(ctx, &domain.Analysis{
				TaskID:     t.TaskID,
				ProjectID:  t.ProjectID,
				SessionKey: t.SessionKey,
				Outcome:    outcome,
				Status:     domain.AnalysisStatusSkipped,
				CreatedAt:  l.now(),
			})
			if err != nil {
				return actions, fmt.Errorf("record skipped analysis: %w", err)
			}
			l.audit(ctx, c, "analysis_skipped", t.TaskID, t.SessionKey, nil, 0)
			continue
		}

		ok, err := l.canSpawn(ctx, c, t, domain.RoleAnalyzer)
		if err != nil {
			return actions, err
		}
		if !ok {
			continue
		}
		h, err := l.startAgent(ctx, c, spawnRequest{
			task:   t,
			role:   domain.RoleAnalyzer,
			prompt: analyzerPrompt(c.project, t, outcome),
		})
		if err != nil {
			if isSkip(err) {
				continue
			}
			l.audit(ctx, c, "spawn_failed", t.TaskID, "", map[string]interface{}{
				"role":  domain.RoleAnalyzer,
				"error": err.Error(),
			}, 0)
			return actions, fmt.Errorf("spawn analyzer for %s: %w", t.TaskID, err)
		}
		err = l.store.CreateAnalysis(ctx, &domain.Analysis{
			TaskID:     t.TaskID,
			ProjectID:  t.ProjectID,
			SessionKey: h.SessionKey,
			Outcome:    outcome,
			Status:     domain.AnalysisStatusPending,
			CreatedAt:  l.now(),
		})
		if err != nil {
			return actions, fmt.Errorf("record analysis: %w", err)
		}
		actions++
	}
	return actions, nil
}
