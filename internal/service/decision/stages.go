package decision

import "github.com/davidleathers/privacy-decision-gateway/internal/domain/access"

// stageTracker keeps stage results in evaluation order. Stages never
// reached stay not_evaluated.
type stageTracker struct {
	order  []string
	byName map[string]access.StageResult
}

func newStageTracker(withBudget bool) *stageTracker {
	order := []string{access.StageBlockList, access.StagePolicy, access.StageConsent, access.StageRisk}
	if withBudget {
		order = append(order, access.StageBudget)
	}
	t := &stageTracker{order: order, byName: make(map[string]access.StageResult, len(order))}
	for _, name := range order {
		t.byName[name] = access.StageResult{Name: name, Status: access.StageNotEvaluated}
	}
	return t
}

func (t *stageTracker) pass(name, detail string) {
	t.byName[name] = access.StageResult{Name: name, Status: access.StagePassed, Detail: detail}
}

func (t *stageTracker) fail(name, detail string) {
	t.byName[name] = access.StageResult{Name: name, Status: access.StageFailed, Detail: detail}
}

func (t *stageTracker) results() []access.StageResult {
	out := make([]access.StageResult, len(t.order))
	for i, name := range t.order {
		out[i] = t.byName[name]
	}
	return out
}
