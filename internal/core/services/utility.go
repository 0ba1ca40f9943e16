package services

import (
	"encoding/json"
	"strings"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

// StepOutcome summarizes what one reasoning iteration produced.
type StepOutcome struct {
	Calls    []domain.ToolCall
	Failures int
}

// UtilityEstimator is the stopping rule of the reasoning loop. It tracks the
// expected value of one more iteration: every step decays it, a step whose
// calls all failed or only repeated earlier calls halves it again. The loop
// stops once the value falls below the configured threshold.
type UtilityEstimator struct {
	decay     float64
	threshold float64
	value     float64
	seen      map[string]bool
}

func NewUtilityEstimator(decay, threshold float64) *UtilityEstimator {
	if decay <= 0 || decay > 1 {
		decay = 1
	}
	return &UtilityEstimator{decay: decay, threshold: threshold, value: 1, seen: map[string]bool{}}
}

// Observe folds one iteration into the estimate.
func (u *UtilityEstimator) Observe(o StepOutcome) {
	u.value *= u.decay
	if len(o.Calls) == 0 {
		return
	}
	novel := 0
	for _, c := range o.Calls {
		key := callKey(c)
		if !u.seen[key] {
			novel++
			u.seen[key] = true
		}
	}
	if novel == 0 {
		u.value *= 0.5
	}
	if o.Failures == len(o.Calls) {
		u.value *= 0.5
	}
}

// Value is the current estimate in (0, 1].
func (u *UtilityEstimator) Value() float64 { return u.value }

// Exhausted reports whether another iteration is not worth its cost.
func (u *UtilityEstimator) Exhausted() bool {
	return u.threshold > 0 && u.value < u.threshold
}

// callKey identifies a call by tool and arguments. encoding/json sorts map
// keys, so equal arguments give equal keys.
func callKey(c domain.ToolCall) string {
	args, _ := json.Marshal(c.Arguments)
	return c.ToolName + "\x00" + string(args) + "\x00" + strings.Join(c.RequestedCapabilities.Strings(), ",")
}
