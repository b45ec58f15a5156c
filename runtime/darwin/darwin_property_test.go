package darwin

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/swarmforge/orchestrator/domain"
)

// TestBetaSampleStaysInUnitInterval checks the sampler never escapes (0, 1)
// for any posterior shape the selector can produce, since an out-of-range
// sample would silently bias the argmax pick.
func TestBetaSampleStaysInUnitInterval(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("sampleBeta(alpha, beta) is in [0, 1] and finite", prop.ForAll(
		func(alpha, beta int, seed uint64) bool {
			rnd := rand.New(rand.NewPCG(seed, seed^0x9e3779b9)).Float64
			s := sampleBeta(rnd, alpha, beta)
			return !math.IsNaN(s) && !math.IsInf(s, 0) && s >= 0 && s <= 1
		},
		gen.IntRange(1, 200), gen.IntRange(1, 200), gen.UInt64(),
	))

	properties.TestingRun(t)
}

// TestRecordOutcomeCountersStayConsistent drives an arbitrary win/loss
// sequence through RecordOutcome and checks the row invariants: runs equals
// wins plus losses, and the derived score is the Beta posterior mean on a
// 0..100 scale.
func TestRecordOutcomeCountersStayConsistent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	key := domain.FitnessKey{AgentID: "developer", PatternID: "p", Technology: "generic", PhaseType: "build"}

	properties.Property("runs == wins + losses and score matches the posterior mean", prop.ForAll(
		func(outcomes []bool) bool {
			s := New(Config{})
			wins := 0
			for _, win := range outcomes {
				s.RecordOutcome(key, "cand", win)
				if win {
					wins++
				}
			}
			row := s.Row(key, "cand")
			if row.Runs != row.Wins+row.Losses || row.Wins != wins || row.Runs != len(outcomes) {
				return false
			}
			want := (float64(row.Wins) + 1) / (float64(row.Wins) + float64(row.Losses) + 2) * 100
			return math.Abs(row.Score()-want) < 1e-9
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
