// Package darwin implements the Darwin Selector: Thompson-sampled
// Beta-posterior selection of teams and models, cold-start technology
// hierarchy backoff, forced-uniform warmup exploration, and A/B shadow
// scheduling against the current incumbent.
package darwin

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/swarmforge/orchestrator/domain"
)

// DefaultWarmupRuns is how many selections per key are forced to a uniform
// random pick (while still updating fitness) before Thompson sampling takes
// over for that key.
const DefaultWarmupRuns = 5

// DefaultABDelta is the minimum fitness-score gap below which an A/B shadow
// comparison is scheduled even without the random trigger.
const DefaultABDelta = 10.0

// DefaultABRandomP is the unconditional probability of scheduling an A/B
// shadow run on any selection, independent of the score delta.
const DefaultABRandomP = 0.1

// DefaultFairnessWindow is how long a candidate with zero runs is allowed to
// go unselected before the fairness floor forces an exploratory pick.
const DefaultFairnessWindow = 30 * time.Minute

// Config tunes Selector behavior.
type Config struct {
	WarmupRuns     int
	ABDelta        float64
	ABRandomP      float64
	FairnessWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.WarmupRuns <= 0 {
		c.WarmupRuns = DefaultWarmupRuns
	}
	if c.ABDelta <= 0 {
		c.ABDelta = DefaultABDelta
	}
	if c.ABRandomP <= 0 {
		c.ABRandomP = DefaultABRandomP
	}
	if c.FairnessWindow <= 0 {
		c.FairnessWindow = DefaultFairnessWindow
	}
	return c
}

type (
	// Candidate is one selectable option for a FitnessKey (an agent for team
	// selection, a provider/model pair for model selection).
	Candidate struct {
		ID    string
		Stack string // technology hierarchy node, e.g. "angular_19"; "" is stack-agnostic
	}

	// Selection is the outcome of one Selector.Select call.
	Selection struct {
		Candidate   Candidate
		Warmup      bool
		Exploratory bool // chosen by the fairness floor rather than score
		ShadowWith  *Candidate
	}

	firstSeen struct {
		at time.Time
	}

	// Persister optionally mirrors fitness-row updates to a durable,
	// cross-process store. The Selector itself is process-local; a Persister
	// lets an operator opt into best-effort replication of Darwin's
	// counters (e.g. across a horizontally-scaled pool of orchestrator
	// processes sharing one Redis) without the Selector itself taking on
	// any networked dependency.
	Persister interface {
		Save(ctx context.Context, key domain.FitnessKey, candidateID string, row domain.FitnessRow)
	}

	// Selector implements Thompson-sampled selection over a set of fitness
	// rows keyed by domain.FitnessKey.
	Selector struct {
		cfg Config
		mu  sync.Mutex

		rows      map[string]*domain.FitnessRow
		seen      map[string]firstSeen
		now       func() time.Time
		rnd       func() float64
		persister Persister
	}
)

// New constructs a Selector.
func New(cfg Config) *Selector {
	return &Selector{
		cfg:  cfg.withDefaults(),
		rows: make(map[string]*domain.FitnessRow),
		seen: make(map[string]firstSeen),
		now:  time.Now,
		rnd:  rand.Float64,
	}
}

// WithPersister attaches p so every RecordOutcome is mirrored to a durable,
// cross-process store. Returns s for chaining after New.
func (s *Selector) WithPersister(p Persister) *Selector {
	s.persister = p
	return s
}

// Seed installs row as the starting fitness state for (key, candidateID),
// overwriting any in-memory counters already present. Used at process boot
// to warm-restore state from a Persister before admission resumes.
func (s *Selector) Seed(key domain.FitnessKey, candidateID string, row domain.FitnessRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := row
	s.rows[rowKey(key, candidateID)] = &cp
}

func rowKey(key domain.FitnessKey, candidateID string) string {
	return strings.Join([]string{key.AgentID, key.PatternID, key.Technology, key.PhaseType, candidateID}, "|")
}

// Select picks one candidate from candidates for key, preferring a
// technology-hierarchy match when key.Technology is set: candidates whose
// Stack exactly matches are tried first, then progressively more generic
// ancestors (e.g. angular_19 -> angular_* -> generic-style), falling back to
// the whole candidate list if nothing matches.
func (s *Selector) Select(ctx context.Context, key domain.FitnessKey, candidates []Candidate) Selection {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool := s.narrowByStackLocked(key.Technology, candidates)
	if len(pool) == 0 {
		pool = candidates
	}
	if len(pool) == 0 {
		return Selection{}
	}

	s.markSeenLocked(key, pool)

	if warm, cand := s.warmupPickLocked(key, pool); warm {
		return Selection{Candidate: cand, Warmup: true}
	}

	if exploratory, cand := s.fairnessFloorLocked(key, pool); exploratory {
		return Selection{Candidate: cand, Exploratory: true}
	}

	best, secondBest := s.thompsonPickLocked(key, pool)
	sel := Selection{Candidate: best}
	if secondBest != nil && s.shouldShadowLocked(key, best, *secondBest) {
		sel.ShadowWith = secondBest
	}
	return sel
}

// narrowByStackLocked walks the technology hierarchy from the most specific
// requested stack to progressively more generic ancestors, returning the
// first non-empty candidate subset.
func (s *Selector) narrowByStackLocked(technology string, candidates []Candidate) []Candidate {
	if technology == "" {
		return nil
	}
	for _, node := range hierarchy(technology) {
		var subset []Candidate
		for _, c := range candidates {
			if c.Stack == node {
				subset = append(subset, c)
			}
		}
		if len(subset) > 0 {
			return subset
		}
	}
	return nil
}

// hierarchy expands "angular_19" into ["angular_19", "angular_*", "generic-style"].
func hierarchy(stack string) []string {
	out := []string{stack}
	if idx := strings.IndexByte(stack, '_'); idx > 0 {
		out = append(out, stack[:idx]+"_*")
	}
	out = append(out, "generic-style")
	return out
}

func (s *Selector) markSeenLocked(key domain.FitnessKey, pool []Candidate) {
	for _, c := range pool {
		k := rowKey(key, c.ID)
		if _, ok := s.seen[k]; !ok {
			s.seen[k] = firstSeen{at: s.now()}
		}
	}
}

func (s *Selector) warmupPickLocked(key domain.FitnessKey, pool []Candidate) (bool, Candidate) {
	keyRuns := 0
	for _, c := range pool {
		if row := s.rows[rowKey(key, c.ID)]; row != nil {
			keyRuns += row.Runs
		}
	}
	if keyRuns >= s.cfg.WarmupRuns {
		return false, Candidate{}
	}
	return true, pool[int(s.rnd()*float64(len(pool)))%len(pool)]
}

// fairnessFloorLocked forces an exploratory pick of any candidate that has
// zero runs and has been visible for longer than FairnessWindow, preventing
// a permanently-starved candidate from never being tried.
func (s *Selector) fairnessFloorLocked(key domain.FitnessKey, pool []Candidate) (bool, Candidate) {
	for _, c := range pool {
		k := rowKey(key, c.ID)
		row := s.rows[k]
		if row != nil && row.Runs > 0 {
			continue
		}
		if seen, ok := s.seen[k]; ok && s.now().Sub(seen.at) >= s.cfg.FairnessWindow {
			return true, c
		}
	}
	return false, Candidate{}
}

func (s *Selector) thompsonPickLocked(key domain.FitnessKey, pool []Candidate) (Candidate, *Candidate) {
	type sampled struct {
		c     Candidate
		value float64
	}
	samples := make([]sampled, 0, len(pool))
	for _, c := range pool {
		row := s.rows[rowKey(key, c.ID)]
		wins, losses := 0, 0
		if row != nil {
			wins, losses = row.Wins, row.Losses
		}
		samples = append(samples, sampled{c: c, value: sampleBeta(s.rnd, wins+1, losses+1)})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].value > samples[j].value })
	best := samples[0].c
	if len(samples) > 1 {
		second := samples[1].c
		return best, &second
	}
	return best, nil
}

// shouldShadowLocked decides whether to schedule an A/B shadow run of
// second against best: either their posterior-mean fitness scores are
// within ABDelta of each other, or the unconditional random trigger fires.
func (s *Selector) shouldShadowLocked(key domain.FitnessKey, best, second Candidate) bool {
	bestRow := s.rows[rowKey(key, best.ID)]
	secondRow := s.rows[rowKey(key, second.ID)]
	bestScore, secondScore := 50.0, 50.0
	if bestRow != nil {
		bestScore = bestRow.Score()
	}
	if secondRow != nil {
		secondScore = secondRow.Score()
	}
	delta := bestScore - secondScore
	if delta < 0 {
		delta = -delta
	}
	if delta <= s.cfg.ABDelta {
		return true
	}
	return s.rnd() < s.cfg.ABRandomP
}

// sampleBeta draws from Beta(alpha, beta) via two Gamma(shape,1) draws using
// Marsaglia-Tsang, since no Beta/Gamma sampler is available in the module's
// dependency set.
func sampleBeta(rnd func() float64, alpha, beta int) float64 {
	a := sampleGamma(rnd, float64(alpha))
	b := sampleGamma(rnd, float64(beta))
	if a+b == 0 {
		return 0.5
	}
	return a / (a + b)
}

func sampleGamma(rnd func() float64, shape float64) float64 {
	if shape < 1 {
		u := rnd()
		return sampleGamma(rnd, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := normalSample(rnd)
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rnd()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// normalSample draws a standard normal variate via Box-Muller.
func normalSample(rnd func() float64) float64 {
	u1 := rnd()
	if u1 <= 0 {
		u1 = 1e-12
	}
	u2 := rnd()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

// RecordOutcome applies a win (success/advance) or loss (reject/fail) to the
// fitness row for candidateID under key. done_with_issues must not touch
// either counter; callers simply skip calling RecordOutcome for
// that case.
func (s *Selector) RecordOutcome(key domain.FitnessKey, candidateID string, win bool) {
	s.mu.Lock()
	k := rowKey(key, candidateID)
	row, ok := s.rows[k]
	if !ok {
		row = &domain.FitnessRow{}
		s.rows[k] = row
	}
	if win {
		row.Wins++
	} else {
		row.Losses++
	}
	row.Runs = row.Wins + row.Losses
	row.LastUpdated = s.now()
	cp := *row
	persister := s.persister
	s.mu.Unlock()

	if persister != nil {
		persister.Save(context.Background(), key, candidateID, cp)
	}
}

// Row returns a copy of the fitness row for candidateID under key.
func (s *Selector) Row(key domain.FitnessKey, candidateID string) domain.FitnessRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[rowKey(key, candidateID)]; ok {
		return *row
	}
	return domain.FitnessRow{}
}
