package replicated

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmforge/orchestrator/domain"
	"github.com/swarmforge/orchestrator/runtime/darwin"
)

// fakeMap is an in-memory Map standing in for a Pulse replicated map.
type fakeMap struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeMap() *fakeMap {
	return &fakeMap{data: make(map[string]string)}
}

var _ Map = (*fakeMap)(nil)

func (f *fakeMap) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

func (f *fakeMap) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.data))
	for k := range f.data {
		out = append(out, k)
	}
	return out
}

func (f *fakeMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key] = value
	return true, nil
}

func (f *fakeMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.data[key]
	if prev == test {
		f.data[key] = value
	}
	return prev, nil
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := New(newFakeMap())
	key := domain.FitnessKey{AgentID: "dev", PatternID: "p1", Technology: "angular_19", PhaseType: "build"}
	s.Save(context.Background(), key, "agent-a", domain.FitnessRow{Wins: 4, Losses: 1, Runs: 5})

	row, ok, err := s.Load(context.Background(), key, "agent-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 4, row.Wins)
	require.Equal(t, 1, row.Losses)
	require.Equal(t, 5, row.Runs)
}

func TestLoadMissingReturnsFalse(t *testing.T) {
	s := New(newFakeMap())
	_, ok, err := s.Load(context.Background(), domain.FitnessKey{AgentID: "dev"}, "nobody")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSaveMergesNeverRollsCountersBackward(t *testing.T) {
	m := newFakeMap()
	s := New(m)
	key := domain.FitnessKey{AgentID: "dev", PatternID: "p1"}

	// Another process already mirrored a further-along row.
	s.Save(context.Background(), key, "agent-a", domain.FitnessRow{Wins: 7, Losses: 3, Runs: 10})
	// This process lags behind; its mirror must not clobber the counters.
	s.Save(context.Background(), key, "agent-a", domain.FitnessRow{Wins: 2, Losses: 1, Runs: 3})

	row, ok, err := s.Load(context.Background(), key, "agent-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 7, row.Wins)
	require.Equal(t, 3, row.Losses)
	require.Equal(t, 10, row.Runs)
}

func TestSeedIntoWarmRestoresSelector(t *testing.T) {
	s := New(newFakeMap())
	key := domain.FitnessKey{AgentID: "dev", PatternID: "p1"}
	s.Save(context.Background(), key, "agent-a", domain.FitnessRow{Wins: 9, Losses: 1, Runs: 10})

	sel := darwin.New(darwin.Config{WarmupRuns: 1})
	require.NoError(t, s.SeedInto(context.Background(), sel))

	row := sel.Row(key, "agent-a")
	require.Equal(t, 9, row.Wins)
	require.Equal(t, 1, row.Losses)
}

func TestSelectorPersistsOutcomesThroughStore(t *testing.T) {
	store := New(newFakeMap())
	sel := darwin.New(darwin.Config{}).WithPersister(store)
	key := domain.FitnessKey{AgentID: "dev", PatternID: "p1"}

	sel.RecordOutcome(key, "agent-a", true)

	row, ok, err := store.Load(context.Background(), key, "agent-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, row.Wins)
}
