// Package replicated gives the Darwin Selector optional cross-process
// fitness-row persistence backed by a Pulse replicated map (rmap), which is
// itself backed by Redis. The orchestration core is process-local, but an
// operator running a pool of orchestrator processes can opt in: Store
// implements darwin.Persister to mirror every RecordOutcome, and SeedInto
// warm-restores a fresh process's Selector from whatever the pool has
// already learned.
package replicated

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"github.com/swarmforge/orchestrator/domain"
	"github.com/swarmforge/orchestrator/runtime/darwin"
)

type (
	// Map is the minimal replicated-map contract required by the store.
	//
	// Map is satisfied by `*rmap.Map` from `goa.design/pulse/rmap`.
	// It is defined here to:
	//   - keep the store unit-testable without Redis, and
	//   - avoid coupling callers to a concrete Pulse implementation.
	//
	// Implementations must be safe for concurrent use.
	Map interface {
		Get(key string) (string, bool)
		Keys() []string
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
	}

	// Store persists Darwin fitness rows in a replicated map, one JSON
	// document per (fitness key, candidate) pair. It implements
	// darwin.Persister.
	Store struct {
		m Map
	}

	rowDocument struct {
		Wins        int       `json:"wins"`
		Losses      int       `json:"losses"`
		Runs        int       `json:"runs"`
		LastUpdated time.Time `json:"last_updated"`
	}
)

var _ darwin.Persister = (*Store)(nil)

const rowKeyPrefix = "darwin:fitness:"

// saveRetries bounds the TestAndSet loop in Save; past it the freshest
// remote value wins and the local mirror is dropped.
const saveRetries = 3

// New creates a replicated store backed by the given map.
func New(m Map) *Store {
	return &Store{m: m}
}

// Join connects to the named replicated map on rdb and returns a Store over
// it, the common production wiring.
func Join(ctx context.Context, name string, rdb *redis.Client) (*Store, error) {
	m, err := rmap.Join(ctx, name, rdb)
	if err != nil {
		return nil, fmt.Errorf("replicated: join map %q: %w", name, err)
	}
	return New(m), nil
}

func rowKey(key domain.FitnessKey, candidateID string) string {
	return rowKeyPrefix + strings.Join([]string{key.AgentID, key.PatternID, key.Technology, key.PhaseType, candidateID}, "|")
}

// Save mirrors one fitness row to the replicated map. Concurrent mirrors
// from other processes are reconciled with a TestAndSet loop that merges by
// field-wise maximum, so a slower process never rolls counters backward.
// Errors are swallowed: Darwin's in-memory counters are authoritative for
// the process that just recorded the outcome, and the map is best-effort
// replication, not the write path's source of truth.
func (s *Store) Save(ctx context.Context, key domain.FitnessKey, candidateID string, row domain.FitnessRow) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	k := rowKey(key, candidateID)
	doc := rowDocument{Wins: row.Wins, Losses: row.Losses, Runs: row.Runs, LastUpdated: row.LastUpdated.UTC()}
	for attempt := 0; attempt < saveRetries; attempt++ {
		current, ok := s.m.Get(k)
		if !ok {
			// Seed the key; a concurrent writer may win, in which case the
			// next iteration merges against its value.
			if set, err := s.m.SetIfNotExists(ctx, k, mustMarshal(doc)); err != nil || set {
				return
			}
			continue
		}
		var remote rowDocument
		if err := json.Unmarshal([]byte(current), &remote); err == nil {
			doc = mergeRows(doc, remote)
		}
		if prev, err := s.m.TestAndSet(ctx, k, current, mustMarshal(doc)); err != nil || prev == current {
			return
		}
	}
}

// mergeRows reconciles two mirrors of the same row by field-wise maximum:
// counters only ever grow, so the larger value is the fresher one.
func mergeRows(a, b rowDocument) rowDocument {
	out := a
	if b.Wins > out.Wins {
		out.Wins = b.Wins
	}
	if b.Losses > out.Losses {
		out.Losses = b.Losses
	}
	out.Runs = out.Wins + out.Losses
	if b.LastUpdated.After(out.LastUpdated) {
		out.LastUpdated = b.LastUpdated
	}
	return out
}

func mustMarshal(doc rowDocument) string {
	b, err := json.Marshal(doc)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Load fetches the persisted fitness row for (key, candidateID). The second
// return is false when no row has been saved yet.
func (s *Store) Load(ctx context.Context, key domain.FitnessKey, candidateID string) (domain.FitnessRow, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.FitnessRow{}, false, err
	}
	raw, ok := s.m.Get(rowKey(key, candidateID))
	if !ok {
		return domain.FitnessRow{}, false, nil
	}
	row, err := parseRow(raw)
	if err != nil {
		return domain.FitnessRow{}, false, fmt.Errorf("replicated: load %s/%s: %w", key.AgentID, candidateID, err)
	}
	return row, true, nil
}

// LoadAll returns every persisted fitness row, keyed by the same joined-key
// string the Selector uses internally; see SeedInto for the common case.
func (s *Store) LoadAll(ctx context.Context) (map[string]domain.FitnessRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]domain.FitnessRow)
	for _, k := range s.m.Keys() {
		if !strings.HasPrefix(k, rowKeyPrefix) {
			continue
		}
		raw, ok := s.m.Get(k)
		if !ok {
			continue
		}
		row, err := parseRow(raw)
		if err != nil {
			return nil, fmt.Errorf("replicated: load %q: %w", k, err)
		}
		out[strings.TrimPrefix(k, rowKeyPrefix)] = row
	}
	return out, nil
}

// SeedInto loads every persisted row and installs it into sel via Seed, so a
// freshly-started process resumes Thompson sampling from the pool's combined
// experience instead of from a cold state.
func (s *Store) SeedInto(ctx context.Context, sel *darwin.Selector) error {
	rows, err := s.LoadAll(ctx)
	if err != nil {
		return err
	}
	for joined, row := range rows {
		parts := strings.Split(joined, "|")
		if len(parts) != 5 {
			continue
		}
		key := domain.FitnessKey{AgentID: parts[0], PatternID: parts[1], Technology: parts[2], PhaseType: parts[3]}
		sel.Seed(key, parts[4], row)
	}
	return nil
}

func parseRow(raw string) (domain.FitnessRow, error) {
	var doc rowDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return domain.FitnessRow{}, err
	}
	runs := doc.Runs
	if runs != doc.Wins+doc.Losses {
		runs = doc.Wins + doc.Losses
	}
	return domain.FitnessRow{Wins: doc.Wins, Losses: doc.Losses, Runs: runs, LastUpdated: doc.LastUpdated}, nil
}
