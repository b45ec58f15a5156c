// Package memstore provides an in-memory store.Store implementation,
// suitable for development, testing, and single-node deployments.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/swarmforge/orchestrator/domain"
	"github.com/swarmforge/orchestrator/runtime/store"
)

// Store is an in-memory, mutex-guarded store.Store.
type Store struct {
	mu        sync.RWMutex
	missions  map[string]domain.MissionRun
	sprints   map[string][]domain.Sprint // missionID -> sprints, creation order
	journal   []store.JournalEntry
	journalID int64
}

var _ store.Store = (*Store)(nil)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		missions: make(map[string]domain.MissionRun),
		sprints:  make(map[string][]domain.Sprint),
	}
}

func (s *Store) SaveMission(ctx context.Context, m domain.MissionRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missions[m.ID] = m
	return nil
}

func (s *Store) GetMission(ctx context.Context, id string) (domain.MissionRun, error) {
	if err := ctx.Err(); err != nil {
		return domain.MissionRun{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.missions[id]
	if !ok {
		return domain.MissionRun{}, store.ErrNotFound
	}
	return m, nil
}

func (s *Store) ListMissionsByStatus(ctx context.Context, statuses ...domain.MissionStatus) ([]domain.MissionRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[domain.MissionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.MissionRun
	for _, m := range s.missions {
		if len(want) == 0 || want[m.Status] {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveSprint(ctx context.Context, sp domain.Sprint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.sprints[sp.MissionID]
	for i, existing := range list {
		if existing.ID == sp.ID {
			list[i] = sp
			s.sprints[sp.MissionID] = list
			return nil
		}
	}
	s.sprints[sp.MissionID] = append(list, sp)
	return nil
}

func (s *Store) ListSprints(ctx context.Context, missionID string) ([]domain.Sprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Sprint, len(s.sprints[missionID]))
	copy(out, s.sprints[missionID])
	return out, nil
}

func (s *Store) AppendJournal(ctx context.Context, entry store.JournalEntry) (store.JournalEntry, error) {
	if err := ctx.Err(); err != nil {
		return store.JournalEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journalID++
	entry.ID = s.journalID
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	s.journal = append(s.journal, entry)
	return entry, nil
}

func (s *Store) JournalSince(ctx context.Context, missionID string, sinceID int64) ([]store.JournalEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.JournalEntry
	for _, e := range s.journal {
		if e.ID <= sinceID {
			continue
		}
		if missionID != "" && e.MissionID != missionID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
