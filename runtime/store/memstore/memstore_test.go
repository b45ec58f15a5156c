package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmforge/orchestrator/domain"
	"github.com/swarmforge/orchestrator/runtime/store"
)

func TestSaveAndGetMission(t *testing.T) {
	s := New()
	ctx := context.Background()
	m := domain.MissionRun{ID: "m1", Status: domain.MissionRunning}
	require.NoError(t, s.SaveMission(ctx, m))

	got, err := s.GetMission(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, domain.MissionRunning, got.Status)
}

func TestGetMissionNotFound(t *testing.T) {
	s := New()
	_, err := s.GetMission(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListMissionsByStatusFilters(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveMission(ctx, domain.MissionRun{ID: "a", Status: domain.MissionRunning}))
	require.NoError(t, s.SaveMission(ctx, domain.MissionRun{ID: "b", Status: domain.MissionPaused}))
	require.NoError(t, s.SaveMission(ctx, domain.MissionRun{ID: "c", Status: domain.MissionDone}))

	running, err := s.ListMissionsByStatus(ctx, domain.MissionRunning, domain.MissionPaused)
	require.NoError(t, err)
	require.Len(t, running, 2)
}

func TestSaveSprintUpsertsByID(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveSprint(ctx, domain.Sprint{ID: "s1", MissionID: "m1", Status: domain.SprintPlanning}))
	require.NoError(t, s.SaveSprint(ctx, domain.Sprint{ID: "s1", MissionID: "m1", Status: domain.SprintActive}))
	require.NoError(t, s.SaveSprint(ctx, domain.Sprint{ID: "s2", MissionID: "m1", Status: domain.SprintPlanning}))

	sprints, err := s.ListSprints(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, sprints, 2)
	require.Equal(t, domain.SprintActive, sprints[0].Status)
}

func TestAppendJournalAssignsMonotonicIDs(t *testing.T) {
	s := New()
	ctx := context.Background()
	e1, err := s.AppendJournal(ctx, store.JournalEntry{MissionID: "m1", Kind: "phase_started"})
	require.NoError(t, err)
	e2, err := s.AppendJournal(ctx, store.JournalEntry{MissionID: "m1", Kind: "phase_gate"})
	require.NoError(t, err)
	require.Equal(t, int64(1), e1.ID)
	require.Equal(t, int64(2), e2.ID)
	require.False(t, e1.At.IsZero())
}

func TestJournalSinceFiltersByIDAndMission(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _ = s.AppendJournal(ctx, store.JournalEntry{MissionID: "m1", Kind: "a"})
	_, _ = s.AppendJournal(ctx, store.JournalEntry{MissionID: "m2", Kind: "b"})
	_, _ = s.AppendJournal(ctx, store.JournalEntry{MissionID: "m1", Kind: "c"})

	entries, err := s.JournalSince(ctx, "m1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	all, err := s.JournalSince(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, all, 2)
}
