package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/swarmforge/orchestrator/domain"
	"github.com/swarmforge/orchestrator/runtime/store"
)

var (
	testMongoClient    *mongo.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func TestMain(m *testing.M) {
	setupMongoDB()
	code := m.Run()
	teardownMongoDB()
	os.Exit(code)
}

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB integration tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
	}
}

func teardownMongoDB() {
	ctx := context.Background()
	if testMongoClient != nil {
		_ = testMongoClient.Disconnect(ctx)
	}
	if testMongoContainer != nil {
		_ = testMongoContainer.Terminate(ctx)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB integration tests")
	}
	db := testMongoClient.Database("orchestrator_" + sanitize(t.Name()))
	require.NoError(t, db.Drop(context.Background()))
	return New(db)
}

func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func TestMissionUpsertGetAndListByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := domain.MissionRun{
		ID: "m1", ProjectID: "p1", WorkflowID: "w1",
		WSJF:      domain.WSJF{BusinessValue: 5, JobDuration: 2},
		Status:    domain.MissionQueued,
		StartedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.SaveMission(ctx, m))

	// Saving again with a new status replaces, not duplicates.
	m.Status = domain.MissionRunning
	m.CurrentPhaseIndex = 1
	require.NoError(t, s.SaveMission(ctx, m))

	got, err := s.GetMission(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, m, got)

	require.NoError(t, s.SaveMission(ctx, domain.MissionRun{ID: "m2", Status: domain.MissionDone}))

	running, err := s.ListMissionsByStatus(ctx, domain.MissionRunning, domain.MissionPaused)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, "m1", running[0].ID)

	_, err = s.GetMission(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSprintUpsertAndListOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, n := range []int{3, 1, 2} {
		require.NoError(t, s.SaveSprint(ctx, domain.Sprint{
			ID: fmt.Sprintf("m1/%d", n), MissionID: "m1", Number: n, Status: domain.SprintCompleted,
		}))
	}
	require.NoError(t, s.SaveSprint(ctx, domain.Sprint{ID: "other/1", MissionID: "other", Number: 1, Status: domain.SprintPlanning}))

	sprints, err := s.ListSprints(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, sprints, 3)
	for i, sp := range sprints {
		require.Equal(t, i+1, sp.Number)
	}
}

func TestJournalCounterIsMonotonicAcrossStores(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A second Store over the same database mints from the same counters
	// document, so ids stay strictly increasing across processes.
	s2 := New(testMongoClient.Database("orchestrator_" + sanitize(t.Name())))

	var last int64
	for i := 0; i < 6; i++ {
		st := s
		if i%2 == 1 {
			st = s2
		}
		entry, err := st.AppendJournal(ctx, store.JournalEntry{MissionID: "m1", Kind: "mission.phase_started"})
		require.NoError(t, err)
		require.Greater(t, entry.ID, last)
		last = entry.ID
	}
}

func TestJournalSinceFiltersByMissionAndID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		entry, err := s.AppendJournal(ctx, store.JournalEntry{MissionID: "m1", Kind: fmt.Sprintf("kind-%d", i)})
		require.NoError(t, err)
		ids = append(ids, entry.ID)
	}
	_, err := s.AppendJournal(ctx, store.JournalEntry{MissionID: "m2", Kind: "other"})
	require.NoError(t, err)

	entries, err := s.JournalSince(ctx, "m1", ids[0])
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "kind-1", entries[0].Kind)
	require.Equal(t, "kind-2", entries[1].Kind)
	for i := 1; i < len(entries); i++ {
		require.Greater(t, entries[i].ID, entries[i-1].ID)
	}
}
