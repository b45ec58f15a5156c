package mission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmforge/orchestrator/domain"
	"github.com/swarmforge/orchestrator/runtime/adversarial"
	"github.com/swarmforge/orchestrator/runtime/bus"
	"github.com/swarmforge/orchestrator/runtime/darwin"
	"github.com/swarmforge/orchestrator/runtime/executor"
	"github.com/swarmforge/orchestrator/runtime/memory"
	"github.com/swarmforge/orchestrator/runtime/model"
	"github.com/swarmforge/orchestrator/runtime/pattern"
	"github.com/swarmforge/orchestrator/runtime/session"
	"github.com/swarmforge/orchestrator/runtime/store/memstore"
	"github.com/swarmforge/orchestrator/runtime/tools"
)

// fixedClient is a model.Client that always answers with the same text;
// these tests only need a turn's output to clear (or fail) the Adversarial
// Guard's L0 scan.
type fixedClient struct{ text string }

func (c fixedClient) Complete(context.Context, *model.Request) (*model.Response, error) {
	return &model.Response{Content: []model.Message{
		{Role: model.RoleAssistant, Parts: []model.Part{model.TextPart{Text: c.text}}},
	}}, nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *Registry) {
	t.Helper()
	reg := NewRegistry()
	db := memstore.New()
	mem := memory.New()
	catalog := NewModelCatalog()
	catalog.SetDevFallback(fixedClient{text: "implementation complete, wiring the new endpoint through the router layer."})

	deps := Deps{
		Registry: reg,
		Store:    db,
		Bus:      bus.New(64),
		Memory:   mem,
		Sessions: session.New(db, mem, nil),
		Tools:    tools.NewRegistry(),
		Guard:    adversarial.New(adversarial.Config{L1Enabled: false}, nil),
		Catalog:  catalog,
		Patterns: pattern.New(),
		Executor: executor.New(4, mem, tools.NewRegistry(), nil),
	}
	orch := New(Config{AdmissionConcurrency: 2}, deps)
	require.NoError(t, orch.Start(context.Background()))
	return orch, reg
}

func registerProject(reg *Registry, id string) domain.Project {
	p := domain.Project{ID: id, Name: id, Stack: "generic-style"}
	reg.RegisterProject(p)
	return p
}

func waitForStatus(t *testing.T, orch *Orchestrator, missionID string, want ...domain.MissionStatus) domain.MissionRun {
	t.Helper()
	var m domain.MissionRun
	require.Eventually(t, func() bool {
		var err error
		m, err = orch.GetMission(context.Background(), missionID)
		if err != nil {
			return false
		}
		for _, w := range want {
			if m.Status == w {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "mission %s never reached %v (last status %s)", missionID, want, m.Status)
	return m
}

// TestSequentialMissionCompletes exercises the trivial happy path: two
// developer agents run a sequential pattern whose gate requires no veto,
// and a single-phase workflow template finishes with no issues recorded.
func TestSequentialMissionCompletes(t *testing.T) {
	orch, reg := newTestOrchestrator(t)
	project := registerProject(reg, "proj-seq")

	reg.RegisterAgent(domain.AgentDefinition{ID: "dev-a", Role: domain.RoleDeveloper, AllowedTools: []string{}})
	reg.RegisterAgent(domain.AgentDefinition{ID: "dev-b", Role: domain.RoleDeveloper, AllowedTools: []string{}})
	reg.RegisterPattern(domain.PatternDefinition{
		ID:   "seq-pair",
		Type: domain.PatternSequential,
		Participants: []domain.ParticipantRef{
			{AgentID: "dev-a"}, {AgentID: "dev-b"},
		},
	})
	reg.RegisterTemplate(domain.WorkflowTemplate{
		ID:   "wf-seq",
		Name: "sequential smoke",
		Phases: []domain.PhaseSpec{
			{Name: "build", PatternID: "seq-pair", Gate: domain.GateNoVeto, FailurePolicy: domain.FailureAbort},
		},
	})

	m, err := orch.CreateMission(context.Background(), project.ID, "wf-seq", domain.WSJF{BusinessValue: 5, TimeCriticality: 2, JobDuration: 1})
	require.NoError(t, err)
	require.Equal(t, domain.MissionQueued, m.Status)
	require.NoError(t, orch.StartMission(context.Background(), m.ID))

	final := waitForStatus(t, orch, m.ID, domain.MissionDone, domain.MissionDoneWithIssues, domain.MissionFailed)
	require.Equal(t, domain.MissionDone, final.Status)
	require.Empty(t, final.Issues)

	// A terminal mission cannot be restarted.
	require.ErrorIs(t, orch.StartMission(context.Background(), m.ID), ErrInvalidTransition)
}

// TestAdversarialCascadeVetoSkipsPhaseAndRecordsIssue covers the
// absolute-veto path: the implementer's output trips the Adversarial
// Guard's always-reject L0 family, the cascade halts before either critic
// ever runs (both stay pending), the no_veto gate fails, and a skip
// failure policy carries the mission to done_with_issues instead of
// aborting it.
func TestAdversarialCascadeVetoSkipsPhaseAndRecordsIssue(t *testing.T) {
	orch, reg := newTestOrchestrator(t)
	project := registerProject(reg, "proj-cascade")

	reg.RegisterAgent(domain.AgentDefinition{ID: "impl", Role: domain.RoleDeveloper, AllowedTools: []string{}})
	reg.RegisterAgent(domain.AgentDefinition{ID: "sec-critic", Role: domain.RoleAdversarial, AllowedTools: []string{}})
	reg.RegisterAgent(domain.AgentDefinition{ID: "arch-critic", Role: domain.RoleAdversarial, AllowedTools: []string{}})
	reg.RegisterPattern(domain.PatternDefinition{
		ID:   "cascade",
		Type: domain.PatternAdversarialCascade,
		Participants: []domain.ParticipantRef{
			{AgentID: "impl"}, {AgentID: "sec-critic"}, {AgentID: "arch-critic"},
		},
	})
	reg.RegisterTemplate(domain.WorkflowTemplate{
		ID:   "wf-cascade",
		Name: "adversarial cascade",
		Phases: []domain.PhaseSpec{
			{Name: "review", PatternID: "cascade", Gate: domain.GateNoVeto, FailurePolicy: domain.FailureSkip},
		},
	})

	// impl's client always claims the build succeeded without actually
	// running it, tripping FamilyFakeBuild, which is an always-reject
	// family regardless of total score.
	orch.deps.Catalog.SetDevFallback(fixedClient{text: "assuming this compiles, the feature is done."})

	m, err := orch.CreateMission(context.Background(), project.ID, "wf-cascade", domain.WSJF{BusinessValue: 3, TimeCriticality: 1, JobDuration: 1})
	require.NoError(t, err)
	require.NoError(t, orch.StartMission(context.Background(), m.ID))

	final := waitForStatus(t, orch, m.ID, domain.MissionDone, domain.MissionDoneWithIssues, domain.MissionFailed)
	require.Equal(t, domain.MissionDoneWithIssues, final.Status)
	require.Len(t, final.Issues, 1)
}

// TestHumanCheckpointPausesThenResumesOnApproval covers the
// human-in-the-loop path: a pattern run pauses mid-phase awaiting a
// human decision, the mission reports status paused with a pending
// checkpoint, and approving it lets the phase gate pass and the mission
// finish.
func TestHumanCheckpointPausesThenResumesOnApproval(t *testing.T) {
	orch, reg := newTestOrchestrator(t)
	project := registerProject(reg, "proj-checkpoint")

	reg.RegisterAgent(domain.AgentDefinition{ID: "reviewer", Role: domain.RoleProduct, AllowedTools: []string{}})
	reg.RegisterPattern(domain.PatternDefinition{
		ID:           "hitl",
		Type:         domain.PatternHumanInTheLoop,
		Participants: []domain.ParticipantRef{{AgentID: "reviewer"}},
	})
	reg.RegisterTemplate(domain.WorkflowTemplate{
		ID:   "wf-checkpoint",
		Name: "human checkpoint",
		Phases: []domain.PhaseSpec{
			{Name: "signoff", PatternID: "hitl", Gate: domain.GateCheckpoint, FailurePolicy: domain.FailureAbort},
		},
	})

	m, err := orch.CreateMission(context.Background(), project.ID, "wf-checkpoint", domain.WSJF{BusinessValue: 4, TimeCriticality: 1, JobDuration: 1})
	require.NoError(t, err)
	require.NoError(t, orch.StartMission(context.Background(), m.ID))

	paused := waitForStatus(t, orch, m.ID, domain.MissionPaused, domain.MissionFailed)
	require.Equal(t, domain.MissionPaused, paused.Status)
	require.NotEmpty(t, paused.PendingCheckpoint)

	require.NoError(t, orch.ApproveCheckpoint(context.Background(), m.ID, true, "looks good"))

	final := waitForStatus(t, orch, m.ID, domain.MissionDone, domain.MissionDoneWithIssues, domain.MissionFailed)
	require.Equal(t, domain.MissionDone, final.Status)
}

// TestRejectedCheckpointRecordsIssueWithoutAborting confirms a rejected
// checkpoint carries the mission forward as an issue rather than failing it
// outright, matching ApproveCheckpoint's "checkpoint rejected" branch.
func TestRejectedCheckpointRecordsIssueWithoutAborting(t *testing.T) {
	orch, reg := newTestOrchestrator(t)
	project := registerProject(reg, "proj-checkpoint-reject")

	reg.RegisterAgent(domain.AgentDefinition{ID: "reviewer", Role: domain.RoleProduct, AllowedTools: []string{}})
	reg.RegisterPattern(domain.PatternDefinition{
		ID:           "hitl-reject",
		Type:         domain.PatternHumanInTheLoop,
		Participants: []domain.ParticipantRef{{AgentID: "reviewer"}},
	})
	reg.RegisterTemplate(domain.WorkflowTemplate{
		ID:   "wf-checkpoint-reject",
		Name: "human checkpoint reject",
		Phases: []domain.PhaseSpec{
			{Name: "signoff", PatternID: "hitl-reject", Gate: domain.GateCheckpoint, FailurePolicy: domain.FailureSkip},
		},
	})

	m, err := orch.CreateMission(context.Background(), project.ID, "wf-checkpoint-reject", domain.WSJF{BusinessValue: 4, TimeCriticality: 1, JobDuration: 1})
	require.NoError(t, err)
	require.NoError(t, orch.StartMission(context.Background(), m.ID))

	paused := waitForStatus(t, orch, m.ID, domain.MissionPaused, domain.MissionFailed)
	require.Equal(t, domain.MissionPaused, paused.Status)

	require.NoError(t, orch.ApproveCheckpoint(context.Background(), m.ID, false, "not ready"))

	final := waitForStatus(t, orch, m.ID, domain.MissionDone, domain.MissionDoneWithIssues, domain.MissionFailed)
	require.Equal(t, domain.MissionDoneWithIssues, final.Status)
	require.Len(t, final.Issues, 2)
	require.Contains(t, final.Issues[0], "rejected")
}

// TestResumeAfterRestartContinuesFromJournaledPhase simulates a process
// crash: a fresh Orchestrator sharing the same Store picks a mission left
// in status running back up and drives it to completion without replaying
// phases already advanced past.
func TestResumeAfterRestartContinuesFromJournaledPhase(t *testing.T) {
	reg := NewRegistry()
	db := memstore.New()
	project := registerProject(reg, "proj-resume")

	reg.RegisterAgent(domain.AgentDefinition{ID: "dev-a", Role: domain.RoleDeveloper, AllowedTools: []string{}})
	reg.RegisterPattern(domain.PatternDefinition{
		ID:           "solo",
		Type:         domain.PatternSolo,
		Participants: []domain.ParticipantRef{{AgentID: "dev-a"}},
	})
	reg.RegisterTemplate(domain.WorkflowTemplate{
		ID:   "wf-resume",
		Name: "resume after restart",
		Phases: []domain.PhaseSpec{
			{Name: "design", PatternID: "solo", Gate: domain.GateAlways, FailurePolicy: domain.FailureAbort},
			{Name: "build", PatternID: "solo", Gate: domain.GateAlways, FailurePolicy: domain.FailureAbort},
		},
	})

	// Mission already advanced past phase 0 when the process "crashed".
	m := domain.MissionRun{
		ID: "mission-resume-1", ProjectID: project.ID, WorkflowID: "wf-resume",
		Status: domain.MissionRunning, CurrentPhaseIndex: 1,
	}
	require.NoError(t, db.SaveMission(context.Background(), m))

	mem := memory.New()
	catalog := NewModelCatalog()
	catalog.SetDevFallback(fixedClient{text: "design finalized and the build phase is now running cleanly."})
	deps := Deps{
		Registry: reg,
		Store:    db,
		Bus:      bus.New(64),
		Memory:   mem,
		Sessions: session.New(db, mem, nil),
		Tools:    tools.NewRegistry(),
		Guard:    adversarial.New(adversarial.Config{L1Enabled: false}, nil),
		Catalog:  catalog,
		Patterns: pattern.New(),
		Executor: executor.New(4, mem, tools.NewRegistry(), nil),
	}
	orch := New(Config{AdmissionConcurrency: 1}, deps)
	require.NoError(t, orch.Start(context.Background()))

	final := waitForStatus(t, orch, m.ID, domain.MissionDone, domain.MissionDoneWithIssues, domain.MissionFailed)
	require.Equal(t, domain.MissionDone, final.Status)
	require.Empty(t, final.Issues)
}

// TestSubscribeReceivesMissionEventStream checks that a subscriber sees the
// typed event-stream messages the Orchestrator publishes for a mission run,
// and that EventsSince replays the same entries from the durable journal.
func TestSubscribeReceivesMissionEventStream(t *testing.T) {
	orch, reg := newTestOrchestrator(t)
	project := registerProject(reg, "proj-events")

	reg.RegisterAgent(domain.AgentDefinition{ID: "dev-a", Role: domain.RoleDeveloper, AllowedTools: []string{}})
	reg.RegisterPattern(domain.PatternDefinition{
		ID:           "solo-events",
		Type:         domain.PatternSolo,
		Participants: []domain.ParticipantRef{{AgentID: "dev-a"}},
	})
	reg.RegisterTemplate(domain.WorkflowTemplate{
		ID:   "wf-events",
		Name: "event stream smoke",
		Phases: []domain.PhaseSpec{
			{Name: "build", PatternID: "solo-events", Gate: domain.GateAlways, FailurePolicy: domain.FailureAbort},
		},
	})

	listener, err := orch.Subscribe("test-sub")
	require.NoError(t, err)

	m, err := orch.CreateMission(context.Background(), project.ID, "wf-events", domain.WSJF{BusinessValue: 2, TimeCriticality: 1, JobDuration: 1})
	require.NoError(t, err)
	require.NoError(t, orch.StartMission(context.Background(), m.ID))

	waitForStatus(t, orch, m.ID, domain.MissionDone, domain.MissionDoneWithIssues, domain.MissionFailed)

	sawCreated := false
	for i := 0; i < 20; i++ {
		msg, ok, timedOut := listener.Wait(context.Background(), 200*time.Millisecond)
		if timedOut || !ok {
			break
		}
		if ev, ok := msg.Body.(Event); ok && ev.Kind == EventMissionCreated && ev.MissionID == m.ID {
			sawCreated = true
			break
		}
	}
	require.True(t, sawCreated, "expected to observe a mission.created event on the live bus")

	entries, err := orch.EventsSince(context.Background(), m.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.Equal(t, "mission.created", entries[0].Kind)
}

// TestRetryBudgetExhaustionEndsDoneWithIssues pins the retry failure
// policy's terminal behavior: a phase whose single allowed sprint is vetoed
// does not get a second sprint and does not abort the mission either; the
// exhausted budget is carried as an issue and the run ends done_with_issues.
func TestRetryBudgetExhaustionEndsDoneWithIssues(t *testing.T) {
	orch, reg := newTestOrchestrator(t)
	project := registerProject(reg, "proj-retry")

	reg.RegisterAgent(domain.AgentDefinition{ID: "impl", Role: domain.RoleDeveloper, AllowedTools: []string{}})
	reg.RegisterAgent(domain.AgentDefinition{ID: "sec-critic", Role: domain.RoleAdversarial, AllowedTools: []string{}})
	reg.RegisterPattern(domain.PatternDefinition{
		ID:   "cascade-retry",
		Type: domain.PatternAdversarialCascade,
		Participants: []domain.ParticipantRef{
			{AgentID: "impl"}, {AgentID: "sec-critic"},
		},
	})
	reg.RegisterTemplate(domain.WorkflowTemplate{
		ID:   "wf-retry",
		Name: "retry exhaustion",
		Phases: []domain.PhaseSpec{
			{Name: "review", PatternID: "cascade-retry", Gate: domain.GateNoVeto, MaxSprints: 1, FailurePolicy: domain.FailureRetry},
		},
	})

	orch.deps.Catalog.SetDevFallback(fixedClient{text: "assuming this compiles, the feature is done."})

	m, err := orch.CreateMission(context.Background(), project.ID, "wf-retry", domain.WSJF{BusinessValue: 3, TimeCriticality: 1, JobDuration: 1})
	require.NoError(t, err)
	require.NoError(t, orch.StartMission(context.Background(), m.ID))

	final := waitForStatus(t, orch, m.ID, domain.MissionDone, domain.MissionDoneWithIssues, domain.MissionFailed)
	require.Equal(t, domain.MissionDoneWithIssues, final.Status)
	require.Len(t, final.Issues, 1)
	require.Contains(t, final.Issues[0], "retry budget exhausted")
}

// TestCreateMissionSeedsProjectDocsAndCompletionWritesGlobalLesson checks
// the two memory feeds inject_context draws from besides sprint retros: the
// project's vision/values/conventions land in project-layer memory at
// admission, and a finished mission leaves a global-layer lesson behind.
func TestCreateMissionSeedsProjectDocsAndCompletionWritesGlobalLesson(t *testing.T) {
	orch, reg := newTestOrchestrator(t)
	project := domain.Project{
		ID:     "proj-docs",
		Name:   "proj-docs",
		Stack:  "generic-style",
		Vision: "ship the payments rework without regressions",
		Values: "small reviewable changes",
	}
	reg.RegisterProject(project)

	reg.RegisterAgent(domain.AgentDefinition{ID: "dev-a", Role: domain.RoleDeveloper, AllowedTools: []string{}})
	reg.RegisterPattern(domain.PatternDefinition{
		ID:           "solo-docs",
		Type:         domain.PatternSolo,
		Participants: []domain.ParticipantRef{{AgentID: "dev-a"}},
	})
	reg.RegisterTemplate(domain.WorkflowTemplate{
		ID:   "wf-docs",
		Name: "doc seeding",
		Phases: []domain.PhaseSpec{
			{Name: "build", PatternID: "solo-docs", Gate: domain.GateAlways, FailurePolicy: domain.FailureAbort},
		},
	})

	m, err := orch.CreateMission(context.Background(), project.ID, "wf-docs", domain.WSJF{BusinessValue: 1, JobDuration: 1})
	require.NoError(t, err)

	visions := orch.deps.Memory.Search(context.Background(), memory.SearchQuery{
		Text:         "payments rework",
		ReadLayers:   []domain.MemoryLayer{domain.LayerProject},
		ProjectScope: project.ID,
	})
	require.NotEmpty(t, visions)
	require.Equal(t, "vision", visions[0].Entry.Category)

	// A second mission against the same project does not duplicate the docs.
	_, err = orch.CreateMission(context.Background(), project.ID, "wf-docs", domain.WSJF{BusinessValue: 1, JobDuration: 1})
	require.NoError(t, err)
	require.Len(t, orch.deps.Memory.Search(context.Background(), memory.SearchQuery{
		Text:         "payments rework",
		ReadLayers:   []domain.MemoryLayer{domain.LayerProject},
		ProjectScope: project.ID,
	}), len(visions))

	require.NoError(t, orch.StartMission(context.Background(), m.ID))
	waitForStatus(t, orch, m.ID, domain.MissionDone, domain.MissionDoneWithIssues, domain.MissionFailed)

	lessons := orch.deps.Memory.Search(context.Background(), memory.SearchQuery{
		Text:       "wf-docs finished",
		ReadLayers: []domain.MemoryLayer{domain.LayerGlobal},
	})
	require.NotEmpty(t, lessons)
	require.Equal(t, "mission_lesson", lessons[0].Entry.Category)
}

// TestDarwinShadowRunJournalsChallengerOutcome seeds two post-warmup
// developer candidates with identical fitness so Darwin schedules an A/B
// shadow of the runner-up; the shadow turn runs after the pattern and its
// verdict lands in the journal as a darwin.ab_shadow entry.
func TestDarwinShadowRunJournalsChallengerOutcome(t *testing.T) {
	reg := NewRegistry()
	db := memstore.New()
	mem := memory.New()
	project := registerProject(reg, "proj-shadow")

	reg.RegisterAgent(domain.AgentDefinition{ID: "dev-a", Role: domain.RoleDeveloper, AllowedTools: []string{}})
	reg.RegisterAgent(domain.AgentDefinition{ID: "dev-b", Role: domain.RoleDeveloper, AllowedTools: []string{}})
	reg.RegisterPattern(domain.PatternDefinition{
		ID:           "solo-ab",
		Type:         domain.PatternSolo,
		Participants: []domain.ParticipantRef{{Role: domain.RoleDeveloper}},
	})
	reg.RegisterTemplate(domain.WorkflowTemplate{
		ID:   "wf-shadow",
		Name: "ab shadow",
		Phases: []domain.PhaseSpec{
			{Name: "build", PatternID: "solo-ab", Gate: domain.GateAlways, FailurePolicy: domain.FailureAbort},
		},
	})

	sel := darwin.New(darwin.Config{})
	key := domain.FitnessKey{AgentID: string(domain.RoleDeveloper), PatternID: "solo-ab", Technology: project.Stack, PhaseType: "build"}
	sel.Seed(key, "dev-a", domain.FitnessRow{Runs: 5, Wins: 3, Losses: 2})
	sel.Seed(key, "dev-b", domain.FitnessRow{Runs: 5, Wins: 3, Losses: 2})

	catalog := NewModelCatalog()
	catalog.SetDevFallback(fixedClient{text: "implementation complete, wiring the new endpoint through the router layer."})
	deps := Deps{
		Registry: reg,
		Store:    db,
		Bus:      bus.New(64),
		Memory:   mem,
		Sessions: session.New(db, mem, nil),
		Tools:    tools.NewRegistry(),
		Guard:    adversarial.New(adversarial.Config{L1Enabled: false}, nil),
		Darwin:   sel,
		Catalog:  catalog,
		Patterns: pattern.New(),
		Executor: executor.New(4, mem, tools.NewRegistry(), nil),
	}
	orch := New(Config{AdmissionConcurrency: 1}, deps)
	require.NoError(t, orch.Start(context.Background()))

	m, err := orch.CreateMission(context.Background(), project.ID, "wf-shadow", domain.WSJF{BusinessValue: 2, TimeCriticality: 1, JobDuration: 1})
	require.NoError(t, err)
	require.NoError(t, orch.StartMission(context.Background(), m.ID))
	waitForStatus(t, orch, m.ID, domain.MissionDone, domain.MissionDoneWithIssues, domain.MissionFailed)

	entries, err := orch.EventsSince(context.Background(), m.ID, 0)
	require.NoError(t, err)
	var shadow bool
	for _, e := range entries {
		if e.Kind == string(EventDarwinABShadow) {
			shadow = true
			require.NotEmpty(t, e.Detail["winner"])
		}
	}
	require.True(t, shadow, "expected a darwin.ab_shadow journal entry")
}
