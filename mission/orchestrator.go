package mission

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmforge/orchestrator/domain"
	"github.com/swarmforge/orchestrator/runtime/adversarial"
	"github.com/swarmforge/orchestrator/runtime/bus"
	"github.com/swarmforge/orchestrator/runtime/darwin"
	"github.com/swarmforge/orchestrator/runtime/executor"
	"github.com/swarmforge/orchestrator/runtime/memory"
	"github.com/swarmforge/orchestrator/runtime/model"
	"github.com/swarmforge/orchestrator/runtime/pattern"
	"github.com/swarmforge/orchestrator/runtime/session"
	"github.com/swarmforge/orchestrator/runtime/store"
	"github.com/swarmforge/orchestrator/runtime/telemetry"
	"github.com/swarmforge/orchestrator/runtime/tools"
)

// Config tunes Orchestrator admission behavior.
type Config struct {
	// AdmissionConcurrency bounds how many Mission Runs actively execute a
	// phase at once; the rest wait in the WSJF-ordered admission queue.
	AdmissionConcurrency int
}

func (c Config) withDefaults() Config {
	if c.AdmissionConcurrency <= 0 {
		c.AdmissionConcurrency = 1
	}
	return c
}

// Deps bundles the runtime components the Orchestrator drives. Memory,
// Tools, Guard, Darwin and Logger may be nil; the Orchestrator then skips
// the steps that use them. Sessions and Catalog's fallbacks degrade
// gracefully (see session.New and ModelCatalog.Resolve). The other fields
// are required.
type Deps struct {
	Registry *Registry
	Store    store.Store
	Bus      bus.Bus
	Memory   *memory.Manager
	Sessions *session.Manager
	Tools    *tools.Registry
	Guard    *adversarial.Guard
	Darwin   *darwin.Selector
	Catalog  *ModelCatalog
	Patterns *pattern.Engine
	Executor *executor.Executor
	// Logger receives orchestration lifecycle lines; nil means no logging.
	Logger telemetry.Logger
}

// Orchestrator is the Mission Orchestrator: it admits
// Mission Runs under a WSJF-ordered, concurrency-bounded queue, walks a
// Workflow Template's phases, resolves role participants through Darwin,
// runs the Pattern Engine, opens/closes Sprints for dev phases, evaluates
// phase gates, and republishes everything as a typed event stream.
type Orchestrator struct {
	cfg  Config
	deps Deps

	qmu   sync.Mutex
	qcond *sync.Cond
	queue admissionQueue
	seq   int64
	slots chan struct{}

	mu           sync.Mutex
	pauseSignals map[string]chan struct{}
	checkpoints  map[string]*checkpointController
	seeded       map[string]bool // project ids whose documents are in memory
	closed       bool
}

// New constructs an Orchestrator. Call Start to begin the admission loop
// and boot-time resume scan.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	o := &Orchestrator{
		cfg:          cfg,
		deps:         deps,
		slots:        make(chan struct{}, cfg.AdmissionConcurrency),
		pauseSignals: make(map[string]chan struct{}),
		checkpoints:  make(map[string]*checkpointController),
		seeded:       make(map[string]bool),
	}
	o.qcond = sync.NewCond(&o.qmu)
	for i := 0; i < cfg.AdmissionConcurrency; i++ {
		o.slots <- struct{}{}
	}
	return o
}

// Start launches the admission loop and re-queues every Mission Run the
// Store has in status running; each continues from the phase index and
// sprint counter persisted on the run rather than replaying completed
// work. Runs in status paused are not re-queued: they stay parked until
// ApproveCheckpoint or ResumeMission is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	go o.admissionLoop(ctx)

	runs, err := o.deps.Store.ListMissionsByStatus(ctx, domain.MissionRunning, domain.MissionPaused)
	if err != nil {
		return fmt.Errorf("mission: resume scan: %w", err)
	}
	for _, m := range runs {
		if m.Status == domain.MissionPaused {
			// A paused mission waits for ApproveCheckpoint or
			// ResumeMission; it does not re-enter the admission queue on
			// its own.
			continue
		}
		o.enqueue(m.ID, m.WSJF.Score())
		o.deps.Logger.Info(ctx, "mission re-admitted after restart", "mission_id", m.ID, "phase", m.CurrentPhaseIndex)
	}
	return nil
}

// Close makes CreateMission refuse new missions with
// ErrAdmissionQueueClosed. The admission loop keeps running: missions
// already queued, started or resumed are still admitted, and running
// missions are not interrupted.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

// CreateMission registers a new Mission Run in status queued. The run does
// not compete for an admission slot until StartMission is called.
func (o *Orchestrator) CreateMission(ctx context.Context, projectID, workflowID string, wsjf domain.WSJF) (domain.MissionRun, error) {
	project, err := o.deps.Registry.Project(projectID)
	if err != nil {
		return domain.MissionRun{}, err
	}
	tmpl, err := o.deps.Registry.Template(workflowID)
	if err != nil {
		return domain.MissionRun{}, err
	}
	o.seedProjectMemory(ctx, project)
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return domain.MissionRun{}, ErrAdmissionQueueClosed
	}

	m := domain.MissionRun{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		WorkflowID: tmpl.ID,
		WSJF:       wsjf,
		Status:     domain.MissionQueued,
	}
	if err := o.deps.Store.SaveMission(ctx, m); err != nil {
		return domain.MissionRun{}, err
	}
	o.emit(ctx, m.ID, EventMissionCreated, map[string]any{"project_id": projectID, "workflow_id": workflowID})
	return m, nil
}

// StartMission schedules a queued Mission Run for admission, ordered by
// WSJF score. Starting a mission that is already running is a no-op; a
// paused mission is resumed with ResumeMission, and terminal missions
// cannot be restarted.
func (o *Orchestrator) StartMission(ctx context.Context, missionID string) error {
	m, err := o.deps.Store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	switch m.Status {
	case domain.MissionQueued:
		o.enqueue(m.ID, m.WSJF.Score())
		return nil
	case domain.MissionRunning:
		return nil
	default:
		return fmt.Errorf("%w: cannot start mission in status %s", ErrInvalidTransition, m.Status)
	}
}

// GetMission returns the current state of a Mission Run.
func (o *Orchestrator) GetMission(ctx context.Context, missionID string) (domain.MissionRun, error) {
	return o.deps.Store.GetMission(ctx, missionID)
}

// ListMissions returns every Mission Run in any of statuses, or every
// Mission Run when statuses is empty.
func (o *Orchestrator) ListMissions(ctx context.Context, statuses ...domain.MissionStatus) ([]domain.MissionRun, error) {
	if len(statuses) == 0 {
		statuses = []domain.MissionStatus{
			domain.MissionQueued, domain.MissionRunning, domain.MissionPaused,
			domain.MissionDone, domain.MissionDoneWithIssues, domain.MissionFailed,
		}
	}
	return o.deps.Store.ListMissionsByStatus(ctx, statuses...)
}

// PauseMission requests that a running mission suspend at its next phase
// boundary. The in-flight phase still completes; PendingCheckpoint is left
// unset since this is an operator pause, not a pattern checkpoint.
func (o *Orchestrator) PauseMission(ctx context.Context, missionID string) error {
	o.mu.Lock()
	sig, ok := o.pauseSignals[missionID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: mission %s is not running", ErrInvalidTransition, missionID)
	}
	select {
	case sig <- struct{}{}:
	default:
		// A pause is already pending for this mission.
	}
	return nil
}

// ResumeMission re-admits a paused mission into the admission queue.
func (o *Orchestrator) ResumeMission(ctx context.Context, missionID string) error {
	m, err := o.deps.Store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if m.Status != domain.MissionPaused {
		return fmt.Errorf("%w: mission %s is %s, not paused", ErrInvalidTransition, missionID, m.Status)
	}
	o.enqueue(missionID, m.WSJF.Score())
	return nil
}

// ApproveCheckpoint delivers a human decision for a mission paused at a
// checkpoint. Accepting passes the phase gate and advances the mission;
// rejecting fails the gate and applies the phase's failure policy. The
// mission's persisted PendingCheckpoint is the durable truth, so decisions
// survive a process restart even though the in-memory controller does not.
func (o *Orchestrator) ApproveCheckpoint(ctx context.Context, missionID string, approved bool, notes string) error {
	m, err := o.deps.Store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if m.Status != domain.MissionPaused || m.PendingCheckpoint == "" {
		return ErrNoCheckpointPending
	}
	o.mu.Lock()
	ctrl, ok := o.checkpoints[missionID]
	if ok {
		delete(o.checkpoints, missionID)
	}
	o.mu.Unlock()
	if ok && !ctrl.Decide(m.PendingCheckpoint) {
		return ErrNoCheckpointPending
	}

	tmpl, err := o.deps.Registry.Template(m.WorkflowID)
	if err != nil {
		return err
	}
	var phase domain.PhaseSpec
	if m.CurrentPhaseIndex < len(tmpl.Phases) {
		phase = tmpl.Phases[m.CurrentPhaseIndex]
	}
	checkpointID := m.PendingCheckpoint
	m.PendingCheckpoint = ""
	// A phase-boundary checkpoint (failure policy human_decide) already
	// emitted its phase_gate before pausing; only pattern checkpoints get
	// their gate outcome emitted here.
	phaseGatePending := !strings.HasPrefix(checkpointID, "phase/")

	if approved {
		if phaseGatePending {
			o.emit(ctx, m.ID, EventPhaseGate, map[string]any{"phase": phase.Name, "passed": true, "checkpoint": checkpointID})
		}
		o.advancePhase(ctx, &m)
		return nil
	}

	m.Issues = append(m.Issues, fmt.Sprintf("phase %s: checkpoint %s rejected: %s", phase.Name, checkpointID, notes))
	if phaseGatePending {
		o.emit(ctx, m.ID, EventPhaseGate, map[string]any{"phase": phase.Name, "passed": false, "checkpoint": checkpointID})
	}
	switch phase.FailurePolicy {
	case domain.FailureSkip:
		m.Issues = append(m.Issues, fmt.Sprintf("phase %s: gate failed, skipped", phase.Name))
		o.advancePhase(ctx, &m)
	case domain.FailureRetry:
		budget := phase.MaxSprints
		if budget <= 0 {
			budget = 1
		}
		if m.SprintCounter >= budget {
			m.Issues = append(m.Issues, fmt.Sprintf("phase %s: retry budget exhausted", phase.Name))
			o.advancePhase(ctx, &m)
			return nil
		}
		m.Status = domain.MissionQueued
		o.saveMission(ctx, m)
		o.enqueue(m.ID, m.WSJF.Score())
	default:
		o.failMission(ctx, m, fmt.Sprintf("phase %s: checkpoint rejected, aborting", phase.Name))
	}
	return nil
}

// Subscribe registers subscriberID (namespaced under eventSubscriberPrefix)
// to receive the live event stream via the Message Bus broadcast recipient.
// Event subscribers are live listeners: one that falls too far behind is cut
// off by the bus rather than allowed to accumulate backlog, and can catch up
// through EventsSince.
func (o *Orchestrator) Subscribe(subscriberID string) (bus.Listener, error) {
	return o.deps.Bus.SubscribeListener(eventSubscriberPrefix + subscriberID)
}

// EventsSince replays the durable event-stream journal for missionID from
// afterID, for a subscriber that reconnects after missing live delivery.
func (o *Orchestrator) EventsSince(ctx context.Context, missionID string, afterID int64) ([]store.JournalEntry, error) {
	return o.deps.Store.JournalSince(ctx, missionID, afterID)
}

// --- admission -----------------------------------------------------------

func (o *Orchestrator) enqueue(missionID string, score float64) {
	o.qmu.Lock()
	o.seq++
	heap.Push(&o.queue, &admissionTicket{missionID: missionID, score: score, seq: o.seq})
	o.qmu.Unlock()
	o.qcond.Signal()
}

func (o *Orchestrator) admissionLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.slots:
		}

		o.qmu.Lock()
		for len(o.queue) == 0 && ctx.Err() == nil {
			o.qcond.Wait()
		}
		if ctx.Err() != nil {
			o.qmu.Unlock()
			return
		}
		ticket := heap.Pop(&o.queue).(*admissionTicket)
		o.qmu.Unlock()

		sig := make(chan struct{}, 1)
		o.mu.Lock()
		o.pauseSignals[ticket.missionID] = sig
		o.mu.Unlock()

		go func(id string) {
			defer func() {
				o.mu.Lock()
				delete(o.pauseSignals, id)
				o.mu.Unlock()
				o.slots <- struct{}{}
			}()
			o.runMission(ctx, id, sig)
		}(ticket.missionID)
	}
}

// --- mission/phase loop ----------------------------------------------------

// runMission drives one admitted Mission Run through its Workflow Template
// phases. pauseRequested is signaled by PauseMission; it is only honored at
// a phase boundary so an in-flight pattern run always completes rather than
// being torn down mid-turn.
func (o *Orchestrator) runMission(ctx context.Context, missionID string, pauseRequested <-chan struct{}) {
	m, err := o.deps.Store.GetMission(ctx, missionID)
	if err != nil {
		return
	}
	project, err := o.deps.Registry.Project(m.ProjectID)
	if err != nil {
		o.failMission(ctx, m, err.Error())
		return
	}
	tmpl, err := o.deps.Registry.Template(m.WorkflowID)
	if err != nil {
		o.failMission(ctx, m, err.Error())
		return
	}

	m.Status = domain.MissionRunning
	if m.StartedAt.IsZero() {
		m.StartedAt = time.Now()
	}
	o.saveMission(ctx, m)
	o.emit(ctx, m.ID, EventMissionStatusChanged, map[string]any{"status": string(m.Status)})

	for m.CurrentPhaseIndex < len(tmpl.Phases) {
		select {
		case <-pauseRequested:
			o.pauseMission(ctx, m)
			return
		case <-ctx.Done():
			o.pauseMission(ctx, m)
			return
		default:
		}
		phase := tmpl.Phases[m.CurrentPhaseIndex]
		o.emit(ctx, m.ID, EventPhaseStarted, map[string]any{"phase": phase.Name, "index": m.CurrentPhaseIndex})

		passed, checkpointPaused, err := o.runPhase(ctx, &m, project, phase)
		if checkpointPaused {
			return
		}
		if err != nil {
			m.Issues = append(m.Issues, fmt.Sprintf("phase %s: %v", phase.Name, err))
			passed = false
		}
		o.emit(ctx, m.ID, EventPhaseGate, map[string]any{"phase": phase.Name, "passed": passed})

		if passed {
			m.CurrentPhaseIndex++
			m.SprintCounter = 0
			o.saveMission(ctx, m)
			continue
		}

		switch phase.FailurePolicy {
		case domain.FailureSkip:
			m.Issues = append(m.Issues, fmt.Sprintf("phase %s: gate failed, skipped", phase.Name))
			m.CurrentPhaseIndex++
			m.SprintCounter = 0
			o.saveMission(ctx, m)
		case domain.FailureRetry:
			// Loop again over the same phase index; runPhase already
			// advanced SprintCounter so a retry consumes another sprint
			// slot rather than looping forever. An exhausted budget does
			// not kill the mission, the phase is carried as an issue and
			// the run ends done_with_issues.
			budget := phase.MaxSprints
			if budget <= 0 {
				budget = 1
			}
			if m.SprintCounter >= budget {
				m.Issues = append(m.Issues, fmt.Sprintf("phase %s: retry budget exhausted", phase.Name))
				m.CurrentPhaseIndex++
				m.SprintCounter = 0
			}
			o.saveMission(ctx, m)
		case domain.FailureHumanDecide:
			m.PendingCheckpoint = "phase/" + phase.Name
			m.Status = domain.MissionPaused
			o.saveMission(ctx, m)
			o.emit(ctx, m.ID, EventCheckpointPending, map[string]any{"checkpoint": m.PendingCheckpoint})
			o.registerCheckpoint(m.ID, m.PendingCheckpoint)
			return
		default: // domain.FailureAbort and unrecognized policies abort
			o.failMission(ctx, m, fmt.Sprintf("phase %s: gate failed, aborting", phase.Name))
			return
		}
	}

	if len(m.Issues) > 0 {
		m.Status = domain.MissionDoneWithIssues
	} else {
		m.Status = domain.MissionDone
	}
	m.EndedAt = time.Now()
	// The lesson lands before the terminal status is visible so readers
	// observing the status always find it.
	o.recordGlobalLesson(ctx, m)
	o.saveMission(ctx, m)
	o.emit(ctx, m.ID, EventMissionStatusChanged, map[string]any{"status": string(m.Status)})
}

// runPhase runs phase to completion: a single pattern run for a non-dev
// phase, or a sprint-by-sprint loop (each sprint one pattern run, closed
// with a retrospective) for a dev phase, up to MaxSprints. It returns
// whether the phase gate passed and whether it returned early because a
// pattern checkpoint paused the mission.
func (o *Orchestrator) runPhase(ctx context.Context, m *domain.MissionRun, project domain.Project, phase domain.PhaseSpec) (passed bool, checkpointPaused bool, err error) {
	def, err := o.deps.Registry.Pattern(phase.PatternID)
	if err != nil {
		return false, false, err
	}

	maxSprints := phase.MaxSprints
	if !phase.IsDevPhase || maxSprints <= 0 {
		maxSprints = 1
	}

	for i := 0; i < maxSprints; i++ {
		m.SprintCounter++
		var sp domain.Sprint
		if phase.IsDevPhase && o.deps.Sessions != nil {
			sp, err = o.deps.Sessions.Open(ctx, m.ID, m.CurrentPhaseIndex)
			if err != nil {
				return false, false, err
			}
			o.emit(ctx, m.ID, EventSprintOpened, map[string]any{"sprint": sp.ID, "phase": phase.Name})
			sp, err = o.deps.Sessions.Advance(ctx, sp, domain.SprintActive)
			if err != nil {
				return false, false, err
			}
		}

		result, runErr := o.runPatternOnce(ctx, m, project, phase, def)
		if runErr != nil {
			return false, false, runErr
		}

		// A checkpoint gate holds the phase open for a human even when the
		// pattern itself raised no checkpoint edge.
		if phase.Gate == domain.GateCheckpoint && !result.CheckpointPending {
			result.CheckpointPending = true
			result.CheckpointID = fmt.Sprintf("gate/%s/%d", phase.Name, m.SprintCounter)
		}

		if result.CheckpointPending {
			// Park the mission rather than blocking here: the admission
			// slot is never held across a human pause. ApproveCheckpoint
			// applies the decision and re-enqueues the run.
			m.PendingCheckpoint = result.CheckpointID
			m.Status = domain.MissionPaused
			o.saveMission(ctx, *m)
			o.emit(ctx, m.ID, EventCheckpointPending, map[string]any{"checkpoint": result.CheckpointID, "phase": phase.Name})
			o.registerCheckpoint(m.ID, result.CheckpointID)
			return false, true, nil
		}

		if phase.IsDevPhase && o.deps.Sessions != nil {
			sp, err = o.deps.Sessions.Advance(ctx, sp, domain.SprintReview)
			if err != nil {
				return false, false, err
			}
			sp, err = o.deps.Sessions.Close(ctx, sp, project.ID, result.FinalOutput)
			if err != nil {
				return false, false, err
			}
			o.emit(ctx, m.ID, EventSprintClosedWithRetro, map[string]any{"sprint": sp.ID, "retro": sp.RetroNotes})
			// The sprint's session-layer scratch memory dies with it; the
			// retro just persisted lives in the project layer.
			if o.deps.Memory != nil {
				o.deps.Memory.ExpireScope(ctx, domain.LayerSession, fmt.Sprintf("%s/%d", m.ID, m.SprintCounter))
			}
		}

		adversarialIDs := o.adversarialParticipantIDs(result)
		if GatePassed(phase.Gate, result, adversarialIDs) {
			return true, false, nil
		}
	}
	return false, false, nil
}

// adversarialParticipantIDs returns the ids of the agents in res whose
// Agent Definition has Role domain.RoleAdversarial.
func (o *Orchestrator) adversarialParticipantIDs(res pattern.RunResult) map[string]bool {
	ids := make(map[string]bool)
	for id := range res.NodeStatuses {
		if a, err := o.deps.Registry.Agent(id); err == nil && a.Role == domain.RoleAdversarial {
			ids[id] = true
		}
	}
	return ids
}

// GatePassed re-exports runtime/pattern's gate evaluation so callers of this
// package do not need a second import for the common case.
func GatePassed(gate domain.GatePredicate, res pattern.RunResult, adversarialIDs map[string]bool) bool {
	return pattern.GatePassed(gate, res, adversarialIDs)
}

// seedProjectMemory writes the project's documents (vision, values,
// conventions) into project-layer memory once per project so inject_context
// has a vision excerpt to draw from. Seeding at admission rather than
// registration keeps the Registry free of a memory dependency.
func (o *Orchestrator) seedProjectMemory(ctx context.Context, project domain.Project) {
	if o.deps.Memory == nil {
		return
	}
	o.mu.Lock()
	done := o.seeded[project.ID]
	if !done {
		o.seeded[project.ID] = true
	}
	o.mu.Unlock()
	if done {
		return
	}
	docs := []struct {
		category string
		text     string
	}{
		{"vision", project.Vision},
		{"values", project.Values},
		{"conventions", project.Conventions},
	}
	for _, doc := range docs {
		if doc.text == "" {
			continue
		}
		o.deps.Memory.Put(ctx, domain.MemoryEntry{
			Layer:    domain.LayerProject,
			Scope:    project.ID,
			Category: doc.category,
			Text:     doc.text,
		})
	}
}

// recordGlobalLesson distills one finished mission into a global-layer
// memory entry so later missions (any project) see it among the top-k
// lessons inject_context assembles.
func (o *Orchestrator) recordGlobalLesson(ctx context.Context, m domain.MissionRun) {
	if o.deps.Memory == nil {
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "workflow %s finished %s", m.WorkflowID, m.Status)
	if len(m.Issues) > 0 {
		sb.WriteString("; issues: ")
		sb.WriteString(strings.Join(m.Issues, "; "))
	}
	o.deps.Memory.Put(ctx, domain.MemoryEntry{
		Layer:    domain.LayerGlobal,
		Scope:    "",
		Category: "mission_lesson",
		Text:     sb.String(),
		Metadata: map[string]any{"mission_id": m.ID, "project_id": m.ProjectID, "status": string(m.Status)},
	})
}

func (o *Orchestrator) registerCheckpoint(missionID, checkpointID string) *checkpointController {
	o.mu.Lock()
	defer o.mu.Unlock()
	ctrl, ok := o.checkpoints[missionID]
	if !ok {
		ctrl = newCheckpointController()
		o.checkpoints[missionID] = ctrl
	}
	ctrl.Raise(checkpointID)
	return ctrl
}

// advancePhase moves a parked mission past its current phase and puts it
// back in the admission queue so runMission can finish the workflow (or
// finalize the terminal status when no phases remain).
func (o *Orchestrator) advancePhase(ctx context.Context, m *domain.MissionRun) {
	m.CurrentPhaseIndex++
	m.SprintCounter = 0
	m.Status = domain.MissionQueued
	o.saveMission(ctx, *m)
	o.enqueue(m.ID, m.WSJF.Score())
}

func (o *Orchestrator) pauseMission(ctx context.Context, m domain.MissionRun) {
	m.Status = domain.MissionPaused
	o.saveMission(ctx, m)
	o.emit(ctx, m.ID, EventMissionStatusChanged, map[string]any{"status": string(m.Status)})
}

func (o *Orchestrator) failMission(ctx context.Context, m domain.MissionRun, reason string) {
	o.deps.Logger.Error(ctx, "mission failed", "mission_id", m.ID, "reason", reason)
	m.Status = domain.MissionFailed
	m.Issues = append(m.Issues, reason)
	m.EndedAt = time.Now()
	o.recordGlobalLesson(ctx, m)
	o.saveMission(ctx, m)
	o.emit(ctx, m.ID, EventMissionStatusChanged, map[string]any{"status": string(m.Status), "reason": reason})
}

func (o *Orchestrator) saveMission(ctx context.Context, m domain.MissionRun) {
	_ = o.deps.Store.SaveMission(ctx, m)
}

func (o *Orchestrator) journal(ctx context.Context, missionID, kind string, detail map[string]any) {
	_, _ = o.deps.Store.AppendJournal(ctx, store.JournalEntry{MissionID: missionID, Kind: kind, Detail: detail})
}

func (o *Orchestrator) emit(ctx context.Context, missionID string, kind EventKind, detail map[string]any) {
	o.deps.Logger.Debug(ctx, string(kind), "mission_id", missionID)
	o.journal(ctx, missionID, string(kind), detail)
	priority := 3
	if kind == EventAdversarialVeto || kind == EventCheckpointPending {
		priority = 7
	}
	_ = o.deps.Bus.Publish(ctx, eventMessage(missionID, kind, detail, priority))
}

// --- participant resolution and the TurnFunc bridge ------------------------

// selection remembers which Darwin candidate backed one resolved
// participant so RecordOutcome can be called once the pattern run settles.
type selection struct {
	key         domain.FitnessKey
	candidateID string
	// shadow is the A/B challenger Darwin scheduled alongside this pick,
	// nil when the posterior gap was wide enough to skip the shadow run.
	shadow *domain.AgentDefinition
}

func (o *Orchestrator) resolveParticipants(ctx context.Context, missionID string, def domain.PatternDefinition, project domain.Project, phase domain.PhaseSpec) ([]pattern.ResolvedParticipant, map[string]selection, error) {
	resolved := make([]pattern.ResolvedParticipant, 0, len(def.Participants))
	selections := make(map[string]selection)

	for _, ref := range def.Participants {
		if ref.AgentID != "" {
			agent, err := o.deps.Registry.Agent(ref.AgentID)
			if err != nil {
				return nil, nil, err
			}
			resolved = append(resolved, pattern.ResolvedParticipant{Ref: ref, Agent: agent})
			continue
		}

		candidates := o.deps.Registry.AgentsByRole(ref.Role)
		if len(candidates) == 0 {
			return nil, nil, fmt.Errorf("mission: no agent registered for role %s", ref.Role)
		}
		// FitnessKey.AgentID holds the role slot being resolved, not a
		// concrete agent id, while team-selection is in progress;
		// model-selection (ModelCatalog.Resolve) reuses the same key
		// shape but with a concrete agent id once resolution is done.
		key := domain.FitnessKey{AgentID: string(ref.Role), PatternID: def.ID, Technology: project.Stack, PhaseType: phase.Name}
		agent := candidates[0]
		candidateID := agent.ID
		if o.deps.Darwin != nil && len(candidates) > 1 {
			darwinCandidates := make([]darwin.Candidate, 0, len(candidates))
			byID := make(map[string]domain.AgentDefinition, len(candidates))
			for _, c := range candidates {
				darwinCandidates = append(darwinCandidates, darwin.Candidate{ID: c.ID, Stack: project.Stack})
				byID[c.ID] = c
			}
			sel := o.deps.Darwin.Select(ctx, key, darwinCandidates)
			agent = byID[sel.Candidate.ID]
			candidateID = sel.Candidate.ID
			o.emit(ctx, missionID, EventDarwinSelectedTeam, map[string]any{"role": string(ref.Role), "agent": agent.ID, "warmup": sel.Warmup, "exploratory": sel.Exploratory})
			if sel.ShadowWith != nil {
				if challenger, ok := byID[sel.ShadowWith.ID]; ok {
					selections[agent.ID] = selection{key: key, candidateID: candidateID, shadow: &challenger}
					resolved = append(resolved, pattern.ResolvedParticipant{Ref: ref, Agent: agent})
					continue
				}
			}
		}
		resolved = append(resolved, pattern.ResolvedParticipant{Ref: ref, Agent: agent})
		selections[agent.ID] = selection{key: key, candidateID: candidateID}
	}
	return resolved, selections, nil
}

func (o *Orchestrator) runPatternOnce(ctx context.Context, m *domain.MissionRun, project domain.Project, phase domain.PhaseSpec, def domain.PatternDefinition) (pattern.RunResult, error) {
	participants, selections, err := o.resolveParticipants(ctx, m.ID, def, project, phase)
	if err != nil {
		return pattern.RunResult{}, err
	}

	turnFn := o.makeTurnFn(m, project, phase, def)
	result, err := o.deps.Patterns.Run(ctx, def, participants, turnFn)
	if err != nil {
		return result, err
	}

	for agentID, sel := range selections {
		if o.deps.Darwin == nil {
			continue
		}
		win := result.NodeStatuses[agentID] == pattern.StatusCompleted
		o.deps.Darwin.RecordOutcome(sel.key, sel.candidateID, win)
	}
	for _, v := range result.Vetoes {
		o.emit(ctx, m.ID, EventAdversarialVeto, map[string]any{"agent": v.AgentID, "level": string(v.Level), "reason": v.Reason})
	}

	for agentID, sel := range selections {
		if sel.shadow == nil {
			continue
		}
		o.runABShadow(ctx, m, project, phase, def, sel, agentID, outputFor(result, agentID))
	}

	// The pattern run is over: its pattern-layer scratch memory expires
	// (project and global entries written during the run are durable).
	if o.deps.Memory != nil {
		o.deps.Memory.ExpireScope(ctx, domain.LayerPattern, def.ID)
	}
	return result, nil
}

func outputFor(res pattern.RunResult, agentID string) string {
	for _, out := range res.Outputs {
		if out.AgentID == agentID {
			return out.Output
		}
	}
	return ""
}

// runABShadow plays the Darwin challenger through the same turn slot the
// incumbent held and feeds both sides' outcome back into the fitness
// counters. The winner call goes to a neutral judge: a registered
// orchestrator-role agent when one exists that is neither contender,
// otherwise the deterministic L0 scorer (lower score wins, ties keep the
// incumbent). The record is journaled so selection bias survives restarts.
func (o *Orchestrator) runABShadow(ctx context.Context, m *domain.MissionRun, project domain.Project, phase domain.PhaseSpec, def domain.PatternDefinition, sel selection, incumbentID, incumbentOutput string) {
	challenger := *sel.shadow
	turnFn := o.makeTurnFn(m, project, phase, def)
	outcome, err := turnFn(ctx, pattern.ResolvedParticipant{
		Ref:   domain.ParticipantRef{AgentID: challenger.ID},
		Agent: challenger,
	}, incumbentOutput, 1)
	if err != nil {
		return
	}

	challengerOK := !outcome.Failed && !outcome.Vetoed
	winnerID := incumbentID
	if judge, ok := o.findShadowJudge(incumbentID, challenger.ID); ok {
		switch o.judgeShadow(ctx, m, project, phase, def, judge, incumbentOutput, outcome.Output) {
		case "challenger":
			winnerID = challenger.ID
		case "incumbent":
			winnerID = incumbentID
		}
	} else if challengerOK {
		// No tool evidence survives into the shadow comparison, so neither
		// side carries a declared stack here.
		incumbentScore := adversarial.ScanL0(incumbentOutput, project.Stack, "", false).Score
		challengerScore := adversarial.ScanL0(outcome.Output, project.Stack, "", false).Score
		if challengerScore < incumbentScore {
			winnerID = challenger.ID
		}
	}

	record := domain.ABShadowRecord{
		ID:           uuid.NewString(),
		Challenger:   challenger.ID,
		Incumbent:    incumbentID,
		Winner:       winnerID,
		ChallengerOK: challengerOK,
		IncumbentOK:  incumbentOutput != "",
		CreatedAt:    time.Now(),
	}
	o.emit(ctx, m.ID, EventDarwinABShadow, map[string]any{
		"incumbent": record.Incumbent, "challenger": record.Challenger, "winner": record.Winner,
	})
	if o.deps.Darwin != nil {
		o.deps.Darwin.RecordOutcome(sel.key, winnerID, true)
		loserID := challenger.ID
		if winnerID == challenger.ID {
			loserID = incumbentID
		}
		o.deps.Darwin.RecordOutcome(sel.key, loserID, false)
	}
}

// findShadowJudge picks a neutral evaluator agent: orchestrator-role and
// neither contender.
func (o *Orchestrator) findShadowJudge(incumbentID, challengerID string) (domain.AgentDefinition, bool) {
	for _, a := range o.deps.Registry.AgentsByRole(domain.RoleOrchestrator) {
		if a.ID != incumbentID && a.ID != challengerID {
			return a, true
		}
	}
	return domain.AgentDefinition{}, false
}

// judgeShadow asks the neutral judge to pick a side and maps its answer back
// to an agent id. An unparseable answer returns "" and the caller keeps the
// incumbent.
func (o *Orchestrator) judgeShadow(ctx context.Context, m *domain.MissionRun, project domain.Project, phase domain.PhaseSpec, def domain.PatternDefinition, judge domain.AgentDefinition, incumbentOutput, challengerOutput string) string {
	prompt := fmt.Sprintf(
		"Two agents produced output for the same task. Answer with exactly one word, INCUMBENT or CHALLENGER, naming the better output.\n\nINCUMBENT:\n%s\n\nCHALLENGER:\n%s",
		incumbentOutput, challengerOutput,
	)
	turnFn := o.makeTurnFn(m, project, phase, def)
	outcome, err := turnFn(ctx, pattern.ResolvedParticipant{
		Ref:   domain.ParticipantRef{AgentID: judge.ID},
		Agent: judge,
	}, prompt, 1)
	if err != nil || outcome.Failed {
		return ""
	}
	answer := strings.ToLower(outcome.Output)
	challengerIdx := strings.Index(answer, "challenger")
	incumbentIdx := strings.Index(answer, "incumbent")
	switch {
	case challengerIdx >= 0 && (incumbentIdx < 0 || challengerIdx < incumbentIdx):
		return "challenger"
	case incumbentIdx >= 0:
		return "incumbent"
	default:
		return ""
	}
}

// makeTurnFn closes over mission/phase context to build an executor.Run
// call and adversarial review for one pattern participant turn.
func (o *Orchestrator) makeTurnFn(m *domain.MissionRun, project domain.Project, phase domain.PhaseSpec, def domain.PatternDefinition) pattern.TurnFunc {
	// For an adversarial cascade, consecutive critics should sit on distinct
	// LLM providers when the category offers more than one. The previous
	// turn's provider is carried across closure invocations as a
	// best-effort avoidance hint.
	var diversityMu sync.Mutex
	var lastProvider string
	return func(ctx context.Context, p pattern.ResolvedParticipant, conversation string, round int) (pattern.TurnOutcome, error) {
		history := []*model.Message{
			{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: conversation}}},
		}
		caller := tools.CallerContext{
			AgentID:      p.Agent.ID,
			AllowedTools: p.Agent.AllowedTools,
			MayDeploy:    p.Agent.MayDeploy,
			ProjectStack: project.Stack,
		}
		phaseCtx := executor.PhaseContext{
			MissionID: m.ID,
			ProjectID: project.ID,
			PhaseName: phase.Name,
			SprintID:  fmt.Sprintf("%s/%d", m.ID, m.SprintCounter),
			PatternID: def.ID,
		}
		modelKey := domain.FitnessKey{AgentID: p.Agent.ID, PatternID: def.ID, Technology: project.Stack, PhaseType: phase.Name}
		avoidProvider := ""
		if def.Type == domain.PatternAdversarialCascade {
			diversityMu.Lock()
			avoidProvider = lastProvider
			diversityMu.Unlock()
		}
		binding, candidateID := o.deps.Catalog.Resolve(ctx, o.deps.Darwin, modelKey, p.Agent.PreferredLLM, avoidProvider)
		if def.Type == domain.PatternAdversarialCascade {
			diversityMu.Lock()
			lastProvider = binding.Provider
			diversityMu.Unlock()
		}
		if candidateID != "" {
			o.emit(ctx, m.ID, EventDarwinSelectedModel, map[string]any{"agent": p.Agent.ID, "model_candidate": candidateID})
		}

		turn, err := o.deps.Executor.Run(ctx, p.Agent, history, caller, phaseCtx, binding)
		// Token costs are attributed to the mission even when the turn
		// fails, so budget accounting is never lost.
		if turn.Usage.TotalTokens > 0 {
			promptHash := sha256.Sum256([]byte(conversation))
			o.journal(ctx, m.ID, "llm.trace", map[string]any{
				"agent":       p.Agent.ID,
				"provider":    binding.Provider,
				"model":       binding.Model,
				"candidate":   candidateID,
				"in_tokens":   turn.Usage.InputTokens,
				"out_tokens":  turn.Usage.OutputTokens,
				"prompt_hash": hex.EncodeToString(promptHash[:8]),
			})
		}
		if err != nil {
			if errors.Is(err, executor.ErrEscalate) {
				// The turn halted on a policy refusal: surface it as a
				// high-priority escalate message, not a silent failure.
				_ = o.deps.Bus.Publish(ctx, domain.Message{
					Sender:     p.Agent.ID,
					Recipients: []string{"*"},
					Type:       domain.MsgEscalate,
					Priority:   7,
					Body:       fmt.Sprintf("phase %s: %s requires human approval before continuing", phase.Name, p.Agent.ID),
					CreatedAt:  time.Now(),
				})
			}
			return pattern.TurnOutcome{Failed: true, FailReason: err.Error(), RoundCapReached: turn.RoundCapReached}, nil
		}
		o.emit(ctx, m.ID, EventAgentMessage, map[string]any{"agent": p.Agent.ID, "round": round})
		for _, tc := range turn.ToolCalls {
			o.emit(ctx, m.ID, EventAgentToolCalled, map[string]any{"agent": p.Agent.ID, "tool": tc.Tool, "err": tc.Err})
		}

		outcome := pattern.TurnOutcome{Output: turn.Output, RoundCapReached: turn.RoundCapReached}
		if o.deps.Guard != nil {
			ranTests := false
			declaredStack := ""
			toolsCalled := make([]string, 0, len(turn.ToolCalls))
			for _, tc := range turn.ToolCalls {
				toolsCalled = append(toolsCalled, tc.Tool)
				if strings.Contains(strings.ToLower(tc.Tool), "test") && tc.Err == "" {
					ranTests = true
				}
				// The stack the turn actually worked against is whatever the
				// tools it reached for declare; the last stack-specific tool
				// wins. An empty declared stack means no stack evidence and
				// the mismatch family stays silent.
				if o.deps.Tools != nil {
					if spec, found := o.deps.Tools.Spec(tc.Tool); found && spec.Stack != "" {
						declaredStack = spec.Stack
					}
				}
			}
			// A veto is stamped with the judging agent's declared level so
			// an absolute critic short-circuits the rest of a cascade.
			level := p.Agent.VetoLevel
			if level == "" || level == domain.VetoNone {
				level = domain.VetoStrong
			}
			l0, l1, reviewErr := o.deps.Guard.Review(ctx, def.Type, adversarial.TurnInput{
				Output:        turn.Output,
				Prompt:        conversation,
				ToolsCalled:   toolsCalled,
				ExpectedStack: project.Stack,
				DeclaredStack: declaredStack,
				RanTests:      ranTests,
			})
			if reviewErr == nil {
				switch {
				case l0.Verdict == adversarial.VerdictReject:
					outcome.Vetoed = true
					outcome.VetoLevel = level
					outcome.VetoReason = l0Summary(l0)
				case l1 != nil && l1.Veto:
					outcome.Vetoed = true
					outcome.VetoLevel = level
					outcome.VetoReason = l1.Reason
				}
			}
		}
		return outcome, nil
	}
}

func l0Summary(res adversarial.L0Result) string {
	var sb strings.Builder
	for i, f := range res.Findings {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(string(f.Family))
		sb.WriteString(": ")
		sb.WriteString(f.Detail)
	}
	return sb.String()
}
