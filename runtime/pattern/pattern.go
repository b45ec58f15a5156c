// Package pattern implements the Pattern Engine: a finite machine,
// parameterized by domain.PatternType, that drives a fixed agent set
// through one collaboration topology. It is deliberately decoupled from the
// Agent Executor and the model/tool stack: callers supply a TurnFunc that
// runs one participant's turn, and the engine owns only sequencing,
// aggregation order, veto short-circuits, and termination.
package pattern

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/swarmforge/orchestrator/domain"
)

// NodeStatus is the per-agent terminal tag within a pattern run. "done" is
// never a valid value; a node that finishes
// successfully is "completed".
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusRunning   NodeStatus = "running"
	StatusCompleted NodeStatus = "completed"
	StatusVetoed    NodeStatus = "vetoed"
	StatusFailed    NodeStatus = "failed"
)

// DefaultTimeout bounds a pattern run when the PatternDefinition declares
// none.
const DefaultTimeout = 30 * time.Minute

type (
	// ResolvedParticipant names one pattern participant whose role
	// reference has already been resolved to a concrete agent by Darwin;
	// the Pattern Engine never resolves roles itself.
	ResolvedParticipant struct {
		Ref   domain.ParticipantRef
		Agent domain.AgentDefinition
	}

	// TurnOutcome is what a TurnFunc reports about one participant turn.
	TurnOutcome struct {
		Output          string
		Vetoed          bool
		VetoLevel       domain.VetoLevel
		VetoReason      string
		Failed          bool
		FailReason      string
		RoundCapReached bool
	}

	// TurnFunc runs one participant's turn given the conversation built up
	// so far by the pattern (predecessor outputs, injected context, etc).
	// round names the 1-based iteration for patterns that repeat a turn
	// (loop, debate); it is 1 for patterns that run each participant once.
	TurnFunc func(ctx context.Context, p ResolvedParticipant, conversation string, round int) (TurnOutcome, error)

	// ConvergencePredicate evaluates whether a loop pattern has converged,
	// given the NodeStatus map and outputs produced by the just-completed
	// iteration. Registered by name via Engine.RegisterConvergence.
	ConvergencePredicate func(statuses map[string]NodeStatus, outputs []ParticipantOutput) bool

	// ParticipantOutput pairs a participant's agent id with its emitted
	// output, preserved in declared participant order regardless of
	// completion order.
	ParticipantOutput struct {
		AgentID string
		Output  string
	}

	// VetoRecord documents one veto raised during the run.
	VetoRecord struct {
		AgentID string
		Level   domain.VetoLevel
		Reason  string
	}

	// RunResult is the outcome of one Engine.Run call.
	RunResult struct {
		NodeStatuses      map[string]NodeStatus
		Outputs           []ParticipantOutput
		FinalOutput       string
		Vetoes            []VetoRecord
		CheckpointPending bool
		CheckpointID      string
		TimedOut          bool
	}

	// Engine runs one PatternDefinition instance over a resolved
	// participant set.
	Engine struct {
		mu          sync.Mutex
		convergence map[string]ConvergencePredicate
		now         func() time.Time
	}
)

// New constructs an Engine with the built-in "no_veto" convergence
// predicate pre-registered: absent a test-result signal, "tests pass AND
// no veto" reduces to "no veto this iteration".
func New() *Engine {
	e := &Engine{convergence: make(map[string]ConvergencePredicate), now: time.Now}
	e.RegisterConvergence("no_veto", func(statuses map[string]NodeStatus, _ []ParticipantOutput) bool {
		for _, s := range statuses {
			if s == StatusVetoed {
				return false
			}
		}
		return true
	})
	return e
}

// RegisterConvergence adds or replaces a named convergence predicate a loop
// pattern can reference via PatternDefinition.Convergence.
func (e *Engine) RegisterConvergence(name string, pred ConvergencePredicate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.convergence[name] = pred
}

func (e *Engine) lookupConvergence(name string) ConvergencePredicate {
	e.mu.Lock()
	defer e.mu.Unlock()
	if name == "" {
		return e.convergence["no_veto"]
	}
	return e.convergence[name]
}

// Run drives def's topology over participants (in declared order),
// returning once every node reaches a terminal state, the pattern timeout
// fires, or an absolute veto short-circuits the run.
func (e *Engine) Run(ctx context.Context, def domain.PatternDefinition, participants []ResolvedParticipant, turnFn TurnFunc) (RunResult, error) {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := RunResult{NodeStatuses: initialStatuses(participants)}

	var out RunResult
	var err error
	switch def.Type {
	case domain.PatternSolo, domain.PatternSoloChat:
		out, err = e.runSolo(ctx, participants, turnFn, res)
	case domain.PatternSequential:
		out, err = e.runSequential(ctx, participants, turnFn, res)
	case domain.PatternParallel:
		out, err = e.runParallel(ctx, def, participants, turnFn, res)
	case domain.PatternLoop:
		out, err = e.runLoop(ctx, def, participants, turnFn, res)
	case domain.PatternHierarchical:
		out, err = e.runHierarchical(ctx, participants, turnFn, res)
	case domain.PatternNetwork:
		out, err = e.runNetwork(ctx, def, participants, turnFn, res)
	case domain.PatternRouter:
		out, err = e.runRouter(ctx, def, participants, turnFn, res)
	case domain.PatternAggregator:
		out, err = e.runAggregator(ctx, def, participants, turnFn, res)
	case domain.PatternDebate, domain.PatternAdversarialPair:
		out, err = e.runDebate(ctx, def, participants, turnFn, res)
	case domain.PatternAdversarialCascade:
		out, err = e.runAdversarialCascade(ctx, participants, turnFn, res)
	case domain.PatternHumanInTheLoop:
		out, err = e.runHumanInTheLoop(ctx, def, participants, turnFn, res)
	case domain.PatternWave:
		out, err = e.runSequential(ctx, participants, turnFn, res) // a wave is a sequential pass with no distinct topology beyond ordering
	default:
		return res, fmt.Errorf("pattern: unknown type %q", def.Type)
	}
	if ctx.Err() != nil {
		out.TimedOut = true
	}
	return out, err
}

func initialStatuses(participants []ResolvedParticipant) map[string]NodeStatus {
	m := make(map[string]NodeStatus, len(participants))
	for _, p := range participants {
		m[p.Agent.ID] = StatusPending
	}
	return m
}

// applyOutcome updates res in place for participant p's outcome, returning
// whether the run should halt (absolute veto short-circuit).
func applyOutcome(res *RunResult, p ResolvedParticipant, outcome TurnOutcome) (halt bool) {
	switch {
	case outcome.Failed:
		res.NodeStatuses[p.Agent.ID] = StatusFailed
	case outcome.Vetoed:
		res.NodeStatuses[p.Agent.ID] = StatusVetoed
		res.Vetoes = append(res.Vetoes, VetoRecord{AgentID: p.Agent.ID, Level: outcome.VetoLevel, Reason: outcome.VetoReason})
	default:
		res.NodeStatuses[p.Agent.ID] = StatusCompleted
	}
	res.Outputs = append(res.Outputs, ParticipantOutput{AgentID: p.Agent.ID, Output: outcome.Output})
	return outcome.Vetoed && outcome.VetoLevel == domain.VetoAbsolute
}

func concatOutputs(outputs []ParticipantOutput) string {
	var s string
	for i, o := range outputs {
		if i > 0 {
			s += "\n\n"
		}
		s += o.Output
	}
	return s
}

// --- solo -------------------------------------------------------------

func (e *Engine) runSolo(ctx context.Context, participants []ResolvedParticipant, turnFn TurnFunc, res RunResult) (RunResult, error) {
	if len(participants) == 0 {
		return res, fmt.Errorf("pattern: solo requires exactly one participant")
	}
	p := participants[0]
	res.NodeStatuses[p.Agent.ID] = StatusRunning
	outcome, err := turnFn(ctx, p, "", 1)
	if err != nil {
		res.NodeStatuses[p.Agent.ID] = StatusFailed
		return res, err
	}
	applyOutcome(&res, p, outcome)
	res.FinalOutput = outcome.Output
	return res, nil
}

// --- sequential ---------------------------------------------------------

func (e *Engine) runSequential(ctx context.Context, participants []ResolvedParticipant, turnFn TurnFunc, res RunResult) (RunResult, error) {
	for _, p := range participants {
		if ctx.Err() != nil {
			break
		}
		res.NodeStatuses[p.Agent.ID] = StatusRunning
		conversation := concatOutputs(res.Outputs)
		outcome, err := turnFn(ctx, p, conversation, 1)
		if err != nil {
			res.NodeStatuses[p.Agent.ID] = StatusFailed
			return res, err
		}
		halt := applyOutcome(&res, p, outcome)
		if halt {
			break
		}
		if outcome.Vetoed {
			// a veto halts the chain, even when
			// the veto is not absolute: downstream participants never run.
			break
		}
	}
	res.FinalOutput = concatOutputs(res.Outputs)
	return res, nil
}

// --- parallel -------------------------------------------------------------

func (e *Engine) runParallel(ctx context.Context, def domain.PatternDefinition, participants []ResolvedParticipant, turnFn TurnFunc, res RunResult) (RunResult, error) {
	wip := def.WIPLimit
	if wip <= 0 || wip > len(participants) {
		wip = len(participants)
	}
	sem := make(chan struct{}, wip)
	outcomes := make([]TurnOutcome, len(participants))
	errs := make([]error, len(participants))

	var wg sync.WaitGroup
	for i, p := range participants {
		i, p := i, p
		wg.Add(1)
		sem <- struct{}{}
		res.NodeStatuses[p.Agent.ID] = StatusRunning
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i], errs[i] = turnFn(ctx, p, "", 1)
		}()
	}
	wg.Wait()

	for i, p := range participants {
		if errs[i] != nil {
			res.NodeStatuses[p.Agent.ID] = StatusFailed
			continue
		}
		applyOutcome(&res, p, outcomes[i])
	}
	// tie-break: outputs were appended out of declared order by the
	// concurrent goroutines above; reorder by participant index.
	reorderByParticipants(&res, participants)
	res.FinalOutput = concatOutputs(res.Outputs)
	return res, nil
}

func reorderByParticipants(res *RunResult, participants []ResolvedParticipant) {
	byID := make(map[string]ParticipantOutput, len(res.Outputs))
	for _, o := range res.Outputs {
		byID[o.AgentID] = o
	}
	ordered := make([]ParticipantOutput, 0, len(participants))
	for _, p := range participants {
		if o, ok := byID[p.Agent.ID]; ok {
			ordered = append(ordered, o)
		}
	}
	res.Outputs = ordered
}

// --- loop -------------------------------------------------------------

func (e *Engine) runLoop(ctx context.Context, def domain.PatternDefinition, participants []ResolvedParticipant, turnFn TurnFunc, res RunResult) (RunResult, error) {
	maxIter := def.MaxIterations
	if maxIter <= 0 {
		maxIter = 1
	}
	pred := e.lookupConvergence(def.Convergence)

	for iter := 1; iter <= maxIter; iter++ {
		if ctx.Err() != nil {
			break
		}
		res.Outputs = nil
		for _, p := range participants {
			res.NodeStatuses[p.Agent.ID] = StatusRunning
			conversation := concatOutputs(res.Outputs)
			outcome, err := turnFn(ctx, p, conversation, iter)
			if err != nil {
				res.NodeStatuses[p.Agent.ID] = StatusFailed
				return res, err
			}
			if halt := applyOutcome(&res, p, outcome); halt {
				res.FinalOutput = concatOutputs(res.Outputs)
				return res, nil
			}
		}
		if pred != nil && pred(res.NodeStatuses, res.Outputs) {
			break
		}
	}
	res.FinalOutput = concatOutputs(res.Outputs)
	return res, nil
}

// --- hierarchical ---------------------------------------------------------

func (e *Engine) runHierarchical(ctx context.Context, participants []ResolvedParticipant, turnFn TurnFunc, res RunResult) (RunResult, error) {
	if len(participants) == 0 {
		return res, fmt.Errorf("pattern: hierarchical requires a lead participant")
	}
	lead := participants[0]
	subs := participants[1:]

	res.NodeStatuses[lead.Agent.ID] = StatusRunning
	decomposition, err := turnFn(ctx, lead, "", 1)
	if err != nil {
		res.NodeStatuses[lead.Agent.ID] = StatusFailed
		return res, err
	}
	if decomposition.Vetoed && decomposition.VetoLevel == domain.VetoAbsolute {
		applyOutcome(&res, lead, decomposition)
		return res, nil
	}

	var subOutputs []ParticipantOutput
	for _, sp := range subs {
		res.NodeStatuses[sp.Agent.ID] = StatusRunning
		outcome, err := turnFn(ctx, sp, decomposition.Output, 1)
		if err != nil {
			res.NodeStatuses[sp.Agent.ID] = StatusFailed
			continue
		}
		halted := applyOutcome(&res, sp, outcome)
		subOutputs = append(subOutputs, ParticipantOutput{AgentID: sp.Agent.ID, Output: outcome.Output})
		if halted {
			break
		}
	}

	// only the lead may emit the phase's final output.
	finalOutcome, err := turnFn(ctx, lead, concatOutputs(subOutputs), 2)
	if err != nil {
		res.NodeStatuses[lead.Agent.ID] = StatusFailed
		return res, err
	}
	res.NodeStatuses[lead.Agent.ID] = statusFor(finalOutcome)
	if finalOutcome.Vetoed {
		res.Vetoes = append(res.Vetoes, VetoRecord{AgentID: lead.Agent.ID, Level: finalOutcome.VetoLevel, Reason: finalOutcome.VetoReason})
	}
	res.FinalOutput = finalOutcome.Output
	return res, nil
}

func statusFor(o TurnOutcome) NodeStatus {
	switch {
	case o.Failed:
		return StatusFailed
	case o.Vetoed:
		return StatusVetoed
	default:
		return StatusCompleted
	}
}

// --- network ---------------------------------------------------------

func (e *Engine) runNetwork(ctx context.Context, def domain.PatternDefinition, participants []ResolvedParticipant, turnFn TurnFunc, res RunResult) (RunResult, error) {
	// full-mesh negotiation is modeled as one simultaneous proposal-and-vote
	// round: every participant publishes its proposal/vote independently
	// (a TurnFunc has no visibility into siblings still running); the
	// recorded veto outcomes are judged by gate evaluation, not by a quorum
	// count.
	res, err := e.runParallel(ctx, def, participants, turnFn, res)
	if err != nil {
		return res, err
	}

	// Individual NodeStatus values are left as each node reported; gate
	// evaluation (GatePassed with no_veto, or all_approved) decides whether
	// the network as a whole reached consensus from res.Vetoes /
	// res.NodeStatuses, so no separate quorum tally is needed here.
	res.FinalOutput = concatOutputs(res.Outputs)
	return res, nil
}

// --- router ---------------------------------------------------------

func (e *Engine) runRouter(ctx context.Context, def domain.PatternDefinition, participants []ResolvedParticipant, turnFn TurnFunc, res RunResult) (RunResult, error) {
	if len(participants) == 0 {
		return res, fmt.Errorf("pattern: router requires a dispatcher participant")
	}
	dispatcher := participants[0]
	downstream := participants[1:]

	res.NodeStatuses[dispatcher.Agent.ID] = StatusRunning
	outcome, err := turnFn(ctx, dispatcher, "", 1)
	if err != nil {
		res.NodeStatuses[dispatcher.Agent.ID] = StatusFailed
		return res, err
	}
	applyOutcome(&res, dispatcher, outcome)

	target := choosePath(def, dispatcher, outcome.Output, downstream)
	if target == nil {
		// every other declared path is never instantiated: its NodeStatus
		// stays pending.
		res.FinalOutput = outcome.Output
		return res, nil
	}
	res.NodeStatuses[target.Agent.ID] = StatusRunning
	pathOutcome, err := turnFn(ctx, *target, outcome.Output, 1)
	if err != nil {
		res.NodeStatuses[target.Agent.ID] = StatusFailed
		return res, err
	}
	applyOutcome(&res, *target, pathOutcome)
	res.FinalOutput = pathOutcome.Output
	return res, nil
}

// choosePath selects exactly one downstream participant: if the
// dispatcher's output names a participant agent id, that participant wins;
// otherwise the first edge tagged EdgeDelegate/EdgeInform originating from
// the dispatcher is used; otherwise the first declared downstream
// participant is the default path.
func choosePath(def domain.PatternDefinition, dispatcher ResolvedParticipant, dispatcherOutput string, downstream []ResolvedParticipant) *ResolvedParticipant {
	for i := range downstream {
		if containsID(dispatcherOutput, downstream[i].Agent.ID) {
			return &downstream[i]
		}
	}
	for _, edge := range def.Edges {
		if edge.From.AgentID != dispatcher.Agent.ID || (edge.Tag != domain.EdgeDelegate && edge.Tag != domain.EdgeInform) {
			continue
		}
		for i := range downstream {
			if downstream[i].Agent.ID == edge.To.AgentID {
				return &downstream[i]
			}
		}
	}
	if len(downstream) > 0 {
		return &downstream[0]
	}
	return nil
}

func containsID(haystack, id string) bool {
	return id != "" && strings.Contains(haystack, id)
}

// --- aggregator ---------------------------------------------------------

func (e *Engine) runAggregator(ctx context.Context, def domain.PatternDefinition, participants []ResolvedParticipant, turnFn TurnFunc, res RunResult) (RunResult, error) {
	if len(participants) == 0 {
		return res, fmt.Errorf("pattern: aggregator requires at least one participant")
	}
	synthesizer, inputs := designatedSynthesizer(def, participants)

	inputRes := RunResult{NodeStatuses: res.NodeStatuses}
	inputRes, err := e.runParallel(ctx, def, inputs, turnFn, inputRes)
	if err != nil {
		return inputRes, err
	}
	res = inputRes

	res.NodeStatuses[synthesizer.Agent.ID] = StatusRunning
	outcome, err := turnFn(ctx, synthesizer, concatOutputs(res.Outputs), 1)
	if err != nil {
		res.NodeStatuses[synthesizer.Agent.ID] = StatusFailed
		return res, err
	}
	applyOutcome(&res, synthesizer, outcome)
	res.FinalOutput = outcome.Output
	return res, nil
}

// designatedSynthesizer picks the participant that is the "To" of the
// first EdgeAggregate edge pointing at a declared participant, falling back
// to the last declared participant.
func designatedSynthesizer(def domain.PatternDefinition, participants []ResolvedParticipant) (ResolvedParticipant, []ResolvedParticipant) {
	for _, edge := range def.Edges {
		if edge.Tag != domain.EdgeAggregate {
			continue
		}
		for i, p := range participants {
			if p.Agent.ID == edge.To.AgentID {
				rest := make([]ResolvedParticipant, 0, len(participants)-1)
				rest = append(rest, participants[:i]...)
				rest = append(rest, participants[i+1:]...)
				return p, rest
			}
		}
	}
	last := participants[len(participants)-1]
	return last, participants[:len(participants)-1]
}

// --- debate / adversarial-pair ---------------------------------------------------------

func (e *Engine) runDebate(ctx context.Context, def domain.PatternDefinition, participants []ResolvedParticipant, turnFn TurnFunc, res RunResult) (RunResult, error) {
	if len(participants) < 2 {
		return res, fmt.Errorf("pattern: debate requires at least two participants")
	}
	a, b := participants[0], participants[1]
	var evaluator *ResolvedParticipant
	if len(participants) > 2 {
		evaluator = &participants[2]
	}

	maxIter := def.MaxIterations
	if maxIter <= 0 {
		maxIter = 3
	}
	var transcript []ParticipantOutput
	for round := 1; round <= maxIter; round++ {
		if ctx.Err() != nil {
			break
		}
		res.NodeStatuses[a.Agent.ID] = StatusRunning
		outA, err := turnFn(ctx, a, concatOutputs(transcript), round)
		if err != nil {
			res.NodeStatuses[a.Agent.ID] = StatusFailed
			return res, err
		}
		transcript = append(transcript, ParticipantOutput{AgentID: a.Agent.ID, Output: outA.Output})
		if halt := applyOutcome(&res, a, outA); halt {
			break
		}

		res.NodeStatuses[b.Agent.ID] = StatusRunning
		outB, err := turnFn(ctx, b, concatOutputs(transcript), round)
		if err != nil {
			res.NodeStatuses[b.Agent.ID] = StatusFailed
			return res, err
		}
		transcript = append(transcript, ParticipantOutput{AgentID: b.Agent.ID, Output: outB.Output})
		if halt := applyOutcome(&res, b, outB); halt {
			break
		}
	}
	res.Outputs = transcript

	if evaluator != nil {
		res.NodeStatuses[evaluator.Agent.ID] = StatusRunning
		verdict, err := turnFn(ctx, *evaluator, concatOutputs(transcript), 1)
		if err != nil {
			res.NodeStatuses[evaluator.Agent.ID] = StatusFailed
			return res, err
		}
		applyOutcome(&res, *evaluator, verdict)
		res.FinalOutput = verdict.Output
		return res, nil
	}
	res.FinalOutput = concatOutputs(transcript)
	return res, nil
}

// --- adversarial-cascade ---------------------------------------------------------

func (e *Engine) runAdversarialCascade(ctx context.Context, participants []ResolvedParticipant, turnFn TurnFunc, res RunResult) (RunResult, error) {
	// Provider diversity between consecutive critics is resolved upstream
	// (the orchestrator prefers a distinct provider when binding models);
	// the cascade itself never blocks on it.
	for _, p := range participants {
		if ctx.Err() != nil {
			break
		}
		res.NodeStatuses[p.Agent.ID] = StatusRunning
		conversation := concatOutputs(res.Outputs)
		outcome, err := turnFn(ctx, p, conversation, 1)
		if err != nil {
			res.NodeStatuses[p.Agent.ID] = StatusFailed
			return res, err
		}
		halt := applyOutcome(&res, p, outcome)
		if halt || outcome.Vetoed {
			// a veto (any level) stops the cascade: later critics are
			// never instantiated and remain "pending".
			break
		}
	}
	res.FinalOutput = concatOutputs(res.Outputs)
	return res, nil
}

// --- human-in-the-loop ---------------------------------------------------------

func (e *Engine) runHumanInTheLoop(ctx context.Context, def domain.PatternDefinition, participants []ResolvedParticipant, turnFn TurnFunc, res RunResult) (RunResult, error) {
	checkpointAt := checkpointParticipant(def, participants)
	for _, p := range participants {
		if ctx.Err() != nil {
			break
		}
		res.NodeStatuses[p.Agent.ID] = StatusRunning
		conversation := concatOutputs(res.Outputs)
		outcome, err := turnFn(ctx, p, conversation, 1)
		if err != nil {
			res.NodeStatuses[p.Agent.ID] = StatusFailed
			return res, err
		}
		halt := applyOutcome(&res, p, outcome)
		if p.Agent.ID == checkpointAt {
			res.CheckpointPending = true
			res.CheckpointID = fmt.Sprintf("%s/%d", p.Agent.ID, e.now().UnixNano())
			res.FinalOutput = concatOutputs(res.Outputs)
			return res, nil
		}
		if halt {
			break
		}
	}
	res.FinalOutput = concatOutputs(res.Outputs)
	return res, nil
}

// checkpointParticipant finds the source of the first EdgeEscalate edge,
// which marks where the engine pauses for human approval; absent an
// escalate edge, the last declared participant is the checkpoint.
func checkpointParticipant(def domain.PatternDefinition, participants []ResolvedParticipant) string {
	for _, edge := range def.Edges {
		if edge.Tag == domain.EdgeEscalate {
			return edge.From.AgentID
		}
	}
	if len(participants) > 0 {
		return participants[len(participants)-1].Agent.ID
	}
	return ""
}

// --- gate evaluation ---------------------------------------------------------

// GatePassed evaluates a phase gate predicate against a RunResult.
// adversarialIDs names the agent ids in the run whose Role is
// domain.RoleAdversarial, needed to evaluate "all_approved".
func GatePassed(gate domain.GatePredicate, res RunResult, adversarialIDs map[string]bool) bool {
	switch gate {
	case domain.GateAlways:
		return true
	case domain.GateNoVeto:
		for _, s := range res.NodeStatuses {
			if s == StatusVetoed {
				return false
			}
		}
		return true
	case domain.GateCheckpoint:
		return !res.CheckpointPending
	case domain.GateAllApproved:
		anyAdversarial := false
		adversarialRejected := false
		for id, s := range res.NodeStatuses {
			if adversarialIDs[id] {
				anyAdversarial = true
				if s == StatusVetoed || s == StatusFailed {
					adversarialRejected = true
				}
				continue
			}
			if s != StatusCompleted {
				return false
			}
		}
		if anyAdversarial && adversarialRejected {
			return false
		}
		return true
	default:
		return false
	}
}

// SortedAgentIDs returns the NodeStatus map's keys in a stable order, useful
// for deterministic event emission and tests.
func SortedAgentIDs(statuses map[string]NodeStatus) []string {
	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
