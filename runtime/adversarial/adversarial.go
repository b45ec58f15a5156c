// Package adversarial implements the Adversarial Guard: an L0 deterministic
// scorer that runs over every pattern participant's output before it is
// accepted, plus an optional L1 semantic review that makes one isolated
// model call to judge borderline or suspicious output. A veto from either
// level feeds the Darwin Selector's fitness counters as a loss.
package adversarial

import (
	"context"
	"fmt"
	"strings"

	"github.com/swarmforge/orchestrator/domain"
	"github.com/swarmforge/orchestrator/runtime/model"
)

// Family identifies one deterministic defect category the L0 scorer checks for.
type Family string

const (
	FamilySlop          Family = "slop"
	FamilyMock          Family = "mock"
	FamilyFakeBuild     Family = "fake_build"
	FamilyHallucination Family = "hallucination"
	FamilyLie           Family = "lie"
	FamilyStackMismatch Family = "stack_mismatch"
	FamilyTooShort      Family = "too_short"
	FamilyEcho          Family = "echo"
	FamilyRepetition    Family = "repetition"
)

// familyPoints assigns the point value contributed by one occurrence of a
// family; alwaysReject families veto regardless of total score.
var familyPoints = map[Family]int{
	FamilySlop:          3,
	FamilyMock:          3,
	FamilyFakeBuild:     7,
	FamilyHallucination: 7,
	FamilyLie:           7,
	FamilyStackMismatch: 7,
	FamilyTooShort:      2,
	FamilyEcho:          2,
	FamilyRepetition:    2,
}

var alwaysReject = map[Family]bool{
	FamilyFakeBuild:     true,
	FamilyHallucination: true,
	FamilyStackMismatch: true,
}

// Verdict classifies an L0 score.
type Verdict string

const (
	VerdictPass     Verdict = "pass"
	VerdictSoftPass Verdict = "soft_pass"
	VerdictReject   Verdict = "reject"
)

// Thresholds: score < 5 passes, 5 <= score < 7 soft-passes
// (accepted but flagged), score >= 7 or any always-reject family rejects.
const (
	SoftPassThreshold = 5
	RejectThreshold   = 7
)

// Finding records one L0 hit.
type Finding struct {
	Family Family
	Points int
	Detail string
}

// L0Result is the outcome of a deterministic scan.
type L0Result struct {
	Score    int
	Findings []Finding
	Verdict  Verdict
}

var (
	slopPhrases = []string{
		"as an ai language model", "i apologize for the confusion", "i cannot actually",
		"in conclusion, it is clear that", "it is important to note that",
		"lorem ipsum",
	}
	mockPhrases      = []string{"todo: implement", "not implemented", "placeholder", "stub implementation", "fake data for now"}
	fakeBuildPhrases = []string{"build succeeded (simulated)", "pretend the tests pass", "assuming this compiles"}
	liePhrases       = []string{"all tests pass"} // a test claim is a lie only when no test run is recorded
	// actionClaims are phrases asserting a tool action took place; without a
	// matching tool call record in the same turn they score as hallucination.
	actionClaims = []string{"i ran ", "i executed ", "i deployed ", "i have run ", "the command output was"}
)

// ScanL0 runs the deterministic scorer over output produced by participant
// for expectedStack (empty means stack-agnostic). ranTests lets the LIE
// family detect a claim of passing tests unaccompanied by an actual test
// run record.
func ScanL0(output string, expectedStack string, declaredStack string, ranTests bool) L0Result {
	var findings []Finding
	lower := strings.ToLower(output)

	for _, p := range slopPhrases {
		if strings.Contains(lower, p) {
			findings = append(findings, Finding{Family: FamilySlop, Points: familyPoints[FamilySlop], Detail: p})
		}
	}
	for _, p := range mockPhrases {
		if strings.Contains(lower, p) {
			findings = append(findings, Finding{Family: FamilyMock, Points: familyPoints[FamilyMock], Detail: p})
		}
	}
	for _, p := range fakeBuildPhrases {
		if strings.Contains(lower, p) {
			findings = append(findings, Finding{Family: FamilyFakeBuild, Points: familyPoints[FamilyFakeBuild], Detail: p})
		}
	}
	if !ranTests {
		for _, p := range liePhrases {
			if strings.Contains(lower, p) {
				findings = append(findings, Finding{Family: FamilyLie, Points: familyPoints[FamilyLie], Detail: "claimed test result without a recorded test run"})
			}
		}
	}
	if expectedStack != "" && declaredStack != "" && expectedStack != declaredStack {
		findings = append(findings, Finding{
			Family: FamilyStackMismatch, Points: familyPoints[FamilyStackMismatch],
			Detail: fmt.Sprintf("declared %s, project expects %s", declaredStack, expectedStack),
		})
	}
	if trimmed := strings.TrimSpace(output); len(trimmed) < 40 {
		findings = append(findings, Finding{Family: FamilyTooShort, Points: familyPoints[FamilyTooShort], Detail: "output under 40 characters"})
	}
	// REPETITION: the same word five or more times in a row.
	words := strings.Fields(lower)
	for i, run := 1, 1; i < len(words); i++ {
		if words[i] == words[i-1] {
			run++
		} else {
			run = 1
		}
		if run >= 5 {
			findings = append(findings, Finding{Family: FamilyRepetition, Points: familyPoints[FamilyRepetition], Detail: "repeated token run"})
			break
		}
	}

	return scoreFindings(findings)
}

// TurnInput gathers the full evidence for one agent turn so the scan can
// also judge claims against the prompt and the turn's tool call records.
type TurnInput struct {
	Output        string
	Prompt        string
	ToolsCalled   []string
	ExpectedStack string
	DeclaredStack string
	RanTests      bool
}

// ScanTurn runs ScanL0 plus the turn-contextual families: ECHO (the output
// mirrors the prompt) and HALLUCINATION (the output claims a tool action the
// turn never recorded).
func ScanTurn(in TurnInput) L0Result {
	base := ScanL0(in.Output, in.ExpectedStack, in.DeclaredStack, in.RanTests)
	findings := base.Findings

	out := strings.TrimSpace(strings.ToLower(in.Output))
	prompt := strings.TrimSpace(strings.ToLower(in.Prompt))
	if len(out) >= 40 && prompt != "" && (out == prompt || strings.Contains(prompt, out)) {
		findings = append(findings, Finding{Family: FamilyEcho, Points: familyPoints[FamilyEcho], Detail: "output mirrors the prompt"})
	}
	if len(in.ToolsCalled) == 0 {
		for _, p := range actionClaims {
			if strings.Contains(out, p) {
				findings = append(findings, Finding{Family: FamilyHallucination, Points: familyPoints[FamilyHallucination], Detail: "claimed a tool action with no tool call record this turn"})
				break
			}
		}
	}
	return scoreFindings(findings)
}

func scoreFindings(findings []Finding) L0Result {
	score := 0
	forcedReject := false
	for _, f := range findings {
		score += f.Points
		if alwaysReject[f.Family] {
			forcedReject = true
		}
	}

	verdict := VerdictPass
	switch {
	case forcedReject || score >= RejectThreshold:
		verdict = VerdictReject
	case score >= SoftPassThreshold:
		verdict = VerdictSoftPass
	}
	return L0Result{Score: score, Findings: findings, Verdict: verdict}
}

// discussionPatterns are pattern types whose output is conversational rather
// than produced work; L1 semantic review is skipped for these since there is
// no artifact to adversarially judge.
var discussionPatterns = map[domain.PatternType]bool{
	domain.PatternSoloChat:       true,
	domain.PatternDebate:         true,
	domain.PatternNetwork:        true,
	domain.PatternAggregator:     true,
	domain.PatternHumanInTheLoop: true,
}

// Config tunes Adversarial Guard behavior.
type Config struct {
	// MaxRetries bounds automatic retry after a reject verdict. Defaults to
	// 0: a rejection is a gate signal, not a retry loop.
	MaxRetries int
	// L1Enabled turns on the semantic review pass.
	L1Enabled bool
}

// Guard runs L0 and, when enabled and applicable, L1 review.
type Guard struct {
	cfg    Config
	client model.Client
}

// New constructs a Guard. client may be nil when L1Enabled is false.
func New(cfg Config, client model.Client) *Guard {
	return &Guard{cfg: cfg, client: client}
}

// Review runs the full veto cascade for one participant turn and returns
// the final verdict plus supporting detail. A soft_pass is accepted (the
// output is used) but is recorded as a cautionary signal for Darwin fitness;
// only reject vetoes the output outright.
func (g *Guard) Review(ctx context.Context, patternType domain.PatternType, in TurnInput) (L0Result, *L1Result, error) {
	l0 := ScanTurn(in)
	if l0.Verdict == VerdictReject {
		return l0, nil, nil
	}
	if !g.cfg.L1Enabled || discussionPatterns[patternType] || g.client == nil {
		return l0, nil, nil
	}
	l1, err := g.runL1(ctx, in.Output)
	if err != nil {
		return l0, nil, err
	}
	return l0, l1, nil
}

// L1Result is the outcome of the semantic review call.
type L1Result struct {
	Veto   bool
	Reason string
}

func (g *Guard) runL1(ctx context.Context, output string) (*L1Result, error) {
	req := &model.Request{
		ModelClass: model.ModelClassLightReasoning,
		Messages: []*model.Message{
			{Role: model.RoleSystem, Parts: []model.Part{model.TextPart{Text: l1SystemPrompt}}},
			{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: output}}},
		},
	}
	resp, err := g.client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	text := flattenResponse(resp)
	veto := strings.Contains(strings.ToLower(text), "veto: true")
	return &L1Result{Veto: veto, Reason: text}, nil
}

const l1SystemPrompt = "You are an isolated adversarial reviewer. Judge the submitted work product " +
	"for genuine completion versus fabricated or superficial compliance. Reply starting with " +
	"either \"veto: true\" or \"veto: false\" followed by a one-sentence reason."

func flattenResponse(resp *model.Response) string {
	var sb strings.Builder
	for _, msg := range resp.Content {
		for _, p := range msg.Parts {
			if t, ok := p.(model.TextPart); ok {
				sb.WriteString(t.Text)
			}
		}
	}
	return sb.String()
}
