package adversarial

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmforge/orchestrator/domain"
	"github.com/swarmforge/orchestrator/runtime/model"
)

func TestScanL0PassesCleanOutput(t *testing.T) {
	res := ScanL0("Implemented the rate limiter with a token bucket and added unit tests covering burst and refill behavior.", "", "", true)
	require.Equal(t, VerdictPass, res.Verdict)
	require.Zero(t, res.Score)
}

func TestScanL0RejectsFakeBuildClaim(t *testing.T) {
	res := ScanL0("Build succeeded (simulated) so we can move on.", "", "", true)
	require.Equal(t, VerdictReject, res.Verdict)
}

func TestScanL0StackMismatchAlwaysRejects(t *testing.T) {
	res := ScanL0("Added the Angular component as requested.", "react_18", "angular_19", true)
	require.Equal(t, VerdictReject, res.Verdict)
}

func TestScanL0TooShortSoftOrPass(t *testing.T) {
	res := ScanL0("done", "", "", true)
	require.NotEqual(t, VerdictReject, res.Verdict)
	require.NotZero(t, res.Score)
}

func TestScanL0AccumulatesToSoftPass(t *testing.T) {
	res := ScanL0("TODO: implement this later. Placeholder for now.", "", "", true)
	require.Equal(t, VerdictSoftPass, res.Verdict)
}

type stubAdversarialClient struct {
	text string
}

func (s *stubAdversarialClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return &model.Response{Content: []model.Message{{Role: model.RoleAssistant, Parts: []model.Part{model.TextPart{Text: s.text}}}}}, nil
}

func TestScanTurnFlagsHallucinatedToolAction(t *testing.T) {
	res := ScanTurn(TurnInput{
		Output:   "I ran the full integration suite and everything came back green across every module.",
		RanTests: true,
	})
	require.Equal(t, VerdictReject, res.Verdict)
	require.Equal(t, FamilyHallucination, res.Findings[0].Family)
}

func TestScanTurnAcceptsClaimBackedByToolRecord(t *testing.T) {
	res := ScanTurn(TurnInput{
		Output:      "I ran the full integration suite and everything came back green across every module.",
		ToolsCalled: []string{"run_tests"},
		RanTests:    true,
	})
	require.Equal(t, VerdictPass, res.Verdict)
}

func TestScanTurnFlagsEchoedPrompt(t *testing.T) {
	prompt := "Please summarize the deployment plan for the payments service rollout."
	res := ScanTurn(TurnInput{Output: prompt, Prompt: prompt, RanTests: true})
	var families []Family
	for _, f := range res.Findings {
		families = append(families, f.Family)
	}
	require.Contains(t, families, FamilyEcho)
}

func TestGuardSkipsL1ForDiscussionPatterns(t *testing.T) {
	g := New(Config{L1Enabled: true}, &stubAdversarialClient{text: "veto: true"})
	l0, l1, err := g.Review(context.Background(), domain.PatternSoloChat, TurnInput{Output: "a reasonable chat reply that stands on its own", RanTests: true})
	require.NoError(t, err)
	require.Equal(t, VerdictPass, l0.Verdict)
	require.Nil(t, l1)
}

func TestGuardRunsL1WhenEnabled(t *testing.T) {
	g := New(Config{L1Enabled: true}, &stubAdversarialClient{text: "veto: true, fabricated results"})
	_, l1, err := g.Review(context.Background(), domain.PatternSequential, TurnInput{Output: "Implemented the feature with solid tests.", RanTests: true})
	require.NoError(t, err)
	require.NotNil(t, l1)
	require.True(t, l1.Veto)
}

func TestGuardSkipsL1OnL0Reject(t *testing.T) {
	g := New(Config{L1Enabled: true}, &stubAdversarialClient{text: "veto: false"})
	l0, l1, err := g.Review(context.Background(), domain.PatternSequential, TurnInput{Output: "Build succeeded (simulated).", RanTests: true})
	require.NoError(t, err)
	require.Equal(t, VerdictReject, l0.Verdict)
	require.Nil(t, l1)
}
