// Package session manages Sprint lifecycle within a Mission phase:
// planning -> active -> review -> completed|failed, with an LLM-generated
// retrospective written to the project memory layer on completion so later
// sprints of the same phase inherit it through inject_context.
package session

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/swarmforge/orchestrator/domain"
	"github.com/swarmforge/orchestrator/runtime/memory"
	"github.com/swarmforge/orchestrator/runtime/model"
	"github.com/swarmforge/orchestrator/runtime/store"
)

// ErrInvalidTransition is returned when a Sprint status change does not
// follow planning -> active -> review -> completed|failed.
var ErrInvalidTransition = errors.New("session: invalid sprint transition")

var validNext = map[domain.SprintStatus]map[domain.SprintStatus]bool{
	domain.SprintPlanning: {domain.SprintActive: true, domain.SprintFailed: true},
	domain.SprintActive:   {domain.SprintReview: true, domain.SprintFailed: true},
	domain.SprintReview:   {domain.SprintCompleted: true, domain.SprintFailed: true},
}

// RetroClient produces a retrospective summary for a completed Sprint. It is
// a narrow slice of model.Client so callers can swap in a lightweight
// reasoning binding without dragging tool-calling machinery in.
type RetroClient interface {
	Complete(ctx context.Context, req *model.Request) (*model.Response, error)
}

// Manager opens, advances, and closes Sprints, persisting them through a
// store.Store and writing retrospectives into a memory.Manager.
type Manager struct {
	mu    sync.Mutex
	db    store.Store
	mem   *memory.Manager
	retro RetroClient
}

// New constructs a Manager. retro may be nil; Close then records a fixed
// placeholder retro note instead of calling out to a model.
func New(db store.Store, mem *memory.Manager, retro RetroClient) *Manager {
	return &Manager{db: db, mem: mem, retro: retro}
}

// Open creates a new Sprint in status planning for phaseIndex of missionID,
// numbered sequentially starting at 1.
func (m *Manager) Open(ctx context.Context, missionID string, phaseIndex int) (domain.Sprint, error) {
	existing, err := m.db.ListSprints(ctx, missionID)
	if err != nil {
		return domain.Sprint{}, err
	}
	number := 1
	for _, s := range existing {
		if s.PhaseIndex == phaseIndex && s.Number >= number {
			number = s.Number + 1
		}
	}
	sp := domain.Sprint{
		ID:         missionID + "/" + strconv.Itoa(phaseIndex) + "/" + strconv.Itoa(number),
		MissionID:  missionID,
		PhaseIndex: phaseIndex,
		Number:     number,
		Status:     domain.SprintPlanning,
	}
	if err := m.db.SaveSprint(ctx, sp); err != nil {
		return domain.Sprint{}, err
	}
	return sp, nil
}

// Advance moves sp to next, validating the transition, and persists it.
func (m *Manager) Advance(ctx context.Context, sp domain.Sprint, next domain.SprintStatus) (domain.Sprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !validNext[sp.Status][next] {
		return sp, ErrInvalidTransition
	}
	sp.Status = next
	if err := m.db.SaveSprint(ctx, sp); err != nil {
		return sp, err
	}
	return sp, nil
}

// Close transitions sp from review to completed, generates a retrospective,
// persists the sprint with its RetroNotes set, and writes the retro as a
// project-layer memory entry scoped to projectID so subsequent sprints of
// the same phase see it through inject_context.
func (m *Manager) Close(ctx context.Context, sp domain.Sprint, projectID string, transcript string) (domain.Sprint, error) {
	sp, err := m.Advance(ctx, sp, domain.SprintCompleted)
	if err != nil {
		return sp, err
	}
	notes, err := m.generateRetro(ctx, sp, transcript)
	if err != nil {
		return sp, err
	}
	sp.RetroNotes = notes
	if err := m.db.SaveSprint(ctx, sp); err != nil {
		return sp, err
	}
	if m.mem != nil {
		m.mem.Put(ctx, domain.MemoryEntry{
			Layer:    domain.LayerProject,
			Scope:    projectID,
			Category: "sprint_retro",
			Text:     notes,
		})
	}
	return sp, nil
}

func (m *Manager) generateRetro(ctx context.Context, sp domain.Sprint, transcript string) (string, error) {
	if m.retro == nil {
		return "sprint " + strconv.Itoa(sp.Number) + " completed; no retro model configured", nil
	}
	req := &model.Request{
		ModelClass: model.ModelClassLightReasoning,
		Messages: []*model.Message{
			{Role: model.RoleSystem, Parts: []model.Part{model.TextPart{Text: retroSystemPrompt}}},
			{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: transcript}}},
		},
	}
	resp, err := m.retro.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	return flattenText(resp), nil
}

const retroSystemPrompt = "Summarize what this sprint accomplished, what blocked it, and one " +
	"concrete lesson for the next sprint, in three sentences or fewer."

func flattenText(resp *model.Response) string {
	var out string
	for _, msg := range resp.Content {
		for _, p := range msg.Parts {
			if t, ok := p.(model.TextPart); ok {
				out += t.Text
			}
		}
	}
	return out
}
