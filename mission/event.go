// Package mission implements the Mission Orchestrator: the top-level
// driver that admits Mission Runs, walks a Workflow Template's phases,
// asks Darwin to resolve role-typed participants, runs the Pattern Engine,
// evaluates phase gates, opens/closes Sprints, and exposes the Mission
// API, the event stream, and resume-on-restart. Missions run as plain
// goroutines driven by the in-process Pattern Engine and Agent Executor;
// the journal, not workflow state, is what restarts recover from.
package mission

import (
	"time"

	"github.com/swarmforge/orchestrator/domain"
)

// EventKind enumerates the typed, append-only Mission API event stream
// entries.
type EventKind string

const (
	EventMissionCreated          EventKind = "mission.created"
	EventPhaseStarted            EventKind = "mission.phase_started"
	EventPhaseGate               EventKind = "mission.phase_gate"
	EventSprintOpened            EventKind = "mission.sprint_opened"
	EventSprintClosedWithRetro   EventKind = "mission.sprint_closed_with_retro"
	EventAgentMessage            EventKind = "agent.message"
	EventAgentToolCalled         EventKind = "agent.tool_called"
	EventAdversarialVeto         EventKind = "adversarial.veto"
	EventDarwinSelectedTeam      EventKind = "darwin.selected_team"
	EventDarwinSelectedModel     EventKind = "darwin.selected_model"
	EventCheckpointPending       EventKind = "checkpoint.pending"
	EventDarwinABShadow          EventKind = "darwin.ab_shadow"
	EventMissionStatusChanged    EventKind = "mission.status_changed"
)

// Event is one entry in the Mission Orchestrator's append-only event stream.
// It is published on the Message Bus (broadcast) for live subscribers and
// mirrored into the Store journal so it can be replayed by
// (mission_id, since_event_id) for subscribers that missed live delivery.
type Event struct {
	ID        int64
	MissionID string
	Kind      EventKind
	Detail    map[string]any
	At        time.Time
}

// eventSubscriberPrefix namespaces event-stream subscriber ids on the
// shared Message Bus so they never collide with agent-addressed recipient
// ids. A subscriber calls Orchestrator.Subscribe, which registers under
// this prefix and publishes with the broadcast recipient "*" so every live
// subscriber — agents and event consumers alike — receives the message;
// event consumers simply ignore envelopes not carrying an Event body.
const eventSubscriberPrefix = "mission.events/"

func eventMessage(missionID string, kind EventKind, detail map[string]any, priority int) domain.Message {
	return domain.Message{
		Recipients: []string{"*"},
		Type:       domain.MsgInform,
		Priority:   priority,
		Body: Event{
			MissionID: missionID,
			Kind:      kind,
			Detail:    detail,
			At:        time.Now(),
		},
	}
}
