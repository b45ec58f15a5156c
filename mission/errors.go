package mission

import "errors"

var (
	// ErrUnknownEntity is returned when a Registry lookup misses.
	ErrUnknownEntity = errors.New("mission: unknown entity")
	// ErrMissionNotFound is returned when a Mission API command targets an unknown mission id.
	ErrMissionNotFound = errors.New("mission: not found")
	// ErrInvalidTransition is returned when a Mission API command does not apply to the mission's current status.
	ErrInvalidTransition = errors.New("mission: invalid status transition")
	// ErrNoCheckpointPending is returned when ApproveCheckpoint is called on a mission that is not paused at a checkpoint.
	ErrNoCheckpointPending = errors.New("mission: no checkpoint pending")
	// ErrAdmissionQueueClosed is returned when CreateMission is called after Orchestrator.Close.
	ErrAdmissionQueueClosed = errors.New("mission: admission queue closed")
)
