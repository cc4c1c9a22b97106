package schema

// EventName is a signal emitted by a step after it completes its work.
// The set is closed per workflow; routing is keyed on (StepID, EventName).
type EventName string

const (
	EventStart             EventName = "Start"
	EventIsRepeatedCall    EventName = "IsRepeatedCall"
	EventIsNotRepeatedCall EventName = "IsNotRepeatedCall"
	EventIsRelevant        EventName = "IsRelevant"
	EventIsNotRelevant     EventName = "IsNotRelevant"
	EventExit              EventName = "Exit"
)

// StepID identifies a step in the process graph.
type StepID string

const (
	StepDetermineRepeatedCall   StepID = "DetermineRepeatedCall"
	StepDetermineCause          StepID = "DetermineCause"
	StepDetermineRecommendation StepID = "DetermineRecommendation"
	StepExit                    StepID = "Exit"
)

// Lifecycle event types published while a run executes.
const (
	RunEventStarted   = "run_started"
	RunEventCompleted = "run_completed"
	RunEventFailed    = "run_failed"

	StepEventStarted   = "step_started"
	StepEventCompleted = "step_completed"
	StepEventFailed    = "step_failed"
	StepEventEmitted   = "event_emitted"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)
