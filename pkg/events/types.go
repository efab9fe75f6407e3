package events

// Event types emitted by agents during a run. The set is closed per
// component; pattern subscribers can match groups with a "prefix*" form.
const (
	TypeTextDelta      = "text_delta"
	TypeReasoningDelta = "reasoning_delta"
	TypeToolCallStart  = "tool_call_start"
	TypeToolCallDelta  = "tool_call_delta"
	TypeToolCallEnd    = "tool_call_end"
	TypeStepStart      = "step_start"
	TypeStepEnd        = "step_end"
	TypeError          = "error"
	TypeDone           = "done"
)

// Event types emitted by the adaptive loop and lifecycle machinery.
const (
	TypeTaskSensed = "task_sensed"
	TypeAuctionWon = "auction_won"
	TypeMitosis    = "mitosis"
	TypeApoptosis  = "apoptosis"
	TypeReward     = "reward"
	TypeEvolution  = "evolution"
)
