package contract

// Reason classifies why a stage output was rejected.
type Reason int

const (
	ReasonEmptyOutput Reason = iota + 1
	ReasonExplicitFailure
	ReasonStatusLine
	ReasonMissingMachine
	ReasonMachineLines
	ReasonMachineJSON
	ReasonMachineShape
	ReasonMachineField
	ReasonStageMismatch
	ReasonStatusNotSuccess
	ReasonCrossValidation
	ReasonMissingHandoff
	// ReasonRunner marks outputs that parsed cleanly but the runner itself
	// reported an error result.
	ReasonRunner
)

var reasonNames = map[Reason]string{
	ReasonEmptyOutput:      "empty_output",
	ReasonExplicitFailure:  "explicit_failure",
	ReasonStatusLine:       "status_line",
	ReasonMissingMachine:   "missing_machine",
	ReasonMachineLines:     "machine_lines",
	ReasonMachineJSON:      "machine_json",
	ReasonMachineShape:     "machine_shape",
	ReasonMachineField:     "machine_field",
	ReasonStageMismatch:    "stage_mismatch",
	ReasonStatusNotSuccess: "status_not_success",
	ReasonCrossValidation:  "cross_validation",
	ReasonMissingHandoff:   "missing_handoff",
	ReasonRunner:           "runner",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// Error is the typed failure carried by a rejected Execution.
type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(reason Reason, message string) *Error {
	return &Error{Reason: reason, Message: message}
}
