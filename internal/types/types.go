// Package types defines the core domain objects shared across the control
// plane: supervisor state, tasks, validation reports, and provider results.
package types

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// SupervisorStatus is the closed set of states a SupervisorState may be in.
type SupervisorStatus string

const (
	StatusRunning   SupervisorStatus = "RUNNING"
	StatusBlocked   SupervisorStatus = "BLOCKED"
	StatusHalted    SupervisorStatus = "HALTED"
	StatusCompleted SupervisorStatus = "COMPLETED"
)

// TaskStatus is the closed set of states a Task may be in.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskBlocked    TaskStatus = "BLOCKED"
	TaskValidating TaskStatus = "VALIDATING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

// CircuitState is the closed set of circuit breaker states.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// HaltKind classifies a provider result into a control-loop decision point.
// The zero value (empty string) means no halt condition was found: the
// result is a clean COMPLETE and validation proceeds normally.
type HaltKind string

const (
	HaltComplete            HaltKind = ""
	HaltAskedQuestion       HaltKind = "ASKED_QUESTION"
	HaltAmbiguity           HaltKind = "AMBIGUITY"
	HaltBlocked             HaltKind = "BLOCKED"
	HaltOutputFormatInvalid HaltKind = "OUTPUT_FORMAT_INVALID"
	HaltProviderExecFailure HaltKind = "PROVIDER_EXEC_FAILURE"
	HaltResourceExhausted   HaltKind = "RESOURCE_EXHAUSTED"
	HaltCircuitBroken       HaltKind = "PROVIDER_CIRCUIT_BROKEN"
)

// RetryDecisionKind is the action a retry strategy selects for a task,
// refined from the three coarse decisions (complete, retry, block) into the
// concrete next step the control loop takes. RetryBlock moves the task to
// blocked_tasks and lets the run continue; RetryHalt is reserved for
// critical hard halts that stop the whole supervisor.
type RetryDecisionKind string

const (
	RetryFix             RetryDecisionKind = "FIX"
	RetryClarify         RetryDecisionKind = "CLARIFY"
	RetryBlock           RetryDecisionKind = "BLOCK"
	RetryHalt            RetryDecisionKind = "HALT"
	RetryResourceBackoff RetryDecisionKind = "RESOURCE_BACKOFF"
	RetryComplete        RetryDecisionKind = "COMPLETE"
)

// ExecutionMode is the AUTO/MANUAL mode recorded in the state document. It is
// persisted and round-tripped only; the control loop does not read it.
type ExecutionMode string

const (
	ExecutionAuto   ExecutionMode = "AUTO"
	ExecutionManual ExecutionMode = "MANUAL"
)

// HaltTaskListExhaustedGoalIncomplete is the halt_reason the Goal Completion
// Check assigns when the queue drains while blocked_tasks is non-empty.
const HaltTaskListExhaustedGoalIncomplete = "TASK_LIST_EXHAUSTED_GOAL_INCOMPLETE"

// CriterionKind is the closed set of acceptance-criterion evaluation kinds
// the validation stages understand.
type CriterionKind string

const (
	CriterionFileExists   CriterionKind = "FILE_EXISTS"
	CriterionGlobMatch    CriterionKind = "GLOB_MATCH"
	CriterionRegexMatch   CriterionKind = "REGEX_MATCH"
	CriterionJSONContains CriterionKind = "JSON_CONTAINS"
	CriterionCommand      CriterionKind = "COMMAND"
	CriterionASTPredicate CriterionKind = "AST_PREDICATE"
	CriterionHelperAgent  CriterionKind = "HELPER_AGENT"
)

// TaskType is the closed set of kinds a task may be. BEHAVIORAL tasks are
// exempted from the Interrogation stage: a behavioral task's acceptance is
// already a semantic judgment call (the HelperAgent stage's concern), so a
// second holistic interrogation pass over the same kind of ambiguity adds
// cost without adding certainty.
type TaskType string

const (
	TaskTypeCoding        TaskType = "coding"
	TaskTypeBehavioral    TaskType = "behavioral"
	TaskTypeTesting       TaskType = "testing"
	TaskTypeConfiguration TaskType = "configuration"
	TaskTypeDocumentation TaskType = "documentation"
	TaskTypeRefactoring   TaskType = "refactoring"
)

// ConfidenceLevel is the closed set of confidence tiers a ValidationReport
// (or a single CriterionVerdict) carries, per the validation pipeline's
// confidence gate.
type ConfidenceLevel string

const (
	ConfidenceHigh      ConfidenceLevel = "HIGH"
	ConfidenceMedium    ConfidenceLevel = "MEDIUM"
	ConfidenceLow       ConfidenceLevel = "LOW"
	ConfidenceUncertain ConfidenceLevel = "UNCERTAIN"
)

// SupervisorState is the single document persisted under the state store's
// `supervisor:state` key. It is the authoritative record of control-plane
// progress; the control loop reads it, mutates a copy, and writes the whole
// document back atomically.
type SupervisorState struct {
	Goal                   Goal                    `json:"goal"`
	Status                 SupervisorStatus        `json:"status"`
	Iteration              int64                   `json:"iteration"`
	CurrentTask            *Task                   `json:"current_task,omitempty"`
	Queue                  QueueState              `json:"queue"`
	CompletedTasks         []CompletedTask         `json:"completed_tasks,omitempty"`
	BlockedTasks           []BlockedTask           `json:"blocked_tasks,omitempty"`
	ActiveSessions         map[string]Session      `json:"active_sessions,omitempty"`
	HaltReason             string                  `json:"halt_reason,omitempty"`
	ResourceExhaustedRetry *ResourceExhaustedRetry `json:"resource_exhausted_retry,omitempty"`
	ExecutionMode          ExecutionMode           `json:"execution_mode,omitempty"`
	UpdatedAt              time.Time               `json:"last_updated"`

	// Extra preserves any keys this build of Foundry does not recognize so
	// round-tripping a state document never silently drops operator data.
	// It is populated and re-merged by DecodeSupervisorState/EncodeState,
	// never by encoding/json directly (hence json:"-").
	Extra map[string]json.RawMessage `json:"-"`
}

// supervisorStateFields lists every top-level key SupervisorState's own
// json tags already account for; anything else in a decoded document is an
// unrecognized key that belongs in Extra.
var supervisorStateFields = map[string]bool{
	"goal": true, "status": true, "iteration": true, "current_task": true,
	"queue": true, "completed_tasks": true, "blocked_tasks": true,
	"active_sessions": true, "halt_reason": true,
	"resource_exhausted_retry": true, "execution_mode": true, "last_updated": true,
}

// DecodeSupervisorState unmarshals a state document into its typed fields
// and, separately, captures every key encoding/json's struct tags don't
// recognize into Extra via gjson, so EncodeState can splice them back in
// verbatim on the next write.
func DecodeSupervisorState(data []byte) (SupervisorState, error) {
	var s SupervisorState
	if err := json.Unmarshal(data, &s); err != nil {
		return s, err
	}
	parsed := gjson.ParseBytes(data)
	if parsed.IsObject() {
		extra := make(map[string]json.RawMessage)
		parsed.ForEach(func(key, value gjson.Result) bool {
			k := key.String()
			if !supervisorStateFields[k] {
				extra[k] = json.RawMessage(value.Raw)
			}
			return true
		})
		if len(extra) > 0 {
			s.Extra = extra
		}
	}
	return s, nil
}

// EncodeState marshals s's typed fields and splices every Extra key back
// into the resulting document via sjson, so a key this build of Foundry
// does not recognize survives a load/save cycle unchanged.
func (s SupervisorState) EncodeState() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		data, err = sjson.SetRawBytes(data, k, v)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// Goal is the human-defined objective a supervisor run is working toward.
type Goal struct {
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
	ProjectID   string `json:"project_id,omitempty"`
}

// QueueState tracks whether the task queue has ever been observed empty.
// Exhausted latches true the first time Dequeue reports ErrNotFound and
// never resets, since a drained queue is not refilled mid-run in the core
// (the CLI's enqueue subcommand is the only writer).
type QueueState struct {
	Exhausted bool `json:"exhausted"`
}

// CompletedTask records a task that passed validation, appended to
// completed_tasks in dequeue order.
type CompletedTask struct {
	Task      Task      `json:"task"`
	Reason    string    `json:"reason,omitempty"`
	Iteration int64     `json:"iteration"`
	At        time.Time `json:"at"`
}

// BlockedTask records a task the Retry Orchestrator gave up on — repeated
// identical errors, exhausted retries, or a critical hard halt on the fix
// dispatch — without necessarily halting the whole supervisor.
type BlockedTask struct {
	Task      Task      `json:"task"`
	Reason    string    `json:"reason"`
	Iteration int64     `json:"iteration"`
	At        time.Time `json:"at"`
}

// ResourceExhaustedRetry tracks the back-off schedule the control loop
// maintains across iterations for the ResourceExhaustedStrategy.
type ResourceExhaustedRetry struct {
	Attempt     int       `json:"attempt"`
	LastAttempt time.Time `json:"last_attempt_at"`
	NextRetryAt time.Time `json:"next_retry_at"`
}

// Session records a feature's provider session: its id, the provider named
// when it was created (the task's Tool, possibly empty), and its error count.
// Provider selection does not read it.
type Session struct {
	SessionID  string    `json:"session_id"`
	Provider   string    `json:"provider"`
	LastUsed   time.Time `json:"last_used"`
	ErrorCount int       `json:"error_count"`
}

// RetryPolicy bounds how many fix attempts one task gets before the final
// interrogation decides block vs complete, overriding the orchestrator-wide
// default when set.
type RetryPolicy struct {
	MaxRetries int `json:"max_retries"`
}

// Task is one unit of work dequeued by the control loop. Tool, when set,
// names the provider the operator prefers for this task. It is recorded on
// the feature's session; the dispatcher does not consult it and always
// follows its configured priority order.
type Task struct {
	ID             string       `json:"id"`
	FeatureID      string       `json:"feature_id"`
	ProjectID      string       `json:"project_id"`
	Prompt         string       `json:"prompt"`
	Type           TaskType     `json:"task_type,omitempty"`
	Tool           string       `json:"tool,omitempty"`
	Status         TaskStatus   `json:"status"`
	RetryCount     int          `json:"retry_count"`
	RetryPolicy    *RetryPolicy `json:"retry_policy,omitempty"`
	LastErrors     []string     `json:"last_errors,omitempty"`
	AcceptCriteria []Criterion  `json:"accept_criteria,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`

	// PendingAction, LastReport, and LastHaltKind record what the previous
	// iteration decided so the next dispatch builds the matching prompt
	// variant (fix vs. clarification vs. the original task prompt) instead
	// of repeating the initial prompt blind to what already failed.
	PendingAction      RetryDecisionKind `json:"pending_action,omitempty"`
	LastReport         *ValidationReport `json:"last_report,omitempty"`
	LastHaltKind       HaltKind          `json:"last_halt_kind,omitempty"`
	LastError          string            `json:"last_error,omitempty"`
	RepeatedErrorCount int               `json:"repeated_error_count,omitempty"`

	// InterrogationPerformed records, per retry attempt, whether the
	// Interrogation stage has already been dispatched for this task —
	// the flat `interrogation_performed_<id>_attempt_<n>` state key,
	// modeled here as a map on the task itself rather than a separate
	// dynamic key namespace. The flag is set and persisted before the
	// stage's provider dispatch, so a crash between the write and the
	// dispatch never causes a restart to duplicate the interrogation.
	InterrogationPerformed map[int]bool `json:"interrogation_performed,omitempty"`
}

// IsBehavioral reports whether this task's acceptance is itself a semantic
// judgment call, exempting it from the Interrogation stage's gate.
func (t Task) IsBehavioral() bool {
	return t.Type == TaskTypeBehavioral
}

// Criterion is one acceptance criterion a task's output must satisfy.
type Criterion struct {
	Kind CriterionKind `json:"kind"`
	Spec string        `json:"spec"`
}

// ProviderResult is the normalized outcome of dispatching a task to a
// provider CLI adapter. Status is an optional agent-reported status string
// ("BLOCKED", "FAILED", ...); most adapters leave it empty and rely on
// ExitCode/Stdout alone.
type ProviderResult struct {
	Provider  string        `json:"provider"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	TimedOut  bool          `json:"timed_out"`
	Status    string        `json:"status,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// AgentOutput is the single terminating JSON object every provider prompt's
// Rules Block requires, with paths relative to the sandbox root.
type AgentOutput struct {
	Status        string   `json:"status"`
	FilesCreated  []string `json:"files_created"`
	FilesUpdated  []string `json:"files_updated"`
	Changes       string   `json:"changes"`
	NeededChanges string   `json:"neededChanges"`
	Summary       string   `json:"summary"`
}

// ValidationReport is the accumulated output of running a task's result
// through the validation pipeline. Valid may only move false -> true as
// stages run; no stage may downgrade a prior stage's true verdict.
type ValidationReport struct {
	Valid        bool               `json:"valid"`
	Confidence   ConfidenceLevel    `json:"confidence,omitempty"`
	StageResults []StageResult      `json:"stage_results"`
	Criteria     []CriterionVerdict `json:"criteria,omitempty"`

	// RulesPassed/RulesFailed name every evaluated criterion as
	// "<kind>:<spec>", split by outcome. FailedCriteria/UncertainCriteria
	// carry just the criterion spec text, for prompt building and for the
	// Interrogation stage's gate.
	RulesPassed       []string `json:"rules_passed,omitempty"`
	RulesFailed       []string `json:"rules_failed,omitempty"`
	FailedCriteria    []string `json:"failed_criteria,omitempty"`
	UncertainCriteria []string `json:"uncertain_criteria,omitempty"`
	Reason            string   `json:"reason,omitempty"`
}

// StageResult records one pipeline stage's contribution to a ValidationReport.
type StageResult struct {
	Stage  string `json:"stage"`
	Valid  bool   `json:"valid"`
	Detail string `json:"detail,omitempty"`
}

// CriterionVerdict records whether one acceptance criterion was met.
type CriterionVerdict struct {
	Criterion  Criterion       `json:"criterion"`
	Met        bool            `json:"met"`
	Evidence   string          `json:"evidence,omitempty"`
	Confidence ConfidenceLevel `json:"confidence,omitempty"`
}

// RetryDecision is the action selected by the retry/halt policy machine for
// a task that failed validation.
type RetryDecision struct {
	Kind    RetryDecisionKind `json:"kind"`
	Prompt  string            `json:"prompt,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Backoff time.Duration     `json:"backoff,omitempty"`
}
