package models

import "encoding/json"

// ToolClassification partitions tools by their effect on the workspace.
type ToolClassification string

const (
	// ClassReadOnly tools observe state and may run concurrently.
	ClassReadOnly ToolClassification = "read_only"

	// ClassMutating tools change workspace or session state.
	ClassMutating ToolClassification = "mutating"

	// ClassDestructive tools delete or overwrite irrecoverably.
	ClassDestructive ToolClassification = "destructive"
)

// SandboxPreference declares how a tool relates to the sandbox.
type SandboxPreference string

const (
	// SandboxAuto follows the configured sandbox policy.
	SandboxAuto SandboxPreference = "auto"

	// SandboxForbid never runs the tool sandboxed.
	SandboxForbid SandboxPreference = "forbid"

	// SandboxRequire refuses to run the tool unsandboxed.
	SandboxRequire SandboxPreference = "require"
)

// ToolDefinition describes a tool to providers and to the pipeline.
type ToolDefinition struct {
	// Name is the canonical tool name.
	Name string `json:"name"`

	// Description tells the model when to use the tool.
	Description string `json:"description"`

	// Parameters is the JSON-Schema for the argument object.
	Parameters json.RawMessage `json:"parameters"`

	// Classification drives batch parallelization and approval policy.
	Classification ToolClassification `json:"classification"`

	// SandboxPref declares the tool's sandbox relationship.
	SandboxPref SandboxPreference `json:"sandbox_pref"`

	// EscalateOnFailure allows one retry with the sandbox disabled
	// after a sandbox-denied failure.
	EscalateOnFailure bool `json:"escalate_on_failure"`
}
