package agent

// Override is a caller-supplied instruction that replaces the decision
// source for exactly one step. Tool and Args force a tool call; Finish
// ends the run, after the forced tool if one is set, with Final or a
// default text.
type Override struct {
	Tool   string         `json:"tool,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	Finish bool           `json:"finish,omitempty"`
	Final  string         `json:"final,omitempty"`
}

// Options are the per-run switches. Zero values are the defaults.
type Options struct {
	DisableTools        bool `json:"disable_tools,omitempty" yaml:"disable_tools"`
	DisableContextTools bool `json:"disable_context_tools,omitempty" yaml:"disable_context_tools"`
	DisableSearchTools  bool `json:"disable_search_tools,omitempty" yaml:"disable_search_tools"`

	// AllowRestricted permits the restricted (process) tool family.
	AllowRestricted bool `json:"allow_restricted,omitempty" yaml:"allow_process_tools"`

	// WorkflowAutodetect explicitly enables autodetection when set to
	// true. DisableWorkflowAutodetect wins over it; unset means enabled.
	WorkflowAutodetect        *bool `json:"workflow_autodetect,omitempty" yaml:"workflow_autodetect"`
	DisableWorkflowAutodetect bool  `json:"disable_workflow_autodetect,omitempty" yaml:"disable_workflow_autodetect"`

	// DecisionOnly forces every step through the decision source. Any
	// override becomes a hint and autodetection is skipped.
	DecisionOnly bool `json:"decision_only,omitempty" yaml:"decision_only"`
}

// autodetectEnabled applies the precedence: explicit disable, then
// explicit enable, then the default (enabled).
func (o Options) autodetectEnabled() bool {
	if o.DisableWorkflowAutodetect {
		return false
	}
	if o.WorkflowAutodetect != nil {
		return *o.WorkflowAutodetect
	}
	return true
}

// RunContext is the per-run configuration. A runtime owns its
// RunContext exclusively; the override inside it is consumed at most
// once.
type RunContext struct {
	RunID string `json:"run_id"`
	Agent string `json:"agent"`
	User  string `json:"user,omitempty"`

	Goal         string   `json:"goal"`
	System       string   `json:"system,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Persona      string   `json:"persona,omitempty"`
	Driver       string   `json:"driver,omitempty"`
	Rulesets     []string `json:"rulesets,omitempty"`
	GlobalRules  []string `json:"global_rules,omitempty"`
	RepoContext  string   `json:"repo_context,omitempty"`

	Model      string `json:"model,omitempty"`
	Provider   string `json:"provider,omitempty"`
	Credential string `json:"-"`

	Override *Override `json:"override,omitempty"`
	Options  Options   `json:"options"`
}

// takeOverride returns the pending override and clears it. A nil
// result means there is none, or it was already consumed.
func (rc *RunContext) takeOverride() *Override {
	o := rc.Override
	rc.Override = nil
	return o
}

// policyText is the free text policy inference reads.
func (rc *RunContext) policyText() string {
	return rc.Instructions + "\n" + rc.System + "\n" + rc.Goal
}
