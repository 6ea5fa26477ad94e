package agent

import "regexp"

// Policy is the set of tool families a run's free text disables.
type Policy struct {
	DisableAll     bool `json:"disable_all"`
	DisableContext bool `json:"disable_context"`
	DisableSearch  bool `json:"disable_search"`
}

// Policy phrase patterns.
var (
	noToolsRe   = regexp.MustCompile(`(?i)\b(?:no|without|never use|do not use|don't use|dont use)\s+(?:any\s+)?tools?\b`)
	noContextRe = regexp.MustCompile(`(?i)\b(?:no|without|ignore(?:\s+the)?|skip(?:\s+the)?)\s+(?:repo(?:sitory)?\s+)?context\b`)
	noSearchRe  = regexp.MustCompile(`(?i)\b(?:do not|don't|dont|never|no)\s+(?:web\s+)?search(?:ing|es)?\b`)
)

// DerivePolicy infers disabled tool families from free text such as
// instructions, the system message, or the goal.
func DerivePolicy(text string) Policy {
	return Policy{
		DisableAll:     noToolsRe.MatchString(text),
		DisableContext: noContextRe.MatchString(text),
		DisableSearch:  noSearchRe.MatchString(text),
	}
}

// merge combines inferred policy with explicit options. Either source
// can disable a family; neither can re-enable it.
func (p Policy) merge(o Options) Policy {
	return Policy{
		DisableAll:     p.DisableAll || o.DisableTools,
		DisableContext: p.DisableContext || o.DisableContextTools,
		DisableSearch:  p.DisableSearch || o.DisableSearchTools,
	}
}
