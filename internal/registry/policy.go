package registry

import (
	"context"

	"github.com/triage-ai/palisade/services/toolplane/internal/classify"
)

// ToolPolicy is an operator override for one exposed tool. Empty fields
// leave the classifier's decision in place.
type ToolPolicy struct {
	ToolName  string
	Operation classify.Operation // "", "read" or "write"
	Risk      classify.Risk      // "", "low", "medium" or "high"
	Enabled   bool
	// AllowUnclassified exposes the tool even when strict mode would hide it
	// because no classifier rule matched its name.
	AllowUnclassified bool
	Description       string
	// DeniedCallers lists caller ids refused at call time.
	DeniedCallers []string
}

// PolicyStore provides tool policies. A nil policy with a nil error means
// no override exists for the tool.
type PolicyStore interface {
	GetPolicy(ctx context.Context, toolName string) (*ToolPolicy, error)
}

// StaticPolicyStore serves policies loaded from configuration.
type StaticPolicyStore map[string]*ToolPolicy

func (s StaticPolicyStore) GetPolicy(_ context.Context, toolName string) (*ToolPolicy, error) {
	return s[toolName], nil
}

func (p *ToolPolicy) denies(caller string) bool {
	for _, c := range p.DeniedCallers {
		if c == caller {
			return true
		}
	}
	return false
}

// apply folds the override into a classifier result.
func (p *ToolPolicy) apply(cls classify.Classification) classify.Classification {
	if p == nil {
		return cls
	}
	if p.Operation != "" && p.Operation != cls.Operation {
		cls.Operation = p.Operation
		cls.Matched = true
		cls.Rule = "policy"
		if cls.Operation == classify.Write {
			cls.Risk = classify.Medium
		} else {
			cls.Risk = classify.Low
		}
	}
	if p.Risk != "" {
		cls.Risk = p.Risk
	}
	return cls
}
