package retry

import (
	"encoding/json"

	"github.com/emberq/emberq/pkg/core"
)

// policyOption carries a call-site policy in its wire encoding.
type policyOption struct {
	raw json.RawMessage
}

func (o policyOption) Apply(t *core.TaskOptions) {
	t.RetryPolicy = o.raw
}

// WithPolicy overrides the registered retry policy for one submission.
// The policy travels in an envelope header, so remote workers honor it
// too. A max-retries pin on the same submission still wins the budget.
func WithPolicy(p Policy) core.Option {
	raw, err := json.Marshal(p)
	if err != nil {
		// Policy has only plain scalar and slice fields; Marshal cannot
		// fail on it.
		return policyOption{}
	}
	return policyOption{raw: raw}
}
