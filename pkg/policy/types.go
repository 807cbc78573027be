package policy

import (
	"strings"
	"time"
)

// Policy is one Rego release policy. Every rule set evaluated by the
// gate exposes a deny set; any member blocks the publication.
type Policy struct {
	// Name identifies the policy, the file basename for loaded ones.
	Name string `json:"name"`

	// Description is a one-line summary shown by policy listings.
	Description string `json:"description"`

	// Rego is the policy source.
	Rego string `json:"rego"`

	// Source is "builtin" or the file path the policy was loaded from.
	Source string `json:"source"`
}

// Input is the document policies evaluate against, one publication.
type Input struct {
	Component    string `json:"component"`
	Distribution string `json:"distribution"`
	PackageSet   string `json:"package_set"`
	Repository   string `json:"repository"`

	// SignedAt is the sign marker's completion time in RFC 3339, empty
	// when the tuple was never signed.
	SignedAt string `json:"signed_at"`

	// AgeDays is the time since signing, in days.
	AgeDays float64 `json:"age_days"`

	HasSignedArtifacts bool `json:"has_signed_artifacts"`

	// MinAgeDays is the configured testing age a stable publication
	// must reach.
	MinAgeDays int `json:"min_age_days"`
}

// Violation is one deny result.
type Violation struct {
	// Policy names the rule set that produced the violation.
	Policy string `json:"policy"`

	// Message explains the denial.
	Message string `json:"message"`
}

// Decision is the outcome of evaluating every policy against one
// publication.
type Decision struct {
	Allowed     bool        `json:"allowed"`
	Violations  []Violation `json:"violations,omitempty"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

// DenialError is the error a denied publication surfaces to the
// scheduler. It carries every violation so the operator sees the full
// reason, not just the first rule that fired.
type DenialError struct {
	Repository string
	Violations []Violation
}

// Error implements the error interface.
func (e *DenialError) Error() string {
	if len(e.Violations) == 1 {
		return e.Violations[0].Message
	}
	messages := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		messages = append(messages, v.Message)
	}
	return "publication denied: " + strings.Join(messages, "; ")
}
