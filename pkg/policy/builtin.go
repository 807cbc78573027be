package policy

// BuiltinPolicy is the release policy every gate carries: publications
// go to a recognized repository, carry signed artifacts, and reach the
// stable repository only after the configured testing age.
func BuiltinPolicy() Policy {
	return Policy{
		Name:        "release",
		Description: "Baseline release gating: known repositories, signed artifacts, testing age for stable",
		Source:      "builtin",
		Rego: `package distforge.release

import rego.v1

allowed_repositories := {"current", "current-testing", "security-testing", "unstable"}

deny contains msg if {
	not input.repository in allowed_repositories
	msg := sprintf("repository %q is not a publishable target", [input.repository])
}

deny contains msg if {
	not input.has_signed_artifacts
	msg := sprintf("%s has no signed artifacts for %s", [input.component, input.distribution])
}

deny contains msg if {
	input.repository == "current"
	input.age_days < input.min_age_days
	msg := sprintf("%s for %s needs %d day(s) in a testing repository, has %.1f", [input.component, input.distribution, input.min_age_days, input.age_days])
}
`,
	}
}
