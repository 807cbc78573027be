package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// configSchema types the known configuration keys. The struct stays
// open so plugin-specific keys pass through untyped; the named entry
// shape covers the five list sections after flattening.
const configSchema = `
#Entry: string | {[string]: null | {...}}

#Executor: {
	type?: "local" | "docker" | "podman" | "qubes" | "ssh"
	options?: {...}
}

#Config: {
	release?:               string | number
	verbose?:               bool
	debug?:                 bool
	parallelism?:           int & >0
	timeout?:               int & >0
	"artifacts-dir"?:       string
	"skip-if-exists"?:      bool
	"skip-git-fetch"?:      bool
	"fetch-versions-only"?: bool
	"backend-vmm"?:         string
	"gpg-client"?:          string
	"sign-key"?:            {[string]: string}
	"min-age-days"?:        int & >=0
	"repository-publish"?:  {[string]: string}
	"repository-upload-remote-host"?: {[string]: string}
	"template-root-size"?:            string
	"template-root-with-partitions"?: bool
	git?: {
		baseurl?:     string
		prefix?:      string
		branch?:      string
		maintainers?: [...string]
		...
	}
	executor?:      #Executor
	distributions?: [...#Entry]
	templates?:     [...#Entry]
	components?:    [...#Entry]
	stages?:        [...#Entry]
	plugins?:       [...#Entry]
	"plugins-dirs"?:                          [...string]
	"policy-dirs"?:                           [...string]
	"insecure-skip-checking"?:                [...string]
	"less-secure-signed-commits-sufficient"?: [...string]
	...
}
`

// validateSchema checks the merged configuration tree against the CUE
// definition. Unknown keys are allowed; known keys with the wrong shape
// are rejected with the CUE diagnostics.
func validateSchema(conf map[string]any) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(configSchema, cue.Filename("config_schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("failed to compile configuration schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("configuration schema has no #Config definition: %w", err)
	}

	data := ctx.Encode(conf)
	if err := data.Err(); err != nil {
		return fmt.Errorf("failed to encode configuration for validation: %w", err)
	}

	unified := def.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid configuration: %s", cueDetails(err))
	}
	return nil
}

// cueDetails flattens a CUE error list into one diagnostic line per
// failure.
func cueDetails(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}
