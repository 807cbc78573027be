// Package stage defines the ordered build pipeline stage vocabulary.
//
// Stage order is a strict total order shared by every pipeline: packages,
// templates and installer images all move through the same sequence. The
// scheduler finishes one stage for every unit before the next stage starts.
package stage

import (
	"fmt"
	"sort"
)

// Canonical stage names, in pipeline order.
const (
	Fetch   = "fetch"
	Prep    = "prep"
	Build   = "build"
	Post    = "post"
	Verify  = "verify"
	Sign    = "sign"
	Publish = "publish"
	Upload  = "upload"
)

// Order lists all stages in pipeline order.
var Order = []string{Fetch, Prep, Build, Post, Verify, Sign, Publish, Upload}

// aliases maps short CLI spellings to canonical names. prep has no alias:
// a bare "p" would be ambiguous with post and publish.
var aliases = map[string]string{
	"f":  Fetch,
	"b":  Build,
	"po": Post,
	"v":  Verify,
	"s":  Sign,
	"pu": Publish,
	"u":  Upload,
}

// indexOf maps canonical names to their pipeline position.
var indexOf = func() map[string]int {
	m := make(map[string]int, len(Order))
	for i, name := range Order {
		m[name] = i
	}
	return m
}()

// Preconditions maps each stage to the stages whose artifacts must exist
// before it becomes eligible.
var Preconditions = map[string][]string{
	Prep:    {Fetch},
	Build:   {Prep},
	Post:    {Build},
	Verify:  {Build},
	Sign:    {Build},
	Publish: {Sign},
	Upload:  {Publish},
}

// Normalize resolves a stage name or alias to its canonical name.
func Normalize(name string) (string, error) {
	if canonical, ok := aliases[name]; ok {
		return canonical, nil
	}
	if _, ok := indexOf[name]; ok {
		return name, nil
	}
	return "", fmt.Errorf("unknown stage %q", name)
}

// NormalizeAll resolves a list of names or aliases, deduplicates them and
// returns them sorted in pipeline order. Requested argument order never
// changes execution order.
func NormalizeAll(names []string) ([]string, error) {
	seen := make(map[string]bool, len(names))
	var result []string
	for _, name := range names {
		canonical, err := Normalize(name)
		if err != nil {
			return nil, err
		}
		if !seen[canonical] {
			seen[canonical] = true
			result = append(result, canonical)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return indexOf[result[i]] < indexOf[result[j]]
	})
	return result, nil
}

// IsValid reports whether name is a canonical stage name.
func IsValid(name string) bool {
	_, ok := indexOf[name]
	return ok
}

// Index returns the pipeline position of a canonical stage name, or -1 for
// an unknown name.
func Index(name string) int {
	i, ok := indexOf[name]
	if !ok {
		return -1
	}
	return i
}

// Before reports whether stage a runs strictly before stage b. Unknown
// names are never before anything.
func Before(a, b string) bool {
	ia, oka := indexOf[a]
	ib, okb := indexOf[b]
	return oka && okb && ia < ib
}

// ForbiddenPatterns returns the substrings that must never appear in
// component manifest data: parent directory traversal, plus the marker file
// suffixes for every stage so a manifest cannot smuggle paths that collide
// with recorded stage state.
func ForbiddenPatterns() []string {
	patterns := []string{".."}
	for _, name := range Order {
		patterns = append(patterns, "."+name+".yml", "."+name+".yaml")
	}
	return patterns
}
