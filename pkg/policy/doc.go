// Package policy gates repository publication with Rego rules. The
// builtin policy enforces the recognized repository names, signed
// artifact presence, and the minimum testing age before a stable
// publication; custom .rego files under the configured policy
// directories add further deny rules. The scheduler consults the gate
// before every publish stage runs.
package policy
