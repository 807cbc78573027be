package executor

import (
	"sort"
	"strings"
)

// ShellQuote wraps s in single quotes for safe interpolation into a
// shell command line. Embedded single quotes are closed, escaped, and
// reopened.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ShellCommand wraps command in a quoted bash -c invocation with the
// environment prefixed through env(1), in sorted key order. The result
// survives one level of remote shell interpretation.
func ShellCommand(env map[string]string, command string) string {
	invocation := "bash -c " + ShellQuote(command)
	if len(env) == 0 {
		return invocation
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(env)+2)
	parts = append(parts, "env")
	for _, k := range keys {
		parts = append(parts, k+"="+ShellQuote(env[k]))
	}
	parts = append(parts, invocation)
	return strings.Join(parts, " ")
}

// ShellExports renders env as newline-separated export statements with
// quoted values, in sorted key order. The result is empty when env is.
func ShellExports(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString("export ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(ShellQuote(env[k]))
		b.WriteString("\n")
	}
	return b.String()
}
