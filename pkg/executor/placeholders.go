package executor

import (
	"fmt"
	"strings"
)

// Directory placeholders accepted in recipe commands and staged files.
// Backends substitute them with the cage's actual paths before execution,
// so recipes stay independent of where a particular backend mounts its
// builder tree.
const (
	PlaceholderBuilderDir   = "@BUILDER_DIR@"
	PlaceholderBuildDir     = "@BUILD_DIR@"
	PlaceholderPluginsDir   = "@PLUGINS_DIR@"
	PlaceholderDistfilesDir = "@DISTFILES_DIR@"
)

// Placeholders returns the substitution table for the cage's layout.
func Placeholders(c Cage) map[string]string {
	return map[string]string{
		PlaceholderBuilderDir:   c.RootDir(),
		PlaceholderBuildDir:     c.BuildDir(),
		PlaceholderPluginsDir:   c.PluginsDir(),
		PlaceholderDistfilesDir: c.DistfilesDir(),
	}
}

// ReplacePlaceholders rewrites every directory placeholder in s with the
// cage's actual paths.
func ReplacePlaceholders(c Cage, s string) string {
	for key, val := range Placeholders(c) {
		s = strings.ReplaceAll(s, key, val)
	}
	return s
}

// ReplacePlaceholderPaths maps ReplacePlaceholders over a path list.
func ReplacePlaceholderPaths(c Cage, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = ReplacePlaceholders(c, p)
	}
	return out
}

// RenderTransfers resolves the directory placeholders in a transfer
// plan against the cage. Host-side paths carry no placeholders and pass
// through unchanged.
func RenderTransfers(c Cage, plan []TransferSpec) []TransferSpec {
	out := make([]TransferSpec, len(plan))
	for i, spec := range plan {
		out[i] = TransferSpec{
			Source:      ReplacePlaceholders(c, spec.Source),
			Destination: ReplacePlaceholders(c, spec.Destination),
		}
	}
	return out
}

// RenderCommand resolves a run spec against the cage: staged
// placeholder files gain a sed rewrite prefix, then the directory
// placeholders in the command chain itself are replaced.
func RenderCommand(c Cage, spec RunSpec) string {
	body := ""
	if len(spec.PlaceholderFiles) > 0 {
		files := ReplacePlaceholderPaths(c, spec.PlaceholderFiles)
		body = fmt.Sprintf("sed -i 's#%s#%s#g' %s;",
			PlaceholderBuilderDir, c.RootDir(), strings.Join(files, " "))
	}
	return body + ReplacePlaceholders(c, spec.Command())
}
