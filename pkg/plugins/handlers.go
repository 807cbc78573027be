package plugins

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/distforge/distforge/pkg/executor"
)

// Environment variables exported into stage cages.
const (
	envDist            = "DIST"
	envPackageSet      = "PACKAGE_SET"
	envVerbose         = "VERBOSE"
	envDebug           = "DEBUG"
	envBackendVMM      = "BACKEND_VMM"
	envUpstreamVersion = "USE_UPSTREAM_REPO_VERSION"
	envUpstreamTesting = "USE_UPSTREAM_REPO_TESTING"
)

// In-cage paths without dedicated placeholders, rooted under the
// builder directory.
const (
	cageRepository = executor.PlaceholderBuilderDir + "/repository"
	cageKeyring    = executor.PlaceholderBuilderDir + "/keyring"
	cageKeys       = executor.PlaceholderPluginsDir + "/fetch/keys"
	cageCache      = executor.PlaceholderBuilderDir + "/cache"
)

// optionsEnv builds the environment every recipe exports: the
// verbosity toggles and the virtualization backend flavor.
func optionsEnv(opts Options) map[string]string {
	env := make(map[string]string)
	if opts.Verbose {
		env[envVerbose] = "1"
	}
	if opts.Debug {
		env[envDebug] = "1"
	}
	if opts.BackendVMM != "" {
		env[envBackendVMM] = opts.BackendVMM
	}
	return env
}

// baseEnv extends optionsEnv with the target identity and upstream
// repo toggles of a distribution-scoped recipe.
func baseEnv(req *Request) map[string]string {
	env := optionsEnv(req.Options)
	env[envDist] = req.Distribution.Name
	env[envPackageSet] = string(req.Distribution.PackageSet)
	if req.Options.UpstreamRelease != "" {
		env[envUpstreamVersion] = req.Options.UpstreamRelease
		if req.Options.UpstreamTesting {
			env[envUpstreamTesting] = "1"
		}
	}
	return env
}

// payloadCopyIn stages the named payload trees into the cage's plugin
// directory. Every named payload must exist in a configured plugin
// directory.
func payloadCopyIn(req *Request, names ...string) ([]executor.TransferSpec, error) {
	plan := make([]executor.TransferSpec, 0, len(names))
	for _, name := range names {
		dir, err := req.Payload(name)
		if err != nil {
			return nil, err
		}
		plan = append(plan, executor.TransferSpec{
			Source:      dir,
			Destination: executor.PlaceholderPluginsDir,
		})
	}
	return plan, nil
}

// mockIsolation picks the mock isolation mode for the backend: nspawn
// needs a real machine, containers get simple chroot isolation.
func mockIsolation(kind executor.Kind) string {
	if kind.IsContainer() {
		return "--isolation=simple"
	}
	return "--isolation=nspawn"
}

// sudoPreserveEnv renders the sudo prefix that forwards the recipe
// environment across the privilege boundary. Keys are sorted so the
// command line is stable.
func sudoPreserveEnv(env map[string]string) string {
	if len(env) == 0 {
		return "sudo"
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return "sudo --preserve-env=" + strings.Join(keys, ",")
}

// envAssignments renders the environment as a sorted KEY=VALUE list
// for an env(1) prefix inside a chroot invocation.
func envAssignments(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+env[key])
	}
	return strings.Join(parts, " ")
}

// shellQuote wraps s in single quotes for safe interpolation into a
// shell command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// hostFileExists reports whether a regular file exists on the host.
// Handlers stay pure except for these cache probes: a prepared chroot
// cache is an optional input discovered at resolve time.
func hostFileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// hostDirExists reports whether a directory exists on the host.
func hostDirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// checkFilename rejects artifact names unsafe to interpolate into
// commands. The echoed name is sanitized first.
func checkFilename(name, forcedExt string) error {
	if !ValidFilename(name, forcedExt) {
		return fmt.Errorf("invalid filename %q", sanitize(name))
	}
	return nil
}
