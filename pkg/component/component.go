// Package component models buildable source units: their resolved version
// and release, their git source state, and the declarative build manifest
// rendered from the source tree.
package component

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// describeRe splits a release tag like "v4.2.1-3" into version and release.
var describeRe = regexp.MustCompile(`^v?([0-9]+(?:\.[0-9]+)*)-([0-9]+.*)$`)

// dottedRe accepts plain dotted versions of any depth, which covers
// upstream four-part kernel versions that strict semver rejects.
var dottedRe = regexp.MustCompile(`^[0-9]+(?:\.[0-9]+)*$`)

// Component is a named source unit. Fields are filled from configuration;
// version and release are resolved lazily from the fetched source tree.
type Component struct {
	// Name of the component, also its directory name under sources.
	Name string

	// SourceDir is where the fetched source tree lives,
	// conventionally artifacts/sources/<name>.
	SourceDir string

	// URL is the git remote the fetch stage clones from.
	URL string

	// Branch to fetch. Defaults to main.
	Branch string

	// Maintainers lists the GPG key fingerprints allowed to sign the
	// tags or commits being fetched.
	Maintainers []string

	// InsecureSkipChecking disables signature verification entirely.
	InsecureSkipChecking bool

	// SignedCommitsSufficient accepts a signed commit when no signed
	// tag is present.
	SignedCommitsSufficient bool

	// HasPackages is false for components that only carry plugins or
	// configuration and produce no packages.
	HasPackages bool

	// Timeout bounds each stage's command execution for this component.
	Timeout time.Duration

	// mu guards the lazily resolved fields below. One component is
	// shared by every job unit built from it, and units for different
	// distributions resolve concurrently.
	mu         sync.Mutex
	version    string
	release    string
	sourceHash string
}

// New returns a component with defaults applied. The configuration layer
// overrides fields from the builder configuration afterwards.
func New(name, sourceDir string) *Component {
	return &Component{
		Name:        name,
		SourceDir:   sourceDir,
		Branch:      "main",
		HasPackages: true,
		Timeout:     time.Hour,
	}
}

// String returns the component name.
func (c *Component) String() string {
	return c.Name
}

// Fetched reports whether the source tree is present on disk.
func (c *Component) Fetched() bool {
	info, err := os.Stat(c.SourceDir)
	return err == nil && info.IsDir()
}

// Resolve determines the component's version and release from the fetched
// source tree. A "version" file at the source root wins; without one the
// closest reachable release tag (v<version>-<release>) is used. The "rel"
// file supplies the release, defaulting to "1". Resolve is idempotent
// and safe for concurrent use.
func (c *Component) Resolve() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version != "" {
		return nil
	}
	if !c.Fetched() {
		return fmt.Errorf("component %s: source directory %s not found", c.Name, c.SourceDir)
	}

	version, release, err := c.resolveVersion()
	if err != nil {
		return err
	}

	if release == "" {
		release, err = c.resolveRelease(version)
		if err != nil {
			return err
		}
	}

	c.version = version
	c.release = release
	return nil
}

func (c *Component) resolveVersion() (version, release string, err error) {
	versionFile := filepath.Join(c.SourceDir, "version")
	data, readErr := os.ReadFile(versionFile)
	if readErr == nil {
		version = firstLine(string(data))
		if !isValidVersion(version) {
			return "", "", fmt.Errorf("component %s: invalid version %q", c.Name, version)
		}
		return version, "", nil
	}
	if !os.IsNotExist(readErr) {
		return "", "", fmt.Errorf("component %s: reading version file: %w", c.Name, readErr)
	}

	// No version file: fall back to the closest release tag.
	tag, tagErr := c.describeTag()
	if tagErr != nil {
		return "", "", fmt.Errorf("component %s: cannot determine version: %w", c.Name, tagErr)
	}
	m := describeRe.FindStringSubmatch(tag)
	if len(tag) > 255 || m == nil {
		return "", "", fmt.Errorf("component %s: invalid version tag %q", c.Name, tag)
	}
	return m[1], m[2], nil
}

func (c *Component) resolveRelease(version string) (string, error) {
	relFile := filepath.Join(c.SourceDir, "rel")
	data, err := os.ReadFile(relFile)
	if os.IsNotExist(err) {
		return "1", nil
	}
	if err != nil {
		return "", fmt.Errorf("component %s: reading rel file: %w", c.Name, err)
	}
	release := firstLine(string(data))
	if !isValidRelease(release) {
		return "", fmt.Errorf("component %s: invalid release %q for version %q", c.Name, release, version)
	}
	return release, nil
}

// Version returns the resolved upstream version. Resolve must have
// succeeded first.
func (c *Component) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Release returns the resolved release number, "1" when no rel file
// exists.
func (c *Component) Release() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.release
}

// VersionRelease returns "<version>-<release>", the directory name used
// under artifacts/components/<name>/.
func (c *Component) VersionRelease() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version + "-" + c.release
}

// SourceCommitHash returns the commit hash HEAD resolves to in the fetched
// source tree.
func (c *Component) SourceCommitHash() (string, error) {
	repo, err := git.PlainOpen(c.SourceDir)
	if err != nil {
		return "", fmt.Errorf("component %s: opening git repository: %w", c.Name, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("component %s: resolving HEAD: %w", c.Name, err)
	}
	return head.Hash().String(), nil
}

// describeTag finds the closest v-prefixed tag reachable from HEAD,
// walking history from HEAD outwards.
func (c *Component) describeTag() (string, error) {
	repo, err := git.PlainOpen(c.SourceDir)
	if err != nil {
		return "", fmt.Errorf("opening git repository: %w", err)
	}

	tags, err := repo.Tags()
	if err != nil {
		return "", fmt.Errorf("listing tags: %w", err)
	}
	tagged := make(map[plumbing.Hash]string)
	err = tags.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		if !strings.HasPrefix(name, "v") {
			return nil
		}
		hash := ref.Hash()
		if tagObj, tagErr := repo.TagObject(hash); tagErr == nil {
			hash = tagObj.Target
		}
		tagged[hash] = name
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("iterating tags: %w", err)
	}
	if len(tagged) == 0 {
		return "", fmt.Errorf("no release tags found")
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	log, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return "", fmt.Errorf("walking history: %w", err)
	}
	defer log.Close()

	var found string
	err = log.ForEach(func(commit *object.Commit) error {
		if name, ok := tagged[commit.Hash]; ok {
			found = name
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walking history: %w", err)
	}
	if found == "" {
		return "", fmt.Errorf("no release tag reachable from HEAD")
	}
	return found, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

// isValidVersion accepts anything semver parses, or a plain dotted version
// for upstreams with more than three parts.
func isValidVersion(s string) bool {
	if s == "" || len(s) > 255 {
		return false
	}
	if _, err := semver.NewVersion(s); err == nil {
		return true
	}
	return dottedRe.MatchString(s)
}

// isValidRelease accepts dotted release numbers ("1", "2.1").
func isValidRelease(s string) bool {
	return s != "" && len(s) <= 255 && dottedRe.MatchString(s)
}
