// Package template models the OS templates the pipeline builds: a named
// guest image rooted in one vm distribution, optionally flavored.
package template

import (
	"fmt"
	"strings"
	"time"

	"github.com/distforge/distforge/pkg/dist"
)

// Template describes one buildable guest template. Templates run the same
// stage pipeline as packages, with template-specific handlers.
type Template struct {
	// Name of the template, e.g. "fedora-41-xfce".
	Name string

	// Distribution the template is built from. Always the vm package
	// set; a bare name like "fc41" is accepted and prefixed.
	Distribution *dist.Distribution

	// Flavor selects a template variant, e.g. "minimal", "xfce".
	Flavor string

	// Options are free-form switches passed to the template build
	// handlers.
	Options []string

	// Timeout bounds each stage's command execution for this template.
	Timeout time.Duration

	// timestamp is the build timestamp recorded at prep and threaded
	// through publish and upload. Empty until set.
	timestamp string
}

// New resolves a template definition. The distribution may omit the "vm-"
// prefix; a host distribution is rejected.
func New(name, distribution string) (*Template, error) {
	if name == "" {
		return nil, fmt.Errorf("empty template name")
	}
	if distribution == "" || strings.HasPrefix(distribution, "host-") {
		return nil, fmt.Errorf("template %s: invalid distribution %q", name, distribution)
	}
	if !strings.HasPrefix(distribution, "vm-") {
		distribution = "vm-" + distribution
	}
	d, err := dist.Parse(distribution)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	return &Template{
		Name:         name,
		Distribution: d,
		Timeout:      time.Hour,
	}, nil
}

// String returns the template name, with options when present.
func (t *Template) String() string {
	if len(t.Options) == 0 {
		return t.Name
	}
	return fmt.Sprintf("%s (options: %s)", t.Name, strings.Join(t.Options, ","))
}

// TimestampLayout is the template build timestamp format, minute-resolution
// UTC.
const TimestampLayout = "200601021504"

// SetTimestamp records the build timestamp for this run.
func (t *Template) SetTimestamp(at time.Time) {
	t.timestamp = at.UTC().Format(TimestampLayout)
}

// Timestamp returns the recorded build timestamp, or an error when no prep
// stage has recorded one yet.
func (t *Template) Timestamp() (string, error) {
	if t.timestamp == "" {
		return "", fmt.Errorf("template %s: no build timestamp recorded", t.Name)
	}
	return t.timestamp, nil
}

// ParseTimestamp validates a stored timestamp string and loads it.
func (t *Template) ParseTimestamp(value string) error {
	value = strings.TrimSpace(value)
	if _, err := time.Parse(TimestampLayout, value); err != nil {
		return fmt.Errorf("template %s: invalid build timestamp %q: %w", t.Name, value, err)
	}
	t.timestamp = value
	return nil
}
