// Package dist parses and represents target distribution identifiers.
//
// A distribution is written as "<package-set>-<name>[.<architecture>]",
// e.g. "host-fc41", "vm-trixie.x86_64". The package set selects whether the
// built packages target the control domain ("host") or guest templates
// ("vm"); the name selects the OS flavor and implies the packaging family.
package dist

import (
	"fmt"
	"regexp"
	"strings"
)

// PackageSet selects which half of the system a distribution targets.
type PackageSet string

const (
	// PackageSetHost marks packages destined for the control domain.
	PackageSetHost PackageSet = "host"

	// PackageSetVM marks packages destined for guest templates.
	PackageSetVM PackageSet = "vm"
)

// Validate returns an error if the package set is not a known value.
func (p PackageSet) Validate() error {
	switch p {
	case PackageSetHost, PackageSetVM:
		return nil
	default:
		return fmt.Errorf("unknown package set %q", string(p))
	}
}

// Family identifies the packaging family a distribution belongs to.
// It is the key components use in their manifests to declare per-family
// build input (rpm:, deb:, archlinux:).
type Family string

const (
	FamilyRPM       Family = "rpm"
	FamilyDeb       Family = "deb"
	FamilyArchlinux Family = "archlinux"
)

var (
	fedoraRe       = regexp.MustCompile(`^fc([0-9]+)$`)
	centosStreamRe = regexp.MustCompile(`^centos-stream([0-9]+)$`)
)

// debianReleases maps Debian codenames to their release numbers.
var debianReleases = map[string]string{
	"stretch":  "9",
	"buster":   "10",
	"bullseye": "11",
	"bookworm": "12",
	"trixie":   "13",
}

// debianArchitectures maps kernel architecture names to the dpkg
// architecture names Debian tooling expects.
var debianArchitectures = map[string]string{
	"x86_64":  "amd64",
	"ppc64le": "ppc64el",
}

// Distribution identifies one target OS flavor. It is an immutable value
// resolved once from its identifier string; distribution-scoped stage and
// executor overrides live in the configuration layer, keyed by Raw.
type Distribution struct {
	// Raw is the identifier the distribution was parsed from,
	// e.g. "vm-trixie.x86_64".
	Raw string

	// PackageSet is host or vm.
	PackageSet PackageSet

	// Name is the flavor part of the identifier without the architecture
	// suffix, e.g. "fc41", "centos-stream9", "trixie", "archlinux".
	Name string

	// FullName is the expanded OS name: "fedora", "centos-stream",
	// "debian" or "archlinux".
	FullName string

	// Version is the release number ("41", "9", "13") or "rolling" for
	// Arch Linux.
	Version string

	// Architecture is the target architecture. Defaults to x86_64; for
	// Debian flavors it is normalized to the dpkg name (amd64, ppc64el).
	Architecture string

	// Tag is the short release tag used in package names and repository
	// paths: "fc41", "el9", "deb13", "archlinux".
	Tag string

	// Family is the packaging family implied by the name.
	Family Family
}

// Parse resolves a distribution identifier of the form
// "<package-set>-<name>[.<architecture>]".
func Parse(distribution string) (*Distribution, error) {
	if !strings.HasPrefix(distribution, "vm-") && !strings.HasPrefix(distribution, "host-") {
		return nil, fmt.Errorf("invalid distribution %q: missing package set prefix (host- or vm-)", distribution)
	}

	packageSet, name, _ := strings.Cut(distribution, "-")
	architecture := "x86_64"
	if base, arch, found := strings.Cut(name, "."); found {
		name = base
		architecture = arch
	}

	d := &Distribution{
		Raw:          distribution,
		PackageSet:   PackageSet(packageSet),
		Name:         name,
		Architecture: architecture,
	}
	if err := d.PackageSet.Validate(); err != nil {
		return nil, fmt.Errorf("invalid distribution %q: %w", distribution, err)
	}

	switch {
	case fedoraRe.MatchString(name):
		d.FullName = "fedora"
		d.Version = fedoraRe.FindStringSubmatch(name)[1]
		d.Tag = name
		d.Family = FamilyRPM
	case centosStreamRe.MatchString(name):
		d.FullName = "centos-stream"
		d.Version = centosStreamRe.FindStringSubmatch(name)[1]
		d.Tag = "el" + d.Version
		d.Family = FamilyRPM
	case debianReleases[name] != "":
		d.FullName = "debian"
		d.Version = debianReleases[name]
		if dpkgArch, ok := debianArchitectures[d.Architecture]; ok {
			d.Architecture = dpkgArch
		}
		d.Tag = "deb" + d.Version
		d.Family = FamilyDeb
	case name == "archlinux":
		d.FullName = "archlinux"
		d.Version = "rolling"
		d.Tag = "archlinux"
		d.Family = FamilyArchlinux
	default:
		return nil, fmt.Errorf("unsupported distribution %q", distribution)
	}

	return d, nil
}

// ParseList resolves a list of identifiers, preserving order. Order matters
// to the scheduler: distributions execute in configuration order.
func ParseList(distributions []string) ([]*Distribution, error) {
	parsed := make([]*Distribution, 0, len(distributions))
	for _, raw := range distributions {
		d, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, d)
	}
	return parsed, nil
}

// String returns the canonical expanded form
// "<package-set>-<full-name>-<version>.<architecture>",
// e.g. "vm-debian-13.amd64".
func (d *Distribution) String() string {
	return fmt.Sprintf("%s-%s-%s.%s", d.PackageSet, d.FullName, d.Version, d.Architecture)
}

// Equal reports whether two distributions resolve to the same canonical
// identity.
func (d *Distribution) Equal(other *Distribution) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.String() == other.String()
}

// IsRPM reports whether the distribution uses the RPM packaging family.
func (d *Distribution) IsRPM() bool {
	return d.Family == FamilyRPM
}

// IsDeb reports whether the distribution uses the Debian packaging family.
func (d *Distribution) IsDeb() bool {
	return d.Family == FamilyDeb
}

// IsArchlinux reports whether the distribution targets Arch Linux.
func (d *Distribution) IsArchlinux() bool {
	return d.Family == FamilyArchlinux
}
