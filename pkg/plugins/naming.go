package plugins

import (
	"fmt"
	"path"
	"strings"

	"github.com/distforge/distforge/pkg/component"
)

// UntrustedPrefix marks downloaded files that have not been verified
// yet. Download scripts write "untrusted_<name>" and rename only after
// the checksum or signature check passes.
const UntrustedPrefix = "untrusted_"

const filenameAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_.+"

// ValidFilename reports whether name is safe to interpolate into a
// shell command and into the artifact tree. Empty names, names opening
// with a dash or a dot, and names with characters outside the letters,
// digits and -_.+ set are rejected. A non-empty forcedExt additionally
// requires that exact suffix.
func ValidFilename(name, forcedExt string) bool {
	if name == "" {
		return false
	}
	if name[0] == '-' || name[0] == '.' {
		return false
	}
	if forcedExt != "" && !strings.HasSuffix(name, forcedExt) {
		return false
	}
	for _, r := range name {
		if !strings.ContainsRune(filenameAlphabet, r) {
			return false
		}
	}
	return true
}

// sanitize maps bytes outside printable ASCII to dots so untrusted
// names can be echoed into logs and error messages.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c > 0x7e {
			c = '.'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// archiveName returns the on-disk name a downloaded file ends up with:
// the URL base name, minus the compression suffix when the download is
// uncompressed in place.
func archiveName(url string, uncompress bool) string {
	name := path.Base(url)
	if uncompress {
		if ext := path.Ext(name); ext != "" {
			name = strings.TrimSuffix(name, ext)
		}
	}
	return name
}

// distfileName resolves the cached name of one external file entry:
// the archive name for plain downloads, or the repository snapshot
// name for git entries, which must pin a branch or tag.
func distfileName(file component.FileSpec) (string, error) {
	if file.GitURL != "" {
		if file.GitBranch == "" {
			return "", fmt.Errorf("git archive %s needs a branch or tag", sanitize(file.GitURL))
		}
		repo := strings.TrimSuffix(path.Base(file.GitURL), ".git")
		return fmt.Sprintf("%s-%s.tar.gz", repo, file.GitBranch), nil
	}
	return archiveName(file.URL, file.Uncompress), nil
}
