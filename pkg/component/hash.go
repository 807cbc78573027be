package component

import (
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// SourceHash returns a SHA-512 digest of the source tree contents. Entries
// are hashed in case-insensitive name order so the digest is stable across
// filesystems; .git directories and paths ignored by each directory's
// .gitignore are excluded so local build residue never changes the hash.
// The digest is cached for the component's lifetime. SourceHash is safe
// for concurrent use; concurrent callers for one component serialize.
func (c *Component) SourceHash() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sourceHash != "" {
		return c.sourceHash, nil
	}
	h := sha512.New()
	if err := hashTree(c.SourceDir, nil, h); err != nil {
		return "", fmt.Errorf("component %s: %w", c.Name, err)
	}
	c.sourceHash = fmt.Sprintf("%x", h.Sum(nil))
	return c.sourceHash, nil
}

// hashTree feeds one directory level into h. Each level's .gitignore adds
// patterns scoped to that level, stacked on the parent's.
func hashTree(dir string, parent []gitignore.Pattern, h hash.Hash) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("cannot find directory %s", dir)
	}

	patterns := parent
	if lines, err := readIgnoreFile(filepath.Join(dir, ".gitignore")); err != nil {
		return err
	} else if len(lines) > 0 {
		patterns = append(append([]gitignore.Pattern{}, parent...), lines...)
	}
	matcher := gitignore.NewMatcher(patterns)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading directory %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})

	for _, entry := range entries {
		name := entry.Name()
		if name == ".git" {
			continue
		}
		if matcher.Match([]string{name}, entry.IsDir()) {
			continue
		}
		h.Write([]byte(name))
		path := filepath.Join(dir, name)
		if entry.IsDir() {
			if err := hashTree(path, patterns, h); err != nil {
				return err
			}
			continue
		}
		if entry.Type().IsRegular() {
			if err := hashFile(path, h); err != nil {
				return err
			}
		}
	}
	return nil
}

func hashFile(path string, h hash.Hash) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hashing %s: %w", path, err)
	}
	return nil
}

func readIgnoreFile(path string) ([]gitignore.Pattern, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var patterns []gitignore.Pattern
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	return patterns, nil
}
