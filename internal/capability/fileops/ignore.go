package fileops

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// ignoreFiles are read from every directory file_list walks.
var ignoreFiles = []string{".gitignore", ".orbitignore"}

// ignoreRules accumulates gitignore patterns while walking a tree. Patterns
// from a directory apply to everything beneath it, as in git.
type ignoreRules struct {
	root     string
	patterns []gitignore.Pattern
	matcher  gitignore.Matcher
}

func newIgnoreRules(root string) *ignoreRules {
	r := &ignoreRules{root: root}
	r.matcher = gitignore.NewMatcher(nil)
	return r
}

// load adds the ignore files of dir.
func (r *ignoreRules) load(dir string) error {
	domain := r.parts(dir)
	added := false
	for _, name := range ignoreFiles {
		lines, err := readIgnoreFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		for _, line := range lines {
			r.patterns = append(r.patterns, gitignore.ParsePattern(line, domain))
			added = true
		}
	}
	if added {
		r.matcher = gitignore.NewMatcher(r.patterns)
	}
	return nil
}

// ignored reports whether path is excluded.
func (r *ignoreRules) ignored(path string, isDir bool) bool {
	parts := r.parts(path)
	if len(parts) == 0 {
		return false
	}
	return r.matcher.Match(parts, isDir)
}

func (r *ignoreRules) parts(path string) []string {
	rel, err := filepath.Rel(r.root, path)
	if err != nil || rel == "." {
		return nil
	}
	return strings.Split(filepath.ToSlash(rel), "/")
}

// readIgnoreFile returns the pattern lines of a gitignore-style file.
// Comments and blank lines are dropped.
func readIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}
