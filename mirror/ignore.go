package mirror

import (
	"bufio"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// IgnoreFile is the name of the pattern file read from the uploads root.
const IgnoreFile = ".mirrorignore"

// IgnoreList holds glob patterns excluded from the uploads scan and watcher.
type IgnoreList struct {
	patterns []ignorePattern
}

type ignorePattern struct {
	pattern string
	dirOnly bool // trailing / in source line
}

// LoadIgnoreList reads path and returns its patterns. A missing or unreadable
// file yields an empty list (nothing is ignored).
func LoadIgnoreList(fs afero.Fs, path string) *IgnoreList {
	il := &IgnoreList{}

	f, err := fs.Open(path)
	if err != nil {
		return il
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p := ignorePattern{pattern: line}
		if strings.HasSuffix(line, "/") {
			p.pattern = strings.TrimSuffix(line, "/")
			p.dirOnly = true
		}
		il.patterns = append(il.patterns, p)
	}

	if len(il.patterns) > 0 {
		sub("ignore").Debug("ignore list loaded", "path", path, "patterns", len(il.patterns))
	}
	return il
}

// IsIgnored reports whether an entry name matches any pattern.
// dirOnly patterns only match directories. A nil list ignores nothing.
func (il *IgnoreList) IsIgnored(name string, isDir bool) bool {
	if il == nil {
		return false
	}
	for _, p := range il.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		if matched, _ := filepath.Match(p.pattern, name); matched {
			return true
		}
	}
	return false
}
