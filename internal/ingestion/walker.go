// Package ingestion drives the analysis pipeline for puretrace: file
// discovery, parallel per-file analysis, cross-file call resolution, graph
// construction, propagation, and loading the results index.
package ingestion

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/puretrace/puretrace/internal/analyzers"
	"github.com/puretrace/puretrace/internal/cache"
)

// FileEntry is one source file selected for analysis.
type FileEntry struct {
	// Path is the absolute file path.
	Path string

	// RelPath is the path relative to the repo root; FunctionIDs use it.
	RelPath string

	// Language is the analyzer language for this file.
	Language string

	// Content is the file content.
	Content []byte

	// Mtime is the modification time in unix seconds.
	Mtime int64
}

// defaultIgnorePatterns are excluded on top of the repository's .gitignore.
var defaultIgnorePatterns = []string{
	".git/",
	cache.DirName + "/",
	"node_modules/",
	"vendor/",
	"__pycache__/",
	".venv/",
	"venv/",
	".tox/",
	".pytest_cache/",
	".mypy_cache/",
	"*.pyc",
	".DS_Store",
}

// WalkRepo walks the repository and returns every file the registry can
// analyze, honoring .gitignore plus the extra configured patterns.
func WalkRepo(root string, registry *analyzers.Registry, extraPatterns []string) ([]FileEntry, error) {
	matcher := buildMatcher(root, extraPatterns)

	var entries []FileEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}

		if d.IsDir() {
			if relPath != "." && matcher.Match(splitPath(relPath), true) {
				return filepath.SkipDir
			}
			return nil
		}

		analyzer, ok := registry.ForPath(path)
		if !ok {
			return nil
		}
		if matcher.Match(splitPath(relPath), false) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		entries = append(entries, FileEntry{
			Path:     path,
			RelPath:  filepath.ToSlash(relPath),
			Language: analyzer.Language(),
			Content:  content,
			Mtime:    info.ModTime().Unix(),
		})
		return nil
	})
	return entries, err
}

// buildMatcher combines the default patterns, the repository's .gitignore,
// and the configured extras into one gitignore matcher.
func buildMatcher(root string, extraPatterns []string) gitignore.Matcher {
	patterns := make([]gitignore.Pattern, 0, len(defaultIgnorePatterns)+len(extraPatterns))
	for _, p := range defaultIgnorePatterns {
		patterns = append(patterns, gitignore.ParsePattern(p, nil))
	}
	patterns = append(patterns, loadGitignore(root)...)
	for _, p := range extraPatterns {
		patterns = append(patterns, gitignore.ParsePattern(p, nil))
	}
	return gitignore.NewMatcher(patterns)
}

// loadGitignore parses the .gitignore at the repository root; a missing or
// unreadable file contributes no patterns.
func loadGitignore(root string) []gitignore.Pattern {
	content, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		return nil
	}

	var patterns []gitignore.Pattern
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	return patterns
}

func splitPath(path string) []string {
	return strings.Split(path, string(filepath.Separator))
}
