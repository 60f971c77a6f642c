package git

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// AgentNotesFile is written into the working copy for the agent to read and
// kept out of commits through .git/info/exclude.
const AgentNotesFile = "CLAUDE.md"

// GuidelineFiles are checked in order by ReadGuidelines.
var GuidelineFiles = []string{
	"CONTRIBUTING.md",
	"CONTRIBUTING.rst",
	"CONTRIBUTING.txt",
	".github/CONTRIBUTING.md",
	".github/PULL_REQUEST_TEMPLATE.md",
}

const (
	guidelineLines = 200
	readmeLines    = 100
	metadataBytes  = 3000
	treeDepth      = 2
	treeEntries    = 200
)

var readmeFiles = []string{"README.md", "README.rst", "README.txt", "README"}

var metadataFiles = []string{"pyproject.toml", "package.json", "Cargo.toml", "go.mod", "pom.xml", "setup.py", "setup.cfg"}

var skipDirs = map[string]bool{".git": true, "node_modules": true, ".venv": true, "vendor": true, "__pycache__": true}

// ReadGuidelines concatenates the first lines of every contributing
// guideline file present in dir as "--- name ---" sections. It returns the
// text and the files found.
func ReadGuidelines(dir string) (string, []string) {
	var b strings.Builder
	var found []string
	for _, name := range GuidelineFiles {
		head, err := headLines(filepath.Join(dir, filepath.FromSlash(name)), guidelineLines)
		if err != nil {
			continue
		}
		found = append(found, name)
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", name, head)
	}
	return b.String(), found
}

// headLines returns up to n lines of a regular file, newlines included.
func headLines(path string, n int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if info, err := f.Stat(); err != nil || !info.Mode().IsRegular() {
		return "", errors.New("not a regular file")
	}

	var b strings.Builder
	r := bufio.NewReader(f)
	for i := 0; i < n; i++ {
		line, err := r.ReadString('\n')
		b.WriteString(line)
		if err != nil {
			break
		}
	}
	return b.String(), nil
}

// WriteAgentNotes writes content to the notes file in dir and adds it to
// .git/info/exclude. A failure to update the exclude file is ignored.
func WriteAgentNotes(dir, content string) error {
	if err := os.WriteFile(filepath.Join(dir, AgentNotesFile), []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", AgentNotesFile, err)
	}

	exclude := filepath.Join(dir, ".git", "info", "exclude")
	if data, err := os.ReadFile(exclude); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) == AgentNotesFile {
				return nil
			}
		}
	}
	if err := os.MkdirAll(filepath.Dir(exclude), 0755); err != nil {
		return nil
	}
	f, err := os.OpenFile(exclude, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil
	}
	defer f.Close()
	_, _ = io.WriteString(f, "\n"+AgentNotesFile+"\n")
	return nil
}

// RemoveAgentNotes deletes the notes file. A missing file is fine.
func RemoveAgentNotes(dir string) {
	_ = os.Remove(filepath.Join(dir, AgentNotesFile))
}

// GatherContext summarizes dir for the agent prompt: a shallow file tree,
// the head of the README and the head of the package metadata file.
func GatherContext(dir string) string {
	var parts []string

	files := fileTree(dir)
	if files != nil {
		shown := files
		if len(shown) > treeEntries {
			shown = shown[:treeEntries]
		}
		parts = append(parts,
			fmt.Sprintf("## Repository file tree (top %d levels, %d files):", treeDepth, len(files)),
			strings.Join(shown, "\n"))
	}

	for _, name := range readmeFiles {
		head, err := headLines(filepath.Join(dir, name), readmeLines)
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("\n## %s (first %d lines):\n%s", name, readmeLines, head))
		break
	}

	for _, name := range metadataFiles {
		data, err := readHead(filepath.Join(dir, name), metadataBytes)
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("\n## %s:\n%s", name, data))
		break
	}

	return strings.Join(parts, "\n")
}

// fileTree lists regular files at most treeDepth levels below dir as
// "./path" entries, skipping VCS, dependency and cache directories.
func fileTree(dir string) []string {
	files := []string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil || rel == "." {
			return nil
		}
		depth := strings.Count(filepath.ToSlash(rel), "/") + 1
		if d.IsDir() {
			if skipDirs[d.Name()] || depth >= treeDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, "./"+filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil
	}
	return files
}

func readHead(path string, n int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, n))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
