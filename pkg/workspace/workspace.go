// Package workspace names the canonical files inside a project's sandbox
// volume and provides the small read/write helpers shared by the gateway,
// the supervisor, and the control plane (which reaches them via sandbox exec).
package workspace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// DefaultRoot is the workspace mount point inside the sandbox.
const DefaultRoot = "/workspace"

// Canonical file names, relative to the workspace root.
const (
	ShortTermMemoryFile = "SHORT_TERM_MEMORY.md"
	LongTermMemoryFile  = "LONG_TERM_MEMORY.md"
	PlanFile            = "plan.md"
	TaskFile            = ".task.json"
	DirectivesFile      = ".operator-directives.json"
	SupervisorLogFile   = ".supervisor.log"
	ArchiveDir          = ".task-archive"
)

// MemoryFiles are the three canonical files served by GET /memory.
var MemoryFiles = []string{ShortTermMemoryFile, LongTermMemoryFile, PlanFile}

// Directive is one operator-authored instruction re-injected into every
// supervisor prompt until removed.
type Directive struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskPath returns the task document path under root.
func TaskPath(root string) string { return filepath.Join(root, TaskFile) }

// LogPath returns the supervisor log path under root.
func LogPath(root string) string { return filepath.Join(root, SupervisorLogFile) }

// ReadMemory reads the canonical memory files. Missing files yield empty
// strings; a fresh workspace has none of them yet.
func ReadMemory(root string) map[string]string {
	out := make(map[string]string, len(MemoryFiles))
	for _, name := range MemoryFiles {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			out[name] = ""
			continue
		}
		out[name] = string(data)
	}
	return out
}

// LoadDirectives reads the operator directive list. A missing file is an
// empty list.
func LoadDirectives(root string) ([]Directive, error) {
	data, err := os.ReadFile(filepath.Join(root, DirectivesFile))
	if os.IsNotExist(err) {
		return []Directive{}, nil
	}
	if err != nil {
		return nil, err
	}
	var directives []Directive
	if err := json.Unmarshal(data, &directives); err != nil {
		return nil, fmt.Errorf("workspace: parse directives: %w", err)
	}
	return directives, nil
}

// SaveDirectives writes the directive list atomically.
func SaveDirectives(root string, directives []Directive) error {
	if directives == nil {
		directives = []Directive{}
	}
	data, err := json.MarshalIndent(directives, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(root, DirectivesFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// AddDirective appends a new directive and returns it.
func AddDirective(root, text string) (Directive, error) {
	directives, err := LoadDirectives(root)
	if err != nil {
		return Directive{}, err
	}
	d := Directive{ID: uuid.New().String(), Text: text, CreatedAt: time.Now().UTC()}
	if err := SaveDirectives(root, append(directives, d)); err != nil {
		return Directive{}, err
	}
	return d, nil
}

// RemoveDirective deletes a directive by id. Unknown ids are a no-op so the
// operation is idempotent.
func RemoveDirective(root, id string) error {
	directives, err := LoadDirectives(root)
	if err != nil {
		return err
	}
	kept := directives[:0]
	for _, d := range directives {
		if d.ID != id {
			kept = append(kept, d)
		}
	}
	return SaveDirectives(root, kept)
}

// AppendLog appends one line to the supervisor log.
func AppendLog(root, line string) error {
	f, err := os.OpenFile(LogPath(root), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, line)
	return err
}

// TailLog returns the last n lines of the supervisor log.
func TailLog(root string, n int) ([]string, error) {
	data, err := os.ReadFile(LogPath(root))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lines := splitLines(string(data))
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// ArchiveMemory copies the memory files into .task-archive/<taskID>/ on task
// completion. Missing source files are skipped.
func ArchiveMemory(root, taskID string) error {
	dir := filepath.Join(root, ArchiveDir, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, name := range MemoryFiles {
		if err := copyFile(filepath.Join(root, name), filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
