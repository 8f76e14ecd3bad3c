// Package memoryfs backs the agent memory tool with plain files on local
// disk. Each task gets its own directory; the agent addresses everything
// under a virtual /memories root so paths in the conversation never expose
// the host layout.
package memoryfs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// VirtualRoot is the path prefix the agent sees.
	VirtualRoot = "/memories"

	defaultMaxFileBytes = 200000
)

// Config controls the memory store.
type Config struct {
	// Root is the host directory holding per-task memory. Required.
	Root string

	// MaxFileBytes caps a single memory file. Defaults to 200000.
	MaxFileBytes int
}

// Store implements the agent memory port on the local filesystem.
type Store struct {
	root     string
	maxBytes int
}

// NewStore validates the root directory and creates it if needed.
func NewStore(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("memoryfs: root directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("memoryfs: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("memoryfs: create root: %w", err)
	}
	maxBytes := cfg.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxFileBytes
	}
	return &Store{root: abs, maxBytes: maxBytes}, nil
}

type command struct {
	Command    string `json:"command"`
	Path       string `json:"path"`
	FileText   string `json:"file_text"`
	OldStr     string `json:"old_str"`
	NewStr     string `json:"new_str"`
	InsertLine *int   `json:"insert_line"`
	InsertText string `json:"insert_text"`
	OldPath    string `json:"old_path"`
	NewPath    string `json:"new_path"`
	ViewRange  []int  `json:"view_range"`
}

// Do executes one memory tool call for the given task. Errors are returned
// to the caller, which surfaces them to the model as error tool results; the
// message text is written for the model, not for operators.
func (s *Store) Do(ctx context.Context, taskID string, input json.RawMessage) (string, error) {
	if strings.TrimSpace(taskID) == "" {
		return "", fmt.Errorf("memory: task id is required")
	}
	var cmd command
	if err := json.Unmarshal(input, &cmd); err != nil {
		return "", fmt.Errorf("memory: invalid input: %w", err)
	}

	switch cmd.Command {
	case "view":
		return s.view(taskID, cmd)
	case "create":
		return s.create(taskID, cmd)
	case "str_replace":
		return s.strReplace(taskID, cmd)
	case "insert":
		return s.insert(taskID, cmd)
	case "delete":
		return s.delete(ctx, taskID, cmd)
	case "rename":
		return s.rename(taskID, cmd)
	default:
		return "", fmt.Errorf("memory: unknown command %q", cmd.Command)
	}
}

// resolve maps a virtual /memories path into the task's directory, rejecting
// anything that would land outside it.
func (s *Store) resolve(taskID, path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("memory: path is required")
	}
	if clean != VirtualRoot && !strings.HasPrefix(clean, VirtualRoot+"/") {
		return "", fmt.Errorf("memory: path must start with %s", VirtualRoot)
	}
	rel := strings.TrimPrefix(clean, VirtualRoot)
	rel = strings.TrimPrefix(rel, "/")

	base := filepath.Join(s.root, taskID)
	target := filepath.Clean(filepath.Join(base, filepath.FromSlash(rel)))
	if target != base && !strings.HasPrefix(target, base+string(os.PathSeparator)) {
		return "", fmt.Errorf("memory: path escapes %s", VirtualRoot)
	}
	return target, nil
}

func (s *Store) view(taskID string, cmd command) (string, error) {
	target, err := s.resolve(taskID, cmd.Path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(target)
	if os.IsNotExist(err) {
		// The bare root always views as an empty directory, so the agent's
		// first look does not error on a fresh task.
		if cmd.Path == VirtualRoot {
			return fmt.Sprintf("Directory: %s\n(empty)", VirtualRoot), nil
		}
		return "", fmt.Errorf("memory: %s does not exist", cmd.Path)
	}
	if err != nil {
		return "", fmt.Errorf("memory: stat %s: %w", cmd.Path, err)
	}

	if info.IsDir() {
		return s.viewDir(cmd.Path, target)
	}
	return s.viewFile(cmd.Path, target, cmd.ViewRange)
}

func (s *Store) viewDir(virtual, target string) (string, error) {
	entries, err := os.ReadDir(target)
	if err != nil {
		return "", fmt.Errorf("memory: read directory %s: %w", virtual, err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Directory: %s\n", virtual)
	if len(entries) == 0 {
		b.WriteString("(empty)")
		return b.String(), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "- %s\n", name)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (s *Store) viewFile(virtual, target string, viewRange []int) (string, error) {
	data, err := os.ReadFile(target)
	if err != nil {
		return "", fmt.Errorf("memory: read %s: %w", virtual, err)
	}
	lines := splitLines(string(data))

	start, end := 1, len(lines)
	if len(viewRange) == 2 {
		start, end = viewRange[0], viewRange[1]
		if start < 1 || start > len(lines) {
			return "", fmt.Errorf("memory: view_range start %d out of bounds (file has %d lines)", start, len(lines))
		}
		if end < start {
			return "", fmt.Errorf("memory: view_range end %d before start %d", end, start)
		}
		if end > len(lines) {
			end = len(lines)
		}
	} else if len(viewRange) != 0 {
		return "", fmt.Errorf("memory: view_range must be [start, end]")
	}

	var b strings.Builder
	for i := start; i <= end; i++ {
		fmt.Fprintf(&b, "%d: %s\n", i, lines[i-1])
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (s *Store) create(taskID string, cmd command) (string, error) {
	target, err := s.resolve(taskID, cmd.Path)
	if err != nil {
		return "", err
	}
	if len(cmd.FileText) > s.maxBytes {
		return "", fmt.Errorf("memory: file_text exceeds %d bytes", s.maxBytes)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("memory: create parent directory: %w", err)
	}
	if err := os.WriteFile(target, []byte(cmd.FileText), 0o644); err != nil {
		return "", fmt.Errorf("memory: write %s: %w", cmd.Path, err)
	}
	return fmt.Sprintf("File created: %s", cmd.Path), nil
}

func (s *Store) strReplace(taskID string, cmd command) (string, error) {
	target, err := s.resolve(taskID, cmd.Path)
	if err != nil {
		return "", err
	}
	if cmd.OldStr == "" {
		return "", fmt.Errorf("memory: old_str is required")
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return "", fmt.Errorf("memory: read %s: %w", cmd.Path, err)
	}
	content := string(data)
	switch n := strings.Count(content, cmd.OldStr); {
	case n == 0:
		return "", fmt.Errorf("memory: old_str not found in %s", cmd.Path)
	case n > 1:
		return "", fmt.Errorf("memory: old_str appears %d times in %s; provide more context to make it unique", n, cmd.Path)
	}
	content = strings.Replace(content, cmd.OldStr, cmd.NewStr, 1)
	if len(content) > s.maxBytes {
		return "", fmt.Errorf("memory: edit grows file past %d bytes", s.maxBytes)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("memory: write %s: %w", cmd.Path, err)
	}
	return fmt.Sprintf("Replaced text in %s", cmd.Path), nil
}

func (s *Store) insert(taskID string, cmd command) (string, error) {
	target, err := s.resolve(taskID, cmd.Path)
	if err != nil {
		return "", err
	}
	if cmd.InsertLine == nil {
		return "", fmt.Errorf("memory: insert_line is required")
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return "", fmt.Errorf("memory: read %s: %w", cmd.Path, err)
	}
	lines := splitLines(string(data))
	at := *cmd.InsertLine
	if at < 0 || at > len(lines) {
		return "", fmt.Errorf("memory: insert_line %d out of bounds (file has %d lines)", at, len(lines))
	}

	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:at]...)
	out = append(out, cmd.InsertText)
	out = append(out, lines[at:]...)
	content := strings.Join(out, "\n")
	if len(content) > s.maxBytes {
		return "", fmt.Errorf("memory: edit grows file past %d bytes", s.maxBytes)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("memory: write %s: %w", cmd.Path, err)
	}
	return fmt.Sprintf("Inserted text at line %d in %s", at, cmd.Path), nil
}

func (s *Store) delete(_ context.Context, taskID string, cmd command) (string, error) {
	target, err := s.resolve(taskID, cmd.Path)
	if err != nil {
		return "", err
	}
	if cmd.Path == VirtualRoot {
		// Deleting the root clears the task's memory but keeps it usable.
		if err := os.RemoveAll(target); err != nil {
			return "", fmt.Errorf("memory: clear %s: %w", VirtualRoot, err)
		}
		return fmt.Sprintf("Cleared %s", VirtualRoot), nil
	}
	if _, err := os.Stat(target); os.IsNotExist(err) {
		return "", fmt.Errorf("memory: %s does not exist", cmd.Path)
	}
	if err := os.RemoveAll(target); err != nil {
		return "", fmt.Errorf("memory: delete %s: %w", cmd.Path, err)
	}
	return fmt.Sprintf("Deleted %s", cmd.Path), nil
}

func (s *Store) rename(taskID string, cmd command) (string, error) {
	oldPath := cmd.OldPath
	if oldPath == "" {
		oldPath = cmd.Path
	}
	if cmd.NewPath == "" {
		return "", fmt.Errorf("memory: new_path is required")
	}
	from, err := s.resolve(taskID, oldPath)
	if err != nil {
		return "", err
	}
	to, err := s.resolve(taskID, cmd.NewPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(from); os.IsNotExist(err) {
		return "", fmt.Errorf("memory: %s does not exist", oldPath)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return "", fmt.Errorf("memory: create parent directory: %w", err)
	}
	if err := os.Rename(from, to); err != nil {
		return "", fmt.Errorf("memory: rename %s: %w", oldPath, err)
	}
	return fmt.Sprintf("Renamed %s to %s", oldPath, cmd.NewPath), nil
}

// splitLines keeps an empty file as a single empty line so line arithmetic
// stays 1-based and stable.
func splitLines(content string) []string {
	content = strings.TrimSuffix(content, "\n")
	return strings.Split(content, "\n")
}
