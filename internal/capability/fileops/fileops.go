// Package fileops provides file and directory capabilities confined to a
// workspace root.
package fileops

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/fyrsmithlabs/orbit/internal/capability"
	"github.com/fyrsmithlabs/orbit/internal/task"
)

// Action names.
const (
	ActionList   = "file_list"
	ActionRead   = "file_read"
	ActionWrite  = "file_write"
	ActionDelete = "file_delete"
	ActionMkdir  = "file_mkdir"
)

const (
	maxReadBytes = 256 * 1024
	maxListItems = 1000
)

// Workspace performs file operations beneath Root.
type Workspace struct {
	root string
}

// New creates a workspace rooted at root.
func New(root string) (*Workspace, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Workspace{root: abs}, nil
}

// Capabilities returns the file capabilities bound to this workspace.
func (w *Workspace) Capabilities() []capability.Capability {
	return []capability.Capability{
		capability.Func{
			Desc: capability.Descriptor{
				Name:        ActionList,
				Description: "List files in a directory, optionally recursively and filtered by a glob pattern.",
				Tier:        task.RiskLow,
				Schema: capability.ObjectSchema(nil, map[string]*jsonschema.Schema{
					"path":            capability.String("Directory to list (default: workspace root)"),
					"recursive":       capability.Boolean("Recurse into subdirectories"),
					"include_hidden":  capability.Boolean("Include entries starting with '.'"),
					"pattern":         capability.String("Glob applied to base names, e.g. *.go"),
					"include_ignored": capability.Boolean("Include entries matched by .gitignore or .orbitignore"),
				}),
			},
			Fn: w.list,
		},
		capability.Func{
			Desc: capability.Descriptor{
				Name:        ActionRead,
				Description: "Read a text file.",
				Tier:        task.RiskLow,
				Schema: capability.ObjectSchema([]string{"path"}, map[string]*jsonschema.Schema{
					"path":      capability.String("File to read"),
					"max_lines": capability.Integer("Maximum number of lines to return"),
				}),
			},
			Fn: w.read,
		},
		capability.Func{
			Desc: capability.Descriptor{
				Name:        ActionWrite,
				Description: "Write or append text to a file.",
				Tier:        task.RiskMedium,
				Schema: capability.ObjectSchema([]string{"path", "content"}, map[string]*jsonschema.Schema{
					"path":        capability.String("File to write"),
					"content":     capability.String("Content to write"),
					"append":      capability.Boolean("Append instead of overwrite"),
					"create_dirs": capability.Boolean("Create missing parent directories"),
				}),
			},
			Fn: w.write,
		},
		capability.Func{
			Desc: capability.Descriptor{
				Name:        ActionDelete,
				Description: "Delete a file or directory.",
				Tier:        task.RiskHigh,
				Schema: capability.ObjectSchema([]string{"path"}, map[string]*jsonschema.Schema{
					"path":      capability.String("Path to delete"),
					"recursive": capability.Boolean("Delete directories recursively"),
				}),
			},
			Fn: w.delete,
		},
	}
}

// resolve maps a user path into the workspace, rejecting escapes.
func (w *Workspace) resolve(p string) (string, error) {
	if p == "" {
		p = "."
	}
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(w.root, full)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(w.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q is outside the workspace", capability.ErrInvalidArguments, p)
	}
	return full, nil
}

func (w *Workspace) list(ctx context.Context, args map[string]any) (string, error) {
	dir, err := w.resolve(capability.OptionalString(args, "path", "."))
	if err != nil {
		return "", err
	}
	recursive := capability.OptionalBool(args, "recursive", false)
	hidden := capability.OptionalBool(args, "include_hidden", false)
	pattern := capability.OptionalString(args, "pattern", "")
	var rules *ignoreRules
	if !capability.OptionalBool(args, "include_ignored", false) {
		rules = newIgnoreRules(w.root)
		if dir != w.root {
			if err := rules.load(w.root); err != nil {
				return "", fmt.Errorf("read ignore files: %w", err)
			}
		}
	}
	if pattern != "" {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return "", fmt.Errorf("%w: bad pattern %q", capability.ErrInvalidArguments, pattern)
		}
	}

	var entries []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == dir {
			if rules != nil {
				return rules.load(dir)
			}
			return nil
		}
		name := d.Name()
		if (!hidden && strings.HasPrefix(name, ".")) || (rules != nil && rules.ignored(path, d.IsDir())) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		matched := pattern == ""
		if !matched {
			matched, _ = filepath.Match(pattern, name)
		}
		if matched {
			rel, _ := filepath.Rel(dir, path)
			if d.IsDir() {
				rel += string(filepath.Separator)
			}
			entries = append(entries, rel)
			if len(entries) >= maxListItems {
				return fs.SkipAll
			}
		}
		if d.IsDir() {
			if !recursive {
				return filepath.SkipDir
			}
			if rules != nil {
				return rules.load(path)
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Strings(entries)
	if len(entries) == 0 {
		return "(no entries)", nil
	}
	return strings.Join(entries, "\n"), nil
}

func (w *Workspace) read(ctx context.Context, args map[string]any) (string, error) {
	p, err := capability.StringArg(args, "path")
	if err != nil {
		return "", err
	}
	full, err := w.resolve(p)
	if err != nil {
		return "", err
	}
	maxLines, err := capability.OptionalInt(args, "max_lines", 0)
	if err != nil {
		return "", err
	}

	f, err := os.Open(full)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxReadBytes)
	lines := 0
	for scanner.Scan() {
		if maxLines > 0 && lines >= maxLines {
			break
		}
		if b.Len()+len(scanner.Bytes()) > maxReadBytes {
			b.WriteString("... (file truncated)\n")
			break
		}
		b.Write(scanner.Bytes())
		b.WriteByte('\n')
		lines++
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read %s: %w", p, err)
	}
	return b.String(), nil
}

func (w *Workspace) write(ctx context.Context, args map[string]any) (string, error) {
	p, err := capability.StringArg(args, "path")
	if err != nil {
		return "", err
	}
	content, err := capability.StringArg(args, "content")
	if err != nil {
		return "", err
	}
	full, err := w.resolve(p)
	if err != nil {
		return "", err
	}
	if capability.OptionalBool(args, "create_dirs", false) {
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return "", fmt.Errorf("create parent directories: %w", err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if capability.OptionalBool(args, "append", false) {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(full, flags, 0o644)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", p, err)
	}
	n, err := f.WriteString(content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write %s: %w", p, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", n, p), nil
}

func (w *Workspace) mkdir(ctx context.Context, args map[string]any) (string, error) {
	p, err := capability.StringArg(args, "path")
	if err != nil {
		return "", err
	}
	full, err := w.resolve(p)
	if err != nil {
		return "", err
	}
	if capability.OptionalBool(args, "parents", false) {
		err = os.MkdirAll(full, 0o755)
	} else {
		err = os.Mkdir(full, 0o755)
	}
	if err != nil {
		return "", fmt.Errorf("create directory %s: %w", p, err)
	}
	return fmt.Sprintf("created %s", p), nil
}

func (w *Workspace) delete(ctx context.Context, args map[string]any) (string, error) {
	p, err := capability.StringArg(args, "path")
	if err != nil {
		return "", err
	}
	full, err := w.resolve(p)
	if err != nil {
		return "", err
	}
	if full == w.root {
		return "", fmt.Errorf("%w: refusing to delete the workspace root", capability.ErrInvalidArguments)
	}
	info, err := os.Stat(full)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", p, err)
	}
	if info.IsDir() && capability.OptionalBool(args, "recursive", false) {
		err = os.RemoveAll(full)
	} else {
		err = os.Remove(full)
	}
	if err != nil {
		return "", fmt.Errorf("delete %s: %w", p, err)
	}
	return fmt.Sprintf("deleted %s", p), nil
}
