package safety

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/fyrsmithlabs/orbit/internal/task"
)

// Policy is the static part of the safety decision.
type Policy struct {
	// AllowedActions resolve to low for any arguments.
	AllowedActions []string `toml:"allowed_actions"`

	// AllowedCommands are command prefixes that resolve to low when passed
	// to CommandAction. A prefix matches the whole command or is followed
	// by a space.
	AllowedCommands []string `toml:"allowed_commands"`

	// DeniedFlags lists, per allowed prefix, options that make the command
	// write or execute. A command carrying one is not allow-listed. An
	// entry ending in "*" matches any option starting with the rest, and
	// "--opt" also matches "--opt=value".
	DeniedFlags map[string][]string `toml:"denied_flags"`

	// CommandAction and CommandArgument locate the shell command text.
	CommandAction   string `toml:"command_action"`
	CommandArgument string `toml:"command_argument"`

	// Pinned maps action names to fixed tiers, skipping the oracle.
	Pinned map[string]task.RiskTier `toml:"pinned"`
}

// DefaultPolicy returns the built-in allow-list.
func DefaultPolicy() Policy {
	return Policy{
		AllowedActions: []string{"git_status", "git_log", "file_list", "file_read", "ticket_get"},
		AllowedCommands: []string{
			"ls", "pwd", "echo", "cat", "grep", "find",
			"git status", "git log", "git diff", "git show",
			"npm list", "pip list",
		},
		DeniedFlags: map[string][]string{
			"find":     {"-delete", "-exec", "-execdir", "-ok", "-okdir", "-fprint*", "-fls"},
			"git diff": {"--output"},
			"git log":  {"--output"},
			"git show": {"--output"},
		},
		CommandAction:   "shell_exec",
		CommandArgument: "command",
	}
}

// LoadPolicy reads a TOML policy file. Keys absent from the file keep
// their DefaultPolicy values; an explicitly empty list clears them.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read safety policy: %w", err)
	}
	if _, err := toml.Decode(string(data), &p); err != nil {
		return Policy{}, fmt.Errorf("parse safety policy %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("safety policy %s: %w", path, err)
	}
	return p, nil
}

// Validate checks the policy for obvious mistakes.
func (p Policy) Validate() error {
	if len(p.AllowedCommands) > 0 && (p.CommandAction == "" || p.CommandArgument == "") {
		return fmt.Errorf("allowed_commands requires command_action and command_argument")
	}
	for _, prefix := range p.AllowedCommands {
		if strings.TrimSpace(prefix) == "" {
			return fmt.Errorf("empty allowed command prefix")
		}
		if metaChars.MatchString(prefix) {
			return fmt.Errorf("allowed command %q contains shell meta-characters", prefix)
		}
	}
	for prefix, flags := range p.DeniedFlags {
		for _, f := range flags {
			if strings.TrimSuffix(f, "*") == "" {
				return fmt.Errorf("empty denied flag for %q", prefix)
			}
		}
	}
	return nil
}

func (p Policy) actionAllowed(action string) bool {
	for _, a := range p.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

func (p Policy) commandAllowed(action string, args map[string]any) bool {
	if action != p.CommandAction {
		return false
	}
	cmd, ok := args[p.CommandArgument].(string)
	if !ok {
		return false
	}
	cmd = strings.TrimSpace(cmd)
	for _, prefix := range p.AllowedCommands {
		if cmd == prefix {
			return true
		}
		if strings.HasPrefix(cmd, prefix+" ") {
			return !hasDeniedFlag(strings.Fields(cmd[len(prefix):]), p.DeniedFlags[prefix])
		}
	}
	return false
}

// hasDeniedFlag reports whether any token, after shell quoting is
// removed, is one of denied.
func hasDeniedFlag(tokens, denied []string) bool {
	if len(denied) == 0 {
		return false
	}
	unquote := strings.NewReplacer(`'`, "", `"`, "", `\`, "")
	for _, tok := range tokens {
		tok = unquote.Replace(tok)
		for _, d := range denied {
			if pre, ok := strings.CutSuffix(d, "*"); ok {
				if strings.HasPrefix(tok, pre) {
					return true
				}
				continue
			}
			if tok == d || strings.HasPrefix(tok, d+"=") {
				return true
			}
		}
	}
	return false
}
