// Package security implements the defense-in-depth validation layer: command
// denylisting, environment filtering, and path confinement. Validation failures
// are normal, logged outcomes, never panics that abort a session.
package security

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sandterm/sandterm/internal/config"
	"github.com/sandterm/sandterm/internal/errors"
)

// denyRule pairs a stable rule name with its pattern. Rejections report the
// name only, never the matched fragment.
type denyRule struct {
	name    string
	pattern *regexp.Regexp
}

// builtinDenyRules covers the escape routes that must never reach a process:
// recursive deletes, privilege escalation, shell substitution/eval, network
// listeners and remote-code pipes, raw device writes, filesystem formatting,
// and fork bombs.
var builtinDenyRules = []denyRule{
	{"recursive-delete", regexp.MustCompile(`(?i)\brm\s+(-[a-z]+\s+)*-[a-z]*r`)},
	{"privilege-escalation", regexp.MustCompile(`(?i)\b(sudo|doas|pkexec)\b|(^|[;&|]\s*)su(\s|$)`)},
	{"shell-substitution", regexp.MustCompile("\\$\\(|`|(^|[;&|\\s])eval\\b")},
	{"network-listener", regexp.MustCompile(`(?i)\b(nc|ncat|netcat|socat)\b[^|;&]*\s-\w*l`)},
	{"remote-code-pipe", regexp.MustCompile(`(?i)\b(curl|wget)\b[^|;&]*\|\s*\w*sh\b`)},
	{"raw-device-write", regexp.MustCompile(`(?i)(>\s*|\bdd\b[^|;&]*\bof=)/dev/(sd|hd|nvme|vd|loop|mem|kmem)`)},
	{"filesystem-format", regexp.MustCompile(`(?i)\b(mkfs|fdisk|parted|wipefs)\b`)},
	{"fork-bomb", regexp.MustCompile(`:\(\)\s*\{`)},
	{"permission-blast", regexp.MustCompile(`(?i)\bchmod\s+(-\w+\s+)*[0-7]*777\b`)},
	{"system-control", regexp.MustCompile(`(?i)\b(reboot|shutdown|halt|poweroff)\b`)},
}

// CommandValidator rejects dangerous or non-whitelisted command strings before
// they ever reach a process.
type CommandValidator struct {
	rules            []denyRule
	controlPrefix    string
	controlAllowed   map[string]bool
	maxCommandLength int
	maxArguments     int
}

// NewCommandValidator creates a validator from the security configuration.
// Extra configured patterns are compiled on top of the built-in rule set.
func NewCommandValidator(cfg *config.SecurityConfig) (*CommandValidator, error) {
	rules := make([]denyRule, 0, len(builtinDenyRules)+len(cfg.DeniedPatterns))
	rules = append(rules, builtinDenyRules...)

	for i, pattern := range cfg.DeniedPatterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid denied pattern %d: %w", i, err)
		}
		rules = append(rules, denyRule{
			name:    fmt.Sprintf("configured-pattern-%d", i),
			pattern: re,
		})
	}

	allowed := make(map[string]bool, len(cfg.AllowedControlCommands))
	for _, cmd := range cfg.AllowedControlCommands {
		allowed[strings.ToLower(cmd)] = true
	}

	return &CommandValidator{
		rules:            rules,
		controlPrefix:    cfg.ControlPrefix,
		controlAllowed:   allowed,
		maxCommandLength: cfg.MaxCommandLength,
		maxArguments:     cfg.MaxArguments,
	}, nil
}

// Validate checks a raw command against the security policy. On acceptance it
// returns the sanitized text to be written to the terminal; on rejection an
// EngineError carrying the rule name that fired.
//
// Free-form commands are default-allow-with-denylist; commands beginning with
// the control prefix are default-deny and must appear in the whitelist.
func (v *CommandValidator) Validate(raw string) (string, error) {
	sanitized := strings.TrimSpace(raw)

	if sanitized == "" {
		return "", errors.CommandRejected("empty-command")
	}
	if len(raw) > v.maxCommandLength {
		return "", errors.CommandRejected("max-command-length")
	}
	if strings.ContainsRune(raw, 0) {
		return "", errors.CommandRejected("nul-byte")
	}
	if len(strings.Fields(sanitized)) > v.maxArguments {
		return "", errors.CommandRejected("max-arguments")
	}

	if v.controlPrefix != "" && strings.HasPrefix(sanitized, v.controlPrefix) {
		name := strings.ToLower(strings.Fields(sanitized)[0])
		if !v.controlAllowed[name] {
			return "", errors.CommandRejected("unknown-control-command")
		}
		return sanitized, nil
	}

	for _, rule := range v.rules {
		if rule.pattern.MatchString(sanitized) {
			return "", errors.CommandRejected(rule.name)
		}
	}

	return sanitized, nil
}
