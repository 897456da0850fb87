package security

import (
	"regexp"
	"strings"

	"github.com/sandterm/sandterm/internal/config"
	"github.com/sandterm/sandterm/internal/errors"
)

// envDenylist holds variables dropped unconditionally: anything that can
// redirect dynamic loading, interpreter module search paths, or temp-file
// locations in the child process.
var envDenylist = map[string]bool{
	"LD_PRELOAD":             true,
	"LD_LIBRARY_PATH":        true,
	"LD_AUDIT":               true,
	"DYLD_INSERT_LIBRARIES":  true,
	"DYLD_LIBRARY_PATH":      true,
	"DYLD_FRAMEWORK_PATH":    true,
	"PYTHONPATH":             true,
	"PYTHONSTARTUP":          true,
	"PERL5LIB":               true,
	"PERL5OPT":               true,
	"RUBYLIB":                true,
	"RUBYOPT":                true,
	"NODE_OPTIONS":           true,
	"NODE_PATH":              true,
	"CLASSPATH":              true,
	"JAVA_TOOL_OPTIONS":      true,
	"GCONV_PATH":             true,
	"IFS":                    true,
	"BASH_ENV":               true,
	"ENV":                    true,
	"PROMPT_COMMAND":         true,
	"TMPDIR":                 true,
	"TMP":                    true,
	"TEMP":                   true,
}

// envShapeAllowlist maps variable names to the value shape they must satisfy
// to survive filtering. A mismatching value drops the variable rather than
// passing it through unsanitized.
var envShapeAllowlist = map[string]*regexp.Regexp{
	"PATH":    regexp.MustCompile(`^[A-Za-z0-9_\-./:+]+$`),
	"HOME":    regexp.MustCompile(`^/[A-Za-z0-9_\-./]*$`),
	"PWD":     regexp.MustCompile(`^/[A-Za-z0-9_\-./]*$`),
	"SHELL":   regexp.MustCompile(`^/[A-Za-z0-9_\-./]+$`),
	"USER":    regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\-]*$`),
	"LOGNAME": regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\-]*$`),
	"EDITOR":  regexp.MustCompile(`^[A-Za-z0-9_\-./ ]+$`),
}

// envExactAllowlist holds standard locale/terminal variables passed through
// unchanged.
var envExactAllowlist = map[string]bool{
	"LANG":      true,
	"LANGUAGE":  true,
	"TERM":      true,
	"COLORTERM": true,
	"TZ":        true,
	"COLUMNS":   true,
	"LINES":     true,
}

// builtinAllowPrefixes are prefixes always passed through: the tool's own
// namespace plus locale categories.
var builtinAllowPrefixes = []string{"SANDTERM_", "LC_"}

// EnvironmentFilter produces a minimal, allow-listed environment for the
// child process from an arbitrary input map. Everything not explicitly
// allowed is dropped (default-deny).
type EnvironmentFilter struct {
	allowPrefixes []string
}

// NewEnvironmentFilter creates a filter with the built-in policy plus any
// configured extra allow prefixes.
func NewEnvironmentFilter(cfg *config.SecurityConfig) *EnvironmentFilter {
	prefixes := make([]string, 0, len(builtinAllowPrefixes)+len(cfg.EnvAllowPrefixes))
	prefixes = append(prefixes, builtinAllowPrefixes...)
	prefixes = append(prefixes, cfg.EnvAllowPrefixes...)

	return &EnvironmentFilter{allowPrefixes: prefixes}
}

// Validate checks that the input map is structurally sound: keys must be
// non-empty and free of '=' and NUL bytes. Denylisted keys are not a
// validation failure; they are silently dropped by Filter.
func (f *EnvironmentFilter) Validate(env map[string]string) error {
	for key, value := range env {
		if key == "" {
			return errors.InvalidEnvironment("(empty)", "empty variable name")
		}
		if strings.ContainsAny(key, "=\x00") {
			return errors.InvalidEnvironment(key, "variable name contains forbidden characters")
		}
		if strings.ContainsRune(value, 0) {
			return errors.InvalidEnvironment(key, "variable value contains NUL byte")
		}
	}
	return nil
}

// Filter applies the policy and returns the surviving variables. Filtering is
// idempotent: Filter(Filter(E)) == Filter(E).
func (f *EnvironmentFilter) Filter(env map[string]string) map[string]string {
	filtered := make(map[string]string, len(env))

	for key, value := range env {
		if envDenylist[key] {
			continue
		}
		if shape, ok := envShapeAllowlist[key]; ok {
			if shape.MatchString(value) {
				filtered[key] = value
			}
			continue
		}
		if envExactAllowlist[key] {
			filtered[key] = value
			continue
		}
		if f.hasAllowedPrefix(key) {
			filtered[key] = value
		}
	}

	return filtered
}

// Dropped returns the keys of the input map that Filter would remove. Used for
// security-event logging without exposing values.
func (f *EnvironmentFilter) Dropped(env map[string]string) []string {
	filtered := f.Filter(env)
	var dropped []string
	for key := range env {
		if _, ok := filtered[key]; !ok {
			dropped = append(dropped, key)
		}
	}
	return dropped
}

func (f *EnvironmentFilter) hasAllowedPrefix(key string) bool {
	for _, prefix := range f.allowPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
