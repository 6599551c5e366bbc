package mcp

import (
	"os"
	"regexp"
)

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ResolvePlaceholders substitutes ${VAR} references from the process
// environment. Unset variables resolve to the empty string.
func ResolvePlaceholders(s string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// ResolveEnv returns a copy of env with all ${VAR} placeholders resolved.
func ResolveEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	resolved := make(map[string]string, len(env))
	for k, v := range env {
		resolved[k] = ResolvePlaceholders(v)
	}
	return resolved
}
