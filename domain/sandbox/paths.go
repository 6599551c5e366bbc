package sandbox

import (
	"fmt"
	"path"
	"strings"
)

// PathPolicy maps agent-visible virtual paths onto real sandbox paths and
// enforces the allow/deny lists.
type PathPolicy struct {
	// WorkDir is the sandbox working directory all virtual paths live under.
	WorkDir string

	// AllowedPrefixes are absolute prefixes outside WorkDir the agent may
	// touch directly (e.g. /tmp).
	AllowedPrefixes []string

	// DeniedPrefixes override the allow list. Paths under these are rejected
	// unless the caller explicitly opts in (user-initiated inspection).
	DeniedPrefixes []string
}

// DefaultPathPolicy returns the policy used by the driver.
func DefaultPathPolicy(workDir string) *PathPolicy {
	return &PathPolicy{
		WorkDir:         workDir,
		AllowedPrefixes: []string{"/tmp"},
		DeniedPrefixes:  []string{path.Join(workDir, "_internal")},
	}
}

// Normalize maps an agent-supplied path to a real sandbox path.
// "", "." and "/" resolve to the working directory. Absolute paths under an
// allowed prefix pass through; any other absolute path is treated as virtual
// and remapped under the working directory. Relative paths are joined to it.
func (p *PathPolicy) Normalize(in string) string {
	cleaned := path.Clean(strings.TrimSpace(in))

	if cleaned == "" || cleaned == "." || cleaned == "/" {
		return p.WorkDir
	}

	if path.IsAbs(cleaned) {
		if strings.HasPrefix(cleaned, p.WorkDir+"/") || cleaned == p.WorkDir {
			return cleaned
		}
		for _, prefix := range p.AllowedPrefixes {
			if cleaned == prefix || strings.HasPrefix(cleaned, prefix+"/") {
				return cleaned
			}
		}
		// Virtual path: /results/x lives under the working directory.
		return path.Join(p.WorkDir, strings.TrimPrefix(cleaned, "/"))
	}

	return path.Join(p.WorkDir, cleaned)
}

// Virtualize inverses Normalize for values returned to the agent: paths under
// the working directory are shown rooted at "/". Already-virtual and allowed
// external paths are returned unchanged.
func (p *PathPolicy) Virtualize(in string) string {
	cleaned := path.Clean(strings.TrimSpace(in))

	if cleaned == p.WorkDir {
		return "/"
	}
	if strings.HasPrefix(cleaned, p.WorkDir+"/") {
		return "/" + strings.TrimPrefix(cleaned, p.WorkDir+"/")
	}
	return cleaned
}

// Validate checks an already-normalized path against the allow and deny
// lists. allowDenied permits paths under denied prefixes for explicit
// user-initiated inspection.
func (p *PathPolicy) Validate(normalized string, allowDenied bool) error {
	if !allowDenied {
		for _, prefix := range p.DeniedPrefixes {
			if normalized == prefix || strings.HasPrefix(normalized, prefix+"/") {
				return fmt.Errorf("path %q is not accessible", p.Virtualize(normalized))
			}
		}
	}

	if normalized == p.WorkDir || strings.HasPrefix(normalized, p.WorkDir+"/") {
		return nil
	}
	for _, prefix := range p.AllowedPrefixes {
		if normalized == prefix || strings.HasPrefix(normalized, prefix+"/") {
			return nil
		}
	}
	return fmt.Errorf("path %q is outside the sandbox workspace", normalized)
}
