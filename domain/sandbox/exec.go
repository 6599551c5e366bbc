package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/logger"
)

// missingModulePatterns extract module names from Python import failures.
var missingModulePatterns = []*regexp.Regexp{
	regexp.MustCompile(`ModuleNotFoundError: No module named '([A-Za-z0-9_\.\-]+)'`),
	regexp.MustCompile(`ImportError: No module named '?([A-Za-z0-9_\.\-]+)'?`),
}

// pipNameOverrides maps import names to their pip distribution when they
// differ.
var pipNameOverrides = map[string]string{
	"cv2":     "opencv-python",
	"PIL":     "pillow",
	"sklearn": "scikit-learn",
	"yaml":    "pyyaml",
	"bs4":     "beautifulsoup4",
}

// ExecuteCode writes the source under code/ and runs it through the
// provider's code-run API. On a non-zero exit caused by missing imports it
// pip-installs the modules and retries. A *TransientError from the gate
// propagates unchanged so the caller can decide whether to re-run.
func (d *Driver) ExecuteCode(ctx context.Context, code string, timeout time.Duration) (*Execution, error) {
	if timeout <= 0 {
		timeout = d.cfg.ExecTimeout
	}

	sandboxID := d.SandboxID()
	execID := d.execCount.Add(1)
	target := path.Join(d.cfg.WorkDir, "code", fmt.Sprintf("exec_%d.py", execID))

	err := d.gate.Do(ctx, "write_code", PolicySafe, true, func() error {
		return d.provider.WriteFile(ctx, sandboxID, target, []byte(code))
	})
	if err != nil {
		return nil, err
	}

	maxRetries := d.cfg.ExecInstallRetries
	var result *Execution

	for attempt := 0; ; attempt++ {
		result, err = Call(ctx, d.gate, "run_code", PolicyUnsafe, true, func() (*Execution, error) {
			return d.provider.RunCode(ctx, sandboxID, target, timeout)
		})
		if err != nil {
			var transient *TransientError
			if errors.As(err, &transient) {
				return nil, err
			}
			return nil, fmt.Errorf("run code: %w", err)
		}

		if result.ExitCode == 0 || attempt >= maxRetries {
			break
		}

		missing := extractMissingModules(result.Stderr)
		if len(missing) == 0 {
			break
		}

		d.log.Info("installing missing modules",
			slog.Any("modules", missing),
			slog.Int("attempt", attempt+1),
		)
		if ierr := d.pipInstall(ctx, missing); ierr != nil {
			d.log.Warn("pip install failed", logger.Error(ierr))
			break
		}
	}

	d.virtualizeExecution(result)
	return result, nil
}

// ExecuteBash wraps the command in a generated shell script and runs it via
// a Python subprocess wrapper that enforces the timeout (exit 124).
func (d *Driver) ExecuteBash(ctx context.Context, command string, timeout time.Duration) (*Execution, error) {
	if timeout <= 0 {
		timeout = d.cfg.ExecTimeout
	}

	sandboxID := d.SandboxID()
	bashID := d.bashCount.Add(1)
	scriptPath := path.Join(d.cfg.WorkDir, "code", fmt.Sprintf("bash_%d.sh", bashID))

	script := "#!/bin/bash\nset -o pipefail\ncd " + shellQuote(d.cfg.WorkDir) + "\n" + command + "\n"
	err := d.gate.Do(ctx, "write_bash", PolicySafe, true, func() error {
		return d.provider.WriteFile(ctx, sandboxID, scriptPath, []byte(script))
	})
	if err != nil {
		return nil, err
	}

	wrapper := bashRunnerWrapper(scriptPath, int(timeout.Seconds()))
	wrapperPath := path.Join(d.cfg.WorkDir, "code", fmt.Sprintf("_bash_runner_%d.py", bashID))
	err = d.gate.Do(ctx, "write_bash_runner", PolicySafe, true, func() error {
		return d.provider.WriteFile(ctx, sandboxID, wrapperPath, []byte(wrapper))
	})
	if err != nil {
		return nil, err
	}

	result, err := Call(ctx, d.gate, "run_bash", PolicyUnsafe, true, func() (*Execution, error) {
		return d.provider.RunCommand(ctx, sandboxID, "python3 "+wrapperPath, timeout+10*time.Second)
	})
	if err != nil {
		return nil, err
	}

	d.virtualizeExecution(result)
	return result, nil
}

// pipInstall installs the given modules, applying pip name overrides.
func (d *Driver) pipInstall(ctx context.Context, modules []string) error {
	packages := make([]string, 0, len(modules))
	for _, m := range modules {
		// Import of a submodule means installing the top-level package.
		top := strings.SplitN(m, ".", 2)[0]
		if override, ok := pipNameOverrides[top]; ok {
			top = override
		}
		packages = append(packages, top)
	}

	result, err := Call(ctx, d.gate, "pip_install", PolicySafe, true, func() (*Execution, error) {
		return d.provider.RunCommand(ctx, d.SandboxID(), "pip install "+strings.Join(packages, " "), d.cfg.ExecTimeout)
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("pip install exit %d: %s", result.ExitCode, result.Stderr)
	}
	return nil
}

func (d *Driver) virtualizeExecution(result *Execution) {
	if result == nil {
		return
	}
	result.Stdout = strings.ReplaceAll(result.Stdout, d.cfg.WorkDir, "")
	result.Stderr = strings.ReplaceAll(result.Stderr, d.cfg.WorkDir, "")
}

// extractMissingModules pulls module names out of Python import failures,
// deduplicated in first-seen order.
func extractMissingModules(stderr string) []string {
	seen := make(map[string]bool)
	var modules []string
	for _, pattern := range missingModulePatterns {
		for _, match := range pattern.FindAllStringSubmatch(stderr, -1) {
			name := match[1]
			if !seen[name] {
				seen[name] = true
				modules = append(modules, name)
			}
		}
	}
	return modules
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// bashRunnerWrapper generates the Python subprocess wrapper that enforces
// the timeout and translates it to exit code 124.
func bashRunnerWrapper(scriptPath string, timeoutSec int) string {
	return fmt.Sprintf(`import subprocess
import sys

try:
    proc = subprocess.run(
        ["bash", %q],
        capture_output=True,
        text=True,
        timeout=%d,
    )
    sys.stdout.write(proc.stdout)
    sys.stderr.write(proc.stderr)
    sys.exit(proc.returncode)
except subprocess.TimeoutExpired as exc:
    if exc.stdout:
        sys.stdout.write(exc.stdout if isinstance(exc.stdout, str) else exc.stdout.decode())
    sys.stderr.write("command timed out after %d seconds\n")
    sys.exit(124)
`, scriptPath, timeoutSec, timeoutSec)
}

// globWrapper generates the Python wrapper that lists files matching the
// pattern under root, one absolute path per line.
func globWrapper(root, pattern string) string {
	return fmt.Sprintf(`import glob
import os

root = %q
pattern = %q

for match in sorted(glob.glob(os.path.join(root, pattern), recursive=True)):
    print(match)
`, root, pattern)
}

// grepWrapper generates the Python wrapper that runs the sandbox's native
// ripgrep and prints "path:line:text" matches.
func grepWrapper(root, pattern string) string {
	return fmt.Sprintf(`import subprocess
import sys

proc = subprocess.run(
    ["rg", "--line-number", "--no-heading", "--color", "never", %q, %q],
    capture_output=True,
    text=True,
)
sys.stdout.write(proc.stdout)
if proc.returncode not in (0, 1):
    sys.stderr.write(proc.stderr)
    sys.exit(proc.returncode)
`, pattern, root)
}

// dataClientSource is the shared in-sandbox data client uploaded under
// _internal/src/. Generated stubs import it for result persistence.
const dataClientSource = `"""Shared data client for sandbox code.

Persists intermediate results under /results and exposes small helpers
used by generated tool stubs.
"""

import json
import os

RESULTS_DIR = os.path.join(os.path.dirname(os.path.dirname(os.path.dirname(os.path.abspath(__file__)))), "results")


def save_result(name, data):
    """Persist a JSON-serializable result under /results."""
    os.makedirs(RESULTS_DIR, exist_ok=True)
    path = os.path.join(RESULTS_DIR, name if name.endswith(".json") else name + ".json")
    with open(path, "w") as fh:
        json.dump(data, fh, indent=2, default=str)
    return path


def load_result(name):
    """Load a previously saved result, or None."""
    path = os.path.join(RESULTS_DIR, name if name.endswith(".json") else name + ".json")
    if not os.path.exists(path):
        return None
    with open(path) as fh:
        return json.load(fh)
`
