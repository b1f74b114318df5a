package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"patchbridge/internal/logging"
)

// VerificationResult captures one verification run against a sandbox.
type VerificationResult struct {
	Ran      bool          `json:"ran"`
	Passed   bool          `json:"passed"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// Verify runs command inside sandboxPath under a hard wall-clock
// timeout. On expiry the spawned process and its whole process group are
// killed; the result reports passed=false with a timeout marker rather
// than an error. An empty command returns Ran=false, which the pipeline
// treats as an automatic pass.
func (e *Engine) Verify(ctx context.Context, sessionID, sandboxPath, command string, timeout time.Duration) (VerificationResult, error) {
	result := VerificationResult{}
	if strings.TrimSpace(command) == "" {
		return result, nil
	}

	argv := strings.Fields(command)
	if err := e.checkAllowed(argv[0]); err != nil {
		return result, err
	}

	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logging.Sandbox("verify for session %s: %q (timeout %s)", sessionID, command, timeout)

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	cmd.Dir = sandboxPath
	setupProcessGroup(cmd)
	// Kill the whole group, not just the leader: test runners fork.
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 5 * time.Second

	var buf bytes.Buffer
	limited := &limitedWriter{w: &buf, max: e.cfg.MaxOutputBytes}
	cmd.Stdout = limited
	cmd.Stderr = limited

	start := time.Now()
	err := cmd.Run()
	result.Ran = true
	result.Duration = time.Since(start)
	result.Output = buf.String()
	if limited.truncated {
		result.Output += fmt.Sprintf("\n[output truncated: %d bytes discarded]", limited.discarded)
	}

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		result.TimedOut = true
		result.ExitCode = -1
		result.Output += fmt.Sprintf("\n[verification timed out after %s]", timeout)
		logging.SandboxWarn("verify timed out for session %s after %s: %q", sessionID, timeout, command)
	case err == nil:
		result.Passed = true
	default:
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// Spawn failure, not a failing check.
			logging.SandboxError("verify spawn failed for session %s: %v", sessionID, err)
			return result, fmt.Errorf("run verification command: %w", err)
		}
	}

	logging.Audit().Verify(sessionID, command, result.Passed, result.Duration)
	logging.Sandbox("verify for session %s: passed=%v exit=%d in %s", sessionID, result.Passed, result.ExitCode, result.Duration)
	return result, nil
}

func (e *Engine) checkAllowed(binary string) error {
	if len(e.cfg.AllowedCommands) == 0 {
		return nil
	}
	base := binary
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	for _, allowed := range e.cfg.AllowedCommands {
		if base == allowed {
			return nil
		}
	}
	return fmt.Errorf("verification command %q is not in the allowed list", binary)
}

// limitedWriter caps total bytes written, counting what it discards.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil
	}
	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
