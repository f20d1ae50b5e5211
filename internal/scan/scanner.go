// Package scan provides the malware scan gate that all shared content
// passes through before it is exposed to a peer or kept locally.
package scan

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// Status is the three-valued verdict of a scan attempt.
type Status int

const (
	StatusClean Status = iota
	StatusInfected
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusClean:
		return "clean"
	case StatusInfected:
		return "infected"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Result carries the verdict for one scanned path. Detail holds scanner
// output or an error description for non-clean verdicts.
type Result struct {
	Status Status
	Detail string
}

// Scanner checks a file or directory tree for malware.
type Scanner interface {
	Scan(ctx context.Context, path string) Result
}

// DefaultTimeout bounds a single scanner invocation.
const DefaultTimeout = 60 * time.Second

const maxDetailLen = 512

// CommandScanner shells out to an external scanner executable. The target
// path is appended to Args. Exit code 0 means clean, 1 means infected;
// anything else, including a missing executable, is reported unavailable.
// This matches the clamscan exit-code contract.
type CommandScanner struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// NewCommandScanner returns a scanner invoking the given executable.
func NewCommandScanner(command string, args []string) *CommandScanner {
	return &CommandScanner{Command: command, Args: args, Timeout: DefaultTimeout}
}

func (s *CommandScanner) Scan(ctx context.Context, path string) Result {
	if s.Command == "" {
		return Result{Status: StatusUnavailable, Detail: "no scanner configured"}
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := make([]string, 0, len(s.Args)+1)
	args = append(args, s.Args...)
	args = append(args, path)

	out, err := exec.CommandContext(ctx, s.Command, args...).CombinedOutput()
	if err == nil {
		return Result{Status: StatusClean}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == 1 {
			return Result{Status: StatusInfected, Detail: summarize(out)}
		}
		return Result{Status: StatusUnavailable, Detail: summarize(out)}
	}
	if errors.Is(err, exec.ErrNotFound) {
		return Result{Status: StatusUnavailable, Detail: s.Command + " not found"}
	}
	if ctx.Err() != nil {
		return Result{Status: StatusUnavailable, Detail: "scan timed out"}
	}
	return Result{Status: StatusUnavailable, Detail: err.Error()}
}

func summarize(out []byte) string {
	detail := strings.TrimSpace(string(out))
	if len(detail) > maxDetailLen {
		detail = detail[:maxDetailLen]
	}
	return detail
}
