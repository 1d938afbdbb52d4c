// Package remote is the command and file channel to the target host.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// Host is an open channel to a provisioned machine. Paths are absolute paths
// on the host.
type Host interface {
	// Address identifies the host in logs and release records.
	Address() string
	// Exec runs argv and returns its output. A non-zero exit status is
	// reported as *ExitError.
	Exec(ctx context.Context, argv ...string) (Result, error)
	WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error
	// ReadFile returns an error wrapping fs.ErrNotExist when path is absent.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// Rename replaces to with from. It returns an error wrapping
	// fs.ErrNotExist when from is absent.
	Rename(ctx context.Context, from, to string) error
	// Mkdir creates exactly one directory and fails with an error wrapping
	// fs.ErrExist when it is already there.
	Mkdir(ctx context.Context, path string) error
	MkdirAll(ctx context.Context, path string) error
	RemoveAll(ctx context.Context, path string) error
	Close() error
}

// Result is the captured output of a finished command.
type Result struct {
	Stdout string
	Stderr string
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Command, e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLines(s, 5)
	}
	return msg
}

// IsExit reports whether err is a non-zero exit rather than a transport
// failure.
func IsExit(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr)
}

// Quote returns s as a single POSIX shell word.
func Quote(s string) string {
	if s != "" && strings.Trim(s, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./=:@,+") == "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", "'\"'\"'") + "'"
}

// CommandLine joins argv into a shell command line, prefixed with a
// non-interactive sudo when elevate is set.
func CommandLine(elevate bool, argv ...string) string {
	words := make([]string, 0, len(argv)+2)
	if elevate {
		words = append(words, "sudo", "-n")
	}
	for _, a := range argv {
		words = append(words, Quote(a))
	}
	return strings.Join(words, " ")
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
