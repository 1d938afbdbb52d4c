package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	defaultPort        = "22"
	defaultDialTimeout = 15 * time.Second

	// Exit codes the file helpers use to signal well-known conditions.
	codeExists   = 17
	codeNotExist = 44
)

// Config describes how to reach and authenticate to the host.
type Config struct {
	// Address is "host" or "host:port".
	Address    string
	User       string
	PrivateKey []byte
	Passphrase []byte
	// KnownHostsFile, when set, verifies the host key against it.
	KnownHostsFile string
	// HostKeyFingerprint, when set, pins the host key ("SHA256:...").
	HostKeyFingerprint string
	Timeout            time.Duration
}

// SSHHost is a Host reached over SSH.
type SSHHost struct {
	addr    string
	client  *ssh.Client
	elevate bool
	log     *slog.Logger
}

var _ Host = (*SSHHost)(nil)

// Dial opens the SSH connection. Non-root users run every command through
// "sudo -n".
func Dial(ctx context.Context, cfg Config) (*SSHHost, error) {
	addr := hostPort(cfg.Address)
	if strings.TrimSpace(cfg.User) == "" {
		return nil, fmt.Errorf("ssh user is required")
	}

	signer, err := Signer(cfg.PrivateKey, cfg.Passphrase)
	if err != nil {
		return nil, err
	}
	hostKeys, err := HostKeyCallback(cfg.KnownHostsFile, cfg.HostKeyFingerprint)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	h := &SSHHost{
		addr:    addr,
		client:  ssh.NewClient(c, chans, reqs),
		elevate: cfg.User != "root",
		log:     slog.With("component", "remote", "host", addr),
	}
	h.log.Debug("Connected.", "user", cfg.User, "sudo", h.elevate)
	return h, nil
}

func (h *SSHHost) Address() string { return h.addr }

func (h *SSHHost) Close() error { return h.client.Close() }

func (h *SSHHost) Exec(ctx context.Context, argv ...string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("empty command")
	}
	return h.run(ctx, CommandLine(h.elevate, argv...), nil)
}

func (h *SSHHost) WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error {
	tmp := path + ".tmp"
	script := fmt.Sprintf("umask 077 && cat > %s && chmod %o %s && mv -f %s %s",
		Quote(tmp), mode.Perm(), Quote(tmp), Quote(tmp), Quote(path))
	if _, err := h.run(ctx, CommandLine(h.elevate, "sh", "-c", script), data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (h *SSHHost) ReadFile(ctx context.Context, path string) ([]byte, error) {
	script := fmt.Sprintf("[ -e %s ] || exit %d; cat %s", Quote(path), codeNotExist, Quote(path))
	res, err := h.run(ctx, CommandLine(h.elevate, "sh", "-c", script), nil)
	if err != nil {
		if exitCode(err) == codeNotExist {
			return nil, fmt.Errorf("read %s: %w", path, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return []byte(res.Stdout), nil
}

func (h *SSHHost) Rename(ctx context.Context, from, to string) error {
	script := fmt.Sprintf("[ -e %s ] || exit %d; mv -f %s %s", Quote(from), codeNotExist, Quote(from), Quote(to))
	if _, err := h.run(ctx, CommandLine(h.elevate, "sh", "-c", script), nil); err != nil {
		if exitCode(err) == codeNotExist {
			return fmt.Errorf("rename %s: %w", from, fs.ErrNotExist)
		}
		return fmt.Errorf("rename %s: %w", from, err)
	}
	return nil
}

func (h *SSHHost) Mkdir(ctx context.Context, path string) error {
	script := fmt.Sprintf("mkdir %s 2>/dev/null && exit 0; [ -e %s ] && exit %d; exit 1",
		Quote(path), Quote(path), codeExists)
	if _, err := h.run(ctx, CommandLine(h.elevate, "sh", "-c", script), nil); err != nil {
		if exitCode(err) == codeExists {
			return fmt.Errorf("mkdir %s: %w", path, fs.ErrExist)
		}
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

func (h *SSHHost) MkdirAll(ctx context.Context, path string) error {
	if _, err := h.run(ctx, CommandLine(h.elevate, "mkdir", "-p", path), nil); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

func (h *SSHHost) RemoveAll(ctx context.Context, path string) error {
	if _, err := h.run(ctx, CommandLine(h.elevate, "rm", "-rf", path), nil); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// run executes one command in a fresh session. Cancelling ctx kills the
// remote process and closes the session.
func (h *SSHHost) run(ctx context.Context, cmd string, stdin []byte) (Result, error) {
	session, err := h.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	h.log.Debug("Running remote command.", "cmd", abbrev(cmd))
	if err := session.Start(cmd); err != nil {
		return Result{}, fmt.Errorf("start %q: %w", abbrev(cmd), err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return Result{}, ctx.Err()
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return res, &ExitError{Command: abbrev(cmd), Code: exitErr.ExitStatus(), Stderr: res.Stderr}
	}
	return res, fmt.Errorf("run %q: %w", abbrev(cmd), err)
}

func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}

func hostPort(addr string) string {
	addr = strings.TrimSpace(addr)
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), defaultPort)
}

// abbrev shortens inline scripts so logs stay readable.
func abbrev(cmd string) string {
	const limit = 120
	if len(cmd) <= limit {
		return cmd
	}
	return cmd[:limit] + "..." + strconv.Itoa(len(cmd)-limit) + " more bytes"
}
