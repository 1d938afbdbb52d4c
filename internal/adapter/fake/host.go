package fake

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"stevedore/internal/adapter/fake/fault"
	"stevedore/internal/remote"
)

var _ remote.Host = (*Host)(nil)

// CommandFunc scripts the outcome of a remote command.
type CommandFunc func(ctx context.Context, argv []string) (remote.Result, error)

type hostFile struct {
	data []byte
	mode fs.FileMode
}

// Host is an in-memory remote.Host. Commands succeed with no output unless a
// handler registered with Handle matches; the longest matching prefix wins.
// Files and directories live in maps keyed by clean absolute path.
type Host struct {
	CallRecorder
	mu       sync.Mutex
	addr     string
	files    map[string]hostFile
	dirs     map[string]bool
	handlers map[string]CommandFunc
	commands []string
	closed   bool

	// Faults is consulted at fault.HostExec with the command line and at
	// fault.HostWrite with the path.
	Faults *fault.Injector

	ExecErr      func(ctx context.Context, argv []string) error
	WriteFileErr func(ctx context.Context, path string) error
	RenameErr    func(ctx context.Context, from, to string) error
}

// NewHost creates a Host with only the root directory.
func NewHost(addr string) *Host {
	return &Host{
		addr:     addr,
		files:    make(map[string]hostFile),
		dirs:     map[string]bool{"/": true},
		handlers: make(map[string]CommandFunc),
	}
}

// Handle registers fn for commands whose space-joined argv starts with prefix.
func (h *Host) Handle(prefix string, fn CommandFunc) {
	h.mu.Lock()
	h.handlers[prefix] = fn
	h.mu.Unlock()
}

// Fail makes commands matching prefix exit with code and stderr.
func (h *Host) Fail(prefix string, code int, stderr string) {
	h.Handle(prefix, func(_ context.Context, argv []string) (remote.Result, error) {
		return remote.Result{Stderr: stderr}, &remote.ExitError{Command: strings.Join(argv, " "), Code: code, Stderr: stderr}
	})
}

// Succeed removes any handler registered for prefix.
func (h *Host) Succeed(prefix string) {
	h.mu.Lock()
	delete(h.handlers, prefix)
	h.mu.Unlock()
}

// Commands returns every executed command, space-joined, in order.
func (h *Host) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.commands))
	copy(out, h.commands)
	return out
}

// Ran reports whether a command starting with prefix was executed.
func (h *Host) Ran(prefix string) bool {
	for _, c := range h.Commands() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// File returns the content at p.
func (h *Host) File(p string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.files[path.Clean(p)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

// FileMode returns the permission bits of the file at p.
func (h *Host) FileMode(p string) (fs.FileMode, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.files[path.Clean(p)]
	return f.mode, ok
}

// SetFile places a file, creating its parent directories.
func (h *Host) SetFile(p string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p = path.Clean(p)
	h.mkdirAllLocked(path.Dir(p))
	h.files[p] = hostFile{data: append([]byte(nil), data...), mode: 0o644}
}

// HasDir reports whether the directory p exists.
func (h *Host) HasDir(p string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dirs[path.Clean(p)]
}

// Paths lists every file and directory under dir, sorted.
func (h *Host) Paths(dir string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	dir = path.Clean(dir)
	var out []string
	for p := range h.files {
		if under(p, dir) {
			out = append(out, p)
		}
	}
	for p := range h.dirs {
		if p != dir && under(p, dir) {
			out = append(out, p+"/")
		}
	}
	sort.Strings(out)
	return out
}

// Closed reports whether Close was called.
func (h *Host) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Host) Address() string { return h.addr }

func (h *Host) Exec(ctx context.Context, argv ...string) (remote.Result, error) {
	h.record("Exec", argv)
	cmd := strings.Join(argv, " ")

	h.mu.Lock()
	h.commands = append(h.commands, cmd)
	var (
		fn   CommandFunc
		best = -1
	)
	for prefix, handler := range h.handlers {
		if strings.HasPrefix(cmd, prefix) && len(prefix) > best {
			fn, best = handler, len(prefix)
		}
	}
	h.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return remote.Result{}, err
	}
	if err := h.Faults.Eval(fault.HostExec, cmd); err != nil {
		return remote.Result{}, err
	}
	if h.ExecErr != nil {
		if err := h.ExecErr(ctx, argv); err != nil {
			return remote.Result{}, err
		}
	}
	if fn == nil {
		return remote.Result{}, nil
	}
	return fn(ctx, argv)
}

func (h *Host) WriteFile(ctx context.Context, p string, data []byte, mode fs.FileMode) error {
	h.record("WriteFile", p, mode)
	if err := h.Faults.Eval(fault.HostWrite, p); err != nil {
		return err
	}
	if h.WriteFileErr != nil {
		if err := h.WriteFileErr(ctx, p); err != nil {
			return err
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	p = path.Clean(p)
	if !h.dirs[path.Dir(p)] {
		return fmt.Errorf("write %s: %w", p, fs.ErrNotExist)
	}
	h.files[p] = hostFile{data: append([]byte(nil), data...), mode: mode.Perm()}
	return nil
}

func (h *Host) ReadFile(_ context.Context, p string) ([]byte, error) {
	h.record("ReadFile", p)
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.files[path.Clean(p)]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", p, fs.ErrNotExist)
	}
	return append([]byte(nil), f.data...), nil
}

func (h *Host) Rename(ctx context.Context, from, to string) error {
	h.record("Rename", from, to)
	if h.RenameErr != nil {
		if err := h.RenameErr(ctx, from, to); err != nil {
			return err
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	from, to = path.Clean(from), path.Clean(to)
	f, ok := h.files[from]
	if !ok {
		return fmt.Errorf("rename %s: %w", from, fs.ErrNotExist)
	}
	if !h.dirs[path.Dir(to)] {
		return fmt.Errorf("rename %s: %w", to, fs.ErrNotExist)
	}
	delete(h.files, from)
	h.files[to] = f
	return nil
}

func (h *Host) Mkdir(_ context.Context, p string) error {
	h.record("Mkdir", p)
	h.mu.Lock()
	defer h.mu.Unlock()
	p = path.Clean(p)
	if _, isFile := h.files[p]; isFile || h.dirs[p] {
		return fmt.Errorf("mkdir %s: %w", p, fs.ErrExist)
	}
	if !h.dirs[path.Dir(p)] {
		return fmt.Errorf("mkdir %s: %w", p, fs.ErrNotExist)
	}
	h.dirs[p] = true
	return nil
}

func (h *Host) MkdirAll(_ context.Context, p string) error {
	h.record("MkdirAll", p)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mkdirAllLocked(path.Clean(p))
	return nil
}

func (h *Host) RemoveAll(_ context.Context, p string) error {
	h.record("RemoveAll", p)
	h.mu.Lock()
	defer h.mu.Unlock()
	p = path.Clean(p)
	for f := range h.files {
		if f == p || under(f, p) {
			delete(h.files, f)
		}
	}
	for d := range h.dirs {
		if d != "/" && (d == p || under(d, p)) {
			delete(h.dirs, d)
		}
	}
	return nil
}

func (h *Host) Close() error {
	h.record("Close")
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

func (h *Host) mkdirAllLocked(p string) {
	for d := p; ; d = path.Dir(d) {
		h.dirs[d] = true
		if d == "/" || d == "." {
			return
		}
	}
}

func under(p, dir string) bool {
	if dir == "/" {
		return p != "/"
	}
	return strings.HasPrefix(p, dir+"/")
}
