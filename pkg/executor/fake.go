package executor

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Fake is an in-memory Executor for tests. Commands are scripted by their
// full command line; unscripted commands succeed with empty output.
type Fake struct {
	mu        sync.Mutex
	responses map[string][]*fakeResponse
	handlers  []fakeHandler
	missing   map[string]bool
	files     map[string][]byte
	calls     []string
}

type fakeResponse struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

type fakeHandler struct {
	prefix string
	fn     func(args []string) (*Result, error)
}

// NewFake returns an empty fake executor.
func NewFake() *Fake {
	return &Fake{
		responses: make(map[string][]*fakeResponse),
		missing:   make(map[string]bool),
		files:     make(map[string][]byte),
	}
}

// On scripts stdout for a command line. Repeated calls queue responses; the
// last one is reused once the queue drains.
func (f *Fake) On(cmdline, stdout string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[cmdline] = append(f.responses[cmdline], &fakeResponse{stdout: stdout})
	return f
}

// Fail scripts a non-zero exit for a command line.
func (f *Fake) Fail(cmdline string, exitCode int, stderr string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[cmdline] = append(f.responses[cmdline], &fakeResponse{stderr: stderr, exitCode: exitCode})
	return f
}

// Handle routes every command line starting with prefix to fn.
func (f *Fake) Handle(prefix string, fn func(args []string) (*Result, error)) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, fakeHandler{prefix: prefix, fn: fn})
	return f
}

// Missing marks a binary as not installed.
func (f *Fake) Missing(name string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing[name] = true
	return f
}

// SetFile seeds a file.
func (f *Fake) SetFile(path string, data string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = []byte(data)
	return f
}

// File returns a file's content and whether it exists.
func (f *Fake) File(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[path]
	return string(b), ok
}

// Calls returns every command line run so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsWithPrefix returns the command lines starting with prefix.
func (f *Fake) CallsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Run implements Executor.
func (f *Fake) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	line := CommandLine(name, args...)

	f.mu.Lock()
	f.calls = append(f.calls, line)
	if f.missing[name] {
		f.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", name, ErrCommandNotFound)
	}
	var resp *fakeResponse
	if queue := f.responses[line]; len(queue) > 0 {
		resp = queue[0]
		if len(queue) > 1 {
			f.responses[line] = queue[1:]
		}
	}
	var handler func([]string) (*Result, error)
	if resp == nil {
		for _, h := range f.handlers {
			if strings.HasPrefix(line, h.prefix) {
				handler = h.fn
				break
			}
		}
	}
	f.mu.Unlock()

	if handler != nil {
		return handler(args)
	}
	if resp == nil {
		return &Result{}, nil
	}
	if resp.err != nil {
		return nil, resp.err
	}
	res := &Result{Stdout: resp.stdout, Stderr: resp.stderr, ExitCode: resp.exitCode}
	if resp.exitCode != 0 {
		return res, &ExecError{Command: line, ExitCode: resp.exitCode, Stderr: resp.stderr}
	}
	return res, nil
}

// ReadFile implements Executor.
func (f *Fake) ReadFile(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// WriteFile implements Executor.
func (f *Fake) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := make([]byte, len(data))
	copy(b, data)
	f.files[path] = b
	return nil
}

// Remove implements Executor.
func (f *Fake) Remove(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

// Glob implements Executor.
func (f *Fake) Glob(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for p := range f.files {
		ok, err := filepath.Match(pattern, p)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}
