package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/semmidev/dbvault/internal/domain"
)

const (
	stderrTailSize = 64 * 1024
	waitDelay      = 10 * time.Second
)

var execLookPath = exec.LookPath

// Install locations checked before PATH, matching where Homebrew and source builds put client tools.
var wellKnownToolDirs = []string{
	"/opt/homebrew/opt/postgresql@17/bin",
	"/opt/homebrew/bin",
	"/usr/local/bin",
}

func findTool(toolsDir, name string) (string, error) {
	if toolsDir != "" {
		path := filepath.Join(toolsDir, name)
		if isExecutable(path) {
			return path, nil
		}
		return "", domain.ToolNotFoundError(name, fmt.Errorf("no executable %s in %s", name, toolsDir))
	}

	for _, dir := range wellKnownToolDirs {
		path := filepath.Join(dir, name)
		if isExecutable(path) {
			return path, nil
		}
	}

	path, err := execLookPath(name)
	if err != nil {
		return "", domain.ToolNotFoundError(name, err)
	}
	return path, nil
}

func findTools(toolsDir string, names ...string) error {
	for _, name := range names {
		if _, err := findTool(toolsDir, name); err != nil {
			return err
		}
	}
	return nil
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode()&0111 != 0
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.truncated = true
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.truncated {
		return "...\n" + string(t.buf)
	}
	return string(t.buf)
}

func command(ctx context.Context, path string, args, env []string, stderr io.Writer) *exec.Cmd {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	return cmd
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// withCancelCause attaches the caller's cancellation to a process error so it stays detectable.
func withCancelCause(parent context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%w: %v", parent.Err(), err)
	}
	return err
}

// dumpStream exposes a running export tool's stdout.
type dumpStream struct {
	tool   string
	parent context.Context
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer
	cancel context.CancelFunc

	once sync.Once
	err  error
}

func startDump(ctx context.Context, tool, path string, args, env []string) (io.ReadCloser, error) {
	procCtx, cancel := context.WithCancel(ctx)
	stderr := newTailBuffer(stderrTailSize)
	cmd := command(procCtx, path, args, env, stderr)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe for %s: %w", tool, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, domain.DumpFailedError(tool, -1, "", err)
	}

	return &dumpStream{
		tool:   tool,
		parent: ctx,
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		cancel: cancel,
	}, nil
}

// Read returns io.EOF only when the tool exited cleanly.
func (d *dumpStream) Read(p []byte) (int, error) {
	n, err := d.stdout.Read(p)
	if err == nil {
		return n, nil
	}
	if err == io.EOF {
		d.wait()
		if d.err != nil {
			return n, d.err
		}
		return n, io.EOF
	}

	d.wait()
	if d.err != nil {
		return n, d.err
	}
	return n, err
}

// Close terminates the tool if it is still running.
func (d *dumpStream) Close() error {
	d.cancel()
	d.wait()
	return nil
}

func (d *dumpStream) wait() {
	d.once.Do(func() {
		err := d.cmd.Wait()
		d.cancel()
		if err != nil {
			d.err = domain.DumpFailedError(d.tool, exitCode(err), d.stderr.String(), withCancelCause(d.parent, err))
		}
	})
}

// sourceTracker records read errors coming from the stream being restored.
type sourceTracker struct {
	r   io.Reader
	err error
}

func (s *sourceTracker) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// runRestore feeds r into the import tool and waits for it. Read errors from r
// kill the tool and are returned unchanged.
func runRestore(ctx context.Context, tool, path string, args, env []string, r io.Reader) error {
	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stderr := newTailBuffer(stderrTailSize)
	cmd := command(procCtx, path, args, env, stderr)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe for %s: %w", tool, err)
	}
	if err := cmd.Start(); err != nil {
		return domain.RestoreFailedError(tool, -1, "", err)
	}

	src := &sourceTracker{r: r}
	_, copyErr := io.Copy(stdin, src)
	_ = stdin.Close()

	if src.err != nil {
		cancel()
		_ = cmd.Wait()
		return src.err
	}

	if err := cmd.Wait(); err != nil {
		return domain.RestoreFailedError(tool, exitCode(err), stderr.String(), withCancelCause(ctx, err))
	}
	if copyErr != nil {
		return domain.RestoreFailedError(tool, 0, stderr.String(),
			fmt.Errorf("%s exited before reading the whole stream: %w", tool, copyErr))
	}

	return nil
}
