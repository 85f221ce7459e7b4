package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	processDirPrefix = "termrelay-sbx-"

	// outputWaitDelay bounds how long a finished command waits for background
	// children still holding its output.
	outputWaitDelay = 2 * time.Second
)

// ProcessConfig configures the process-based provider.
type ProcessConfig struct {
	// BaseDir holds one working directory per sandbox. Empty = os.TempDir().
	BaseDir string
	Limits  ResourceLimits
}

// ProcessProvider runs each sandbox as a private temp directory on the host,
// with commands executed as isolated OS processes. It is meant for development
// and for hosts without Docker; the isolation is weaker than a container.
//
// Guarantees:
//   - Each sandbox gets its own directory, removed on Kill or expiry
//   - Commands run in their own process group, killed as a group
//   - No environment inheritance from the parent process
//   - CPU and memory limits via ulimit
//   - The sandbox deadline cancels running commands and removes the directory
type ProcessProvider struct {
	baseDir string
	limits  ResourceLimits
	logger  *slog.Logger

	mu    sync.Mutex
	boxes map[string]*processBox
}

type processBox struct {
	dir    string
	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer
}

// NewProcessProvider creates a process-based provider.
func NewProcessProvider(cfg ProcessConfig, logger *slog.Logger) *ProcessProvider {
	limits := cfg.Limits
	if limits.MaxCPUSeconds == 0 {
		limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if limits.MaxMemoryMB == 0 {
		limits.MaxMemoryMB = defaultMemoryMB
	}
	base := cfg.BaseDir
	if base == "" {
		base = os.TempDir()
	}
	return &ProcessProvider{
		baseDir: base,
		limits:  limits,
		logger:  logger,
		boxes:   make(map[string]*processBox),
	}
}

// Create allocates a working directory and arms the expiry timer.
func (p *ProcessProvider) Create(_ context.Context, template string, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := os.MkdirAll(p.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox base dir: %w", err)
	}
	dir, err := os.MkdirTemp(p.baseDir, processDirPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox dir: %w", err)
	}

	now := time.Now()
	h := &Handle{
		ID:        uuid.NewString(),
		Template:  template,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
	}

	ctx, cancel := context.WithDeadline(context.Background(), h.Deadline)
	box := &processBox{dir: dir, ctx: ctx, cancel: cancel}
	box.timer = time.AfterFunc(timeout, func() {
		if p.remove(h.ID) {
			p.logger.Warn("process sandbox expired",
				slog.String("sandbox_id", h.ID),
				slog.Duration("timeout", timeout),
			)
		}
	})

	p.mu.Lock()
	p.boxes[h.ID] = box
	p.mu.Unlock()

	p.logger.Info("process sandbox created",
		slog.String("sandbox_id", h.ID),
		slog.String("template", template),
		slog.String("dir", dir),
	)
	return h, nil
}

// RunCommand runs command under /bin/sh in the sandbox directory. The command
// stops when ctx is cancelled or the sandbox is destroyed, whichever is first.
func (p *ProcessProvider) RunCommand(ctx context.Context, h *Handle, command string) (*Process, error) {
	box, err := p.lookup(h)
	if err != nil {
		return nil, err
	}

	cmdCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(box.ctx, cancel)

	// The command travels as a positional parameter so it is never spliced
	// into the ulimit wrapper script.
	script := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec /bin/sh -c \"$1\"",
		p.limits.MaxMemoryMB*1024, p.limits.MaxCPUSeconds,
	)
	cmd := exec.CommandContext(cmdCtx, "/bin/sh", "-c", script, "_", command)
	cmd.Dir = box.dir
	cmd.Env = buildEnv(box.dir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = outputWaitDelay

	proc, err := startProcess(cmdCtx, cmd)
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	go func() {
		<-proc.done
		// Background children do not outlive the command that started them.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		stop()
		cancel()
	}()

	p.logger.Debug("process sandbox command started",
		slog.String("sandbox_id", h.ID),
		slog.Int("memory_limit_mb", p.limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", p.limits.MaxCPUSeconds),
	)
	return proc, nil
}

// Upload writes data under <sandbox>/files. Only the base name is kept.
func (p *ProcessProvider) Upload(_ context.Context, h *Handle, name string, data []byte) (string, error) {
	box, err := p.lookup(h)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(box.dir, uploadDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating upload dir: %w", err)
	}
	path := filepath.Join(dir, safeBase(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

// Kill cancels running commands and removes the sandbox directory. Killing
// an unknown or expired sandbox is not an error.
func (p *ProcessProvider) Kill(_ context.Context, h *Handle) error {
	if h == nil {
		return ErrNotAllocated
	}
	p.remove(h.ID)
	return nil
}

// Sweep removes sandbox directories under the base dir that no live sandbox
// owns and that are older than DefaultTimeout, e.g. left behind by a crash.
func (p *ProcessProvider) Sweep(_ context.Context, now time.Time) (int, error) {
	entries, err := os.ReadDir(p.baseDir)
	if err != nil {
		return 0, fmt.Errorf("reading sandbox base dir: %w", err)
	}

	p.mu.Lock()
	owned := make(map[string]bool, len(p.boxes))
	for _, b := range p.boxes {
		owned[b.dir] = true
	}
	p.mu.Unlock()

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), processDirPrefix) {
			continue
		}
		dir := filepath.Join(p.baseDir, e.Name())
		if owned[dir] {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < DefaultTimeout {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			p.logger.Warn("failed to remove orphaned sandbox dir",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	return removed, nil
}

func (p *ProcessProvider) lookup(h *Handle) (*processBox, error) {
	if h == nil {
		return nil, ErrNotAllocated
	}
	p.mu.Lock()
	box, ok := p.boxes[h.ID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSandbox, h.ID)
	}
	return box, nil
}

// remove tears a sandbox down and reports whether it was still registered.
func (p *ProcessProvider) remove(id string) bool {
	p.mu.Lock()
	box, ok := p.boxes[id]
	delete(p.boxes, id)
	p.mu.Unlock()
	if !ok {
		return false
	}

	box.timer.Stop()
	box.cancel()
	if err := os.RemoveAll(box.dir); err != nil {
		p.logger.Warn("failed to remove sandbox dir",
			slog.String("dir", box.dir),
			slog.String("error", err.Error()),
		)
	}
	return true
}

// buildEnv constructs a minimal environment. The parent environment is never
// inherited, so provider keys and credentials cannot leak into commands.
func buildEnv(dir string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
}

// safeBase strips any directory components from an uploaded file name.
func safeBase(name string) string {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == "" {
		return "upload"
	}
	return base
}
