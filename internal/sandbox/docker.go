package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
)

const (
	defaultDockerPIDsLimit = 256
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "termrelay-tools:latest"

	sandboxLabel  = "termrelay.sandbox"
	deadlineLabel = "termrelay.deadline"
	templateLabel = "termrelay.template"

	containerHome = "/home/sandbox"
)

// DockerConfig configures the Docker provider.
type DockerConfig struct {
	// Images maps a sandbox template to a container image. Templates without
	// an entry use DefaultImage.
	Images         map[string]string
	DefaultImage   string
	MemoryMB       int     // --memory hard limit.
	CPUCores       float64 // --cpus rate limit.
	PIDsLimit      int     // --pids-limit.
	NetworkAllowed bool    // false = --network=none.
}

// DockerProvider runs each sandbox as a long-lived, hardened container that
// sleeps for the sandbox timeout. Commands are started with docker exec; the
// container exits on its own when the sleep ends, so the hard timeout holds
// even if the service dies.
//
// Hardening:
//   - All Linux capabilities dropped, no-new-privileges
//   - Read-only root filesystem with tmpfs for writable dirs
//   - Non-root user (65534)
//   - Memory limit without swap, PIDs limit, CPU rate limit
//   - Labelled so a janitor can find and remove leftovers
type DockerProvider struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerProvider creates a Docker provider.
func NewDockerProvider(cfg DockerConfig, logger *slog.Logger) *DockerProvider {
	if cfg.DefaultImage == "" {
		cfg.DefaultImage = defaultDockerImage
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerProvider{config: cfg, logger: logger}
}

// Create starts a detached container for template.
func (d *DockerProvider) Create(ctx context.Context, template string, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	name, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	now := time.Now()
	h := &Handle{
		ID:        name,
		Template:  template,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
	}

	image := d.imageFor(template)
	args := d.buildRunArgs(h, image, timeout)

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		// The container may exist even if the client failed.
		d.forceRemoveContainer(name)
		return nil, fmt.Errorf("docker run %s: %w: %s", image, err, strings.TrimSpace(string(out)))
	}

	d.logger.Info("docker sandbox created",
		slog.String("container", name),
		slog.String("template", template),
		slog.String("image", image),
		slog.Int("memory_mb", d.config.MemoryMB),
		slog.Duration("timeout", timeout),
	)
	return h, nil
}

// RunCommand starts command with docker exec. Cancelling ctx stops the docker
// client; the process inside the container ends with the container.
func (d *DockerProvider) RunCommand(ctx context.Context, h *Handle, command string) (*Process, error) {
	if h == nil {
		return nil, ErrNotAllocated
	}
	cmd := exec.CommandContext(ctx, "docker", "exec", "--workdir", containerHome, h.ID, "sh", "-c", command)
	return startProcess(ctx, cmd)
}

// Upload streams data into <home>/files/<name> through docker exec -i.
func (d *DockerProvider) Upload(ctx context.Context, h *Handle, name string, data []byte) (string, error) {
	if h == nil {
		return "", ErrNotAllocated
	}
	dir := path.Join(containerHome, uploadDir)
	dest := path.Join(dir, safeBase(name))
	script := "mkdir -p " + shellescape.Quote(dir) + " && cat > " + shellescape.Quote(dest)

	cmd := exec.CommandContext(ctx, "docker", "exec", "-i", h.ID, "sh", "-c", script)
	cmd.Stdin = bytes.NewReader(data)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("uploading %s: %w: %s", dest, err, strings.TrimSpace(string(out)))
	}
	return dest, nil
}

// Kill removes the container.
func (d *DockerProvider) Kill(ctx context.Context, h *Handle) error {
	if h == nil {
		return ErrNotAllocated
	}
	return d.removeContainer(ctx, h.ID)
}

// Sweep removes labelled containers whose deadline has passed.
func (d *DockerProvider) Sweep(ctx context.Context, now time.Time) (int, error) {
	out, err := exec.CommandContext(ctx, "docker", "ps", "-a",
		"--filter", "label="+sandboxLabel+"=1",
		"--format", `{{.Names}} {{.Label "`+deadlineLabel+`"}}`,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("listing sandbox containers: %w", err)
	}

	removed := 0
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		name, deadline, ok := parseSweepLine(line)
		if !ok || now.Before(deadline) {
			continue
		}
		if err := d.removeContainer(ctx, name); err != nil {
			d.logger.Warn("janitor failed to remove container",
				slog.String("container", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	return removed, nil
}

func parseSweepLine(line string) (string, time.Time, bool) {
	name, unix, ok := strings.Cut(strings.TrimSpace(line), " ")
	if !ok || name == "" {
		return "", time.Time{}, false
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(unix), 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return name, time.Unix(secs, 0), true
}

func (d *DockerProvider) imageFor(template string) string {
	if img, ok := d.config.Images[template]; ok && img != "" {
		return img
	}
	return d.config.DefaultImage
}

// buildRunArgs constructs the docker run argument list with all hardening flags.
func (d *DockerProvider) buildRunArgs(h *Handle, image string, timeout time.Duration) []string {
	memoryFlag := strconv.Itoa(d.config.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(d.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(d.config.PIDsLimit)
	secs := int(timeout.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}

	args := []string{
		"run", "-d", "--rm",
		"--name", h.ID,
		"--label", sandboxLabel + "=1",
		"--label", templateLabel + "=" + h.Template,
		"--label", deadlineLabel + "=" + strconv.FormatInt(h.Deadline.Unix(), 10),

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--tmpfs", containerHome + ":rw,noexec,nosuid,size=128m",

		"--env", "HOME=" + containerHome,
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
		"--workdir", containerHome,
	}

	if d.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	return append(args, image, "sleep", strconv.Itoa(secs))
}

func (d *DockerProvider) removeContainer(ctx context.Context, name string) error {
	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		// Already gone: --rm fired when the sleep ended.
		if bytes.Contains(out, []byte("No such container")) {
			return nil
		}
		return fmt.Errorf("docker rm -f %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// forceRemoveContainer is best-effort cleanup after a failed create.
func (d *DockerProvider) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.removeContainer(ctx, name); err != nil {
		d.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
		)
	}
}

// generateContainerName returns termrelay-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "termrelay-sbx-" + hex.EncodeToString(b), nil
}
