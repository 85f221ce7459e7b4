package sandbox

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestProcessProvider(t *testing.T) *ProcessProvider {
	t.Helper()
	return NewProcessProvider(ProcessConfig{BaseDir: t.TempDir()}, discardLogger())
}

func TestProcessProvider_MergedOutputAndExitCode(t *testing.T) {
	p := newTestProcessProvider(t)
	ctx := context.Background()

	h, err := p.Create(ctx, "pro", time.Minute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Kill(ctx, h)

	proc, err := p.RunCommand(ctx, h, "echo out; echo err 1>&2; exit 3")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	out, err := io.ReadAll(proc)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !strings.Contains(string(out), "out\n") || !strings.Contains(string(out), "err\n") {
		t.Errorf("output = %q, want both streams", out)
	}
	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestProcessProvider_NoEnvInheritance(t *testing.T) {
	t.Setenv("TERMRELAY_TEST_SECRET", "leaked")
	p := newTestProcessProvider(t)
	ctx := context.Background()

	h, err := p.Create(ctx, "pro", time.Minute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Kill(ctx, h)

	proc, err := p.RunCommand(ctx, h, `echo "[$TERMRELAY_TEST_SECRET]"`)
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	out, _ := io.ReadAll(proc)
	if got := strings.TrimSpace(string(out)); got != "[]" {
		t.Errorf("output = %q, want []", got)
	}
}

func TestProcessProvider_UploadIsVisibleToCommands(t *testing.T) {
	p := newTestProcessProvider(t)
	ctx := context.Background()

	h, err := p.Create(ctx, "pro", time.Minute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Kill(ctx, h)

	path, err := p.Upload(ctx, h, "../../targets.txt", []byte("example.com\n"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if filepath.Base(path) != "targets.txt" {
		t.Errorf("upload path = %q, want base targets.txt", path)
	}

	proc, err := p.RunCommand(ctx, h, "cat files/targets.txt")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	out, _ := io.ReadAll(proc)
	if string(out) != "example.com\n" {
		t.Errorf("output = %q", out)
	}
}

func TestProcessProvider_KillAbortsRunningCommand(t *testing.T) {
	p := newTestProcessProvider(t)
	ctx := context.Background()

	h, err := p.Create(ctx, "pro", time.Minute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	proc, err := p.RunCommand(ctx, h, "echo started; sleep 30")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}

	buf := make([]byte, 8)
	if _, err := io.ReadFull(proc, buf); err != nil {
		t.Fatalf("reading first output: %v", err)
	}
	dir := p.boxes[h.ID].dir

	if err := p.Kill(ctx, h); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = io.ReadAll(proc)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("command still running after Kill")
	}
	if code, err := proc.Wait(); err == nil || code != -1 {
		t.Errorf("Wait = %d, %v; want -1 and an error", code, err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("sandbox dir still exists: %v", err)
	}
	if _, err := p.RunCommand(ctx, h, "true"); err == nil {
		t.Error("RunCommand on a killed sandbox should fail")
	}
	if err := p.Kill(ctx, h); err != nil {
		t.Errorf("second Kill: %v", err)
	}
}

func TestProcessProvider_DeadlineEnforced(t *testing.T) {
	p := newTestProcessProvider(t)
	ctx := context.Background()

	h, err := p.Create(ctx, "pro", 300*time.Millisecond)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	proc, err := p.RunCommand(ctx, h, "sleep 30")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = io.ReadAll(proc)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("command outlived the sandbox deadline")
	}
}

func TestProcessProvider_CallerCancelStopsCommand(t *testing.T) {
	p := newTestProcessProvider(t)
	h, err := p.Create(context.Background(), "pro", time.Minute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Kill(context.Background(), h)

	ctx, cancel := context.WithCancel(context.Background())
	proc, err := p.RunCommand(ctx, h, "sleep 30")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	cancel()

	if _, err := io.ReadAll(proc); err == nil {
		t.Error("expected an error after cancellation")
	}
}

func TestProcessProvider_SweepRemovesOrphans(t *testing.T) {
	p := newTestProcessProvider(t)
	ctx := context.Background()

	h, err := p.Create(ctx, "pro", time.Minute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Kill(ctx, h)
	live := p.boxes[h.ID].dir

	orphan := filepath.Join(p.baseDir, processDirPrefix+"orphan")
	if err := os.Mkdir(orphan, 0o755); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(orphan, old, old); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(live, old, old); err != nil {
		t.Fatal(err)
	}

	removed, err := p.Sweep(ctx, time.Now())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan dir should be gone")
	}
	if _, err := os.Stat(live); err != nil {
		t.Errorf("live sandbox dir removed: %v", err)
	}
}

func TestSafeBase(t *testing.T) {
	cases := map[string]string{
		"report.pdf":       "report.pdf",
		"../../etc/passwd": "passwd",
		"/":                "upload",
		"":                 "upload",
	}
	for in, want := range cases {
		if got := safeBase(in); got != want {
			t.Errorf("safeBase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestProcessProvider_BackgroundChildDoesNotBlock(t *testing.T) {
	p := newTestProcessProvider(t)
	ctx := context.Background()

	h, err := p.Create(ctx, "pro", time.Minute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Kill(ctx, h)

	start := time.Now()
	proc, err := p.RunCommand(ctx, h, "sleep 30 & echo hi")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	out, _ := io.ReadAll(proc)
	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("command took %s, background child blocked the output", elapsed)
	}
	if strings.TrimSpace(string(out)) != "hi" || code != 0 {
		t.Errorf("output = %q, exit code = %d", out, code)
	}
}
