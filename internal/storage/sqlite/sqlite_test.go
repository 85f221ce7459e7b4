package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/termrelay/internal/agent"
	"github.com/jkaninda/termrelay/internal/plugin"
	"github.com/jkaninda/termrelay/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "termrelay.db")}, discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestFiles_UploadAndRetrieve(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	svc := storage.NewFileService(s.Files(), 10)

	f, err := svc.Upload(ctx, "alice", "Targets List.TXT", []byte("example.com\nexample.org\n"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if f.Name != "targets_list.txt" || f.Kind != storage.KindText || f.Size != 24 {
		t.Errorf("file = %+v", f)
	}

	got, err := svc.Retrieve(ctx, "alice", f.ID)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got.Name != "targets_list.txt" || string(got.Content) != "example.com\nexample.org\n" {
		t.Errorf("retrieved = %+v", got)
	}

	if _, err := svc.Retrieve(ctx, "mallory", f.ID); !errors.Is(err, storage.ErrForbidden) {
		t.Errorf("foreign retrieve err = %v, want ErrForbidden", err)
	}
	if _, err := svc.Retrieve(ctx, "alice", "not-a-uuid"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("bad id err = %v, want ErrNotFound", err)
	}

	list, err := svc.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Content != nil {
		t.Errorf("list = %+v", list)
	}

	if err := svc.Delete(ctx, "mallory", f.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("foreign delete err = %v", err)
	}
	if err := svc.Delete(ctx, "alice", f.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := svc.Get(ctx, "alice", f.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("after delete err = %v", err)
	}
}

func TestFiles_Quota(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	svc := storage.NewFileService(s.Files(), 2)

	for i := 0; i < 2; i++ {
		if _, err := svc.Upload(ctx, "alice", "a.txt", []byte("x")); err != nil {
			t.Fatalf("Upload %d: %v", i, err)
		}
	}
	if _, err := svc.Upload(ctx, "alice", "c.txt", []byte("x")); !errors.Is(err, storage.ErrQuotaExceeded) {
		t.Errorf("err = %v, want ErrQuotaExceeded", err)
	}
	if _, err := svc.Upload(ctx, "bob", "c.txt", []byte("x")); err != nil {
		t.Errorf("quota is per owner: %v", err)
	}
}

func TestExecutions_AuditRecorder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := storage.NewAuditRecorder(s.Executions())

	old := time.Now().UTC().Add(-48 * time.Hour)
	records := []*agent.ExecutionRecord{
		{CallerID: "alice", Plugin: plugin.SSLScanner, Command: "nmap example.com", Rejected: true, ExitCode: -1, CreatedAt: old},
		{CallerID: "alice", Plugin: plugin.SSLScanner, Command: "testssl.sh example.com", ExitCode: 0, OutputTokens: 900, Duration: 1500 * time.Millisecond},
		{CallerID: "bob", Plugin: plugin.WhoisLookup, Command: "whois example.com"},
	}
	for _, r := range records {
		if err := rec.RecordExecution(ctx, r); err != nil {
			t.Fatalf("RecordExecution: %v", err)
		}
	}

	got, err := s.Executions().List(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("executions = %d, want 2", len(got))
	}
	if got[0].Command != "testssl.sh example.com" || got[0].Plugin != "SSL_SCANNER" || got[0].Duration != 1500*time.Millisecond {
		t.Errorf("newest = %+v", got[0])
	}
	if !got[1].Rejected {
		t.Errorf("oldest should be the rejected command: %+v", got[1])
	}

	n, err := s.Executions().Prune(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
}

func TestStore_PingAndDriver(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("driver = %q", s.Driver())
	}
}

func TestFiles_ConcurrentUploads(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	svc := storage.NewFileService(s.Files(), 100)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Upload(ctx, "alice", "w.lst", []byte("admin\n")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("upload: %v", err)
	}
	list, _ := svc.List(ctx, "alice")
	if len(list) != 8 {
		t.Errorf("files = %d, want 8", len(list))
	}
}
