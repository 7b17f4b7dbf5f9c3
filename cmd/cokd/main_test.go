package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cok/internal/capture"
	"cok/internal/config"
	"cok/internal/model"
	"cok/internal/store"
)

const knockFile = `config knock port-sequence
    edit "ssh"
        set ports 1000-1002 3000
        set timeout 5000
        set success "__LOG__ opened ssh for __SRC_IP__"
    next
end
`

// idleSource captures nothing until it is closed.
type idleSource struct {
	opened chan<- struct{}

	mu     sync.Mutex
	nextID int
	stop   chan struct{}
	once   sync.Once
}

func newIdleSource(opened chan<- struct{}) *idleSource {
	return &idleSource{opened: opened, stop: make(chan struct{})}
}

func (s *idleSource) FindDevice() (string, error) { return "eth-test", nil }
func (s *idleSource) SetFilter(string) error      { return nil }
func (s *idleSource) RemoveListener(int)          {}

func (s *idleSource) Open(string, bool) error {
	select {
	case s.opened <- struct{}{}:
	default:
	}
	return nil
}

func (s *idleSource) AddListener(capture.Listener) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *idleSource) SwapListener(_ int, build func() capture.Listener) int {
	return s.AddListener(build())
}

func (s *idleSource) Capture(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return nil
	}
}

func (s *idleSource) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

type recordingSetter struct {
	got []*model.Descriptor
}

func (r *recordingSetter) SetKnock(d *model.Descriptor) model.SetResult {
	if d.Validate() != nil {
		return model.SetError
	}
	r.got = append(r.got, d)
	return model.SetNew
}

func TestNewRootCmd(t *testing.T) {
	cmd := newRootCmd()
	if cmd == nil {
		t.Fatal("newRootCmd returned nil")
	}
	if cmd.Use != "cokd" {
		t.Errorf("Expected use 'cokd', got '%s'", cmd.Use)
	}
	for _, name := range []string{"config", "interface", "verbose", "clear", "ignore"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("Expected flag --%s", name)
		}
	}
	if f := cmd.Flags().Lookup("clear"); f.Shorthand != "C" {
		t.Errorf("Expected -C for --clear, got %q", f.Shorthand)
	}
}

func TestSetupLogger(t *testing.T) {
	for _, lvl := range []string{"DEBUG", "info", "WARN", "ERROR", "UNKNOWN"} {
		if setupLogger(lvl, "") == nil {
			t.Errorf("setupLogger returned nil for level %s", lvl)
		}
	}
	if !setupLogger("debug", "").Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected lower-case debug to enable DEBUG")
	}
	if setupLogger("bogus", "").Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected unknown level to default to INFO")
	}

	logFile := filepath.Join(t.TempDir(), "cokd.log")
	setupLogger("INFO", logFile).Info("hello")
	if data, err := os.ReadFile(logFile); err != nil || !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("Expected JSON record in log file, got %q (%v)", data, err)
	}
	if setupLogger("INFO", "/nonexistent/path/to/log.log") == nil {
		t.Error("setupLogger should return a logger even if file fails")
	}
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()
	if _, _, err := openBackend(ctx, config.Store{Backend: "unknown"}); err == nil {
		t.Error("Expected error for unknown backend")
	}
	if _, _, err := openBackend(ctx, config.Store{Backend: config.BackendFile}); err == nil {
		t.Error("Expected error for missing file path")
	}
	if _, _, err := openBackend(ctx, config.Store{Backend: config.BackendMariaDB}); err == nil {
		t.Error("Expected error for missing mariadb DSN")
	}
	if _, _, err := openBackend(ctx, config.Store{Backend: config.BackendMariaDB, DSN: "invalid-dsn"}); err == nil {
		t.Error("Expected error for invalid mariadb DSN")
	}
	b, closeFn, err := openBackend(ctx, config.Store{Backend: config.BackendMemory})
	if err != nil || b == nil {
		t.Fatalf("Expected memory backend, got %v", err)
	}
	closeFn()
}

func TestApplyKnockFile(t *testing.T) {
	reg := &recordingSetter{}
	if n := applyKnockFile(reg, "knocks.conf", []byte(knockFile)); n != 1 {
		t.Fatalf("Expected 1 knock applied, got %d", n)
	}
	if got := reg.got[0].Desc(); got != "PortSeq_1000_1001_1002_3000_5000" {
		t.Errorf("Unexpected knock %s", got)
	}
	if n := applyKnockFile(reg, "knocks.conf", []byte("config knock bogus\nend\n")); n != 0 {
		t.Errorf("Expected a broken file to apply nothing, got %d", n)
	}
	if len(reg.got) != 1 {
		t.Errorf("Expected no further SetKnock calls, got %d", len(reg.got))
	}
}

func TestRunLoadsKnockFileAndSavesOnShutdown(t *testing.T) {
	// This test starts the daemon on a fake capture source, waits for the
	// watched knock file to start capture, and checks the knock is saved on exit.
	dir := t.TempDir()
	storePath := filepath.Join(dir, "knocks.json")
	knocksPath := filepath.Join(dir, "knocks.conf")
	cfgPath := filepath.Join(dir, "cokd.yaml")
	if err := os.WriteFile(knocksPath, []byte(knockFile), 0o600); err != nil {
		t.Fatal(err)
	}
	cfgYAML := strings.Join([]string{
		"control:",
		"  listen: 127.0.0.1:0",
		"store:",
		"  backend: file",
		"  path: " + storePath,
		"knocks_file: " + knocksPath,
		"reload_interval: 50ms",
		"log_file: " + filepath.Join(dir, "cokd.log"),
	}, "\n")
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	opened := make(chan struct{}, 1)
	orig := newSource
	newSource = func(int, *slog.Logger) capture.Source { return newIdleSource(opened) }
	defer func() { newSource = orig }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", cfgPath, "--ignore"})
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	select {
	case <-opened:
	case err := <-done:
		t.Fatalf("Daemon exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Capture was never started")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Daemon did not stop")
	}

	f, err := store.OpenFile(storePath)
	if err != nil {
		t.Fatalf("Failed to open saved store: %v", err)
	}
	descs, err := store.New(f).LoadDescriptors(context.Background())
	if err != nil {
		t.Fatalf("Failed to load saved knocks: %v", err)
	}
	if len(descs) != 1 || descs[0].Desc() != "PortSeq_1000_1001_1002_3000_5000" {
		t.Fatalf("Expected the watched knock to be saved, got %v", descs)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "cokd.yaml")
	os.WriteFile(cfgPath, []byte("store:\n  backend: redis\n"), 0o600)
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", cfgPath})
	if err := cmd.Execute(); err == nil {
		t.Error("Expected error for invalid config")
	}
}
