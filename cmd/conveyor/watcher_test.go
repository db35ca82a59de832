package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/internal/logging"
)

type applyLog struct {
	mu    sync.Mutex
	paths []string
}

func (l *applyLog) apply(_ context.Context, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paths = append(l.paths, filepath.Base(path))
	return nil
}

func (l *applyLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.paths...)
}

func startWatcher(t *testing.T, dir string, apply func(context.Context, string) error) {
	t.Helper()
	w := newDefinitionsWatcher(dir, apply, logging.Discard())
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, ready) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("watcher exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not start")
	}
}

func TestDefinitionsWatcher_DebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	log := &applyLog{}
	startWatcher(t, dir, log.apply)

	path := filepath.Join(dir, "doubler.yaml")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(doublerYAML), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	require.Eventually(t, func() bool { return len(log.snapshot()) > 0 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []string{"doubler.yaml"}, log.snapshot())
}

func TestDefinitionsWatcher_AppliesToRegistry(t *testing.T) {
	dir := t.TempDir()
	svc := newApplier(t)
	v := newValidator(t)
	startWatcher(t, dir, func(ctx context.Context, path string) error {
		_, _, err := applyFile(ctx, path, v, svc)
		return err
	})

	writeFile(t, dir, "greeter.json", greeterJSON)
	require.Eventually(t, func() bool {
		_, err := svc.Get(context.Background(), "greeter", 0)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	// A rejected edit keeps the stored version.
	writeFile(t, dir, "greeter.json", `{"id": "greeter", "name": "Greeter", "steps": []}`)
	time.Sleep(300 * time.Millisecond)
	latest, err := svc.Get(context.Background(), "greeter", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)
}

func TestDefinitionsWatcher_MissingDir(t *testing.T) {
	w := newDefinitionsWatcher(filepath.Join(t.TempDir(), "missing"), (&applyLog{}).apply, logging.Discard())
	assert.Error(t, w.Run(context.Background(), nil))
}
