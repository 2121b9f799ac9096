package plugin

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(nil)
	require.NoError(t, r.Reload(dir))

	w, err := NewWatcher(r, dir, 20*time.Millisecond, nil)
	require.NoError(t, err)

	var reloads atomic.Int32
	w.onReload = func(error) { reloads.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFile(t, dir, "greet.yaml", greetManifest)

	require.Eventually(t, func() bool {
		_, ok := r.Get("greet")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	// Non-manifest files never trigger a reload.
	time.Sleep(150 * time.Millisecond)
	before := reloads.Load()
	writeFile(t, dir, "notes.txt", "hello")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, before, reloads.Load())

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherKeepsToolsOnBadManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "greet.yaml", greetManifest)
	r := NewRegistry(nil)
	require.NoError(t, r.Reload(dir))

	w, err := NewWatcher(r, dir, 20*time.Millisecond, nil)
	require.NoError(t, err)

	failed := make(chan error, 4)
	w.onReload = func(err error) {
		if err == nil {
			return
		}
		select {
		case failed <- err:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	writeFile(t, dir, "broken.yaml", "name: [")

	select {
	case err := <-failed:
		assert.Contains(t, err.Error(), "broken.yaml")
	case <-time.After(5 * time.Second):
		t.Fatal("expected a failed reload")
	}

	_, ok := r.Get("greet")
	assert.True(t, ok)
}

func TestNewWatcherMissingDir(t *testing.T) {
	_, err := NewWatcher(NewRegistry(nil), filepath.Join(t.TempDir(), "nope"), 0, nil)
	require.Error(t, err)
}

func TestRelevant(t *testing.T) {
	tests := []struct {
		event fsnotify.Event
		want  bool
	}{
		{fsnotify.Event{Name: "/p/a.yaml", Op: fsnotify.Write}, true},
		{fsnotify.Event{Name: "/p/a.yml", Op: fsnotify.Create}, true},
		{fsnotify.Event{Name: "/p/a.yaml", Op: fsnotify.Remove}, true},
		{fsnotify.Event{Name: "/p/a.yaml", Op: fsnotify.Chmod}, false},
		{fsnotify.Event{Name: "/p/.manifest-1.tmp", Op: fsnotify.Create}, false},
		{fsnotify.Event{Name: "/p/.a.yaml", Op: fsnotify.Write}, false},
		{fsnotify.Event{Name: "/p/a.json", Op: fsnotify.Write}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, relevant(tt.event), "%s %s", tt.event.Name, tt.event.Op)
	}
}
