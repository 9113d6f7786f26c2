package media

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awheeler/fieldsync/internal/logging"
	"github.com/awheeler/fieldsync/internal/queue"
	"github.com/awheeler/fieldsync/internal/state"
)

type fakeQueue struct {
	mu     sync.Mutex
	events []queue.MediaPayload
}

func (f *fakeQueue) AddEvent(_ state.EventType, payload any, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, payload.(queue.MediaPayload))
	return "ev-1", nil
}

func (f *fakeQueue) captured() []queue.MediaPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.MediaPayload(nil), f.events...)
}

func startWatcher(t *testing.T) (string, *fakeQueue, *Watcher) {
	t.Helper()

	dir := t.TempDir()
	q := &fakeQueue{}
	w := NewWatcher(dir, q, logging.Discard())
	w.SetContext("call-7", "user-3")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Watch(ctx) }()

	// Give fsnotify a beat to establish the watch.
	time.Sleep(100 * time.Millisecond)

	return dir, q, w
}

func waitForCaptures(t *testing.T, q *fakeQueue, n int) []queue.MediaPayload {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(q.captured()) >= n
	}, 5*time.Second, 50*time.Millisecond)

	return q.captured()
}

// --- Capture handling ---

func TestWatch_EnqueuesNewCapture(t *testing.T) {
	dir, q, _ := startWatcher(t)

	path := filepath.Join(dir, "IMG_0001.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg-bytes"), 0644))

	events := waitForCaptures(t, q, 1)
	assert.Equal(t, "call-7", events[0].CallID)
	assert.Equal(t, "user-3", events[0].UserID)
	assert.Equal(t, "IMG_0001.jpg", events[0].FileName)
	assert.Equal(t, path, events[0].FilePath)
}

func TestWatch_IgnoresNonMediaFiles(t *testing.T) {
	dir, q, _ := startWatcher(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "capture.tmp"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "VID_0001.mp4"), []byte("mp4"), 0644))

	events := waitForCaptures(t, q, 1)
	assert.Len(t, events, 1)
	assert.Equal(t, "VID_0001.mp4", events[0].FileName)
}

func TestWatch_SameFileEnqueuedOnce(t *testing.T) {
	dir, q, _ := startWatcher(t)

	path := filepath.Join(dir, "IMG_0002.jpg")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0644))
	waitForCaptures(t, q, 1)

	require.NoError(t, os.WriteFile(path, []byte("ab"), 0644))
	time.Sleep(1500 * time.Millisecond)

	assert.Len(t, q.captured(), 1)
}

func TestSetContext_AppliesToLaterCaptures(t *testing.T) {
	dir, q, w := startWatcher(t)

	w.SetContext("call-9", "user-3")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "IMG_0003.jpg"), []byte("a"), 0644))

	events := waitForCaptures(t, q, 1)
	assert.Equal(t, "call-9", events[0].CallID)
}
