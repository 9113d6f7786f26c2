// Package media turns files dropped into the local capture directory
// into queued media-upload events. The camera/recorder layer writes
// captures to disk and this watcher picks them up, so media taken
// while offline flows through the same durable queue as everything
// else.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/awheeler/fieldsync/internal/queue"
	"github.com/awheeler/fieldsync/internal/state"
)

// mediaExts are the capture formats worth uploading. Everything else
// in the directory (thumbnails, sidecar files) is ignored.
var mediaExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".heic": true,
	".mp4":  true,
	".mov":  true,
	".webm": true,
	".m4a":  true,
}

// enqueuer is the subset of the queue store the watcher needs.
type enqueuer interface {
	AddEvent(typ state.EventType, payload any, maxRetries int) (string, error)
}

// Watcher monitors the capture directory and enqueues a media-upload
// event per new file.
type Watcher struct {
	dir    string
	queue  enqueuer
	logger *slog.Logger

	mu     sync.Mutex
	callID string
	userID string

	// enqueued tracks files already turned into events so a re-write
	// of the same capture does not upload it twice.
	enqueued map[string]bool
}

// NewWatcher creates a watcher over dir enqueueing into q.
func NewWatcher(dir string, q enqueuer, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		queue:    q,
		logger:   logger,
		enqueued: make(map[string]bool),
	}
}

// SetContext updates the call/user pair attached to subsequent
// captures. The UI layer calls this when the active call changes.
func (w *Watcher) SetContext(callID, userID string) {
	w.mu.Lock()
	w.callID = callID
	w.userID = userID
	w.mu.Unlock()
}

// Watch blocks watching the capture directory until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("creating capture dir: %w", err)
	}

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching capture dir: %w", err)
	}

	w.logger.Info("capture watcher started", slog.String("dir", w.dir))

	// Debounce: a capture is enqueued once it has been quiet for a
	// beat, so half-written files are not uploaded.
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			w.logger.Warn("capture watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < 300*time.Millisecond {
					continue
				}
				delete(pending, path)
				w.handleCapture(path)
			}
		}
	}
}

func (w *Watcher) handleCapture(absPath string) {
	if !mediaExts[strings.ToLower(filepath.Ext(absPath))] {
		return
	}

	info, err := os.Stat(absPath)
	if err != nil || info.IsDir() {
		return
	}

	w.mu.Lock()
	if w.enqueued[absPath] {
		w.mu.Unlock()
		return
	}
	w.enqueued[absPath] = true
	callID, userID := w.callID, w.userID
	w.mu.Unlock()

	id, err := w.queue.AddEvent(state.EventMediaUpload, queue.MediaPayload{
		CallID:   callID,
		UserID:   userID,
		FileName: filepath.Base(absPath),
		FilePath: absPath,
	}, 0)
	if err != nil {
		w.logger.Warn("enqueueing capture failed",
			slog.String("path", absPath),
			slog.String("error", err.Error()),
		)
		w.mu.Lock()
		delete(w.enqueued, absPath)
		w.mu.Unlock()
		return
	}

	w.logger.Info("capture queued for upload",
		slog.String("file", filepath.Base(absPath)),
		slog.String("event_id", id),
	)
}
